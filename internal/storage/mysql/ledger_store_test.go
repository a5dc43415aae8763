package mysql

import (
	"context"
	"database/sql/driver"
	stdErrors "errors"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"

	"MEMEX-Node/internal/amount"
	xerrors "MEMEX-Node/internal/errors"
	"MEMEX-Node/internal/ledger"
)

var walletColumnNames = []string{"agent_id", "balance", "staked", "available", "updated_at"}

func TestLedgerStoreUpdateWritesWalletsAndLog(t *testing.T) {
	t.Parallel()

	ops := []mockOperation{
		beginOp(),
		queryOp(`SELECT agent_id, balance, staked, available, updated_at FROM wallets
    WHERE agent_id IN (?, ?) ORDER BY agent_id FOR UPDATE`, mockRowsData{
			columns: walletColumnNames,
			values:  [][]driver.Value{{"alice", []byte("10.000000"), []byte("0.000000"), []byte("10.000000"), int64(100)}},
		}),
		execOp(updateWalletSQL, mockResult{rowsAffected: 1}),
		execOp(insertWalletSQL, mockResult{rowsAffected: 1}),
		execOp(insertTxSQL, mockResult{lastInsertID: 1, rowsAffected: 1}),
		commitOp(),
	}
	db, drv := newMockDB(t, ops)
	defer drv.assertConsumed(t)
	defer db.Close()

	store := NewLedgerStore(db)
	now := time.Unix(200, 0).UTC()
	err := store.Update(context.Background(), []string{"bob", "alice", "bob"}, func(ctx context.Context, tx ledger.Tx) error {
		alice, err := tx.Wallet(ctx, "alice")
		if err != nil {
			return err
		}
		if _, err := tx.Wallet(ctx, "bob"); !stdErrors.Is(err, ledger.ErrWalletNotFound) {
			t.Fatalf("新钱包应返回 ErrWalletNotFound，实际 %v", err)
		}
		alice.Balance -= amount.Tokens(3)
		alice.Available -= amount.Tokens(3)
		alice.UpdatedAt = now
		bob := ledger.Wallet{Agent: "bob", Balance: amount.Tokens(3), Available: amount.Tokens(3), UpdatedAt: now}
		if err := tx.PutWallet(ctx, alice); err != nil {
			return err
		}
		if err := tx.PutWallet(ctx, bob); err != nil {
			return err
		}
		return tx.Append(ctx, ledger.Transaction{
			ID:        "tx-1",
			From:      "alice",
			To:        "bob",
			Amount:    amount.Tokens(3),
			Kind:      ledger.KindTransfer,
			CreatedAt: now,
		})
	})
	if err != nil {
		t.Fatalf("更新失败: %v", err)
	}

	update := drv.argsAt(2)
	if update[0] != "7.000000" || update[2] != "7.000000" || update[4] != "alice" {
		t.Fatalf("更新参数不符合预期: %v", update)
	}
	insert := drv.argsAt(3)
	if insert[0] != "bob" || insert[1] != "3.000000" {
		t.Fatalf("插入参数不符合预期: %v", insert)
	}
	txArgs := drv.argsAt(4)
	if txArgs[1] != "alice" || txArgs[2] != "bob" || txArgs[4] != "transfer" || txArgs[6] != int64(200) {
		t.Fatalf("交易参数不符合预期: %v", txArgs)
	}
}

func TestLedgerStoreUpdateMintWritesNullSender(t *testing.T) {
	t.Parallel()

	ops := []mockOperation{
		beginOp(),
		queryOp(lockWalletsPrefix+`?`+lockWalletsSuffix, mockRowsData{columns: walletColumnNames}),
		execOp(insertClaimSQL, mockResult{rowsAffected: 1}),
		execOp(insertWalletSQL, mockResult{rowsAffected: 1}),
		execOp(insertTxSQL, mockResult{rowsAffected: 1}),
		commitOp(),
	}
	db, drv := newMockDB(t, ops)
	defer drv.assertConsumed(t)
	defer db.Close()

	store := NewLedgerStore(db)
	err := store.Update(context.Background(), []string{"carol"}, func(ctx context.Context, tx ledger.Tx) error {
		if err := tx.Claim(ctx, "faucet:carol"); err != nil {
			return err
		}
		w := ledger.Wallet{Agent: "carol", Balance: amount.Tokens(100), Available: amount.Tokens(100)}
		if err := tx.PutWallet(ctx, w); err != nil {
			return err
		}
		return tx.Append(ctx, ledger.Transaction{ID: "tx-mint", To: "carol", Amount: amount.Tokens(100), Kind: ledger.KindFaucet})
	})
	if err != nil {
		t.Fatalf("铸造失败: %v", err)
	}
	if claim := drv.argsAt(2); claim[0] != "faucet:carol" {
		t.Fatalf("领取键不符合预期: %v", claim)
	}
	if txArgs := drv.argsAt(4); txArgs[1] != nil || txArgs[2] != "carol" {
		t.Fatalf("铸造交易的发送方应为 NULL: %v", txArgs)
	}
}

func TestLedgerStoreDuplicateClaimRollsBack(t *testing.T) {
	t.Parallel()

	ops := []mockOperation{
		beginOp(),
		execErrOp(insertClaimSQL, &mysql.MySQLError{Number: 1062, Message: "Duplicate entry"}),
		rollbackOp(),
	}
	db, drv := newMockDB(t, ops)
	defer drv.assertConsumed(t)
	defer db.Close()

	store := NewLedgerStore(db)
	err := store.Update(context.Background(), nil, func(ctx context.Context, tx ledger.Tx) error {
		return tx.Claim(ctx, "genesis")
	})
	if !stdErrors.Is(err, ledger.ErrAlreadyClaimed) {
		t.Fatalf("重复领取应返回 ErrAlreadyClaimed，实际 %v", err)
	}
}

func TestLedgerStoreDeadlockIsContention(t *testing.T) {
	t.Parallel()

	ops := []mockOperation{
		beginOp(),
		queryErrOp(lockWalletsPrefix+`?`+lockWalletsSuffix, &mysql.MySQLError{Number: 1213, Message: "Deadlock found"}),
		rollbackOp(),
	}
	db, drv := newMockDB(t, ops)
	defer drv.assertConsumed(t)
	defer db.Close()

	store := NewLedgerStore(db)
	err := store.Update(context.Background(), []string{"alice"}, func(context.Context, ledger.Tx) error {
		t.Fatalf("加锁失败时不应执行回调")
		return nil
	})
	if xerrors.CodeOf(err) != xerrors.CodeContention {
		t.Fatalf("死锁应映射为 CONTENTION，实际 %v", err)
	}
	if !xerrors.RetryableError(err) {
		t.Fatalf("CONTENTION 应可重试")
	}
}

func TestLedgerStoreRejectsBrokenInvariant(t *testing.T) {
	t.Parallel()

	ops := []mockOperation{
		beginOp(),
		queryOp(lockWalletsPrefix+`?`+lockWalletsSuffix, mockRowsData{columns: walletColumnNames}),
		rollbackOp(),
	}
	db, drv := newMockDB(t, ops)
	defer drv.assertConsumed(t)
	defer db.Close()

	store := NewLedgerStore(db)
	err := store.Update(context.Background(), []string{"alice"}, func(ctx context.Context, tx ledger.Tx) error {
		return tx.PutWallet(ctx, ledger.Wallet{Agent: "alice", Balance: amount.Tokens(5), Available: amount.Tokens(4)})
	})
	if xerrors.CodeOf(err) != xerrors.CodeInvariantViolation {
		t.Fatalf("余额不一致应返回 INVARIANT_VIOLATION，实际 %v", err)
	}
}

func TestLedgerStoreUnlockedWalletIsInvalidState(t *testing.T) {
	t.Parallel()

	ops := []mockOperation{
		beginOp(),
		queryOp(lockWalletsPrefix+`?`+lockWalletsSuffix, mockRowsData{columns: walletColumnNames}),
		rollbackOp(),
	}
	db, drv := newMockDB(t, ops)
	defer drv.assertConsumed(t)
	defer db.Close()

	store := NewLedgerStore(db)
	err := store.Update(context.Background(), []string{"alice"}, func(ctx context.Context, tx ledger.Tx) error {
		_, err := tx.Wallet(ctx, "mallory")
		return err
	})
	if xerrors.CodeOf(err) != xerrors.CodeInvalidState {
		t.Fatalf("读取未加锁钱包应返回 INVALID_STATE，实际 %v", err)
	}
}

func TestLedgerStoreReads(t *testing.T) {
	t.Parallel()

	txRows := mockRowsData{
		columns: []string{"seq", "tx_id", "from_agent", "to_agent", "amount", "kind", "memo", "created_at"},
		values: [][]driver.Value{
			{int64(2), "tx-2", "alice", "bob", []byte("1.500000"), "transfer", "", int64(20)},
			{int64(1), "tx-1", nil, "alice", []byte("100.000000"), "faucet", "", int64(10)},
		},
	}
	ops := []mockOperation{
		queryOp(selectWalletSQL, mockRowsData{columns: walletColumnNames}),
		queryOp(`SELECT seq, tx_id, from_agent, to_agent, amount, kind, memo, created_at FROM ledger_transactions
    WHERE from_agent = ? OR to_agent = ? ORDER BY seq DESC LIMIT ?`, txRows),
		queryOp(`SELECT COALESCE(SUM(staked), 0) FROM wallets`, mockRowsData{
			columns: []string{"total"},
			values:  [][]driver.Value{{[]byte("12.500000")}},
		}),
	}
	db, drv := newMockDB(t, ops)
	defer drv.assertConsumed(t)
	defer db.Close()

	store := NewLedgerStore(db)
	ctx := context.Background()

	if _, err := store.GetWallet(ctx, "nobody"); !stdErrors.Is(err, ledger.ErrWalletNotFound) {
		t.Fatalf("不存在的钱包应返回 ErrWalletNotFound，实际 %v", err)
	}

	records, err := store.ListTransactions(ctx, "alice", 10)
	if err != nil {
		t.Fatalf("查询交易失败: %v", err)
	}
	if len(records) != 2 || records[0].Seq != 2 || records[0].Amount != amount.MustParse("1.5") {
		t.Fatalf("交易记录不符合预期: %+v", records)
	}
	if records[1].From != "" || records[1].Kind != ledger.KindFaucet {
		t.Fatalf("铸造交易解析错误: %+v", records[1])
	}
	if args := drv.argsAt(1); args[0] != "alice" || args[1] != "alice" || args[2] != int64(10) {
		t.Fatalf("查询参数不符合预期: %v", args)
	}

	total, err := store.TotalStaked(ctx)
	if err != nil {
		t.Fatalf("统计质押失败: %v", err)
	}
	if total != amount.MustParse("12.5") {
		t.Fatalf("质押总额错误: %s", total)
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want xerrors.Code
	}{
		{"deadlock", &mysql.MySQLError{Number: 1213}, xerrors.CodeContention},
		{"lock wait", &mysql.MySQLError{Number: 1205}, xerrors.CodeContention},
		{"duplicate", &mysql.MySQLError{Number: 1062}, xerrors.CodeContention},
		{"other", &mysql.MySQLError{Number: 1146}, xerrors.CodeStorageFailure},
		{"plain", stdErrors.New("boom"), xerrors.CodeStorageFailure},
		{"passthrough", xerrors.New(xerrors.CodeNotFound, "x"), xerrors.CodeNotFound},
	}
	for _, tc := range cases {
		if got := xerrors.CodeOf(classify(tc.err, "op")); got != tc.want {
			t.Fatalf("%s: 期望 %s，实际 %s", tc.name, tc.want, got)
		}
	}
	if classify(nil, "op") != nil {
		t.Fatalf("nil 错误应保持为 nil")
	}
	if !stdErrors.Is(classify(context.Canceled, "op"), context.Canceled) {
		t.Fatalf("取消错误应原样返回")
	}
}
