package mysql

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"MEMEX-Node/internal/amount"
	xerrors "MEMEX-Node/internal/errors"
	"MEMEX-Node/internal/keylock"
	"MEMEX-Node/internal/ledger"
)

const (
	walletColumns = `agent_id, balance, staked, available, updated_at`
	txColumns     = `seq, tx_id, from_agent, to_agent, amount, kind, memo, created_at`

	selectWalletSQL   = `SELECT ` + walletColumns + ` FROM wallets WHERE agent_id = ?`
	listWalletsSQL    = `SELECT ` + walletColumns + ` FROM wallets ORDER BY agent_id`
	insertWalletSQL   = `INSERT INTO wallets (agent_id, balance, staked, available, updated_at) VALUES (?, ?, ?, ?, ?)`
	updateWalletSQL   = `UPDATE wallets SET balance = ?, staked = ?, available = ?, updated_at = ? WHERE agent_id = ?`
	insertTxSQL       = `INSERT INTO ledger_transactions (tx_id, from_agent, to_agent, amount, kind, memo, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`
	insertClaimSQL    = `INSERT INTO ledger_claims (claim_key, claimed_at) VALUES (?, ?)`
	totalStakedSQL    = `SELECT COALESCE(SUM(staked), 0) FROM wallets`
	listAllTxSQL      = `SELECT ` + txColumns + ` FROM ledger_transactions ORDER BY seq DESC`
	listAgentTxSQL    = `SELECT ` + txColumns + ` FROM ledger_transactions WHERE from_agent = ? OR to_agent = ? ORDER BY seq DESC`
	lockWalletsPrefix = `SELECT ` + walletColumns + ` FROM wallets WHERE agent_id IN (`
	lockWalletsSuffix = `) ORDER BY agent_id FOR UPDATE`
)

// LedgerStore 使用 MySQL 持久化账本。
type LedgerStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewLedgerStore 基于已迁移的连接创建账本存储。
func NewLedgerStore(db *sql.DB) *LedgerStore {
	return &LedgerStore{db: db, now: time.Now}
}

// Update 实现 ledger.Store：在单个事务内锁定钱包行、执行回调并提交。
func (s *LedgerStore) Update(ctx context.Context, keys []string, fn func(ctx context.Context, tx ledger.Tx) error) error {
	ordered := keylock.Normalize(keys)
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err, "开启账本事务失败")
	}

	tx := &ledgerTx{
		tx:     sqlTx,
		now:    s.now,
		locked: make(map[string]struct{}, len(ordered)),
		loaded: make(map[string]ledger.Wallet, len(ordered)),
		staged: make(map[string]ledger.Wallet, len(ordered)),
	}
	if err := tx.lock(ctx, ordered); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := fn(ctx, tx); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := tx.flush(ctx); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return classify(err, "提交账本事务失败")
	}
	return nil
}

// GetWallet 实现 ledger.Store。
func (s *LedgerStore) GetWallet(ctx context.Context, agent string) (ledger.Wallet, error) {
	row := s.db.QueryRowContext(ctx, selectWalletSQL, agent)
	w, err := scanWallet(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return ledger.Wallet{}, ledger.ErrWalletNotFound
		}
		return ledger.Wallet{}, classify(err, "查询钱包失败")
	}
	return w, nil
}

// ListWallets 实现 ledger.Store。
func (s *LedgerStore) ListWallets(ctx context.Context) ([]ledger.Wallet, error) {
	rows, err := s.db.QueryContext(ctx, listWalletsSQL)
	if err != nil {
		return nil, classify(err, "查询钱包列表失败")
	}
	defer rows.Close()

	var wallets []ledger.Wallet
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, classify(err, "解析钱包失败")
		}
		wallets = append(wallets, w)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err, "遍历钱包失败")
	}
	return wallets, nil
}

// ListTransactions 实现 ledger.Store。
func (s *LedgerStore) ListTransactions(ctx context.Context, agent string, limit int) ([]ledger.Transaction, error) {
	query := listAllTxSQL
	var args []interface{}
	if agent != "" {
		query = listAgentTxSQL
		args = append(args, agent, agent)
	}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err, "查询交易失败")
	}
	defer rows.Close()

	var records []ledger.Transaction
	for rows.Next() {
		var (
			record    ledger.Transaction
			from, to  sql.NullString
			kind      string
			createdAt int64
		)
		if err := rows.Scan(&record.Seq, &record.ID, &from, &to, &record.Amount, &kind, &record.Memo, &createdAt); err != nil {
			return nil, classify(err, "解析交易失败")
		}
		record.From = from.String
		record.To = to.String
		record.Kind = ledger.Kind(kind)
		record.CreatedAt = time.Unix(createdAt, 0).UTC()
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err, "遍历交易失败")
	}
	return records, nil
}

// TotalStaked 实现 ledger.Store。
func (s *LedgerStore) TotalStaked(ctx context.Context) (amount.Amount, error) {
	var total amount.Amount
	if err := s.db.QueryRowContext(ctx, totalStakedSQL).Scan(&total); err != nil {
		return 0, classify(err, "统计质押总额失败")
	}
	return total, nil
}

// Close 实现 ledger.Store。
func (s *LedgerStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type ledgerTx struct {
	tx     *sql.Tx
	now    func() time.Time
	locked map[string]struct{}
	loaded map[string]ledger.Wallet
	staged map[string]ledger.Wallet
	log    []ledger.Transaction
}

// lock 按代理编号顺序锁定已存在的钱包行。
func (t *ledgerTx) lock(ctx context.Context, agents []string) error {
	if len(agents) == 0 {
		return nil
	}
	for _, agent := range agents {
		t.locked[agent] = struct{}{}
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(agents)), ", ")
	args := make([]interface{}, len(agents))
	for i, agent := range agents {
		args[i] = agent
	}
	rows, err := t.tx.QueryContext(ctx, lockWalletsPrefix+placeholders+lockWalletsSuffix, args...)
	if err != nil {
		return classify(err, "锁定钱包失败")
	}
	defer rows.Close()
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return classify(err, "解析钱包失败")
		}
		t.loaded[w.Agent] = w
	}
	if err := rows.Err(); err != nil {
		return classify(err, "锁定钱包失败")
	}
	return nil
}

func (t *ledgerTx) Wallet(_ context.Context, agent string) (ledger.Wallet, error) {
	if _, ok := t.locked[agent]; !ok {
		return ledger.Wallet{}, xerrors.New(xerrors.CodeInvalidState, fmt.Sprintf("钱包 %s 未在本次更新中加锁", agent))
	}
	if w, ok := t.staged[agent]; ok {
		return w, nil
	}
	if w, ok := t.loaded[agent]; ok {
		return w, nil
	}
	return ledger.Wallet{}, ledger.ErrWalletNotFound
}

func (t *ledgerTx) PutWallet(_ context.Context, w ledger.Wallet) error {
	if _, ok := t.locked[w.Agent]; !ok {
		return xerrors.New(xerrors.CodeInvalidState, fmt.Sprintf("钱包 %s 未在本次更新中加锁", w.Agent))
	}
	t.staged[w.Agent] = w
	return nil
}

func (t *ledgerTx) Append(_ context.Context, record ledger.Transaction) error {
	t.log = append(t.log, record)
	return nil
}

func (t *ledgerTx) Claim(ctx context.Context, key string) error {
	if _, err := t.tx.ExecContext(ctx, insertClaimSQL, key, t.now().Unix()); err != nil {
		if isDuplicate(err) {
			return ledger.ErrAlreadyClaimed
		}
		return classify(err, "写入领取记录失败")
	}
	return nil
}

// flush 写入暂存的钱包与交易，钱包按代理编号顺序写入。
func (t *ledgerTx) flush(ctx context.Context) error {
	agents := make([]string, 0, len(t.staged))
	for agent := range t.staged {
		agents = append(agents, agent)
	}
	sort.Strings(agents)

	for _, agent := range agents {
		w := t.staged[agent]
		if err := w.Validate(); err != nil {
			return xerrors.Wrap(xerrors.CodeInvariantViolation, err, "拒绝提交")
		}
		updatedAt := w.UpdatedAt.Unix()
		if _, exists := t.loaded[agent]; exists {
			if _, err := t.tx.ExecContext(ctx, updateWalletSQL, w.Balance, w.Staked, w.Available, updatedAt, agent); err != nil {
				return classify(err, "更新钱包失败")
			}
			continue
		}
		if _, err := t.tx.ExecContext(ctx, insertWalletSQL, agent, w.Balance, w.Staked, w.Available, updatedAt); err != nil {
			return classify(err, "创建钱包失败")
		}
	}

	for _, record := range t.log {
		_, err := t.tx.ExecContext(ctx, insertTxSQL,
			record.ID,
			nullString(record.From),
			nullString(record.To),
			record.Amount,
			string(record.Kind),
			record.Memo,
			record.CreatedAt.Unix(),
		)
		if err != nil {
			return classify(err, "写入交易失败")
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanWallet(row rowScanner) (ledger.Wallet, error) {
	var (
		w         ledger.Wallet
		updatedAt int64
	)
	if err := row.Scan(&w.Agent, &w.Balance, &w.Staked, &w.Available, &updatedAt); err != nil {
		return ledger.Wallet{}, err
	}
	w.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return w, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

var _ ledger.Store = (*LedgerStore)(nil)
