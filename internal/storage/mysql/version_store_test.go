package mysql

import (
	"context"
	"database/sql/driver"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"

	"MEMEX-Node/internal/amount"
	xerrors "MEMEX-Node/internal/errors"
	"MEMEX-Node/internal/protocol"
)

var versionColumnNames = []string{"version", "effective_epoch", "fees", "fee_split", "staking", "source_proposal", "created_at"}

func versionRow(version, effective int64, source interface{}) []driver.Value {
	return []driver.Value{
		version, effective,
		[]byte(`{"vectors_store":0.25,"vectors_search":0.05,"tasks":1}`),
		[]byte(`{"validators":0.7,"contributors":0.2,"treasury":0.1}`),
		[]byte(`{"min_stake":1000}`),
		source,
		int64(30),
	}
}

func TestVersionStoreAppendAssignsNextVersion(t *testing.T) {
	t.Parallel()

	ops := []mockOperation{
		queryOp(selectVersionBySourceSQL, mockRowsData{columns: versionColumnNames}),
		beginOp(),
		queryOp(`SELECT version, effective_epoch, fees, fee_split, staking, source_proposal, created_at
    FROM config_versions ORDER BY version DESC LIMIT 1 FOR UPDATE`, mockRowsData{
			columns: versionColumnNames,
			values:  [][]driver.Value{versionRow(2, 100, "p-0")},
		}),
		execOp(`INSERT INTO config_versions (version, effective_epoch, fees, fee_split, staking, source_proposal, created_at)
    VALUES (?, ?, ?, ?, ?, ?, ?)`, mockResult{rowsAffected: 1}),
		commitOp(),
	}
	db, drv := newMockDB(t, ops)
	defer drv.assertConsumed(t)
	defer db.Close()

	store := NewVersionStore(db)
	store.now = func() time.Time { return time.Unix(30, 0) }
	var seen *protocol.ConfigVersion
	stored, created, err := store.Append(context.Background(), "p-1", func(latest *protocol.ConfigVersion) (protocol.ConfigVersion, error) {
		seen = latest
		next := *latest
		next.EffectiveEpoch = 150
		return next, nil
	})
	if err != nil {
		t.Fatalf("追加版本失败: %v", err)
	}
	if seen == nil || seen.Version != 2 || seen.SourceProposal != "p-0" {
		t.Fatalf("构造函数应拿到加锁读取的最新版本: %+v", seen)
	}
	if !created || stored.Version != 3 || stored.EffectiveEpoch != 150 || stored.SourceProposal != "p-1" {
		t.Fatalf("版本不符合预期: created=%v %+v", created, stored)
	}
	args := drv.argsAt(3)
	if args[0] != int64(3) || args[5] != "p-1" || args[6] != int64(30) {
		t.Fatalf("插入参数不符合预期: %v", args)
	}
}

func TestVersionStoreAppendIsIdempotentPerProposal(t *testing.T) {
	t.Parallel()

	ops := []mockOperation{
		queryOp(selectVersionBySourceSQL, mockRowsData{
			columns: versionColumnNames,
			values:  [][]driver.Value{versionRow(1, 150, "p-1")},
		}),
	}
	db, drv := newMockDB(t, ops)
	defer drv.assertConsumed(t)
	defer db.Close()

	store := NewVersionStore(db)
	stored, created, err := store.Append(context.Background(), "p-1", func(*protocol.ConfigVersion) (protocol.ConfigVersion, error) {
		t.Fatalf("已有版本时不应调用构造函数")
		return protocol.ConfigVersion{}, nil
	})
	if err != nil {
		t.Fatalf("追加版本失败: %v", err)
	}
	if created || stored.Version != 1 || stored.EffectiveEpoch != 150 {
		t.Fatalf("同一提案应返回已有版本: created=%v %+v", created, stored)
	}
	if stored.Fees.VectorsStore != amount.MustParse("0.25") || stored.FeeSplit.Validators != amount.MustRatio("0.7") {
		t.Fatalf("版本内容解析错误: %+v", stored)
	}
}

func TestVersionStoreAppendRaceReturnsWinner(t *testing.T) {
	t.Parallel()

	ops := []mockOperation{
		queryOp(selectVersionBySourceSQL, mockRowsData{columns: versionColumnNames}),
		beginOp(),
		queryOp(lockLatestVersionSQL, mockRowsData{columns: versionColumnNames}),
		execErrOp(insertVersionSQL, &mysql.MySQLError{Number: 1062, Message: "Duplicate entry"}),
		rollbackOp(),
		queryOp(selectVersionBySourceSQL, mockRowsData{
			columns: versionColumnNames,
			values:  [][]driver.Value{versionRow(1, 150, "p-1")},
		}),
	}
	db, drv := newMockDB(t, ops)
	defer drv.assertConsumed(t)
	defer db.Close()

	store := NewVersionStore(db)
	stored, created, err := store.Append(context.Background(), "p-1", func(latest *protocol.ConfigVersion) (protocol.ConfigVersion, error) {
		if latest != nil {
			t.Fatalf("空表时不应有最新版本: %+v", latest)
		}
		v := protocol.Genesis(protocol.DefaultParameters())
		v.EffectiveEpoch = 150
		return v, nil
	})
	if err != nil {
		t.Fatalf("并发激活应返回已有版本: %v", err)
	}
	if created || stored.Version != 1 {
		t.Fatalf("版本不符合预期: created=%v %+v", created, stored)
	}
}

func TestVersionStoreList(t *testing.T) {
	t.Parallel()

	ops := []mockOperation{
		queryOp(listVersionsSQL, mockRowsData{
			columns: versionColumnNames,
			values: [][]driver.Value{
				versionRow(1, 150, "p-1"),
				versionRow(2, 300, nil),
			},
		}),
	}
	db, drv := newMockDB(t, ops)
	defer drv.assertConsumed(t)
	defer db.Close()

	versions, err := NewVersionStore(db).List(context.Background())
	if err != nil {
		t.Fatalf("查询版本失败: %v", err)
	}
	if len(versions) != 2 || versions[1].Version != 2 || versions[1].SourceProposal != "" {
		t.Fatalf("版本列表不符合预期: %+v", versions)
	}
	if versions[0].Staking.MinStake != amount.Tokens(1000) {
		t.Fatalf("质押参数解析错误: %+v", versions[0].Staking)
	}
}

func migrationChecksum(t *testing.T, version string) string {
	t.Helper()
	files, err := loadMigrationFiles()
	if err != nil {
		t.Fatalf("读取迁移文件失败: %v", err)
	}
	for _, f := range files {
		if f.version == version {
			return f.checksum
		}
	}
	t.Fatalf("未找到迁移版本 %s", version)
	return ""
}

func lockRows(acquired int64) mockRowsData {
	return mockRowsData{columns: []string{"lock"}, values: [][]driver.Value{{acquired}}}
}

func TestRunMigrationsAppliesPendingFiles(t *testing.T) {
	t.Parallel()

	ops := []mockOperation{
		queryOp(acquireMigrationLockSQL, lockRows(1)),
		execOp(`CREATE TABLE IF NOT EXISTS schema_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        checksum CHAR(66) NOT NULL,
        applied_at BIGINT NOT NULL
)`, mockResult{}),
		queryOp(`SELECT version, checksum FROM schema_migrations`, mockRowsData{
			columns: []string{"version", "checksum"},
			values:  [][]driver.Value{{"0001", migrationChecksum(t, "0001")}},
		}),
		beginOp(),
	}
	for _, stmt := range readMigrationStatements("0002_governance.sql") {
		ops = append(ops, execOp(stmt, mockResult{}))
	}
	ops = append(ops,
		execOp(`INSERT INTO schema_migrations (version, checksum, applied_at) VALUES (?, ?, ?)`, mockResult{rowsAffected: 1}),
		commitOp(),
		execOp(`DO RELEASE_LOCK(?)`, mockResult{}),
	)
	db, drv := newMockDB(t, ops)
	defer drv.assertConsumed(t)
	defer db.Close()

	if err := runMigrations(context.Background(), db); err != nil {
		t.Fatalf("执行迁移失败: %v", err)
	}
	if args := drv.argsAt(0); args[0] != migrationLockName {
		t.Fatalf("迁移锁名称错误: %v", args)
	}
	args := drv.argsAt(len(ops) - 3)
	if args[0] != "0002" || args[1] != migrationChecksum(t, "0002") {
		t.Fatalf("迁移版本记录错误: %v", args)
	}
	if !strings.HasPrefix(args[1].(string), "0x") || len(args[1].(string)) != 66 {
		t.Fatalf("摘要格式错误: %v", args[1])
	}
}

func TestRunMigrationsRejectsModifiedFile(t *testing.T) {
	t.Parallel()

	ops := []mockOperation{
		queryOp(acquireMigrationLockSQL, lockRows(1)),
		execOp(createMigrationTableSQL, mockResult{}),
		queryOp(selectAppliedMigrationsSQL, mockRowsData{
			columns: []string{"version", "checksum"},
			values:  [][]driver.Value{{"0001", "0xdeadbeef"}},
		}),
		execOp(releaseMigrationLockSQL, mockResult{}),
	}
	db, drv := newMockDB(t, ops)
	defer drv.assertConsumed(t)
	defer db.Close()

	err := runMigrations(context.Background(), db)
	if xerrors.CodeOf(err) != xerrors.CodeInvariantViolation {
		t.Fatalf("内容变化的迁移应被拒绝，实际 %v", err)
	}
	if e, _ := xerrors.From(err); e.Metadata()["applied"] != "0xdeadbeef" {
		t.Fatalf("错误应携带已应用摘要: %v", e.Metadata())
	}
}

func TestRunMigrationsLockBusy(t *testing.T) {
	t.Parallel()

	ops := []mockOperation{
		queryOp(acquireMigrationLockSQL, lockRows(0)),
	}
	db, drv := newMockDB(t, ops)
	defer drv.assertConsumed(t)
	defer db.Close()

	if err := runMigrations(context.Background(), db); xerrors.CodeOf(err) != xerrors.CodeContention {
		t.Fatalf("迁移锁被占用应返回 CONTENTION，实际 %v", err)
	}
}

func TestSplitSQLStatementsSkipsComments(t *testing.T) {
	t.Parallel()

	got := splitSQLStatements("-- ledger\nCREATE TABLE a (id INT);\n\n  -- note\nCREATE TABLE b (id INT);\n")
	if len(got) != 2 || got[0] != "CREATE TABLE a (id INT)" || got[1] != "CREATE TABLE b (id INT)" {
		t.Fatalf("语句切分错误: %q", got)
	}
	if v := parseMigrationVersion("0003_rewards.sql"); v != "0003" {
		t.Fatalf("版本解析错误: %s", v)
	}
}

func TestSessionConfig(t *testing.T) {
	t.Parallel()

	cfg, err := sessionConfig("memex:secret@tcp(127.0.0.1:3306)/memex", 0)
	if err != nil {
		t.Fatalf("解析 DSN 失败: %v", err)
	}
	if cfg.Params["innodb_lock_wait_timeout"] != "5" {
		t.Fatalf("锁等待超时默认值错误: %v", cfg.Params)
	}
	if cfg.MultiStatements {
		t.Fatalf("不应开启多语句")
	}

	explicit, err := sessionConfig("memex:secret@tcp(127.0.0.1:3306)/memex?innodb_lock_wait_timeout=9", 3)
	if err != nil {
		t.Fatalf("解析 DSN 失败: %v", err)
	}
	if explicit.Params["innodb_lock_wait_timeout"] != "9" {
		t.Fatalf("DSN 中的锁等待超时应优先: %v", explicit.Params)
	}

	if _, err := sessionConfig("::not a dsn", 3); xerrors.CodeOf(err) != xerrors.CodeInitializationFailure {
		t.Fatalf("非法 DSN 应返回 INITIALIZATION_FAILURE，实际 %v", err)
	}
}

func readMigrationStatements(name string) []string {
	content, err := embeddedMigrations.ReadFile(name)
	if err != nil {
		panic(fmt.Sprintf("读取迁移文件失败: %v", err))
	}
	statements := splitSQLStatements(string(content))
	if len(statements) == 0 {
		panic("迁移文件为空")
	}
	return statements
}
