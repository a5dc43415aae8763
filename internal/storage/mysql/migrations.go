package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"MEMEX-Node/deploy/migrations"
	xerrors "MEMEX-Node/internal/errors"
	"MEMEX-Node/pkg/logger"
)

var embeddedMigrations = migrations.Files

const (
	migrationLockName    = "memex_schema_migrations"
	migrationLockTimeout = 30

	acquireMigrationLockSQL = `SELECT GET_LOCK(?, ?)`
	releaseMigrationLockSQL = `DO RELEASE_LOCK(?)`
	createMigrationTableSQL = `CREATE TABLE IF NOT EXISTS schema_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        checksum CHAR(66) NOT NULL,
        applied_at BIGINT NOT NULL
)`
	selectAppliedMigrationsSQL = `SELECT version, checksum FROM schema_migrations`
	insertMigrationSQL         = `INSERT INTO schema_migrations (version, checksum, applied_at) VALUES (?, ?, ?)`
)

type migrationFile struct {
	version    string
	name       string
	checksum   string
	statements []string
}

// runMigrations 在命名锁保护下按版本顺序应用尚未执行的迁移。
// 已应用迁移的内容摘要发生变化时拒绝启动。
func runMigrations(ctx context.Context, db *sql.DB) error {
	files, err := loadMigrationFiles()
	if err != nil {
		return err
	}

	// GET_LOCK 绑定在连接上，整个迁移过程必须复用同一连接。
	conn, err := db.Conn(ctx)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取迁移连接失败")
	}
	defer conn.Close()

	if err := acquireMigrationLock(ctx, conn); err != nil {
		return err
	}
	defer func() {
		if _, err := conn.ExecContext(context.WithoutCancel(ctx), releaseMigrationLockSQL, migrationLockName); err != nil {
			logger.L().Warn("释放迁移锁失败", slog.Any("error", err))
		}
	}()

	if _, err := conn.ExecContext(ctx, createMigrationTableSQL); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建 schema_migrations 表失败")
	}

	applied, err := loadAppliedVersions(ctx, conn)
	if err != nil {
		return err
	}

	for _, migration := range files {
		if checksum, ok := applied[migration.version]; ok {
			if checksum != migration.checksum {
				return xerrors.New(xerrors.CodeInvariantViolation,
					fmt.Sprintf("迁移 %s 已应用但内容发生变化", migration.name),
					xerrors.WithMetadata("applied", checksum),
					xerrors.WithMetadata("embedded", migration.checksum))
			}
			continue
		}
		if err := applyMigration(ctx, conn, migration); err != nil {
			return err
		}
		logger.L().Info("数据库迁移已应用",
			slog.String("version", migration.version),
			slog.String("file", migration.name),
			slog.String("checksum", migration.checksum),
		)
	}
	return nil
}

func acquireMigrationLock(ctx context.Context, conn *sql.Conn) error {
	var acquired sql.NullInt64
	if err := conn.QueryRowContext(ctx, acquireMigrationLockSQL, migrationLockName, migrationLockTimeout).Scan(&acquired); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取迁移锁失败")
	}
	if !acquired.Valid || acquired.Int64 != 1 {
		return xerrors.New(xerrors.CodeContention, "其他实例正在执行数据库迁移")
	}
	return nil
}

func loadAppliedVersions(ctx context.Context, conn *sql.Conn) (map[string]string, error) {
	rows, err := conn.QueryContext(ctx, selectAppliedMigrationsSQL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询 schema_migrations 失败")
	}
	defer rows.Close()

	applied := make(map[string]string)
	for rows.Next() {
		var version, checksum string
		if err := rows.Scan(&version, &checksum); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析 schema_migrations 失败")
		}
		applied[version] = checksum
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历 schema_migrations 失败")
	}
	return applied, nil
}

// applyMigration 在单个事务内执行迁移并登记版本。
// 注意 MySQL 的 DDL 会隐式提交，失败的迁移可能留下部分结构，需要人工处理。
func applyMigration(ctx context.Context, conn *sql.Conn, migration migrationFile) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启迁移事务失败")
	}
	defer tx.Rollback()

	for i, stmt := range migration.statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err,
				fmt.Sprintf("执行迁移 %s 第 %d 条语句失败", migration.name, i+1))
		}
	}

	if _, err := tx.ExecContext(ctx, insertMigrationSQL, migration.version, migration.checksum, time.Now().Unix()); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "记录迁移版本失败")
	}

	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交迁移事务失败")
	}
	return nil
}

// loadMigrationFiles 读取内嵌迁移文件，同一版本号出现两次视为打包错误。
func loadMigrationFiles() ([]migrationFile, error) {
	names, err := fs.Glob(embeddedMigrations, "*.sql")
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "读取迁移目录失败")
	}

	seen := make(map[string]string, len(names))
	out := make([]migrationFile, 0, len(names))
	for _, name := range names {
		content, err := fs.ReadFile(embeddedMigrations, name)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "读取迁移文件 "+name+" 失败")
		}
		statements := splitSQLStatements(string(content))
		if len(statements) == 0 {
			continue
		}
		version := parseMigrationVersion(name)
		if prev, dup := seen[version]; dup {
			return nil, xerrors.New(xerrors.CodeInitializationFailure,
				fmt.Sprintf("迁移版本 %s 重复: %s 与 %s", version, prev, name))
		}
		seen[version] = name
		out = append(out, migrationFile{
			version:    version,
			name:       name,
			checksum:   crypto.Keccak256Hash(content).Hex(),
			statements: statements,
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

// splitSQLStatements 按分号切分语句并丢弃 "--" 注释行。
// 迁移文件中不允许在字符串字面量里出现分号。
func splitSQLStatements(content string) []string {
	var cleaned strings.Builder
	for _, line := range strings.Split(content, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		cleaned.WriteString(line)
		cleaned.WriteByte('\n')
	}

	var statements []string
	for _, stmt := range strings.Split(cleaned.String(), ";") {
		if trimmed := strings.TrimSpace(stmt); trimmed != "" {
			statements = append(statements, trimmed)
		}
	}
	return statements
}

func parseMigrationVersion(name string) string {
	base := strings.TrimSuffix(name, ".sql")
	if idx := strings.IndexByte(base, '_'); idx > 0 {
		return base[:idx]
	}
	return base
}
