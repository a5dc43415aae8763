package mysql

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "MEMEX-Node/internal/errors"
)

const (
	defaultMaxOpenConns    = 20
	defaultMaxIdleConns    = 10
	defaultConnMaxLifetime = 30 * time.Minute
	defaultLockWaitTimeout = 5
)

// Config 描述 MySQL 连接池参数。
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	// LockWaitTimeout 为 innodb_lock_wait_timeout（秒），超时会作为并发冲突重试。
	LockWaitTimeout int
}

// Open 建立连接池并执行内嵌的数据库迁移。
func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "MySQL DSN 不能为空")
	}
	driverCfg, err := sessionConfig(cfg.DSN, cfg.LockWaitTimeout)
	if err != nil {
		return nil, err
	}
	connector, err := mysql.NewConnector(driverCfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "创建 MySQL 连接器失败")
	}

	db := sql.OpenDB(connector)
	configurePool(db, cfg)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func configurePool(db *sql.DB, cfg Config) {
	db.SetMaxOpenConns(positiveOr(cfg.MaxOpenConns, defaultMaxOpenConns))
	db.SetMaxIdleConns(positiveOr(cfg.MaxIdleConns, defaultMaxIdleConns))
	lifetime := cfg.ConnMaxLifetime
	if lifetime <= 0 {
		lifetime = defaultConnMaxLifetime
	}
	db.SetConnMaxLifetime(lifetime)
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}
}

func positiveOr(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

// sessionConfig 解析 DSN 并补充账本依赖的会话参数：锁等待超时，关闭多语句。
// DSN 中显式给出的 innodb_lock_wait_timeout 优先。
func sessionConfig(dsn string, lockWaitTimeout int) (*mysql.Config, error) {
	parsed, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "解析 MySQL DSN 失败")
	}
	if parsed.Params == nil {
		parsed.Params = make(map[string]string)
	}
	if _, ok := parsed.Params["innodb_lock_wait_timeout"]; !ok {
		parsed.Params["innodb_lock_wait_timeout"] = strconv.Itoa(positiveOr(lockWaitTimeout, defaultLockWaitTimeout))
	}
	parsed.MultiStatements = false
	return parsed, nil
}
