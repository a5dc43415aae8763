package mysql

import (
	"context"
	stdErrors "errors"

	"github.com/go-sql-driver/mysql"

	xerrors "MEMEX-Node/internal/errors"
)

const (
	errDuplicateEntry  = 1062
	errLockWaitTimeout = 1205
	errDeadlock        = 1213
)

// classify 将驱动错误映射为统一错误码：死锁与锁等待超时视为可重试的并发冲突。
func classify(err error, message string) error {
	if err == nil {
		return nil
	}
	if _, ok := xerrors.From(err); ok {
		return err
	}
	if stdErrors.Is(err, context.Canceled) || stdErrors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var mysqlErr *mysql.MySQLError
	if stdErrors.As(err, &mysqlErr) {
		switch mysqlErr.Number {
		case errDeadlock, errLockWaitTimeout, errDuplicateEntry:
			return xerrors.Wrap(xerrors.CodeContention, err, message)
		}
	}
	return xerrors.Wrap(xerrors.CodeStorageFailure, err, message)
}

func isDuplicate(err error) bool {
	var mysqlErr *mysql.MySQLError
	return stdErrors.As(err, &mysqlErr) && mysqlErr.Number == errDuplicateEntry
}
