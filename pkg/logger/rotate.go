package logger

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	defaultAuditMaxSizeMB  = 100
	defaultAuditMaxBackups = 7
	defaultAuditMaxAgeDays = 30
)

// rotatingWriter appends audit records to path. When a record would push the
// file past maxSize the file is shifted to path.1 and older backups move up
// by one; backups beyond maxBackups or older than maxAge are removed.
type rotatingWriter struct {
	mu   sync.Mutex
	path string
	file *os.File
	size int64

	maxSize    int64
	maxBackups int
	maxAge     time.Duration
	syncEach   bool
	now        func() time.Time
}

func newRotatingWriter(cfg AuditConfig) (*rotatingWriter, error) {
	if cfg.Path == "" {
		return nil, errors.New("audit log path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}
	return &rotatingWriter{
		path:       cfg.Path,
		maxSize:    int64(orDefault(cfg.MaxSizeMB, defaultAuditMaxSizeMB)) << 20,
		maxBackups: orDefault(cfg.MaxBackups, defaultAuditMaxBackups),
		maxAge:     time.Duration(orDefault(cfg.MaxAgeDays, defaultAuditMaxAgeDays)) * 24 * time.Hour,
		syncEach:   cfg.SyncEachWrite,
		now:        time.Now,
	}, nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func (w *rotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file != nil && w.size > 0 && w.size+int64(len(p)) > w.maxSize {
		if err := w.rotateLocked(); err != nil {
			return 0, err
		}
	}
	if err := w.openLocked(); err != nil {
		return 0, err
	}

	n, err := w.file.Write(p)
	w.size += int64(n)
	if err != nil {
		return n, err
	}
	if w.syncEach {
		if err := w.file.Sync(); err != nil {
			return n, fmt.Errorf("sync audit log: %w", err)
		}
	}
	return n, nil
}

func (w *rotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *rotatingWriter) closeLocked() error {
	if w.file == nil {
		return nil
	}
	syncErr := w.file.Sync()
	closeErr := w.file.Close()
	w.file = nil
	w.size = 0
	return errors.Join(syncErr, closeErr)
}

// openLocked 打开当前文件；已有内容计入 size，避免重启后超出上限。
func (w *rotatingWriter) openLocked() error {
	if w.file != nil {
		return nil
	}
	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat audit log: %w", err)
	}
	w.file = file
	w.size = info.Size()
	if w.size > 0 && w.size >= w.maxSize {
		if err := w.rotateLocked(); err != nil {
			return err
		}
		return w.openLocked()
	}
	return nil
}

func (w *rotatingWriter) rotateLocked() error {
	if err := w.closeLocked(); err != nil {
		return fmt.Errorf("close audit log before rotate: %w", err)
	}

	backups := w.backups()
	// 从最旧的开始后移，防止覆盖。
	for i := len(backups) - 1; i >= 0; i-- {
		b := backups[i]
		if b.index >= w.maxBackups {
			_ = os.Remove(b.path)
			continue
		}
		if err := os.Rename(b.path, w.backupPath(b.index+1)); err != nil {
			return fmt.Errorf("shift audit backup %s: %w", b.path, err)
		}
	}
	if err := os.Rename(w.path, w.backupPath(1)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("rotate audit log: %w", err)
	}

	w.pruneExpired()
	return nil
}

type auditBackup struct {
	index int
	path  string
}

func (w *rotatingWriter) backupPath(index int) string {
	return w.path + "." + strconv.Itoa(index)
}

// backups 返回按序号升序排列的现有备份文件。
func (w *rotatingWriter) backups() []auditBackup {
	matches, err := filepath.Glob(w.path + ".*")
	if err != nil {
		return nil
	}
	out := make([]auditBackup, 0, len(matches))
	for _, m := range matches {
		index, err := strconv.Atoi(strings.TrimPrefix(m, w.path+"."))
		if err != nil || index < 1 {
			continue
		}
		out = append(out, auditBackup{index: index, path: m})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].index < out[j].index })
	return out
}

func (w *rotatingWriter) pruneExpired() {
	if w.maxAge <= 0 {
		return
	}
	cutoff := w.now().Add(-w.maxAge)
	for _, b := range w.backups() {
		info, err := os.Stat(b.path)
		if err == nil && info.ModTime().Before(cutoff) {
			_ = os.Remove(b.path)
		}
	}
}
