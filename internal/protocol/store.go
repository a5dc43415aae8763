package protocol

import (
	"context"
	"sort"
	"sync"
	"time"
)

// BuildFunc 基于最新已写入版本构造下一个版本，latest 为 nil 表示尚无版本。
// 存储在追加的临界区内调用它，调用期间不会有其他版本写入。
type BuildFunc func(latest *ConfigVersion) (ConfigVersion, error)

// VersionStore 持久化配置版本。
type VersionStore interface {
	// Append 为 source 追加一个由 build 构造的版本，并分配 version = 当前最大值 + 1。
	// 若已存在相同 source 的版本则直接返回该版本，created 为 false，build 不会被调用。
	Append(ctx context.Context, source string, build BuildFunc) (stored ConfigVersion, created bool, err error)
	// List 按版本号升序返回全部版本。
	List(ctx context.Context) ([]ConfigVersion, error)
	Close() error
}

// MemoryVersionStore 为单进程部署与测试提供的内存实现。
type MemoryVersionStore struct {
	mu       sync.RWMutex
	versions []ConfigVersion
	bySource map[string]int
	now      func() time.Time
}

// NewMemoryVersionStore 创建内存版本存储。
func NewMemoryVersionStore() *MemoryVersionStore {
	return &MemoryVersionStore{bySource: make(map[string]int), now: time.Now}
}

// Append 实现 VersionStore。
func (s *MemoryVersionStore) Append(ctx context.Context, source string, build BuildFunc) (ConfigVersion, bool, error) {
	if err := ctx.Err(); err != nil {
		return ConfigVersion{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if source != "" {
		if idx, ok := s.bySource[source]; ok {
			return s.versions[idx], false, nil
		}
	}
	var latest *ConfigVersion
	if n := len(s.versions); n > 0 {
		last := s.versions[n-1]
		latest = &last
	}
	v, err := build(latest)
	if err != nil {
		return ConfigVersion{}, false, err
	}
	v.SourceProposal = source
	v.Version = int64(len(s.versions)) + 1
	v.CreatedAt = s.now().UTC()
	s.versions = append(s.versions, v)
	if v.SourceProposal != "" {
		s.bySource[v.SourceProposal] = len(s.versions) - 1
	}
	return v, true, nil
}

// List 实现 VersionStore。
func (s *MemoryVersionStore) List(ctx context.Context) ([]ConfigVersion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ConfigVersion, len(s.versions))
	copy(out, s.versions)
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// Close 实现 VersionStore。
func (s *MemoryVersionStore) Close() error { return nil }

var _ VersionStore = (*MemoryVersionStore)(nil)
