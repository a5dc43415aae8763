package ledger

import (
	"context"
	stdErrors "errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"MEMEX-Node/internal/amount"
	xerrors "MEMEX-Node/internal/errors"
	"MEMEX-Node/internal/keylock"
)

// MemoryStore 为单进程部署与测试提供的账本存储。
// 每次 Update 先按序获取键锁，再在全局写锁内一次性提交暂存修改。
type MemoryStore struct {
	mu          sync.RWMutex
	wallets     map[string]Wallet
	log         []Transaction
	claims      map[string]time.Time
	seq         int64
	locks       *keylock.Locker
	lockTimeout time.Duration
}

// MemoryOption 配置 MemoryStore。
type MemoryOption func(*MemoryStore)

// WithLockTimeout 设置获取钱包锁的最长等待时间。
func WithLockTimeout(d time.Duration) MemoryOption {
	return func(s *MemoryStore) {
		if d > 0 {
			s.lockTimeout = d
		}
	}
}

// NewMemoryStore 创建内存账本存储。
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		wallets:     make(map[string]Wallet),
		claims:      make(map[string]time.Time),
		locks:       keylock.New(),
		lockTimeout: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Update 实现 Store。
func (s *MemoryStore) Update(ctx context.Context, keys []string, fn func(ctx context.Context, tx Tx) error) error {
	ordered := keylock.Normalize(keys)
	release, err := s.locks.Acquire(ctx, ordered, s.lockTimeout)
	if err != nil {
		if stdErrors.Is(err, keylock.ErrTimeout) {
			return xerrors.Wrap(xerrors.CodeContention, err, "等待钱包锁超时")
		}
		return err
	}
	defer release()

	tx := &memoryTx{
		store:   s,
		locked:  make(map[string]struct{}, len(ordered)),
		wallets: make(map[string]Wallet),
		claims:  make(map[string]struct{}),
	}
	for _, key := range ordered {
		tx.locked[key] = struct{}{}
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	return s.commit(tx)
}

func (s *MemoryStore) commit(tx *memoryTx) error {
	for _, w := range tx.wallets {
		if err := w.Validate(); err != nil {
			return xerrors.Wrap(xerrors.CodeInvariantViolation, err, "拒绝提交")
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	for key := range tx.claims {
		if _, taken := s.claims[key]; taken {
			return ErrAlreadyClaimed
		}
	}
	for key := range tx.claims {
		s.claims[key] = now
	}
	for agent, w := range tx.wallets {
		s.wallets[agent] = w
	}
	for _, t := range tx.log {
		s.seq++
		t.Seq = s.seq
		s.log = append(s.log, t)
	}
	return nil
}

// GetWallet 实现 Store。
func (s *MemoryStore) GetWallet(_ context.Context, agent string) (Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.wallets[agent]
	if !ok {
		return Wallet{}, ErrWalletNotFound
	}
	return w, nil
}

// ListWallets 实现 Store，按代理编号排序。
func (s *MemoryStore) ListWallets(context.Context) ([]Wallet, error) {
	s.mu.RLock()
	out := make([]Wallet, 0, len(s.wallets))
	for _, w := range s.wallets {
		out = append(out, w)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Agent < out[j].Agent })
	return out, nil
}

// ListTransactions 实现 Store。
func (s *MemoryStore) ListTransactions(_ context.Context, agent string, limit int) ([]Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Transaction, 0)
	for i := len(s.log) - 1; i >= 0; i-- {
		t := s.log[i]
		if agent != "" && t.From != agent && t.To != agent {
			continue
		}
		out = append(out, t)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// TotalStaked 实现 Store。
func (s *MemoryStore) TotalStaked(context.Context) (amount.Amount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total amount.Amount
	for _, w := range s.wallets {
		total += w.Staked
	}
	return total, nil
}

// Close 实现 Store。
func (s *MemoryStore) Close() error { return nil }

type memoryTx struct {
	store   *MemoryStore
	locked  map[string]struct{}
	wallets map[string]Wallet
	log     []Transaction
	claims  map[string]struct{}
}

func (tx *memoryTx) Wallet(_ context.Context, agent string) (Wallet, error) {
	if _, ok := tx.locked[agent]; !ok {
		return Wallet{}, xerrors.New(xerrors.CodeInvalidState, fmt.Sprintf("钱包 %s 未在本次更新中加锁", agent))
	}
	if w, ok := tx.wallets[agent]; ok {
		return w, nil
	}
	return tx.store.GetWallet(context.Background(), agent)
}

func (tx *memoryTx) PutWallet(_ context.Context, w Wallet) error {
	if _, ok := tx.locked[w.Agent]; !ok {
		return xerrors.New(xerrors.CodeInvalidState, fmt.Sprintf("钱包 %s 未在本次更新中加锁", w.Agent))
	}
	tx.wallets[w.Agent] = w
	return nil
}

func (tx *memoryTx) Append(_ context.Context, t Transaction) error {
	tx.log = append(tx.log, t)
	return nil
}

func (tx *memoryTx) Claim(_ context.Context, key string) error {
	if _, dup := tx.claims[key]; dup {
		return ErrAlreadyClaimed
	}
	tx.store.mu.RLock()
	_, taken := tx.store.claims[key]
	tx.store.mu.RUnlock()
	if taken {
		return ErrAlreadyClaimed
	}
	tx.claims[key] = struct{}{}
	return nil
}

var _ Store = (*MemoryStore)(nil)
