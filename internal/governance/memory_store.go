package governance

import (
	"context"
	stdErrors "errors"
	"sort"
	"sync"
	"time"

	xerrors "MEMEX-Node/internal/errors"
	"MEMEX-Node/internal/keylock"
)

// MemoryStore 为单进程部署与测试提供的治理存储。
type MemoryStore struct {
	mu          sync.RWMutex
	proposals   map[string]*Proposal
	votes       map[string][]Vote
	voted       map[string]struct{}
	locks       *keylock.Locker
	lockTimeout time.Duration
}

// NewMemoryStore 创建内存治理存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		proposals:   make(map[string]*Proposal),
		votes:       make(map[string][]Vote),
		voted:       make(map[string]struct{}),
		locks:       keylock.New(),
		lockTimeout: 2 * time.Second,
	}
}

func voteKey(proposalID, voter string) string { return proposalID + "\x00" + voter }

// Create 实现 Store。
func (s *MemoryStore) Create(_ context.Context, p *Proposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.proposals[p.ID]; exists {
		return xerrors.New(xerrors.CodeInvalidState, "提案编号已存在")
	}
	s.proposals[p.ID] = p.Clone()
	return nil
}

// Get 实现 Store。
func (s *MemoryStore) Get(_ context.Context, id string) (*Proposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.proposals[id]
	if !ok {
		return nil, ErrProposalNotFound
	}
	return p.Clone(), nil
}

// List 实现 Store。
func (s *MemoryStore) List(_ context.Context, statuses ...Status) ([]*Proposal, error) {
	filter := make(map[Status]struct{}, len(statuses))
	for _, st := range statuses {
		filter[st] = struct{}{}
	}
	s.mu.RLock()
	out := make([]*Proposal, 0, len(s.proposals))
	for _, p := range s.proposals {
		if len(filter) > 0 {
			if _, ok := filter[p.Status]; !ok {
				continue
			}
		}
		out = append(out, p.Clone())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// Votes 实现 Store。
func (s *MemoryStore) Votes(_ context.Context, proposalID string) ([]Vote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Vote(nil), s.votes[proposalID]...), nil
}

// Update 实现 Store。
func (s *MemoryStore) Update(ctx context.Context, id string, fn func(ctx context.Context, tx ProposalTx) error) error {
	release, err := s.locks.Acquire(ctx, []string{id}, s.lockTimeout)
	if err != nil {
		if stdErrors.Is(err, keylock.ErrTimeout) {
			return xerrors.Wrap(xerrors.CodeContention, err, "等待提案锁超时")
		}
		return err
	}
	defer release()

	current, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	tx := &memoryProposalTx{store: s, proposal: current, pending: make(map[string]struct{})}
	if err := fn(ctx, tx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range tx.votes {
		s.voted[voteKey(id, v.Voter)] = struct{}{}
		s.votes[id] = append(s.votes[id], v)
	}
	s.proposals[id] = tx.proposal.Clone()
	return nil
}

// Close 实现 Store。
func (s *MemoryStore) Close() error { return nil }

type memoryProposalTx struct {
	store    *MemoryStore
	proposal *Proposal
	votes    []Vote
	pending  map[string]struct{}
}

func (tx *memoryProposalTx) Proposal() *Proposal { return tx.proposal }

func (tx *memoryProposalTx) HasVoted(_ context.Context, voter string) (bool, error) {
	if _, ok := tx.pending[voter]; ok {
		return true, nil
	}
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	_, ok := tx.store.voted[voteKey(tx.proposal.ID, voter)]
	return ok, nil
}

func (tx *memoryProposalTx) AddVote(ctx context.Context, v Vote) error {
	voted, err := tx.HasVoted(ctx, v.Voter)
	if err != nil {
		return err
	}
	if voted {
		return ErrAlreadyVoted
	}
	tx.pending[v.Voter] = struct{}{}
	tx.votes = append(tx.votes, v)
	return nil
}

var _ Store = (*MemoryStore)(nil)
