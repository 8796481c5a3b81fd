package txgroup

import (
	"context"
	"sync"
	"time"
)

// GroupStore persists transactional groups. Active groups persist so a
// restarted manager can recover them; terminal groups persist until the
// cleanup sweeper retires them.
type GroupStore interface {
	// Get returns the group for a transaction id, or nil when absent.
	Get(ctx context.Context, transactionID string) (*TransactionalGroup, error)

	// Put stores or replaces a group.
	Put(ctx context.Context, group *TransactionalGroup) error

	// Delete removes a group.
	Delete(ctx context.Context, transactionID string) error

	// ListByStatus returns all groups with the given status.
	ListByStatus(ctx context.Context, status GroupStatus) ([]*TransactionalGroup, error)

	// DeleteTerminalBefore removes terminal groups that ended before the
	// cutoff and returns how many were dropped.
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error)

	// Count returns the number of stored groups with a non-terminal status.
	CountActive(ctx context.Context) (int, error)
}

// MemoryGroupStore is the in-process group store used for single-node
// deployments and tests.
type MemoryGroupStore struct {
	mu     sync.RWMutex
	groups map[string]*TransactionalGroup
}

// NewMemoryGroupStore creates an empty in-memory group store.
func NewMemoryGroupStore() *MemoryGroupStore {
	return &MemoryGroupStore{
		groups: make(map[string]*TransactionalGroup),
	}
}

// Get returns the group for a transaction id, or nil when absent.
func (s *MemoryGroupStore) Get(ctx context.Context, transactionID string) (*TransactionalGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	group, ok := s.groups[transactionID]
	if !ok {
		return nil, nil
	}
	return group.Clone(), nil
}

// Put stores or replaces a group.
func (s *MemoryGroupStore) Put(ctx context.Context, group *TransactionalGroup) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[group.TransactionID] = group.Clone()
	return nil
}

// Delete removes a group.
func (s *MemoryGroupStore) Delete(ctx context.Context, transactionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.groups, transactionID)
	return nil
}

// ListByStatus returns all groups with the given status.
func (s *MemoryGroupStore) ListByStatus(ctx context.Context, status GroupStatus) ([]*TransactionalGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*TransactionalGroup
	for _, group := range s.groups {
		if group.Status == status {
			out = append(out, group.Clone())
		}
	}
	return out, nil
}

// DeleteTerminalBefore removes terminal groups that ended before the cutoff.
func (s *MemoryGroupStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, group := range s.groups {
		if group.IsTerminal() && !group.EndTimestamp.IsZero() && group.EndTimestamp.Before(cutoff) {
			delete(s.groups, id)
			removed++
		}
	}
	return removed, nil
}

// CountActive returns the number of stored non-terminal groups.
func (s *MemoryGroupStore) CountActive(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, group := range s.groups {
		if !group.IsTerminal() {
			count++
		}
	}
	return count, nil
}
