package nonce

import (
	"context"
	"sync"
)

// Store persists the last nonce reserved per address.
type Store interface {
	// Reserve reconciles the stored value with the node's next expected
	// nonce and persists the result in one step: remote when nothing is
	// stored or remote is ahead, otherwise last+1.
	Reserve(ctx context.Context, address string, remote uint64) (uint64, error)
	// Last returns the last reserved nonce, or false if none was reserved.
	Last(ctx context.Context, address string) (uint64, bool, error)
}

// reconcile picks the nonce to reserve given the stored state.
func reconcile(last uint64, ok bool, remote uint64) uint64 {
	if !ok || remote > last {
		return remote
	}
	return last + 1
}

// MemoryStore keeps reservations for the lifetime of the process.
type MemoryStore struct {
	mu   sync.Mutex
	last map[string]uint64
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{last: make(map[string]uint64)}
}

// Reserve implements Store.
func (s *MemoryStore) Reserve(ctx context.Context, address string, remote uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	last, ok := s.last[address]
	next := reconcile(last, ok, remote)
	s.last[address] = next
	return next, nil
}

// Last implements Store.
func (s *MemoryStore) Last(ctx context.Context, address string) (uint64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	last, ok := s.last[address]
	return last, ok, nil
}
