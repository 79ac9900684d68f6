package store

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// maxEventsInMemory caps the event slice carried inside the snapshot.
// Older events fall out of the snapshot but stay in the sqlite mirror
// when that backend is in use.
const maxEventsInMemory = 2000

// Store is the serialized-access façade over the live state. All
// mutations run one at a time under the write lock and persist before
// returning; reads observe a deep-copied snapshot.
type Store struct {
	backend Backend

	mu    sync.RWMutex
	state *State
}

// Open loads the snapshot from the backend and returns a ready store.
func Open(ctx context.Context, backend Backend) (*Store, error) {
	st, err := backend.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	return &Store{backend: backend, state: st}, nil
}

// Mutate runs fn against the live state under the write lock and saves
// the result. If fn fails nothing is persisted. If the save fails the
// in-memory state is rolled back to the pre-mutation snapshot and the
// save error is returned verbatim.
func (s *Store) Mutate(ctx context.Context, fn func(st *State) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	before, err := s.state.Clone()
	if err != nil {
		return err
	}
	if err := fn(s.state); err != nil {
		s.state = before
		return err
	}
	if n := len(s.state.Events); n > maxEventsInMemory {
		s.state.Events = append(s.state.Events[:0:0], s.state.Events[n-maxEventsInMemory:]...)
	}
	s.state.SavedAt = time.Now().UnixMilli()
	if err := s.backend.Save(ctx, s.state); err != nil {
		s.state = before
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

// View hands fn a stable deep copy of the current state. The copy is
// taken under the read lock; fn runs without holding any lock.
func (s *Store) View(fn func(st *State)) error {
	s.mu.RLock()
	snap, err := s.state.Clone()
	s.mu.RUnlock()
	if err != nil {
		return err
	}
	fn(snap)
	return nil
}

// Close releases the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}
