package store

import "context"

// Backend loads and saves the whole state snapshot. Save must be atomic:
// a crash mid-save leaves the previous snapshot readable, never a torn one.
type Backend interface {
	Load(ctx context.Context) (*State, error)
	Save(ctx context.Context, s *State) error
	Close() error
}
