package store

import (
	"context"
	"fmt"
	"log/slog"
)

// Store bundles the registry and the round store over one backend and one
// change notifier.
type Store struct {
	Registry *Registry
	Rounds   *RoundStore
	Notifier *Notifier

	backend Backend
}

// New creates an empty store. backend may be nil for a purely in-memory store.
func New(backend Backend, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	n := NewNotifier()
	return &Store{
		Registry: NewRegistry(backend, n, log.With("component", "registry")),
		Rounds:   NewRoundStore(backend, n, log.With("component", "rounds")),
		Notifier: n,
		backend:  backend,
	}
}

// Load restores everything the backend has persisted. It must be called
// before the store is shared.
func (s *Store) Load(ctx context.Context) error {
	if s.backend == nil {
		return nil
	}
	st, err := s.backend.Load(ctx)
	if err != nil {
		return fmt.Errorf("loading store: %w", err)
	}
	s.Registry.restore(st)
	s.Rounds.restore(st)
	return nil
}

func (s *Store) Close() error {
	if s.backend == nil {
		return nil
	}
	return s.backend.Close()
}
