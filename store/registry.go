package store

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/flashbots/fedrelay/protocol"
)

// Registry holds client public key bundles and directed rekeys.
type Registry struct {
	backend  Backend
	notifier *Notifier
	log      *slog.Logger

	mu      sync.RWMutex
	bundles map[protocol.ClientID]*protocol.KeyBundle
	rekeys  map[edgeKey]*protocol.RekeyEdge
}

// NewRegistry creates an empty registry. backend may be nil.
func NewRegistry(backend Backend, notifier *Notifier, log *slog.Logger) *Registry {
	if notifier == nil {
		notifier = NewNotifier()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		backend:  backend,
		notifier: notifier,
		log:      log,
		bundles:  make(map[protocol.ClientID]*protocol.KeyBundle),
		rekeys:   make(map[edgeKey]*protocol.RekeyEdge),
	}
}

// RegisterPublicKey stores bundle, replacing any previous registration for the
// same client.
func (r *Registry) RegisterPublicKey(ctx context.Context, bundle *protocol.KeyBundle) error {
	if err := bundle.Validate(); err != nil {
		return err
	}

	b := *bundle
	if b.RegisteredAt.IsZero() {
		b.RegisteredAt = time.Now().UTC()
	}

	r.mu.Lock()
	prev, replaced := r.bundles[b.ClientID]
	r.bundles[b.ClientID] = &b
	r.mu.Unlock()

	if replaced {
		r.log.Info("public key replaced", "client", b.ClientID, "previous", prev.RegisteredAt)
	}
	r.notifier.Bump(0)

	if r.backend != nil {
		if err := r.backend.SaveKeyBundle(ctx, &b); err != nil {
			return fmt.Errorf("%w: persisting key bundle: %v", protocol.ErrInternal, err)
		}
	}
	return nil
}

// LookupPublicKey returns the bundle registered for client.
func (r *Registry) LookupPublicKey(client protocol.ClientID) (*protocol.KeyBundle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bundles[client]
	return b, ok
}

// RegisterRekey stores the edge From->To, replacing any previous rekey for it.
func (r *Registry) RegisterRekey(ctx context.Context, edge *protocol.RekeyEdge) error {
	if err := edge.Validate(); err != nil {
		return err
	}

	e := *edge
	if e.RegisteredAt.IsZero() {
		e.RegisteredAt = time.Now().UTC()
	}

	r.mu.Lock()
	prev, replaced := r.rekeys[edgeKey{e.From, e.To}]
	r.rekeys[edgeKey{e.From, e.To}] = &e
	r.mu.Unlock()

	if replaced {
		r.log.Info("rekey replaced", "from", e.From, "to", e.To, "previous", prev.RegisteredAt)
	}
	r.notifier.Bump(0)

	if r.backend != nil {
		if err := r.backend.SaveRekey(ctx, &e); err != nil {
			return fmt.Errorf("%w: persisting rekey: %v", protocol.ErrInternal, err)
		}
	}
	return nil
}

// LookupRekey returns the rekey for the directed edge from->to.
func (r *Registry) LookupRekey(from, to protocol.ClientID) (*protocol.RekeyEdge, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.rekeys[edgeKey{from, to}]
	return e, ok
}

// Clients lists registered clients in sorted order.
func (r *Registry) Clients() []protocol.ClientID {
	r.mu.RLock()
	ids := make([]protocol.ClientID, 0, len(r.bundles))
	for id := range r.bundles {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

func (r *Registry) restore(st *State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range st.Bundles {
		r.bundles[b.ClientID] = b
	}
	for _, e := range st.Rekeys {
		r.rekeys[edgeKey{e.From, e.To}] = e
	}
}
