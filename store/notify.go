package store

import (
	"context"
	"sync"

	"github.com/flashbots/fedrelay/protocol"
)

// Notifier tracks a version counter per round and wakes waiters on every
// change. Registry writes are global: they advance the version of every round.
type Notifier struct {
	mu      sync.Mutex
	rounds  map[protocol.Round]uint64
	global  uint64
	seq     uint64
	changed chan struct{}
}

func NewNotifier() *Notifier {
	return &Notifier{
		rounds:  make(map[protocol.Round]uint64),
		changed: make(chan struct{}),
	}
}

// Bump records a change to round, or to every round when round is zero.
func (n *Notifier) Bump(round protocol.Round) {
	n.mu.Lock()
	if round == 0 {
		n.global++
	} else {
		n.rounds[round]++
	}
	n.seq++
	close(n.changed)
	n.changed = make(chan struct{})
	n.mu.Unlock()
}

// Version returns the current version of round. Versions only grow.
func (n *Notifier) Version(round protocol.Round) uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.version(round)
}

func (n *Notifier) version(round protocol.Round) uint64 {
	return n.global + n.rounds[round]
}

// WaitChange blocks until the version of round exceeds since or ctx is done,
// and returns the version observed last.
func (n *Notifier) WaitChange(ctx context.Context, round protocol.Round, since uint64) (uint64, error) {
	for {
		n.mu.Lock()
		v := n.version(round)
		changed := n.changed
		n.mu.Unlock()

		if v > since {
			return v, nil
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return v, ctx.Err()
		}
	}
}

// Sequence counts every change to any round.
func (n *Notifier) Sequence() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.seq
}

// WaitAny blocks until any change happens after sequence since.
func (n *Notifier) WaitAny(ctx context.Context, since uint64) (uint64, error) {
	for {
		n.mu.Lock()
		seq := n.seq
		changed := n.changed
		n.mu.Unlock()

		if seq > since {
			return seq, nil
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return seq, ctx.Err()
		}
	}
}
