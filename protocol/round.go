package protocol

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// RoundCoordinator drives round progression for a participant.
type RoundCoordinator interface {
	// CurrentRound returns the current round, zero before the first one.
	CurrentRound() Round

	// SubscribeToRounds receives round transition notifications.
	SubscribeToRounds(ctx context.Context) <-chan Round

	// Start begins timed round progression.
	Start(ctx context.Context)

	// AdvanceToRound moves forward to round, notifying every step.
	AdvanceToRound(round Round)
}

type subscriber struct {
	ctx context.Context
	ch  chan Round
}

// LocalRoundCoordinator advances rounds on a fixed interval, or manually when
// the interval is zero. Rounds past maxRound are never emitted.
type LocalRoundCoordinator struct {
	mu           sync.RWMutex
	currentRound Round
	interval     time.Duration
	maxRound     Round
	subscribers  []subscriber
	started      *atomic.Bool
}

// NewLocalRoundCoordinator creates a coordinator. maxRound zero means unbounded.
func NewLocalRoundCoordinator(interval time.Duration, maxRound Round) *LocalRoundCoordinator {
	return &LocalRoundCoordinator{
		interval: interval,
		maxRound: maxRound,
		started:  &atomic.Bool{},
	}
}

func (c *LocalRoundCoordinator) CurrentRound() Round {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.currentRound
}

// SubscribeToRounds returns a channel receiving every later round. The
// channel is closed once ctx ends or the last round has been emitted.
func (c *LocalRoundCoordinator) SubscribeToRounds(ctx context.Context) <-chan Round {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan Round, 16)
	if c.maxRound != 0 && c.currentRound >= c.maxRound {
		close(ch)
		return ch
	}
	c.subscribers = append(c.subscribers, subscriber{ctx, ch})
	return ch
}

// Start emits a new round every interval until ctx ends. A zero interval
// leaves progression to AdvanceToRound.
func (c *LocalRoundCoordinator) Start(ctx context.Context) {
	if c.started.Swap(true) || c.interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		c.advanceRound()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !c.advanceRound() {
					return
				}
			}
		}
	}()
}

func (c *LocalRoundCoordinator) AdvanceToRound(round Round) {
	for c.CurrentRound() < round {
		if !c.advanceRound() {
			return
		}
	}
}

// advanceRound moves to the next round and notifies subscribers. It returns
// false once the last round has been reached.
func (c *LocalRoundCoordinator) advanceRound() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.maxRound != 0 && c.currentRound >= c.maxRound {
		return false
	}
	c.currentRound++
	last := c.maxRound != 0 && c.currentRound == c.maxRound

	toRemove := []int{}
	for i, sub := range c.subscribers {
		select {
		case <-sub.ctx.Done():
			close(sub.ch)
			toRemove = append(toRemove, i)
			continue
		case sub.ch <- c.currentRound:
		default:
			// Slow subscriber, skip.
		}
		if last {
			close(sub.ch)
			toRemove = append(toRemove, i)
		}
	}

	slices.Reverse(toRemove)
	for _, i := range toRemove {
		c.subscribers = slices.Delete(c.subscribers, i, i+1)
	}

	return !last
}
