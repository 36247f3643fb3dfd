package services

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/flashbots/fedrelay/aggregator"
	"github.com/flashbots/fedrelay/protocol"
	"github.com/flashbots/fedrelay/store"
	"go.uber.org/atomic"
)

// Orchestrator drives the aggregation engine from inside the relay: every
// round that has submissions but no aggregate gets an Engine.Run. A run that
// ends without aggregates is started again once the round changes.
type Orchestrator struct {
	engine  *aggregator.Engine
	store   *store.Store
	timeout time.Duration
	log     *slog.Logger

	mu      sync.Mutex
	running map[protocol.Round]bool
	// settled holds the round version observed when a run ended without
	// aggregates.
	settled map[protocol.Round]uint64
	wg      sync.WaitGroup

	started   atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
}

// OrchestratorStats counts runs since start.
type OrchestratorStats struct {
	Started   int64
	Running   int
	Completed int64
	Failed    int64
}

func NewOrchestrator(engine *aggregator.Engine, st *store.Store, timeout time.Duration, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		engine:  engine,
		store:   st,
		timeout: timeout,
		log:     log,
		running: make(map[protocol.Round]bool),
		settled: make(map[protocol.Round]uint64),
	}
}

// Run watches the store until ctx is done, then waits for in-flight runs.
func (o *Orchestrator) Run(ctx context.Context) error {
	defer o.wg.Wait()

	for {
		seq := o.store.Notifier.Sequence()
		for _, round := range o.store.Rounds.Rounds() {
			if o.eligible(round) {
				o.start(ctx, round)
			}
		}

		if _, err := o.store.Notifier.WaitAny(ctx, seq); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
	}
}

func (o *Orchestrator) eligible(round protocol.Round) bool {
	if _, ok := o.store.Rounds.GetAllParams(round); !ok {
		return false
	}
	if o.store.Rounds.HasAggregated(round) {
		return false
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running[round] {
		return false
	}
	if v, ok := o.settled[round]; ok && o.store.Rounds.Version(round) <= v {
		return false
	}
	return true
}

func (o *Orchestrator) start(ctx context.Context, round protocol.Round) {
	o.mu.Lock()
	o.running[round] = true
	o.mu.Unlock()
	o.started.Inc()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()

		log := o.log.With("round", round)
		log.Info("starting aggregation")
		report, err := o.engine.Run(ctx, round, o.timeout, aggregator.Options{})

		o.mu.Lock()
		delete(o.running, round)
		if o.store.Rounds.HasAggregated(round) {
			delete(o.settled, round)
		} else {
			o.settled[round] = o.store.Rounds.Version(round)
		}
		o.mu.Unlock()

		switch {
		case err == nil:
			o.completed.Inc()
			if report != nil {
				log.Info("round aggregated", "report", report.ID, "took", report.Duration())
			}
		case ctx.Err() != nil:
			log.Debug("aggregation stopped", "err", err)
		default:
			o.failed.Inc()
			log.Warn("aggregation failed", "err", err)
		}
	}()
}

func (o *Orchestrator) Stats() OrchestratorStats {
	o.mu.Lock()
	running := len(o.running)
	o.mu.Unlock()
	return OrchestratorStats{
		Started:   o.started.Load(),
		Running:   running,
		Completed: o.completed.Load(),
		Failed:    o.failed.Load(),
	}
}
