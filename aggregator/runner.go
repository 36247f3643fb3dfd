package aggregator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/flashbots/fedrelay/protocol"
	"github.com/google/uuid"
)

// Run aggregates round as soon as its preconditions hold, re-checking every
// time the source reports a change. It gives up after timeout (the configured
// round timeout when zero), stores a timed-out report and returns
// protocol.ErrRoundTimedOut.
//
// A round that is already aggregated counts as success; the returned report is
// then nil.
func (e *Engine) Run(ctx context.Context, round protocol.Round, timeout time.Duration, opts Options) (*protocol.AggregationReport, error) {
	if timeout <= 0 {
		timeout = e.cfg.RoundTimeout
	}
	started := time.Now().UTC()

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		since, err := e.source.Version(waitCtx, round)
		if err != nil {
			return e.runError(ctx, round, started, timeout, err)
		}

		report, err := e.Aggregate(waitCtx, round, opts)
		switch {
		case err == nil:
			return report, nil
		case errors.Is(err, protocol.ErrAlreadyAggregated):
			return nil, nil
		case !errors.Is(err, protocol.ErrPrecondition):
			if waitCtx.Err() != nil && ctx.Err() == nil {
				return e.timedOut(ctx, round, started, err)
			}
			return report, err
		}

		e.log.Debug("waiting for round inputs", "round", round, "reason", err)
		if err := e.waitPast(waitCtx, round, since); err != nil {
			return e.runError(ctx, round, started, timeout, fmt.Errorf("%v (last check: %v)", err, report.Error))
		}
	}
}

// waitPast blocks until the round version moves past since. Sources may return
// early without a change, for instance when a long poll expires.
func (e *Engine) waitPast(ctx context.Context, round protocol.Round, since uint64) error {
	for {
		v, err := e.source.WaitChange(ctx, round, since)
		if err != nil {
			return err
		}
		if v > since {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

func (e *Engine) runError(ctx context.Context, round protocol.Round, started time.Time, timeout time.Duration, err error) (*protocol.AggregationReport, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if time.Since(started) >= timeout {
		return e.timedOut(ctx, round, started, err)
	}
	return nil, err
}

func (e *Engine) timedOut(ctx context.Context, round protocol.Round, started time.Time, cause error) (*protocol.AggregationReport, error) {
	err := fmt.Errorf("%w: round %d: %v", protocol.ErrRoundTimedOut, round, cause)

	report := &protocol.AggregationReport{
		ID:        uuid.NewString(),
		Round:     round,
		Hub:       e.cfg.Hub,
		Peer:      e.cfg.Peer,
		StartedAt: started,
	}
	report.Fail(protocol.StateTimedOut, err)
	e.finish(ctx, e.log.With("round", round, "report", report.ID), report)
	e.log.Warn("round timed out", "round", round, "err", err)
	return report, err
}
