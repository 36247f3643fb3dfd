package aggregator

import (
	"context"
	"fmt"

	"github.com/flashbots/fedrelay/protocol"
	"github.com/flashbots/fedrelay/store"
)

// Source is where the engine reads round inputs and writes its outputs.
type Source interface {
	// Submissions returns every submission for round, empty when there are none.
	Submissions(ctx context.Context, round protocol.Round) (map[protocol.ClientID]*protocol.Submission, error)

	// Rekey returns the edge from->to, or an error wrapping protocol.ErrNotFound.
	Rekey(ctx context.Context, from, to protocol.ClientID) (*protocol.RekeyEdge, error)

	HasAggregate(ctx context.Context, round protocol.Round) (bool, error)
	PutAggregates(ctx context.Context, aggs []*protocol.Aggregate, recompute bool) error
	PutReport(ctx context.Context, report *protocol.AggregationReport) error

	Version(ctx context.Context, round protocol.Round) (uint64, error)
	WaitChange(ctx context.Context, round protocol.Round, since uint64) (uint64, error)
}

// LocalSource runs the engine directly against an in-process store.
type LocalSource struct {
	Store *store.Store
}

func NewLocalSource(s *store.Store) *LocalSource {
	return &LocalSource{Store: s}
}

func (l *LocalSource) Submissions(_ context.Context, round protocol.Round) (map[protocol.ClientID]*protocol.Submission, error) {
	subs, ok := l.Store.Rounds.GetAllParams(round)
	if !ok {
		return map[protocol.ClientID]*protocol.Submission{}, nil
	}
	return subs, nil
}

func (l *LocalSource) Rekey(_ context.Context, from, to protocol.ClientID) (*protocol.RekeyEdge, error) {
	e, ok := l.Store.Registry.LookupRekey(from, to)
	if !ok {
		return nil, fmt.Errorf("%w: rekey %s->%s", protocol.ErrNotFound, from, to)
	}
	return e, nil
}

func (l *LocalSource) HasAggregate(_ context.Context, round protocol.Round) (bool, error) {
	return l.Store.Rounds.HasAggregated(round), nil
}

func (l *LocalSource) PutAggregates(ctx context.Context, aggs []*protocol.Aggregate, recompute bool) error {
	return l.Store.Rounds.PutAggregated(ctx, aggs, recompute)
}

func (l *LocalSource) PutReport(ctx context.Context, report *protocol.AggregationReport) error {
	return l.Store.Rounds.PutReport(ctx, report)
}

func (l *LocalSource) Version(_ context.Context, round protocol.Round) (uint64, error) {
	return l.Store.Rounds.Version(round), nil
}

func (l *LocalSource) WaitChange(ctx context.Context, round protocol.Round, since uint64) (uint64, error) {
	return l.Store.Rounds.WaitChange(ctx, round, since)
}
