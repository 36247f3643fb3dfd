package store

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/flashbots/fedrelay/protocol"
)

type roundState struct {
	mu          sync.RWMutex
	input       *protocol.InputRecord
	submissions map[protocol.ClientID]*protocol.Submission
	aggregates  map[protocol.ClientID]*protocol.Aggregate
	results     map[protocol.ClientID]*protocol.ResultRecord
	report      *protocol.AggregationReport
}

func newRoundState() *roundState {
	return &roundState{
		submissions: make(map[protocol.ClientID]*protocol.Submission),
		aggregates:  make(map[protocol.ClientID]*protocol.Aggregate),
		results:     make(map[protocol.ClientID]*protocol.ResultRecord),
	}
}

// RoundStore holds all per-round state. Each round has its own lock, so
// writers to different rounds never contend. Stored records are never mutated
// after insertion; getters hand out shared pointers that callers must treat as
// read-only.
//
// Writers bump the round version while still holding the round lock, so a
// snapshot's version always matches its contents.
type RoundStore struct {
	backend  Backend
	notifier *Notifier
	log      *slog.Logger

	mu     sync.RWMutex
	rounds map[protocol.Round]*roundState
}

// NewRoundStore creates an empty store. backend may be nil.
func NewRoundStore(backend Backend, notifier *Notifier, log *slog.Logger) *RoundStore {
	if notifier == nil {
		notifier = NewNotifier()
	}
	if log == nil {
		log = slog.Default()
	}
	return &RoundStore{
		backend:  backend,
		notifier: notifier,
		log:      log,
		rounds:   make(map[protocol.Round]*roundState),
	}
}

func (s *RoundStore) get(round protocol.Round) (*roundState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rs, ok := s.rounds[round]
	return rs, ok
}

func (s *RoundStore) getOrCreate(round protocol.Round) *roundState {
	if rs, ok := s.get(round); ok {
		return rs
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rs, ok := s.rounds[round]
	if !ok {
		rs = newRoundState()
		s.rounds[round] = rs
	}
	return rs
}

func validRound(round protocol.Round) error {
	if round == 0 {
		return fmt.Errorf("%w: round must be positive", protocol.ErrValidation)
	}
	return nil
}

func validClient(client protocol.ClientID) error {
	if client == "" {
		return fmt.Errorf("%w: client_id is required", protocol.ErrValidation)
	}
	return nil
}

func persisted(what string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: persisting %s: %v", protocol.ErrInternal, what, err)
}

// PutInput stores the raw input for a round.
func (s *RoundStore) PutInput(ctx context.Context, in *protocol.InputRecord) error {
	if err := validRound(in.Round); err != nil {
		return err
	}
	if len(in.Payload) == 0 {
		return fmt.Errorf("%w: input payload is required", protocol.ErrValidation)
	}

	rec := *in
	rec.Payload = slices.Clone(in.Payload)
	if rec.ReceivedAt.IsZero() {
		rec.ReceivedAt = time.Now().UTC()
	}

	rs := s.getOrCreate(rec.Round)
	rs.mu.Lock()
	rs.input = &rec
	s.notifier.Bump(rec.Round)
	rs.mu.Unlock()

	if s.backend != nil {
		return persisted("input", s.backend.SaveInput(ctx, &rec))
	}
	return nil
}

// GetInput returns the raw input stored for round.
func (s *RoundStore) GetInput(round protocol.Round) (*protocol.InputRecord, bool) {
	rs, ok := s.get(round)
	if !ok {
		return nil, false
	}
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return rs.input, rs.input != nil
}

// PutParams stores a client's submission for a round, replacing any earlier
// one. A ChunkTotal of -1 means the caller could not count the ciphertexts.
// Resubmitting identical params, layout and chunk total is a no-op: the
// stored record, its timestamp and the round version stay as they were.
func (s *RoundStore) PutParams(ctx context.Context, sub *protocol.Submission) error {
	if err := validRound(sub.Round); err != nil {
		return err
	}
	if err := validClient(sub.ClientID); err != nil {
		return err
	}
	if len(sub.Params) == 0 {
		return fmt.Errorf("%w: params are required", protocol.ErrValidation)
	}
	total := sub.ChunkTotal
	if total < 0 {
		total = sub.Layout.Total()
	}
	if err := sub.Layout.Validate(total); err != nil {
		return err
	}

	rec := *sub
	rec.Params = slices.Clone(sub.Params)
	rec.Layout = sub.Layout.Clone()
	if rec.SubmittedAt.IsZero() {
		rec.SubmittedAt = time.Now().UTC()
	}

	rs := s.getOrCreate(rec.Round)
	rs.mu.Lock()
	if prev, ok := rs.submissions[rec.ClientID]; ok && sameSubmission(prev, &rec) {
		rs.mu.Unlock()
		return nil
	}
	rs.submissions[rec.ClientID] = &rec
	s.notifier.Bump(rec.Round)
	rs.mu.Unlock()

	s.log.Debug("params stored", "round", rec.Round, "client", rec.ClientID, "bytes", len(rec.Params))
	if s.backend != nil {
		return persisted("submission", s.backend.SaveSubmission(ctx, &rec))
	}
	return nil
}

// GetParams returns client's submission for round.
func (s *RoundStore) GetParams(round protocol.Round, client protocol.ClientID) (*protocol.Submission, bool) {
	rs, ok := s.get(round)
	if !ok {
		return nil, false
	}
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	sub, ok := rs.submissions[client]
	return sub, ok
}

func sameSubmission(a, b *protocol.Submission) bool {
	return a.ChunkTotal == b.ChunkTotal && a.Layout.Equal(b.Layout) && bytes.Equal(a.Params, b.Params)
}

// GetAllParams returns every submission for round. The bool is false when
// there are none.
func (s *RoundStore) GetAllParams(round protocol.Round) (map[protocol.ClientID]*protocol.Submission, bool) {
	rs, ok := s.get(round)
	if !ok {
		return nil, false
	}
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	if len(rs.submissions) == 0 {
		return nil, false
	}
	return maps.Clone(rs.submissions), true
}

// PutAggregated stores the aggregates of one round as a unit. Unless recompute
// is set, it fails with ErrAlreadyAggregated when any of the clients already
// has an aggregate, and nothing is written.
func (s *RoundStore) PutAggregated(ctx context.Context, aggs []*protocol.Aggregate, recompute bool) error {
	if len(aggs) == 0 {
		return fmt.Errorf("%w: no aggregates", protocol.ErrValidation)
	}
	round := aggs[0].Round
	if err := validRound(round); err != nil {
		return err
	}

	now := time.Now().UTC()
	recs := make([]*protocol.Aggregate, len(aggs))
	for i, a := range aggs {
		if a.Round != round {
			return fmt.Errorf("%w: aggregates span rounds %d and %d", protocol.ErrValidation, round, a.Round)
		}
		if err := validClient(a.ClientID); err != nil {
			return err
		}
		if len(a.Params) == 0 {
			return fmt.Errorf("%w: aggregate for %s has no params", protocol.ErrValidation, a.ClientID)
		}
		if err := a.Layout.Validate(a.Layout.Total()); err != nil {
			return err
		}
		rec := *a
		rec.Params = slices.Clone(a.Params)
		rec.Layout = a.Layout.Clone()
		if rec.ComputedAt.IsZero() {
			rec.ComputedAt = now
		}
		recs[i] = &rec
	}

	rs := s.getOrCreate(round)
	rs.mu.Lock()
	if !recompute {
		for _, rec := range recs {
			if _, exists := rs.aggregates[rec.ClientID]; exists {
				rs.mu.Unlock()
				return fmt.Errorf("%w: round %d, client %s", protocol.ErrAlreadyAggregated, round, rec.ClientID)
			}
		}
	}
	for _, rec := range recs {
		rs.aggregates[rec.ClientID] = rec
	}
	s.notifier.Bump(round)
	rs.mu.Unlock()

	if s.backend != nil {
		for _, rec := range recs {
			if err := s.backend.SaveAggregate(ctx, rec); err != nil {
				return persisted("aggregate", err)
			}
		}
	}
	return nil
}

// GetAggregated returns the aggregate computed for client in round.
func (s *RoundStore) GetAggregated(round protocol.Round, client protocol.ClientID) (*protocol.Aggregate, bool) {
	rs, ok := s.get(round)
	if !ok {
		return nil, false
	}
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	a, ok := rs.aggregates[client]
	return a, ok
}

// HasAggregated reports whether any aggregate exists for round.
func (s *RoundStore) HasAggregated(round protocol.Round) bool {
	rs, ok := s.get(round)
	if !ok {
		return false
	}
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return len(rs.aggregates) > 0
}

// PutResult stores a client's evaluation result, replacing any earlier one.
func (s *RoundStore) PutResult(ctx context.Context, res *protocol.ResultRecord) error {
	if err := validRound(res.Round); err != nil {
		return err
	}
	if err := validClient(res.ClientID); err != nil {
		return err
	}

	rec := *res
	rec.Metrics = maps.Clone(res.Metrics)
	if res.AUC != nil {
		auc := *res.AUC
		rec.AUC = &auc
	}
	if rec.ReceivedAt.IsZero() {
		rec.ReceivedAt = time.Now().UTC()
	}

	rs := s.getOrCreate(rec.Round)
	rs.mu.Lock()
	rs.results[rec.ClientID] = &rec
	s.notifier.Bump(rec.Round)
	rs.mu.Unlock()

	if s.backend != nil {
		return persisted("result", s.backend.SaveResult(ctx, &rec))
	}
	return nil
}

// GetResult returns client's evaluation result for round.
func (s *RoundStore) GetResult(round protocol.Round, client protocol.ClientID) (*protocol.ResultRecord, bool) {
	rs, ok := s.get(round)
	if !ok {
		return nil, false
	}
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	r, ok := rs.results[client]
	return r, ok
}

// GetResults returns every result for round. The bool is false when there
// are none.
func (s *RoundStore) GetResults(round protocol.Round) (map[protocol.ClientID]*protocol.ResultRecord, bool) {
	rs, ok := s.get(round)
	if !ok {
		return nil, false
	}
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	if len(rs.results) == 0 {
		return nil, false
	}
	return maps.Clone(rs.results), true
}

// PutReport stores the latest aggregation report of a round.
func (s *RoundStore) PutReport(ctx context.Context, report *protocol.AggregationReport) error {
	if err := validRound(report.Round); err != nil {
		return err
	}

	rec := *report
	rec.Transitions = slices.Clone(report.Transitions)

	rs := s.getOrCreate(rec.Round)
	rs.mu.Lock()
	rs.report = &rec
	s.notifier.Bump(rec.Round)
	rs.mu.Unlock()

	if s.backend != nil {
		return persisted("report", s.backend.SaveReport(ctx, &rec))
	}
	return nil
}

// GetReport returns the latest aggregation report of round.
func (s *RoundStore) GetReport(round protocol.Round) (*protocol.AggregationReport, bool) {
	rs, ok := s.get(round)
	if !ok {
		return nil, false
	}
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return rs.report, rs.report != nil
}

// Rounds lists every round with stored state, in ascending order.
func (s *RoundStore) Rounds() []protocol.Round {
	s.mu.RLock()
	rounds := make([]protocol.Round, 0, len(s.rounds))
	for r := range s.rounds {
		rounds = append(rounds, r)
	}
	s.mu.RUnlock()
	slices.Sort(rounds)
	return rounds
}

// Version returns the number of writes round has seen. Snapshots and long
// polls compare against it.
func (s *RoundStore) Version(round protocol.Round) uint64 {
	return s.notifier.Version(round)
}

// WaitChange blocks until round changes past version since.
func (s *RoundStore) WaitChange(ctx context.Context, round protocol.Round, since uint64) (uint64, error) {
	return s.notifier.WaitChange(ctx, round, since)
}

func (s *RoundStore) restore(st *State) {
	for _, in := range st.Inputs {
		s.getOrCreate(in.Round).input = in
	}
	for _, sub := range st.Submissions {
		s.getOrCreate(sub.Round).submissions[sub.ClientID] = sub
	}
	for _, a := range st.Aggregates {
		s.getOrCreate(a.Round).aggregates[a.ClientID] = a
	}
	for _, r := range st.Results {
		s.getOrCreate(r.Round).results[r.ClientID] = r
	}
	for _, r := range st.Reports {
		s.getOrCreate(r.Round).report = r
	}
}
