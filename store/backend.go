package store

import (
	"context"
	"sync"

	"github.com/flashbots/fedrelay/protocol"
)

// Backend persists store writes. Every Save call is an upsert on the record's
// natural key.
type Backend interface {
	SaveKeyBundle(ctx context.Context, b *protocol.KeyBundle) error
	SaveRekey(ctx context.Context, e *protocol.RekeyEdge) error
	SaveInput(ctx context.Context, in *protocol.InputRecord) error
	SaveSubmission(ctx context.Context, s *protocol.Submission) error
	SaveAggregate(ctx context.Context, a *protocol.Aggregate) error
	SaveResult(ctx context.Context, r *protocol.ResultRecord) error
	SaveReport(ctx context.Context, r *protocol.AggregationReport) error

	// Load returns everything persisted so far.
	Load(ctx context.Context) (*State, error)
	Close() error
}

// State is the full persisted contents of a store.
type State struct {
	Bundles     []*protocol.KeyBundle
	Rekeys      []*protocol.RekeyEdge
	Inputs      []*protocol.InputRecord
	Submissions []*protocol.Submission
	Aggregates  []*protocol.Aggregate
	Results     []*protocol.ResultRecord
	Reports     []*protocol.AggregationReport
}

type roundClient struct {
	round  protocol.Round
	client protocol.ClientID
}

type edgeKey struct {
	from, to protocol.ClientID
}

// MemoryBackend keeps persisted records in process memory. It survives store
// restarts within one process, which is what tests need.
type MemoryBackend struct {
	mu          sync.Mutex
	bundles     map[protocol.ClientID]*protocol.KeyBundle
	rekeys      map[edgeKey]*protocol.RekeyEdge
	inputs      map[protocol.Round]*protocol.InputRecord
	submissions map[roundClient]*protocol.Submission
	aggregates  map[roundClient]*protocol.Aggregate
	results     map[roundClient]*protocol.ResultRecord
	reports     map[protocol.Round]*protocol.AggregationReport
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		bundles:     make(map[protocol.ClientID]*protocol.KeyBundle),
		rekeys:      make(map[edgeKey]*protocol.RekeyEdge),
		inputs:      make(map[protocol.Round]*protocol.InputRecord),
		submissions: make(map[roundClient]*protocol.Submission),
		aggregates:  make(map[roundClient]*protocol.Aggregate),
		results:     make(map[roundClient]*protocol.ResultRecord),
		reports:     make(map[protocol.Round]*protocol.AggregationReport),
	}
}

func (m *MemoryBackend) SaveKeyBundle(_ context.Context, b *protocol.KeyBundle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bundles[b.ClientID] = b
	return nil
}

func (m *MemoryBackend) SaveRekey(_ context.Context, e *protocol.RekeyEdge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rekeys[edgeKey{e.From, e.To}] = e
	return nil
}

func (m *MemoryBackend) SaveInput(_ context.Context, in *protocol.InputRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inputs[in.Round] = in
	return nil
}

func (m *MemoryBackend) SaveSubmission(_ context.Context, s *protocol.Submission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submissions[roundClient{s.Round, s.ClientID}] = s
	return nil
}

func (m *MemoryBackend) SaveAggregate(_ context.Context, a *protocol.Aggregate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.aggregates[roundClient{a.Round, a.ClientID}] = a
	return nil
}

func (m *MemoryBackend) SaveResult(_ context.Context, r *protocol.ResultRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[roundClient{r.Round, r.ClientID}] = r
	return nil
}

func (m *MemoryBackend) SaveReport(_ context.Context, r *protocol.AggregationReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports[r.Round] = r
	return nil
}

func (m *MemoryBackend) Load(_ context.Context) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := &State{}
	for _, v := range m.bundles {
		st.Bundles = append(st.Bundles, v)
	}
	for _, v := range m.rekeys {
		st.Rekeys = append(st.Rekeys, v)
	}
	for _, v := range m.inputs {
		st.Inputs = append(st.Inputs, v)
	}
	for _, v := range m.submissions {
		st.Submissions = append(st.Submissions, v)
	}
	for _, v := range m.aggregates {
		st.Aggregates = append(st.Aggregates, v)
	}
	for _, v := range m.results {
		st.Results = append(st.Results, v)
	}
	for _, v := range m.reports {
		st.Reports = append(st.Reports, v)
	}
	return st, nil
}

func (m *MemoryBackend) Close() error { return nil }
