package testutil

import (
	"crypto/rand"
	"fmt"
	"math"
	mrand "math/rand"
	"time"

	"github.com/flashbots/fedrelay/protocol"
)

// =====================================
// Configuration Generators
// =====================================

// TestConfigOption modifies a FedConfig.
type TestConfigOption func(*protocol.FedConfig)

// WithParties sets the hub and the peer.
func WithParties(hub, peer protocol.ClientID) TestConfigOption {
	return func(cfg *protocol.FedConfig) {
		cfg.Hub, cfg.Peer = hub, peer
	}
}

// WithRoundTimeout sets how long aggregation waits for inputs.
func WithRoundTimeout(timeout time.Duration) TestConfigOption {
	return func(cfg *protocol.FedConfig) {
		cfg.RoundTimeout = timeout
	}
}

// WithParallelism sets the number of chunks processed concurrently.
func WithParallelism(n int) TestConfigOption {
	return func(cfg *protocol.FedConfig) {
		cfg.Parallelism = n
	}
}

// NewTestConfig returns a configuration for c1 and c2 with short timeouts.
func NewTestConfig(options ...TestConfigOption) *protocol.FedConfig {
	cfg := protocol.DefaultFedConfig()
	cfg.Hub, cfg.Peer = "c1", "c2"
	cfg.RoundTimeout = 2 * time.Second

	for _, option := range options {
		option(cfg)
	}
	return cfg
}

// =====================================
// Record Generators
// =====================================

// GenerateRandomBytes returns length random bytes.
func GenerateRandomBytes(length int) []byte {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return b
}

// GenerateTestKeyBundle returns a complete bundle for id with readable
// placeholder keys.
func GenerateTestKeyBundle(id protocol.ClientID) *protocol.KeyBundle {
	return &protocol.KeyBundle{
		ClientID:    id,
		PublicKey:   []byte("pk-" + id),
		EvalMultKey: []byte("mult-" + id),
		EvalSumKey:  []byte("sum-" + id),
	}
}

// SubmissionOption modifies a generated Submission.
type SubmissionOption func(*protocol.Submission)

func WithRound(round protocol.Round) SubmissionOption {
	return func(s *protocol.Submission) { s.Round = round }
}

func WithClient(id protocol.ClientID) SubmissionOption {
	return func(s *protocol.Submission) { s.ClientID = id }
}

// WithLayout sets the layout and the matching chunk total.
func WithLayout(layout protocol.ChunkLayout) SubmissionOption {
	return func(s *protocol.Submission) {
		s.Layout = layout
		s.ChunkTotal = layout.Total()
	}
}

func WithParams(params []byte) SubmissionOption {
	return func(s *protocol.Submission) { s.Params = params }
}

// GenerateTestSubmission returns a valid submission from c1 for round 1. The
// params blob names the round and client unless WithParams overrides it.
func GenerateTestSubmission(options ...SubmissionOption) *protocol.Submission {
	sub := &protocol.Submission{
		ClientID:   "c1",
		Round:      1,
		Layout:     protocol.ChunkLayout{ChunkCounts: []int{1, 2}, OrigSizes: []int{3, 5}},
		ChunkTotal: 3,
	}
	for _, option := range options {
		option(sub)
	}
	if sub.Params == nil {
		sub.Params = []byte(fmt.Sprintf("ct-%d-%s", sub.Round, sub.ClientID))
	}
	return sub
}

// GenerateTestAggregates returns one single-chunk aggregate per client.
func GenerateTestAggregates(round protocol.Round, clients ...protocol.ClientID) []*protocol.Aggregate {
	layout := protocol.ChunkLayout{ChunkCounts: []int{1}, OrigSizes: []int{3}}
	aggs := make([]*protocol.Aggregate, len(clients))
	for i, id := range clients {
		aggs[i] = &protocol.Aggregate{
			Round:    round,
			ClientID: id,
			Params:   []byte("avg-" + id),
			Layout:   layout.Clone(),
		}
	}
	return aggs
}

// =====================================
// Tensor Generators
// =====================================

// GenerateTestTensors returns flat tensors of the given sizes, filled from a
// generator seeded with seed. Values have two decimals so they survive JSON
// and approximate arithmetic comparisons.
func GenerateTestTensors(seed int64, sizes ...int) [][]float64 {
	rng := mrand.New(mrand.NewSource(seed))
	tensors := make([][]float64, len(sizes))
	for i, n := range sizes {
		t := make([]float64, n)
		for j := range t {
			t[j] = math.Round((rng.Float64()*2-1)*100) / 100
		}
		tensors[i] = t
	}
	return tensors
}

// AsInput converts flat tensors into the []any form the codec accepts.
func AsInput(tensors [][]float64) []any {
	in := make([]any, len(tensors))
	for i, t := range tensors {
		in[i] = t
	}
	return in
}

// ExpectedAverage returns the element-wise mean of a and b, which must have
// the same shape.
func ExpectedAverage(a, b [][]float64) [][]float64 {
	out := make([][]float64, len(a))
	for i := range a {
		out[i] = make([]float64, len(a[i]))
		for j := range a[i] {
			out[i][j] = (a[i][j] + b[i][j]) / 2
		}
	}
	return out
}
