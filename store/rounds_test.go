package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/flashbots/fedrelay/protocol"
	"github.com/flashbots/fedrelay/testutil"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"
)

func testSubmission(round protocol.Round, client string) *protocol.Submission {
	return testutil.GenerateTestSubmission(
		testutil.WithRound(round),
		testutil.WithClient(protocol.ClientID(client)),
	)
}

func testAggregates(round protocol.Round) []*protocol.Aggregate {
	return testutil.GenerateTestAggregates(round, "c1", "c2")
}

func TestRoundStore_Params(t *testing.T) {
	ctx := context.Background()
	s := NewRoundStore(nil, nil, nil)

	_, ok := s.GetParams(1, "c1")
	require.False(t, ok)
	_, ok = s.GetAllParams(1)
	require.False(t, ok)

	require.NoError(t, s.PutParams(ctx, testSubmission(1, "c1")))
	require.NoError(t, s.PutParams(ctx, testSubmission(1, "c2")))

	all, ok := s.GetAllParams(1)
	require.True(t, ok)
	require.Len(t, all, 2)

	// Resubmission overwrites.
	sub := testSubmission(1, "c1")
	sub.Params = []byte("ct-retry")
	require.NoError(t, s.PutParams(ctx, sub))
	got, _ := s.GetParams(1, "c1")
	require.Equal(t, []byte("ct-retry"), got.Params)

	// The returned map is a copy.
	delete(all, "c2")
	all, _ = s.GetAllParams(1)
	require.Len(t, all, 2)
}

func TestRoundStore_IdenticalResubmissionIsNoop(t *testing.T) {
	ctx := context.Background()
	s := NewRoundStore(nil, nil, nil)

	require.NoError(t, s.PutParams(ctx, testSubmission(1, "c1")))
	first, ok := s.GetParams(1, "c1")
	require.True(t, ok)
	version := s.Version(1)
	before, ok := s.SnapshotRound(1)
	require.True(t, ok)

	time.Sleep(2 * time.Millisecond)
	require.NoError(t, s.PutParams(ctx, testSubmission(1, "c1")))

	second, _ := s.GetParams(1, "c1")
	require.Same(t, first, second)
	require.Equal(t, version, s.Version(1))
	after, _ := s.SnapshotRound(1)
	require.Empty(t, cmp.Diff(before, after, cmpopts.IgnoreFields(protocol.RoundSnapshot{}, "TakenAt")))

	// A different layout is a real change.
	sub := testSubmission(1, "c1")
	sub.Layout = protocol.ChunkLayout{ChunkCounts: []int{3}, OrigSizes: []int{7}}
	require.NoError(t, s.PutParams(ctx, sub))
	require.Equal(t, version+1, s.Version(1))
}

func TestRoundStore_ParamsValidation(t *testing.T) {
	ctx := context.Background()
	s := NewRoundStore(nil, nil, nil)

	sub := testSubmission(0, "c1")
	require.ErrorIs(t, s.PutParams(ctx, sub), protocol.ErrValidation)

	sub = testSubmission(1, "")
	require.ErrorIs(t, s.PutParams(ctx, sub), protocol.ErrValidation)

	sub = testSubmission(1, "c1")
	sub.ChunkTotal = 4
	require.ErrorIs(t, s.PutParams(ctx, sub), protocol.ErrStructuralMismatch)

	sub = testSubmission(1, "c1")
	sub.Layout.OrigSizes = []int{3}
	require.ErrorIs(t, s.PutParams(ctx, sub), protocol.ErrStructuralMismatch)

	// An uncounted submission is accepted; the engine checks it later.
	sub = testSubmission(1, "c1")
	sub.ChunkTotal = -1
	require.NoError(t, s.PutParams(ctx, sub))
}

func TestRoundStore_AggregatesAreWrittenOnce(t *testing.T) {
	ctx := context.Background()
	s := NewRoundStore(nil, nil, nil)

	require.False(t, s.HasAggregated(1))
	require.NoError(t, s.PutAggregated(ctx, testAggregates(1), false))
	require.True(t, s.HasAggregated(1))

	second := testAggregates(1)
	second[0].Params = []byte("other")
	require.ErrorIs(t, s.PutAggregated(ctx, second, false), protocol.ErrAlreadyAggregated)
	a, _ := s.GetAggregated(1, "c1")
	require.Equal(t, []byte("avg-c1"), a.Params)

	require.NoError(t, s.PutAggregated(ctx, second, true))
	a, _ = s.GetAggregated(1, "c1")
	require.Equal(t, []byte("other"), a.Params)
}

func TestRoundStore_AggregatesSpanningRoundsRejected(t *testing.T) {
	aggs := testAggregates(1)
	aggs[1].Round = 2
	err := NewRoundStore(nil, nil, nil).PutAggregated(context.Background(), aggs, false)
	require.ErrorIs(t, err, protocol.ErrValidation)
}

func TestRoundStore_ResultsAndInputs(t *testing.T) {
	ctx := context.Background()
	s := NewRoundStore(nil, nil, nil)

	auc := 0.75
	res := &protocol.ResultRecord{ClientID: "c1", Round: 2, Accuracy: 0.8, Model: "lr", AUC: &auc, Metrics: map[string]float64{"f1": 0.7}}
	require.NoError(t, s.PutResult(ctx, res))

	// Later caller mutations do not leak into the store.
	res.Metrics["f1"] = 0
	auc = 0

	got, ok := s.GetResult(2, "c1")
	require.True(t, ok)
	require.Equal(t, 0.7, got.Metrics["f1"])
	require.Equal(t, 0.75, *got.AUC)

	results, ok := s.GetResults(2)
	require.True(t, ok)
	require.Len(t, results, 1)

	_, ok = s.GetInput(2)
	require.False(t, ok)
	require.ErrorIs(t, s.PutInput(ctx, &protocol.InputRecord{Round: 2}), protocol.ErrValidation)
	require.NoError(t, s.PutInput(ctx, &protocol.InputRecord{Round: 2, Model: "lr", Payload: json.RawMessage(`{"w":[1,2]}`)}))
	in, ok := s.GetInput(2)
	require.True(t, ok)
	require.JSONEq(t, `{"w":[1,2]}`, string(in.Payload))
}

func TestRoundStore_Snapshot(t *testing.T) {
	ctx := context.Background()
	s := NewRoundStore(nil, nil, nil)

	_, ok := s.SnapshotRound(3)
	require.False(t, ok)

	sub := testSubmission(3, "c1")
	require.NoError(t, s.PutParams(ctx, sub))
	require.NoError(t, s.PutAggregated(ctx, testAggregates(3), false))
	report := &protocol.AggregationReport{ID: "r1", Round: 3, State: protocol.StateAggregated}
	require.NoError(t, s.PutReport(ctx, report))

	snap, ok := s.SnapshotRound(3)
	require.True(t, ok)

	want := &protocol.RoundSnapshot{
		Round: 3,
		Submissions: map[protocol.ClientID]protocol.SubmissionView{
			"c1": {Params: BlobRefOf(sub.Params), Layout: sub.Layout, ChunkTotal: 3},
		},
		Aggregates: map[protocol.ClientID]protocol.AggregateView{
			"c1": {Params: BlobRefOf([]byte("avg-c1")), Layout: testAggregates(3)[0].Layout},
			"c2": {Params: BlobRefOf([]byte("avg-c2")), Layout: testAggregates(3)[1].Layout},
		},
		Results: map[protocol.ClientID]*protocol.ResultRecord{},
		Report:  report,
	}
	opts := cmpopts.IgnoreFields(protocol.RoundSnapshot{}, "Version", "TakenAt")
	timeOpts := cmpopts.IgnoreTypes(time.Time{})
	if diff := cmp.Diff(want, snap, opts, timeOpts); diff != "" {
		t.Fatalf("snapshot mismatch (-want +got):\n%s", diff)
	}
	require.Equal(t, s.Version(3), snap.Version)
	require.Len(t, snap.Submissions["c1"].Params.SHA3, 64)
}

func TestRoundStore_Rounds(t *testing.T) {
	ctx := context.Background()
	s := NewRoundStore(nil, nil, nil)
	for _, r := range []protocol.Round{5, 1, 3} {
		require.NoError(t, s.PutParams(ctx, testSubmission(r, "c1")))
	}
	require.Equal(t, []protocol.Round{1, 3, 5}, s.Rounds())
}

func TestRoundStore_BackendFailure(t *testing.T) {
	s := NewRoundStore(failingBackend{NewMemoryBackend()}, nil, nil)

	err := s.PutParams(context.Background(), testSubmission(1, "c1"))
	require.ErrorIs(t, err, protocol.ErrInternal)

	_, ok := s.GetParams(1, "c1")
	require.True(t, ok)
}

func TestRoundStore_ConcurrentWriters(t *testing.T) {
	ctx := context.Background()
	s := NewRoundStore(nil, nil, nil)

	var wg sync.WaitGroup
	for r := 1; r <= 8; r++ {
		for c := 0; c < 4; c++ {
			wg.Add(1)
			go func(round protocol.Round, client string) {
				defer wg.Done()
				for i := 0; i < 20; i++ {
					if err := s.PutParams(ctx, testSubmission(round, client)); err != nil {
						t.Error(err)
						return
					}
					_, _ = s.SnapshotRound(round)
				}
			}(protocol.Round(r), fmt.Sprintf("c%d", c))
		}
	}
	wg.Wait()

	for r := 1; r <= 8; r++ {
		all, ok := s.GetAllParams(protocol.Round(r))
		require.True(t, ok)
		require.Len(t, all, 4)
	}
}

func TestRoundStore_WaitChange(t *testing.T) {
	s := NewRoundStore(nil, nil, nil)
	since := s.Version(1)

	done := make(chan uint64, 1)
	go func() {
		v, err := s.WaitChange(context.Background(), 1, since)
		if err == nil {
			done <- v
		}
	}()

	require.NoError(t, s.PutParams(context.Background(), testSubmission(1, "c1")))

	select {
	case v := <-done:
		require.Greater(t, v, since)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not woken")
	}
}

func TestRoundStore_LargeParamsKeptVerbatim(t *testing.T) {
	ctx := context.Background()
	s := NewRoundStore(nil, nil, nil)

	blob := testutil.GenerateRandomBytes(1 << 20)
	require.NoError(t, s.PutParams(ctx, testutil.GenerateTestSubmission(
		testutil.WithRound(2),
		testutil.WithParams(blob),
	)))

	got, ok := s.GetParams(2, "c1")
	require.True(t, ok)
	require.Equal(t, blob, got.Params)

	snap, ok := s.SnapshotRound(2)
	require.True(t, ok)
	require.Equal(t, BlobRefOf(blob), snap.Submissions["c1"].Params)
	require.Equal(t, 1<<20, snap.Submissions["c1"].Params.Size)
}

func TestRoundStore_SnapshotVersionMatchesContents(t *testing.T) {
	ctx := context.Background()
	s := NewRoundStore(nil, nil, nil)

	const writers = 200
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < writers; i++ {
			res := &protocol.ResultRecord{ClientID: protocol.ClientID(fmt.Sprintf("c%d", i)), Round: 1, Accuracy: 0.5, Model: "m"}
			if err := s.PutResult(ctx, res); err != nil {
				panic(err)
			}
		}
	}()

	// Every result write bumps the version once, so a consistent snapshot
	// holds exactly as many results as its version.
	for {
		select {
		case <-done:
			snap, ok := s.SnapshotRound(1)
			require.True(t, ok)
			require.Equal(t, uint64(writers), snap.Version)
			require.Len(t, snap.Results, writers)
			return
		default:
		}
		if snap, ok := s.SnapshotRound(1); ok {
			require.Equal(t, snap.Version, uint64(len(snap.Results)))
		}
	}
}

func TestRoundStore_AccessorsDocumented(t *testing.T) {
	testutil.RequireDocumented(t, ".",
		"RoundStore.PutInput", "RoundStore.GetInput",
		"RoundStore.PutParams", "RoundStore.GetParams", "RoundStore.GetAllParams",
		"RoundStore.PutAggregated", "RoundStore.GetAggregated", "RoundStore.HasAggregated",
		"RoundStore.PutResult", "RoundStore.GetResult", "RoundStore.GetResults",
		"RoundStore.PutReport", "RoundStore.GetReport",
		"RoundStore.Rounds", "RoundStore.Version", "RoundStore.WaitChange",
	)
}
