package client

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/flashbots/fedrelay/aggregator"
	"github.com/flashbots/fedrelay/crypto"
	"github.com/flashbots/fedrelay/protocol"
	"github.com/flashbots/fedrelay/store"
	"github.com/stretchr/testify/require"
)

type testFederation struct {
	store  *store.Store
	relay  *storeRelay
	scheme crypto.Scheme
	engine *aggregator.Engine
	c1, c2 *Agent
}

func newTestFederation(t *testing.T, slots int) *testFederation {
	t.Helper()

	scheme, err := crypto.NewPlain(slots)
	require.NoError(t, err)

	s := store.New(nil, nil)
	relay := &storeRelay{store: s}

	cfg := protocol.DefaultFedConfig()
	cfg.Hub, cfg.Peer = "c1", "c2"
	engine, err := aggregator.NewEngine(scheme, aggregator.NewLocalSource(s), cfg, nil)
	require.NoError(t, err)

	f := &testFederation{store: s, relay: relay, scheme: scheme, engine: engine}
	f.c1 = f.agent(t, "c1", filepath.Join(t.TempDir(), "c1"))
	f.c2 = f.agent(t, "c2", filepath.Join(t.TempDir(), "c2"))
	return f
}

func (f *testFederation) agent(t *testing.T, id protocol.ClientID, dir string) *Agent {
	a, err := NewAgent(id, f.scheme, f.relay, NewKeyStore(dir), nil)
	require.NoError(t, err)
	return a
}

func (f *testFederation) setup(t *testing.T) {
	ctx := context.Background()
	require.NoError(t, f.c1.Setup(ctx))
	require.NoError(t, f.c2.Setup(ctx))
	require.NoError(t, f.c1.ExchangeRekeys(ctx, "c2"))
	require.NoError(t, f.c2.ExchangeRekeys(ctx, "c1"))
}

func TestAgent_RoundTrip(t *testing.T) {
	f := newTestFederation(t, 2)
	f.setup(t)
	ctx := context.Background()

	layout, err := f.c1.SubmitParams(ctx, 1, []any{[]float64{1, 2, 3}})
	require.NoError(t, err)
	require.Equal(t, []int{2}, layout.ChunkCounts)
	_, err = f.c2.SubmitParams(ctx, 1, []any{[]float64{5, 6, 7}})
	require.NoError(t, err)

	_, err = f.c1.FetchAggregated(ctx, 1)
	require.ErrorIs(t, err, protocol.ErrNotFound)

	_, err = f.engine.Aggregate(ctx, 1, aggregator.Options{})
	require.NoError(t, err)

	got1, err := f.c1.FetchAggregated(ctx, 1)
	require.NoError(t, err)
	got2, err := f.c2.FetchAggregated(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, [][]float64{{3, 4, 5}}, got1)
	require.Equal(t, [][]float64{{3, 4, 5}}, got2)

	stats := f.c1.Stats(1)
	require.Equal(t, 2, stats.ChunksUp)
	require.Equal(t, 2, stats.ChunksDown)
	require.Positive(t, stats.BytesUp)
	require.Positive(t, stats.BytesDown)
}

func TestAgent_AwaitAggregated(t *testing.T) {
	f := newTestFederation(t, 4)
	f.setup(t)
	ctx := context.Background()

	_, err := f.c1.SubmitParams(ctx, 1, []any{[]float64{1}})
	require.NoError(t, err)
	_, err = f.c2.SubmitParams(ctx, 1, []any{[]float64{3}})
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = f.engine.Aggregate(context.Background(), 1, aggregator.Options{})
	}()

	got, err := f.c2.AwaitAggregated(ctx, 1, 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, [][]float64{{2}}, got)
}

func TestAgent_AwaitAggregatedTimesOut(t *testing.T) {
	f := newTestFederation(t, 4)
	f.setup(t)

	_, err := f.c1.AwaitAggregated(context.Background(), 9, 50*time.Millisecond)
	require.ErrorIs(t, err, protocol.ErrRoundTimedOut)
}

func TestAgent_SetupPersistsKeys(t *testing.T) {
	f := newTestFederation(t, 4)
	dir := filepath.Join(t.TempDir(), "keys")

	first := f.agent(t, "c1", dir)
	require.NoError(t, first.Setup(context.Background()))

	for _, name := range []string{"public.key", "secret.key", "eval_mult.key", "eval_sum.key", "keys.json"} {
		info, err := os.Stat(filepath.Join(dir, name))
		require.NoError(t, err)
		require.Equal(t, os.FileMode(0o600), info.Mode().Perm(), name)
	}

	second := f.agent(t, "c1", dir)
	require.NoError(t, second.Setup(context.Background()))
	require.Equal(t, first.key.RawPublic, second.key.RawPublic)

	// Keys are bound to the client that created them.
	other := f.agent(t, "c9", dir)
	require.ErrorIs(t, other.Setup(context.Background()), protocol.ErrValidation)
}

func TestAgent_ExchangeRekeysNeedsPeerKey(t *testing.T) {
	f := newTestFederation(t, 4)
	require.NoError(t, f.c1.Setup(context.Background()))

	err := f.c1.ExchangeRekeys(context.Background(), "c2")
	require.ErrorIs(t, err, protocol.ErrNotFound)
}

func TestAgent_RequiresSetup(t *testing.T) {
	f := newTestFederation(t, 4)

	_, err := f.c1.SubmitParams(context.Background(), 1, []any{[]float64{1}})
	require.ErrorIs(t, err, protocol.ErrPrecondition)
}

func TestAgent_SubmitResult(t *testing.T) {
	f := newTestFederation(t, 4)
	f.setup(t)

	auc := 0.8
	require.NoError(t, f.c1.SubmitResult(context.Background(), &protocol.ResultRecord{Round: 3, Accuracy: 0.9, Model: "lr", AUC: &auc}))

	res, ok := f.store.Rounds.GetResult(3, "c1")
	require.True(t, ok)
	require.Equal(t, 0.9, res.Accuracy)
	require.Equal(t, 0.8, *res.AUC)
}
