package aggregator

import (
	"context"
	"testing"
	"time"

	"github.com/flashbots/fedrelay/protocol"
	"github.com/stretchr/testify/require"
)

func TestRun_WaitsForInputs(t *testing.T) {
	env := newTestEnv(t, plainScheme(t, 4))

	type result struct {
		report *protocol.AggregationReport
		err    error
	}
	done := make(chan result, 1)
	go func() {
		report, err := env.engine.Run(context.Background(), 1, 5*time.Second, Options{})
		done <- result{report, err}
	}()

	env.registerRekeys()
	env.submit(env.hub, 1, []float64{2})
	time.Sleep(20 * time.Millisecond)
	env.submit(env.peer, 1, []float64{4})

	select {
	case res := <-done:
		require.NoError(t, res.err)
		require.Equal(t, protocol.StateAggregated, res.report.State)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish")
	}
	require.Equal(t, [][]float64{{3}}, env.fetch(env.peer, 1))
}

func TestRun_TimesOut(t *testing.T) {
	env := newTestEnv(t, plainScheme(t, 4))
	env.submit(env.hub, 1, []float64{2})

	report, err := env.engine.Run(context.Background(), 1, 50*time.Millisecond, Options{})
	require.ErrorIs(t, err, protocol.ErrRoundTimedOut)
	require.Contains(t, err.Error(), "params from c2")
	require.Equal(t, protocol.StateTimedOut, report.State)

	stored, ok := env.store.Rounds.GetReport(1)
	require.True(t, ok)
	require.Equal(t, protocol.StateTimedOut, stored.State)
}

func TestRun_AlreadyAggregatedIsSuccess(t *testing.T) {
	env := newTestEnv(t, plainScheme(t, 4))
	env.registerRekeys()
	env.submit(env.hub, 1, []float64{2})
	env.submit(env.peer, 1, []float64{4})

	_, err := env.engine.Aggregate(context.Background(), 1, Options{})
	require.NoError(t, err)

	report, err := env.engine.Run(context.Background(), 1, time.Second, Options{})
	require.NoError(t, err)
	require.Nil(t, report)
}

func TestRun_ParentCancellation(t *testing.T) {
	env := newTestEnv(t, plainScheme(t, 4))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := env.engine.Run(ctx, 1, time.Minute, Options{})
	require.ErrorIs(t, err, context.Canceled)

	_, ok := env.store.Rounds.GetReport(1)
	require.False(t, ok)
}
