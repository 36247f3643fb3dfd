package protocol

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLocalRoundCoordinatorManualAdvance(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	coord := NewLocalRoundCoordinator(0, 3)
	ch := coord.SubscribeToRounds(ctx)

	coord.AdvanceToRound(2)
	require.Equal(t, Round(2), coord.CurrentRound())
	require.Equal(t, Round(1), <-ch)
	require.Equal(t, Round(2), <-ch)

	coord.AdvanceToRound(10)
	require.Equal(t, Round(3), coord.CurrentRound())
	require.Equal(t, Round(3), <-ch)

	_, open := <-ch
	require.False(t, open, "channel closes after the last round")

	late := coord.SubscribeToRounds(ctx)
	_, open = <-late
	require.False(t, open)
}

func TestLocalRoundCoordinatorTimed(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	coord := NewLocalRoundCoordinator(10*time.Millisecond, 0)
	ch := coord.SubscribeToRounds(ctx)
	coord.Start(ctx)

	var seen []Round
	for len(seen) < 3 {
		select {
		case r := <-ch:
			seen = append(seen, r)
		case <-time.After(2 * time.Second):
			t.Fatal("rounds did not advance")
		}
	}
	require.Equal(t, []Round{1, 2, 3}, seen)
}
