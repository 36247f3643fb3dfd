package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNotifier_Versions(t *testing.T) {
	n := NewNotifier()
	require.Equal(t, uint64(0), n.Version(1))

	n.Bump(1)
	require.Equal(t, uint64(1), n.Version(1))
	require.Equal(t, uint64(0), n.Version(2))

	n.Bump(0)
	require.Equal(t, uint64(2), n.Version(1))
	require.Equal(t, uint64(1), n.Version(2))
}

func TestNotifier_WaitChangeReturnsImmediately(t *testing.T) {
	n := NewNotifier()
	n.Bump(1)

	v, err := n.WaitChange(context.Background(), 1, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(1), v)
}

func TestNotifier_WaitChangeIgnoresOtherRounds(t *testing.T) {
	n := NewNotifier()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	go func() {
		time.Sleep(10 * time.Millisecond)
		n.Bump(2)
	}()

	v, err := n.WaitChange(ctx, 1, 0)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, uint64(0), v)
}

func TestNotifier_WaitAny(t *testing.T) {
	n := NewNotifier()
	since := n.Sequence()

	go func() {
		time.Sleep(10 * time.Millisecond)
		n.Bump(42)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	seq, err := n.WaitAny(ctx, since)
	require.NoError(t, err)
	require.Equal(t, since+1, seq)
}
