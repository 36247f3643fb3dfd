package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/flashbots/fedrelay/protocol"
	"github.com/flashbots/fedrelay/testutil"
	"github.com/stretchr/testify/require"
)

func testBundle(id string) *protocol.KeyBundle {
	return testutil.GenerateTestKeyBundle(protocol.ClientID(id))
}

func TestRegistry_PublicKeys(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(nil, nil, nil)

	_, ok := r.LookupPublicKey("c1")
	require.False(t, ok)

	require.NoError(t, r.RegisterPublicKey(ctx, testBundle("c1")))
	b, ok := r.LookupPublicKey("c1")
	require.True(t, ok)
	require.Equal(t, []byte("pk-c1"), b.PublicKey)
	require.False(t, b.RegisteredAt.IsZero())

	replacement := testBundle("c1")
	replacement.PublicKey = []byte("pk-c1-v2")
	require.NoError(t, r.RegisterPublicKey(ctx, replacement))
	b, _ = r.LookupPublicKey("c1")
	require.Equal(t, []byte("pk-c1-v2"), b.PublicKey)

	require.NoError(t, r.RegisterPublicKey(ctx, testBundle("c0")))
	require.Equal(t, []protocol.ClientID{"c0", "c1"}, r.Clients())
}

func TestRegistry_RejectsIncompleteBundle(t *testing.T) {
	r := NewRegistry(nil, nil, nil)

	b := testBundle("c1")
	b.EvalSumKey = nil
	err := r.RegisterPublicKey(context.Background(), b)
	require.ErrorIs(t, err, protocol.ErrValidation)

	_, ok := r.LookupPublicKey("c1")
	require.False(t, ok)
}

func TestRegistry_Rekeys(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(nil, nil, nil)

	require.NoError(t, r.RegisterRekey(ctx, &protocol.RekeyEdge{From: "c1", To: "c2", Rekey: []byte("rk12")}))

	e, ok := r.LookupRekey("c1", "c2")
	require.True(t, ok)
	require.Equal(t, []byte("rk12"), e.Rekey)

	// Edges are directed.
	_, ok = r.LookupRekey("c2", "c1")
	require.False(t, ok)

	err := r.RegisterRekey(ctx, &protocol.RekeyEdge{From: "c1", To: "c1", Rekey: []byte("x")})
	require.ErrorIs(t, err, protocol.ErrValidation)

	err = r.RegisterRekey(ctx, &protocol.RekeyEdge{From: "c1", To: "c2"})
	require.ErrorIs(t, err, protocol.ErrValidation)
}

func TestRegistry_WritesBumpEveryRound(t *testing.T) {
	n := NewNotifier()
	r := NewRegistry(nil, n, nil)

	before := n.Version(7)
	require.NoError(t, r.RegisterRekey(context.Background(), &protocol.RekeyEdge{From: "a", To: "b", Rekey: []byte("k")}))
	require.Greater(t, n.Version(7), before)
}

type failingBackend struct {
	*MemoryBackend
}

var errDiskFull = errors.New("disk full")

func (failingBackend) SaveKeyBundle(context.Context, *protocol.KeyBundle) error { return errDiskFull }
func (failingBackend) SaveSubmission(context.Context, *protocol.Submission) error {
	return errDiskFull
}

func TestRegistry_BackendFailureKeepsMemoryState(t *testing.T) {
	r := NewRegistry(failingBackend{NewMemoryBackend()}, nil, nil)

	err := r.RegisterPublicKey(context.Background(), testBundle("c1"))
	require.ErrorIs(t, err, protocol.ErrInternal)

	_, ok := r.LookupPublicKey("c1")
	require.True(t, ok)
}

func TestStore_LoadRestoresState(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()

	s := New(backend, nil)
	require.NoError(t, s.Registry.RegisterPublicKey(ctx, testBundle("c1")))
	require.NoError(t, s.Registry.RegisterRekey(ctx, &protocol.RekeyEdge{From: "c1", To: "c2", Rekey: []byte("rk")}))
	require.NoError(t, s.Rounds.PutParams(ctx, testSubmission(1, "c1")))
	require.NoError(t, s.Rounds.PutResult(ctx, &protocol.ResultRecord{ClientID: "c1", Round: 1, Accuracy: 0.9, ReceivedAt: time.Now()}))

	restarted := New(backend, nil)
	require.NoError(t, restarted.Load(ctx))

	_, ok := restarted.Registry.LookupPublicKey("c1")
	require.True(t, ok)
	_, ok = restarted.Registry.LookupRekey("c1", "c2")
	require.True(t, ok)
	sub, ok := restarted.Rounds.GetParams(1, "c1")
	require.True(t, ok)
	require.Equal(t, []byte("ct-1-c1"), sub.Params)
	res, ok := restarted.Rounds.GetResult(1, "c1")
	require.True(t, ok)
	require.Equal(t, 0.9, res.Accuracy)
	require.Equal(t, []protocol.Round{1}, restarted.Rounds.Rounds())
}
