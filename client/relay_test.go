package client

import (
	"context"
	"fmt"
	"time"

	"github.com/flashbots/fedrelay/protocol"
	"github.com/flashbots/fedrelay/store"
)

// storeRelay serves an agent straight from an in-process store.
type storeRelay struct {
	store *store.Store
}

func (r *storeRelay) RegisterPublicKey(ctx context.Context, b *protocol.KeyBundle) error {
	return r.store.Registry.RegisterPublicKey(ctx, b)
}

func (r *storeRelay) LookupPublicKey(_ context.Context, id protocol.ClientID) (*protocol.KeyBundle, error) {
	b, ok := r.store.Registry.LookupPublicKey(id)
	if !ok {
		return nil, fmt.Errorf("%w: public key for %s", protocol.ErrNotFound, id)
	}
	return b, nil
}

func (r *storeRelay) RegisterRekey(ctx context.Context, e *protocol.RekeyEdge) error {
	return r.store.Registry.RegisterRekey(ctx, e)
}

func (r *storeRelay) SubmitParams(ctx context.Context, s *protocol.Submission) error {
	return r.store.Rounds.PutParams(ctx, s)
}

func (r *storeRelay) FetchAggregated(ctx context.Context, id protocol.ClientID, round protocol.Round, wait time.Duration) (*protocol.Aggregate, error) {
	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	for {
		since := r.store.Rounds.Version(round)
		if a, ok := r.store.Rounds.GetAggregated(round, id); ok {
			return a, nil
		}
		if wait <= 0 {
			return nil, fmt.Errorf("%w: aggregate for %s in round %d", protocol.ErrNotFound, id, round)
		}
		if _, err := r.store.Rounds.WaitChange(waitCtx, round, since); err != nil {
			return nil, fmt.Errorf("%w: aggregate for %s in round %d", protocol.ErrNotFound, id, round)
		}
	}
}

func (r *storeRelay) SubmitResult(ctx context.Context, res *protocol.ResultRecord) error {
	return r.store.Rounds.PutResult(ctx, res)
}
