package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/flashbots/fedrelay/codec"
	"github.com/flashbots/fedrelay/crypto"
	"github.com/flashbots/fedrelay/protocol"
)

// Relay is the agent's view of the relay.
type Relay interface {
	RegisterPublicKey(ctx context.Context, bundle *protocol.KeyBundle) error
	LookupPublicKey(ctx context.Context, client protocol.ClientID) (*protocol.KeyBundle, error)
	RegisterRekey(ctx context.Context, edge *protocol.RekeyEdge) error
	SubmitParams(ctx context.Context, sub *protocol.Submission) error
	// FetchAggregated waits up to wait for the aggregate to appear. It returns
	// an error wrapping protocol.ErrNotFound when it is still absent.
	FetchAggregated(ctx context.Context, client protocol.ClientID, round protocol.Round, wait time.Duration) (*protocol.Aggregate, error)
	SubmitResult(ctx context.Context, res *protocol.ResultRecord) error
}

// CommStats counts payload bytes exchanged with the relay for one round.
type CommStats struct {
	Round       protocol.Round
	BytesUp     int
	BytesDown   int
	EncryptTime time.Duration
	DecryptTime time.Duration
	ChunksUp    int
	ChunksDown  int
}

// Agent is one participant in the federation. It owns a secret key and never
// sends anything but public keys, rekeys and ciphertexts.
type Agent struct {
	id     protocol.ClientID
	scheme crypto.Scheme
	relay  Relay
	keys   *KeyStore
	log    *slog.Logger

	mu    sync.Mutex
	key   *Keys
	stats map[protocol.Round]*CommStats
}

// MaxPollWait caps a single long poll in AwaitAggregated.
const MaxPollWait = 30 * time.Second

func NewAgent(id protocol.ClientID, scheme crypto.Scheme, relay Relay, keys *KeyStore, log *slog.Logger) (*Agent, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: client id is required", protocol.ErrValidation)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Agent{
		id:     id,
		scheme: scheme,
		relay:  relay,
		keys:   keys,
		log:    log.With("client", id),
		stats:  make(map[protocol.Round]*CommStats),
	}, nil
}

func (a *Agent) ID() protocol.ClientID { return a.id }

// Setup loads the agent's keys, generating and saving them on first use, and
// registers the public bundle with the relay.
func (a *Agent) Setup(ctx context.Context) error {
	keys, err := a.loadOrGenerate()
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.key = keys
	a.mu.Unlock()

	bundle := &protocol.KeyBundle{
		ClientID:    a.id,
		PublicKey:   keys.RawPublic,
		EvalMultKey: keys.Eval.Mult,
		EvalSumKey:  keys.Eval.Sum,
	}
	if err := a.relay.RegisterPublicKey(ctx, bundle); err != nil {
		return fmt.Errorf("registering public key: %w", err)
	}
	a.log.Info("public key registered", "bytes", len(bundle.PublicKey)+len(bundle.EvalMultKey)+len(bundle.EvalSumKey))
	return nil
}

func (a *Agent) loadOrGenerate() (*Keys, error) {
	if a.keys != nil {
		keys, err := a.keys.Load(a.id, a.scheme)
		if err == nil {
			a.log.Debug("keys loaded", "dir", a.keys.Dir())
			return keys, nil
		}
		if !errors.Is(err, protocol.ErrNotFound) {
			return nil, err
		}
	}

	pk, sk, err := a.scheme.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("generating key pair: %w", err)
	}
	eval, err := a.scheme.GenerateEvalKeys(sk)
	if err != nil {
		return nil, fmt.Errorf("generating eval keys: %w", err)
	}
	keys := &Keys{Public: pk, Secret: sk, Eval: eval}

	if a.keys != nil {
		if err := a.keys.Save(a.id, a.scheme, keys); err != nil {
			return nil, err
		}
		a.log.Info("keys generated", "dir", a.keys.Dir())
		return keys, nil
	}

	if keys.RawPublic, err = pk.MarshalBinary(); err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	return keys, nil
}

func (a *Agent) secret() (*Keys, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.key == nil {
		return nil, fmt.Errorf("%w: agent %s has no keys, call Setup first", protocol.ErrPrecondition, a.id)
	}
	return a.key, nil
}

// ExchangeRekeys registers a rekey from this agent to every peer.
func (a *Agent) ExchangeRekeys(ctx context.Context, peers ...protocol.ClientID) error {
	keys, err := a.secret()
	if err != nil {
		return err
	}

	for _, peer := range peers {
		if peer == a.id {
			continue
		}
		bundle, err := a.relay.LookupPublicKey(ctx, peer)
		if err != nil {
			return fmt.Errorf("looking up %s: %w", peer, err)
		}
		pk, err := a.scheme.UnmarshalPublicKey(bundle.PublicKey)
		if err != nil {
			return fmt.Errorf("%w: public key of %s: %v", protocol.ErrUpstream, peer, err)
		}
		rk, err := a.scheme.GenerateRekey(keys.Secret, pk)
		if err != nil {
			return fmt.Errorf("%w: rekey to %s: %v", protocol.ErrUpstream, peer, err)
		}
		blob, err := rk.MarshalBinary()
		if err != nil {
			return fmt.Errorf("marshal rekey to %s: %w", peer, err)
		}
		if err := a.relay.RegisterRekey(ctx, &protocol.RekeyEdge{From: a.id, To: peer, Rekey: blob}); err != nil {
			return fmt.Errorf("registering rekey to %s: %w", peer, err)
		}
		a.log.Info("rekey registered", "to", peer, "bytes", len(blob))
	}
	return nil
}

// SubmitParams encodes, encrypts and submits tensors for round. Submitting
// again replaces the earlier submission.
func (a *Agent) SubmitParams(ctx context.Context, round protocol.Round, tensors []any) (*protocol.ChunkLayout, error) {
	keys, err := a.secret()
	if err != nil {
		return nil, err
	}

	start := time.Now()
	enc, err := codec.Encode(tensors, a.scheme.SlotCapacity())
	if err != nil {
		return nil, err
	}
	cts, err := crypto.EncryptChunks(a.scheme, keys.Public, enc.Chunks)
	if err != nil {
		return nil, fmt.Errorf("%w: encrypting: %v", protocol.ErrUpstream, err)
	}
	blob, err := a.scheme.MarshalCiphertexts(cts)
	if err != nil {
		return nil, fmt.Errorf("%w: marshalling ciphertexts: %v", protocol.ErrUpstream, err)
	}
	took := time.Since(start)

	sub := &protocol.Submission{
		ClientID:   a.id,
		Round:      round,
		Params:     blob,
		Layout:     enc.Layout,
		ChunkTotal: len(cts),
	}
	if err := a.relay.SubmitParams(ctx, sub); err != nil {
		return nil, fmt.Errorf("submitting params: %w", err)
	}

	a.record(round, func(s *CommStats) {
		s.BytesUp += len(blob)
		s.ChunksUp = len(cts)
		s.EncryptTime = took
	})
	a.log.Info("params submitted", "round", round, "chunks", len(cts), "bytes", len(blob), "encrypt", took)
	return &enc.Layout, nil
}

// FetchAggregated returns the decrypted aggregate for round, one flat slice
// per tensor.
func (a *Agent) FetchAggregated(ctx context.Context, round protocol.Round) ([][]float64, error) {
	return a.fetch(ctx, round, 0)
}

// AwaitAggregated long-polls the relay until the aggregate for round appears
// or timeout expires.
func (a *Agent) AwaitAggregated(ctx context.Context, round protocol.Round, timeout time.Duration) ([][]float64, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		wait := MaxPollWait
		if deadline, ok := ctx.Deadline(); ok {
			wait = min(wait, time.Until(deadline))
		}

		tensors, err := a.fetch(ctx, round, wait)
		if err == nil {
			return tensors, nil
		}

		if ctx.Err() != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: no aggregate for round %d after %s", protocol.ErrRoundTimedOut, round, timeout)
			}
			return nil, ctx.Err()
		}
		if !errors.Is(err, protocol.ErrNotFound) {
			return nil, err
		}
	}
}

func (a *Agent) fetch(ctx context.Context, round protocol.Round, wait time.Duration) ([][]float64, error) {
	keys, err := a.secret()
	if err != nil {
		return nil, err
	}

	agg, err := a.relay.FetchAggregated(ctx, a.id, round, wait)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	cts, err := a.scheme.UnmarshalCiphertexts(agg.Params)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding aggregate: %v", protocol.ErrUpstream, err)
	}
	if err := agg.Layout.Validate(len(cts)); err != nil {
		return nil, err
	}
	chunks, err := crypto.DecryptChunks(a.scheme, keys.Secret, cts)
	if err != nil {
		return nil, fmt.Errorf("%w: decrypting aggregate: %v", protocol.ErrUpstream, err)
	}
	tensors, err := codec.Decode(chunks, agg.Layout, a.scheme.SlotCapacity())
	if err != nil {
		return nil, err
	}
	took := time.Since(start)

	a.record(round, func(s *CommStats) {
		s.BytesDown += len(agg.Params)
		s.ChunksDown = len(cts)
		s.DecryptTime = took
	})
	a.log.Info("aggregate received", "round", round, "chunks", len(cts), "bytes", len(agg.Params), "decrypt", took)
	return tensors, nil
}

// SubmitResult reports this agent's evaluation of the aggregated model.
func (a *Agent) SubmitResult(ctx context.Context, res *protocol.ResultRecord) error {
	rec := *res
	rec.ClientID = a.id
	if err := a.relay.SubmitResult(ctx, &rec); err != nil {
		return fmt.Errorf("submitting result: %w", err)
	}
	a.log.Info("result submitted", "round", rec.Round, "accuracy", rec.Accuracy)
	return nil
}

// Stats returns the communication counters of round.
func (a *Agent) Stats(round protocol.Round) CommStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok := a.stats[round]; ok {
		return *s
	}
	return CommStats{Round: round}
}

func (a *Agent) record(round protocol.Round, update func(*CommStats)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.stats[round]
	if !ok {
		s = &CommStats{Round: round}
		a.stats[round] = s
	}
	update(s)
}
