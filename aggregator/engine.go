package aggregator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/flashbots/fedrelay/crypto"
	"github.com/flashbots/fedrelay/metrics"
	"github.com/flashbots/fedrelay/protocol"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Options modify a single aggregation attempt.
type Options struct {
	// Recompute replaces aggregates that already exist for the round.
	Recompute bool
}

// Engine averages the hub's and the peer's encrypted parameters for a round
// without ever decrypting them.
type Engine struct {
	scheme crypto.Scheme
	source Source
	cfg    *protocol.FedConfig
	log    *slog.Logger
}

// NewEngine builds an engine over source. A nil cfg selects
// protocol.DefaultFedConfig and a nil log the default logger.
func NewEngine(scheme crypto.Scheme, source Source, cfg *protocol.FedConfig, log *slog.Logger) (*Engine, error) {
	if scheme == nil || source == nil {
		return nil, errors.New("engine needs a scheme and a source")
	}
	if cfg == nil {
		cfg = protocol.DefaultFedConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{scheme: scheme, source: source, cfg: cfg, log: log}, nil
}

// inputs are the decoded operands of one aggregation.
type inputs struct {
	hub, peer []crypto.Ciphertext
	peerToHub crypto.Rekey
	hubToPeer crypto.Rekey
	layout    protocol.ChunkLayout
}

// Aggregate runs one attempt for round.
//
// It returns protocol.ErrAlreadyAggregated and a nil report when the round
// already has aggregates and opts.Recompute is unset, either before any work
// or when another engine stores its aggregates first. It returns
// protocol.ErrPrecondition, with no report stored, when submissions or rekeys
// are missing. Every other outcome is recorded as a report through the source.
func (e *Engine) Aggregate(ctx context.Context, round protocol.Round, opts Options) (*protocol.AggregationReport, error) {
	if round == 0 {
		return nil, fmt.Errorf("%w: round must be positive", protocol.ErrValidation)
	}

	if !opts.Recompute {
		done, err := e.source.HasAggregate(ctx, round)
		if err != nil {
			return nil, fmt.Errorf("checking existing aggregates: %w", err)
		}
		if done {
			return nil, fmt.Errorf("%w: round %d", protocol.ErrAlreadyAggregated, round)
		}
	}

	report := &protocol.AggregationReport{
		ID:        uuid.NewString(),
		Round:     round,
		Hub:       e.cfg.Hub,
		Peer:      e.cfg.Peer,
		Recompute: opts.Recompute,
		StartedAt: time.Now().UTC(),
	}
	report.Enter(protocol.StateAwaitingParams)

	subs, edges, err := e.gather(ctx, round)
	if err != nil {
		report.Error = err.Error()
		return report, err
	}

	log := e.log.With("round", round, "report", report.ID)

	report.Enter(protocol.StateValidating)
	in, err := e.validate(subs, edges)
	if err != nil {
		return e.fail(ctx, log, report, err)
	}
	report.Chunks = len(in.hub)

	report.Enter(protocol.StateReEncrypting)
	peerInHub, err := e.parallel(ctx, len(in.peer), func(i int) (crypto.Ciphertext, error) {
		return e.scheme.ReEncrypt(in.peer[i], in.peerToHub)
	})
	if err != nil {
		return e.fail(ctx, log, report, upstream("re-encrypting peer params", err))
	}

	report.Enter(protocol.StateAveraging)
	avg, err := e.parallel(ctx, len(in.hub), func(i int) (crypto.Ciphertext, error) {
		sum, err := e.scheme.Add(in.hub[i], peerInHub[i])
		if err != nil {
			return nil, err
		}
		return e.scheme.MultiplyByConstant(sum, 0.5)
	})
	if err != nil {
		return e.fail(ctx, log, report, upstream("averaging", err))
	}

	report.Enter(protocol.StateDistributing)
	avgInPeer, err := e.parallel(ctx, len(avg), func(i int) (crypto.Ciphertext, error) {
		return e.scheme.ReEncrypt(avg[i], in.hubToPeer)
	})
	if err != nil {
		return e.fail(ctx, log, report, upstream("re-encrypting average for peer", err))
	}

	hubBlob, err := e.scheme.MarshalCiphertexts(avg)
	if err != nil {
		return e.fail(ctx, log, report, upstream("marshalling hub aggregate", err))
	}
	peerBlob, err := e.scheme.MarshalCiphertexts(avgInPeer)
	if err != nil {
		return e.fail(ctx, log, report, upstream("marshalling peer aggregate", err))
	}

	now := time.Now().UTC()
	aggs := []*protocol.Aggregate{
		{Round: round, ClientID: e.cfg.Hub, Params: hubBlob, Layout: in.layout.Clone(), ReportID: report.ID, ComputedAt: now},
		{Round: round, ClientID: e.cfg.Peer, Params: peerBlob, Layout: in.layout.Clone(), ReportID: report.ID, ComputedAt: now},
	}
	if err := e.source.PutAggregates(ctx, aggs, opts.Recompute); err != nil {
		// Another engine stored this round first; its report stands.
		if errors.Is(err, protocol.ErrAlreadyAggregated) {
			log.Info("round aggregated elsewhere", "err", err)
			return nil, err
		}
		return e.fail(ctx, log, report, fmt.Errorf("storing aggregates: %w", err))
	}

	report.Enter(protocol.StateAggregated)
	e.finish(ctx, log, report)
	log.Info("round aggregated", "chunks", report.Chunks, "took", report.Duration())
	return report, nil
}

// gather fetches both submissions and both rekeys, naming everything missing.
func (e *Engine) gather(ctx context.Context, round protocol.Round) (map[protocol.ClientID]*protocol.Submission, [2]*protocol.RekeyEdge, error) {
	var edges [2]*protocol.RekeyEdge

	subs, err := e.source.Submissions(ctx, round)
	if err != nil {
		return nil, edges, fmt.Errorf("fetching submissions: %w", err)
	}

	var missing []string
	for _, id := range e.cfg.Participants() {
		if _, ok := subs[id]; !ok {
			missing = append(missing, fmt.Sprintf("params from %s", id))
		}
	}

	pairs := [2][2]protocol.ClientID{{e.cfg.Peer, e.cfg.Hub}, {e.cfg.Hub, e.cfg.Peer}}
	for i, p := range pairs {
		edge, err := e.source.Rekey(ctx, p[0], p[1])
		switch {
		case errors.Is(err, protocol.ErrNotFound):
			missing = append(missing, fmt.Sprintf("rekey %s->%s", p[0], p[1]))
		case err != nil:
			return nil, edges, fmt.Errorf("fetching rekey %s->%s: %w", p[0], p[1], err)
		default:
			edges[i] = edge
		}
	}

	if len(missing) > 0 {
		return nil, edges, fmt.Errorf("%w: round %d missing %s", protocol.ErrPrecondition, round, strings.Join(missing, ", "))
	}
	return subs, edges, nil
}

func (e *Engine) validate(subs map[protocol.ClientID]*protocol.Submission, edges [2]*protocol.RekeyEdge) (*inputs, error) {
	hub, peer := subs[e.cfg.Hub], subs[e.cfg.Peer]

	if !hub.Layout.Equal(peer.Layout) {
		return nil, fmt.Errorf("%w: %s and %s submitted different layouts", protocol.ErrStructuralMismatch, hub.ClientID, peer.ClientID)
	}

	in := &inputs{layout: hub.Layout}
	var err error
	if in.hub, err = e.ciphertexts(hub); err != nil {
		return nil, err
	}
	if in.peer, err = e.ciphertexts(peer); err != nil {
		return nil, err
	}

	if in.peerToHub, err = e.scheme.UnmarshalRekey(edges[0].Rekey); err != nil {
		return nil, upstream("decoding rekey "+string(edges[0].From)+"->"+string(edges[0].To), err)
	}
	if in.hubToPeer, err = e.scheme.UnmarshalRekey(edges[1].Rekey); err != nil {
		return nil, upstream("decoding rekey "+string(edges[1].From)+"->"+string(edges[1].To), err)
	}
	return in, nil
}

func (e *Engine) ciphertexts(sub *protocol.Submission) ([]crypto.Ciphertext, error) {
	cts, err := e.scheme.UnmarshalCiphertexts(sub.Params)
	if err != nil {
		return nil, upstream("decoding params from "+string(sub.ClientID), err)
	}
	if err := sub.Layout.Validate(len(cts)); err != nil {
		return nil, fmt.Errorf("params from %s: %w", sub.ClientID, err)
	}
	if sub.ChunkTotal >= 0 && sub.ChunkTotal != len(cts) {
		return nil, fmt.Errorf("%w: %s declared %d chunks, params hold %d",
			protocol.ErrStructuralMismatch, sub.ClientID, sub.ChunkTotal, len(cts))
	}
	return cts, nil
}

// parallel applies fn to every chunk index with bounded concurrency.
func (e *Engine) parallel(ctx context.Context, n int, fn func(i int) (crypto.Ciphertext, error)) ([]crypto.Ciphertext, error) {
	out := make([]crypto.Ciphertext, n)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Parallelism)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			ct, err := fn(i)
			if err != nil {
				return fmt.Errorf("chunk %d: %w", i, err)
			}
			out[i] = ct
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Engine) fail(ctx context.Context, log *slog.Logger, report *protocol.AggregationReport, err error) (*protocol.AggregationReport, error) {
	report.Fail(protocol.StateFailed, err)
	e.finish(ctx, log, report)
	log.Warn("aggregation failed", "err", err)
	return report, err
}

func (e *Engine) finish(ctx context.Context, log *slog.Logger, report *protocol.AggregationReport) {
	metrics.RecordAggregation(string(report.State), report.Chunks, report.Duration())
	if err := e.source.PutReport(ctx, report); err != nil {
		log.Error("storing aggregation report", "err", err)
	}
}

func upstream(what string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", what, err)
	}
	return fmt.Errorf("%w: %s: %v", protocol.ErrUpstream, what, err)
}
