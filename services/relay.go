package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/flashbots/fedrelay/crypto"
	"github.com/flashbots/fedrelay/metrics"
	"github.com/flashbots/fedrelay/protocol"
	"github.com/flashbots/fedrelay/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/montanaflynn/stats"
)

// RelayConfig configures the relay's HTTP surface.
type RelayConfig struct {
	// Scheme lets the relay count the ciphertexts of incoming submissions.
	// Without it, blobs are stored as received.
	Scheme crypto.Scheme

	// RoundLog receives a round snapshot after every stored result. Optional.
	RoundLog *store.RoundLog

	// MaxWait caps long polls.
	MaxWait time.Duration

	// MaxBodyBytes caps request bodies.
	MaxBodyBytes int64

	// AllowedOrigins enables CORS for browser dashboards when non-empty.
	AllowedOrigins []string

	Log *slog.Logger
}

// DefaultMaxBodyBytes fits a few hundred CKKS chunks at the default
// parameters, base64 encoded.
const DefaultMaxBodyBytes = 256 << 20

// DefaultMaxWait caps long polls.
const DefaultMaxWait = 30 * time.Second

// Relay serves the federation's HTTP protocol on top of a store. It never
// holds secret keys and never decrypts anything.
type Relay struct {
	store    *store.Store
	scheme   crypto.Scheme
	roundLog *store.RoundLog
	maxWait  time.Duration
	maxBody  int64
	origins  []string
	log      *slog.Logger
}

// NewRelay builds the HTTP relay over s. Its routes are served through
// RegisterRoutes or Handler.
func NewRelay(s *store.Store, cfg *RelayConfig) *Relay {
	r := &Relay{
		store:    s,
		scheme:   cfg.Scheme,
		roundLog: cfg.RoundLog,
		maxWait:  cfg.MaxWait,
		maxBody:  cfg.MaxBodyBytes,
		origins:  cfg.AllowedOrigins,
		log:      cfg.Log,
	}
	if r.maxWait <= 0 {
		r.maxWait = DefaultMaxWait
	}
	if r.maxBody <= 0 {
		r.maxBody = DefaultMaxBodyBytes
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	return r
}

// RegisterRoutes registers the relay protocol on router.
func (relay *Relay) RegisterRoutes(router chi.Router) {
	router.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, &ErrorResponse{Error: "Unknown endpoint"})
	})
	router.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, &ErrorResponse{Error: "Unknown endpoint"})
	})

	router.Group(func(r chi.Router) {
		r.Use(middleware.Logger)
		r.Use(middleware.Timeout(relay.maxWait + 30*time.Second))
		if len(relay.origins) > 0 {
			r.Use(cors.Handler(cors.Options{
				AllowedOrigins: relay.origins,
				AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
				AllowedHeaders: []string{"Content-Type"},
				MaxAge:         300,
			}))
		}
		r.Use(countResponses)

		r.Post("/c2s/public_key", relay.handlePostPublicKey)
		r.Get("/s2c/public_key", relay.handleGetPublicKey)
		r.Post("/c2s/rekey", relay.handlePostRekey)
		r.Get("/s2c/rekey", relay.handleGetRekey)
		r.Post("/c2s/params", relay.handlePostParams)
		r.Get("/s2c/params", relay.handleGetParams)
		r.Post("/c2s/server/agg_params", relay.handlePostAggParams)
		r.Get("/s2c/agg_params", relay.handleGetAggParams)
		r.Post("/c2s/result", relay.handlePostResult)
		r.Get("/s2c/result", relay.handleGetResult)

		r.Post("/input", relay.handlePostInput)
		r.Get("/input", relay.handleGetInput)
		r.Get("/s2c/submissions", relay.handleGetSubmissions)
		r.Get("/s2c/watch", relay.handleWatch)
		r.Get("/s2c/aggregation", relay.handleGetReport)
		r.Post("/c2s/server/report", relay.handlePostReport)
		r.Get("/s2c/round", relay.handleGetRound)
		r.Get("/s2c/rounds", relay.handleGetRounds)
		r.Get("/s2c/results/summary", relay.handleResultsSummary)
		r.Get("/s2c/clients", relay.handleGetClients)
		r.Get("/health", relay.handleHealth)
	})
}

// Handler returns a standalone router serving only the relay protocol.
func (relay *Relay) Handler() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	relay.RegisterRoutes(router)
	return router
}

func countResponses(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		metrics.RecordHTTPStatus(route, ww.Status())
	})
}

func (relay *Relay) handlePostPublicKey(w http.ResponseWriter, r *http.Request) {
	var req PublicKeyRequest
	if err := decodeJSON(w, r, relay.maxBody, &req); err != nil {
		writeError(w, err)
		return
	}

	err := relay.store.Registry.RegisterPublicKey(r.Context(), &protocol.KeyBundle{
		ClientID:    req.ClientID,
		PublicKey:   req.PublicKey,
		EvalMultKey: req.EvalMultKey,
		EvalSumKey:  req.EvalSumKey,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	metrics.RecordKeyRegistration()
	writeStatus(w, statusPublicKey)
}

func (relay *Relay) handleGetPublicKey(w http.ResponseWriter, r *http.Request) {
	id, err := queryClient(r, "client_id")
	if err != nil {
		writeError(w, err)
		return
	}
	bundle, ok := relay.store.Registry.LookupPublicKey(id)
	if !ok {
		writeError(w, fmt.Errorf("%w: no public key for %s", protocol.ErrNotFound, id))
		return
	}
	writeJSON(w, http.StatusOK, bundle)
}

func (relay *Relay) handlePostRekey(w http.ResponseWriter, r *http.Request) {
	var req RekeyRequest
	if err := decodeJSON(w, r, relay.maxBody, &req); err != nil {
		writeError(w, err)
		return
	}

	err := relay.store.Registry.RegisterRekey(r.Context(), &protocol.RekeyEdge{
		From:  req.FromClientID,
		To:    req.ToClientID,
		Rekey: req.Rekey,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	metrics.RecordRekeyRegistration()
	writeStatus(w, statusRekey)
}

func (relay *Relay) handleGetRekey(w http.ResponseWriter, r *http.Request) {
	from, err := queryClient(r, "from")
	if err != nil {
		writeError(w, err)
		return
	}
	to, err := queryClient(r, "to")
	if err != nil {
		writeError(w, err)
		return
	}
	edge, ok := relay.store.Registry.LookupRekey(from, to)
	if !ok {
		writeError(w, fmt.Errorf("%w: no rekey from %s to %s", protocol.ErrNotFound, from, to))
		return
	}
	writeJSON(w, http.StatusOK, &RekeyResponse{From: edge.From, To: edge.To, Rekey: edge.Rekey})
}

func (relay *Relay) handlePostParams(w http.ResponseWriter, r *http.Request) {
	var req ParamsRequest
	if err := decodeJSON(w, r, relay.maxBody, &req); err != nil {
		writeError(w, err)
		return
	}
	switch {
	case req.Metadata == nil:
		writeError(w, fmt.Errorf("%w: metadata is required", protocol.ErrValidation))
		return
	case req.Data == nil:
		writeError(w, fmt.Errorf("%w: data is required", protocol.ErrValidation))
		return
	case len(req.Data.Params) == 0:
		writeError(w, fmt.Errorf("%w: data.params is required", protocol.ErrValidation))
		return
	case req.Data.ChunkCounts == nil || req.Data.OrigSizes == nil:
		writeError(w, fmt.Errorf("%w: data.chunk_counts and data.orig_sizes are required", protocol.ErrValidation))
		return
	}

	sub := &protocol.Submission{
		ClientID: req.Metadata.ClientID,
		Round:    req.Metadata.Round,
		Params:   req.Data.Params,
		Layout: protocol.ChunkLayout{
			ChunkCounts: req.Data.ChunkCounts,
			OrigSizes:   req.Data.OrigSizes,
		},
		ChunkTotal: -1,
	}
	if relay.scheme != nil {
		cts, err := relay.scheme.UnmarshalCiphertexts(sub.Params)
		if err != nil {
			writeError(w, fmt.Errorf("%w: params are not a %s ciphertext sequence: %v",
				protocol.ErrValidation, relay.scheme.Name(), err))
			return
		}
		sub.ChunkTotal = len(cts)
	}

	if err := relay.store.Rounds.PutParams(r.Context(), sub); err != nil {
		writeError(w, err)
		return
	}
	metrics.RecordSubmission(len(sub.Params))
	relay.log.Debug("params received", "client", sub.ClientID, "round", sub.Round,
		"bytes", len(sub.Params), "chunks", sub.Layout.Total())
	writeStatus(w, statusParams)
}

func (relay *Relay) handleGetParams(w http.ResponseWriter, r *http.Request) {
	round, err := queryRound(r)
	if err != nil {
		writeError(w, err)
		return
	}
	subs, ok := relay.store.Rounds.GetAllParams(round)
	if !ok {
		writeError(w, fmt.Errorf("%w: no params for round %d", protocol.ErrNotFound, round))
		return
	}
	resp := make(ParamsResponse, len(subs))
	for id, sub := range subs {
		resp[id] = sub.Params
	}
	writeJSON(w, http.StatusOK, resp)
}

func (relay *Relay) handleGetSubmissions(w http.ResponseWriter, r *http.Request) {
	round, err := queryRound(r)
	if err != nil {
		writeError(w, err)
		return
	}
	subs, ok := relay.store.Rounds.GetAllParams(round)
	if !ok {
		subs = map[protocol.ClientID]*protocol.Submission{}
	}
	writeJSON(w, http.StatusOK, &SubmissionsResponse{Round: round, Submissions: subs})
}

func (relay *Relay) handlePostAggParams(w http.ResponseWriter, r *http.Request) {
	var req AggParamsRequest
	if err := decodeJSON(w, r, relay.maxBody, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Round == 0 {
		writeError(w, fmt.Errorf("%w: round is required", protocol.ErrValidation))
		return
	}
	if len(req.AggParams) == 0 {
		writeError(w, fmt.Errorf("%w: agg_params is required", protocol.ErrValidation))
		return
	}

	aggs, err := relay.aggregates(&req)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := relay.store.Rounds.PutAggregated(r.Context(), aggs, req.Recompute); err != nil {
		writeError(w, err)
		return
	}
	relay.log.Info("aggregated params received", "round", req.Round, "clients", len(aggs), "recompute", req.Recompute)
	writeStatus(w, statusAggregated)
}

// aggregates turns an upload into store records. Each client's layout is the
// explicit one when given, else the layout of its own submission.
func (relay *Relay) aggregates(req *AggParamsRequest) ([]*protocol.Aggregate, error) {
	explicit := req.ChunkCounts != nil || req.OrigSizes != nil

	ids := make([]protocol.ClientID, 0, len(req.AggParams))
	for id := range req.AggParams {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	aggs := make([]*protocol.Aggregate, 0, len(ids))
	for _, id := range ids {
		blob := req.AggParams[id]
		if len(blob) == 0 {
			return nil, fmt.Errorf("%w: agg_params for %s is empty", protocol.ErrValidation, id)
		}

		layout := protocol.ChunkLayout{ChunkCounts: req.ChunkCounts, OrigSizes: req.OrigSizes}
		if !explicit {
			sub, ok := relay.store.Rounds.GetParams(req.Round, id)
			if !ok {
				return nil, fmt.Errorf("%w: no layout given and no submission from %s in round %d",
					protocol.ErrValidation, id, req.Round)
			}
			layout = sub.Layout
		}

		if relay.scheme != nil {
			cts, err := relay.scheme.UnmarshalCiphertexts(blob)
			if err != nil {
				return nil, fmt.Errorf("%w: agg_params for %s are not a ciphertext sequence: %v",
					protocol.ErrValidation, id, err)
			}
			if err := layout.Validate(len(cts)); err != nil {
				return nil, fmt.Errorf("agg_params for %s: %w", id, err)
			}
		}

		aggs = append(aggs, &protocol.Aggregate{
			Round:    req.Round,
			ClientID: id,
			Params:   blob,
			Layout:   layout.Clone(),
			ReportID: req.ReportID,
		})
	}
	return aggs, nil
}

func (relay *Relay) handleGetAggParams(w http.ResponseWriter, r *http.Request) {
	id, err := queryClient(r, "client_id")
	if err != nil {
		writeError(w, err)
		return
	}
	round, err := queryRound(r)
	if err != nil {
		writeError(w, err)
		return
	}
	wait, err := queryDuration(r, "wait", relay.maxWait)
	if err != nil {
		writeError(w, err)
		return
	}

	agg, err := relay.awaitAggregate(r.Context(), round, id, wait)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &AggParamsResponse{
		Metadata: ParamsMetadata{ClientID: agg.ClientID, Round: agg.Round},
		Data: AggParamsData{
			AggParams:   agg.Params,
			ChunkCounts: agg.Layout.ChunkCounts,
			OrigSizes:   agg.Layout.OrigSizes,
		},
	})
}

func (relay *Relay) awaitAggregate(ctx context.Context, round protocol.Round, id protocol.ClientID, wait time.Duration) (*protocol.Aggregate, error) {
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	for {
		since := relay.store.Rounds.Version(round)
		if agg, ok := relay.store.Rounds.GetAggregated(round, id); ok {
			return agg, nil
		}
		if _, err := relay.store.Rounds.WaitChange(ctx, round, since); err != nil {
			return nil, fmt.Errorf("%w: no aggregate for %s in round %d", protocol.ErrNotFound, id, round)
		}
	}
}

func (relay *Relay) handlePostResult(w http.ResponseWriter, r *http.Request) {
	var req ResultRequest
	if err := decodeJSON(w, r, relay.maxBody, &req); err != nil {
		writeError(w, err)
		return
	}
	switch {
	case req.ClientID == "":
		writeError(w, fmt.Errorf("%w: client_id is required", protocol.ErrValidation))
		return
	case req.Round == 0:
		writeError(w, fmt.Errorf("%w: round is required", protocol.ErrValidation))
		return
	case req.Accuracy == nil:
		writeError(w, fmt.Errorf("%w: accuracy is required", protocol.ErrValidation))
		return
	case req.Model == "":
		writeError(w, fmt.Errorf("%w: model is required", protocol.ErrValidation))
		return
	}

	res := &protocol.ResultRecord{
		ClientID: req.ClientID,
		Round:    req.Round,
		Accuracy: *req.Accuracy,
		Model:    req.Model,
		AUC:      req.AUC,
		Metrics:  req.Metrics,
	}
	if err := relay.store.Rounds.PutResult(r.Context(), res); err != nil {
		writeError(w, err)
		return
	}
	metrics.RecordResult()

	if relay.roundLog != nil {
		snap, ok := relay.store.Rounds.SnapshotRound(res.Round)
		if !ok {
			writeError(w, fmt.Errorf("%w: round %d vanished after storing a result", protocol.ErrInternal, res.Round))
			return
		}
		if err := relay.roundLog.Write(snap); err != nil {
			relay.log.Error("writing round log", "round", res.Round, "err", err)
			writeError(w, err)
			return
		}
	}
	writeStatus(w, statusResult)
}

func (relay *Relay) handleGetResult(w http.ResponseWriter, r *http.Request) {
	id, err := queryClient(r, "client_id")
	if err != nil {
		writeError(w, err)
		return
	}
	round, err := queryRound(r)
	if err != nil {
		writeError(w, err)
		return
	}
	res, ok := relay.store.Rounds.GetResult(round, id)
	if !ok {
		writeError(w, fmt.Errorf("%w: no result from %s in round %d", protocol.ErrNotFound, id, round))
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handlePostInput stores the whole request body as the round's input. The
// body must be a JSON object carrying at least a round.
func (relay *Relay) handlePostInput(w http.ResponseWriter, r *http.Request) {
	var raw json.RawMessage
	if err := decodeJSON(w, r, relay.maxBody, &raw); err != nil {
		writeError(w, err)
		return
	}
	var head struct {
		Round   protocol.Round `json:"round"`
		Model   string         `json:"model"`
		Version string         `json:"version"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		writeError(w, fmt.Errorf("%w: input must be an object with a numeric round: %v", protocol.ErrValidation, err))
		return
	}

	err := relay.store.Rounds.PutInput(r.Context(), &protocol.InputRecord{
		Round:   head.Round,
		Model:   head.Model,
		Version: head.Version,
		Payload: raw,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeStatus(w, statusInput)
}

func (relay *Relay) handleGetInput(w http.ResponseWriter, r *http.Request) {
	round, err := queryRound(r)
	if err != nil {
		writeError(w, err)
		return
	}
	in, ok := relay.store.Rounds.GetInput(round)
	if !ok {
		writeError(w, fmt.Errorf("%w: no input for round %d", protocol.ErrNotFound, round))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(in.Payload)
}

// handleWatch answers once the round's version exceeds since, or when the
// timeout expires, whichever comes first.
func (relay *Relay) handleWatch(w http.ResponseWriter, r *http.Request) {
	round, err := queryRound(r)
	if err != nil {
		writeError(w, err)
		return
	}
	since, err := queryUint(r, "since")
	if err != nil {
		writeError(w, err)
		return
	}
	timeout, err := queryDuration(r, "timeout", relay.maxWait)
	if err != nil {
		writeError(w, err)
		return
	}

	version := relay.store.Rounds.Version(round)
	if version <= since && timeout > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		version, err = relay.store.Rounds.WaitChange(ctx, round, since)
		cancel()
		if err != nil && r.Context().Err() != nil {
			return
		}
	}
	writeJSON(w, http.StatusOK, &WatchResponse{Round: round, Version: version})
}

func (relay *Relay) handleGetReport(w http.ResponseWriter, r *http.Request) {
	round, err := queryRound(r)
	if err != nil {
		writeError(w, err)
		return
	}
	report, ok := relay.store.Rounds.GetReport(round)
	if !ok {
		writeError(w, fmt.Errorf("%w: no aggregation report for round %d", protocol.ErrNotFound, round))
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (relay *Relay) handlePostReport(w http.ResponseWriter, r *http.Request) {
	var report protocol.AggregationReport
	if err := decodeJSON(w, r, relay.maxBody, &report); err != nil {
		writeError(w, err)
		return
	}
	if err := relay.store.Rounds.PutReport(r.Context(), &report); err != nil {
		writeError(w, err)
		return
	}
	writeStatus(w, statusReport)
}

func (relay *Relay) handleGetRound(w http.ResponseWriter, r *http.Request) {
	round, err := queryRound(r)
	if err != nil {
		writeError(w, err)
		return
	}
	snap, ok := relay.store.Rounds.SnapshotRound(round)
	if !ok {
		writeError(w, fmt.Errorf("%w: round %d", protocol.ErrNotFound, round))
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (relay *Relay) handleGetRounds(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, &RoundsResponse{Rounds: relay.store.Rounds.Rounds()})
}

func (relay *Relay) handleResultsSummary(w http.ResponseWriter, r *http.Request) {
	round, err := queryRound(r)
	if err != nil {
		writeError(w, err)
		return
	}
	results, ok := relay.store.Rounds.GetResults(round)
	if !ok {
		writeError(w, fmt.Errorf("%w: no results for round %d", protocol.ErrNotFound, round))
		return
	}
	summary, err := summarize(round, results)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func summarize(round protocol.Round, results map[protocol.ClientID]*protocol.ResultRecord) (*ResultsSummary, error) {
	acc := make(stats.Float64Data, 0, len(results))
	summary := &ResultsSummary{Round: round, Count: len(results)}
	for _, res := range results {
		acc = append(acc, res.Accuracy)
		if res.ReceivedAt.After(summary.Updated) {
			summary.Updated = res.ReceivedAt
		}
	}

	var errs []error
	var err error
	summary.Mean, err = acc.Mean()
	errs = append(errs, err)
	summary.Median, err = acc.Median()
	errs = append(errs, err)
	summary.Min, err = acc.Min()
	errs = append(errs, err)
	summary.Max, err = acc.Max()
	errs = append(errs, err)
	summary.StdDev, err = acc.StandardDeviation()
	errs = append(errs, err)
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("%w: summarizing accuracies: %v", protocol.ErrInternal, err)
	}
	return summary, nil
}

func (relay *Relay) handleGetClients(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, &ClientsResponse{Clients: relay.store.Registry.Clients()})
}

func (relay *Relay) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeStatus(w, "ok")
}
