package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/flashbots/fedrelay/protocol"
	"github.com/google/uuid"
)

// RelayClient speaks the relay protocol over HTTP. It serves client agents,
// the remote aggregation engine and the operator CLI.
type RelayClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewRelayClient creates a client for the relay at baseURL. A nil httpClient
// gets one whose timeout leaves room for the longest long poll.
func NewRelayClient(baseURL string, httpClient *http.Client) *RelayClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultMaxWait + 60*time.Second}
	}
	return &RelayClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

func (c *RelayClient) BaseURL() string { return c.baseURL }

// do sends body (if any) as JSON and decodes a 200 answer into out (if any).
// Non-200 answers become errors carrying the protocol sentinel of their
// status.
func (c *RelayClient) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding %s body: %w", path, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("%w: building request: %v", protocol.ErrInternal, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Request-Id", uuid.NewString())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %s %s: %v", protocol.ErrUpstream, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e ErrorResponse
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(data, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(data))
		}
		return errorFor(resp.StatusCode, e.Error)
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if raw, ok := out.(*json.RawMessage); ok {
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("%w: reading %s: %v", protocol.ErrUpstream, path, err)
		}
		*raw = data
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decoding %s answer: %v", protocol.ErrUpstream, path, err)
	}
	return nil
}

func roundQuery(round protocol.Round) url.Values {
	return url.Values{"round": {strconv.FormatUint(uint64(round), 10)}}
}

func (c *RelayClient) RegisterPublicKey(ctx context.Context, bundle *protocol.KeyBundle) error {
	return c.do(ctx, http.MethodPost, "/c2s/public_key", nil, &PublicKeyRequest{
		ClientID:    bundle.ClientID,
		PublicKey:   bundle.PublicKey,
		EvalMultKey: bundle.EvalMultKey,
		EvalSumKey:  bundle.EvalSumKey,
	}, nil)
}

func (c *RelayClient) LookupPublicKey(ctx context.Context, client protocol.ClientID) (*protocol.KeyBundle, error) {
	var bundle protocol.KeyBundle
	q := url.Values{"client_id": {string(client)}}
	if err := c.do(ctx, http.MethodGet, "/s2c/public_key", q, nil, &bundle); err != nil {
		return nil, err
	}
	return &bundle, nil
}

func (c *RelayClient) RegisterRekey(ctx context.Context, edge *protocol.RekeyEdge) error {
	return c.do(ctx, http.MethodPost, "/c2s/rekey", nil, &RekeyRequest{
		FromClientID: edge.From,
		ToClientID:   edge.To,
		Rekey:        edge.Rekey,
	}, nil)
}

// Rekey fetches the edge from->to.
func (c *RelayClient) Rekey(ctx context.Context, from, to protocol.ClientID) (*protocol.RekeyEdge, error) {
	var resp RekeyResponse
	q := url.Values{"from": {string(from)}, "to": {string(to)}}
	if err := c.do(ctx, http.MethodGet, "/s2c/rekey", q, nil, &resp); err != nil {
		return nil, err
	}
	return &protocol.RekeyEdge{From: resp.From, To: resp.To, Rekey: resp.Rekey}, nil
}

func (c *RelayClient) SubmitParams(ctx context.Context, sub *protocol.Submission) error {
	return c.do(ctx, http.MethodPost, "/c2s/params", nil, &ParamsRequest{
		Metadata: &ParamsMetadata{ClientID: sub.ClientID, Round: sub.Round},
		Data: &ParamsData{
			Params:      sub.Params,
			ChunkCounts: sub.Layout.ChunkCounts,
			OrigSizes:   sub.Layout.OrigSizes,
		},
	}, nil)
}

// Params returns the raw submission blobs of a round.
func (c *RelayClient) Params(ctx context.Context, round protocol.Round) (ParamsResponse, error) {
	var resp ParamsResponse
	if err := c.do(ctx, http.MethodGet, "/s2c/params", roundQuery(round), nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Submissions returns every submission of a round with its layout.
func (c *RelayClient) Submissions(ctx context.Context, round protocol.Round) (map[protocol.ClientID]*protocol.Submission, error) {
	var resp SubmissionsResponse
	if err := c.do(ctx, http.MethodGet, "/s2c/submissions", roundQuery(round), nil, &resp); err != nil {
		return nil, err
	}
	if resp.Submissions == nil {
		resp.Submissions = map[protocol.ClientID]*protocol.Submission{}
	}
	return resp.Submissions, nil
}

func (c *RelayClient) FetchAggregated(ctx context.Context, client protocol.ClientID, round protocol.Round, wait time.Duration) (*protocol.Aggregate, error) {
	q := roundQuery(round)
	q.Set("client_id", string(client))
	if wait > 0 {
		q.Set("wait", wait.String())
	}

	var resp AggParamsResponse
	if err := c.do(ctx, http.MethodGet, "/s2c/agg_params", q, nil, &resp); err != nil {
		return nil, err
	}
	return &protocol.Aggregate{
		Round:    resp.Metadata.Round,
		ClientID: resp.Metadata.ClientID,
		Params:   resp.Data.AggParams,
		Layout: protocol.ChunkLayout{
			ChunkCounts: resp.Data.ChunkCounts,
			OrigSizes:   resp.Data.OrigSizes,
		},
	}, nil
}

// HasAggregate reports whether any aggregate is stored for round.
func (c *RelayClient) HasAggregate(ctx context.Context, round protocol.Round) (bool, error) {
	snap, err := c.Snapshot(ctx, round)
	if errors.Is(err, protocol.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return len(snap.Aggregates) > 0, nil
}

// PutAggregates uploads the aggregates of one round. Aggregates with differing
// layouts are uploaded one request per layout; all share recompute.
func (c *RelayClient) PutAggregates(ctx context.Context, aggs []*protocol.Aggregate, recompute bool) error {
	if len(aggs) == 0 {
		return fmt.Errorf("%w: no aggregates", protocol.ErrValidation)
	}

	var reqs []*AggParamsRequest
	for _, agg := range aggs {
		var req *AggParamsRequest
		for _, r := range reqs {
			layout := protocol.ChunkLayout{ChunkCounts: r.ChunkCounts, OrigSizes: r.OrigSizes}
			if layout.Equal(agg.Layout) {
				req = r
				break
			}
		}
		if req == nil {
			req = &AggParamsRequest{
				Round:       agg.Round,
				AggParams:   map[protocol.ClientID][]byte{},
				ChunkCounts: agg.Layout.ChunkCounts,
				OrigSizes:   agg.Layout.OrigSizes,
				Recompute:   recompute,
				ReportID:    agg.ReportID,
			}
			reqs = append(reqs, req)
		}
		req.AggParams[agg.ClientID] = agg.Params
	}

	for _, req := range reqs {
		if err := c.do(ctx, http.MethodPost, "/c2s/server/agg_params", nil, req, nil); err != nil {
			return err
		}
	}
	return nil
}

func (c *RelayClient) PutReport(ctx context.Context, report *protocol.AggregationReport) error {
	return c.do(ctx, http.MethodPost, "/c2s/server/report", nil, report, nil)
}

func (c *RelayClient) Report(ctx context.Context, round protocol.Round) (*protocol.AggregationReport, error) {
	var report protocol.AggregationReport
	if err := c.do(ctx, http.MethodGet, "/s2c/aggregation", roundQuery(round), nil, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

func (c *RelayClient) SubmitResult(ctx context.Context, res *protocol.ResultRecord) error {
	acc := res.Accuracy
	return c.do(ctx, http.MethodPost, "/c2s/result", nil, &ResultRequest{
		ClientID: res.ClientID,
		Round:    res.Round,
		Accuracy: &acc,
		Model:    res.Model,
		AUC:      res.AUC,
		Metrics:  res.Metrics,
	}, nil)
}

func (c *RelayClient) Result(ctx context.Context, client protocol.ClientID, round protocol.Round) (*protocol.ResultRecord, error) {
	q := roundQuery(round)
	q.Set("client_id", string(client))
	var res protocol.ResultRecord
	if err := c.do(ctx, http.MethodGet, "/s2c/result", q, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *RelayClient) ResultsSummary(ctx context.Context, round protocol.Round) (*ResultsSummary, error) {
	var summary ResultsSummary
	if err := c.do(ctx, http.MethodGet, "/s2c/results/summary", roundQuery(round), nil, &summary); err != nil {
		return nil, err
	}
	return &summary, nil
}

// PostInput publishes a round input. payload must be a JSON object with a
// round field.
func (c *RelayClient) PostInput(ctx context.Context, payload json.RawMessage) error {
	return c.do(ctx, http.MethodPost, "/input", nil, payload, nil)
}

func (c *RelayClient) Input(ctx context.Context, round protocol.Round) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/input", roundQuery(round), nil, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func (c *RelayClient) Snapshot(ctx context.Context, round protocol.Round) (*protocol.RoundSnapshot, error) {
	var snap protocol.RoundSnapshot
	if err := c.do(ctx, http.MethodGet, "/s2c/round", roundQuery(round), nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (c *RelayClient) Rounds(ctx context.Context) ([]protocol.Round, error) {
	var resp RoundsResponse
	if err := c.do(ctx, http.MethodGet, "/s2c/rounds", nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Rounds, nil
}

func (c *RelayClient) Clients(ctx context.Context) ([]protocol.ClientID, error) {
	var resp ClientsResponse
	if err := c.do(ctx, http.MethodGet, "/s2c/clients", nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Clients, nil
}

// Version returns the round's current change counter without waiting.
func (c *RelayClient) Version(ctx context.Context, round protocol.Round) (uint64, error) {
	return c.watch(ctx, round, 0, 0)
}

// WaitChange long-polls until the round's version exceeds since. A single
// poll is capped by the relay; the returned version may still equal since
// when the poll ran out, in which case callers poll again.
func (c *RelayClient) WaitChange(ctx context.Context, round protocol.Round, since uint64) (uint64, error) {
	timeout := DefaultMaxWait
	if deadline, ok := ctx.Deadline(); ok {
		timeout = min(timeout, time.Until(deadline))
	}
	if timeout <= 0 {
		return since, context.DeadlineExceeded
	}
	v, err := c.watch(ctx, round, since, timeout)
	if err != nil {
		return v, err
	}
	return v, ctx.Err()
}

func (c *RelayClient) watch(ctx context.Context, round protocol.Round, since uint64, timeout time.Duration) (uint64, error) {
	q := roundQuery(round)
	q.Set("since", strconv.FormatUint(since, 10))
	q.Set("timeout", timeout.String())

	var resp WatchResponse
	if err := c.do(ctx, http.MethodGet, "/s2c/watch", q, nil, &resp); err != nil {
		return since, err
	}
	return resp.Version, nil
}

func (c *RelayClient) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil, nil)
}
