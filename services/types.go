package services

import (
	"time"

	"github.com/flashbots/fedrelay/protocol"
)

// StatusResponse acknowledges a write.
type StatusResponse struct {
	Status string `json:"status"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

// PublicKeyRequest registers a client's key bundle. Keys are base64 in JSON.
type PublicKeyRequest struct {
	ClientID    protocol.ClientID `json:"client_id"`
	PublicKey   []byte            `json:"public_key"`
	EvalMultKey []byte            `json:"eval_mult_key"`
	EvalSumKey  []byte            `json:"eval_sum_key"`
}

// RekeyRequest uploads the re-encryption key from one client to another.
type RekeyRequest struct {
	FromClientID protocol.ClientID `json:"from_client_id"`
	ToClientID   protocol.ClientID `json:"to_client_id"`
	Rekey        []byte            `json:"rekey"`
}

// RekeyResponse is served by GET /s2c/rekey.
type RekeyResponse struct {
	From  protocol.ClientID `json:"from"`
	To    protocol.ClientID `json:"to"`
	Rekey []byte            `json:"rekey"`
}

type ParamsMetadata struct {
	ClientID protocol.ClientID `json:"client_id"`
	Round    protocol.Round    `json:"round"`
}

type ParamsData struct {
	Params      []byte `json:"params"`
	ChunkCounts []int  `json:"chunk_counts"`
	OrigSizes   []int  `json:"orig_sizes"`
}

// ParamsRequest is a client's encrypted parameter submission.
type ParamsRequest struct {
	Metadata *ParamsMetadata `json:"metadata"`
	Data     *ParamsData     `json:"data"`
}

// ParamsResponse maps each client to its raw submission blob.
type ParamsResponse map[protocol.ClientID][]byte

// SubmissionsResponse carries full submissions, layouts included.
type SubmissionsResponse struct {
	Round       protocol.Round                             `json:"round"`
	Submissions map[protocol.ClientID]*protocol.Submission `json:"submissions"`
}

// AggParamsRequest uploads the averaged ciphertexts for every client of a
// round. The layout defaults to each client's submitted layout.
type AggParamsRequest struct {
	Round       protocol.Round               `json:"round"`
	AggParams   map[protocol.ClientID][]byte `json:"agg_params"`
	ChunkCounts []int                        `json:"chunk_counts,omitempty"`
	OrigSizes   []int                        `json:"orig_sizes,omitempty"`
	Recompute   bool                         `json:"recompute,omitempty"`
	ReportID    string                       `json:"report_id,omitempty"`
}

type AggParamsData struct {
	AggParams   []byte `json:"agg_params"`
	ChunkCounts []int  `json:"chunk_counts,omitempty"`
	OrigSizes   []int  `json:"orig_sizes,omitempty"`
}

// AggParamsResponse is served by GET /s2c/agg_params.
type AggParamsResponse struct {
	Metadata ParamsMetadata `json:"metadata"`
	Data     AggParamsData  `json:"data"`
}

// ResultRequest reports a client's evaluation. Accuracy is a pointer so that
// a missing value can be told apart from zero.
type ResultRequest struct {
	ClientID protocol.ClientID  `json:"client_id"`
	Round    protocol.Round     `json:"round"`
	Accuracy *float64           `json:"accuracy"`
	Model    string             `json:"model"`
	AUC      *float64           `json:"auc,omitempty"`
	Metrics  map[string]float64 `json:"metrics,omitempty"`
}

// WatchResponse is served by the long-poll endpoint.
type WatchResponse struct {
	Round   protocol.Round `json:"round"`
	Version uint64         `json:"version"`
}

type RoundsResponse struct {
	Rounds []protocol.Round `json:"rounds"`
}

type ClientsResponse struct {
	Clients []protocol.ClientID `json:"clients"`
}

// ResultsSummary describes the accuracies reported for a round.
type ResultsSummary struct {
	Round   protocol.Round `json:"round"`
	Count   int            `json:"count"`
	Mean    float64        `json:"mean"`
	Median  float64        `json:"median"`
	Min     float64        `json:"min"`
	Max     float64        `json:"max"`
	StdDev  float64        `json:"stddev"`
	Updated time.Time      `json:"updated"`
}

// Ack statuses.
const (
	statusPublicKey  = "public key received"
	statusRekey      = "rekey received"
	statusParams     = "ciphertext received"
	statusAggregated = "aggregated params received"
	statusResult     = "result stored and logged"
	statusInput      = "input received"
	statusReport     = "report received"
)
