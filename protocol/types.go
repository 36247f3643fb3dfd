package protocol

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

// ClientID identifies a participant. It is opaque to the relay.
type ClientID string

// Round numbers start at 1.
type Round uint64

// ParseRound parses a positive round number as it appears in query strings.
// Rounds are stored as signed 64-bit integers, so values above math.MaxInt64
// are rejected.
func ParseRound(s string) (Round, error) {
	if s == "" {
		return 0, fmt.Errorf("%w: round is required", ErrValidation)
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil || n == 0 || n > math.MaxInt64 {
		return 0, fmt.Errorf("%w: round must be a positive integer, got %q", ErrValidation, s)
	}
	return Round(n), nil
}

// KeyBundle is a client's public encryption material.
type KeyBundle struct {
	ClientID     ClientID  `json:"client_id"`
	PublicKey    []byte    `json:"public_key"`
	EvalMultKey  []byte    `json:"eval_mult_key"`
	EvalSumKey   []byte    `json:"eval_sum_key"`
	RegisteredAt time.Time `json:"registered_at"`
}

// Validate checks that every field required for registration is present.
func (b *KeyBundle) Validate() error {
	switch {
	case b.ClientID == "":
		return fmt.Errorf("%w: client_id is required", ErrValidation)
	case len(b.PublicKey) == 0:
		return fmt.Errorf("%w: public_key is required", ErrValidation)
	case len(b.EvalMultKey) == 0:
		return fmt.Errorf("%w: eval_mult_key is required", ErrValidation)
	case len(b.EvalSumKey) == 0:
		return fmt.Errorf("%w: eval_sum_key is required", ErrValidation)
	}
	return nil
}

// RekeyEdge translates ciphertexts encrypted for From into ciphertexts
// decryptable by To.
type RekeyEdge struct {
	From         ClientID  `json:"from"`
	To           ClientID  `json:"to"`
	Rekey        []byte    `json:"rekey"`
	RegisteredAt time.Time `json:"registered_at"`
}

// Validate checks that an edge names two distinct clients and carries a rekey.
func (e *RekeyEdge) Validate() error {
	switch {
	case e.From == "":
		return fmt.Errorf("%w: from_client_id is required", ErrValidation)
	case e.To == "":
		return fmt.Errorf("%w: to_client_id is required", ErrValidation)
	case e.From == e.To:
		return fmt.Errorf("%w: rekey from %s to itself", ErrValidation, e.From)
	case len(e.Rekey) == 0:
		return fmt.Errorf("%w: rekey is required", ErrValidation)
	}
	return nil
}

// ChunkLayout describes how a ciphertext-chunk sequence maps back onto tensors:
// ChunkCounts[i] chunks reconstruct a tensor of OrigSizes[i] scalars.
type ChunkLayout struct {
	ChunkCounts []int `json:"chunk_counts"`
	OrigSizes   []int `json:"orig_sizes"`
}

// Total returns the number of chunks the layout accounts for.
func (l ChunkLayout) Total() int {
	total := 0
	for _, c := range l.ChunkCounts {
		total += c
	}
	return total
}

// Validate checks the layout against the number of chunks actually present.
func (l ChunkLayout) Validate(chunks int) error {
	if len(l.ChunkCounts) != len(l.OrigSizes) {
		return fmt.Errorf("%w: %d chunk counts but %d original sizes",
			ErrStructuralMismatch, len(l.ChunkCounts), len(l.OrigSizes))
	}
	for i := range l.ChunkCounts {
		if l.ChunkCounts[i] < 0 || l.OrigSizes[i] < 0 {
			return fmt.Errorf("%w: negative entry at tensor %d", ErrStructuralMismatch, i)
		}
		if l.OrigSizes[i] > 0 && l.ChunkCounts[i] == 0 {
			return fmt.Errorf("%w: tensor %d has %d scalars but no chunks",
				ErrStructuralMismatch, i, l.OrigSizes[i])
		}
	}
	if total := l.Total(); total != chunks {
		return fmt.Errorf("%w: layout accounts for %d chunks, got %d",
			ErrStructuralMismatch, total, chunks)
	}
	return nil
}

// Equal reports whether two layouts describe the same tensors positionally.
func (l ChunkLayout) Equal(o ChunkLayout) bool {
	if len(l.ChunkCounts) != len(o.ChunkCounts) || len(l.OrigSizes) != len(o.OrigSizes) {
		return false
	}
	for i := range l.ChunkCounts {
		if l.ChunkCounts[i] != o.ChunkCounts[i] {
			return false
		}
	}
	for i := range l.OrigSizes {
		if l.OrigSizes[i] != o.OrigSizes[i] {
			return false
		}
	}
	return true
}

// Clone returns a deep copy.
func (l ChunkLayout) Clone() ChunkLayout {
	return ChunkLayout{
		ChunkCounts: append([]int(nil), l.ChunkCounts...),
		OrigSizes:   append([]int(nil), l.OrigSizes...),
	}
}

// Submission is one client's encrypted parameters for a round.
type Submission struct {
	ClientID ClientID    `json:"client_id"`
	Round    Round       `json:"round"`
	Params   []byte      `json:"params"`
	Layout   ChunkLayout `json:"layout"`
	// ChunkTotal is the number of ciphertexts found in Params, or -1 when the
	// relay could not decode the sequence on receipt.
	ChunkTotal  int       `json:"chunk_total"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Aggregate is the averaged parameter sequence for one client, encrypted under
// that client's key.
type Aggregate struct {
	Round      Round       `json:"round"`
	ClientID   ClientID    `json:"client_id"`
	Params     []byte      `json:"params"`
	Layout     ChunkLayout `json:"layout"`
	ReportID   string      `json:"report_id,omitempty"`
	ComputedAt time.Time   `json:"computed_at"`
}

// ResultRecord is a client's evaluation of the aggregated model.
type ResultRecord struct {
	ClientID   ClientID           `json:"client_id"`
	Round      Round              `json:"round"`
	Accuracy   float64            `json:"accuracy"`
	Model      string             `json:"model"`
	AUC        *float64           `json:"auc,omitempty"`
	Metrics    map[string]float64 `json:"metrics,omitempty"`
	ReceivedAt time.Time          `json:"received_at"`
}

// InputRecord is the raw model input published for a round.
type InputRecord struct {
	Round      Round           `json:"round"`
	Model      string          `json:"model,omitempty"`
	Version    string          `json:"version,omitempty"`
	Payload    json.RawMessage `json:"payload"`
	ReceivedAt time.Time       `json:"received_at"`
}

// BlobRef stands in for an opaque blob in audit views.
type BlobRef struct {
	SHA3 string `json:"sha3_256"`
	Size int    `json:"size"`
}

// SubmissionView is a Submission with its blob replaced by a reference.
type SubmissionView struct {
	Params      BlobRef     `json:"params"`
	Layout      ChunkLayout `json:"layout"`
	ChunkTotal  int         `json:"chunk_total"`
	SubmittedAt time.Time   `json:"submitted_at"`
}

// AggregateView is an Aggregate with its blob replaced by a reference.
type AggregateView struct {
	Params     BlobRef     `json:"params"`
	Layout     ChunkLayout `json:"layout"`
	ReportID   string      `json:"report_id,omitempty"`
	ComputedAt time.Time   `json:"computed_at"`
}

// RoundSnapshot is a point-in-time view of everything stored for a round.
type RoundSnapshot struct {
	Round       Round                       `json:"round"`
	Version     uint64                      `json:"version"`
	Input       *InputRecord                `json:"input,omitempty"`
	Submissions map[ClientID]SubmissionView `json:"submissions"`
	Aggregates  map[ClientID]AggregateView  `json:"aggregates"`
	Results     map[ClientID]*ResultRecord  `json:"results"`
	Report      *AggregationReport          `json:"aggregation,omitempty"`
	TakenAt     time.Time                   `json:"taken_at"`
}
