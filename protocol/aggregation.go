package protocol

import "time"

// AggregationState is a step of the per-round aggregation state machine.
type AggregationState string

const (
	StateAwaitingParams AggregationState = "awaiting_params"
	StateValidating     AggregationState = "validating"
	StateReEncrypting   AggregationState = "re_encrypting"
	StateAveraging      AggregationState = "averaging"
	StateDistributing   AggregationState = "distributing"
	StateAggregated     AggregationState = "aggregated"
	StateFailed         AggregationState = "failed"
	StateTimedOut       AggregationState = "timed_out"
)

// Terminal reports whether no further transitions follow s.
func (s AggregationState) Terminal() bool {
	return s == StateAggregated || s == StateFailed || s == StateTimedOut
}

// Transition records when a state was entered.
type Transition struct {
	State AggregationState `json:"state"`
	At    time.Time        `json:"at"`
}

// AggregationReport describes one aggregation attempt for a round.
type AggregationReport struct {
	ID          string           `json:"id"`
	Round       Round            `json:"round"`
	Hub         ClientID         `json:"hub"`
	Peer        ClientID         `json:"peer"`
	State       AggregationState `json:"state"`
	Chunks      int              `json:"chunks"`
	Recompute   bool             `json:"recompute,omitempty"`
	Error       string           `json:"error,omitempty"`
	Transitions []Transition     `json:"transitions"`
	StartedAt   time.Time        `json:"started_at"`
	FinishedAt  time.Time        `json:"finished_at,omitempty"`
}

// Enter moves the report to state s.
func (r *AggregationReport) Enter(s AggregationState) {
	now := time.Now().UTC()
	r.State = s
	r.Transitions = append(r.Transitions, Transition{State: s, At: now})
	if s.Terminal() {
		r.FinishedAt = now
	}
}

// Fail moves the report to a terminal failure state and records err.
func (r *AggregationReport) Fail(s AggregationState, err error) {
	r.Error = err.Error()
	r.Enter(s)
}

// Duration is the wall time between start and finish, or zero while running.
func (r *AggregationReport) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}
