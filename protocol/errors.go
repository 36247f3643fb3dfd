package protocol

import "errors"

var (
	// ErrValidation marks missing or malformed input.
	ErrValidation = errors.New("validation error")

	// ErrNotFound marks a key, rekey, submission or result that is absent for
	// the requested coordinates.
	ErrNotFound = errors.New("not found")

	// ErrStructuralMismatch marks chunk layouts that disagree with each other
	// or with the number of ciphertexts present. Fatal to an aggregation attempt.
	ErrStructuralMismatch = errors.New("structural mismatch")

	// ErrUpstream marks failures of the encryption library or of the relay
	// transport.
	ErrUpstream = errors.New("upstream error")

	// ErrInternal marks unexpected failures, including persistence I/O.
	ErrInternal = errors.New("internal error")

	// ErrPrecondition is returned when aggregation is attempted before both
	// submissions and both rekeys exist.
	ErrPrecondition = errors.New("aggregation precondition not met")

	// ErrRoundTimedOut is returned when a round's preconditions or results do
	// not materialize before the configured deadline.
	ErrRoundTimedOut = errors.New("round timed out")

	// ErrAlreadyAggregated is returned when an aggregate exists and the caller
	// did not ask for recomputation.
	ErrAlreadyAggregated = errors.New("round already aggregated")
)
