package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/flashbots/fedrelay/protocol"
)

// statusFor maps an error onto the HTTP status the relay answers with.
func statusFor(err error) int {
	switch {
	case errors.Is(err, protocol.ErrValidation), errors.Is(err, protocol.ErrStructuralMismatch):
		return http.StatusBadRequest
	case errors.Is(err, protocol.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, protocol.ErrAlreadyAggregated):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// errorFor is the inverse of statusFor on the client side.
func errorFor(status int, msg string) error {
	switch status {
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", protocol.ErrValidation, msg)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", protocol.ErrNotFound, msg)
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", protocol.ErrAlreadyAggregated, msg)
	default:
		return fmt.Errorf("%w: relay answered %d: %s", protocol.ErrUpstream, status, msg)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeStatus(w http.ResponseWriter, status string) {
	writeJSON(w, http.StatusOK, &StatusResponse{Status: status})
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), &ErrorResponse{Error: err.Error()})
}

// decodeJSON reads one JSON document of at most limit bytes into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, limit int64, v any) error {
	body := http.MaxBytesReader(w, r.Body, limit)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return fmt.Errorf("%w: body exceeds %d bytes", protocol.ErrValidation, limit)
		}
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: empty body", protocol.ErrValidation)
		}
		return fmt.Errorf("%w: malformed JSON: %v", protocol.ErrValidation, err)
	}
	return nil
}

func queryClient(r *http.Request, name string) (protocol.ClientID, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return "", fmt.Errorf("%w: %s is required", protocol.ErrValidation, name)
	}
	return protocol.ClientID(v), nil
}

func queryRound(r *http.Request) (protocol.Round, error) {
	return protocol.ParseRound(r.URL.Query().Get("round"))
}

// queryDuration accepts a Go duration ("1.5s") or whole seconds ("30"). An
// absent value means zero. The result is capped at limit.
func queryDuration(r *http.Request, name string, limit time.Duration) (time.Duration, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		secs, serr := strconv.ParseUint(v, 10, 32)
		if serr != nil {
			return 0, fmt.Errorf("%w: %s must be a duration, got %q", protocol.ErrValidation, name, v)
		}
		d = time.Duration(secs) * time.Second
	}
	if d < 0 {
		return 0, fmt.Errorf("%w: %s must not be negative", protocol.ErrValidation, name)
	}
	return min(d, limit), nil
}

func queryUint(r *http.Request, name string) (uint64, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an unsigned integer, got %q", protocol.ErrValidation, name, v)
	}
	return n, nil
}
