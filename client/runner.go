package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/flashbots/fedrelay/codec"
	"github.com/flashbots/fedrelay/protocol"
)

// RoundFiles maps rounds onto files in a directory: round_<n>.json holds the
// local parameters for round n as a JSON array of tensors, and
// agg_round_<n>.json receives the aggregate in the same shape.
type RoundFiles struct {
	Dir string
}

func (f *RoundFiles) InputPath(round protocol.Round) string {
	return filepath.Join(f.Dir, fmt.Sprintf("round_%d.json", round))
}

func (f *RoundFiles) OutputPath(round protocol.Round) string {
	return filepath.Join(f.Dir, fmt.Sprintf("agg_round_%d.json", round))
}

// ReadInput returns the tensors of round.
func (f *RoundFiles) ReadInput(round protocol.Round) ([]any, error) {
	return ReadTensors(f.InputPath(round))
}

// WriteOutput writes tensors shaped like the round's input.
func (f *RoundFiles) WriteOutput(round protocol.Round, tensors [][]float64, like []any) error {
	return WriteTensors(f.OutputPath(round), tensors, like)
}

// ReadTensors decodes a JSON array of arbitrarily nested numeric tensors.
func ReadTensors(path string) ([]any, error) {
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", protocol.ErrNotFound, path)
	}
	if err != nil {
		return nil, err
	}
	defer file.Close()

	dec := json.NewDecoder(file)
	dec.UseNumber()
	var tensors []any
	if err := dec.Decode(&tensors); err != nil {
		return nil, fmt.Errorf("%w: decoding %s: %v", protocol.ErrValidation, path, err)
	}
	return tensors, nil
}

// WriteTensors writes tensors as a JSON array, restoring each tensor's nested
// shape from like when like is given.
func WriteTensors(path string, tensors [][]float64, like []any) error {
	out := make([]any, len(tensors))
	for i, t := range tensors {
		out[i] = t
		if i < len(like) {
			shaped, err := codec.Reshape(t, like[i])
			if err != nil {
				return fmt.Errorf("tensor %d: %w", i, err)
			}
			out[i] = shaped
		}
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Evaluator scores an aggregated model for a round. A nil record skips result
// submission.
type Evaluator func(ctx context.Context, round protocol.Round, tensors [][]float64) (*protocol.ResultRecord, error)

// Runner drives an agent through the rounds emitted by a coordinator.
type Runner struct {
	Agent       *Agent
	Files       *RoundFiles
	Coordinator protocol.RoundCoordinator
	Timeout     time.Duration
	Evaluate    Evaluator

	// Lockstep advances the coordinator once each round completes instead of
	// relying on timed progression.
	Lockstep bool
}

// Run processes rounds until the coordinator stops emitting them or ctx ends.
func (r *Runner) Run(ctx context.Context) error {
	rounds := r.Coordinator.SubscribeToRounds(ctx)
	if r.Lockstep {
		r.Coordinator.AdvanceToRound(r.Coordinator.CurrentRound() + 1)
	} else if timed, ok := r.Coordinator.(interface{ Start(context.Context) }); ok {
		timed.Start(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case round, ok := <-rounds:
			if !ok {
				return nil
			}
			if err := r.RunRound(ctx, round); err != nil {
				return fmt.Errorf("round %d: %w", round, err)
			}
			if r.Lockstep {
				r.Coordinator.AdvanceToRound(round + 1)
			}
		}
	}
}

// RunRound submits the round's input, waits for the aggregate and writes it
// out.
func (r *Runner) RunRound(ctx context.Context, round protocol.Round) error {
	tensors, err := r.Files.ReadInput(round)
	if err != nil {
		return err
	}
	if _, err := r.Agent.SubmitParams(ctx, round, tensors); err != nil {
		return err
	}

	agg, err := r.Agent.AwaitAggregated(ctx, round, r.Timeout)
	if err != nil {
		return err
	}
	if err := r.Files.WriteOutput(round, agg, tensors); err != nil {
		return fmt.Errorf("writing aggregate: %w", err)
	}

	if r.Evaluate != nil {
		res, err := r.Evaluate(ctx, round, agg)
		if err != nil {
			return fmt.Errorf("evaluating: %w", err)
		}
		if res != nil {
			res.Round = round
			if err := r.Agent.SubmitResult(ctx, res); err != nil {
				return err
			}
		}
	}

	stats := r.Agent.Stats(round)
	r.Agent.log.Info("round complete",
		"round", round,
		"bytes_up", stats.BytesUp,
		"bytes_down", stats.BytesDown,
		"encrypt", stats.EncryptTime,
		"decrypt", stats.DecryptTime,
	)
	return nil
}
