package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/flashbots/fedrelay/protocol"
)

// RoundLog writes round snapshots to round_<n>_output.json files.
type RoundLog struct {
	dir string
}

// NewRoundLog creates dir if needed.
func NewRoundLog(dir string) (*RoundLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating round log dir: %w", err)
	}
	return &RoundLog{dir: dir}, nil
}

// Path returns the file a round's snapshot is written to.
func (l *RoundLog) Path(round protocol.Round) string {
	return filepath.Join(l.dir, fmt.Sprintf("round_%d_output.json", round))
}

// Write replaces the round's log file atomically.
func (l *RoundLog) Write(snap *protocol.RoundSnapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encoding round %d log: %v", protocol.ErrInternal, snap.Round, err)
	}

	tmp, err := os.CreateTemp(l.dir, fmt.Sprintf(".round_%d_*.tmp", snap.Round))
	if err != nil {
		return fmt.Errorf("%w: writing round %d log: %v", protocol.ErrInternal, snap.Round, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: writing round %d log: %v", protocol.ErrInternal, snap.Round, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: writing round %d log: %v", protocol.ErrInternal, snap.Round, err)
	}
	if err := os.Rename(tmp.Name(), l.Path(snap.Round)); err != nil {
		return fmt.Errorf("%w: writing round %d log: %v", protocol.ErrInternal, snap.Round, err)
	}
	return nil
}
