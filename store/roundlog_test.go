package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/flashbots/fedrelay/protocol"
	"github.com/stretchr/testify/require"
)

func TestRoundLog_Write(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "logs")
	log, err := NewRoundLog(dir)
	require.NoError(t, err)

	s := NewRoundStore(nil, nil, nil)
	require.NoError(t, s.PutParams(ctx, testSubmission(4, "c1")))
	require.NoError(t, s.PutResult(ctx, &protocol.ResultRecord{ClientID: "c1", Round: 4, Accuracy: 0.5}))

	snap, ok := s.SnapshotRound(4)
	require.True(t, ok)
	require.NoError(t, log.Write(snap))

	require.Equal(t, filepath.Join(dir, "round_4_output.json"), log.Path(4))
	data, err := os.ReadFile(log.Path(4))
	require.NoError(t, err)

	var got protocol.RoundSnapshot
	require.NoError(t, json.Unmarshal(data, &got))
	require.Equal(t, protocol.Round(4), got.Round)
	require.Equal(t, 0.5, got.Results["c1"].Accuracy)
	require.NotContains(t, string(data), "ct-4-c1")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestRoundLog_WriteFailure(t *testing.T) {
	dir := t.TempDir()
	log, err := NewRoundLog(dir)
	require.NoError(t, err)
	require.NoError(t, os.RemoveAll(dir))

	err = log.Write(&protocol.RoundSnapshot{Round: 1})
	require.ErrorIs(t, err, protocol.ErrInternal)
}
