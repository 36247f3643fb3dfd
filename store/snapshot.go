package store

import (
	"encoding/hex"
	"time"

	"github.com/flashbots/fedrelay/protocol"
	"golang.org/x/crypto/sha3"
)

// BlobRefOf digests a blob for audit views.
func BlobRefOf(blob []byte) protocol.BlobRef {
	sum := sha3.Sum256(blob)
	return protocol.BlobRef{SHA3: hex.EncodeToString(sum[:]), Size: len(blob)}
}

// SnapshotRound returns everything stored for round as of one instant. Blobs
// are replaced by their digests.
func (s *RoundStore) SnapshotRound(round protocol.Round) (*protocol.RoundSnapshot, bool) {
	rs, ok := s.get(round)
	if !ok {
		return nil, false
	}

	rs.mu.RLock()
	defer rs.mu.RUnlock()

	snap := &protocol.RoundSnapshot{
		Round:       round,
		Version:     s.notifier.Version(round),
		Input:       rs.input,
		Submissions: make(map[protocol.ClientID]protocol.SubmissionView, len(rs.submissions)),
		Aggregates:  make(map[protocol.ClientID]protocol.AggregateView, len(rs.aggregates)),
		Results:     make(map[protocol.ClientID]*protocol.ResultRecord, len(rs.results)),
		Report:      rs.report,
		TakenAt:     time.Now().UTC(),
	}
	for id, sub := range rs.submissions {
		snap.Submissions[id] = protocol.SubmissionView{
			Params:      BlobRefOf(sub.Params),
			Layout:      sub.Layout,
			ChunkTotal:  sub.ChunkTotal,
			SubmittedAt: sub.SubmittedAt,
		}
	}
	for id, agg := range rs.aggregates {
		snap.Aggregates[id] = protocol.AggregateView{
			Params:     BlobRefOf(agg.Params),
			Layout:     agg.Layout,
			ReportID:   agg.ReportID,
			ComputedAt: agg.ComputedAt,
		}
	}
	for id, res := range rs.results {
		snap.Results[id] = res
	}
	return snap, true
}
