package api

import (
	"fmt"
	"sort"
)

// DiagnosticHint is one human-readable insight about the gateway's health.
type DiagnosticHint struct {
	// Key is a stable machine-readable identifier.
	Key string `json:"key"`
	// Level is "info" | "warning" | "critical".
	Level  string   `json:"level"`
	Title  string   `json:"title"`
	Detail string   `json:"detail"`
	Value  *float64 `json:"value,omitempty"`
}

// diagInput is what the hints are derived from.
type diagInput struct {
	connected      bool
	pending        int
	maxBatch       int
	snapshotErrors int64
	publishDropped int64
	parseErrors    int64
}

var levelRank = map[string]int{"critical": 0, "warning": 1, "info": 2}

// computeDiagnostics derives hints ordered critical first, then warnings,
// then info. A healthy gateway yields an empty list.
func computeDiagnostics(in diagInput) []DiagnosticHint {
	hints := []DiagnosticHint{}

	if !in.connected {
		hints = append(hints, DiagnosticHint{
			Key:   "peer_not_connected",
			Level: "warning",
			Title: "Peer not connected",
			Detail: "No peer is connected, so bus updates are only collected. " +
				"They are sent once the peer connects.",
		})
	}

	if in.maxBatch > 0 && in.pending > in.maxBatch {
		v := float64(in.pending)
		level := "warning"
		if in.pending > 10*in.maxBatch {
			level = "critical"
		}
		hints = append(hints, DiagnosticHint{
			Key:   "pending_backlog",
			Level: level,
			Title: "Pending backlog",
			Detail: fmt.Sprintf("%d variables are waiting to be sent but a batch carries at most %d, "+
				"so the peer is at least %d poll intervals behind.",
				in.pending, in.maxBatch, (in.pending+in.maxBatch-1)/in.maxBatch),
			Value: &v,
		})
	}

	if in.snapshotErrors > 0 {
		v := float64(in.snapshotErrors)
		hints = append(hints, DiagnosticHint{
			Key:   "snapshot_errors",
			Level: "warning",
			Title: "Snapshot save failing",
			Detail: fmt.Sprintf("%d snapshot saves or loads have failed since start. "+
				"A restart or reconnect may lose recent values; check the log and the persistence path.",
				in.snapshotErrors),
			Value: &v,
		})
	}

	if in.publishDropped > 0 {
		v := float64(in.publishDropped)
		hints = append(hints, DiagnosticHint{
			Key:   "publish_dropped",
			Level: "warning",
			Title: "Peer writes dropped",
			Detail: fmt.Sprintf("%d peer writes were dropped because the bus was unreachable "+
				"and the publish buffer filled up.", in.publishDropped),
			Value: &v,
		})
	}

	if in.parseErrors > 0 {
		v := float64(in.parseErrors)
		hints = append(hints, DiagnosticHint{
			Key:    "bus_parse_errors",
			Level:  "info",
			Title:  "Malformed bus messages",
			Detail: "Some bus messages were not of the form name=value and were discarded.",
			Value:  &v,
		})
	}

	sort.SliceStable(hints, func(i, j int) bool {
		return levelRank[hints[i].Level] < levelRank[hints[j].Level]
	})
	return hints
}
