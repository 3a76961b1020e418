package api

import "testing"

func TestComputeDiagnostics_HealthyIsEmpty(t *testing.T) {
	hints := computeDiagnostics(diagInput{connected: true, pending: 3, maxBatch: 6})
	if hints == nil || len(hints) != 0 {
		t.Errorf("got %+v, want an empty non-nil list", hints)
	}
}

func TestComputeDiagnostics_OrderAndKeys(t *testing.T) {
	hints := computeDiagnostics(diagInput{
		connected:      false,
		pending:        100,
		maxBatch:       6,
		snapshotErrors: 2,
		parseErrors:    1,
	})

	want := []struct{ key, level string }{
		{"pending_backlog", "critical"},
		{"peer_not_connected", "warning"},
		{"snapshot_errors", "warning"},
		{"bus_parse_errors", "info"},
	}
	if len(hints) != len(want) {
		t.Fatalf("got %d hints (%+v), want %d", len(hints), hints, len(want))
	}
	for i, w := range want {
		if hints[i].Key != w.key || hints[i].Level != w.level {
			t.Errorf("hints[%d]: got %s/%s, want %s/%s", i, hints[i].Key, hints[i].Level, w.key, w.level)
		}
	}
	if v := hints[0].Value; v == nil || *v != 100 {
		t.Errorf("backlog value: got %v, want 100", v)
	}
}

func TestComputeDiagnostics_BacklogWarning(t *testing.T) {
	hints := computeDiagnostics(diagInput{connected: true, pending: 7, maxBatch: 6})
	if len(hints) != 1 || hints[0].Key != "pending_backlog" || hints[0].Level != "warning" {
		t.Errorf("got %+v, want one pending_backlog warning", hints)
	}
}
