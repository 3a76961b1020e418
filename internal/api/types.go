package api

import "github.com/amgateway/amgateway/internal/session"

// HealthResponse is the payload for GET /api/v1/health.
type HealthResponse struct {
	// State is "ok" while a peer is connected and "waiting" otherwise.
	State         string           `json:"state"`
	PeerConnected bool             `json:"peer_connected"`
	Session       session.Status   `json:"session"`
	RecordCount   int              `json:"record_count"`
	PendingCount  int              `json:"pending_count"`
	Diagnostics   []DiagnosticHint `json:"diagnostics"`
}

// VariableResponse is one record in GET /api/v1/variables or
// GET /api/v1/variables/{name}.
type VariableResponse struct {
	Name              string `json:"name"`
	Value             string `json:"value"`
	ReceivedAt        string `json:"received_at"`       // RFC3339
	SentAt            string `json:"sent_at,omitempty"` // RFC3339; empty if never sent
	Dirty             bool   `json:"dirty"`
	PeerAuthoritative bool   `json:"peer_authoritative"`
}

// SnapshotResponse is the payload for GET /api/v1/snapshot and the ws stream.
type SnapshotResponse struct {
	Variables   []VariableResponse `json:"variables"`
	Session     session.Status     `json:"session"`
	GeneratedAt string             `json:"generated_at"` // RFC3339
}

// errorResponse is a generic JSON error body.
type errorResponse struct {
	Error string `json:"error"`
}
