package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/amgateway/amgateway/internal/metrics"
	"github.com/amgateway/amgateway/internal/session"
	"github.com/amgateway/amgateway/internal/store"
)

// SessionStatus reports the state of the peer session.
type SessionStatus interface {
	Status() session.Status
}

// Handler is the HTTP handler for all /api/v1/* endpoints.
type Handler struct {
	store   *store.Store
	session SessionStatus
	metrics *metrics.Registry
	mux     *http.ServeMux
}

// New creates a Handler reading from st and sess and registers all routes.
// m feeds the health diagnostics and may be nil.
func New(st *store.Store, sess SessionStatus, m *metrics.Registry) http.Handler {
	h := &Handler{store: st, session: sess, metrics: m, mux: http.NewServeMux()}

	h.mux.HandleFunc("/api/v1/health", h.health)
	h.mux.HandleFunc("/api/v1/variables", h.listVariables)
	h.mux.HandleFunc("/api/v1/variables/", h.getVariable) // subtree, extracts {name}
	h.mux.HandleFunc("/api/v1/snapshot", h.snapshot)

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// --- route handlers ---------------------------------------------------------

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	st := h.session.Status()
	resp := HealthResponse{
		State:         "waiting",
		PeerConnected: st.State == session.Active.String(),
		Session:       st,
		RecordCount:   h.store.Len(),
		PendingCount:  h.store.PendingCount(),
	}
	if resp.PeerConnected {
		resp.State = "ok"
	}

	in := diagInput{
		connected: resp.PeerConnected,
		pending:   resp.PendingCount,
		maxBatch:  st.MaxBatch,
	}
	if h.metrics != nil {
		in.snapshotErrors = h.metrics.SnapshotErrors.Value()
		in.publishDropped = h.metrics.PublishDropped.Value()
		in.parseErrors = h.metrics.BusParseErrors.Value()
	}
	resp.Diagnostics = computeDiagnostics(in)
	jsonResp(w, http.StatusOK, resp)
}

func (h *Handler) listVariables(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	jsonResp(w, http.StatusOK, variables(h.store))
}

func (h *Handler) getVariable(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	name := strings.TrimPrefix(r.URL.Path, "/api/v1/variables/")
	if name == "" {
		h.listVariables(w, r)
		return
	}

	rec, ok := h.store.Get(name)
	if !ok {
		jsonErr(w, http.StatusNotFound, "variable not found")
		return
	}
	jsonResp(w, http.StatusOK, toVariableResponse(rec))
}

func (h *Handler) snapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	jsonResp(w, http.StatusOK, BuildSnapshot(h.store, h.session))
}

// BuildSnapshot assembles the full status document. The ws hub broadcasts
// the same payload.
func BuildSnapshot(st *store.Store, sess SessionStatus) SnapshotResponse {
	return SnapshotResponse{
		Variables:   variables(st),
		Session:     sess.Status(),
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
	}
}

// --- helpers ----------------------------------------------------------------

func variables(st *store.Store) []VariableResponse {
	recs := st.List()
	out := make([]VariableResponse, 0, len(recs))
	for _, r := range recs {
		out = append(out, toVariableResponse(r))
	}
	return out
}

func toVariableResponse(r store.Record) VariableResponse {
	v := VariableResponse{
		Name:              r.Name,
		Value:             r.Value,
		ReceivedAt:        r.ReceivedAt.UTC().Format(time.RFC3339),
		Dirty:             r.Dirty,
		PeerAuthoritative: r.PeerAuthoritative,
	}
	if !r.SentAt.IsZero() {
		v.SentAt = r.SentAt.UTC().Format(time.RFC3339)
	}
	return v
}

func jsonResp(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	jsonResp(w, code, errorResponse{Error: msg})
}
