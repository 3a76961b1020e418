package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/amgateway/amgateway/internal/bus"
	"github.com/amgateway/amgateway/internal/frame"
	"github.com/amgateway/amgateway/internal/metrics"
	"github.com/amgateway/amgateway/internal/selector"
	"github.com/amgateway/amgateway/internal/snapshot"
	"github.com/amgateway/amgateway/internal/store"
)

// readBufferSize is the size of one socket read. A read that fills it may
// have stopped mid-frame.
const readBufferSize = 4096

// State is the lifecycle position of the peer session.
type State int32

const (
	AwaitingConnection State = iota
	Active
	Closing
)

func (s State) String() string {
	switch s {
	case AwaitingConnection:
		return "awaiting_connection"
	case Active:
		return "active"
	case Closing:
		return "closing"
	default:
		return "unknown"
	}
}

// Publisher forwards peer writes to the bus without blocking.
type Publisher interface {
	Publish(payload string)
}

// Options configures a Server.
type Options struct {
	// Host is the listen address; empty listens on all interfaces.
	Host string
	// Port is the TCP port; 0 picks a free port on every listen.
	Port int

	PollInterval time.Duration
	WriteTimeout time.Duration
	Limits       selector.Limits
}

// Status is a point-in-time view of the session for the status API.
type Status struct {
	State       string    `json:"state"`
	SessionID   string    `json:"session_id,omitempty"`
	Remote      string    `json:"remote,omitempty"`
	ConnectedAt time.Time `json:"connected_at,omitempty"`
	Listen      string    `json:"listen,omitempty"`
	MaxBatch    int       `json:"max_batch"`
}

// Server runs the peer session state machine.
type Server struct {
	opts      Options
	store     *store.Store
	persist   snapshot.Persister
	publisher Publisher
	metrics   *metrics.Registry

	limits atomic.Pointer[selector.Limits]
	state  atomic.Int32
	retry  *bus.Backoff

	mu          sync.Mutex
	addr        net.Addr
	sessionID   string
	remote      string
	connectedAt time.Time

	now func() time.Time
}

// New creates a Server. m may be nil.
func New(opts Options, st *store.Store, p snapshot.Persister, pub Publisher, m *metrics.Registry) *Server {
	if m == nil {
		m = metrics.New()
	}
	s := &Server{
		opts:      opts,
		store:     st,
		persist:   p,
		publisher: pub,
		metrics:   m,
		retry:     bus.NewBackoff(),
		now:       time.Now,
	}
	l := opts.Limits
	s.limits.Store(&l)
	return s
}

// SetLimits replaces the batch limits used from the next cycle on.
func (s *Server) SetLimits(l selector.Limits) {
	s.limits.Store(&l)
	slog.Info("session: batch limits updated",
		"max_batch", l.MaxBatch, "max_stale_send", l.MaxStaleSend,
		"discard_age", l.DiscardAge, "update_age", l.UpdateAge)
}

// Limits returns the batch limits in effect.
func (s *Server) Limits() selector.Limits { return *s.limits.Load() }

// State returns the current lifecycle state.
func (s *Server) State() State { return State(s.state.Load()) }

func (s *Server) setState(st State) { s.state.Store(int32(st)) }

// Addr returns the listener address while AwaitingConnection, else nil.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Connected reports whether a peer is being served.
func (s *Server) Connected() bool { return s.State() == Active }

// Status returns the current session status.
func (s *Server) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{State: s.State().String(), MaxBatch: s.Limits().MaxBatch}
	if s.addr != nil {
		st.Listen = s.addr.String()
	}
	if s.sessionID != "" {
		st.SessionID = s.sessionID
		st.Remote = s.remote
		st.ConnectedAt = s.connectedAt
	}
	return st
}

// Run serves peers one after another until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	for {
		s.setState(AwaitingConnection)
		s.restore()

		conn, ok := s.acceptRetrying(ctx)
		if !ok {
			return nil
		}

		s.serve(ctx, conn)
		if ctx.Err() != nil {
			return nil
		}
	}
}

// acceptRetrying accepts one peer, retrying listen and accept failures with
// backoff. The store is left alone between attempts. It returns false once
// ctx is cancelled.
func (s *Server) acceptRetrying(ctx context.Context) (net.Conn, bool) {
	for {
		conn, err := s.accept(ctx)
		if ctx.Err() != nil {
			if conn != nil {
				conn.Close()
			}
			return nil, false
		}
		if err == nil {
			s.retry.Reset()
			return conn, true
		}

		wait := s.retry.Next()
		slog.Error("session: accept failed, will retry", "err", err, "retry_in", wait)
		if !bus.Sleep(ctx, wait) {
			return nil, false
		}
	}
}

// restore loads the snapshot into the store. With persistence disabled the
// store carries over unchanged.
func (s *Server) restore() {
	if !s.persist.Enabled() {
		return
	}
	records, err := s.persist.Load()
	if err != nil {
		s.metrics.SnapshotErrors.Inc()
		slog.Error("session: snapshot load failed, starting empty", "err", err)
		records = nil
	}
	s.store.ReplaceAll(records)
	slog.Info("session: store restored", "records", len(records))
}

// accept listens and waits for exactly one connection. The listener is
// closed before returning.
func (s *Server) accept(ctx context.Context) (net.Conn, error) {
	addr := net.JoinHostPort(s.opts.Host, strconv.Itoa(s.opts.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("session: listen %s: %w", addr, err)
	}
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	s.mu.Lock()
	s.addr = ln.Addr()
	s.mu.Unlock()
	slog.Info("session: awaiting peer", "addr", ln.Addr().String())

	conn, err := ln.Accept()

	ln.Close()
	s.mu.Lock()
	s.addr = nil
	s.mu.Unlock()

	if err != nil {
		return nil, fmt.Errorf("session: accept: %w", err)
	}
	return conn, nil
}

type chunk struct {
	data      string
	truncated bool
	err       error
}

// serve runs one Active session and then Closing.
func (s *Server) serve(ctx context.Context, conn net.Conn) {
	id := uuid.NewString()
	log := slog.With("session", id, "remote", conn.RemoteAddr().String())

	s.mu.Lock()
	s.sessionID = id
	s.remote = conn.RemoteAddr().String()
	s.connectedAt = s.now()
	s.mu.Unlock()

	s.metrics.Sessions.Inc()
	s.setState(Active)
	log.Info("session: peer connected")

	err := s.active(ctx, conn, log)

	s.setState(Closing)
	conn.Close()
	switch {
	case ctx.Err() != nil:
		log.Info("session: shutting down")
	case errors.Is(err, io.EOF):
		log.Info("session: peer disconnected")
	default:
		log.Warn("session: connection failed", "err", err)
	}

	if s.persist.Enabled() {
		if err := s.persist.Save(s.store.SnapshotCopy()); err != nil {
			s.metrics.SnapshotErrors.Inc()
			log.Error("session: snapshot save failed", "err", err)
		}
	}

	s.mu.Lock()
	s.sessionID, s.remote, s.connectedAt = "", "", time.Time{}
	s.mu.Unlock()
}

// active runs the read/apply/send loop until the connection fails or ctx is
// cancelled.
func (s *Server) active(ctx context.Context, conn net.Conn, log *slog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	chunks := make(chan chunk)
	go readLoop(ctx, conn, chunks)

	var dec frame.Decoder
	drain := func() error {
		for {
			select {
			case c := <-chunks:
				if c.err != nil {
					return c.err
				}
				s.apply(dec.Feed(c.data, c.truncated), log)
			default:
				return nil
			}
		}
	}

	if err := s.cycle(conn, log); err != nil {
		return err
	}

	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c := <-chunks:
			if c.err != nil {
				return c.err
			}
			s.apply(dec.Feed(c.data, c.truncated), log)
		case <-ticker.C:
			// Frames that arrived with this tick are applied before selecting.
			if err := drain(); err != nil {
				return err
			}
			if err := s.cycle(conn, log); err != nil {
				return err
			}
		}
	}
}

func readLoop(ctx context.Context, conn net.Conn, out chan<- chunk) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			select {
			case out <- chunk{data: string(buf[:n]), truncated: n == len(buf)}:
			case <-ctx.Done():
				return
			}
		}
		if err != nil {
			select {
			case out <- chunk{err: err}:
			case <-ctx.Done():
			}
			return
		}
	}
}

// apply handles decoded inbound frames in order.
func (s *Server) apply(results []frame.Result, log *slog.Logger) {
	now := s.now()
	for _, r := range results {
		s.metrics.PeerFrames.Inc()
		if r.Err != nil {
			s.metrics.PeerFrameErrors.Inc()
			log.Warn("session: discarding malformed frame", "raw", r.Raw, "err", r.Err)
			continue
		}

		f := r.Frame
		if f.IsSync() {
			if !s.store.Sync(f.Value, now) {
				log.Debug("session: sync for unknown variable", "name", f.Value)
			}
			continue
		}

		s.publisher.Publish(f.Assignment())
		created := s.store.PeerWrite(f.Name, f.Value, now)
		log.Debug("session: peer write", "name", f.Name, "value", f.Value, "created", created)
	}
}

// cycle selects one batch and writes it.
func (s *Server) cycle(conn net.Conn, log *slog.Logger) error {
	now := s.now()
	b := selector.Select(s.store, now, s.Limits())

	if len(b.Evict) > 0 {
		s.metrics.Evictions.Add(len(b.Evict))
		log.Debug("session: evicted", "names", b.Evict)
	}
	if b.Frames() == 0 {
		return nil
	}

	if err := conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout)); err != nil {
		s.store.Requeue(b.Send)
		return fmt.Errorf("session: set write deadline: %w", err)
	}
	if _, err := io.WriteString(conn, b.Payload); err != nil {
		s.store.Requeue(b.Send)
		return fmt.Errorf("session: write: %w", err)
	}

	s.metrics.BatchesSent.Inc()
	s.metrics.FramesSent.Add(b.Frames())
	log.Debug("session: batch sent", "frames", b.Frames(), "fresh", b.Fresh, "stale", b.Stale)
	return nil
}
