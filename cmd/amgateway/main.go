// Command amgateway bridges an MQTT topic and a single TCP peer speaking the
// `name=value#` frame protocol.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/amgateway/amgateway/internal/api"
	"github.com/amgateway/amgateway/internal/bus"
	"github.com/amgateway/amgateway/internal/config"
	"github.com/amgateway/amgateway/internal/ingest"
	"github.com/amgateway/amgateway/internal/metrics"
	"github.com/amgateway/amgateway/internal/monitor"
	"github.com/amgateway/amgateway/internal/session"
	"github.com/amgateway/amgateway/internal/snapshot"
	"github.com/amgateway/amgateway/internal/store"
	"github.com/amgateway/amgateway/internal/ws"
)

type flags struct {
	configPath string
	port       int
	broker     string
	topic      string
	stash      string
	httpListen string
	logLevel   string
	verbose    bool
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		slog.Error("amgateway stopped", "err", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var f flags
	fs := pflag.NewFlagSet("amgateway", pflag.ContinueOnError)
	fs.StringVarP(&f.configPath, "config", "c", "", "path to YAML config file (optional)")
	fs.IntVarP(&f.port, "port", "p", config.DefaultListenPort, "TCP port for the peer")
	fs.StringVar(&f.broker, "broker", config.DefaultBroker, "MQTT broker URL")
	fs.StringVarP(&f.topic, "topic", "t", "", "MQTT topic to bridge")
	fs.StringVar(&f.stash, "stash", config.DefaultSnapshotPath, "snapshot file; empty disables persistence")
	fs.StringVar(&f.httpListen, "http", "", "status server address, e.g. :8080; empty disables it")
	fs.StringVar(&f.logLevel, "log-level", config.DefaultLogLevel, "debug|info|warn|error")
	fs.BoolVarP(&f.verbose, "verbose", "v", false, "shorthand for --log-level=debug")
	if err := fs.Parse(args); err != nil {
		return err
	}

	level := new(slog.LevelVar)
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})))

	cfg, err := config.Read(f.configPath)
	if err != nil {
		return err
	}
	applyFlags(cfg, fs, f)
	if err := config.Validate(cfg); err != nil {
		return err
	}
	level.Set(cfg.Log.SlogLevel())

	slog.Info("amgateway starting",
		"config", f.configPath,
		"backend", cfg.Bus.Backend,
		"broker", cfg.Bus.Broker,
		"topic", cfg.Bus.Topic,
		"port", cfg.Peer.ListenPort,
		"snapshot", cfg.Persistence.Path,
		"on_failure", cfg.Bus.OnFailure,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	m := metrics.New()
	st := store.New()
	persist := snapshot.New(cfg.Persistence.Path)

	b := newBus(cfg.Bus)
	defer b.Close()

	policy, err := ingest.ParsePolicy(cfg.Bus.OnFailure)
	if err != nil {
		return err
	}
	worker := ingest.New(b, cfg.Bus.Topic, st, policy, m)

	pub := bus.NewPublisher(b, cfg.Bus.Topic, cfg.Bus.PublishBuffer)
	pub.OnDrop(m.PublishDropped.Inc)

	srv := session.New(session.Options{
		Port:         cfg.Peer.ListenPort,
		PollInterval: cfg.Peer.PollInterval,
		WriteTimeout: cfg.Peer.WriteTimeout,
		Limits:       cfg.Peer.Limits(),
	}, st, persist, pub, m)

	mon := monitor.New(st, persist, cfg.Monitor.Interval, m)

	m.Gauge("store_records", "Variables currently held.", func() float64 { return float64(st.Len()) })
	m.Gauge("store_pending", "Variables waiting to be sent to the peer.", func() float64 { return float64(st.PendingCount()) })
	m.Gauge("peer_connected", "1 while a peer session is active.", func() float64 {
		if srv.Connected() {
			return 1
		}
		return 0
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return worker.Run(gctx) })
	g.Go(func() error { pub.Run(gctx); return nil })
	g.Go(func() error { mon.Run(gctx); return nil })
	g.Go(func() error { return srv.Run(gctx) })

	if cfg.HTTP.Listen != "" {
		hub := ws.New(st, srv, cfg.HTTP.BroadcastInterval)
		g.Go(func() error { hub.Run(gctx); return nil })
		g.Go(func() error { return serveHTTP(gctx, cfg.HTTP.Listen, st, srv, hub, m) })
	}

	if f.configPath != "" {
		g.Go(func() error {
			err := config.Watch(gctx, f.configPath, func(updated *config.Config) {
				if err := config.ValidateLimits(updated.Peer.Limits()); err != nil {
					slog.Error("config reload: limits rejected", "err", err)
					return
				}
				srv.SetLimits(updated.Peer.Limits())
				if !f.verbose && !fs.Changed("log-level") {
					level.Set(updated.Log.SlogLevel())
				}
				slog.Info("config hot-reloaded", "log_level", level.Level().String())
			})
			if err != nil {
				slog.Error("config watcher stopped", "err", err)
			}
			return nil
		})
	}

	err = g.Wait()
	slog.Info("amgateway shutting down")
	return err
}

// applyFlags overlays explicitly set command-line flags on cfg.
func applyFlags(cfg *config.Config, fs *pflag.FlagSet, f flags) {
	if fs.Changed("port") {
		cfg.Peer.ListenPort = f.port
	}
	if fs.Changed("broker") {
		cfg.Bus.Broker = f.broker
	}
	if fs.Changed("topic") {
		cfg.Bus.Topic = f.topic
	}
	if fs.Changed("stash") {
		cfg.Persistence.Path = f.stash
	}
	if fs.Changed("http") {
		cfg.HTTP.Listen = f.httpListen
	}
	if fs.Changed("log-level") {
		cfg.Log.Level = f.logLevel
	}
	if f.verbose {
		cfg.Log.Level = "debug"
	}
}

func newBus(c config.BusConfig) bus.Bus {
	if c.Backend == "memory" {
		return bus.NewMemory()
	}
	return bus.NewMQTT(bus.MQTTOptions{
		Broker:   c.Broker,
		ClientID: c.ClientID,
		Username: c.Username,
		Password: c.Password(),
		QoS:      byte(c.QoS),
	})
}

// serveHTTP runs the status server until ctx is cancelled. The status server
// is optional, so a failure to bind or serve is logged and the rest of the
// gateway keeps running.
func serveHTTP(ctx context.Context, addr string, st *store.Store, srv *session.Server, hub *ws.Hub, m *metrics.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/api/", api.New(st, srv, m))
	mux.Handle("/ws/stream", hub)
	mux.Handle("/metrics", m.Handler())

	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		slog.Info("status server listening", "addr", addr)
		errc <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			slog.Error("status server stopped", "addr", addr, "err", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	}
}
