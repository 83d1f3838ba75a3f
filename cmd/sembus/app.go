package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/c360studio/sembus/api"
	"github.com/c360studio/sembus/billing"
	"github.com/c360studio/sembus/bus"
	"github.com/c360studio/sembus/config"
	"github.com/c360studio/sembus/devices"
	"github.com/c360studio/sembus/discovery"
	"github.com/c360studio/sembus/metrics"
	"github.com/c360studio/sembus/publisher"
	"github.com/c360studio/sembus/storage"
	"github.com/c360studio/sembus/storage/postgres"
	"github.com/c360studio/sembus/subscriber"
	"github.com/c360studio/sembus/tracing"
)

// App is the main application that wires together all components.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	// NATS
	embedded *bus.Embedded
	conn     *bus.Conn

	// Storage
	store  storage.Store
	checks map[string]api.Check

	// Event handling
	sub       *subscriber.Subscriber
	pub       *publisher.Publisher
	billing   *billing.Consumer
	devices   *devices.Consumer
	stopTrace func(context.Context) error

	// HTTP
	httpServer *http.Server
	httpAddr   string
	errCh      chan error
}

// NewApp creates a new application instance.
func NewApp(cfg *config.Config, logger *slog.Logger) *App {
	if logger == nil {
		logger = slog.Default()
	}
	return &App{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.New(),
		checks:  make(map[string]api.Check),
		errCh:   make(chan error, 1),
	}
}

// Start initializes and starts all components. On error the components
// started so far stay running until Shutdown.
func (a *App) Start(ctx context.Context) error {
	stopTrace, err := tracing.Setup(ctx, a.cfg.Tracing, a.cfg.Service, a.logger)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	a.stopTrace = stopTrace

	if err := a.startBus(ctx); err != nil {
		return fmt.Errorf("start NATS: %w", err)
	}

	if err := a.openStorage(ctx); err != nil {
		return fmt.Errorf("initialize storage: %w", err)
	}

	if err := a.startConsumers(ctx); err != nil {
		return fmt.Errorf("start consumers: %w", err)
	}

	a.pub = publisher.New(publisher.ConfigFrom(a.cfg), nil,
		publisher.WithConn(a.conn),
		publisher.WithLogger(a.logger),
		publisher.WithMetrics(a.metrics))

	if err := a.startHTTP(); err != nil {
		return fmt.Errorf("start HTTP server: %w", err)
	}

	a.logger.Info("Sembus ready",
		"version", Version,
		"service", a.cfg.Service,
		"http_addr", a.httpAddr,
		"storage", a.cfg.Storage.Backend,
		"jetstream", a.conn.JetStreamEnabled())
	return nil
}

func (a *App) startBus(ctx context.Context) error {
	opts := bus.OptionsFromConfig(a.cfg.Service, a.cfg.NATS)

	var conn *bus.Conn
	if a.cfg.NATS.Embedded {
		srv, err := bus.RunEmbedded(bus.EmbeddedOptions{
			Port:      a.cfg.NATS.EmbeddedPort,
			JetStream: a.cfg.NATS.JetStream,
			StoreDir:  a.cfg.NATS.StoreDir,
		})
		if err != nil {
			return err
		}
		a.embedded = srv
		a.logger.Info("Embedded NATS server started", "url", srv.ClientURL())

		// In-process server: no reconnect management needed.
		conn, err = bus.Connect(ctx, srv.ClientURL(), opts)
		if err != nil {
			return err
		}
	} else {
		url := a.cfg.NATS.URL
		if url == "" {
			resolver, err := newResolver(a.cfg, a.logger)
			if err != nil {
				return err
			}
			ep, err := resolver.Resolve(ctx, a.cfg.Discovery.Consul.Service)
			if err != nil {
				return fmt.Errorf("discover NATS: %w", err)
			}
			url = ep.URL()
		}

		a.logger.Info("Connecting to NATS", "url", url)
		var err error
		conn, err = bus.Dial(ctx, url, opts)
		if err != nil {
			return err
		}
	}
	a.conn = conn
	a.checks["bus"] = conn.Ping

	if conn.JetStreamEnabled() {
		if _, err := bus.EnsureStream(ctx, conn.JetStream(), a.cfg.NATS.Stream); err != nil {
			return err
		}
		a.logger.Debug("JetStream stream ready", "stream", a.cfg.NATS.Stream.Name)
	}
	return nil
}

func (a *App) openStorage(ctx context.Context) error {
	switch a.cfg.Storage.Backend {
	case config.StoragePostgres:
		if err := postgres.Migrate(ctx, a.cfg.Storage.PostgresURL); err != nil {
			return err
		}
		st, err := postgres.Open(ctx, a.cfg.Storage.PostgresURL)
		if err != nil {
			return err
		}
		a.store = st
		a.checks["storage"] = st.Ping
	default:
		st, err := storage.NewKVStore(ctx, a.conn.JetStream(),
			storage.WithClaimTimeout(a.cfg.Subscriber.AckWait))
		if err != nil {
			return err
		}
		a.store = st
	}
	return nil
}

func (a *App) startConsumers(ctx context.Context) error {
	sub, err := subscriber.New(a.conn, subscriber.ConfigFrom(a.cfg),
		subscriber.WithLogger(a.logger),
		subscriber.WithMetrics(a.metrics))
	if err != nil {
		return err
	}

	a.billing = billing.NewConsumer(a.store,
		billing.WithLogger(a.logger),
		billing.WithMetrics(a.metrics))
	if err := a.billing.Register(sub); err != nil {
		return fmt.Errorf("register billing consumer: %w", err)
	}

	a.devices = devices.NewConsumer(a.store, a.logger)
	if err := a.devices.Register(sub); err != nil {
		return fmt.Errorf("register device consumer: %w", err)
	}

	if err := sub.Start(ctx); err != nil {
		return err
	}
	a.sub = sub
	return nil
}

func (a *App) startHTTP() error {
	router := api.NewRouter(api.Deps{
		Publisher: a.pub,
		Ledger:    a.store,
		Registry:  a.store,
		Metrics:   a.metrics,
		Checks:    a.checks,
		Stats:     a.stats,
		Logger:    a.logger,
	})

	ln, err := net.Listen("tcp", a.cfg.HTTP.Addr)
	if err != nil {
		return err
	}
	a.httpAddr = ln.Addr().String()
	a.httpServer = &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := a.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.errCh <- err
		}
	}()
	return nil
}

func (a *App) stats() map[string]any {
	return map[string]any{
		"billing": a.billing.Stats(),
		"devices": a.devices.Stats(),
	}
}

// Errors reports fatal errors from background servers.
func (a *App) Errors() <-chan error { return a.errCh }

// Shutdown gracefully stops all components.
func (a *App) Shutdown(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	a.logger.Info("Shutting down")

	if a.httpServer != nil {
		if err := a.httpServer.Shutdown(ctx); err != nil {
			a.logger.Warn("HTTP server shutdown failed", "error", err)
		}
	}
	if a.sub != nil {
		a.sub.Stop()
	}
	if a.pub != nil {
		if err := a.pub.Close(ctx); err != nil {
			a.logger.Warn("Publisher close failed", "error", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("Storage close failed", "error", err)
		}
	}
	if a.conn != nil {
		if err := a.conn.Close(ctx); err != nil {
			a.logger.Warn("NATS close failed", "error", err)
		}
	}
	if a.embedded != nil {
		a.embedded.Shutdown()
	}
	if a.stopTrace != nil {
		if err := a.stopTrace(ctx); err != nil {
			a.logger.Warn("Tracing shutdown failed", "error", err)
		}
	}

	a.logger.Info("Sembus shutdown complete")
}

// newResolver locates the bus: a configured URL wins, then Consul with an
// environment fallback, then the environment alone.
func newResolver(cfg *config.Config, logger *slog.Logger) (discovery.Resolver, error) {
	if cfg.NATS.URL != "" {
		return discovery.URLResolver(cfg.NATS.URL)
	}

	env := discovery.EnvResolver{}
	if !cfg.Discovery.Consul.Enabled {
		return env, nil
	}

	consul, err := discovery.NewConsulResolver(cfg.Discovery.Consul.Address, cfg.Discovery.Consul.Tag)
	if err != nil {
		return nil, fmt.Errorf("create consul resolver: %w", err)
	}
	return &discovery.FallbackResolver{Primary: consul, Fallback: env, Logger: logger}, nil
}
