// Package publisher turns domain events into bus messages.
//
// Publish is the strict form and returns a classified error. Notify and
// PublishUsage are the best-effort forms used on request paths: every
// failure is logged at WARN and reported as false, nothing escapes to the
// caller.
package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/c360studio/sembus/bus"
	"github.com/c360studio/sembus/config"
	"github.com/c360studio/sembus/discovery"
	"github.com/c360studio/sembus/event"
	"github.com/c360studio/sembus/metrics"
	"github.com/c360studio/sembus/tracing"
)

// Publication failures, tested with errors.Is.
var (
	ErrInvalidEvent = errors.New("invalid event")
	ErrDiscovery    = errors.New("bus discovery failed")
	ErrConnect      = errors.New("bus connection failed")
	ErrSerialize    = errors.New("event serialization failed")
	ErrPublish      = errors.New("event publish failed")
	ErrClosed       = errors.New("publisher closed")
)

// Dialer opens a bus connection to url.
type Dialer func(ctx context.Context, url string) (*bus.Conn, error)

// Config configures a Publisher.
type Config struct {
	// Source is sent in the event_source header.
	Source string
	// DiscoveryService is the registry name the bus is looked up under.
	DiscoveryService string
	// Timeout bounds one publish including discovery, dial and ack.
	Timeout   time.Duration
	Workers   int
	QueueSize int
	Bus       bus.Options
	// Stream, when set, is created or updated after a JetStream dial.
	Stream *config.StreamConfig
}

// ConfigFrom derives publisher settings from the service config.
func ConfigFrom(cfg *config.Config) Config {
	stream := cfg.NATS.Stream
	return Config{
		Source:           cfg.Service,
		DiscoveryService: cfg.Discovery.Consul.Service,
		Timeout:          cfg.Publisher.Timeout,
		Workers:          cfg.Publisher.Workers,
		QueueSize:        cfg.Publisher.QueueSize,
		Bus:              bus.OptionsFromConfig(cfg.Service, cfg.NATS),
		Stream:           &stream,
	}
}

// Option customizes a Publisher.
type Option func(*Publisher)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) { p.logger = logger }
}

// WithMetrics records publish outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Publisher) { p.metrics = m }
}

// WithDialer replaces the default plain-client dialer.
func WithDialer(d Dialer) Option {
	return func(p *Publisher) { p.dial = d }
}

// WithConn publishes on an existing connection. Discovery is skipped and
// Close leaves the connection open.
func WithConn(conn *bus.Conn) Option {
	return func(p *Publisher) { p.conn = conn }
}

// WithClock sets the time source for usage timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *Publisher) { p.now = now }
}

// Publisher publishes events on the bus. It is safe for concurrent use.
type Publisher struct {
	cfg      Config
	resolver discovery.Resolver
	dial     Dialer
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
	pool     *workerPool

	mu       sync.Mutex
	conn     *bus.Conn
	ownsConn bool
	closed   bool
}

// New creates a Publisher that locates the bus through resolver on first
// use. The connection is reused for later publishes.
func New(cfg Config, resolver discovery.Resolver, opts ...Option) *Publisher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1
	}
	if cfg.DiscoveryService == "" {
		cfg.DiscoveryService = "nats"
	}

	p := &Publisher{
		cfg:      cfg,
		resolver: resolver,
		logger:   slog.Default(),
		now:      time.Now,
	}
	p.dial = func(ctx context.Context, url string) (*bus.Conn, error) {
		return bus.Connect(ctx, url, p.cfg.Bus)
	}
	for _, opt := range opts {
		opt(p)
	}

	p.pool = newWorkerPool(cfg.Workers, cfg.QueueSize, p.logger, func() {
		if p.metrics != nil {
			p.metrics.AsyncQueueDepth.Dec()
		}
	})
	return p
}

// Publish validates ev, publishes it and waits for the bus to accept it.
func (p *Publisher) Publish(ctx context.Context, ev event.Event) (err error) {
	if ev == nil {
		return fmt.Errorf("%w: nil event", ErrInvalidEvent)
	}
	eventType := ev.Type()
	start := time.Now()
	defer func() { p.observe(eventType, start, err) }()

	if err := ev.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}
	if p.isClosed() {
		return ErrClosed
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSerialize, err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	subject := ev.Subject()
	ctx, span := tracing.Tracer().Start(ctx, "publish "+eventType,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "nats"),
			attribute.String("messaging.destination.name", subject),
			attribute.String("event.type", eventType),
		))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	conn, err := p.connection(ctx)
	if err != nil {
		return err
	}

	eventID := uuid.NewString()
	msg := nats.NewMsg(subject)
	msg.Data = data
	msg.Header.Set(event.HeaderEventType, eventType)
	msg.Header.Set(event.HeaderEventID, eventID)
	msg.Header.Set(event.HeaderSource, p.cfg.Source)
	msg.Header.Set(nats.MsgIdHdr, eventID)
	tracing.Inject(ctx, msg)
	span.SetAttributes(attribute.String("event.id", eventID))

	if err := conn.PublishMsg(ctx, msg); err != nil {
		p.dropIfDead(conn)
		return fmt.Errorf("%w: %w", ErrPublish, err)
	}

	p.logger.Debug("Event published",
		"event_type", eventType,
		"event_id", eventID,
		"subject", subject)
	return nil
}

// Notify publishes ev and reports success. Failures are logged at WARN.
func (p *Publisher) Notify(ctx context.Context, ev event.Event) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Warn("Event publish panicked", "panic", r)
			ok = false
		}
	}()

	if err := p.Publish(ctx, ev); err != nil {
		attrs := []any{"error", err}
		if ev != nil {
			attrs = append(attrs, "event_type", ev.Type(), "subject", ev.Subject())
		}
		p.logger.Warn("Failed to publish event", attrs...)
		return false
	}
	return true
}

// PublishUsage builds a usage event from in and publishes it to
// billing.usage.recorded.{product_id}. It returns true only when the bus
// accepted the event. Missing usage metrics and every delivery failure are
// logged at WARN and return false.
func (p *Publisher) PublishUsage(ctx context.Context, in event.UsageInput) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Warn("Usage publish panicked", "user_id", in.UserID, "panic", r)
			ok = false
		}
	}()

	ev, err := event.NewUsageEvent(in, p.now())
	if err != nil {
		p.logger.Warn("Usage event not published",
			"user_id", in.UserID,
			"service", in.Service,
			"error", err)
		if p.metrics != nil {
			p.metrics.EventsPublished.WithLabelValues(event.TypeUsageRecorded, metrics.OutcomeSkipped).Inc()
		}
		return false
	}
	return p.Notify(ctx, ev)
}

// PublishUsageAsync queues PublishUsage on the worker pool and returns
// whether the publication was queued. A full queue drops it with a WARN.
// Cancellation of ctx does not abort a queued publication.
func (p *Publisher) PublishUsageAsync(ctx context.Context, in event.UsageInput) bool {
	detached := context.WithoutCancel(ctx)

	// Counted before submit: a worker may dequeue before trySubmit returns.
	if p.metrics != nil {
		p.metrics.AsyncQueueDepth.Inc()
	}
	queued := p.pool.trySubmit(func(context.Context) {
		p.PublishUsage(detached, in)
	})
	if !queued {
		p.logger.Warn("Usage publish queue full, dropping event",
			"user_id", in.UserID,
			"service", in.Service)
		if p.metrics != nil {
			p.metrics.AsyncQueueDepth.Dec()
			p.metrics.EventsPublished.WithLabelValues(event.TypeUsageRecorded, metrics.OutcomeDropped).Inc()
		}
		return false
	}
	return true
}

// Close waits for queued publications, then closes a connection the
// publisher dialed itself.
func (p *Publisher) Close(ctx context.Context) error {
	poolErr := p.pool.close(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return poolErr
	}
	p.closed = true

	if p.conn != nil && p.ownsConn {
		if err := p.conn.Close(ctx); err != nil {
			return errors.Join(poolErr, err)
		}
	}
	p.conn = nil
	return poolErr
}

func (p *Publisher) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// connection returns the shared connection, resolving and dialing it on
// first use. A failed attempt leaves no state behind so the next publish
// tries again.
func (p *Publisher) connection(ctx context.Context) (*bus.Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrClosed
	}
	if p.conn != nil {
		return p.conn, nil
	}
	if p.resolver == nil {
		return nil, fmt.Errorf("%w: no resolver configured", ErrDiscovery)
	}

	ep, err := p.resolver.Resolve(ctx, p.cfg.DiscoveryService)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDiscovery, err)
	}

	conn, err := p.dial(ctx, ep.URL())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnect, err)
	}

	if conn.JetStreamEnabled() && p.cfg.Stream != nil {
		if _, err := bus.EnsureStream(ctx, conn.JetStream(), *p.cfg.Stream); err != nil {
			_ = conn.Close(context.Background())
			return nil, fmt.Errorf("%w: %w", ErrConnect, err)
		}
	}

	p.logger.Info("Connected to event bus", "address", ep.Address(), "jetstream", conn.JetStreamEnabled())
	p.conn = conn
	p.ownsConn = true
	return conn, nil
}

// dropIfDead forgets an owned connection that the client has given up on.
func (p *Publisher) dropIfDead(conn *bus.Conn) {
	if conn.NATS() == nil || !conn.NATS().IsClosed() {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == conn && p.ownsConn {
		p.conn = nil
	}
}

func (p *Publisher) observe(eventType string, start time.Time, err error) {
	if p.metrics == nil {
		return
	}
	outcome := metrics.OutcomeOK
	switch {
	case errors.Is(err, ErrInvalidEvent):
		outcome = metrics.OutcomeSkipped
	case err != nil:
		outcome = metrics.OutcomeFailed
	default:
		p.metrics.PublishDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	}
	p.metrics.EventsPublished.WithLabelValues(eventType, outcome).Inc()
}
