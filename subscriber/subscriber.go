// Package subscriber routes bus deliveries to handlers.
//
// With JetStream every handler gets its own durable consumer with explicit
// acknowledgement: a nil result acks, an error naks with a delay so the
// message is redelivered, and a Permanent error (or a payload that cannot
// be decoded) terminates delivery. Without JetStream handlers run on queue
// subscriptions and failures are only logged.
package subscriber

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/c360studio/sembus/bus"
	"github.com/c360studio/sembus/config"
	"github.com/c360studio/sembus/event"
	"github.com/c360studio/sembus/metrics"
	"github.com/c360studio/sembus/tracing"
)

var (
	// ErrPermanent marks failures that redelivery cannot fix.
	ErrPermanent = errors.New("permanent failure")
	// ErrRunning is returned when handlers are registered after Start.
	ErrRunning = errors.New("subscriber already running")
)

// Permanent wraps err so the delivery is terminated instead of retried.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}

// Message is one delivery.
type Message struct {
	Subject   string
	EventType string
	EventID   string
	Source    string
	Data      []byte
	Header    nats.Header
	// Delivered counts delivery attempts; always 1 without JetStream.
	Delivered uint64
}

func newMessage(subject string, data []byte, header nats.Header) *Message {
	m := &Message{Subject: subject, Data: data, Header: header, Delivered: 1}
	if header != nil {
		m.EventType = header.Get(event.HeaderEventType)
		m.EventID = header.Get(event.HeaderEventID)
		m.Source = header.Get(event.HeaderSource)
	}
	if m.EventType == "" {
		m.EventType = event.TypeForSubject(subject)
	}
	return m
}

// Handler processes a delivery.
type Handler func(ctx context.Context, msg *Message) error

// Typed adapts fn to a Handler that decodes the payload through the event
// registry. Undecodable payloads and unexpected types are permanent
// failures.
func Typed[T event.Event](fn func(ctx context.Context, ev T, msg *Message) error) Handler {
	return func(ctx context.Context, msg *Message) error {
		ev, err := event.Decode(msg.EventType, msg.Data)
		if err != nil {
			return Permanent(fmt.Errorf("decode %s: %w", msg.EventType, err))
		}
		typed, ok := ev.(T)
		if !ok {
			return Permanent(fmt.Errorf("event %s decoded to %T", msg.EventType, ev))
		}
		return fn(ctx, typed, msg)
	}
}

// Config configures a Subscriber.
type Config struct {
	// Stream holds the events when the connection uses JetStream.
	Stream        string
	Queue         string
	DurablePrefix string
	AckWait       time.Duration
	MaxDeliver    int
	NakDelay      time.Duration
	DedupeSize    int
}

// ConfigFrom derives subscriber settings from the service config.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Stream:        cfg.NATS.Stream.Name,
		Queue:         cfg.Subscriber.Queue,
		DurablePrefix: cfg.Subscriber.DurablePrefix,
		AckWait:       cfg.Subscriber.AckWait,
		MaxDeliver:    cfg.Subscriber.MaxDeliver,
		NakDelay:      cfg.Subscriber.NakDelay,
		DedupeSize:    cfg.Subscriber.DedupeSize,
	}
}

// Option customizes a Subscriber.
type Option func(*Subscriber)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Subscriber) { s.logger = logger }
}

// WithMetrics records delivery outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Subscriber) { s.metrics = m }
}

type route struct {
	subject string
	handler Handler
}

// Subscriber dispatches deliveries to registered handlers.
type Subscriber struct {
	conn    *bus.Conn
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	seen    *lru.Cache[string, struct{}]

	mu       sync.Mutex
	routes   []route
	running  bool
	cancel   context.CancelFunc
	consumes []jetstream.ConsumeContext
	subs     []*nats.Subscription
}

// New creates a Subscriber on conn.
func New(conn *bus.Conn, cfg Config, opts ...Option) (*Subscriber, error) {
	if cfg.DedupeSize <= 0 {
		cfg.DedupeSize = 10000
	}
	if cfg.AckWait <= 0 {
		cfg.AckWait = 30 * time.Second
	}
	if cfg.MaxDeliver == 0 {
		cfg.MaxDeliver = -1
	}
	if cfg.DurablePrefix == "" {
		cfg.DurablePrefix = "sembus"
	}

	seen, err := lru.New[string, struct{}](cfg.DedupeSize)
	if err != nil {
		return nil, fmt.Errorf("create dedupe cache: %w", err)
	}

	s := &Subscriber{
		conn:   conn,
		cfg:    cfg,
		logger: slog.Default(),
		seen:   seen,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Handle registers h for subject. Wildcards are allowed.
func (s *Subscriber) Handle(subject string, h Handler) error {
	if strings.TrimSpace(subject) == "" {
		return fmt.Errorf("subject is required")
	}
	if h == nil {
		return fmt.Errorf("handler for %s is nil", subject)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrRunning
	}
	s.routes = append(s.routes, route{subject: subject, handler: h})
	return nil
}

// Start activates every registered handler.
func (s *Subscriber) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrRunning
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.running = true

	for _, r := range s.routes {
		var err error
		if s.conn.JetStreamEnabled() {
			err = s.startConsumer(ctx, runCtx, r)
		} else {
			err = s.startQueueSubscription(runCtx, r)
		}
		if err != nil {
			s.stopLocked()
			return err
		}
	}

	s.logger.Info("Subscriber started",
		"handlers", len(s.routes),
		"jetstream", s.conn.JetStreamEnabled())
	return nil
}

// Stop stops all handlers. In-flight deliveries that were not acked are
// redelivered by JetStream.
func (s *Subscriber) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	s.stopLocked()
	s.logger.Info("Subscriber stopped")
}

func (s *Subscriber) stopLocked() {
	for _, cc := range s.consumes {
		cc.Stop()
	}
	for _, sub := range s.subs {
		if err := sub.Drain(); err != nil {
			s.logger.Debug("Drain subscription", "subject", sub.Subject, "error", err)
		}
	}
	s.consumes = nil
	s.subs = nil
	if s.cancel != nil {
		s.cancel()
	}
	s.running = false
}

// DurableName returns the consumer name used for subject.
func DurableName(prefix, subject string) string {
	return prefix + "-" + durableReplacer.Replace(subject)
}

var durableReplacer = strings.NewReplacer(
	".", "_",
	"*", "any",
	">", "all",
	" ", "_",
	"/", "_",
	"\\", "_",
)

func (s *Subscriber) startConsumer(ctx, runCtx context.Context, r route) error {
	js := s.conn.JetStream()
	name := DurableName(s.cfg.DurablePrefix, r.subject)

	consumer, err := js.CreateOrUpdateConsumer(ctx, s.cfg.Stream, jetstream.ConsumerConfig{
		Durable:       name,
		FilterSubject: r.subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       s.cfg.AckWait,
		MaxDeliver:    s.cfg.MaxDeliver,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", name, err)
	}

	cc, err := consumer.Consume(func(m jetstream.Msg) {
		s.handleJetStream(runCtx, r, m)
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", name, err)
	}
	s.consumes = append(s.consumes, cc)

	s.logger.Debug("Consumer started", "consumer", name, "subject", r.subject)
	return nil
}

func (s *Subscriber) startQueueSubscription(runCtx context.Context, r route) error {
	sub, err := s.conn.NATS().QueueSubscribe(r.subject, s.cfg.Queue, func(m *nats.Msg) {
		msg := newMessage(m.Subject, m.Data, m.Header)
		ctx := tracing.Extract(runCtx, m)
		outcome := s.dispatch(ctx, r, msg)
		s.record(r.subject, outcome)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", r.subject, err)
	}
	s.subs = append(s.subs, sub)
	return nil
}

func (s *Subscriber) handleJetStream(runCtx context.Context, r route, m jetstream.Msg) {
	msg := newMessage(m.Subject(), m.Data(), m.Headers())
	if md, err := m.Metadata(); err == nil {
		msg.Delivered = md.NumDelivered
	}

	ctx := runCtx
	if msg.Header != nil {
		ctx = tracing.Extract(runCtx, &nats.Msg{Header: msg.Header})
	}

	outcome := s.dispatch(ctx, r, msg)

	var err error
	switch outcome {
	case metrics.OutcomeAck, metrics.OutcomeDuplicate:
		err = m.Ack()
	case metrics.OutcomeTerm:
		err = m.Term()
	default:
		err = m.NakWithDelay(s.cfg.NakDelay)
	}
	if err != nil {
		s.logger.Warn("Failed to settle message",
			"subject", msg.Subject,
			"event_id", msg.EventID,
			"outcome", outcome,
			"error", err)
	}
	s.record(r.subject, outcome)
}

// dispatch runs the handler and classifies the result as one of the
// metrics outcomes ack, nak, term or duplicate.
func (s *Subscriber) dispatch(ctx context.Context, r route, msg *Message) string {
	key := ""
	if msg.EventID != "" {
		key = r.subject + "|" + msg.EventID
		if s.seen.Contains(key) {
			s.logger.Debug("Skipping duplicate delivery",
				"subject", msg.Subject,
				"event_id", msg.EventID)
			return metrics.OutcomeDuplicate
		}
	}

	ctx, span := tracing.Tracer().Start(ctx, "handle "+msg.EventType,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "nats"),
			attribute.String("messaging.destination.name", msg.Subject),
			attribute.String("event.type", msg.EventType),
			attribute.String("event.id", msg.EventID),
			attribute.Int64("messaging.delivery_count", int64(msg.Delivered)),
		))
	defer span.End()

	handlerCtx, cancel := context.WithTimeout(ctx, s.cfg.AckWait)
	defer cancel()

	err := s.invoke(handlerCtx, r.handler, msg)
	if err == nil {
		if key != "" {
			s.seen.Add(key, struct{}{})
		}
		return metrics.OutcomeAck
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	if IsPermanent(err) {
		s.logger.Error("Dropping event after permanent failure",
			"subject", msg.Subject,
			"event_type", msg.EventType,
			"event_id", msg.EventID,
			"error", err)
		return metrics.OutcomeTerm
	}

	s.logger.Warn("Event handler failed",
		"subject", msg.Subject,
		"event_type", msg.EventType,
		"event_id", msg.EventID,
		"delivered", msg.Delivered,
		"error", err)
	return metrics.OutcomeNak
}

func (s *Subscriber) invoke(ctx context.Context, h Handler, msg *Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return h(ctx, msg)
}

func (s *Subscriber) record(subject, outcome string) {
	if s.metrics != nil {
		s.metrics.EventsHandled.WithLabelValues(subject, outcome).Inc()
	}
}
