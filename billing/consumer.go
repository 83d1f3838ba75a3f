// Package billing consumes usage events and records them in the usage
// ledger exactly once per event.
package billing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/c360studio/sembus/event"
	"github.com/c360studio/sembus/metrics"
	"github.com/c360studio/sembus/storage"
	"github.com/c360studio/sembus/subscriber"
)

// Option customizes a Consumer.
type Option func(*Consumer)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Consumer) { c.logger = logger }
}

// WithMetrics records usage amounts.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Consumer) { c.metrics = m }
}

// WithClock sets the time source for recorded_at.
func WithClock(now func() time.Time) Option {
	return func(c *Consumer) { c.now = now }
}

// Consumer records billing.usage.recorded events.
type Consumer struct {
	ledger  storage.UsageLedger
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	recorded   atomic.Int64
	duplicates atomic.Int64
}

// Stats counts handled events.
type Stats struct {
	Recorded   int64 `json:"recorded"`
	Duplicates int64 `json:"duplicates"`
}

// NewConsumer creates a Consumer writing to ledger.
func NewConsumer(ledger storage.UsageLedger, opts ...Option) *Consumer {
	c := &Consumer{
		ledger: ledger,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register subscribes the consumer to every product's usage subject.
func (c *Consumer) Register(sub *subscriber.Subscriber) error {
	return sub.Handle(event.SubjectUsageRecordedAll, subscriber.Typed(c.HandleUsage))
}

// HandleUsage records one usage event. Ledger failures are returned so the
// delivery is retried; a duplicate event_id is acknowledged without a
// second increment.
func (c *Consumer) HandleUsage(ctx context.Context, ev *event.UsageEvent, msg *subscriber.Message) error {
	eventID := msg.EventID
	if eventID == "" {
		eventID = derivedEventID(msg.Subject, msg.Data)
	}

	rec := storage.NewUsageRecord(eventID, ev, c.now())
	inserted, err := c.ledger.RecordUsage(ctx, rec)
	if err != nil {
		return fmt.Errorf("record usage %s: %w", eventID, err)
	}

	if !inserted {
		c.duplicates.Add(1)
		c.logger.Info("Duplicate usage event ignored",
			"event_id", eventID,
			"user_id", ev.UserID,
			"product_id", ev.ProductID)
		return nil
	}

	c.recorded.Add(1)
	if c.metrics != nil {
		c.metrics.UsageRecorded.WithLabelValues(ev.ProductID, string(ev.UnitType)).Add(ev.UsageAmount)
	}
	c.logger.Debug("Usage recorded",
		"event_id", eventID,
		"user_id", ev.UserID,
		"product_id", ev.ProductID,
		"unit_type", ev.UnitType,
		"amount", ev.UsageAmount)
	return nil
}

// Stats returns the handled event counts.
func (c *Consumer) Stats() Stats {
	return Stats{
		Recorded:   c.recorded.Load(),
		Duplicates: c.duplicates.Load(),
	}
}

// derivedEventID identifies a delivery that arrived without an event_id
// header. Redeliveries of the same message map to the same ID.
func derivedEventID(subject string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(subject))
	h.Write([]byte{0})
	h.Write(data)
	return "sha256-" + hex.EncodeToString(h.Sum(nil))
}
