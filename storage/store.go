// Package storage persists what the bus consumers learn from events: the
// usage ledger and the device registry. The NATS KV implementation lives
// here; storage/postgres provides a SQL one.
package storage

import (
	"context"
	"time"

	"github.com/c360studio/sembus/event"
)

// UsageRecord is one usage event as recorded in the ledger.
type UsageRecord struct {
	EventID    string         `json:"event_id"`
	UserID     string         `json:"user_id"`
	ProductID  string         `json:"product_id"`
	UnitType   event.UnitType `json:"unit_type"`
	Amount     float64        `json:"amount"`
	Details    map[string]any `json:"details,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
	RecordedAt time.Time      `json:"recorded_at"`
	// TotalsApplied is set once the amount was added to the totals.
	TotalsApplied bool `json:"totals_applied"`
	// ClaimedAt is when the attempt applying the totals took the record.
	ClaimedAt time.Time `json:"claimed_at"`
}

// NewUsageRecord builds the ledger record for ev delivered as eventID.
func NewUsageRecord(eventID string, ev *event.UsageEvent, now time.Time) UsageRecord {
	return UsageRecord{
		EventID:    eventID,
		UserID:     ev.UserID,
		ProductID:  ev.ProductID,
		UnitType:   ev.UnitType,
		Amount:     ev.UsageAmount,
		Details:    ev.UsageDetails,
		OccurredAt: ev.OccurredAt(now).UTC(),
		RecordedAt: now.UTC(),
	}
}

// UsageTotal is the accumulated usage of one user for one product and unit.
type UsageTotal struct {
	UserID     string         `json:"user_id"`
	ProductID  string         `json:"product_id"`
	UnitType   event.UnitType `json:"unit_type"`
	Amount     float64        `json:"amount"`
	EventCount int64          `json:"event_count"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Device is a registered user device.
type Device struct {
	DeviceID     string    `json:"device_id"`
	UserID       string    `json:"user_id"`
	Name         string    `json:"name,omitempty"`
	DeviceType   string    `json:"device_type,omitempty"`
	RegisteredAt time.Time `json:"registered_at"`
}

// MediaFile is an uploaded file, optionally linked to a device.
type MediaFile struct {
	FileID      string    `json:"file_id"`
	UserID      string    `json:"user_id"`
	DeviceID    string    `json:"device_id,omitempty"`
	ContentType string    `json:"content_type,omitempty"`
	SizeBytes   int64     `json:"size_bytes"`
	UploadedAt  time.Time `json:"uploaded_at"`
}

// UsageLedger records usage events and their running totals.
type UsageLedger interface {
	// RecordUsage stores rec and adds it to the totals. It reports false
	// without touching the totals when rec.EventID was already recorded.
	RecordUsage(ctx context.Context, rec UsageRecord) (bool, error)
	// UsageTotals lists the totals of userID ordered by product and unit.
	UsageTotals(ctx context.Context, userID string) ([]UsageTotal, error)
}

// DeviceRegistry tracks devices and the media files linked to them.
type DeviceRegistry interface {
	UpsertDevice(ctx context.Context, d Device) error
	GetDevice(ctx context.Context, deviceID string) (*Device, error)
	// DeleteDevice removes the device and unlinks its media files,
	// returning how many were unlinked. ErrNotFound means the device was
	// already absent.
	DeleteDevice(ctx context.Context, deviceID string) (int, error)
	PutMediaFile(ctx context.Context, f MediaFile) error
	GetMediaFile(ctx context.Context, fileID string) (*MediaFile, error)
	ListMediaByDevice(ctx context.Context, deviceID string) ([]*MediaFile, error)
}

// Store is a complete storage backend.
type Store interface {
	UsageLedger
	DeviceRegistry
	Close() error
}
