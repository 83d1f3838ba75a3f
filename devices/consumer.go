// Package devices keeps the device registry in step with device and media
// events.
package devices

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/c360studio/sembus/event"
	"github.com/c360studio/sembus/storage"
	"github.com/c360studio/sembus/subscriber"
)

// Consumer applies device.registered, device.deleted and
// media.file.uploaded events to a DeviceRegistry.
type Consumer struct {
	registry storage.DeviceRegistry
	logger   *slog.Logger

	registered    atomic.Int64
	deleted       atomic.Int64
	alreadyAbsent atomic.Int64
	mediaUploaded atomic.Int64
	filesUnlinked atomic.Int64
}

// Stats counts applied events.
type Stats struct {
	Registered    int64 `json:"registered"`
	Deleted       int64 `json:"deleted"`
	AlreadyAbsent int64 `json:"already_absent"`
	MediaUploaded int64 `json:"media_uploaded"`
	FilesUnlinked int64 `json:"files_unlinked"`
}

// NewConsumer creates a Consumer. A nil logger uses slog.Default.
func NewConsumer(registry storage.DeviceRegistry, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{registry: registry, logger: logger}
}

// Register subscribes the handlers.
func (c *Consumer) Register(sub *subscriber.Subscriber) error {
	if err := sub.Handle(event.TypeDeviceRegistered, subscriber.Typed(c.HandleRegistered)); err != nil {
		return err
	}
	if err := sub.Handle(event.TypeDeviceDeleted, subscriber.Typed(c.HandleDeleted)); err != nil {
		return err
	}
	return sub.Handle(event.TypeMediaFileUploaded, subscriber.Typed(c.HandleMediaUploaded))
}

// HandleRegistered upserts the device.
func (c *Consumer) HandleRegistered(ctx context.Context, ev *event.DeviceRegistered, _ *subscriber.Message) error {
	err := c.registry.UpsertDevice(ctx, storage.Device{
		DeviceID:     ev.DeviceID,
		UserID:       ev.UserID,
		Name:         ev.Name,
		DeviceType:   ev.DeviceType,
		RegisteredAt: ev.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("register device %s: %w", ev.DeviceID, err)
	}

	c.registered.Add(1)
	c.logger.Debug("Device registered", "device_id", ev.DeviceID, "user_id", ev.UserID)
	return nil
}

// HandleDeleted removes the device and unlinks its media files. A device
// that is already gone is a successful no-op, so redeliveries and events
// for devices this registry never saw are acknowledged.
func (c *Consumer) HandleDeleted(ctx context.Context, ev *event.DeviceDeleted, _ *subscriber.Message) error {
	unlinked, err := c.registry.DeleteDevice(ctx, ev.DeviceID)
	if errors.Is(err, storage.ErrNotFound) {
		c.alreadyAbsent.Add(1)
		c.logger.Info("Device already absent, nothing to clean up",
			"device_id", ev.DeviceID,
			"user_id", ev.UserID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("delete device %s: %w", ev.DeviceID, err)
	}

	c.deleted.Add(1)
	c.filesUnlinked.Add(int64(unlinked))
	c.logger.Info("Device deleted",
		"device_id", ev.DeviceID,
		"user_id", ev.UserID,
		"media_unlinked", unlinked)
	return nil
}

// HandleMediaUploaded stores the media file record.
func (c *Consumer) HandleMediaUploaded(ctx context.Context, ev *event.MediaFileUploaded, _ *subscriber.Message) error {
	err := c.registry.PutMediaFile(ctx, storage.MediaFile{
		FileID:      ev.FileID,
		UserID:      ev.UserID,
		DeviceID:    ev.DeviceID,
		ContentType: ev.ContentType,
		SizeBytes:   ev.SizeBytes,
		UploadedAt:  ev.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("store media file %s: %w", ev.FileID, err)
	}

	c.mediaUploaded.Add(1)
	c.logger.Debug("Media file stored", "file_id", ev.FileID, "device_id", ev.DeviceID)
	return nil
}

// Stats returns the applied event counts.
func (c *Consumer) Stats() Stats {
	return Stats{
		Registered:    c.registered.Load(),
		Deleted:       c.deleted.Load(),
		AlreadyAbsent: c.alreadyAbsent.Load(),
		MediaUploaded: c.mediaUploaded.Load(),
		FilesUnlinked: c.filesUnlinked.Load(),
	}
}
