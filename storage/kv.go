package storage

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// Bucket names.
const (
	BucketUsageEvents = "SEMBUS_USAGE_EVENTS"
	BucketUsageTotals = "SEMBUS_USAGE_TOTALS"
	BucketDevices     = "SEMBUS_DEVICES"
	BucketMedia       = "SEMBUS_MEDIA"
)

// maxUpdateAttempts bounds optimistic update retries.
const maxUpdateAttempts = 10

// DefaultClaimTimeout matches the JetStream default AckWait.
const DefaultClaimTimeout = 30 * time.Second

// KVStore implements Store on NATS KV buckets.
type KVStore struct {
	usage   jetstream.KeyValue
	totals  jetstream.KeyValue
	devices jetstream.KeyValue
	media   jetstream.KeyValue
	now     func() time.Time

	// claimTimeout is how long an unfinished usage record stays owned by
	// the attempt that wrote it.
	claimTimeout time.Duration
}

var _ Store = (*KVStore)(nil)

// KVOption configures a KVStore.
type KVOption func(*KVStore)

// WithClaimTimeout sets how long a usage record being applied blocks
// duplicate deliveries. It should match the consumer AckWait.
func WithClaimTimeout(d time.Duration) KVOption {
	return func(s *KVStore) {
		if d > 0 {
			s.claimTimeout = d
		}
	}
}

// WithKVClock overrides the clock used for timestamps and claims.
func WithKVClock(now func() time.Time) KVOption {
	return func(s *KVStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewKVStore opens the buckets, creating any that don't exist.
func NewKVStore(ctx context.Context, js jetstream.JetStream, opts ...KVOption) (*KVStore, error) {
	usage, err := getOrCreateBucket(ctx, js, BucketUsageEvents)
	if err != nil {
		return nil, fmt.Errorf("create usage events bucket: %w", err)
	}

	totals, err := getOrCreateBucket(ctx, js, BucketUsageTotals)
	if err != nil {
		return nil, fmt.Errorf("create usage totals bucket: %w", err)
	}

	devices, err := getOrCreateBucket(ctx, js, BucketDevices)
	if err != nil {
		return nil, fmt.Errorf("create devices bucket: %w", err)
	}

	media, err := getOrCreateBucket(ctx, js, BucketMedia)
	if err != nil {
		return nil, fmt.Errorf("create media bucket: %w", err)
	}

	s := &KVStore{
		usage:        usage,
		totals:       totals,
		devices:      devices,
		media:        media,
		now:          time.Now,
		claimTimeout: DefaultClaimTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func getOrCreateBucket(ctx context.Context, js jetstream.JetStream, name string) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, name)
	if err == nil {
		return kv, nil
	}
	return js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: fmt.Sprintf("Sembus %s storage", strings.ToLower(name)),
		History:     5,
	})
}

// Close is a no-op; the buckets live as long as the connection.
func (s *KVStore) Close() error { return nil }

// RecordUsage implements UsageLedger.
//
// The record is written first with a claim timestamp and flagged once its
// amount is in the totals. A duplicate that finds an unflagged record
// with a live claim gets ErrInFlight and must be retried later. Only an
// expired claim is taken over, so a single attempt applies the totals
// unless the previous one stalled past the claim timeout.
func (s *KVStore) RecordUsage(ctx context.Context, rec UsageRecord) (bool, error) {
	if rec.EventID == "" {
		return false, fmt.Errorf("record usage: event_id is required")
	}
	key := encodeKey(rec.EventID)
	now := s.now().UTC()

	rec.TotalsApplied = false
	rec.ClaimedAt = now
	data, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("marshal usage record: %w", err)
	}

	revision, err := s.usage.Create(ctx, key, data)
	switch {
	case err == nil:
	case isConflict(err):
		rec, revision, err = s.takeOver(ctx, key, now)
		if err != nil || revision == 0 {
			return false, err
		}
	default:
		return false, fmt.Errorf("store usage record: %w", err)
	}

	if err := s.addToTotal(ctx, rec); err != nil {
		s.releaseClaim(ctx, key, rec, revision)
		return false, err
	}

	rec.TotalsApplied = true
	data, err = json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("marshal usage record: %w", err)
	}
	if _, err := s.usage.Update(ctx, key, data, revision); err != nil {
		return false, fmt.Errorf("mark usage record applied: %w", err)
	}
	return true, nil
}

// takeOver claims an existing usage record whose earlier attempt stopped
// before the totals were updated. A zero revision with a nil error means
// the record is already applied.
func (s *KVStore) takeOver(ctx context.Context, key string, now time.Time) (UsageRecord, uint64, error) {
	var existing UsageRecord

	entry, err := s.usage.Get(ctx, key)
	if err != nil {
		return existing, 0, fmt.Errorf("get usage record: %w", err)
	}
	if err := json.Unmarshal(entry.Value(), &existing); err != nil {
		return existing, 0, fmt.Errorf("unmarshal usage record: %w", err)
	}
	if existing.TotalsApplied {
		return existing, 0, nil
	}
	if now.Sub(existing.ClaimedAt) < s.claimTimeout {
		return existing, 0, fmt.Errorf("usage record %s: %w", existing.EventID, ErrInFlight)
	}

	existing.ClaimedAt = now
	data, err := json.Marshal(existing)
	if err != nil {
		return existing, 0, fmt.Errorf("marshal usage record: %w", err)
	}
	revision, err := s.usage.Update(ctx, key, data, entry.Revision())
	if err != nil {
		if isConflict(err) {
			return existing, 0, fmt.Errorf("usage record %s: %w", existing.EventID, ErrInFlight)
		}
		return existing, 0, fmt.Errorf("claim usage record: %w", err)
	}
	return existing, revision, nil
}

// releaseClaim clears the claim after a failed attempt so the redelivery
// does not wait out the claim timeout. Failures leave the claim to expire.
func (s *KVStore) releaseClaim(ctx context.Context, key string, rec UsageRecord, revision uint64) {
	rec.ClaimedAt = time.Time{}
	data, err := json.Marshal(rec)
	if err != nil {
		return
	}
	_, _ = s.usage.Update(ctx, key, data, revision)
}

func (s *KVStore) addToTotal(ctx context.Context, rec UsageRecord) error {
	key := totalKey(rec.UserID, rec.ProductID, string(rec.UnitType))

	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		total := UsageTotal{
			UserID:    rec.UserID,
			ProductID: rec.ProductID,
			UnitType:  rec.UnitType,
		}

		var revision uint64
		entry, err := s.totals.Get(ctx, key)
		switch {
		case err == nil:
			if err := json.Unmarshal(entry.Value(), &total); err != nil {
				return fmt.Errorf("unmarshal usage total: %w", err)
			}
			revision = entry.Revision()
		case isNotFound(err):
		default:
			return fmt.Errorf("get usage total: %w", err)
		}

		total.Amount += rec.Amount
		total.EventCount++
		total.UpdatedAt = s.now().UTC()

		data, err := json.Marshal(total)
		if err != nil {
			return fmt.Errorf("marshal usage total: %w", err)
		}

		if revision == 0 {
			_, err = s.totals.Create(ctx, key, data)
		} else {
			_, err = s.totals.Update(ctx, key, data, revision)
		}
		if err == nil {
			return nil
		}
		if !isConflict(err) {
			return fmt.Errorf("update usage total: %w", err)
		}
	}
	return fmt.Errorf("update usage total %s: %w", key, ErrConflict)
}

// UsageTotals implements UsageLedger.
func (s *KVStore) UsageTotals(ctx context.Context, userID string) ([]UsageTotal, error) {
	keys, err := s.totals.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list usage total keys: %w", err)
	}

	prefix := encodeKey(userID) + "."
	totals := make([]UsageTotal, 0)
	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		entry, err := s.totals.Get(ctx, key)
		if err != nil {
			if isNotFound(err) {
				continue
			}
			return nil, fmt.Errorf("get usage total: %w", err)
		}
		var t UsageTotal
		if err := json.Unmarshal(entry.Value(), &t); err != nil {
			return nil, fmt.Errorf("unmarshal usage total %s: %w", key, err)
		}
		totals = append(totals, t)
	}

	sort.Slice(totals, func(i, j int) bool {
		if totals[i].ProductID != totals[j].ProductID {
			return totals[i].ProductID < totals[j].ProductID
		}
		return totals[i].UnitType < totals[j].UnitType
	})
	return totals, nil
}

// UpsertDevice implements DeviceRegistry.
func (s *KVStore) UpsertDevice(ctx context.Context, d Device) error {
	if d.RegisteredAt.IsZero() {
		d.RegisteredAt = s.now().UTC()
	}
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal device: %w", err)
	}
	if _, err := s.devices.Put(ctx, encodeKey(d.DeviceID), data); err != nil {
		return fmt.Errorf("store device: %w", err)
	}
	return nil
}

// GetDevice implements DeviceRegistry.
func (s *KVStore) GetDevice(ctx context.Context, deviceID string) (*Device, error) {
	entry, err := s.devices.Get(ctx, encodeKey(deviceID))
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get device: %w", err)
	}

	var d Device
	if err := json.Unmarshal(entry.Value(), &d); err != nil {
		return nil, fmt.Errorf("unmarshal device: %w", err)
	}
	return &d, nil
}

// DeleteDevice implements DeviceRegistry.
func (s *KVStore) DeleteDevice(ctx context.Context, deviceID string) (int, error) {
	if _, err := s.GetDevice(ctx, deviceID); err != nil {
		return 0, err
	}

	files, err := s.ListMediaByDevice(ctx, deviceID)
	if err != nil {
		return 0, err
	}
	for _, f := range files {
		f.DeviceID = ""
		if err := s.PutMediaFile(ctx, *f); err != nil {
			return 0, fmt.Errorf("unlink media file %s: %w", f.FileID, err)
		}
	}

	if err := s.devices.Delete(ctx, encodeKey(deviceID)); err != nil {
		return 0, fmt.Errorf("delete device: %w", err)
	}
	return len(files), nil
}

// PutMediaFile implements DeviceRegistry.
func (s *KVStore) PutMediaFile(ctx context.Context, f MediaFile) error {
	if f.UploadedAt.IsZero() {
		f.UploadedAt = s.now().UTC()
	}
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal media file: %w", err)
	}
	if _, err := s.media.Put(ctx, encodeKey(f.FileID), data); err != nil {
		return fmt.Errorf("store media file: %w", err)
	}
	return nil
}

// GetMediaFile implements DeviceRegistry.
func (s *KVStore) GetMediaFile(ctx context.Context, fileID string) (*MediaFile, error) {
	entry, err := s.media.Get(ctx, encodeKey(fileID))
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get media file: %w", err)
	}

	var f MediaFile
	if err := json.Unmarshal(entry.Value(), &f); err != nil {
		return nil, fmt.Errorf("unmarshal media file: %w", err)
	}
	return &f, nil
}

// ListMediaByDevice implements DeviceRegistry.
func (s *KVStore) ListMediaByDevice(ctx context.Context, deviceID string) ([]*MediaFile, error) {
	keys, err := s.media.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list media keys: %w", err)
	}

	files := make([]*MediaFile, 0)
	for _, key := range keys {
		entry, err := s.media.Get(ctx, key)
		if err != nil {
			if isNotFound(err) {
				continue
			}
			return nil, fmt.Errorf("get media file: %w", err)
		}
		var f MediaFile
		if err := json.Unmarshal(entry.Value(), &f); err != nil {
			return nil, fmt.Errorf("unmarshal media file %s: %w", key, err)
		}
		if f.DeviceID == deviceID {
			files = append(files, &f)
		}
	}
	return files, nil
}

// encodeKey maps an arbitrary identifier onto the KV key alphabet.
func encodeKey(id string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(id))
}

func totalKey(userID, productID, unit string) string {
	return encodeKey(userID) + "." + encodeKey(productID) + "." + unit
}

func isNotFound(err error) bool {
	return errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted)
}

// isConflict reports whether a Create or Update lost against another
// writer.
func isConflict(err error) bool {
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}
