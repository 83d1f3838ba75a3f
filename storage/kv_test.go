package storage_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/sembus/bus"
	"github.com/c360studio/sembus/bus/bustest"
	"github.com/c360studio/sembus/event"
	"github.com/c360studio/sembus/storage"
)

func newKVStore(t *testing.T) *storage.KVStore {
	t.Helper()
	store, _ := newKVStoreConn(t)
	return store
}

func newKVStoreConn(t *testing.T, opts ...storage.KVOption) (*storage.KVStore, *bus.Conn) {
	t.Helper()
	srv := bustest.Server(t)
	conn := bustest.Connect(t, srv, true)

	store, err := storage.NewKVStore(context.Background(), conn.JetStream(), opts...)
	require.NoError(t, err)
	return store, conn
}

func kvKey(id string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(id))
}

// putRaw writes value under key in bucket, bypassing the store.
func putRaw(t *testing.T, conn *bus.Conn, bucket, key string, value []byte) {
	t.Helper()
	ctx := context.Background()
	kv, err := conn.JetStream().KeyValue(ctx, bucket)
	require.NoError(t, err)
	_, err = kv.Put(ctx, key, value)
	require.NoError(t, err)
}

// plantUnapplied stores rec as left behind by an attempt that claimed it
// at claimedAt and never updated the totals.
func plantUnapplied(t *testing.T, conn *bus.Conn, rec storage.UsageRecord, claimedAt time.Time) {
	t.Helper()
	rec.TotalsApplied = false
	rec.ClaimedAt = claimedAt
	data, err := json.Marshal(rec)
	require.NoError(t, err)
	putRaw(t, conn, storage.BucketUsageEvents, kvKey(rec.EventID), data)
}

func usageRecord(eventID, user, product string, unit event.UnitType, amount float64) storage.UsageRecord {
	return storage.UsageRecord{
		EventID:    eventID,
		UserID:     user,
		ProductID:  product,
		UnitType:   unit,
		Amount:     amount,
		OccurredAt: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC),
	}
}

func TestKVRecordUsageIdempotent(t *testing.T) {
	store := newKVStore(t)
	ctx := context.Background()

	rec := usageRecord("evt-1", "u-1", "chat", event.UnitToken, 150)

	recorded, err := store.RecordUsage(ctx, rec)
	require.NoError(t, err)
	assert.True(t, recorded)

	recorded, err = store.RecordUsage(ctx, rec)
	require.NoError(t, err)
	assert.False(t, recorded, "same event_id is recorded once")

	totals, err := store.UsageTotals(ctx, "u-1")
	require.NoError(t, err)
	require.Len(t, totals, 1)
	assert.Equal(t, 150.0, totals[0].Amount)
	assert.Equal(t, int64(1), totals[0].EventCount)
}

func TestKVUsageTotalsPerProductAndUnit(t *testing.T) {
	store := newKVStore(t)
	ctx := context.Background()

	for i, rec := range []storage.UsageRecord{
		usageRecord("e1", "u-1", "chat", event.UnitToken, 100),
		usageRecord("e2", "u-1", "chat", event.UnitToken, 50),
		usageRecord("e3", "u-1", "image.gen", event.UnitRequest, 2),
		usageRecord("e4", "u-2", "chat", event.UnitToken, 999),
	} {
		_, err := store.RecordUsage(ctx, rec)
		require.NoError(t, err, "record %d", i)
	}

	totals, err := store.UsageTotals(ctx, "u-1")
	require.NoError(t, err)
	require.Len(t, totals, 2)

	assert.Equal(t, "chat", totals[0].ProductID)
	assert.Equal(t, event.UnitToken, totals[0].UnitType)
	assert.Equal(t, 150.0, totals[0].Amount)
	assert.Equal(t, int64(2), totals[0].EventCount)

	assert.Equal(t, "image.gen", totals[1].ProductID)
	assert.Equal(t, 2.0, totals[1].Amount)

	none, err := store.UsageTotals(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestKVConcurrentTotals(t *testing.T) {
	store := newKVStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.RecordUsage(ctx, usageRecord(fmt.Sprintf("c-%d", i), "u-1", "chat", event.UnitToken, 10))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	totals, err := store.UsageTotals(ctx, "u-1")
	require.NoError(t, err)
	require.Len(t, totals, 1)
	assert.Equal(t, 50.0, totals[0].Amount)
	assert.Equal(t, int64(5), totals[0].EventCount)
}

func TestKVConcurrentDuplicatesCountOnce(t *testing.T) {
	store := newKVStore(t)
	ctx := context.Background()
	rec := usageRecord("dup-1", "u-1", "chat", event.UnitToken, 25)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		recorded int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.RecordUsage(ctx, rec)
			if err != nil {
				assert.ErrorIs(t, err, storage.ErrInFlight)
				return
			}
			if ok {
				mu.Lock()
				recorded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, recorded)

	// Retried deliveries see the applied record.
	ok, err := store.RecordUsage(ctx, rec)
	require.NoError(t, err)
	assert.False(t, ok)

	totals, err := store.UsageTotals(ctx, "u-1")
	require.NoError(t, err)
	require.Len(t, totals, 1)
	assert.Equal(t, 25.0, totals[0].Amount)
	assert.Equal(t, int64(1), totals[0].EventCount)
}

func TestKVRecordUsageLiveClaimIsInFlight(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	store, conn := newKVStoreConn(t,
		storage.WithClaimTimeout(30*time.Second),
		storage.WithKVClock(func() time.Time { return now }))
	ctx := context.Background()

	rec := usageRecord("evt-live", "u-1", "chat", event.UnitToken, 10)
	plantUnapplied(t, conn, rec, now.Add(-10*time.Second))

	ok, err := store.RecordUsage(ctx, rec)
	assert.ErrorIs(t, err, storage.ErrInFlight)
	assert.False(t, ok)

	totals, err := store.UsageTotals(ctx, "u-1")
	require.NoError(t, err)
	assert.Empty(t, totals)
}

func TestKVRecordUsageTakesOverExpiredClaim(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	store, conn := newKVStoreConn(t,
		storage.WithClaimTimeout(30*time.Second),
		storage.WithKVClock(func() time.Time { return now }))
	ctx := context.Background()

	rec := usageRecord("evt-stale", "u-1", "chat", event.UnitToken, 10)
	plantUnapplied(t, conn, rec, now.Add(-time.Minute))

	ok, err := store.RecordUsage(ctx, rec)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.RecordUsage(ctx, rec)
	require.NoError(t, err)
	assert.False(t, ok)

	totals, err := store.UsageTotals(ctx, "u-1")
	require.NoError(t, err)
	require.Len(t, totals, 1)
	assert.Equal(t, 10.0, totals[0].Amount)
	assert.Equal(t, int64(1), totals[0].EventCount)
}

func TestKVUsageTotalsReportsCorruptEntry(t *testing.T) {
	store, conn := newKVStoreConn(t)
	ctx := context.Background()

	_, err := store.RecordUsage(ctx, usageRecord("e1", "u-1", "chat", event.UnitToken, 5))
	require.NoError(t, err)
	putRaw(t, conn, storage.BucketUsageTotals, kvKey("u-1")+"."+kvKey("image")+".request", []byte("{not json"))

	totals, err := store.UsageTotals(ctx, "u-1")
	assert.Error(t, err)
	assert.Nil(t, totals)
}

func TestKVDeleteDeviceFailsOnCorruptMedia(t *testing.T) {
	store, conn := newKVStoreConn(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertDevice(ctx, storage.Device{DeviceID: "d-1", UserID: "u-1"}))
	require.NoError(t, store.PutMediaFile(ctx, storage.MediaFile{FileID: "f-1", UserID: "u-1", DeviceID: "d-1"}))
	putRaw(t, conn, storage.BucketMedia, kvKey("f-2"), []byte("{not json"))

	_, err := store.ListMediaByDevice(ctx, "d-1")
	assert.Error(t, err)

	_, err = store.DeleteDevice(ctx, "d-1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, storage.ErrNotFound)

	_, err = store.GetDevice(ctx, "d-1")
	assert.NoError(t, err, "device stays registered when its media can't be unlinked")
}

func TestKVRecordUsageRequiresEventID(t *testing.T) {
	store := newKVStore(t)
	_, err := store.RecordUsage(context.Background(), usageRecord("", "u-1", "chat", event.UnitToken, 1))
	assert.Error(t, err)
}

func TestKVDeviceLifecycle(t *testing.T) {
	store := newKVStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertDevice(ctx, storage.Device{DeviceID: "d-1", UserID: "u-1", Name: "phone"}))
	require.NoError(t, store.UpsertDevice(ctx, storage.Device{DeviceID: "d-1", UserID: "u-1", Name: "renamed"}))

	d, err := store.GetDevice(ctx, "d-1")
	require.NoError(t, err)
	assert.Equal(t, "renamed", d.Name)
	assert.False(t, d.RegisteredAt.IsZero())

	require.NoError(t, store.PutMediaFile(ctx, storage.MediaFile{FileID: "f-1", UserID: "u-1", DeviceID: "d-1"}))
	require.NoError(t, store.PutMediaFile(ctx, storage.MediaFile{FileID: "f-2", UserID: "u-1", DeviceID: "d-1"}))
	require.NoError(t, store.PutMediaFile(ctx, storage.MediaFile{FileID: "f-3", UserID: "u-1", DeviceID: "d-2"}))

	unlinked, err := store.DeleteDevice(ctx, "d-1")
	require.NoError(t, err)
	assert.Equal(t, 2, unlinked)

	_, err = store.GetDevice(ctx, "d-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	f, err := store.GetMediaFile(ctx, "f-1")
	require.NoError(t, err)
	assert.Empty(t, f.DeviceID)

	f, err = store.GetMediaFile(ctx, "f-3")
	require.NoError(t, err)
	assert.Equal(t, "d-2", f.DeviceID)

	// Deleting again reports the device as absent and changes nothing.
	unlinked, err = store.DeleteDevice(ctx, "d-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Zero(t, unlinked)
}

func TestKVGetMissing(t *testing.T) {
	store := newKVStore(t)
	ctx := context.Background()

	_, err := store.GetDevice(ctx, "absent")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = store.GetMediaFile(ctx, "absent")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	files, err := store.ListMediaByDevice(ctx, "absent")
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestKVStoreReopensBuckets(t *testing.T) {
	srv := bustest.Server(t)
	conn := bustest.Connect(t, srv, true)
	ctx := context.Background()

	first, err := storage.NewKVStore(ctx, conn.JetStream())
	require.NoError(t, err)
	require.NoError(t, first.UpsertDevice(ctx, storage.Device{DeviceID: "d-1", UserID: "u-1"}))

	second, err := storage.NewKVStore(ctx, conn.JetStream())
	require.NoError(t, err)
	_, err = second.GetDevice(ctx, "d-1")
	assert.NoError(t, err)
}

func TestNewUsageRecord(t *testing.T) {
	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	ev := &event.UsageEvent{
		UserID:       "u-1",
		ProductID:    "chat",
		UsageAmount:  42,
		UnitType:     event.UnitToken,
		UsageDetails: map[string]any{"service": "chat"},
		Timestamp:    "2026-03-14T09:26:53.589Z",
	}

	rec := storage.NewUsageRecord("evt-9", ev, now)
	assert.Equal(t, "evt-9", rec.EventID)
	assert.Equal(t, 42.0, rec.Amount)
	assert.Equal(t, time.Date(2026, 3, 14, 9, 26, 53, 589_000_000, time.UTC), rec.OccurredAt)
	assert.Equal(t, now, rec.RecordedAt)

	ev.Timestamp = "garbage"
	assert.Equal(t, now, storage.NewUsageRecord("evt-9", ev, now).OccurredAt)
}
