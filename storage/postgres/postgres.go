// Package postgres implements storage.Store on PostgreSQL. The schema is
// managed with goose migrations embedded in the binary.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/c360studio/sembus/event"
	"github.com/c360studio/sembus/storage"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store is the PostgreSQL storage backend.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

var _ storage.Store = (*Store)(nil)

// Open connects to dbURL and fails fast if the database is unreachable.
func Open(ctx context.Context, dbURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &Store{pool: pool, now: time.Now}, nil
}

// Migrate applies pending migrations.
func Migrate(ctx context.Context, dbURL string) error {
	db, err := sql.Open("pgx", dbURL)
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	defer db.Close()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// RecordUsage implements storage.UsageLedger. The ledger row and the totals
// update commit together; a duplicate event_id inserts nothing.
func (s *Store) RecordUsage(ctx context.Context, rec storage.UsageRecord) (bool, error) {
	if rec.EventID == "" {
		return false, fmt.Errorf("record usage: event_id is required")
	}

	details := rec.Details
	if details == nil {
		details = map[string]any{}
	}
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return false, fmt.Errorf("marshal usage details: %w", err)
	}

	recordedAt := rec.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = s.now().UTC()
	}

	inserted := false
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		// RETURNING 1 only when inserted; duplicates return no rows.
		var one int
		err := tx.QueryRow(ctx, `
			INSERT INTO usage_events(event_id, user_id, product_id, unit_type, amount, details, occurred_at, recorded_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
			ON CONFLICT (event_id) DO NOTHING
			RETURNING 1
		`, rec.EventID, rec.UserID, rec.ProductID, string(rec.UnitType), rec.Amount, detailsJSON, rec.OccurredAt, recordedAt).Scan(&one)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("insert usage event: %w", err)
		}
		inserted = true

		_, err = tx.Exec(ctx, `
			INSERT INTO usage_totals(user_id, product_id, unit_type, amount, event_count, updated_at)
			VALUES ($1,$2,$3,$4,1,$5)
			ON CONFLICT (user_id, product_id, unit_type) DO UPDATE
			SET amount = usage_totals.amount + EXCLUDED.amount,
			    event_count = usage_totals.event_count + 1,
			    updated_at = EXCLUDED.updated_at
		`, rec.UserID, rec.ProductID, string(rec.UnitType), rec.Amount, recordedAt)
		if err != nil {
			return fmt.Errorf("update usage totals: %w", err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return inserted, nil
}

// UsageTotals implements storage.UsageLedger.
func (s *Store) UsageTotals(ctx context.Context, userID string) ([]storage.UsageTotal, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT user_id, product_id, unit_type, amount, event_count, updated_at
		FROM usage_totals
		WHERE user_id = $1
		ORDER BY product_id, unit_type
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query usage totals: %w", err)
	}
	defer rows.Close()

	totals := make([]storage.UsageTotal, 0)
	for rows.Next() {
		var (
			t    storage.UsageTotal
			unit string
		)
		if err := rows.Scan(&t.UserID, &t.ProductID, &unit, &t.Amount, &t.EventCount, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan usage total: %w", err)
		}
		t.UnitType = event.UnitType(unit)
		totals = append(totals, t)
	}
	return totals, rows.Err()
}

// UpsertDevice implements storage.DeviceRegistry.
func (s *Store) UpsertDevice(ctx context.Context, d storage.Device) error {
	if d.RegisteredAt.IsZero() {
		d.RegisteredAt = s.now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO devices(device_id, user_id, name, device_type, registered_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (device_id) DO UPDATE
		SET user_id = EXCLUDED.user_id,
		    name = EXCLUDED.name,
		    device_type = EXCLUDED.device_type,
		    registered_at = EXCLUDED.registered_at
	`, d.DeviceID, d.UserID, d.Name, d.DeviceType, d.RegisteredAt)
	if err != nil {
		return fmt.Errorf("upsert device: %w", err)
	}
	return nil
}

// GetDevice implements storage.DeviceRegistry.
func (s *Store) GetDevice(ctx context.Context, deviceID string) (*storage.Device, error) {
	var d storage.Device
	err := s.pool.QueryRow(ctx, `
		SELECT device_id, user_id, name, device_type, registered_at
		FROM devices WHERE device_id = $1
	`, deviceID).Scan(&d.DeviceID, &d.UserID, &d.Name, &d.DeviceType, &d.RegisteredAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get device: %w", err)
	}
	return &d, nil
}

// DeleteDevice implements storage.DeviceRegistry.
func (s *Store) DeleteDevice(ctx context.Context, deviceID string) (int, error) {
	unlinked := 0
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM devices WHERE device_id = $1`, deviceID)
		if err != nil {
			return fmt.Errorf("delete device: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return storage.ErrNotFound
		}

		tag, err = tx.Exec(ctx, `UPDATE media_files SET device_id = NULL WHERE device_id = $1`, deviceID)
		if err != nil {
			return fmt.Errorf("unlink media files: %w", err)
		}
		unlinked = int(tag.RowsAffected())
		return nil
	})
	if err != nil {
		return 0, err
	}
	return unlinked, nil
}

// PutMediaFile implements storage.DeviceRegistry.
func (s *Store) PutMediaFile(ctx context.Context, f storage.MediaFile) error {
	if f.UploadedAt.IsZero() {
		f.UploadedAt = s.now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO media_files(file_id, user_id, device_id, content_type, size_bytes, uploaded_at)
		VALUES ($1,$2,NULLIF($3,''),$4,$5,$6)
		ON CONFLICT (file_id) DO UPDATE
		SET user_id = EXCLUDED.user_id,
		    device_id = EXCLUDED.device_id,
		    content_type = EXCLUDED.content_type,
		    size_bytes = EXCLUDED.size_bytes,
		    uploaded_at = EXCLUDED.uploaded_at
	`, f.FileID, f.UserID, f.DeviceID, f.ContentType, f.SizeBytes, f.UploadedAt)
	if err != nil {
		return fmt.Errorf("store media file: %w", err)
	}
	return nil
}

// GetMediaFile implements storage.DeviceRegistry.
func (s *Store) GetMediaFile(ctx context.Context, fileID string) (*storage.MediaFile, error) {
	f, err := scanMediaFile(s.pool.QueryRow(ctx, mediaColumns+` WHERE file_id = $1`, fileID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get media file: %w", err)
	}
	return f, nil
}

// ListMediaByDevice implements storage.DeviceRegistry.
func (s *Store) ListMediaByDevice(ctx context.Context, deviceID string) ([]*storage.MediaFile, error) {
	rows, err := s.pool.Query(ctx, mediaColumns+` WHERE device_id = $1 ORDER BY file_id`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("query media files: %w", err)
	}
	defer rows.Close()

	files := make([]*storage.MediaFile, 0)
	for rows.Next() {
		f, err := scanMediaFile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan media file: %w", err)
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

const mediaColumns = `
	SELECT file_id, user_id, COALESCE(device_id, ''), content_type, size_bytes, uploaded_at
	FROM media_files`

func scanMediaFile(row pgx.Row) (*storage.MediaFile, error) {
	var f storage.MediaFile
	if err := row.Scan(&f.FileID, &f.UserID, &f.DeviceID, &f.ContentType, &f.SizeBytes, &f.UploadedAt); err != nil {
		return nil, err
	}
	return &f, nil
}
