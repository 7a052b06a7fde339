package device

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const timeLayout = "2006-01-02T15:04:05.000000Z"

// Repository defines device directory persistence.
type Repository interface {
	// Upsert creates the (name, ip) row or refreshes it, returning the stored device.
	Upsert(ctx context.Context, p UpsertParams) (*Device, error)

	// GetByID returns ErrDeviceNotFound if the device does not exist.
	GetByID(ctx context.Context, id int64) (*Device, error)

	// List returns all devices, newest first.
	List(ctx context.Context) ([]Device, error)

	// ListOnline returns devices with at least one event since the given time.
	ListOnline(ctx context.Context, since time.Time) ([]Device, error)

	// Count returns the number of devices.
	Count(ctx context.Context) (int, error)
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteRepository creates a new SQLite-backed repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

var _ Repository = (*SQLiteRepository)(nil)

const selectColumns = `d.id, d.device_name, d.client_ip, d.country, d.city,
	d.latitude, d.longitude, d.created_at, d.updated_at`

// Upsert creates or refreshes a device row.
func (r *SQLiteRepository) Upsert(ctx context.Context, p UpsertParams) (*Device, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	now := r.now().Format(timeLayout)
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO devices (device_name, client_ip, country, city, latitude, longitude, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (device_name, client_ip) DO UPDATE SET
			country    = COALESCE(excluded.country, devices.country),
			city       = COALESCE(excluded.city, devices.city),
			latitude   = COALESCE(excluded.latitude, devices.latitude),
			longitude  = COALESCE(excluded.longitude, devices.longitude),
			updated_at = excluded.updated_at`,
		p.Name, p.ClientIP,
		nullString(p.Country), nullString(p.City),
		nullFloat(p.Latitude), nullFloat(p.Longitude),
		now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("upserting device: %w", err)
	}

	row := r.db.QueryRowContext(ctx,
		"SELECT "+selectColumns+" FROM devices d WHERE d.device_name = ? AND d.client_ip = ?",
		p.Name, p.ClientIP,
	)
	d, err := scanDevice(row)
	if err != nil {
		return nil, fmt.Errorf("reading upserted device: %w", err)
	}
	return d, nil
}

// GetByID retrieves a device by id.
func (r *SQLiteRepository) GetByID(ctx context.Context, id int64) (*Device, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+selectColumns+" FROM devices d WHERE d.id = ?", id)
	d, err := scanDevice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("querying device by id: %w", err)
	}
	return d, nil
}

// List retrieves all devices, newest first.
func (r *SQLiteRepository) List(ctx context.Context) ([]Device, error) {
	return r.queryDevices(ctx,
		"SELECT "+selectColumns+" FROM devices d ORDER BY d.created_at DESC, d.id DESC")
}

// ListOnline retrieves devices that logged an event since the given time.
func (r *SQLiteRepository) ListOnline(ctx context.Context, since time.Time) ([]Device, error) {
	return r.queryDevices(ctx, `
		SELECT `+selectColumns+`
		FROM devices d
		WHERE EXISTS (
			SELECT 1 FROM device_events de
			WHERE de.device_id = d.id AND de.event_ts >= ?
		)
		ORDER BY d.id`,
		since.UTC().Format(timeLayout),
	)
}

// Count returns the number of devices.
func (r *SQLiteRepository) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM devices").Scan(&n); err != nil {
		return 0, fmt.Errorf("counting devices: %w", err)
	}
	return n, nil
}

func (r *SQLiteRepository) queryDevices(ctx context.Context, query string, args ...any) ([]Device, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	devices := make([]Device, 0)
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning device: %w", err)
		}
		devices = append(devices, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating devices: %w", err)
	}
	return devices, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDevice(s scanner) (*Device, error) {
	var d Device
	var country, city sql.NullString
	var lat, lon sql.NullFloat64
	var createdAt, updatedAt string

	if err := s.Scan(&d.ID, &d.Name, &d.ClientIP, &country, &city,
		&lat, &lon, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	if country.Valid {
		d.Country = &country.String
	}
	if city.Valid {
		d.City = &city.String
	}
	if lat.Valid {
		d.Latitude = &lat.Float64
	}
	if lon.Valid {
		d.Longitude = &lon.Float64
	}

	var err error
	if d.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if d.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &d, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}
