package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// timeLayout is fixed-width so that event_ts sorts correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000Z"

// SQLiteGateway stores the ledger in the device_events and demos tables.
type SQLiteGateway struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteGateway creates a gateway on an open, migrated database.
func NewSQLiteGateway(db *sql.DB) *SQLiteGateway {
	return &SQLiteGateway{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Compile-time check.
var _ Store = (*SQLiteGateway)(nil)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// InsertEvent records one event with a server-assigned timestamp.
func (g *SQLiteGateway) InsertEvent(ctx context.Context, e NewEvent) (int64, error) {
	id, err := g.insertEvent(ctx, g.db, e, g.now())
	if err != nil {
		return 0, err
	}
	return id, nil
}

// InsertEvents records all events in one transaction sharing one timestamp.
// Insertion order is preserved by the ids.
func (g *SQLiteGateway) InsertEvents(ctx context.Context, events []NewEvent) ([]int64, error) {
	if len(events) == 0 {
		return nil, nil
	}

	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	now := g.now()
	ids := make([]int64, 0, len(events))
	for _, e := range events {
		id, err := g.insertEvent(ctx, tx, e, now)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing events: %w", err)
	}
	return ids, nil
}

func (g *SQLiteGateway) insertEvent(ctx context.Context, ex execer, e NewEvent, at time.Time) (int64, error) {
	if e.DeviceID <= 0 {
		return 0, ErrInvalidDevice
	}
	if !e.Type.Valid() {
		return 0, fmt.Errorf("%w: %q", ErrInvalidEventType, e.Type)
	}

	var meta sql.NullString
	if e.Meta.Len() > 0 {
		raw, err := json.Marshal(e.Meta)
		if err != nil {
			return 0, fmt.Errorf("marshalling meta: %w", err)
		}
		meta = sql.NullString{String: string(raw), Valid: true}
	}

	var demoID sql.NullInt64
	if e.DemoID != nil {
		demoID = sql.NullInt64{Int64: *e.DemoID, Valid: true}
	}

	res, err := ex.ExecContext(ctx,
		`INSERT INTO device_events (device_id, event_type, status_clave, meta, demo_id, event_ts)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.DeviceID, string(e.Type), e.StatusClave, meta, demoID, at.Format(timeLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("inserting event: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading event id: %w", err)
	}
	return id, nil
}

// InsertDemo records a demo as a single row with its moves encoded as JSON.
func (g *SQLiteGateway) InsertDemo(ctx context.Context, deviceID int64, name string, moves []Move) (int64, error) {
	if deviceID <= 0 {
		return 0, ErrInvalidDevice
	}
	if len(moves) == 0 {
		return 0, ErrEmptyDemo
	}

	raw, err := json.Marshal(moves)
	if err != nil {
		return 0, fmt.Errorf("marshalling moves: %w", err)
	}

	res, err := g.db.ExecContext(ctx,
		"INSERT INTO demos (device_id, name, moves, created_at) VALUES (?, ?, ?, ?)",
		deviceID, name, string(raw), g.now().Format(timeLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("inserting demo: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading demo id: %w", err)
	}
	return id, nil
}

// GetDemo returns one demo by id.
func (g *SQLiteGateway) GetDemo(ctx context.Context, demoID int64) (*Demo, error) {
	row := g.db.QueryRowContext(ctx,
		"SELECT id, device_id, name, moves, created_at FROM demos WHERE id = ?",
		demoID,
	)
	d, err := scanDemo(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}

// ListDemos returns the newest demos for a device.
func (g *SQLiteGateway) ListDemos(ctx context.Context, deviceID int64) ([]Demo, error) {
	rows, err := g.db.QueryContext(ctx,
		`SELECT id, device_id, name, moves, created_at
		 FROM demos
		 WHERE device_id = ?
		 ORDER BY id DESC
		 LIMIT ?`,
		deviceID, DemoListLimit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying demos: %w", err)
	}
	defer rows.Close()

	demos := make([]Demo, 0)
	for rows.Next() {
		d, err := scanDemo(rows)
		if err != nil {
			return nil, err
		}
		demos = append(demos, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating demos: %w", err)
	}
	return demos, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDemo(s scanner) (*Demo, error) {
	var d Demo
	var moves, createdAt string
	if err := s.Scan(&d.ID, &d.DeviceID, &d.Name, &moves, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning demo: %w", err)
	}
	if err := json.Unmarshal([]byte(moves), &d.Moves); err != nil {
		return nil, fmt.Errorf("unmarshalling moves: %w", err)
	}
	ts, err := parseTimestamp(createdAt)
	if err != nil {
		return nil, err
	}
	d.CreatedAt = ts
	return &d, nil
}

// QueryEvents returns up to limit events for a device, newest first.
func (g *SQLiteGateway) QueryEvents(ctx context.Context, deviceID int64, limit int) ([]Event, error) {
	return g.Query(ctx, Query{DeviceID: deviceID, Limit: limit})
}

// Query returns events matching q with their status descriptions, newest first.
func (g *SQLiteGateway) Query(ctx context.Context, q Query) ([]Event, error) {
	if q.Type != "" && !q.Type.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidEventType, q.Type)
	}

	where := []string{"de.device_id = ?"}
	args := []any{q.DeviceID}
	if q.Type != "" {
		where = append(where, "de.event_type = ?")
		args = append(args, string(q.Type))
	}
	if !q.Since.IsZero() {
		where = append(where, "de.event_ts >= ?")
		args = append(args, q.Since.UTC().Format(timeLayout))
	}
	limit := clampLimit(q.Limit)
	args = append(args, limit)

	rows, err := g.db.QueryContext(ctx,
		`SELECT de.id, de.device_id, de.event_type, de.status_clave,
		        COALESCE(os.status_texto, obs.status_texto, ''),
		        de.demo_id, de.meta, de.event_ts
		 FROM device_events de
		 LEFT JOIN op_status os
		        ON os.status_clave = de.status_clave AND de.event_type = 'movement'
		 LEFT JOIN obstacle_status obs
		        ON obs.status_clave = de.status_clave AND de.event_type = 'obstacle'
		 WHERE `+strings.Join(where, " AND ")+`
		 ORDER BY de.event_ts DESC, de.id DESC
		 LIMIT ?`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	events := make([]Event, 0, limit)
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating events: %w", err)
	}
	return events, nil
}

// LastEvent returns the newest event of the given type.
func (g *SQLiteGateway) LastEvent(ctx context.Context, deviceID int64, t EventType) (*Event, error) {
	events, err := g.Query(ctx, Query{DeviceID: deviceID, Type: t, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, ErrNotFound
	}
	return &events[0], nil
}

func scanEvent(s scanner) (*Event, error) {
	var e Event
	var eventType, ts string
	var demoID sql.NullInt64
	var meta sql.NullString

	if err := s.Scan(&e.ID, &e.DeviceID, &eventType, &e.StatusClave,
		&e.StatusDescription, &demoID, &meta, &ts); err != nil {
		return nil, fmt.Errorf("scanning event: %w", err)
	}

	e.Type = EventType(eventType)
	if demoID.Valid {
		id := demoID.Int64
		e.DemoID = &id
	}
	if meta.Valid {
		if err := json.Unmarshal([]byte(meta.String), &e.Meta); err != nil {
			return nil, fmt.Errorf("unmarshalling meta: %w", err)
		}
	}
	createdAt, err := parseTimestamp(ts)
	if err != nil {
		return nil, err
	}
	e.CreatedAt = createdAt
	return &e, nil
}

// MovementStats counts movement events per status code since the given time.
func (g *SQLiteGateway) MovementStats(ctx context.Context, deviceID int64, since time.Time) ([]StatusStats, error) {
	rows, err := g.db.QueryContext(ctx,
		`SELECT de.status_clave, COALESCE(os.status_texto, ''), COUNT(*),
		        MIN(de.event_ts), MAX(de.event_ts)
		 FROM device_events de
		 LEFT JOIN op_status os ON os.status_clave = de.status_clave
		 WHERE de.device_id = ? AND de.event_type = 'movement' AND de.event_ts >= ?
		 GROUP BY de.status_clave, os.status_texto
		 ORDER BY COUNT(*) DESC, de.status_clave ASC`,
		deviceID, since.UTC().Format(timeLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("querying movement stats: %w", err)
	}
	defer rows.Close()

	stats := make([]StatusStats, 0)
	for rows.Next() {
		var s StatusStats
		var first, last string
		if err := rows.Scan(&s.StatusClave, &s.StatusText, &s.Count, &first, &last); err != nil {
			return nil, fmt.Errorf("scanning movement stats: %w", err)
		}
		if s.FirstOccurrence, err = parseTimestamp(first); err != nil {
			return nil, err
		}
		if s.LastOccurrence, err = parseTimestamp(last); err != nil {
			return nil, err
		}
		stats = append(stats, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating movement stats: %w", err)
	}
	return stats, nil
}

// OperationalStatuses lists op_status in code order.
func (g *SQLiteGateway) OperationalStatuses(ctx context.Context) ([]StatusRow, error) {
	return g.statusTable(ctx, "op_status")
}

// ObstacleStatuses lists obstacle_status in code order.
func (g *SQLiteGateway) ObstacleStatuses(ctx context.Context) ([]StatusRow, error) {
	return g.statusTable(ctx, "obstacle_status")
}

func (g *SQLiteGateway) statusTable(ctx context.Context, table string) ([]StatusRow, error) {
	// table is one of two constants above, never caller input.
	rows, err := g.db.QueryContext(ctx,
		"SELECT status_clave, status_texto, description FROM "+table+" ORDER BY status_clave ASC",
	)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", table, err)
	}
	defer rows.Close()

	out := make([]StatusRow, 0)
	for rows.Next() {
		var r StatusRow
		if err := rows.Scan(&r.StatusClave, &r.StatusText, &r.Description); err != nil {
			return nil, fmt.Errorf("scanning %s: %w", table, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating %s: %w", table, err)
	}
	return out, nil
}

// PruneEvents deletes events created before the cutoff.
func (g *SQLiteGateway) PruneEvents(ctx context.Context, before time.Time) (int64, error) {
	if before.IsZero() {
		return 0, fmt.Errorf("prune cutoff is required")
	}

	res, err := g.db.ExecContext(ctx,
		"DELETE FROM device_events WHERE event_ts < ?",
		before.UTC().Format(timeLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("deleting events: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return n, nil
}

func parseTimestamp(value string) (time.Time, error) {
	ts, err := time.Parse(timeLayout, value)
	if err == nil {
		return ts, nil
	}
	if fallback, fallbackErr := time.Parse(time.RFC3339Nano, value); fallbackErr == nil {
		return fallback.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", value, err)
}
