package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// NewEvent is the insert payload for one event-log row.
type NewEvent struct {
	Category  string
	Severity  string
	EventType string
	DeviceID  *uuid.UUID
	AccountID *uuid.UUID
	Message   string
	Context   JSONMap
}

// InsertEvent appends to the event log and returns the new row id.
func (s *Store) InsertEvent(ctx context.Context, ev NewEvent) (int64, error) {
	if ev.Context == nil {
		ev.Context = JSONMap{}
	}
	var id int64
	err := s.db.GetContext(ctx, &id, `
		INSERT INTO system_events (category, severity, event_type, device_id, account_id, message, context)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		ev.Category, ev.Severity, ev.EventType, ev.DeviceID, ev.AccountID, ev.Message, ev.Context)
	if err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}
	return id, nil
}

// EventFilter narrows QueryEvents. Zero values mean no constraint.
type EventFilter struct {
	Category  string
	Severity  string
	EventType string
	DeviceID  uuid.UUID
	AccountID uuid.UUID
	Resolved  *bool
	AfterID   int64
	Limit     int
}

// QueryEvents returns matching events, newest first, capped at 1000 rows.
func (s *Store) QueryEvents(ctx context.Context, f EventFilter) ([]SystemEvent, error) {
	q := `
		SELECT id, timestamp, category, severity, event_type, device_id, account_id,
		       message, context, resolved, resolved_by, resolved_at
		FROM system_events
		WHERE true`
	args := []any{}
	if f.Category != "" {
		args = append(args, f.Category)
		q += fmt.Sprintf(" AND category = $%d", len(args))
	}
	if f.Severity != "" {
		args = append(args, f.Severity)
		q += fmt.Sprintf(" AND severity = $%d", len(args))
	}
	if f.EventType != "" {
		args = append(args, f.EventType)
		q += fmt.Sprintf(" AND event_type = $%d", len(args))
	}
	if f.DeviceID != uuid.Nil {
		args = append(args, f.DeviceID)
		q += fmt.Sprintf(" AND device_id = $%d", len(args))
	}
	if f.AccountID != uuid.Nil {
		args = append(args, f.AccountID)
		q += fmt.Sprintf(" AND account_id = $%d", len(args))
	}
	if f.Resolved != nil {
		args = append(args, *f.Resolved)
		q += fmt.Sprintf(" AND resolved = $%d", len(args))
	}
	if f.AfterID > 0 {
		args = append(args, f.AfterID)
		q += fmt.Sprintf(" AND id > $%d", len(args))
	}
	q += " ORDER BY id DESC"
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	args = append(args, limit)
	q += fmt.Sprintf(" LIMIT $%d", len(args))

	var out []SystemEvent
	if err := s.db.SelectContext(ctx, &out, q, args...); err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	return out, nil
}

// EventsAfter returns events with id greater than afterID in ascending
// order. This is the stream tail for live subscribers.
func (s *Store) EventsAfter(ctx context.Context, afterID int64, limit int) ([]SystemEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var out []SystemEvent
	err := s.db.SelectContext(ctx, &out, `
		SELECT id, timestamp, category, severity, event_type, device_id, account_id,
		       message, context, resolved, resolved_by, resolved_at
		FROM system_events
		WHERE id > $1
		ORDER BY id ASC
		LIMIT $2`,
		afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("tail events: %w", err)
	}
	return out, nil
}

// LatestEventID returns the current high-water mark of the event log, or 0
// for an empty log.
func (s *Store) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	err := s.db.GetContext(ctx, &id, `SELECT coalesce(max(id), 0) FROM system_events`)
	if err != nil {
		return 0, fmt.Errorf("latest event id: %w", err)
	}
	return id, nil
}

// ResolveEvent marks an event handled. Resolving an already-resolved or
// unknown event is an error so operators notice double-acks.
func (s *Store) ResolveEvent(ctx context.Context, id int64, resolvedBy string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE system_events
		SET resolved = true, resolved_by = $1, resolved_at = now()
		WHERE id = $2 AND NOT resolved`,
		resolvedBy, id)
	if err != nil {
		return fmt.Errorf("resolve event %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("event %d: %w", id, sql.ErrNoRows)
	}
	return nil
}

// UnresolvedCount returns the number of open events at or above the given
// severity set, keyed by severity.
func (s *Store) UnresolvedCounts(ctx context.Context) (map[string]int, error) {
	rows := []struct {
		Severity string `db:"severity"`
		Count    int    `db:"count"`
	}{}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT severity, count(*) AS count
		FROM system_events
		WHERE NOT resolved
		GROUP BY severity`)
	if err != nil {
		return nil, fmt.Errorf("count unresolved events: %w", err)
	}
	out := make(map[string]int, len(rows))
	for _, r := range rows {
		out[r.Severity] = r.Count
	}
	return out, nil
}
