package store

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsertEventDefaultsContext(t *testing.T) {
	s, mock := mockStore(t)

	deviceID := uuid.New()
	mock.ExpectQuery("INSERT INTO system_events").
		WithArgs("scheduler", "info", "warming_started", &deviceID, nil, "warming fit_kayla829", JSONMap{}).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(41)))

	id, err := s.InsertEvent(context.Background(), NewEvent{
		Category:  "scheduler",
		Severity:  "info",
		EventType: "warming_started",
		DeviceID:  &deviceID,
		Message:   "warming fit_kayla829",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(41), id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryEventsAppliesFilters(t *testing.T) {
	s, mock := mockStore(t)

	resolved := false
	mock.ExpectQuery("FROM system_events").
		WithArgs("device", "error", resolved, 100).
		WillReturnRows(sqlmock.NewRows([]string{"id", "category", "severity", "event_type", "message"}).
			AddRow(int64(7), "device", "error", "disconnected", "device offline"))

	out, err := s.QueryEvents(context.Background(), EventFilter{
		Category: "device",
		Severity: "error",
		Resolved: &resolved,
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "disconnected", out[0].EventType)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryEventsCapsLimit(t *testing.T) {
	s, mock := mockStore(t)

	mock.ExpectQuery("FROM system_events").
		WithArgs(1000).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := s.QueryEvents(context.Background(), EventFilter{Limit: 50000})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveEventTwiceFails(t *testing.T) {
	s, mock := mockStore(t)

	mock.ExpectExec("UPDATE system_events").
		WithArgs("operator", int64(9)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.ResolveEvent(context.Background(), 9, "operator")
	assert.ErrorIs(t, err, sql.ErrNoRows)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEventsAfterAscending(t *testing.T) {
	s, mock := mockStore(t)

	mock.ExpectQuery("ORDER BY id ASC").
		WithArgs(int64(10), 100).
		WillReturnRows(sqlmock.NewRows([]string{"id", "event_type"}).
			AddRow(int64(11), "warming_started").
			AddRow(int64(12), "warming_complete"))

	out, err := s.EventsAfter(context.Background(), 10, 0)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, int64(11), out[0].ID)
	assert.Equal(t, int64(12), out[1].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}
