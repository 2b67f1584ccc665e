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

func TestUpdateHeartbeatRestoresActive(t *testing.T) {
	s, mock := mockStore(t)

	deviceID := uuid.New()
	// The heartbeat must bring a demoted device back, not just bump the
	// timestamp.
	mock.ExpectExec(`UPDATE devices SET status = 'active', updated_at = now\(\)`).
		WithArgs(deviceID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.UpdateHeartbeat(context.Background(), deviceID))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateHeartbeatUnknownDevice(t *testing.T) {
	s, mock := mockStore(t)

	mock.ExpectExec(`UPDATE devices SET status = 'active', updated_at = now\(\)`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.UpdateHeartbeat(context.Background(), uuid.New())
	assert.ErrorIs(t, err, sql.ErrNoRows)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRegisterDeviceUpserts(t *testing.T) {
	s, mock := mockStore(t)

	id := uuid.New()
	mock.ExpectQuery(`ON CONFLICT \(udid\) DO UPDATE`).
		WithArgs("iphone-01", "udid-01", 8100).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(id))

	got, err := s.RegisterDevice(context.Background(), "iphone-01", "udid-01", 8100)
	require.NoError(t, err)
	assert.Equal(t, id, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}
