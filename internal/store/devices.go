package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ActiveDevices returns every device eligible for a scheduler worker.
func (s *Store) ActiveDevices(ctx context.Context) ([]Device, error) {
	var out []Device
	err := s.db.SelectContext(ctx, &out, `
		SELECT id, name, udid, automation_port, status, connected_since, updated_at
		FROM devices
		WHERE status = 'active'
		ORDER BY name, udid`)
	if err != nil {
		return nil, fmt.Errorf("list active devices: %w", err)
	}
	return out, nil
}

// ListDevices returns the whole fleet regardless of status.
func (s *Store) ListDevices(ctx context.Context) ([]Device, error) {
	var out []Device
	err := s.db.SelectContext(ctx, &out, `
		SELECT id, name, udid, automation_port, status, connected_since, updated_at
		FROM devices
		ORDER BY name, udid`)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	return out, nil
}

// RegisterDevice upserts a device by UDID, returning its id. Re-registering
// an existing phone refreshes its name, port, and marks it active again.
func (s *Store) RegisterDevice(ctx context.Context, name, udid string, automationPort int) (uuid.UUID, error) {
	var id uuid.UUID
	err := s.db.GetContext(ctx, &id, `
		INSERT INTO devices (name, udid, automation_port, status, connected_since)
		VALUES ($1, $2, $3, 'active', now())
		ON CONFLICT (udid) DO UPDATE
		SET name = EXCLUDED.name,
		    automation_port = EXCLUDED.automation_port,
		    status = 'active',
		    connected_since = now(),
		    updated_at = now()
		RETURNING id`,
		name, udid, automationPort)
	if err != nil {
		return uuid.Nil, fmt.Errorf("register device %s: %w", udid, err)
	}
	return id, nil
}

// UpdateHeartbeat stamps a device as seen now and restores it to active.
// Called once per scheduler loop iteration; a device the reconciler demoted
// to disconnected comes back as soon as its worker touches it again.
func (s *Store) UpdateHeartbeat(ctx context.Context, deviceID uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE devices SET status = 'active', updated_at = now() WHERE id = $1`, deviceID)
	if err != nil {
		return fmt.Errorf("update heartbeat: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("device %s: %w", deviceID, sql.ErrNoRows)
	}
	return nil
}

// SetDeviceStatus moves a device between operational statuses.
func (s *Store) SetDeviceStatus(ctx context.Context, deviceID uuid.UUID, status DeviceStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE devices SET status = $1, updated_at = now() WHERE id = $2`,
		status, deviceID)
	if err != nil {
		return fmt.Errorf("set device status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("device %s: %w", deviceID, sql.ErrNoRows)
	}
	return nil
}

// StaleActiveDevices returns active devices whose heartbeat is older than
// the cutoff. The reconciler demotes them to disconnected.
func (s *Store) StaleActiveDevices(ctx context.Context, staleAfter time.Duration) ([]Device, error) {
	var out []Device
	err := s.db.SelectContext(ctx, &out, `
		SELECT id, name, udid, automation_port, status, connected_since, updated_at
		FROM devices
		WHERE status = 'active' AND updated_at < now() - $1::interval
		ORDER BY updated_at`,
		staleAfter.String())
	if err != nil {
		return nil, fmt.Errorf("list stale devices: %w", err)
	}
	return out, nil
}

// GetDevice loads one device.
func (s *Store) GetDevice(ctx context.Context, id uuid.UUID) (*Device, error) {
	var d Device
	err := s.db.GetContext(ctx, &d, `
		SELECT id, name, udid, automation_port, status, connected_since, updated_at
		FROM devices WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("get device %s: %w", id, err)
	}
	return &d, nil
}
