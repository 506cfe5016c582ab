package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// UpsertDevice creates the device on first login; subsequent logins only
// refresh login_time.
func (s *Store) UpsertDevice(ctx context.Context, d Device) error {
	meta := d.Meta
	if len(meta) == 0 {
		meta = []byte("{}")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO devices (device_id, version, arch, os, client_address, login_time, meta)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (device_id) DO UPDATE
		SET login_time = EXCLUDED.login_time, updated_at = now()
	`, d.DeviceID, d.Version, d.Arch, d.OS, d.ClientAddress, d.LoginTime.UTC(), meta)
	if err != nil {
		return fmt.Errorf("failed to upsert device %s: %w", d.DeviceID, err)
	}
	return nil
}

// GetDevice returns the device, or nil when it does not exist.
func (s *Store) GetDevice(ctx context.Context, deviceID string) (*Device, error) {
	var d Device
	err := s.pool.QueryRow(ctx, `
		SELECT device_id, version, arch, os, client_address, login_time, meta, created_at, updated_at
		FROM devices
		WHERE device_id = $1
	`, deviceID).Scan(
		&d.DeviceID, &d.Version, &d.Arch, &d.OS, &d.ClientAddress,
		&d.LoginTime, &d.Meta, &d.CreatedAt, &d.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query device %s: %w", deviceID, err)
	}
	return &d, nil
}

// TouchDeviceLogin updates only the login_time of an existing device.
func (s *Store) TouchDeviceLogin(ctx context.Context, deviceID string, loginTime time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE devices SET login_time = $2, updated_at = now() WHERE device_id = $1
	`, deviceID, loginTime.UTC())
	if err != nil {
		return fmt.Errorf("failed to touch device %s: %w", deviceID, err)
	}
	return nil
}
