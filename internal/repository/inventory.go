package repository

import (
	"context"
	"database/sql"

	"smartcabinet/internal/models"
)

// BinRepository manages bin persistence.
type BinRepository struct {
	db *sql.DB
}

// NewBinRepository returns repository.
func NewBinRepository(db *sql.DB) *BinRepository {
	return &BinRepository{db: db}
}

// List returns all bins.
func (r *BinRepository) List(ctx context.Context) ([]*models.Bin, error) {
	const query = `
		SELECT id, lock_id, cu_controller_id, count_failed_open_attempts, is_locked, is_failed, is_damaged
		FROM bins
	`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Bin
	for rows.Next() {
		bin := &models.Bin{}
		if err := rows.Scan(&bin.ID, &bin.LockID, &bin.CUControllerID,
			&bin.CountFailedOpenAttempts, &bin.IsLocked, &bin.IsFailed, &bin.IsDamaged); err != nil {
			return nil, err
		}
		out = append(out, bin)
	}
	return out, rows.Err()
}

// SaveBin upserts the bin state.
func (r *BinRepository) SaveBin(ctx context.Context, bin *models.Bin) error {
	const query = `
		INSERT INTO bins (id, lock_id, cu_controller_id, count_failed_open_attempts, is_locked, is_failed, is_damaged, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (id) DO UPDATE SET
			count_failed_open_attempts = EXCLUDED.count_failed_open_attempts,
			is_locked = EXCLUDED.is_locked,
			is_failed = EXCLUDED.is_failed,
			is_damaged = EXCLUDED.is_damaged,
			updated_at = NOW()
	`
	_, err := r.db.ExecContext(ctx, query, bin.ID, bin.LockID, bin.CUControllerID,
		bin.CountFailedOpenAttempts, bin.IsLocked, bin.IsFailed, bin.IsDamaged)
	return err
}

// DeviceRepository manages loadcell persistence.
type DeviceRepository struct {
	db *sql.DB
}

// NewDeviceRepository returns repository.
func NewDeviceRepository(db *sql.DB) *DeviceRepository {
	return &DeviceRepository{db: db}
}

// List returns all devices.
func (r *DeviceRepository) List(ctx context.Context) ([]*models.Device, error) {
	const query = `
		SELECT id, device_num_id, bin_id, item_id, zero_weight, unit_weight,
		       calc_quantity, damage_quantity, COALESCE(heartbeat, 'epoch'::timestamptz)
		FROM devices
	`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Device
	for rows.Next() {
		device := &models.Device{}
		if err := rows.Scan(&device.ID, &device.DeviceNumID, &device.BinID, &device.ItemID,
			&device.ZeroWeight, &device.UnitWeight, &device.CalcQuantity,
			&device.DamageQuantity, &device.Heartbeat); err != nil {
			return nil, err
		}
		out = append(out, device)
	}
	return out, rows.Err()
}

// UpdateQuantities persists the reconciled quantity and damage count.
func (r *DeviceRepository) UpdateQuantities(ctx context.Context, deviceID string, calcQuantity, damageQuantity int) error {
	const query = `
		UPDATE devices
		SET calc_quantity = $2, damage_quantity = $3, updated_at = NOW()
		WHERE id = $1
	`
	_, err := r.db.ExecContext(ctx, query, deviceID, calcQuantity, damageQuantity)
	return err
}

// TouchHeartbeat stores the latest liveness timestamp.
func (r *DeviceRepository) TouchHeartbeat(ctx context.Context, deviceID string) error {
	const query = `UPDATE devices SET heartbeat = NOW() WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, deviceID)
	return err
}
