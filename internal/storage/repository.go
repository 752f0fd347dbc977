package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrNotFound is returned when no row matched, including guarded updates.
	ErrNotFound = errors.New("storage: not found")
	// ErrDuplicate is returned when an insert hits a uniqueness constraint.
	ErrDuplicate = errors.New("storage: duplicate row")
)

const uniqueViolationCode = "23505"

const (
	insertDeviceSQL = `INSERT INTO devices (
        id, name, device_secret, user_id, location, active, ledger_enabled
    ) VALUES ($1,$2,$3,$4,$5,$6,$7)
    RETURNING created_at;`

	deviceColumns = `id, name, device_secret, user_id, location, active, ledger_enabled, created_at, last_seen_at`

	getDeviceSQL       = `SELECT ` + deviceColumns + ` FROM devices WHERE id = $1;`
	getActiveDeviceSQL = `SELECT ` + deviceColumns + ` FROM devices WHERE id = $1 AND active;`
	listDevicesSQL     = `SELECT ` + deviceColumns + ` FROM devices ORDER BY created_at DESC;`

	touchDeviceSQL = `UPDATE devices SET last_seen_at = $2 WHERE id = $1;`

	readingExistsSQL = `SELECT EXISTS (
        SELECT 1 FROM readings WHERE device_id = $1 AND ts_device = $2
    );`

	insertReadingSQL = `INSERT INTO readings (
        id,
        device_id,
        ts_device,
        energy_generated_kwh,
        voltage_v,
        current_a,
        frequency_hz,
        raw_payload,
        signature,
        ledger_status
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10
    )
    RETURNING created_at;`

	readingColumns = `id,
        device_id,
        ts_device,
        energy_generated_kwh::text,
        voltage_v::text,
        current_a::text,
        frequency_hz::text,
        raw_payload,
        signature,
        ledger_status,
        ledger_ref,
        ledger_error,
        ledger_attempts,
        last_attempt_at,
        created_at`

	listReadingsByStatusSQL = `SELECT ` + readingColumns + `
    FROM readings
    WHERE ledger_status = $1
    ORDER BY created_at, id
    LIMIT $2;`

	listDeviceReadingsSQL = `SELECT ` + readingColumns + `
    FROM readings
    WHERE device_id = $1
    ORDER BY ts_device DESC
    LIMIT $2;`

	listReadingsBetweenSQL = `SELECT ` + readingColumns + `
    FROM readings
    WHERE ts_device >= $1
      AND ts_device < $2
      AND ($3::uuid IS NULL OR device_id = $3)
    ORDER BY ts_device;`

	markReadingSentSQL = `UPDATE readings
    SET ledger_status   = 'sent',
        ledger_ref      = $2,
        ledger_error    = NULL,
        ledger_attempts = ledger_attempts + 1,
        last_attempt_at = $3
    WHERE id = $1 AND ledger_status = 'pending';`

	markReadingFailedSQL = `UPDATE readings
    SET ledger_status   = 'failed',
        ledger_error    = $2,
        ledger_attempts = ledger_attempts + 1,
        last_attempt_at = $3
    WHERE id = $1 AND ledger_status = 'pending';`

	// A failed row that carries a ledger_ref was accepted by the ledger and must
	// never be resubmitted.
	markReadingUnconfirmedSQL = `UPDATE readings
    SET ledger_status   = 'failed',
        ledger_ref      = $2,
        ledger_error    = $3,
        ledger_attempts = ledger_attempts + 1,
        last_attempt_at = $4
    WHERE id = $1 AND ledger_status = 'pending';`

	requeueFailedSQL = `UPDATE readings
    SET ledger_status = 'pending'
    WHERE ledger_status = 'failed'
      AND ledger_ref IS NULL
      AND ledger_attempts < $1
      AND (last_attempt_at IS NULL
           OR last_attempt_at <= $2::timestamptz
              - ($3::double precision * power(2, GREATEST(ledger_attempts - 1, 0))) * interval '1 millisecond');`

	countReadingsByStatusSQL = `SELECT ledger_status, COUNT(*) FROM readings GROUP BY ledger_status;`

	insertSaleSQL = `INSERT INTO sales (kwh_sold, revenue_minor, fee_bps)
    VALUES ($1,$2,$3)
    RETURNING id, finalized, created_at;`

	saleColumns = `id, kwh_sold::text, revenue_minor, fee_bps, finalized, created_at, finalized_at`

	getSaleSQL = `SELECT ` + saleColumns + ` FROM sales WHERE id = $1;`

	finalizeSaleSQL = `UPDATE sales
    SET finalized = true, finalized_at = $2
    WHERE id = $1 AND NOT finalized
    RETURNING ` + saleColumns + `;`

	insertClaimSQL = `INSERT INTO user_claims (user_id, sale_id, burned_kwh)
    SELECT $1, s.id, $3
    FROM sales s
    WHERE s.id = $2 AND NOT s.finalized
    RETURNING created_at;`

	claimColumns = `user_id, sale_id, burned_kwh::text, claimed, claimed_at, created_at`

	getClaimSQL = `SELECT ` + claimColumns + ` FROM user_claims WHERE user_id = $1 AND sale_id = $2;`

	listClaimsSQL = `SELECT ` + claimColumns + `
    FROM user_claims
    WHERE sale_id = $1
    ORDER BY created_at, user_id;`

	markClaimedSQL = `UPDATE user_claims
    SET claimed = true, claimed_at = $3
    WHERE user_id = $1 AND sale_id = $2 AND NOT claimed;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// DeviceStore covers device provisioning and lookup.
type DeviceStore interface {
	CreateDevice(ctx context.Context, device Device) (Device, error)
	GetDevice(ctx context.Context, id uuid.UUID) (Device, error)
	GetActiveDevice(ctx context.Context, id uuid.UUID) (Device, error)
	ListDevices(ctx context.Context) ([]Device, error)
	TouchDevice(ctx context.Context, id uuid.UUID, seenAt time.Time) error
}

// ReadingStore covers reading persistence and ledger status transitions.
type ReadingStore interface {
	ReadingExists(ctx context.Context, deviceID uuid.UUID, deviceTS time.Time) (bool, error)
	InsertReading(ctx context.Context, reading Reading) (Reading, error)
	ListReadingsByStatus(ctx context.Context, status LedgerStatus, limit int) ([]Reading, error)
	ListDeviceReadings(ctx context.Context, deviceID uuid.UUID, limit int) ([]Reading, error)
	ListReadingsBetween(ctx context.Context, deviceID *uuid.UUID, from, to time.Time) ([]Reading, error)
	MarkReadingSent(ctx context.Context, id uuid.UUID, ref string, at time.Time) error
	MarkReadingFailed(ctx context.Context, id uuid.UUID, reason string, at time.Time) error
	MarkReadingUnconfirmed(ctx context.Context, id uuid.UUID, ref, reason string, at time.Time) error
	RequeueFailed(ctx context.Context, maxAttempts int, backoff time.Duration, now time.Time) (int64, error)
	CountReadingsByStatus(ctx context.Context) (map[LedgerStatus]int64, error)
}

// SaleStore covers sales and the claims burned against them.
type SaleStore interface {
	CreateSale(ctx context.Context, sale Sale) (Sale, error)
	GetSale(ctx context.Context, id int64) (Sale, error)
	FinalizeSale(ctx context.Context, id int64, at time.Time) (Sale, error)
	InsertClaim(ctx context.Context, claim UserClaim) (UserClaim, error)
	GetClaim(ctx context.Context, userID string, saleID int64) (UserClaim, error)
	ListClaims(ctx context.Context, saleID int64) ([]UserClaim, error)
	MarkClaimed(ctx context.Context, userID string, saleID int64, at time.Time) error
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store implements every store interface on a pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	return pool.Ping(ctx)
}

// TryAdvisoryLock attempts to acquire a postgres session advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			// the session lock dies with the connection; drop it from the pool
			_ = conn.Conn().Close(ctxUnlock)
		}
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// CreateDevice inserts a device.
func (s *Store) CreateDevice(ctx context.Context, device Device) (Device, error) {
	pool, err := s.getPool()
	if err != nil {
		return Device{}, err
	}

	var location interface{}
	if len(device.Location) > 0 {
		location = []byte(device.Location)
	}

	if err := pool.QueryRow(ctx, insertDeviceSQL,
		device.ID,
		device.Name,
		device.Secret,
		device.UserID,
		location,
		device.Active,
		device.LedgerEnabled,
	).Scan(&device.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return Device{}, ErrDuplicate
		}
		return Device{}, fmt.Errorf("insert device: %w", err)
	}
	return device, nil
}

// GetDevice fetches a device regardless of its active flag.
func (s *Store) GetDevice(ctx context.Context, id uuid.UUID) (Device, error) {
	return s.getDevice(ctx, getDeviceSQL, id)
}

// GetActiveDevice fetches a device only if it is active.
func (s *Store) GetActiveDevice(ctx context.Context, id uuid.UUID) (Device, error) {
	return s.getDevice(ctx, getActiveDeviceSQL, id)
}

func (s *Store) getDevice(ctx context.Context, query string, id uuid.UUID) (Device, error) {
	pool, err := s.getPool()
	if err != nil {
		return Device{}, err
	}
	device, err := scanDevice(pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Device{}, ErrNotFound
	}
	if err != nil {
		return Device{}, fmt.Errorf("get device: %w", err)
	}
	return device, nil
}

// ListDevices lists devices, newest first.
func (s *Store) ListDevices(ctx context.Context) ([]Device, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listDevicesSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list devices: %w", queryErr)
	}
	defer rows.Close()

	devices := make([]Device, 0)
	for rows.Next() {
		device, scanErr := scanDevice(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		devices = append(devices, device)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return devices, nil
}

// TouchDevice records the last time a device was heard from.
func (s *Store) TouchDevice(ctx context.Context, id uuid.UUID, seenAt time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, touchDeviceSQL, id, seenAt); execErr != nil {
		return fmt.Errorf("touch device: %w", execErr)
	}
	return nil
}

// ReadingExists reports whether a reading for the device timestamp is stored.
func (s *Store) ReadingExists(ctx context.Context, deviceID uuid.UUID, deviceTS time.Time) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}
	var exists bool
	if scanErr := pool.QueryRow(ctx, readingExistsSQL, deviceID, deviceTS).Scan(&exists); scanErr != nil {
		return false, fmt.Errorf("reading exists: %w", scanErr)
	}
	return exists, nil
}

// InsertReading stores a reading. A (device_id, ts_device) collision yields ErrDuplicate.
func (s *Store) InsertReading(ctx context.Context, reading Reading) (Reading, error) {
	pool, err := s.getPool()
	if err != nil {
		return Reading{}, err
	}

	if scanErr := pool.QueryRow(ctx, insertReadingSQL,
		reading.ID,
		reading.DeviceID,
		reading.DeviceTimestamp,
		reading.EnergyKWh.String(),
		optionalDecimal(reading.VoltageV),
		optionalDecimal(reading.CurrentA),
		optionalDecimal(reading.FrequencyHz),
		[]byte(reading.RawPayload),
		reading.Signature,
		string(reading.Status),
	).Scan(&reading.CreatedAt); scanErr != nil {
		if isUniqueViolation(scanErr) {
			return Reading{}, ErrDuplicate
		}
		return Reading{}, fmt.Errorf("insert reading: %w", scanErr)
	}
	return reading, nil
}

// ListReadingsByStatus returns up to limit readings in status, oldest created first.
func (s *Store) ListReadingsByStatus(ctx context.Context, status LedgerStatus, limit int) ([]Reading, error) {
	return s.queryReadings(ctx, "list readings by status", listReadingsByStatusSQL, string(status), limit)
}

// ListDeviceReadings returns a device's readings, newest device timestamp first.
func (s *Store) ListDeviceReadings(ctx context.Context, deviceID uuid.UUID, limit int) ([]Reading, error) {
	return s.queryReadings(ctx, "list device readings", listDeviceReadingsSQL, deviceID, limit)
}

// ListReadingsBetween returns readings with device timestamps in [from, to), optionally for one device.
func (s *Store) ListReadingsBetween(ctx context.Context, deviceID *uuid.UUID, from, to time.Time) ([]Reading, error) {
	var device interface{}
	if deviceID != nil {
		device = *deviceID
	}
	return s.queryReadings(ctx, "list readings between", listReadingsBetweenSQL, from, to, device)
}

func (s *Store) queryReadings(ctx context.Context, op, query string, args ...interface{}) ([]Reading, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, query, args...)
	if queryErr != nil {
		return nil, fmt.Errorf("%s: %w", op, queryErr)
	}
	defer rows.Close()

	readings := make([]Reading, 0)
	for rows.Next() {
		reading, scanErr := scanReading(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		readings = append(readings, reading)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return readings, nil
}

// MarkReadingSent moves a pending reading to sent with its ledger reference.
func (s *Store) MarkReadingSent(ctx context.Context, id uuid.UUID, ref string, at time.Time) error {
	return s.execGuarded(ctx, "mark reading sent", markReadingSentSQL, id, ref, at)
}

// MarkReadingFailed moves a pending reading to failed.
func (s *Store) MarkReadingFailed(ctx context.Context, id uuid.UUID, reason string, at time.Time) error {
	return s.execGuarded(ctx, "mark reading failed", markReadingFailedSQL, id, reason, at)
}

// MarkReadingUnconfirmed parks a pending reading the ledger accepted but whose
// sent transition could not be written. It keeps the reference and is never
// requeued.
func (s *Store) MarkReadingUnconfirmed(ctx context.Context, id uuid.UUID, ref, reason string, at time.Time) error {
	return s.execGuarded(ctx, "mark reading unconfirmed", markReadingUnconfirmedSQL, id, ref, reason, at)
}

// RequeueFailed moves failed readings that still have attempts left and whose
// exponential backoff has elapsed back to pending.
func (s *Store) RequeueFailed(ctx context.Context, maxAttempts int, backoff time.Duration, now time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	cmdTag, execErr := pool.Exec(ctx, requeueFailedSQL, maxAttempts, now, float64(backoff.Milliseconds()))
	if execErr != nil {
		return 0, fmt.Errorf("requeue failed readings: %w", execErr)
	}
	return cmdTag.RowsAffected(), nil
}

// CountReadingsByStatus counts readings per ledger status.
func (s *Store) CountReadingsByStatus(ctx context.Context) (map[LedgerStatus]int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, countReadingsByStatusSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("count readings by status: %w", queryErr)
	}
	defer rows.Close()

	counts := map[LedgerStatus]int64{StatusPending: 0, StatusSent: 0, StatusFailed: 0}
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[LedgerStatus(status)] = count
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return counts, nil
}

// CreateSale records a new, unfinalized sale.
func (s *Store) CreateSale(ctx context.Context, sale Sale) (Sale, error) {
	pool, err := s.getPool()
	if err != nil {
		return Sale{}, err
	}
	if scanErr := pool.QueryRow(ctx, insertSaleSQL,
		sale.KWhSold.String(),
		sale.RevenueMinor,
		sale.FeeBps,
	).Scan(&sale.ID, &sale.Finalized, &sale.CreatedAt); scanErr != nil {
		return Sale{}, fmt.Errorf("insert sale: %w", scanErr)
	}
	return sale, nil
}

// GetSale fetches a sale by id.
func (s *Store) GetSale(ctx context.Context, id int64) (Sale, error) {
	pool, err := s.getPool()
	if err != nil {
		return Sale{}, err
	}
	sale, scanErr := scanSale(pool.QueryRow(ctx, getSaleSQL, id))
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return Sale{}, ErrNotFound
	}
	if scanErr != nil {
		return Sale{}, fmt.Errorf("get sale: %w", scanErr)
	}
	return sale, nil
}

// FinalizeSale finalizes an open sale. ErrNotFound covers both a missing and an
// already finalized sale.
func (s *Store) FinalizeSale(ctx context.Context, id int64, at time.Time) (Sale, error) {
	pool, err := s.getPool()
	if err != nil {
		return Sale{}, err
	}
	sale, scanErr := scanSale(pool.QueryRow(ctx, finalizeSaleSQL, id, at))
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return Sale{}, ErrNotFound
	}
	if scanErr != nil {
		return Sale{}, fmt.Errorf("finalize sale: %w", scanErr)
	}
	return sale, nil
}

// InsertClaim records burned energy against an open sale. ErrDuplicate when the
// user already burned against the sale, ErrNotFound when the sale is missing or finalized.
func (s *Store) InsertClaim(ctx context.Context, claim UserClaim) (UserClaim, error) {
	pool, err := s.getPool()
	if err != nil {
		return UserClaim{}, err
	}
	scanErr := pool.QueryRow(ctx, insertClaimSQL,
		claim.UserID,
		claim.SaleID,
		claim.BurnedKWh.String(),
	).Scan(&claim.CreatedAt)
	switch {
	case errors.Is(scanErr, pgx.ErrNoRows):
		return UserClaim{}, ErrNotFound
	case isUniqueViolation(scanErr):
		return UserClaim{}, ErrDuplicate
	case scanErr != nil:
		return UserClaim{}, fmt.Errorf("insert claim: %w", scanErr)
	}
	return claim, nil
}

// GetClaim fetches one user's claim against a sale.
func (s *Store) GetClaim(ctx context.Context, userID string, saleID int64) (UserClaim, error) {
	pool, err := s.getPool()
	if err != nil {
		return UserClaim{}, err
	}
	claim, scanErr := scanClaim(pool.QueryRow(ctx, getClaimSQL, userID, saleID))
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return UserClaim{}, ErrNotFound
	}
	if scanErr != nil {
		return UserClaim{}, fmt.Errorf("get claim: %w", scanErr)
	}
	return claim, nil
}

// ListClaims lists every claim against a sale.
func (s *Store) ListClaims(ctx context.Context, saleID int64) ([]UserClaim, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listClaimsSQL, saleID)
	if queryErr != nil {
		return nil, fmt.Errorf("list claims: %w", queryErr)
	}
	defer rows.Close()

	claims := make([]UserClaim, 0)
	for rows.Next() {
		claim, scanErr := scanClaim(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		claims = append(claims, claim)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return claims, nil
}

// MarkClaimed flags an unclaimed claim as paid out.
func (s *Store) MarkClaimed(ctx context.Context, userID string, saleID int64, at time.Time) error {
	return s.execGuarded(ctx, "mark claimed", markClaimedSQL, userID, saleID, at)
}

func (s *Store) execGuarded(ctx context.Context, op, query string, args ...interface{}) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	cmdTag, execErr := pool.Exec(ctx, query, args...)
	if execErr != nil {
		return fmt.Errorf("%s: %w", op, execErr)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == uniqueViolationCode
	}
	return false
}

func optionalDecimal(d *decimal.Decimal) interface{} {
	if d == nil {
		return nil
	}
	return d.String()
}

func parseOptionalDecimal(v sql.NullString, field string) (*decimal.Decimal, error) {
	if !v.Valid {
		return nil, nil
	}
	d, err := decimal.NewFromString(v.String)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", field, err)
	}
	return &d, nil
}

func scanDevice(row pgx.Row) (Device, error) {
	var (
		device   Device
		userID   sql.NullString
		location []byte
		lastSeen sql.NullTime
	)
	if err := row.Scan(
		&device.ID,
		&device.Name,
		&device.Secret,
		&userID,
		&location,
		&device.Active,
		&device.LedgerEnabled,
		&device.CreatedAt,
		&lastSeen,
	); err != nil {
		return Device{}, err
	}
	if userID.Valid {
		value := userID.String
		device.UserID = &value
	}
	if len(location) > 0 {
		device.Location = json.RawMessage(location)
	}
	if lastSeen.Valid {
		value := lastSeen.Time
		device.LastSeenAt = &value
	}
	return device, nil
}

func scanReading(row pgx.Row) (Reading, error) {
	var (
		reading     Reading
		energyStr   string
		voltage     sql.NullString
		current     sql.NullString
		frequency   sql.NullString
		status      string
		ledgerRef   sql.NullString
		ledgerErr   sql.NullString
		lastAttempt sql.NullTime
	)

	if err := row.Scan(
		&reading.ID,
		&reading.DeviceID,
		&reading.DeviceTimestamp,
		&energyStr,
		&voltage,
		&current,
		&frequency,
		&reading.RawPayload,
		&reading.Signature,
		&status,
		&ledgerRef,
		&ledgerErr,
		&reading.Attempts,
		&lastAttempt,
		&reading.CreatedAt,
	); err != nil {
		return Reading{}, err
	}

	energy, err := decimal.NewFromString(energyStr)
	if err != nil {
		return Reading{}, fmt.Errorf("parse energy: %w", err)
	}
	reading.EnergyKWh = energy
	reading.Status = LedgerStatus(status)

	if reading.VoltageV, err = parseOptionalDecimal(voltage, "voltage"); err != nil {
		return Reading{}, err
	}
	if reading.CurrentA, err = parseOptionalDecimal(current, "current"); err != nil {
		return Reading{}, err
	}
	if reading.FrequencyHz, err = parseOptionalDecimal(frequency, "frequency"); err != nil {
		return Reading{}, err
	}
	if ledgerRef.Valid {
		value := ledgerRef.String
		reading.LedgerRef = &value
	}
	if ledgerErr.Valid {
		value := ledgerErr.String
		reading.LedgerError = &value
	}
	if lastAttempt.Valid {
		value := lastAttempt.Time
		reading.LastAttemptAt = &value
	}
	return reading, nil
}

func scanSale(row pgx.Row) (Sale, error) {
	var (
		sale        Sale
		kwhStr      string
		finalizedAt sql.NullTime
	)
	if err := row.Scan(
		&sale.ID,
		&kwhStr,
		&sale.RevenueMinor,
		&sale.FeeBps,
		&sale.Finalized,
		&sale.CreatedAt,
		&finalizedAt,
	); err != nil {
		return Sale{}, err
	}
	kwh, err := decimal.NewFromString(kwhStr)
	if err != nil {
		return Sale{}, fmt.Errorf("parse kwh sold: %w", err)
	}
	sale.KWhSold = kwh
	if finalizedAt.Valid {
		value := finalizedAt.Time
		sale.FinalizedAt = &value
	}
	return sale, nil
}

func scanClaim(row pgx.Row) (UserClaim, error) {
	var (
		claim     UserClaim
		burnedStr string
		claimedAt sql.NullTime
	)
	if err := row.Scan(
		&claim.UserID,
		&claim.SaleID,
		&burnedStr,
		&claim.Claimed,
		&claimedAt,
		&claim.CreatedAt,
	); err != nil {
		return UserClaim{}, err
	}
	burned, err := decimal.NewFromString(burnedStr)
	if err != nil {
		return UserClaim{}, fmt.Errorf("parse burned kwh: %w", err)
	}
	claim.BurnedKWh = burned
	if claimedAt.Valid {
		value := claimedAt.Time
		claim.ClaimedAt = &value
	}
	return claim, nil
}

var (
	_ DeviceStore    = (*Store)(nil)
	_ ReadingStore   = (*Store)(nil)
	_ SaleStore      = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)
