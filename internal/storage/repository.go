package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"otsentry/internal/model"
)

const (
	deviceColumns = `id, name, type, protocol, ip_address, port, status, last_seen, acceptable_ranges, parameters`

	getDeviceSQL = `SELECT ` + deviceColumns + ` FROM devices WHERE id = $1;`

	listDevicesSQL = `SELECT ` + deviceColumns + ` FROM devices ORDER BY id;`

	updateDeviceStatusSQL = `UPDATE devices
    SET status = $2, last_seen = COALESCE($3, last_seen)
    WHERE id = $1
    RETURNING ` + deviceColumns + `;`

	insertReadingSQL = `INSERT INTO sensor_data (
        device_id,
        parameter_name,
        value,
        unit,
        status,
        timestamp
    ) VALUES (
        $1,$2,$3,$4,$5,COALESCE($6, now())
    )
    RETURNING id, device_id, parameter_name, value, unit, status, timestamp;`

	readingColumns = `id, device_id, parameter_name, value, unit, status, timestamp`

	latestReadingsSQL = `SELECT DISTINCT ON (device_id, parameter_name) ` + readingColumns + `
    FROM sensor_data
    WHERE ($1::bigint IS NULL OR device_id = $1)
    ORDER BY device_id, parameter_name, timestamp DESC, id DESC;`

	insertAlertSQL = `INSERT INTO alerts (
        timestamp,
        severity,
        title,
        description,
        source,
        device_id,
        raw_data,
        acknowledged
    ) VALUES (
        COALESCE($1, now()),$2,$3,$4,$5,$6,$7,false
    )
    RETURNING id, timestamp, severity, title, description, source, device_id, raw_data, acknowledged;`

	alertColumns = `id, timestamp, severity, title, description, source, device_id, raw_data, acknowledged`

	listAlertsSQL = `SELECT ` + alertColumns + `
    FROM alerts
    WHERE ($1::boolean IS NULL OR acknowledged = $1)
    ORDER BY timestamp DESC, id DESC
    LIMIT $2;`

	acknowledgeAlertSQL = `UPDATE alerts
    SET acknowledged = true
    WHERE id = $1
    RETURNING ` + alertColumns + `;`

	insertAttackLogSQL = `INSERT INTO attack_logs (
        timestamp,
        attack_type,
        target_id,
        parameters,
        result,
        notes
    ) VALUES (
        COALESCE($1, now()),$2,$3,$4,$5,$6
    )
    RETURNING id, timestamp, attack_type, target_id, parameters, result, notes;`

	listAttackLogsSQL = `SELECT id, timestamp, attack_type, target_id, parameters, result, notes
    FROM attack_logs
    ORDER BY timestamp DESC, id DESC
    LIMIT $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`

	// maxListLimit caps unbounded listings.
	maxListLimit = 10000
)

// Store implements Repository on PostgreSQL.
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

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
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
		// a failed unlock is released with the session when the connection drops
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
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

// GetDevice loads one device.
func (s *Store) GetDevice(ctx context.Context, id int64) (model.Device, error) {
	pool, err := s.getPool()
	if err != nil {
		return model.Device{}, err
	}
	device, err := scanDevice(pool.QueryRow(ctx, getDeviceSQL, id))
	if err != nil {
		return model.Device{}, wrapNotFound(fmt.Sprintf("get device %d", id), err)
	}
	return device, nil
}

// ListDevices lists every device ordered by ID.
func (s *Store) ListDevices(ctx context.Context) ([]model.Device, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listDevicesSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list devices: %w", queryErr)
	}
	defer rows.Close()

	devices := make([]model.Device, 0)
	for rows.Next() {
		device, scanErr := scanDevice(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan device: %w", scanErr)
		}
		devices = append(devices, device)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return devices, nil
}

// UpdateDeviceStatus records a new aggregate status.
func (s *Store) UpdateDeviceStatus(ctx context.Context, id int64, status model.DeviceStatus, seen time.Time) (model.Device, error) {
	pool, err := s.getPool()
	if err != nil {
		return model.Device{}, err
	}

	var lastSeen any
	if !seen.IsZero() {
		lastSeen = seen
	}
	device, err := scanDevice(pool.QueryRow(ctx, updateDeviceStatusSQL, id, string(status), lastSeen))
	if err != nil {
		return model.Device{}, wrapNotFound(fmt.Sprintf("update device %d", id), err)
	}
	return device, nil
}

// CreateReading persists a reading; the database assigns ID and, when unset, timestamp.
func (s *Store) CreateReading(ctx context.Context, reading model.Reading) (model.Reading, error) {
	pool, err := s.getPool()
	if err != nil {
		return model.Reading{}, err
	}

	status := reading.Status
	if status == "" {
		status = model.ReadingNormal
	}
	var ts any
	if !reading.Timestamp.IsZero() {
		ts = reading.Timestamp
	}

	row := pool.QueryRow(ctx, insertReadingSQL,
		reading.DeviceID,
		reading.ParameterName,
		reading.Value.String(),
		reading.Unit,
		string(status),
		ts,
	)
	created, err := scanReading(row)
	if err != nil {
		return model.Reading{}, fmt.Errorf("insert reading: %w", err)
	}
	return created, nil
}

// ListReadings lists readings matching filter, newest first.
func (s *Store) ListReadings(ctx context.Context, filter ReadingFilter) ([]model.Reading, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	query, args := buildReadingQuery(filter)
	rows, queryErr := pool.Query(ctx, query, args...)
	if queryErr != nil {
		return nil, fmt.Errorf("list readings: %w", queryErr)
	}
	defer rows.Close()

	readings := make([]model.Reading, 0)
	for rows.Next() {
		reading, scanErr := scanReading(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan reading: %w", scanErr)
		}
		readings = append(readings, reading)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return readings, nil
}

// LatestReadings returns the newest reading per device and parameter.
func (s *Store) LatestReadings(ctx context.Context, deviceID *int64) ([]model.Reading, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	var id any
	if deviceID != nil {
		id = *deviceID
	}
	rows, queryErr := pool.Query(ctx, latestReadingsSQL, id)
	if queryErr != nil {
		return nil, fmt.Errorf("latest readings: %w", queryErr)
	}
	defer rows.Close()

	readings := make([]model.Reading, 0)
	for rows.Next() {
		reading, scanErr := scanReading(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan reading: %w", scanErr)
		}
		readings = append(readings, reading)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return readings, nil
}

// CreateAlert persists an unacknowledged alert.
func (s *Store) CreateAlert(ctx context.Context, alert model.Alert) (model.Alert, error) {
	pool, err := s.getPool()
	if err != nil {
		return model.Alert{}, err
	}

	var ts any
	if !alert.Timestamp.IsZero() {
		ts = alert.Timestamp
	}
	row := pool.QueryRow(ctx, insertAlertSQL,
		ts,
		string(alert.Severity),
		alert.Title,
		alert.Description,
		alert.Source,
		alert.DeviceID,
		rawOrNull(alert.RawData),
	)
	created, err := scanAlert(row)
	if err != nil {
		return model.Alert{}, fmt.Errorf("insert alert: %w", err)
	}
	return created, nil
}

// ListAlerts lists alerts newest first, optionally filtered by acknowledgement.
func (s *Store) ListAlerts(ctx context.Context, filter AlertFilter) ([]model.Alert, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listAlertsSQL, filter.Acknowledged, clampLimit(filter.Limit))
	if queryErr != nil {
		return nil, fmt.Errorf("list alerts: %w", queryErr)
	}
	defer rows.Close()

	alerts := make([]model.Alert, 0)
	for rows.Next() {
		alert, scanErr := scanAlert(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan alert: %w", scanErr)
		}
		alerts = append(alerts, alert)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

// AcknowledgeAlert flips the acknowledged flag. It never clears it.
func (s *Store) AcknowledgeAlert(ctx context.Context, id int64) (model.Alert, error) {
	pool, err := s.getPool()
	if err != nil {
		return model.Alert{}, err
	}
	alert, err := scanAlert(pool.QueryRow(ctx, acknowledgeAlertSQL, id))
	if err != nil {
		return model.Alert{}, wrapNotFound(fmt.Sprintf("acknowledge alert %d", id), err)
	}
	return alert, nil
}

// CreateAttackLog persists an attack simulation log entry.
func (s *Store) CreateAttackLog(ctx context.Context, entry model.AttackLog) (model.AttackLog, error) {
	pool, err := s.getPool()
	if err != nil {
		return model.AttackLog{}, err
	}

	var ts any
	if !entry.Timestamp.IsZero() {
		ts = entry.Timestamp
	}
	var notes any
	if entry.Notes != "" {
		notes = entry.Notes
	}
	row := pool.QueryRow(ctx, insertAttackLogSQL,
		ts,
		entry.AttackType,
		entry.TargetID,
		rawOrNull(entry.Parameters),
		entry.Result,
		notes,
	)
	created, err := scanAttackLog(row)
	if err != nil {
		return model.AttackLog{}, fmt.Errorf("insert attack log: %w", err)
	}
	return created, nil
}

// ListAttackLogs lists the most recent attack logs.
func (s *Store) ListAttackLogs(ctx context.Context, limit int) ([]model.AttackLog, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listAttackLogsSQL, clampLimit(limit))
	if queryErr != nil {
		return nil, fmt.Errorf("list attack logs: %w", queryErr)
	}
	defer rows.Close()

	logs := make([]model.AttackLog, 0)
	for rows.Next() {
		entry, scanErr := scanAttackLog(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan attack log: %w", scanErr)
		}
		logs = append(logs, entry)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return logs, nil
}

func buildReadingQuery(filter ReadingFilter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	add := func(clause string, arg any) {
		args = append(args, arg)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}

	if filter.DeviceID != nil {
		add("device_id = $%d", *filter.DeviceID)
	}
	if filter.Parameter != "" {
		add("parameter_name = $%d", filter.Parameter)
	}
	if !filter.Since.IsZero() {
		add("timestamp >= $%d", filter.Since)
	}
	if !filter.Until.IsZero() {
		add("timestamp < $%d", filter.Until)
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(readingColumns)
	b.WriteString(" FROM sensor_data")
	if len(clauses) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(clauses, " AND "))
	}
	b.WriteString(" ORDER BY timestamp DESC, id DESC")
	args = append(args, clampLimit(filter.Limit))
	fmt.Fprintf(&b, " LIMIT $%d;", len(args))
	return b.String(), args
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

func rawOrNull(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func wrapNotFound(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func scanDevice(row pgx.Row) (model.Device, error) {
	var (
		device   model.Device
		status   string
		lastSeen sql.NullTime
		ranges   []byte
		params   []byte
	)
	if err := row.Scan(
		&device.ID,
		&device.Name,
		&device.Type,
		&device.Protocol,
		&device.IPAddress,
		&device.Port,
		&status,
		&lastSeen,
		&ranges,
		&params,
	); err != nil {
		return model.Device{}, err
	}

	device.Status = model.DeviceStatus(status)
	if lastSeen.Valid {
		ts := lastSeen.Time
		device.LastSeen = &ts
	}
	if len(ranges) > 0 {
		// malformed ranges decode as empty limits
		_ = json.Unmarshal(ranges, &device.AcceptableRanges)
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &device.Parameters); err != nil {
			return model.Device{}, fmt.Errorf("decode device parameters: %w", err)
		}
	}
	return device, nil
}

func scanReading(row pgx.Row) (model.Reading, error) {
	var (
		reading  model.Reading
		valueStr string
		status   string
	)
	if err := row.Scan(
		&reading.ID,
		&reading.DeviceID,
		&reading.ParameterName,
		&valueStr,
		&reading.Unit,
		&status,
		&reading.Timestamp,
	); err != nil {
		return model.Reading{}, err
	}

	value, err := decimal.NewFromString(strings.TrimSpace(valueStr))
	if err != nil {
		return model.Reading{}, fmt.Errorf("parse reading value %q: %w", valueStr, err)
	}
	reading.Value = value
	reading.Status = model.ReadingStatus(status)
	return reading, nil
}

func scanAlert(row pgx.Row) (model.Alert, error) {
	var (
		alert    model.Alert
		severity string
		deviceID sql.NullInt64
		raw      []byte
	)
	if err := row.Scan(
		&alert.ID,
		&alert.Timestamp,
		&severity,
		&alert.Title,
		&alert.Description,
		&alert.Source,
		&deviceID,
		&raw,
		&alert.Acknowledged,
	); err != nil {
		return model.Alert{}, err
	}

	alert.Severity = model.ParseSeverity(severity)
	if deviceID.Valid {
		id := deviceID.Int64
		alert.DeviceID = &id
	}
	if len(raw) > 0 {
		alert.RawData = json.RawMessage(raw)
	}
	return alert, nil
}

func scanAttackLog(row pgx.Row) (model.AttackLog, error) {
	var (
		entry    model.AttackLog
		targetID sql.NullInt64
		params   []byte
		notes    sql.NullString
	)
	if err := row.Scan(
		&entry.ID,
		&entry.Timestamp,
		&entry.AttackType,
		&targetID,
		&params,
		&entry.Result,
		&notes,
	); err != nil {
		return model.AttackLog{}, err
	}

	if targetID.Valid {
		id := targetID.Int64
		entry.TargetID = &id
	}
	if len(params) > 0 {
		entry.Parameters = json.RawMessage(params)
	}
	if notes.Valid {
		entry.Notes = notes.String
	}
	return entry, nil
}

var (
	_ Repository     = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)
