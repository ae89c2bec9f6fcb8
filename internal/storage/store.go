package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"otsentry/internal/config"
	"otsentry/internal/model"
)

const (
	countDevicesSQL = `SELECT count(*) FROM devices;`

	insertDeviceSQL = `INSERT INTO devices (
        name,
        type,
        protocol,
        ip_address,
        port,
        status,
        acceptable_ranges,
        parameters
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8
    );`
)

// NewPool configures a PostgreSQL connection pool from runtime settings and
// verifies the server is reachable.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolConfig.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

// Open connects, applies the schema files found under cfg.MigrationsPath and
// registers devices when the registry is still empty.
func Open(ctx context.Context, cfg config.DatabaseConfig, devices []model.Device) (*Store, error) {
	pool, err := NewPool(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if err := Migrate(ctx, pool, cfg.MigrationsPath); err != nil {
		pool.Close()
		return nil, err
	}
	if err := seedDevices(ctx, pool, devices); err != nil {
		pool.Close()
		return nil, err
	}
	return NewStore(pool), nil
}

// Migrate executes every .sql file in dir in lexical order. Files must be
// idempotent. A missing directory is not an error.
func Migrate(ctx context.Context, pool *pgxpool.Pool, dir string) error {
	files, err := migrationFiles(dir)
	if err != nil {
		return err
	}
	for _, path := range files {
		body, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", filepath.Base(path), err)
		}
		if _, err := pool.Exec(ctx, string(body)); err != nil {
			return fmt.Errorf("apply migration %s: %w", filepath.Base(path), err)
		}
	}
	return nil
}

func migrationFiles(dir string) ([]string, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		files = append(files, filepath.Join(dir, entry.Name()))
	}
	sort.Strings(files)
	return files, nil
}

func seedDevices(ctx context.Context, pool *pgxpool.Pool, devices []model.Device) error {
	if len(devices) == 0 {
		return nil
	}

	var existing int64
	if err := pool.QueryRow(ctx, countDevicesSQL).Scan(&existing); err != nil {
		return fmt.Errorf("count devices: %w", err)
	}
	if existing > 0 {
		return nil
	}

	for _, device := range devices {
		ranges, err := json.Marshal(device.AcceptableRanges)
		if err != nil {
			return fmt.Errorf("encode ranges for %s: %w", device.Name, err)
		}
		params, err := json.Marshal(device.Parameters)
		if err != nil {
			return fmt.Errorf("encode parameters for %s: %w", device.Name, err)
		}
		status := device.Status
		if status == "" {
			status = model.DeviceUnknown
		}
		if _, err := pool.Exec(ctx, insertDeviceSQL,
			device.Name,
			device.Type,
			device.Protocol,
			device.IPAddress,
			device.Port,
			string(status),
			ranges,
			params,
		); err != nil {
			return fmt.Errorf("seed device %s: %w", device.Name, err)
		}
	}
	return nil
}
