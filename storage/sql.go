// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/extra/bundebug"

	"github.com/soothill/sunstrong-data-logger/monitoring"
	apperrors "github.com/soothill/sunstrong-data-logger/pkg/errors"
	"github.com/soothill/sunstrong-data-logger/pkg/logger"
)

const (
	defaultMaxOpenConns = 5
	defaultMaxIdleConns = 2
	defaultConnLifetime = time.Hour
	defaultConnIdleTime = 30 * time.Minute
	defaultPingTimeout  = 5 * time.Second
)

// readingRow is one row of sunstrong_current_power.
type readingRow struct {
	bun.BaseModel `bun:"table:sunstrong_current_power"`

	SiteKey       string    `bun:"site_key,pk,notnull"`
	Ts            time.Time `bun:"ts,pk,notnull"`
	ProductionKW  float64   `bun:"production_kw,type:double precision"`
	ConsumptionKW float64   `bun:"consumption_kw,type:double precision"`
	StorageKW     *float64  `bun:"storage_kw,type:double precision"`
	GridKW        float64   `bun:"grid_kw,type:double precision"`
}

// SQLConfig configures a SQLSink.
type SQLConfig struct {
	// DSN selects the driver: sqlite://path or file:... opens SQLite,
	// anything else (postgres:// URLs or key=value strings) opens Postgres.
	DSN   string
	Debug bool // Log every query through bundebug
}

// SQLSink inserts one row per reading. Duplicate (site_key, ts) pairs are
// ignored so replays and restarts are harmless.
type SQLSink struct {
	db   *bun.DB
	name string
}

// NewSQLSink connects, verifies the connection and creates the table if it
// doesn't exist.
func NewSQLSink(ctx context.Context, cfg SQLConfig) (*SQLSink, error) {
	db, name, err := openDB(cfg.DSN)
	if err != nil {
		return nil, err
	}

	if cfg.Debug {
		db.AddQueryHook(bundebug.NewQueryHook(bundebug.WithVerbose(true)))
	}

	pingCtx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, apperrors.NewSinkError(name, "connect", err)
	}

	s := &SQLSink{db: db, name: name}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	logger.Info().Str("driver", name).Msg("Connected to database")
	return s, nil
}

func openDB(dsn string) (*bun.DB, string, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, "", apperrors.NewConfigError("database.dsn", "", fmt.Errorf("empty DSN"))
	}

	switch {
	case strings.HasPrefix(dsn, "sqlite://"), strings.HasPrefix(dsn, "file:"):
		path := strings.TrimPrefix(dsn, "sqlite://")
		sqldb, err := sql.Open("sqlite3", path)
		if err != nil {
			return nil, "", apperrors.NewSinkError("sqlite", "open", err)
		}
		// SQLite serialises writers; one connection also keeps in-memory
		// databases alive across calls.
		sqldb.SetMaxOpenConns(1)
		return bun.NewDB(sqldb, sqlitedialect.New()), "sqlite", nil

	default:
		sqldb, err := sql.Open("pgx", dsn)
		if err != nil {
			return nil, "", apperrors.NewSinkError("postgres", "open", err)
		}
		sqldb.SetMaxOpenConns(defaultMaxOpenConns)
		sqldb.SetMaxIdleConns(defaultMaxIdleConns)
		sqldb.SetConnMaxLifetime(defaultConnLifetime)
		sqldb.SetConnMaxIdleTime(defaultConnIdleTime)
		return bun.NewDB(sqldb, pgdialect.New()), "postgres", nil
	}
}

func (s *SQLSink) migrate(ctx context.Context) error {
	_, err := s.db.NewCreateTable().
		Model((*readingRow)(nil)).
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return apperrors.NewSinkError(s.name, "create table", err)
	}
	return nil
}

// Name returns the driver name, "postgres" or "sqlite".
func (s *SQLSink) Name() string {
	return s.name
}

// Write inserts the reading in its own transaction.
func (s *SQLSink) Write(ctx context.Context, reading *monitoring.Reading) error {
	row := &readingRow{
		SiteKey:       reading.SiteKey,
		Ts:            reading.Time(false).UTC(),
		ProductionKW:  reading.ProductionKW,
		ConsumptionKW: reading.ConsumptionKW,
		StorageKW:     reading.StorageKW,
		GridKW:        reading.GridKW,
	}

	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		_, err := tx.NewInsert().
			Model(row).
			On("CONFLICT (site_key, ts) DO NOTHING").
			Exec(ctx)
		return err
	})
	if err != nil {
		return apperrors.NewSinkError(s.name, "insert", err)
	}
	return nil
}

// Close closes the connection pool.
func (s *SQLSink) Close(_ context.Context) error {
	if err := s.db.Close(); err != nil {
		return apperrors.NewSinkError(s.name, "close", err)
	}
	return nil
}

// Health pings the database.
func (s *SQLSink) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
