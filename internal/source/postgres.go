package source

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kjstillabower/aqi-forecast-service/internal/models"
)

// DBTX is the subset of *pgxpool.Pool and pgx.Tx the Postgres source needs.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

const observationsTable = "air_quality_observations"

// observationColumns is the column order shared by Load and Store; pollutant columns follow models.Pollutants.
var observationColumns = []string{
	"city", "obs_date",
	"pm25", "pm10", "no", "no2", "nox", "nh3", "co", "so2", "o3", "benzene", "toluene", "xylene",
	"aqi",
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS air_quality_observations (
	city      TEXT NOT NULL,
	obs_date  DATE NOT NULL,
	pm25      DOUBLE PRECISION,
	pm10      DOUBLE PRECISION,
	no        DOUBLE PRECISION,
	no2       DOUBLE PRECISION,
	nox       DOUBLE PRECISION,
	nh3       DOUBLE PRECISION,
	co        DOUBLE PRECISION,
	so2       DOUBLE PRECISION,
	o3        DOUBLE PRECISION,
	benzene   DOUBLE PRECISION,
	toluene   DOUBLE PRECISION,
	xylene    DOUBLE PRECISION,
	aqi       DOUBLE PRECISION,
	PRIMARY KEY (city, obs_date)
)`

const selectSQL = `
SELECT city, obs_date, pm25, pm10, no, no2, nox, nh3, co, so2, o3, benzene, toluene, xylene, aqi
FROM air_quality_observations
WHERE ($1::date IS NULL OR obs_date >= $1::date)
  AND ($2::date IS NULL OR obs_date <= $2::date)
ORDER BY city, obs_date`

// PostgresSource reads observations from the air_quality_observations table.
type PostgresSource struct {
	db    DBTX
	Range DateRange
}

func NewPostgresSource(db DBTX, rng DateRange) *PostgresSource {
	return &PostgresSource{db: db, Range: rng}
}

// ConnectPostgres opens a pool and verifies it with a ping.
func ConnectPostgres(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	cfg.MaxConnLifetime = time.Hour

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: ping: %v", ErrSourceUnavailable, err)
	}
	return pool, nil
}

func (s *PostgresSource) Name() string { return "postgres" }

// Migrate creates the observations table when missing.
func (s *PostgresSource) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create %s: %w", observationsTable, err)
	}
	return nil
}

func (s *PostgresSource) Load(ctx context.Context) ([]models.Observation, error) {
	rows, err := s.db.Query(ctx, selectSQL, nullableDate(s.Range.From), nullableDate(s.Range.To))
	if err != nil {
		return nil, fmt.Errorf("%w: query: %v", ErrSourceUnavailable, err)
	}
	defer rows.Close()

	var out []models.Observation
	for rows.Next() {
		var (
			o    models.Observation
			vals = make([]*float64, len(models.Pollutants))
		)
		dest := []any{&o.City, &o.Date}
		for i := range vals {
			dest = append(dest, &vals[i])
		}
		dest = append(dest, &o.AQI)
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan observation: %w", err)
		}
		o.Date = o.Date.UTC()
		o.Pollutants = make(map[string]*float64, len(vals))
		for i, p := range models.Pollutants {
			o.Pollutants[p] = vals[i]
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	return out, nil
}

// Store bulk-loads observations with COPY. The table must not already hold the same (city, date) pairs.
func (s *PostgresSource) Store(ctx context.Context, obs []models.Observation) (int64, error) {
	n, err := s.db.CopyFrom(ctx, pgx.Identifier{observationsTable}, observationColumns,
		pgx.CopyFromSlice(len(obs), func(i int) ([]any, error) {
			return observationRow(obs[i]), nil
		}))
	if err != nil {
		return 0, fmt.Errorf("copy observations: %w", err)
	}
	return n, nil
}

func observationRow(o models.Observation) []any {
	row := make([]any, 0, len(observationColumns))
	row = append(row, o.City, o.Date)
	for _, p := range models.Pollutants {
		row = append(row, o.Pollutants[p])
	}
	return append(row, o.AQI)
}

func nullableDate(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
