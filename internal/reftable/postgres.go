package reftable

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kjstillabower/pollen-risk-service/internal/models"
)

// Querier is the subset of *pgxpool.Pool used to read the reference table.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// NewPool opens a pgx pool for dsn and verifies connectivity.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	cfg.MaxConns = 2
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return pool, nil
}

// LoadPostgres reads suburb, latitude, longitude, local_density_score from table.
// NULL coordinates are absent and NULL density is zero, as in LoadCSV.
func LoadPostgres(ctx context.Context, q Querier, table string) (*Table, error) {
	if table == "" {
		table = "suburb_plant_density"
	}
	sql := fmt.Sprintf(
		"SELECT suburb, latitude, longitude, local_density_score FROM %s ORDER BY suburb",
		pgx.Identifier{table}.Sanitize(),
	)
	rows, err := q.Query(ctx, sql)
	if err != nil {
		return nil, fmt.Errorf("query reference table: %w", err)
	}
	defer rows.Close()

	var out []models.SuburbRecord
	for rows.Next() {
		var (
			name     string
			lat, lon *float64
			density  *float64
		)
		if err := rows.Scan(&name, &lat, &lon, &density); err != nil {
			return nil, fmt.Errorf("scan reference row: %w", err)
		}
		r := models.SuburbRecord{Name: name}
		if lat != nil && lon != nil {
			r.Latitude, r.Longitude = lat, lon
		}
		if density != nil {
			r.DensityScore = *density
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reference rows: %w", err)
	}
	return newTable(out)
}
