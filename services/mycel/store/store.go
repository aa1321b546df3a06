// Copyright (C) 2025 Hyphae AI (oss@hyphae.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package store is the Postgres graph store: tenants, API keys, agents,
// hyphal edges, active nutrients, route logs, hyphal memory, and regional
// state all live here. Every query is tenant-scoped; vector search uses
// pgvector's <=> cosine-distance operator.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	_ "embed"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

const (
	poolMinConns = 10
	poolMaxConns = 20
)

// ErrNotFound is returned when a tenant-scoped lookup matches no row.
var ErrNotFound = errors.New("not found")

// Store owns the pgx connection pool.
//
// # Thread Safety
//
// Safe for concurrent use; pgxpool handles connection checkout.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New connects the pool and verifies connectivity with a ping.
func New(ctx context.Context, databaseURL string, logger *slog.Logger) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing database url: %w", err)
	}
	cfg.MinConns = poolMinConns
	cfg.MaxConns = poolMaxConns

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	logger.Info("postgres pool created",
		slog.Int("min_conns", poolMinConns),
		slog.Int("max_conns", poolMaxConns))

	return &Store{pool: pool, logger: logger}, nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
	s.logger.Info("postgres pool closed")
}

// Health reports database connectivity.
func (s *Store) Health(ctx context.Context) bool {
	var one int
	if err := s.pool.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		s.logger.Error("postgres health check failed", slog.String("error", err.Error()))
		return false
	}
	return one == 1
}

// EnsureSchema applies the embedded schema. Statements are idempotent
// (CREATE TABLE IF NOT EXISTS), so it is safe to run at every startup.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	s.logger.Info("database schema ensured")
	return nil
}

// IsRetryable reports whether err looks like a transient connection-level
// failure the caller may retry.
func IsRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08: connection exceptions. Class 57: operator intervention
		// (shutdown, crash).
		return strings.HasPrefix(pgErr.Code, "08") || strings.HasPrefix(pgErr.Code, "57")
	}
	return pgconn.SafeToRetry(err)
}

// IsConstraintViolation reports whether err is an integrity-constraint
// failure. These are fatal for the request; retrying cannot help.
func IsConstraintViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return strings.HasPrefix(pgErr.Code, "23")
	}
	return false
}

// vectorLiteral renders an embedding as a pgvector text literal, e.g.
// "[0.1,0.2,...]". pgx binds it as text and the ::vector cast parses it
// server-side.
func vectorLiteral(embedding []float32) string {
	var b strings.Builder
	b.Grow(len(embedding) * 10)
	b.WriteByte('[')
	for i, v := range embedding {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(v), 'g', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

// parseVector parses a pgvector text literal back into a float32 slice.
func parseVector(s string) ([]float32, error) {
	s = strings.TrimSpace(s)
	if len(s) < 2 || s[0] != '[' || s[len(s)-1] != ']' {
		return nil, fmt.Errorf("malformed vector literal")
	}
	body := s[1 : len(s)-1]
	if body == "" {
		return []float32{}, nil
	}
	parts := strings.Split(body, ",")
	out := make([]float32, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("parsing vector component %d: %w", i, err)
		}
		out[i] = float32(f)
	}
	return out, nil
}
