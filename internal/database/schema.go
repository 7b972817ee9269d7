package database

import (
	"context"
	"fmt"
)

// schemaStatements creates the tables the pipeline owns. Statements are
// idempotent so every instance can run them at startup.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS market_ticks (
		id UUID PRIMARY KEY,
		symbol TEXT NOT NULL,
		price NUMERIC NOT NULL,
		open NUMERIC NOT NULL,
		high NUMERIC NOT NULL,
		low NUMERIC NOT NULL,
		volume NUMERIC NOT NULL,
		ts TIMESTAMPTZ NOT NULL,
		bucket_ts TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (symbol, bucket_ts)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_market_ticks_symbol_ts ON market_ticks (symbol, ts DESC)`,
	`CREATE TABLE IF NOT EXISTS raw_signals (
		id UUID PRIMARY KEY,
		fingerprint TEXT NOT NULL UNIQUE,
		source TEXT NOT NULL,
		subject_key TEXT NOT NULL,
		signal_type TEXT NOT NULL,
		title TEXT NOT NULL,
		url TEXT,
		sentiment TEXT NOT NULL,
		severity DOUBLE PRECISION NOT NULL,
		confidence DOUBLE PRECISION NOT NULL,
		payload JSONB,
		ts TIMESTAMPTZ NOT NULL,
		processed BOOLEAN NOT NULL DEFAULT false,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_raw_signals_pending ON raw_signals (processed, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_raw_signals_subject ON raw_signals (subject_key, ts DESC)`,
	`CREATE TABLE IF NOT EXISTS fused_events (
		id UUID PRIMARY KEY,
		ts TIMESTAMPTZ NOT NULL,
		title TEXT NOT NULL,
		event_type TEXT NOT NULL,
		severity INT NOT NULL,
		sentiment TEXT NOT NULL,
		subject_key TEXT NOT NULL,
		symbols TEXT[] NOT NULL DEFAULT '{}',
		tags TEXT[] NOT NULL DEFAULT '{}',
		confidence DOUBLE PRECISION NOT NULL,
		breakdown JSONB,
		sources JSONB,
		actions JSONB,
		keywords TEXT[] NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_fused_events_ts ON fused_events (ts DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_fused_events_subject ON fused_events (subject_key, ts DESC)`,
	`CREATE TABLE IF NOT EXISTS notification_rules (
		id UUID PRIMARY KEY,
		name TEXT NOT NULL,
		channel TEXT NOT NULL,
		min_severity INT NOT NULL DEFAULT 1,
		config JSONB NOT NULL,
		enabled BOOLEAN NOT NULL DEFAULT true,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS dispatch_audit (
		id BIGSERIAL PRIMARY KEY,
		event_id UUID NOT NULL,
		rule_id UUID NOT NULL,
		channel TEXT NOT NULL,
		status TEXT NOT NULL,
		error TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_dispatch_audit_event ON dispatch_audit (event_id)`,
}

// EnsureSchema creates missing tables and indexes.
func EnsureSchema(ctx context.Context, pool DatabasePool) error {
	for _, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement: %w", err)
		}
	}
	return nil
}
