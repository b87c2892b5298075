// Package store is the log-structured persistence sink: signals, outcomes,
// context history, and small JSON state blobs, backed by Postgres. Each
// statement is atomic on its own; SaveContextSnapshot and PruneContext run
// two statements without a transaction. Failures upstream degrade to
// warn-and-continue, so nothing here ever blocks delivery.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"sentinel/internal/domain"

	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"
)

const contextRetention = 7 * 24 * time.Hour

// Config holds the Postgres connection parameters, filled from the
// environment by DefaultConfig.
type Config struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// DefaultConfig reads DB_* environment variables with local-dev defaults.
func DefaultConfig() Config {
	return Config{
		Host:     envOrDefault("DB_HOST", "localhost"),
		Port:     envOrDefault("DB_PORT", "5432"),
		User:     envOrDefault("DB_USER", "postgres"),
		Password: os.Getenv("DB_PASSWORD"),
		DBName:   envOrDefault("DB_NAME", "sentinel"),
		SSLMode:  envOrDefault("DB_SSLMODE", "disable"),
	}
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Store wraps the sql.DB handle with the pipeline's typed writes.
type Store struct {
	db *sql.DB
}

// Open connects, pings, and creates the schema. A failure here is fatal at
// boot per the error-handling table.
func Open(cfg Config) (*Store, error) {
	connStr := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schemaSQL := `
	CREATE TABLE IF NOT EXISTS signals (
		id TEXT PRIMARY KEY,
		ts TIMESTAMPTZ NOT NULL,
		symbol TEXT NOT NULL,
		type TEXT NOT NULL,
		direction TEXT NOT NULL,
		entry NUMERIC NOT NULL,
		stop NUMERIC NOT NULL,
		target NUMERIC NOT NULL,
		confidence REAL NOT NULL,
		priority TEXT NOT NULL,
		context TEXT NOT NULL,
		fingerprint TEXT NOT NULL,
		delivery_failed BOOLEAN NOT NULL DEFAULT FALSE
	);

	CREATE TABLE IF NOT EXISTS outcomes (
		signal_id TEXT PRIMARY KEY REFERENCES signals(id),
		ts TIMESTAMPTZ NOT NULL,
		price_at_check NUMERIC,
		pct_to_target REAL,
		label TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS context_oi (
		symbol TEXT NOT NULL,
		ts TIMESTAMPTZ NOT NULL,
		oi_usd NUMERIC NOT NULL,
		PRIMARY KEY (symbol, ts)
	);

	CREATE TABLE IF NOT EXISTS context_funding (
		symbol TEXT NOT NULL,
		ts TIMESTAMPTZ NOT NULL,
		funding_rate NUMERIC NOT NULL,
		PRIMARY KEY (symbol, ts)
	);

	CREATE TABLE IF NOT EXISTS state_blob (
		key TEXT PRIMARY KEY,
		json JSONB NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_signals_symbol_ts ON signals(symbol, ts);
	CREATE INDEX IF NOT EXISTS idx_context_oi_ts ON context_oi(ts);
	CREATE INDEX IF NOT EXISTS idx_context_funding_ts ON context_funding(ts);
	`
	_, err := s.db.Exec(schemaSQL)
	return err
}

// SaveSignal persists a scored signal at delivery time.
func (s *Store) SaveSignal(ctx context.Context, sig *domain.TradingSignal) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO signals (id, ts, symbol, type, direction, entry, stop, target, confidence, priority, context, fingerprint)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (id) DO NOTHING`,
		sig.ID, sig.TS, sig.Symbol, string(sig.Type), sig.Direction.String(),
		sig.Entry.String(), sig.Stop.String(), sig.Target.String(),
		sig.Confidence, string(sig.Priority), string(sig.Context), sig.Fingerprint.String())
	if err != nil {
		return fmt.Errorf("failed to save signal %s: %w", sig.ID, err)
	}
	return nil
}

// MarkDeliveryFailed flags a persisted signal whose messaging delivery
// exhausted its retries.
func (s *Store) MarkDeliveryFailed(ctx context.Context, signalID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE signals SET delivery_failed = TRUE WHERE id = $1`, signalID)
	if err != nil {
		return fmt.Errorf("failed to mark delivery failure for %s: %w", signalID, err)
	}
	return nil
}

// SaveOutcome persists the single outcome row for a signal.
func (s *Store) SaveOutcome(ctx context.Context, o domain.SignalOutcome) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO outcomes (signal_id, ts, price_at_check, pct_to_target, label)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (signal_id) DO NOTHING`,
		o.SignalID, o.TS, o.PriceAtCheck.String(), o.PctToTarget, string(o.Label))
	if err != nil {
		return fmt.Errorf("failed to save outcome for %s: %w", o.SignalID, err)
	}
	return nil
}

// SaveContextSnapshot writes one OI row and one funding row per poll.
func (s *Store) SaveContextSnapshot(ctx context.Context, snap domain.ContextSnapshot) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO context_oi (symbol, ts, oi_usd) VALUES ($1,$2,$3)
		ON CONFLICT (symbol, ts) DO NOTHING`,
		snap.Symbol, snap.TS, snap.OpenInterest.String()); err != nil {
		return fmt.Errorf("failed to save oi snapshot for %s: %w", snap.Symbol, err)
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO context_funding (symbol, ts, funding_rate) VALUES ($1,$2,$3)
		ON CONFLICT (symbol, ts) DO NOTHING`,
		snap.Symbol, snap.TS, snap.FundingRate.String()); err != nil {
		return fmt.Errorf("failed to save funding snapshot for %s: %w", snap.Symbol, err)
	}
	return nil
}

// PruneContext drops context rows older than the 7-day on-disk retention.
func (s *Store) PruneContext(ctx context.Context, now time.Time) error {
	cutoff := now.Add(-contextRetention)
	if _, err := s.db.ExecContext(ctx, `DELETE FROM context_oi WHERE ts < $1`, cutoff); err != nil {
		return fmt.Errorf("failed to prune context_oi: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM context_funding WHERE ts < $1`, cutoff); err != nil {
		return fmt.Errorf("failed to prune context_funding: %w", err)
	}
	return nil
}

// SaveStateBlob upserts a JSON-serialisable value under key.
func (s *Store) SaveStateBlob(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal state %q: %w", key, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO state_blob (key, json) VALUES ($1,$2)
		ON CONFLICT (key) DO UPDATE SET json = EXCLUDED.json`, key, data)
	if err != nil {
		return fmt.Errorf("failed to save state %q: %w", key, err)
	}
	return nil
}

// LoadStateBlob unmarshals the value under key into v. Returns false when
// the key has never been written.
func (s *Store) LoadStateBlob(ctx context.Context, key string, v any) (bool, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT json FROM state_blob WHERE key = $1`, key).Scan(&data)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load state %q: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to unmarshal state %q: %w", key, err)
	}
	return true, nil
}

// RecentSignals returns the latest n signals, newest first, for the
// dashboard snapshot and CSV export.
func (s *Store) RecentSignals(ctx context.Context, n int) ([]domain.TradingSignal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ts, symbol, type, direction, entry, stop, target, confidence, priority, context
		FROM signals ORDER BY ts DESC LIMIT $1`, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent signals: %w", err)
	}
	defer rows.Close()

	var out []domain.TradingSignal
	for rows.Next() {
		var (
			sig                  domain.TradingSignal
			typ, dir, prio, cctx string
			entry, stop, target  string
		)
		if err := rows.Scan(&sig.ID, &sig.TS, &sig.Symbol, &typ, &dir, &entry, &stop, &target,
			&sig.Confidence, &prio, &cctx); err != nil {
			return nil, fmt.Errorf("failed to scan signal row: %w", err)
		}
		sig.Type = domain.SignalType(typ)
		sig.Direction = parseDirection(dir)
		sig.Priority = domain.Priority(prio)
		sig.Context = domain.Assessment(cctx)
		sig.Entry, _ = decimal.NewFromString(entry)
		sig.Stop, _ = decimal.NewFromString(stop)
		sig.Target, _ = decimal.NewFromString(target)
		out = append(out, sig)
	}
	return out, rows.Err()
}

func parseDirection(s string) domain.Direction {
	switch s {
	case "long":
		return domain.DirectionLong
	case "short":
		return domain.DirectionShort
	default:
		return domain.DirectionNone
	}
}

// HealthCheck pings the database.
func (s *Store) HealthCheck() error {
	if s == nil || s.db == nil {
		return fmt.Errorf("database connection is nil")
	}
	return s.db.Ping()
}

// Close releases the connection pool.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
