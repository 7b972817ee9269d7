package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/xiangteng007/signalfuse/internal/models"
)

// SignalRepository persists market ticks and the raw-signal staging set the
// fusion engine consumes.
type SignalRepository struct {
	pool DatabasePool
}

func NewSignalRepository(pool DatabasePool) *SignalRepository {
	return &SignalRepository{pool: pool}
}

// InsertTick stores one market tick. The (symbol, bucket_ts) unique index
// collapses repeated polls of the same minute to a single row; the bool
// result reports whether a new row was written.
func (r *SignalRepository) InsertTick(ctx context.Context, q models.QuoteData, bucket time.Duration) (bool, error) {
	if bucket <= 0 {
		bucket = time.Minute
	}
	query := `
		INSERT INTO market_ticks (id, symbol, price, open, high, low, volume, ts, bucket_ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (symbol, bucket_ts) DO NOTHING
	`
	tag, err := r.pool.Exec(ctx, query,
		uuid.New().String(), q.Symbol, q.Price, q.Open, q.High, q.Low, q.Volume,
		q.Timestamp, q.Timestamp.Truncate(bucket))
	if err != nil {
		return false, fmt.Errorf("failed to insert market tick: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// RecentTicks returns up to limit prior ticks for a symbol, most recent
// first.
func (r *SignalRepository) RecentTicks(ctx context.Context, symbol string, limit int) ([]models.QuoteData, error) {
	if limit <= 0 {
		limit = 60
	}
	query := `
		SELECT symbol, price, open, high, low, volume, ts
		FROM market_ticks
		WHERE symbol = $1
		ORDER BY ts DESC
		LIMIT $2
	`
	rows, err := r.pool.Query(ctx, query, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent ticks: %w", err)
	}
	defer rows.Close()

	var ticks []models.QuoteData
	for rows.Next() {
		var t models.QuoteData
		var price, open, high, low, volume decimal.Decimal
		if err := rows.Scan(&t.Symbol, &price, &open, &high, &low, &volume, &t.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan tick row: %w", err)
		}
		t.Price, t.Open, t.High, t.Low, t.Volume = price, open, high, low, volume
		ticks = append(ticks, t)
	}
	return ticks, rows.Err()
}

// StageSignal appends a raw signal to the pending set. The fingerprint unique
// constraint is the durable dedup layer backing the idempotency store: a
// conflicting insert affects zero rows and reports duplicate=true.
func (r *SignalRepository) StageSignal(ctx context.Context, s *models.RawSignal, fingerprint string) (bool, error) {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	var payload []byte
	if len(s.Payload) > 0 {
		b, err := json.Marshal(s.Payload)
		if err != nil {
			return false, fmt.Errorf("failed to encode signal payload: %w", err)
		}
		payload = b
	}
	query := `
		INSERT INTO raw_signals (id, fingerprint, source, subject_key, signal_type, title, url, sentiment, severity, confidence, payload, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (fingerprint) DO NOTHING
	`
	tag, err := r.pool.Exec(ctx, query,
		s.ID, fingerprint, string(s.Source), s.SubjectKey, s.SignalType, s.Title,
		s.URL, string(s.Sentiment), s.Severity, s.Confidence, payload, s.Timestamp)
	if err != nil {
		return false, fmt.Errorf("failed to stage raw signal: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// PendingSignals returns unprocessed signals staged inside the trailing
// window, oldest first. The window cuts on created_at, not the signal's own
// ts: a signal that arrives after its window has already been fused is staged
// with a fresh created_at and fuses into a new event on the next cycle
// instead of aging out unseen. Alert-domain signals are never staged, so no
// filter is needed here beyond the processed flag.
func (r *SignalRepository) PendingSignals(ctx context.Context, window time.Duration, limit int) ([]models.RawSignal, error) {
	query := `
		SELECT id, source, subject_key, signal_type, title, COALESCE(url, ''), sentiment, severity, confidence, payload, ts
		FROM raw_signals
		WHERE processed = false AND created_at > $1
		ORDER BY ts ASC
		LIMIT $2
	`
	rows, err := r.pool.Query(ctx, query, time.Now().Add(-window), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending signals: %w", err)
	}
	defer rows.Close()

	var signals []models.RawSignal
	for rows.Next() {
		var s models.RawSignal
		var source, sentiment string
		var payload []byte
		if err := rows.Scan(&s.ID, &source, &s.SubjectKey, &s.SignalType, &s.Title, &s.URL,
			&sentiment, &s.Severity, &s.Confidence, &payload, &s.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan signal row: %w", err)
		}
		s.Source = models.SignalSource(source)
		s.Sentiment = models.Sentiment(sentiment)
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &s.Payload); err != nil {
				return nil, fmt.Errorf("failed to decode signal payload: %w", err)
			}
		}
		signals = append(signals, s)
	}
	return signals, rows.Err()
}

// MarkProcessed flags the given signals as consumed by a fusion run.
func (r *SignalRepository) MarkProcessed(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	query := `UPDATE raw_signals SET processed = true WHERE id = ANY($1)`
	if _, err := r.pool.Exec(ctx, query, ids); err != nil {
		return fmt.Errorf("failed to mark signals processed: %w", err)
	}
	return nil
}

// DeleteOlderThan removes ticks and signals past their retention windows. It
// returns total rows removed. Unprocessed signals are removed too once their
// staging time passes the cutoff: by then every fusion window that could have
// consumed them is long gone, and keeping them would pin storage forever.
func (r *SignalRepository) DeleteOlderThan(ctx context.Context, tickCutoff, signalCutoff time.Time) (int64, error) {
	var total int64
	tag, err := r.pool.Exec(ctx, `DELETE FROM market_ticks WHERE ts < $1`, tickCutoff)
	if err != nil {
		return total, fmt.Errorf("failed to delete old ticks: %w", err)
	}
	total += tag.RowsAffected()

	tag, err = r.pool.Exec(ctx, `DELETE FROM raw_signals WHERE (processed = true AND ts < $1) OR created_at < $1`, signalCutoff)
	if err != nil {
		return total, fmt.Errorf("failed to delete old signals: %w", err)
	}
	total += tag.RowsAffected()
	return total, nil
}
