package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/xiangteng007/signalfuse/internal/models"
)

// EventRepository persists fused events. Events are written atomically with a
// single insert and never updated; corrections are new events.
type EventRepository struct {
	pool DatabasePool
}

func NewEventRepository(pool DatabasePool) *EventRepository {
	return &EventRepository{pool: pool}
}

// Insert writes one fused event in a single statement.
func (r *EventRepository) Insert(ctx context.Context, e *models.FusedEvent) error {
	breakdown, err := marshalNullable(e.Breakdown)
	if err != nil {
		return fmt.Errorf("failed to encode severity breakdown: %w", err)
	}
	sources, err := marshalNullable(e.Sources)
	if err != nil {
		return fmt.Errorf("failed to encode evidence sources: %w", err)
	}
	actions, err := marshalNullable(e.Actions)
	if err != nil {
		return fmt.Errorf("failed to encode actions: %w", err)
	}

	query := `
		INSERT INTO fused_events (id, ts, title, event_type, severity, sentiment, subject_key, symbols, tags, confidence, breakdown, sources, actions, keywords)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err = r.pool.Exec(ctx, query,
		e.ID, e.Timestamp, e.Title, string(e.EventType), e.Severity, string(e.Sentiment),
		e.SubjectKey, e.Symbols, e.Tags, e.Confidence, breakdown, sources, actions, e.Keywords)
	if err != nil {
		return fmt.Errorf("failed to insert fused event: %w", err)
	}
	return nil
}

// GetByID fetches a single fused event. A missing id returns (nil, nil).
func (r *EventRepository) GetByID(ctx context.Context, id string) (*models.FusedEvent, error) {
	query := selectEvents + ` WHERE id = $1`
	rows, err := r.pool.Query(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query fused event: %w", err)
	}
	defer rows.Close()

	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}
	return &events[0], nil
}

// EventFilter narrows List results.
type EventFilter struct {
	Since        time.Time
	SubjectKey   string
	MinSeverity  int
	ExcludeAlert bool
	Limit        int
}

// List returns fused events matching the filter, newest first.
func (r *EventRepository) List(ctx context.Context, f EventFilter) ([]models.FusedEvent, error) {
	query := selectEvents + ` WHERE ts >= $1 AND severity >= $2`
	args := []interface{}{f.Since, f.MinSeverity}
	if f.SubjectKey != "" {
		args = append(args, f.SubjectKey)
		query += fmt.Sprintf(" AND subject_key = $%d", len(args))
	}
	if f.ExcludeAlert {
		args = append(args, string(models.EventTypeAlert))
		query += fmt.Sprintf(" AND event_type != $%d", len(args))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY ts DESC LIMIT $%d", len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list fused events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// DeleteOlderThan removes events past retention.
func (r *EventRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM fused_events WHERE ts < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old events: %w", err)
	}
	return tag.RowsAffected(), nil
}

const selectEvents = `
	SELECT id, ts, title, event_type, severity, sentiment, subject_key, symbols, tags, confidence, breakdown, sources, actions, keywords
	FROM fused_events`

type eventRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanEvents(rows eventRows) ([]models.FusedEvent, error) {
	var events []models.FusedEvent
	for rows.Next() {
		var e models.FusedEvent
		var eventType, sentiment string
		var breakdown, sources, actions []byte
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Title, &eventType, &e.Severity, &sentiment,
			&e.SubjectKey, &e.Symbols, &e.Tags, &e.Confidence, &breakdown, &sources, &actions, &e.Keywords); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		e.EventType = models.EventType(eventType)
		e.Sentiment = models.Sentiment(sentiment)
		if len(breakdown) > 0 {
			if err := json.Unmarshal(breakdown, &e.Breakdown); err != nil {
				return nil, fmt.Errorf("failed to decode severity breakdown: %w", err)
			}
		}
		if len(sources) > 0 {
			if err := json.Unmarshal(sources, &e.Sources); err != nil {
				return nil, fmt.Errorf("failed to decode evidence sources: %w", err)
			}
		}
		if len(actions) > 0 {
			if err := json.Unmarshal(actions, &e.Actions); err != nil {
				return nil, fmt.Errorf("failed to decode actions: %w", err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func marshalNullable(v interface{}) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	switch t := v.(type) {
	case *models.SeverityBreakdown:
		if t == nil {
			return nil, nil
		}
	case map[models.SignalSource][]models.EvidenceRef:
		if len(t) == 0 {
			return nil, nil
		}
	case []models.Action:
		if len(t) == 0 {
			return nil, nil
		}
	}
	return json.Marshal(v)
}
