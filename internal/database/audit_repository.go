package database

import (
	"context"
	"fmt"

	"github.com/xiangteng007/signalfuse/internal/models"
)

// AuditRepository appends dispatch outcomes. Append-only; run summaries are
// aggregated in memory, this table only keeps the trail.
type AuditRepository struct {
	pool DatabasePool
}

func NewAuditRepository(pool DatabasePool) *AuditRepository {
	return &AuditRepository{pool: pool}
}

// Append records one dispatch result.
func (r *AuditRepository) Append(ctx context.Context, res models.DispatchResult) error {
	query := `
		INSERT INTO dispatch_audit (event_id, rule_id, channel, status, error)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''))
	`
	_, err := r.pool.Exec(ctx, query,
		res.EventID, res.RuleID, string(res.Channel), string(res.Status), res.Error)
	if err != nil {
		return fmt.Errorf("failed to append dispatch audit: %w", err)
	}
	return nil
}
