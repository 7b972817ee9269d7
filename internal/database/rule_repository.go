package database

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/xiangteng007/signalfuse/internal/models"
)

// RuleRepository reads notification rules. Rules are owned by the admin
// surface; the alert engine only lists them.
type RuleRepository struct {
	pool   DatabasePool
	logger *logrus.Logger
}

func NewRuleRepository(pool DatabasePool, logger *logrus.Logger) *RuleRepository {
	if logger == nil {
		logger = logrus.New()
	}
	return &RuleRepository{pool: pool, logger: logger}
}

// ListEnabled returns all enabled rules with a valid channel config. Rules
// whose stored config fails validation are skipped and logged rather than
// failing the batch; they fail closed at dispatch time anyway.
func (r *RuleRepository) ListEnabled(ctx context.Context) ([]models.NotificationRule, error) {
	query := `
		SELECT id, name, channel, min_severity, config, enabled, created_at, updated_at
		FROM notification_rules
		WHERE enabled = true
		ORDER BY created_at
	`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query notification rules: %w", err)
	}
	defer rows.Close()

	var rules []models.NotificationRule
	for rows.Next() {
		var rule models.NotificationRule
		var channel string
		var rawConfig []byte
		if err := rows.Scan(&rule.ID, &rule.Name, &channel, &rule.MinSeverity,
			&rawConfig, &rule.Enabled, &rule.CreatedAt, &rule.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan rule row: %w", err)
		}
		rule.Channel = models.ChannelKind(channel)

		cfg, err := models.DecodeChannelConfig(rule.Channel, rawConfig)
		if err != nil {
			r.logger.WithFields(logrus.Fields{
				"rule_id": rule.ID,
				"channel": rule.Channel,
			}).WithError(err).Warn("Skipping rule with invalid channel config")
			continue
		}
		rule.Config = cfg
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}
