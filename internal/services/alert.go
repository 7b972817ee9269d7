package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/xiangteng007/signalfuse/internal/cache"
	"github.com/xiangteng007/signalfuse/internal/config"
	"github.com/xiangteng007/signalfuse/internal/database"
	"github.com/xiangteng007/signalfuse/internal/metrics"
	"github.com/xiangteng007/signalfuse/internal/models"
)

// AlertEngine fans a fused event out to every matching notification rule.
// Each rule dispatch is independent: one channel failing never blocks the
// others, and every attempt lands in the dispatch audit trail.
type AlertEngine struct {
	events   *database.EventRepository
	rules    *database.RuleRepository
	audit    *database.AuditRepository
	idem     cache.IdempotencyStore
	channels map[models.ChannelKind]Channel
	metrics  *metrics.Recorder
	logger   *logrus.Logger
	cfg      config.AlertConfig
}

func NewAlertEngine(
	events *database.EventRepository,
	rules *database.RuleRepository,
	audit *database.AuditRepository,
	idem cache.IdempotencyStore,
	channels map[models.ChannelKind]Channel,
	rec *metrics.Recorder,
	logger *logrus.Logger,
	cfg config.AlertConfig,
) *AlertEngine {
	return &AlertEngine{
		events:   events,
		rules:    rules,
		audit:    audit,
		idem:     idem,
		channels: channels,
		metrics:  rec,
		logger:   logger,
		cfg:      cfg,
	}
}

// DispatchEvent loads the event, matches it against the enabled rules and
// sends through every matching channel concurrently.
func (a *AlertEngine) DispatchEvent(ctx context.Context, eventID string) (*models.DispatchSummary, error) {
	event, err := a.events.GetByID(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to load event %s: %w", eventID, err)
	}
	if event == nil {
		return nil, fmt.Errorf("%w: event %s not found", ErrBadJobPayload, eventID)
	}

	summary := &models.DispatchSummary{EventID: eventID}

	// Synthetic notification events never trigger notifications themselves.
	if event.EventType == models.EventTypeAlert {
		a.logger.WithField("event_id", eventID).Debug("Skipping dispatch for alert-domain event")
		return summary, nil
	}

	rules, err := a.rules.ListEnabled(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load notification rules: %w", err)
	}

	matched := make([]models.NotificationRule, 0, len(rules))
	for _, rule := range rules {
		if a.matches(&rule, event) {
			matched = append(matched, rule)
		}
	}
	summary.Matched = len(matched)
	if len(matched) == 0 {
		return summary, nil
	}

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results = make([]models.DispatchResult, 0, len(matched))
	)
	for i := range matched {
		wg.Add(1)
		go func(rule *models.NotificationRule) {
			defer wg.Done()
			res := a.dispatchRule(ctx, event, rule)
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
		}(&matched[i])
	}
	wg.Wait()

	channelsUsed := make(map[string]bool)
	for _, res := range results {
		summary.Results = append(summary.Results, res)
		switch res.Status {
		case models.DispatchSent:
			summary.Sent++
			channelsUsed[string(res.Channel)] = true
		case models.DispatchFailed:
			summary.Failed++
			summary.Errors = append(summary.Errors, fmt.Sprintf("rule %s: %s", res.RuleID, res.Error))
		default:
			summary.Skipped++
		}
	}
	for ch := range channelsUsed {
		summary.ChannelsUsed = append(summary.ChannelsUsed, ch)
	}
	sort.Strings(summary.ChannelsUsed)

	if summary.Sent > 0 {
		if err := a.recordNotificationEvent(ctx, event, summary); err != nil {
			a.logger.WithError(err).WithField("event_id", eventID).Warn("Failed to record notification event")
		}
	}

	a.logger.WithFields(logrus.Fields{
		"event_id": eventID,
		"severity": event.Severity,
		"matched":  summary.Matched,
		"sent":     summary.Sent,
		"failed":   summary.Failed,
		"skipped":  summary.Skipped,
	}).Info("Dispatch completed")

	return summary, nil
}

// matches applies the severity threshold, with the configurable bypass that
// always routes CRITICAL events regardless of a rule's minimum.
func (a *AlertEngine) matches(rule *models.NotificationRule, event *models.FusedEvent) bool {
	if event.Severity >= rule.MinSeverity {
		return true
	}
	return a.cfg.CriticalBypass && event.Label() == models.SeverityCritical
}

func (a *AlertEngine) dispatchRule(ctx context.Context, event *models.FusedEvent, rule *models.NotificationRule) models.DispatchResult {
	res := models.DispatchResult{
		EventID: event.ID,
		RuleID:  rule.ID,
		Channel: rule.Channel,
		SentAt:  time.Now().UTC(),
	}

	log := a.logger.WithFields(logrus.Fields{
		"event_id": event.ID,
		"rule_id":  rule.ID,
		"channel":  rule.Channel,
	})

	channel, ok := a.channels[rule.Channel]
	if !ok {
		res.Status = models.DispatchFailed
		res.Error = fmt.Sprintf("no adapter for channel %q", rule.Channel)
		a.finishDispatch(ctx, log, &res)
		return res
	}

	if err := rule.Config.Validate(rule.Channel); err != nil {
		res.Status = models.DispatchFailed
		res.Error = fmt.Sprintf("invalid channel config: %v", err)
		a.finishDispatch(ctx, log, &res)
		return res
	}

	// Exactly-once per (event, rule): claim the dispatch key before sending
	// and release it again if the send fails so a retry can go through.
	claimKey := fmt.Sprintf("dispatch:%s:%s", event.ID, rule.ID)
	ttl := config.Duration(a.cfg.DispatchDedupTTL, cache.DefaultTTL)
	claimed, err := a.idem.SetIfAbsent(ctx, claimKey, ttl)
	if err != nil {
		log.WithError(err).Warn("Dispatch dedup store unavailable, proceeding with duplicate risk")
		claimed = true
	}
	if !claimed {
		res.Status = models.DispatchSkipped
		res.Duplicate = true
		log.Debug("Dispatch already claimed, skipping")
		return res
	}

	message := FormatEventMessage(event)
	if err := channel.Send(ctx, rule.Config, event, message); err != nil {
		if delErr := a.idem.Delete(ctx, claimKey); delErr != nil {
			log.WithError(delErr).Warn("Failed to release dispatch claim after send failure")
		}
		res.Status = models.DispatchFailed
		res.Error = err.Error()
		a.finishDispatch(ctx, log, &res)
		return res
	}

	res.Status = models.DispatchSent
	a.finishDispatch(ctx, log, &res)
	return res
}

func (a *AlertEngine) finishDispatch(ctx context.Context, log *logrus.Entry, res *models.DispatchResult) {
	a.metrics.RecordDispatch(string(res.Channel), string(res.Status))
	if err := a.audit.Append(ctx, *res); err != nil {
		log.WithError(err).Warn("Failed to append dispatch audit record")
	}
	if res.Status == models.DispatchFailed {
		log.WithField("error", res.Error).Warn("Dispatch failed")
	} else {
		log.Info("Dispatch sent")
	}
}

// recordNotificationEvent writes a synthetic alert-domain event so successful
// notifications show up in the event history without feeding back into fusion.
func (a *AlertEngine) recordNotificationEvent(ctx context.Context, source *models.FusedEvent, summary *models.DispatchSummary) error {
	now := time.Now().UTC()
	channels := make(map[models.ChannelKind]bool)
	for _, res := range summary.Results {
		if res.Status == models.DispatchSent {
			channels[res.Channel] = true
		}
	}
	tags := make([]string, 0, len(channels))
	for ch := range channels {
		tags = append(tags, string(ch))
	}

	event := &models.FusedEvent{
		ID:         uuid.New().String(),
		Timestamp:  now,
		Title:      fmt.Sprintf("notification.sent: %s", source.Title),
		Severity:   1,
		EventType:  models.EventTypeAlert,
		Sentiment:  models.SentimentNeutral,
		SubjectKey: source.SubjectKey,
		Symbols:    source.Symbols,
		Tags:       tags,
		Sources: map[models.SignalSource][]models.EvidenceRef{
			models.SourceAlert: {{
				Source:    models.SourceAlert,
				Title:     source.Title,
				Timestamp: now,
			}},
		},
		Confidence: 1.0,
		CreatedAt:  now,
	}
	return a.events.Insert(ctx, event)
}
