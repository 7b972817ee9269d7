package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/xiangteng007/signalfuse/internal/config"
	"github.com/xiangteng007/signalfuse/internal/database"
	"github.com/xiangteng007/signalfuse/internal/metrics"
	"github.com/xiangteng007/signalfuse/internal/models"
)

// Source weights for the severity formula. A source with no contributing
// signal contributes zero to its term.
const (
	weightMarket = 0.40
	weightNews   = 0.35
	weightSocial = 0.25
)

// FusionEngine groups pending raw signals by subject within a trailing window
// and emits one immutable FusedEvent per group. Signals arriving after their
// window was fused start a new event for the same subject; prior events are
// never mutated.
type FusionEngine struct {
	signals  *database.SignalRepository
	events   *database.EventRepository
	metrics  *metrics.Recorder
	logger   *logrus.Logger
	window   time.Duration
	maxBatch int

	// onFused, when set, is invoked once per newly stored event so the
	// caller can enqueue dispatch work.
	onFused func(ctx context.Context, eventID string)
}

// SetOnFused installs the per-event callback. Must be called before RunOnce.
func (f *FusionEngine) SetOnFused(fn func(ctx context.Context, eventID string)) {
	f.onFused = fn
}

func NewFusionEngine(cfg *config.Config, signals *database.SignalRepository, events *database.EventRepository, rec *metrics.Recorder, logger *logrus.Logger) *FusionEngine {
	if logger == nil {
		logger = logrus.New()
	}
	window := 15 * time.Minute
	maxBatch := 500
	if cfg != nil {
		window = config.Duration(cfg.Fusion.Window, window)
		if cfg.Fusion.MaxBatch > 0 {
			maxBatch = cfg.Fusion.MaxBatch
		}
	}
	return &FusionEngine{
		signals:  signals,
		events:   events,
		metrics:  rec,
		logger:   logger,
		window:   window,
		maxBatch: maxBatch,
	}
}

// RunOnce fuses the current pending batch. One subject's failure is counted,
// not fatal; its signals stay pending for the next cycle.
func (f *FusionEngine) RunOnce(ctx context.Context) (models.RunSummary, error) {
	start := time.Now()
	summary := models.RunSummary{Job: "fuse"}

	pending, err := f.signals.PendingSignals(ctx, f.window, f.maxBatch)
	if err != nil {
		return summary, fmt.Errorf("failed to load pending signals: %w", err)
	}
	if len(pending) == 0 {
		summary.Duration = time.Since(start)
		return summary, nil
	}

	groups := make(map[string][]models.RawSignal)
	for _, s := range pending {
		if s.Source == models.SourceAlert {
			// Alert-domain signals never correlate; they exist for audit only.
			continue
		}
		groups[s.SubjectKey] = append(groups[s.SubjectKey], s)
	}
	summary.Processed = len(pending)

	type outcome struct {
		ids     []string
		eventID string
		label   models.SeverityLabel
		err     error
	}
	outcomes := make([]outcome, 0, len(groups))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for subject, group := range groups {
		subject, group := subject, group
		g.Go(func() error {
			event := f.FuseGroup(subject, group)
			err := f.events.Insert(gctx, event)
			ids := make([]string, len(group))
			for i, s := range group {
				ids[i] = s.ID
			}
			mu.Lock()
			if err != nil {
				outcomes = append(outcomes, outcome{err: fmt.Errorf("subject %s: %w", subject, err)})
			} else {
				outcomes = append(outcomes, outcome{ids: ids, eventID: event.ID, label: event.Label()})
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	var processedIDs []string
	for _, o := range outcomes {
		if o.err != nil {
			summary.Failed++
			summary.Errors = append(summary.Errors, o.err.Error())
			continue
		}
		summary.Succeeded++
		processedIDs = append(processedIDs, o.ids...)
		if f.metrics != nil {
			f.metrics.RecordFused(string(o.label))
		}
		if f.onFused != nil {
			f.onFused(ctx, o.eventID)
		}
	}

	if err := f.signals.MarkProcessed(ctx, processedIDs); err != nil {
		// Signals stay pending; fingerprint dedup keeps the re-run harmless
		// for already-claimed raw inputs, but fused duplicates are possible
		// here, which is the at-least-once posture.
		summary.Errors = append(summary.Errors, err.Error())
	}

	f.logger.WithFields(logrus.Fields{
		"signals": len(pending),
		"groups":  len(groups),
		"fused":   summary.Succeeded,
		"failed":  summary.Failed,
	}).Info("Fusion cycle completed")

	summary.Duration = time.Since(start)
	return summary, nil
}

// FuseGroup builds the fused event for one subject's window. The computation
// is a pure function of the signal set: ordering within the group does not
// affect the result.
func (f *FusionEngine) FuseGroup(subject string, group []models.RawSignal) *models.FusedEvent {
	scores := models.SeverityScores{}
	sourceSet := make(map[models.SignalSource]bool)
	evidence := make(map[models.SignalSource][]models.EvidenceRef)
	sentiments := make(map[models.Sentiment]int)
	typeSet := make(map[string]bool)
	keywordSet := make(map[string]bool)
	latest := time.Time{}

	for _, s := range group {
		sourceSet[s.Source] = true
		typeSet[s.SignalType] = true
		if s.Timestamp.After(latest) {
			latest = s.Timestamp
		}
		switch s.Source {
		case models.SourceMarket:
			if s.Severity > scores.Market {
				scores.Market = s.Severity
			}
		case models.SourceNews:
			if s.Severity > scores.News {
				scores.News = s.Severity
			}
		case models.SourceSocial:
			if s.Severity > scores.Social {
				scores.Social = s.Severity
			}
		}
		if s.Sentiment != "" && s.Sentiment != models.SentimentUnknown {
			sentiments[s.Sentiment]++
		}
		evidence[s.Source] = append(evidence[s.Source], models.EvidenceRef{
			Source:    s.Source,
			Title:     s.Title,
			URL:       s.URL,
			Timestamp: s.Timestamp,
		})
		if kws, ok := s.Payload["keywords"].([]interface{}); ok {
			for _, kw := range kws {
				if str, ok := kw.(string); ok {
					keywordSet[str] = true
				}
			}
		}
	}

	// Corroboration from multiple independent source types raises confidence;
	// a lone source stays at the floor.
	confidence := 0.5 + 0.15*float64(len(sourceSet)-1)
	if confidence > 0.95 {
		confidence = 0.95
	}

	finalScore, severity := models.CalculateSeverity(scores, confidence)

	for src := range evidence {
		refs := evidence[src]
		sort.Slice(refs, func(i, j int) bool { return refs[i].Timestamp.Before(refs[j].Timestamp) })
	}

	eventType := models.EventTypeFusion
	if len(sourceSet) == 1 {
		for src := range sourceSet {
			eventType = models.EventType(src)
		}
	}

	event := &models.FusedEvent{
		ID:         uuid.New().String(),
		Timestamp:  latest,
		Title:      fuseTitle(subject, group, sourceSet),
		Severity:   severity,
		EventType:  eventType,
		Sentiment:  aggregateSentiment(sentiments),
		SubjectKey: subject,
		Symbols:    []string{subject},
		Tags:       sortedKeys(typeSet),
		Sources:    evidence,
		Confidence: confidence,
		Keywords:   sortedKeys(keywordSet),
		Breakdown: &models.SeverityBreakdown{
			Scores:     scores,
			Confidence: confidence,
			FinalScore: finalScore,
			Explain: fmt.Sprintf("market=%.1f news=%.1f social=%.1f; weighted=%.1f; confidence=%.2f; final=%.1f",
				scores.Market, scores.News, scores.Social,
				scores.Market*weightMarket+scores.News*weightNews+scores.Social*weightSocial,
				confidence, finalScore),
		},
		CreatedAt: time.Now(),
	}
	event.Actions = suggestActions(event)
	return event
}

func fuseTitle(subject string, group []models.RawSignal, sources map[models.SignalSource]bool) string {
	if len(group) == 1 {
		return group[0].Title
	}
	names := make([]string, 0, len(sources))
	for src := range sources {
		names = append(names, string(src))
	}
	sort.Strings(names)
	return fmt.Sprintf("%s: %d correlated signals (%s)", subject, len(group), strings.Join(names, ", "))
}

func aggregateSentiment(counts map[models.Sentiment]int) models.Sentiment {
	if len(counts) == 0 {
		return models.SentimentUnknown
	}
	best := models.SentimentUnknown
	bestCount := 0
	tied := false
	for s, n := range counts {
		if n > bestCount {
			best, bestCount, tied = s, n, false
		} else if n == bestCount {
			tied = true
		}
	}
	if tied && len(counts) > 1 {
		return models.SentimentMixed
	}
	return best
}

func suggestActions(event *models.FusedEvent) []models.Action {
	switch event.Label() {
	case models.SeverityCritical:
		return []models.Action{
			{Type: "review_positions", Reason: "critical severity with corroborating evidence"},
			{Type: "escalate", Reason: "force-dispatch level reached"},
		}
	case models.SeverityHigh:
		return []models.Action{
			{Type: "review_positions", Reason: fmt.Sprintf("high severity on %s", event.SubjectKey)},
		}
	case models.SeverityMedium:
		return []models.Action{
			{Type: "monitor", Reason: "moderate severity, watch for corroboration"},
		}
	default:
		return []models.Action{
			{Type: "log_only", Reason: "low severity, informational"},
		}
	}
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
