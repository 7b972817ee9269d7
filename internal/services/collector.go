package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/xiangteng007/signalfuse/internal/cache"
	"github.com/xiangteng007/signalfuse/internal/config"
	"github.com/xiangteng007/signalfuse/internal/database"
	"github.com/xiangteng007/signalfuse/internal/feeds"
	"github.com/xiangteng007/signalfuse/internal/metrics"
	"github.com/xiangteng007/signalfuse/internal/models"
)

// CollectorService runs the three ingest adapters. Each adapter normalizes
// upstream records into raw signals, claims a fingerprint against the
// idempotency store and stages survivors for fusion. A per-symbol failure
// never aborts the run; it is counted and the rest of the batch proceeds.
type CollectorService struct {
	market   *feeds.MarketClient
	news     *feeds.NewsClient
	social   *feeds.SocialClient
	signals  *database.SignalRepository
	detector *AnomalyDetector
	idem     cache.IdempotencyStore
	metrics  *metrics.Recorder
	logger   *logrus.Logger
	cfg      config.IngestConfig

	bucket time.Duration
	ttl    time.Duration
}

func NewCollectorService(
	market *feeds.MarketClient,
	news *feeds.NewsClient,
	social *feeds.SocialClient,
	signals *database.SignalRepository,
	detector *AnomalyDetector,
	idem cache.IdempotencyStore,
	rec *metrics.Recorder,
	logger *logrus.Logger,
	cfg config.IngestConfig,
) *CollectorService {
	return &CollectorService{
		market:   market,
		news:     news,
		social:   social,
		signals:  signals,
		detector: detector,
		idem:     idem,
		metrics:  rec,
		logger:   logger,
		cfg:      cfg,
		bucket:   config.Duration(cfg.FingerprintBucket, time.Minute),
		ttl:      config.Duration(cfg.FingerprintTTL, cache.DefaultTTL),
	}
}

// Collect runs one ingest pass for the named source.
func (c *CollectorService) Collect(ctx context.Context, source models.SignalSource) (*models.RunSummary, error) {
	switch source {
	case models.SourceMarket:
		return c.CollectMarket(ctx)
	case models.SourceNews:
		return c.CollectNews(ctx)
	case models.SourceSocial:
		return c.CollectSocial(ctx)
	default:
		return nil, fmt.Errorf("%w: unknown collect source %q", ErrBadJobPayload, source)
	}
}

// CollectMarket polls quotes for every configured symbol, persists ticks and
// runs the anomaly detector against each symbol's recent history.
func (c *CollectorService) CollectMarket(ctx context.Context) (*models.RunSummary, error) {
	start := time.Now()
	summary := &models.RunSummary{Job: "collect_market"}

	quotes, err := c.market.FetchQuotes(ctx, c.cfg.Symbols)
	if err != nil {
		return nil, fmt.Errorf("market fetch failed: %w", err)
	}

	parallel := c.cfg.ParallelSymbols
	if parallel <= 0 {
		parallel = 4
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)
	for _, quote := range quotes {
		quote := quote
		g.Go(func() error {
			staged, duplicate, err := c.processQuote(gctx, quote)
			mu.Lock()
			defer mu.Unlock()
			summary.Processed++
			switch {
			case err != nil:
				summary.Failed++
				summary.Errors = append(summary.Errors, fmt.Sprintf("%s: %v", quote.Symbol, err))
			case duplicate:
				summary.Duplicates++
			case staged:
				summary.Succeeded++
			}
			return nil
		})
	}
	_ = g.Wait()

	summary.Duration = time.Since(start)
	c.metrics.ObserveJob(summary.Job, summary.Duration.Seconds())
	c.logger.WithFields(logrus.Fields{
		"job":        summary.Job,
		"processed":  summary.Processed,
		"staged":     summary.Succeeded,
		"duplicates": summary.Duplicates,
		"failed":     summary.Failed,
	}).Info("Market collection completed")
	return summary, nil
}

// processQuote persists one tick and, when the detector fires, stages the
// resulting signal. History is read before the insert so the detector
// compares against the state prior to this tick.
func (c *CollectorService) processQuote(ctx context.Context, q models.QuoteData) (staged, duplicate bool, err error) {
	history, err := c.signals.RecentTicks(ctx, q.Symbol, c.cfg.MaxTickHistory)
	if err != nil {
		return false, false, err
	}

	inserted, err := c.signals.InsertTick(ctx, q, c.bucket)
	if err != nil {
		return false, false, err
	}
	if !inserted {
		// Same symbol and minute bucket already seen; nothing new to evaluate.
		return false, true, nil
	}

	anomaly := c.detector.Evaluate(q, history)
	if !anomaly.HasSignal {
		return false, false, nil
	}

	signal := &models.RawSignal{
		Source:     models.SourceMarket,
		SubjectKey: q.Symbol,
		SignalType: anomaly.SignalType,
		Title:      fmt.Sprintf("%s: %s", q.Symbol, anomaly.Rationale),
		Timestamp:  q.Timestamp,
		Sentiment:  sentimentForDirection(anomaly.Direction),
		Severity:   anomaly.Severity,
		Confidence: anomaly.Confidence,
		Payload: map[string]interface{}{
			"price":     q.Price.String(),
			"volume":    q.Volume.String(),
			"direction": anomaly.Direction,
			"rationale": anomaly.Rationale,
		},
	}
	return c.stageSignal(ctx, signal)
}

// CollectNews fetches recent articles and stages one scored signal per
// article that mentions a tracked symbol or a high-impact keyword.
func (c *CollectorService) CollectNews(ctx context.Context) (*models.RunSummary, error) {
	start := time.Now()
	summary := &models.RunSummary{Job: "collect_news"}

	since := time.Now().Add(-2 * config.Duration(c.cfg.NewsInterval, 5*time.Minute))
	articles, err := c.news.FetchArticles(ctx, c.cfg.Topics, since)
	if err != nil {
		return nil, fmt.Errorf("news fetch failed: %w", err)
	}

	for _, article := range articles {
		summary.Processed++
		signal := c.signalFromArticle(article)
		if signal == nil {
			continue
		}
		staged, duplicate, err := c.stageSignal(ctx, signal)
		switch {
		case err != nil:
			summary.Failed++
			summary.Errors = append(summary.Errors, fmt.Sprintf("%s: %v", article.URL, err))
		case duplicate:
			summary.Duplicates++
		case staged:
			summary.Succeeded++
		}
	}

	summary.Duration = time.Since(start)
	c.metrics.ObserveJob(summary.Job, summary.Duration.Seconds())
	c.logger.WithFields(logrus.Fields{
		"job":        summary.Job,
		"processed":  summary.Processed,
		"staged":     summary.Succeeded,
		"duplicates": summary.Duplicates,
	}).Info("News collection completed")
	return summary, nil
}

// CollectSocial fetches recent posts and stages signals for those with
// meaningful engagement.
func (c *CollectorService) CollectSocial(ctx context.Context) (*models.RunSummary, error) {
	start := time.Now()
	summary := &models.RunSummary{Job: "collect_social"}

	since := time.Now().Add(-2 * config.Duration(c.cfg.SocialInterval, 5*time.Minute))
	posts, err := c.social.FetchPosts(ctx, c.cfg.Topics, since)
	if err != nil {
		return nil, fmt.Errorf("social fetch failed: %w", err)
	}

	for _, post := range posts {
		summary.Processed++
		signal := c.signalFromPost(post)
		if signal == nil {
			continue
		}
		staged, duplicate, err := c.stageSignal(ctx, signal)
		switch {
		case err != nil:
			summary.Failed++
			summary.Errors = append(summary.Errors, fmt.Sprintf("%s: %v", post.URL, err))
		case duplicate:
			summary.Duplicates++
		case staged:
			summary.Succeeded++
		}
	}

	summary.Duration = time.Since(start)
	c.metrics.ObserveJob(summary.Job, summary.Duration.Seconds())
	c.logger.WithFields(logrus.Fields{
		"job":        summary.Job,
		"processed":  summary.Processed,
		"staged":     summary.Succeeded,
		"duplicates": summary.Duplicates,
	}).Info("Social collection completed")
	return summary, nil
}

// stageSignal claims the fingerprint, then inserts into the durable staging
// table. The unique fingerprint column backs the cache: if the claim cannot
// be checked, the insert's ON CONFLICT still guarantees one row.
func (c *CollectorService) stageSignal(ctx context.Context, s *models.RawSignal) (staged, duplicate bool, err error) {
	fingerprint := s.Fingerprint(c.bucket, "")

	claimed, err := c.idem.SetIfAbsent(ctx, fingerprint, c.ttl)
	if err != nil {
		c.logger.WithError(err).WithFields(logrus.Fields{
			"source":  s.Source,
			"subject": s.SubjectKey,
		}).Warn("Idempotency store unavailable, relying on durable dedup")
		claimed = true
	}
	if !claimed {
		c.metrics.RecordDuplicate(string(s.Source))
		return false, true, nil
	}

	inserted, err := c.signals.StageSignal(ctx, s, fingerprint)
	if err != nil {
		return false, false, err
	}
	if !inserted {
		c.metrics.RecordDuplicate(string(s.Source))
		return false, true, nil
	}

	c.metrics.RecordIngested(string(s.Source))
	return true, false, nil
}

// signalFromArticle scores one article. Articles that mention no tracked
// symbol and no high-impact keyword produce no signal.
func (c *CollectorService) signalFromArticle(a models.NewsArticle) *models.RawSignal {
	text := strings.ToLower(a.Title + " " + a.Summary)

	matched := 0
	for _, kw := range c.cfg.HighImpactKeywords {
		if strings.Contains(text, strings.ToLower(kw)) {
			matched++
		}
	}
	if matched == 0 && len(a.Symbols) == 0 {
		return nil
	}

	severity := 30.0 + float64(matched)*15
	if len(a.Symbols) > 0 {
		severity += 10
	}
	if severity > 100 {
		severity = 100
	}

	subject := "news:" + strings.ToLower(a.Source)
	if len(a.Symbols) > 0 {
		subject = a.Symbols[0]
	}

	confBoost := matched
	if confBoost > 3 {
		confBoost = 3
	}

	return &models.RawSignal{
		Source:     models.SourceNews,
		SubjectKey: subject,
		SignalType: "news_article",
		Title:      a.Title,
		URL:        a.URL,
		Timestamp:  a.PublishedAt,
		Sentiment:  c.scoreSentiment(text),
		Severity:   severity,
		Confidence: 0.6 + 0.1*float64(confBoost),
		Payload: map[string]interface{}{
			"source":   a.Source,
			"symbols":  a.Symbols,
			"keywords": a.Keywords,
		},
	}
}

// signalFromPost scores one post by engagement relative to author reach.
// Low-engagement posts produce no signal.
func (c *CollectorService) signalFromPost(p models.SocialPost) *models.RawSignal {
	engagement := p.Likes + p.Reposts*2 + p.Replies
	if engagement < 10 {
		return nil
	}

	severity := 20.0 + float64(engagement)/10
	if p.Followers > 10000 {
		severity += 15
	}
	if severity > 100 {
		severity = 100
	}

	subject := "social:" + strings.ToLower(p.Platform)
	if len(p.Symbols) > 0 {
		subject = p.Symbols[0]
	}

	return &models.RawSignal{
		Source:     models.SourceSocial,
		SubjectKey: subject,
		SignalType: "social_buzz",
		Title:      fmt.Sprintf("%s post by %s", p.Platform, p.Author),
		URL:        p.URL,
		Timestamp:  p.PostedAt,
		Sentiment:  c.scoreSentiment(strings.ToLower(p.Text)),
		Severity:   severity,
		Confidence: 0.5,
		Payload: map[string]interface{}{
			"platform":   p.Platform,
			"author":     p.Author,
			"engagement": engagement,
			"followers":  p.Followers,
		},
	}
}

// scoreSentiment counts keyword hits from the configured bullish and bearish
// lists. Ties and empty matches read as neutral.
func (c *CollectorService) scoreSentiment(text string) models.Sentiment {
	bullish, bearish := 0, 0
	for _, kw := range c.cfg.BullishKeywords {
		if strings.Contains(text, strings.ToLower(kw)) {
			bullish++
		}
	}
	for _, kw := range c.cfg.BearishKeywords {
		if strings.Contains(text, strings.ToLower(kw)) {
			bearish++
		}
	}
	switch {
	case bullish > bearish:
		return models.SentimentBullish
	case bearish > bullish:
		return models.SentimentBearish
	default:
		return models.SentimentNeutral
	}
}

func sentimentForDirection(direction string) models.Sentiment {
	switch direction {
	case "up":
		return models.SentimentBullish
	case "down":
		return models.SentimentBearish
	default:
		return models.SentimentNeutral
	}
}
