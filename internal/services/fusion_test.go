package services

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiangteng007/signalfuse/internal/database"
	"github.com/xiangteng007/signalfuse/internal/models"
)

func newTestFusionEngine() *FusionEngine {
	return NewFusionEngine(nil, nil, nil, nil, nil)
}

func marketSignal(subject string, severity float64, ts time.Time) models.RawSignal {
	return models.RawSignal{
		ID:         "m-" + subject,
		Source:     models.SourceMarket,
		SubjectKey: subject,
		SignalType: "price_spike",
		Title:      subject + " price spike",
		Timestamp:  ts,
		Sentiment:  models.SentimentBearish,
		Severity:   severity,
		Confidence: 0.8,
	}
}

func newsSignal(subject string, severity float64, ts time.Time) models.RawSignal {
	return models.RawSignal{
		ID:         "n-" + subject,
		Source:     models.SourceNews,
		SubjectKey: subject,
		SignalType: "news_article",
		Title:      subject + " under investigation",
		URL:        "https://example.com/story",
		Timestamp:  ts,
		Sentiment:  models.SentimentBearish,
		Severity:   severity,
		Confidence: 0.7,
	}
}

func TestFuseGroup_TwoSourceScenario(t *testing.T) {
	f := newTestFusionEngine()
	now := time.Now()
	group := []models.RawSignal{
		marketSignal("ACME", 80, now.Add(-2*time.Minute)),
		newsSignal("ACME", 60, now.Add(-time.Minute)),
	}

	event := f.FuseGroup("ACME", group)

	// market 80 * 0.40 + news 60 * 0.35 = 53; two sources give 0.65
	// confidence; 53 * 0.65 = 34.45 -> severity 3.
	assert.Equal(t, 3, event.Severity)
	assert.InDelta(t, 0.65, event.Confidence, 0.001)
	require.NotNil(t, event.Breakdown)
	assert.InDelta(t, 34.45, event.Breakdown.FinalScore, 0.001)
	assert.Equal(t, models.EventTypeFusion, event.EventType)
	assert.Equal(t, models.SentimentBearish, event.Sentiment)
	assert.Len(t, event.Sources, 2)
}

func TestFuseGroup_OrderIndependent(t *testing.T) {
	f := newTestFusionEngine()
	now := time.Now()
	a := marketSignal("ACME", 80, now.Add(-2*time.Minute))
	b := newsSignal("ACME", 60, now.Add(-time.Minute))

	e1 := f.FuseGroup("ACME", []models.RawSignal{a, b})
	e2 := f.FuseGroup("ACME", []models.RawSignal{b, a})

	assert.Equal(t, e1.Severity, e2.Severity)
	assert.Equal(t, e1.Confidence, e2.Confidence)
	assert.Equal(t, e1.Breakdown.FinalScore, e2.Breakdown.FinalScore)
	assert.Equal(t, e1.Sentiment, e2.Sentiment)
	assert.Equal(t, e1.Sources, e2.Sources)
	assert.Equal(t, e1.Tags, e2.Tags)
}

func TestFuseGroup_SingleSourceKeepsSourceEventType(t *testing.T) {
	f := newTestFusionEngine()
	now := time.Now()
	event := f.FuseGroup("ACME", []models.RawSignal{marketSignal("ACME", 90, now)})

	assert.Equal(t, models.EventTypeMarket, event.EventType)
	assert.InDelta(t, 0.5, event.Confidence, 0.001)
	// 90 * 0.40 * 0.5 = 18 -> severity 2
	assert.Equal(t, 2, event.Severity)
}

func TestFuseGroup_PerSourceMaxNotSum(t *testing.T) {
	f := newTestFusionEngine()
	now := time.Now()
	lowNews := newsSignal("ACME", 40, now)
	lowNews.ID = "n-acme-2"
	lowNews.Title = "ACME minor coverage"
	group := []models.RawSignal{
		newsSignal("ACME", 60, now),
		lowNews,
	}

	event := f.FuseGroup("ACME", group)
	require.NotNil(t, event.Breakdown)
	assert.Equal(t, 60.0, event.Breakdown.Scores.News)
	assert.Len(t, event.Sources[models.SourceNews], 2)
}

func TestFuseGroup_EvidenceSortedByTimestamp(t *testing.T) {
	f := newTestFusionEngine()
	now := time.Now()
	later := newsSignal("ACME", 60, now)
	earlier := newsSignal("ACME", 50, now.Add(-10*time.Minute))
	earlier.Title = "ACME earlier story"

	event := f.FuseGroup("ACME", []models.RawSignal{later, earlier})
	refs := event.Sources[models.SourceNews]
	require.Len(t, refs, 2)
	assert.True(t, refs[0].Timestamp.Before(refs[1].Timestamp))
}

func TestFuseGroup_MixedSentimentOnTie(t *testing.T) {
	f := newTestFusionEngine()
	now := time.Now()
	bull := marketSignal("ACME", 50, now)
	bull.Sentiment = models.SentimentBullish
	bear := newsSignal("ACME", 50, now)
	bear.Sentiment = models.SentimentBearish

	event := f.FuseGroup("ACME", []models.RawSignal{bull, bear})
	assert.Equal(t, models.SentimentMixed, event.Sentiment)
}

func TestFuseGroup_ActionsFollowLabel(t *testing.T) {
	f := newTestFusionEngine()
	now := time.Now()

	low := f.FuseGroup("ACME", []models.RawSignal{marketSignal("ACME", 10, now)})
	require.NotEmpty(t, low.Actions)
	assert.Equal(t, "log_only", low.Actions[0].Type)

	// Three maxed sources at 0.8 confidence fuse to severity 8.
	social := models.RawSignal{
		ID: "s-acme", Source: models.SourceSocial, SubjectKey: "ACME",
		SignalType: "social_buzz", Title: "ACME trending", Timestamp: now,
		Sentiment: models.SentimentBearish, Severity: 100,
	}
	group := []models.RawSignal{
		marketSignal("ACME", 100, now),
		newsSignal("ACME", 100, now),
		social,
	}
	high := f.FuseGroup("ACME", group)
	assert.Equal(t, 8, high.Severity)
	require.NotEmpty(t, high.Actions)
	assert.Equal(t, "review_positions", high.Actions[0].Type)
}

func TestFuseGroup_TimestampIsLatestSignal(t *testing.T) {
	f := newTestFusionEngine()
	now := time.Now().Truncate(time.Second)
	event := f.FuseGroup("ACME", []models.RawSignal{
		marketSignal("ACME", 50, now.Add(-5*time.Minute)),
		newsSignal("ACME", 50, now),
	})
	assert.True(t, event.Timestamp.Equal(now))
}

func TestRunOnce_LateArrivalFusesIntoNewEvent(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	// The signal's own ts predates the 15m window; it was staged just now, so
	// the pending query must still surface it and a fresh event must come out.
	stale := time.Now().Add(-20 * time.Minute)
	rows := pgxmock.NewRows([]string{
		"id", "source", "subject_key", "signal_type", "title", "url",
		"sentiment", "severity", "confidence", "payload", "ts",
	}).AddRow(
		"sig-late", "news", "ACME", "news_article", "ACME under investigation", "",
		"bearish", 60.0, 0.7, []byte(nil), stale,
	)
	mock.ExpectQuery(`WHERE processed = false AND created_at > \$1`).
		WithArgs(pgxmock.AnyArg(), 500).
		WillReturnRows(rows)
	mock.ExpectExec(`INSERT INTO fused_events`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`UPDATE raw_signals SET processed = true`).
		WithArgs([]string{"sig-late"}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	f := NewFusionEngine(nil, database.NewSignalRepository(mock), database.NewEventRepository(mock), nil, logger)

	var fusedID string
	f.SetOnFused(func(_ context.Context, eventID string) { fusedID = eventID })

	summary, err := f.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, 1, summary.Succeeded)
	assert.NotEmpty(t, fusedID)
	assert.NoError(t, mock.ExpectationsWereMet())
}
