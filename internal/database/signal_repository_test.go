package database

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiangteng007/signalfuse/internal/models"
)

func testQuote(ts time.Time) models.QuoteData {
	return models.QuoteData{
		Symbol:    "AAPL",
		Price:     decimal.NewFromFloat(101.5),
		Open:      decimal.NewFromFloat(100),
		High:      decimal.NewFromFloat(102),
		Low:       decimal.NewFromFloat(99.5),
		Volume:    decimal.NewFromInt(1000),
		Timestamp: ts,
	}
}

func TestInsertTick_NewRow(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec(`INSERT INTO market_ticks`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	repo := NewSignalRepository(mock)
	inserted, err := repo.InsertTick(context.Background(), testQuote(time.Now()), time.Minute)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertTick_ConflictReportsDuplicate(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec(`INSERT INTO market_ticks`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	repo := NewSignalRepository(mock)
	inserted, err := repo.InsertTick(context.Background(), testQuote(time.Now()), time.Minute)
	require.NoError(t, err)
	assert.False(t, inserted)
}

func TestStageSignal_AssignsIDAndStages(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec(`INSERT INTO raw_signals`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	repo := NewSignalRepository(mock)
	signal := &models.RawSignal{
		Source:     models.SourceNews,
		SubjectKey: "AAPL",
		SignalType: "news_article",
		Title:      "Apple beats expectations",
		Timestamp:  time.Now(),
		Sentiment:  models.SentimentBullish,
		Severity:   55,
		Confidence: 0.7,
	}
	staged, err := repo.StageSignal(context.Background(), signal, "fp-abc")
	require.NoError(t, err)
	assert.True(t, staged)
	assert.NotEmpty(t, signal.ID)
}

func TestStageSignal_FingerprintConflictIsDuplicate(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec(`INSERT INTO raw_signals`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	repo := NewSignalRepository(mock)
	signal := &models.RawSignal{
		Source:     models.SourceNews,
		SubjectKey: "AAPL",
		SignalType: "news_article",
		Timestamp:  time.Now(),
	}
	staged, err := repo.StageSignal(context.Background(), signal, "fp-abc")
	require.NoError(t, err)
	assert.False(t, staged)
}

func TestRecentTicks_MostRecentFirst(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Now()
	rows := pgxmock.NewRows([]string{"symbol", "price", "open", "high", "low", "volume", "ts"}).
		AddRow("AAPL", decimal.NewFromFloat(101), decimal.NewFromFloat(100), decimal.NewFromFloat(102),
			decimal.NewFromFloat(99), decimal.NewFromInt(1000), now).
		AddRow("AAPL", decimal.NewFromFloat(100), decimal.NewFromFloat(100), decimal.NewFromFloat(101),
			decimal.NewFromFloat(99), decimal.NewFromInt(900), now.Add(-time.Minute))
	mock.ExpectQuery(`SELECT (.+) FROM market_ticks`).
		WithArgs("AAPL", 60).
		WillReturnRows(rows)

	repo := NewSignalRepository(mock)
	ticks, err := repo.RecentTicks(context.Background(), "AAPL", 0)
	require.NoError(t, err)
	require.Len(t, ticks, 2)
	assert.True(t, ticks[0].Timestamp.After(ticks[1].Timestamp))
}

func TestPendingSignals_WindowsOnStagingTime(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	// A signal whose own ts predates the window is still returned when it was
	// staged recently; the cutoff binds against created_at.
	stale := time.Now().Add(-20 * time.Minute)
	rows := pgxmock.NewRows([]string{
		"id", "source", "subject_key", "signal_type", "title", "url",
		"sentiment", "severity", "confidence", "payload", "ts",
	}).AddRow(
		"sig-1", "news", "ACME", "news_article", "ACME investigation", "",
		"bearish", 60.0, 0.7, []byte(nil), stale,
	)
	mock.ExpectQuery(`WHERE processed = false AND created_at > \$1`).
		WithArgs(pgxmock.AnyArg(), 500).
		WillReturnRows(rows)

	repo := NewSignalRepository(mock)
	signals, err := repo.PendingSignals(context.Background(), 15*time.Minute, 500)
	require.NoError(t, err)
	require.Len(t, signals, 1)
	assert.Equal(t, "sig-1", signals[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteOlderThan_RemovesStaleUnprocessed(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	cutoffTicks := time.Now().Add(-48 * time.Hour)
	cutoffSignals := time.Now().Add(-72 * time.Hour)
	mock.ExpectExec(`DELETE FROM market_ticks WHERE ts < \$1`).
		WithArgs(cutoffTicks).
		WillReturnResult(pgxmock.NewResult("DELETE", 3))
	mock.ExpectExec(`DELETE FROM raw_signals WHERE \(processed = true AND ts < \$1\) OR created_at < \$1`).
		WithArgs(cutoffSignals).
		WillReturnResult(pgxmock.NewResult("DELETE", 2))

	repo := NewSignalRepository(mock)
	removed, err := repo.DeleteOlderThan(context.Background(), cutoffTicks, cutoffSignals)
	require.NoError(t, err)
	assert.Equal(t, int64(5), removed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkProcessed_EmptyIsNoop(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewSignalRepository(mock)
	require.NoError(t, repo.MarkProcessed(context.Background(), nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkProcessed_FlagsIDs(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec(`UPDATE raw_signals SET processed = true`).
		WithArgs([]string{"a", "b"}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))

	repo := NewSignalRepository(mock)
	require.NoError(t, repo.MarkProcessed(context.Background(), []string{"a", "b"}))
}
