package services

import (
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/xiangteng007/signalfuse/internal/config"
	"github.com/xiangteng007/signalfuse/internal/models"
)

func testAnomalyConfig() config.AnomalyConfig {
	return config.AnomalyConfig{
		PriceSpikePercent:   1.5,
		VolumeSpikeMultiple: 2.0,
		VolatilityPercent:   2.0,
		VolumeAveragePeriod: 20,
		PriceChangeWindow:   "5m",
		MinHistory:          5,
	}
}

// flatHistory builds n prior ticks, most recent first, all at the same price
// and volume, spaced one minute apart ending just before now.
func flatHistory(n int, price, volume float64, now time.Time) []models.QuoteData {
	ticks := make([]models.QuoteData, n)
	for i := 0; i < n; i++ {
		p := decimal.NewFromFloat(price)
		ticks[i] = models.QuoteData{
			Symbol:    "AAPL",
			Price:     p,
			Open:      p,
			High:      p,
			Low:       p,
			Volume:    decimal.NewFromFloat(volume),
			Timestamp: now.Add(-time.Duration(i+1) * time.Minute),
		}
	}
	return ticks
}

func tick(price, volume float64, now time.Time) models.QuoteData {
	p := decimal.NewFromFloat(price)
	return models.QuoteData{
		Symbol:    "AAPL",
		Price:     p,
		Open:      p,
		High:      p,
		Low:       p,
		Volume:    decimal.NewFromFloat(volume),
		Timestamp: now,
	}
}

func TestEvaluate_InsufficientHistory(t *testing.T) {
	d := NewAnomalyDetector(testAnomalyConfig(), nil)
	now := time.Now()

	signal := d.Evaluate(tick(102, 1000, now), flatHistory(4, 100, 1000, now))
	assert.False(t, signal.HasSignal)
}

func TestEvaluate_PriceSpikeAtThreshold(t *testing.T) {
	d := NewAnomalyDetector(testAnomalyConfig(), nil)
	now := time.Now()
	history := flatHistory(10, 100, 1000, now)

	// Exactly 1.5% fires; severity = |pct| * 20.
	signal := d.Evaluate(tick(101.5, 1000, now), history)
	assert.True(t, signal.HasSignal)
	assert.Equal(t, SignalPriceSpike, signal.SignalType)
	assert.InDelta(t, 30.0, signal.Severity, 0.001)
	assert.Equal(t, "up", signal.Direction)
}

func TestEvaluate_PriceSpikeJustBelowThreshold(t *testing.T) {
	d := NewAnomalyDetector(testAnomalyConfig(), nil)
	now := time.Now()
	history := flatHistory(10, 100, 1000, now)

	signal := d.Evaluate(tick(101.49, 1000, now), history)
	assert.False(t, signal.HasSignal)
}

func TestEvaluate_DownwardSpikeDirection(t *testing.T) {
	d := NewAnomalyDetector(testAnomalyConfig(), nil)
	now := time.Now()
	history := flatHistory(10, 100, 1000, now)

	signal := d.Evaluate(tick(97, 1000, now), history)
	assert.True(t, signal.HasSignal)
	assert.Equal(t, "down", signal.Direction)
}

func TestEvaluate_VolumeSpike(t *testing.T) {
	d := NewAnomalyDetector(testAnomalyConfig(), nil)
	now := time.Now()
	history := flatHistory(20, 100, 1000, now)

	// 3x the rolling average, price flat: only the volume rule fires.
	signal := d.Evaluate(tick(100, 3000, now), history)
	assert.True(t, signal.HasSignal)
	assert.Equal(t, SignalVolumeSpike, signal.SignalType)
	assert.InDelta(t, 75.0, signal.Severity, 0.001)
}

func TestEvaluate_VolumeAtMultipleDoesNotFire(t *testing.T) {
	d := NewAnomalyDetector(testAnomalyConfig(), nil)
	now := time.Now()
	history := flatHistory(20, 100, 1000, now)

	// The rule requires strictly greater than average * multiple.
	signal := d.Evaluate(tick(100, 2000, now), history)
	assert.False(t, signal.HasSignal)
}

func TestEvaluate_Volatility(t *testing.T) {
	d := NewAnomalyDetector(testAnomalyConfig(), nil)
	now := time.Now()
	history := flatHistory(10, 100, 1000, now)

	q := tick(100, 1000, now)
	q.High = decimal.NewFromFloat(102)
	q.Low = decimal.NewFromFloat(99)
	signal := d.Evaluate(q, history)
	assert.True(t, signal.HasSignal)
	assert.Equal(t, SignalVolatility, signal.SignalType)
}

func TestEvaluate_ConfidenceGrowsWithRulesFired(t *testing.T) {
	d := NewAnomalyDetector(testAnomalyConfig(), nil)
	now := time.Now()
	history := flatHistory(20, 100, 1000, now)

	one := d.Evaluate(tick(102, 1000, now), history)
	assert.True(t, one.HasSignal)
	assert.InDelta(t, 0.65, one.Confidence, 0.001)

	q := tick(103, 5000, now)
	q.High = decimal.NewFromFloat(104)
	q.Low = decimal.NewFromFloat(99)
	three := d.Evaluate(q, history)
	assert.True(t, three.HasSignal)
	assert.InDelta(t, 0.95, three.Confidence, 0.001)
}

func TestEvaluate_HighestSeverityRuleWins(t *testing.T) {
	d := NewAnomalyDetector(testAnomalyConfig(), nil)
	now := time.Now()
	history := flatHistory(20, 100, 1000, now)

	// Price +2% scores 40; volume 4x scores 100. Volume names the signal but
	// both rationales survive.
	signal := d.Evaluate(tick(102, 4000, now), history)
	assert.True(t, signal.HasSignal)
	assert.Equal(t, SignalVolumeSpike, signal.SignalType)
	assert.Contains(t, signal.Rationale, "price moved")
	assert.Contains(t, signal.Rationale, "volume")
}

func TestEvaluate_SeverityCapped(t *testing.T) {
	d := NewAnomalyDetector(testAnomalyConfig(), nil)
	now := time.Now()
	history := flatHistory(10, 100, 1000, now)

	signal := d.Evaluate(tick(120, 1000, now), history)
	assert.True(t, signal.HasSignal)
	assert.Equal(t, 100.0, signal.Severity)
}

func TestEvaluate_FlatMarketStaysQuiet(t *testing.T) {
	d := NewAnomalyDetector(testAnomalyConfig(), nil)
	now := time.Now()

	for _, n := range []int{5, 10, 30} {
		signal := d.Evaluate(tick(100, 1000, now), flatHistory(n, 100, 1000, now))
		assert.False(t, signal.HasSignal, fmt.Sprintf("history size %d", n))
	}
}
