package services

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/cinar/indicator/v2/helper"
	"github.com/cinar/indicator/v2/trend"
	"github.com/sirupsen/logrus"

	"github.com/xiangteng007/signalfuse/internal/config"
	"github.com/xiangteng007/signalfuse/internal/models"
)

// AnomalySignal is the detector's verdict for one tick.
type AnomalySignal struct {
	HasSignal  bool    `json:"has_signal"`
	SignalType string  `json:"signal_type"`
	Severity   float64 `json:"severity"`   // 0-100
	Direction  string  `json:"direction"`  // "up", "down", "flat"
	Confidence float64 `json:"confidence"` // 0-1
	Rationale  string  `json:"rationale"`
}

const (
	SignalPriceSpike  = "price_spike"
	SignalVolumeSpike = "volume_spike"
	SignalVolatility  = "volatility"
)

// AnomalyDetector computes rolling statistics over a short tick window and
// raises a signal when price, volume or volatility cross their thresholds.
type AnomalyDetector struct {
	cfg    config.AnomalyConfig
	window time.Duration
	logger *logrus.Logger
}

func NewAnomalyDetector(cfg config.AnomalyConfig, logger *logrus.Logger) *AnomalyDetector {
	if logger == nil {
		logger = logrus.New()
	}
	return &AnomalyDetector{
		cfg:    cfg,
		window: config.Duration(cfg.PriceChangeWindow, 5*time.Minute),
		logger: logger,
	}
}

// Evaluate inspects one tick against up to the last 60 prior ticks for the
// same symbol, most recent first. With fewer than the configured minimum of
// prior ticks it reports no signal: insufficient data is not noise-as-normal.
func (d *AnomalyDetector) Evaluate(q models.QuoteData, history []models.QuoteData) AnomalySignal {
	if len(history) < d.cfg.MinHistory {
		return AnomalySignal{HasSignal: false, Direction: "flat"}
	}

	price, _ := q.Price.Float64()
	if price <= 0 {
		return AnomalySignal{HasSignal: false, Direction: "flat"}
	}

	type firing struct {
		signalType string
		severity   float64
		rationale  string
	}
	var fired []firing

	// Price spike over the trailing window.
	pctChange := d.percentChange(q, history)
	if math.Abs(pctChange) >= d.cfg.PriceSpikePercent {
		fired = append(fired, firing{
			signalType: SignalPriceSpike,
			severity:   math.Min(100, math.Abs(pctChange)*20),
			rationale:  fmt.Sprintf("price moved %.2f%% in %s", pctChange, d.window),
		})
	}

	// Volume spike against the rolling average.
	curVolume, _ := q.Volume.Float64()
	avgVolume := d.averageVolume(history)
	if avgVolume > 0 && curVolume > avgVolume*d.cfg.VolumeSpikeMultiple {
		multiple := curVolume / avgVolume
		fired = append(fired, firing{
			signalType: SignalVolumeSpike,
			severity:   math.Min(100, multiple*25),
			rationale:  fmt.Sprintf("volume %.1fx the %d-tick average", multiple, d.cfg.VolumeAveragePeriod),
		})
	}

	// Volatility over the last 5 ticks.
	volPct := d.volatilityPercent(q, history, price)
	if volPct >= d.cfg.VolatilityPercent {
		fired = append(fired, firing{
			signalType: SignalVolatility,
			severity:   math.Min(100, volPct*20),
			rationale:  fmt.Sprintf("high-low range %.2f%% of price over last 5 ticks", volPct),
		})
	}

	direction := "flat"
	if pctChange > 0 {
		direction = "up"
	} else if pctChange < 0 {
		direction = "down"
	}

	if len(fired) == 0 {
		return AnomalySignal{HasSignal: false, Direction: direction}
	}

	// Highest-severity rule names the signal; every rationale is kept.
	top := fired[0]
	rationales := make([]string, len(fired))
	for i, f := range fired {
		rationales[i] = f.rationale
		if f.severity > top.severity {
			top = f
		}
	}

	return AnomalySignal{
		HasSignal:  true,
		SignalType: top.signalType,
		Severity:   top.severity,
		Direction:  direction,
		Confidence: math.Min(0.95, 0.5+0.15*float64(len(fired))),
		Rationale:  strings.Join(rationales, "; "),
	}
}

// percentChange measures price change against the most recent tick old
// enough to anchor the trailing window, falling back to the oldest tick
// available.
func (d *AnomalyDetector) percentChange(q models.QuoteData, history []models.QuoteData) float64 {
	cutoff := q.Timestamp.Add(-d.window)
	ref := history[len(history)-1]
	for _, t := range history {
		if !t.Timestamp.After(cutoff) {
			ref = t
			break
		}
	}
	refPrice, _ := ref.Price.Float64()
	if refPrice <= 0 {
		return 0
	}
	cur, _ := q.Price.Float64()
	return (cur - refPrice) / refPrice * 100
}

// averageVolume is the SMA of the most recent volumeAveragePeriod tick
// volumes.
func (d *AnomalyDetector) averageVolume(history []models.QuoteData) float64 {
	period := d.cfg.VolumeAveragePeriod
	if period <= 0 {
		period = 20
	}
	if period > len(history) {
		period = len(history)
	}

	// History arrives most recent first; the indicator wants series order.
	volumes := make([]float64, period)
	for i := 0; i < period; i++ {
		v, _ := history[period-1-i].Volume.Float64()
		volumes[i] = v
	}

	sma := trend.NewSmaWithPeriod[float64](period)
	out := helper.ChanToSlice(sma.Compute(helper.SliceToChan(volumes)))
	if len(out) == 0 {
		return 0
	}
	return out[len(out)-1]
}

func (d *AnomalyDetector) volatilityPercent(q models.QuoteData, history []models.QuoteData, price float64) float64 {
	n := 5
	if n > len(history) {
		n = len(history)
	}
	maxHigh, _ := q.High.Float64()
	minLow, _ := q.Low.Float64()
	for _, t := range history[:n] {
		h, _ := t.High.Float64()
		l, _ := t.Low.Float64()
		if h > maxHigh {
			maxHigh = h
		}
		if l < minLow && l > 0 {
			minLow = l
		}
	}
	if minLow <= 0 || maxHigh <= minLow {
		return 0
	}
	return (maxHigh - minLow) / price * 100
}
