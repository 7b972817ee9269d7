package models

import (
	"math"
	"time"
)

// EventType is the domain a fused event belongs to.
type EventType string

const (
	EventTypeMarket EventType = "market"
	EventTypeNews   EventType = "news"
	EventTypeSocial EventType = "social"
	EventTypeFusion EventType = "fusion"
	// EventTypeAlert marks synthetic notification.sent audit events. They are
	// excluded from rule matching and from fusion input.
	EventTypeAlert EventType = "alert"
)

// SeverityLabel buckets the 1-10 severity scale for human consumption.
type SeverityLabel string

const (
	SeverityCritical SeverityLabel = "CRITICAL"
	SeverityHigh     SeverityLabel = "HIGH"
	SeverityMedium   SeverityLabel = "MEDIUM"
	SeverityLow      SeverityLabel = "LOW"
)

// SeverityScores holds the per-source component scores, each 0-100.
type SeverityScores struct {
	Market float64 `json:"market"`
	News   float64 `json:"news"`
	Social float64 `json:"social"`
}

// SeverityBreakdown explains how a fused event's final severity was derived.
type SeverityBreakdown struct {
	Scores     SeverityScores `json:"scores"`
	Confidence float64        `json:"confidence"`
	FinalScore float64        `json:"final_score"`
	Explain    string         `json:"explain,omitempty"`
}

// EvidenceRef points back to a raw signal that contributed to a fused event.
type EvidenceRef struct {
	Source    SignalSource `json:"source"`
	Title     string       `json:"title"`
	URL       string       `json:"url,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// Action is a suggested next step attached to a fused event.
type Action struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// FusedEvent is the correlated, severity-scored output unit combining one or
// more raw signals about the same subject. Events are immutable once created;
// corrections are new events.
type FusedEvent struct {
	ID         string                         `json:"id"`
	Timestamp  time.Time                      `json:"ts"`
	Title      string                         `json:"title"`
	Severity   int                            `json:"severity"` // 1-10
	Breakdown  *SeverityBreakdown             `json:"severityBreakdown,omitempty"`
	EventType  EventType                      `json:"eventType"`
	Sentiment  Sentiment                      `json:"sentiment"`
	SubjectKey string                         `json:"subjectKey"`
	Symbols    []string                       `json:"symbols"`
	Tags       []string                       `json:"tags"`
	Sources    map[SignalSource][]EvidenceRef `json:"sources"`
	Confidence float64                        `json:"confidence"`
	Actions    []Action                       `json:"actions,omitempty"`
	Keywords   []string                       `json:"keywords,omitempty"`
	CreatedAt  time.Time                      `json:"created_at"`
}

// Label maps the 1-10 severity to its operator-facing bucket.
func (e *FusedEvent) Label() SeverityLabel {
	return LabelForSeverity(e.Severity)
}

// LabelForSeverity buckets a 1-10 severity value.
func LabelForSeverity(severity int) SeverityLabel {
	switch {
	case severity >= 9:
		return SeverityCritical
	case severity >= 7:
		return SeverityHigh
	case severity >= 4:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// CalculateSeverity is the pure scoring function behind every fused event:
// weightedSum = market*0.40 + news*0.35 + social*0.25, scaled by confidence,
// then mapped onto the 1-10 scale via round(score/10) clamped to [1,10].
// A source with no contributing signal scores 0 for its term; absence of
// evidence lowers severity rather than defaulting to a midpoint.
func CalculateSeverity(scores SeverityScores, confidence float64) (finalScore float64, severity int) {
	weighted := scores.Market*0.40 + scores.News*0.35 + scores.Social*0.25
	finalScore = weighted * confidence

	severity = int(math.Round(finalScore / 10))
	if severity < 1 {
		severity = 1
	}
	if severity > 10 {
		severity = 10
	}
	return finalScore, severity
}
