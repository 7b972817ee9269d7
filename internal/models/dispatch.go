package models

import "time"

// DispatchStatus is the terminal state of one (event, rule) dispatch.
type DispatchStatus string

const (
	DispatchPending     DispatchStatus = "pending"
	DispatchDispatching DispatchStatus = "dispatching"
	DispatchSent        DispatchStatus = "sent"
	DispatchFailed      DispatchStatus = "failed"
	// DispatchSkipped marks a duplicate suppressed by the dispatch dedup claim.
	DispatchSkipped DispatchStatus = "skipped"
)

// DispatchResult records the outcome of dispatching one event through one
// rule. It is ephemeral beyond the audit log append.
type DispatchResult struct {
	EventID   string         `json:"event_id"`
	RuleID    string         `json:"rule_id"`
	Channel   ChannelKind    `json:"channel"`
	Status    DispatchStatus `json:"status"`
	Error     string         `json:"error,omitempty"`
	Duplicate bool           `json:"duplicate,omitempty"`
	SentAt    time.Time      `json:"sent_at"`
}

// DispatchSummary aggregates one alert-engine run.
type DispatchSummary struct {
	EventID      string           `json:"event_id"`
	Matched      int              `json:"matched"`
	Sent         int              `json:"sent"`
	Failed       int              `json:"failed"`
	Skipped      int              `json:"skipped"`
	ChannelsUsed []string         `json:"channels_used"`
	Results      []DispatchResult `json:"results,omitempty"`
	Errors       []string         `json:"errors,omitempty"`
}

// RunSummary is the structured result every job returns instead of throwing
// past the job boundary.
type RunSummary struct {
	Job        string        `json:"job"`
	Processed  int           `json:"processed"`
	Succeeded  int           `json:"succeeded"`
	Failed     int           `json:"failed"`
	Duplicates int           `json:"duplicates"`
	Errors     []string      `json:"errors,omitempty"`
	Duration   time.Duration `json:"duration"`
}
