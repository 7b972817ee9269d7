package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// SignalSource identifies which adapter produced a raw signal.
type SignalSource string

const (
	SourceMarket SignalSource = "market"
	SourceNews   SignalSource = "news"
	SourceSocial SignalSource = "social"
	// SourceAlert marks synthetic notification.sent events. Signals carrying it
	// are never staged for fusion.
	SourceAlert SignalSource = "alert"
)

// Sentiment is the directional reading attached to a signal or fused event.
type Sentiment string

const (
	SentimentBullish Sentiment = "bullish"
	SentimentBearish Sentiment = "bearish"
	SentimentNeutral Sentiment = "neutral"
	SentimentMixed   Sentiment = "mixed"
	SentimentUnknown Sentiment = "unknown"
)

// RawSignal is one normalized observation from one source adapter, before
// correlation. The payload keeps whatever source-specific detail the adapter
// extracted (price deltas, article text, engagement counts).
type RawSignal struct {
	ID         string                 `json:"id"`
	Source     SignalSource           `json:"source"`
	SubjectKey string                 `json:"subject_key"`
	SignalType string                 `json:"signal_type"`
	Title      string                 `json:"title"`
	URL        string                 `json:"url,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
	Sentiment  Sentiment              `json:"sentiment"`
	Severity   float64                `json:"severity"`   // 0-100
	Confidence float64                `json:"confidence"` // 0-1
	Payload    map[string]interface{} `json:"payload,omitempty"`
}

// Fingerprint derives the deduplication key for a signal. The timestamp is
// truncated to the given bucket so repeated polls of the same underlying
// observation collapse to one key. The payload hash keeps distinct stories
// about the same subject in the same minute apart.
func (s *RawSignal) Fingerprint(bucket time.Duration, extra string) string {
	if bucket <= 0 {
		bucket = time.Minute
	}
	contentHash := ""
	if len(s.Payload) > 0 {
		if b, err := json.Marshal(s.Payload); err == nil {
			sum := sha256.Sum256(b)
			contentHash = hex.EncodeToString(sum[:8])
		}
	} else if s.Title != "" {
		sum := sha256.Sum256([]byte(s.Title + s.URL))
		contentHash = hex.EncodeToString(sum[:8])
	}

	input := fmt.Sprintf("%s|%s|%d|%s|%s|%s",
		s.Source,
		s.SubjectKey,
		s.Timestamp.Truncate(bucket).Unix(),
		s.SignalType,
		contentHash,
		extra,
	)
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

// QuoteData is one market tick for a symbol as delivered by the market feed.
type QuoteData struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Volume    decimal.Decimal `json:"volume"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewsArticle is a normalized article record from the news feed.
type NewsArticle struct {
	Title       string    `json:"title"`
	URL         string    `json:"url"`
	Source      string    `json:"source"`
	Summary     string    `json:"summary"`
	Symbols     []string  `json:"symbols"`
	Keywords    []string  `json:"keywords"`
	PublishedAt time.Time `json:"published_at"`
}

// SocialPost is a normalized social post record from the social feed.
type SocialPost struct {
	Platform  string    `json:"platform"`
	Author    string    `json:"author"`
	Text      string    `json:"text"`
	URL       string    `json:"url"`
	Symbols   []string  `json:"symbols"`
	Likes     int       `json:"likes"`
	Reposts   int       `json:"reposts"`
	Replies   int       `json:"replies"`
	Followers int       `json:"followers"`
	PostedAt  time.Time `json:"posted_at"`
}
