// Package queue provides the Redis-backed job layer the pipeline runs on.
// Each job class carries its own concurrency cap, rate cap and retry budget;
// failed retryable jobs go onto a delayed set with exponential backoff, and
// exhausted jobs land in a per-class dead-letter list.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/xiangteng007/signalfuse/internal/config"
)

// Class names the job classes and their queues.
type Class string

const (
	ClassRawCollection       Class = "raw-collection"
	ClassHighPriorityRefetch Class = "high-priority-refetch"
	ClassMarketCollection    Class = "market-collection"
	ClassAlertDispatch       Class = "alert-dispatch"
)

// Job is one unit of queued work. Payload is job-type specific.
type Job struct {
	ID         string            `json:"id"`
	Class      Class             `json:"class"`
	Type       string            `json:"type"`
	Payload    map[string]string `json:"payload,omitempty"`
	Attempts   int               `json:"attempts"`
	EnqueuedAt time.Time         `json:"enqueued_at"`
}

// Handler executes one job. Returning an error marks the attempt failed; the
// queue decides between retry and dead-letter based on the error class.
type Handler func(ctx context.Context, job *Job) error

// Retryable classifies whether an error should trigger another attempt.
type Retryable func(err error) bool

// ClassSettings is the resolved runtime form of one class's config.
type ClassSettings struct {
	MaxConcurrent int
	MaxPerSecond  int
	MaxAttempts   int
	BaseBackoff   time.Duration
	MaxBackoff    time.Duration
	JobTimeout    time.Duration
}

func settingsFrom(c config.QueueClassConfig) ClassSettings {
	s := ClassSettings{
		MaxConcurrent: c.MaxConcurrent,
		MaxPerSecond:  c.MaxPerSecond,
		MaxAttempts:   c.MaxAttempts,
		BaseBackoff:   config.Duration(c.BaseBackoff, time.Second),
		MaxBackoff:    config.Duration(c.MaxBackoff, time.Minute),
		JobTimeout:    config.Duration(c.JobTimeout, 30*time.Second),
	}
	if s.MaxConcurrent <= 0 {
		s.MaxConcurrent = 1
	}
	if s.MaxAttempts <= 0 {
		s.MaxAttempts = 1
	}
	return s
}

const keyPrefix = "signalfuse:queue:"

func pendingKey(c Class) string { return keyPrefix + string(c) }
func delayedKey(c Class) string { return keyPrefix + string(c) + ":delayed" }
func deadKey(c Class) string    { return keyPrefix + string(c) + ":dead" }

// Manager owns the per-class workers and the handler registry.
type Manager struct {
	client    *redis.Client
	logger    *logrus.Logger
	settings  map[Class]ClassSettings
	handlers  map[string]Handler
	retryable Retryable
	cancel    context.CancelFunc
	done      chan struct{}
}

func NewManager(client *redis.Client, logger *logrus.Logger, cfg config.QueuesConfig, retryable Retryable) *Manager {
	if retryable == nil {
		retryable = func(error) bool { return true }
	}
	return &Manager{
		client: client,
		logger: logger,
		settings: map[Class]ClassSettings{
			ClassRawCollection:       settingsFrom(cfg.RawCollection),
			ClassHighPriorityRefetch: settingsFrom(cfg.HighPriorityRefetch),
			ClassMarketCollection:    settingsFrom(cfg.MarketCollection),
			ClassAlertDispatch:       settingsFrom(cfg.AlertDispatch),
		},
		handlers:  make(map[string]Handler),
		retryable: retryable,
	}
}

// Register binds a handler to a job type. Must be called before Start.
func (m *Manager) Register(jobType string, h Handler) {
	m.handlers[jobType] = h
}

// Enqueue pushes a new job onto its class queue.
func (m *Manager) Enqueue(ctx context.Context, class Class, jobType string, payload map[string]string) (string, error) {
	if _, ok := m.settings[class]; !ok {
		return "", fmt.Errorf("unknown job class %q", class)
	}
	job := &Job{
		ID:         uuid.New().String(),
		Class:      class,
		Type:       jobType,
		Payload:    payload,
		EnqueuedAt: time.Now().UTC(),
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("failed to encode job: %w", err)
	}
	if err := m.client.LPush(ctx, pendingKey(class), raw).Err(); err != nil {
		return "", fmt.Errorf("failed to enqueue job: %w", err)
	}
	return job.ID, nil
}

// Start launches workers for every class. It returns immediately.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go func() {
		defer close(m.done)
		for class := range m.settings {
			go m.runClass(ctx, class)
		}
		<-ctx.Done()
	}()
}

// Stop cancels the workers and waits for the supervisor to exit.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	if m.done != nil {
		<-m.done
	}
}

// runClass drives one class: promotes due delayed jobs, pops pending jobs
// under the concurrency semaphore and throttles to the per-second cap.
func (m *Manager) runClass(ctx context.Context, class Class) {
	settings := m.settings[class]
	sem := make(chan struct{}, settings.MaxConcurrent)

	var rate <-chan time.Time
	if settings.MaxPerSecond > 0 {
		ticker := time.NewTicker(time.Second / time.Duration(settings.MaxPerSecond))
		defer ticker.Stop()
		rate = ticker.C
	}

	promote := time.NewTicker(500 * time.Millisecond)
	defer promote.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-promote.C:
			m.promoteDelayed(ctx, class)
		default:
		}

		raw, err := m.client.BRPop(ctx, time.Second, pendingKey(class)).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			m.logger.WithError(err).WithField("class", class).Warn("Queue pop failed")
			time.Sleep(time.Second)
			continue
		}
		// BRPop returns [key, value].
		if len(raw) < 2 {
			continue
		}

		var job Job
		if err := json.Unmarshal([]byte(raw[1]), &job); err != nil {
			m.logger.WithError(err).WithField("class", class).Warn("Dropping undecodable job")
			continue
		}

		if rate != nil {
			select {
			case <-ctx.Done():
				return
			case <-rate:
			}
		}

		select {
		case <-ctx.Done():
			return
		case sem <- struct{}{}:
		}
		go func(job Job) {
			defer func() { <-sem }()
			m.execute(ctx, class, &job)
		}(job)
	}
}

// execute runs one attempt under the class timeout and routes failures to
// retry or dead-letter.
func (m *Manager) execute(ctx context.Context, class Class, job *Job) {
	settings := m.settings[class]
	log := m.logger.WithFields(logrus.Fields{
		"job_id":   job.ID,
		"class":    class,
		"type":     job.Type,
		"attempts": job.Attempts,
	})

	handler, ok := m.handlers[job.Type]
	if !ok {
		log.Warn("No handler registered, dead-lettering job")
		m.deadLetter(ctx, class, job, "no handler registered")
		return
	}

	job.Attempts++
	jobCtx, cancel := context.WithTimeout(ctx, settings.JobTimeout)
	err := handler(jobCtx, job)
	cancel()
	if err == nil {
		log.Debug("Job completed")
		return
	}

	if !m.retryable(err) {
		log.WithError(err).Warn("Permanent job failure, dead-lettering")
		m.deadLetter(ctx, class, job, err.Error())
		return
	}
	if job.Attempts >= settings.MaxAttempts {
		log.WithError(err).Warn("Retry budget exhausted, dead-lettering")
		m.deadLetter(ctx, class, job, err.Error())
		return
	}

	delay := Backoff(settings, job.Attempts)
	log.WithError(err).WithField("retry_in", delay.String()).Info("Job failed, scheduling retry")
	m.scheduleRetry(ctx, class, job, delay)
}

// Backoff computes the delay before the next attempt: base doubled per prior
// attempt, capped at the class maximum.
func Backoff(settings ClassSettings, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := time.Duration(float64(settings.BaseBackoff) * math.Pow(2, float64(attempts-1)))
	if settings.MaxBackoff > 0 && d > settings.MaxBackoff {
		d = settings.MaxBackoff
	}
	return d
}

func (m *Manager) scheduleRetry(ctx context.Context, class Class, job *Job, delay time.Duration) {
	raw, err := json.Marshal(job)
	if err != nil {
		m.logger.WithError(err).Warn("Failed to encode job for retry")
		return
	}
	due := float64(time.Now().Add(delay).UnixMilli())
	if err := m.client.ZAdd(ctx, delayedKey(class), redis.Z{Score: due, Member: raw}).Err(); err != nil {
		m.logger.WithError(err).WithField("class", class).Warn("Failed to schedule retry")
	}
}

// promoteDelayed moves due jobs from the delayed set back onto the pending
// list.
func (m *Manager) promoteDelayed(ctx context.Context, class Class) {
	now := fmt.Sprintf("%d", time.Now().UnixMilli())
	members, err := m.client.ZRangeByScore(ctx, delayedKey(class), &redis.ZRangeBy{
		Min: "-inf", Max: now, Count: 100,
	}).Result()
	if err != nil || len(members) == 0 {
		return
	}
	for _, member := range members {
		removed, err := m.client.ZRem(ctx, delayedKey(class), member).Result()
		if err != nil || removed == 0 {
			continue
		}
		if err := m.client.LPush(ctx, pendingKey(class), member).Err(); err != nil {
			m.logger.WithError(err).WithField("class", class).Warn("Failed to promote delayed job")
		}
	}
}

func (m *Manager) deadLetter(ctx context.Context, class Class, job *Job, reason string) {
	entry := struct {
		Job    *Job      `json:"job"`
		Reason string    `json:"reason"`
		At     time.Time `json:"at"`
	}{job, reason, time.Now().UTC()}
	raw, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if err := m.client.LPush(ctx, deadKey(class), raw).Err(); err != nil {
		m.logger.WithError(err).WithField("class", class).Warn("Failed to dead-letter job")
	}
}

// Depths reports pending, delayed and dead counts per class for the health
// surface.
func (m *Manager) Depths(ctx context.Context) map[Class]map[string]int64 {
	out := make(map[Class]map[string]int64, len(m.settings))
	for class := range m.settings {
		pending, _ := m.client.LLen(ctx, pendingKey(class)).Result()
		delayed, _ := m.client.ZCard(ctx, delayedKey(class)).Result()
		dead, _ := m.client.LLen(ctx, deadKey(class)).Result()
		out[class] = map[string]int64{"pending": pending, "delayed": delayed, "dead": dead}
	}
	return out
}
