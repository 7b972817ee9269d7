package services

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/xiangteng007/signalfuse/internal/config"
	"github.com/xiangteng007/signalfuse/internal/database"
)

// CleanupService prunes ticks, consumed signals and old events past their
// retention windows on a fixed interval.
type CleanupService struct {
	signals *database.SignalRepository
	events  *database.EventRepository
	logger  *logrus.Logger
	cfg     config.RetentionConfig
	stopCh  chan struct{}
}

func NewCleanupService(
	signals *database.SignalRepository,
	events *database.EventRepository,
	logger *logrus.Logger,
	cfg config.RetentionConfig,
) *CleanupService {
	return &CleanupService{
		signals: signals,
		events:  events,
		logger:  logger,
		cfg:     cfg,
		stopCh:  make(chan struct{}),
	}
}

// Start runs the cleanup loop until Stop is called or the context ends.
func (s *CleanupService) Start(ctx context.Context) {
	interval := time.Duration(s.cfg.CleanupIntervalMins) * time.Minute
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				if err := s.RunOnce(ctx); err != nil {
					s.logger.WithError(err).Error("Cleanup run failed")
				}
			}
		}
	}()
}

func (s *CleanupService) Stop() {
	close(s.stopCh)
}

// RunOnce performs a single retention pass.
func (s *CleanupService) RunOnce(ctx context.Context) error {
	now := time.Now()
	tickCutoff := now.Add(-s.retention(s.cfg.TickRetentionHours, 48))
	signalCutoff := now.Add(-s.retention(s.cfg.SignalRetentionHours, 72))
	eventCutoff := now.Add(-s.retention(s.cfg.EventRetentionHours, 24*30))

	removed, err := s.signals.DeleteOlderThan(ctx, tickCutoff, signalCutoff)
	if err != nil {
		return err
	}

	events, err := s.events.DeleteOlderThan(ctx, eventCutoff)
	if err != nil {
		return err
	}

	s.logger.WithFields(logrus.Fields{
		"signals_removed": removed,
		"events_removed":  events,
	}).Info("Retention cleanup completed")
	return nil
}

func (s *CleanupService) retention(hours, def int) time.Duration {
	if hours <= 0 {
		hours = def
	}
	return time.Duration(hours) * time.Hour
}
