package queue

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/xiangteng007/signalfuse/internal/config"
)

// Job types the pipeline runs on.
const (
	TypeCollect  = "collect"
	TypeFuse     = "fuse"
	TypeDispatch = "dispatch"
)

// Scheduler enqueues the recurring pipeline jobs on their configured
// cadences. Dispatch jobs are not scheduled here; they are enqueued by the
// fusion engine as events are produced.
type Scheduler struct {
	manager *Manager
	logger  *logrus.Logger

	marketInterval time.Duration
	newsInterval   time.Duration
	socialInterval time.Duration
	fuseInterval   time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

func NewScheduler(manager *Manager, logger *logrus.Logger, ingest config.IngestConfig, fusion config.FusionConfig) *Scheduler {
	return &Scheduler{
		manager:        manager,
		logger:         logger,
		marketInterval: config.Duration(ingest.MarketInterval, time.Minute),
		newsInterval:   config.Duration(ingest.NewsInterval, 5*time.Minute),
		socialInterval: config.Duration(ingest.SocialInterval, 5*time.Minute),
		fuseInterval:   config.Duration(fusion.Interval, time.Minute),
	}
}

// Start launches the cadence loops.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		market := time.NewTicker(s.marketInterval)
		news := time.NewTicker(s.newsInterval)
		social := time.NewTicker(s.socialInterval)
		fuse := time.NewTicker(s.fuseInterval)
		defer market.Stop()
		defer news.Stop()
		defer social.Stop()
		defer fuse.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-market.C:
				s.enqueue(ctx, ClassMarketCollection, TypeCollect, map[string]string{"source": "market"})
			case <-news.C:
				s.enqueue(ctx, ClassRawCollection, TypeCollect, map[string]string{"source": "news"})
			case <-social.C:
				s.enqueue(ctx, ClassRawCollection, TypeCollect, map[string]string{"source": "social"})
			case <-fuse.C:
				s.enqueue(ctx, ClassRawCollection, TypeFuse, nil)
			}
		}
	}()
}

// Stop halts the cadence loops.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.done != nil {
		<-s.done
	}
}

// EnqueueDispatch queues one alert-dispatch job for a freshly fused event.
func (s *Scheduler) EnqueueDispatch(ctx context.Context, eventID string) {
	s.enqueue(ctx, ClassAlertDispatch, TypeDispatch, map[string]string{"event_id": eventID})
}

// EnqueueRefetch queues a high-priority re-collection of one source, used
// when a dispatch-critical gap is detected.
func (s *Scheduler) EnqueueRefetch(ctx context.Context, source string) {
	s.enqueue(ctx, ClassHighPriorityRefetch, TypeCollect, map[string]string{"source": source})
}

func (s *Scheduler) enqueue(ctx context.Context, class Class, jobType string, payload map[string]string) {
	if _, err := s.manager.Enqueue(ctx, class, jobType, payload); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"class": class,
			"type":  jobType,
		}).Warn("Failed to enqueue scheduled job")
	}
}
