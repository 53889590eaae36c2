package service

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/prperemyshlev/social-connections/internal/domain"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// SweepResult counts what one sweep did
type SweepResult struct {
	Demoted   int
	Due       int
	Refreshed int
	Deferred  int
	Failed    int
	Skipped   int
}

// RefreshScheduler periodically refreshes tokens ahead of expiry
type RefreshScheduler struct {
	store       *TokenStore
	interval    time.Duration
	batchSize   int
	concurrency int
	logger      *zap.Logger

	lastSweep atomic.Int64
}

func NewRefreshScheduler(store *TokenStore, interval time.Duration, batchSize, concurrency int, logger *zap.Logger) *RefreshScheduler {
	if concurrency < 1 {
		concurrency = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RefreshScheduler{
		store:       store,
		interval:    interval,
		batchSize:   batchSize,
		concurrency: concurrency,
		logger:      logger,
	}
}

// Run sweeps once immediately and then every interval until ctx is done
func (s *RefreshScheduler) Run(ctx context.Context) error {
	s.logger.Info("Refresh scheduler started", zap.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.Sweep(ctx)

		select {
		case <-ctx.Done():
			s.logger.Info("Refresh scheduler stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Interval is the time between sweeps
func (s *RefreshScheduler) Interval() time.Duration {
	return s.interval
}

// LastSweep reports when the last sweep finished, zero before the first one
func (s *RefreshScheduler) LastSweep() time.Time {
	nanos := s.lastSweep.Load()
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos).UTC()
}

// Sweep demotes expired connections and refreshes every due one with bounded
// concurrency. Failures are recorded on the connections, never returned.
func (s *RefreshScheduler) Sweep(ctx context.Context) SweepResult {
	var result SweepResult

	demoted, err := s.store.DemoteExpired(ctx)
	if err != nil {
		s.logger.Error("Sweep failed to demote expired connections", zap.Error(err))
	}
	result.Demoted = len(demoted)

	due, err := s.store.ListDue(ctx, s.batchSize)
	if err != nil {
		s.logger.Error("Sweep failed to list due connections", zap.Error(err))
		return result
	}
	result.Due = len(due)

	var refreshed, deferred, failed, skipped atomic.Int64

	var g errgroup.Group
	g.SetLimit(s.concurrency)

	for _, c := range due {
		if ctx.Err() != nil {
			break
		}

		g.Go(func() error {
			_, err := s.store.Refresh(ctx, c.ID)
			switch {
			case err == nil:
				refreshed.Add(1)
			case errors.Is(err, domain.ErrRefreshInProgress):
				skipped.Add(1)
			case errors.Is(err, domain.ErrRateLimitExceeded), errors.Is(err, domain.ErrRefreshTransient):
				deferred.Add(1)
			default:
				failed.Add(1)
				s.logger.Warn("Sweep refresh failed",
					zap.String("connection_id", c.ID),
					zap.String("platform", string(c.Platform)),
					zap.Error(err),
				)
			}
			return nil
		})
	}

	_ = g.Wait()

	result.Refreshed = int(refreshed.Load())
	result.Deferred = int(deferred.Load())
	result.Failed = int(failed.Load())
	result.Skipped = int(skipped.Load())
	s.lastSweep.Store(s.store.now().UnixNano())

	if result.Due > 0 || result.Demoted > 0 {
		s.logger.Info("Refresh sweep finished",
			zap.Int("demoted", result.Demoted),
			zap.Int("due", result.Due),
			zap.Int("refreshed", result.Refreshed),
			zap.Int("deferred", result.Deferred),
			zap.Int("failed", result.Failed),
			zap.Int("skipped", result.Skipped),
		)
	}

	return result
}
