package authkit

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// RefreshTokenSweeper periodically deletes refresh tokens past their audit retention.
type RefreshTokenSweeper struct {
	store     RefreshTokenStore
	interval  time.Duration
	retention time.Duration
	clock     Clock
	metrics   MetricsRecorder
	logger    *zap.Logger
}

// NewRefreshTokenSweeper constructs a sweeper. Records expired for longer than
// retention are purged every interval.
func NewRefreshTokenSweeper(store RefreshTokenStore, interval time.Duration, retention time.Duration, clock Clock, metrics MetricsRecorder, logger *zap.Logger) *RefreshTokenSweeper {
	if clock == nil {
		clock = NewSystemClock()
	}
	if metrics == nil {
		metrics = NewCounterMetrics()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RefreshTokenSweeper{
		store:     store,
		interval:  interval,
		retention: retention,
		clock:     clock,
		metrics:   metrics,
		logger:    logger,
	}
}

// SweepOnce purges once and returns the number of deleted records.
func (sweeper *RefreshTokenSweeper) SweepOnce(ctx context.Context) (int64, error) {
	cutoff := sweeper.clock.Now().Add(-sweeper.retention)
	purged, err := sweeper.store.PurgeExpired(ctx, cutoff)
	if err != nil {
		sweeper.logger.Error("refresh token purge failed",
			zap.String("code", "refresh_store.purge.failure"),
			zap.Error(err))
		return 0, err
	}
	if purged > 0 {
		sweeper.metrics.Add(metricRefreshTokensPurged, purged)
		sweeper.logger.Info("purged expired refresh tokens",
			zap.String("code", "refresh_store.purge.success"),
			zap.Int64("purged", purged),
			zap.Time("cutoff", cutoff))
	}
	return purged, nil
}

// Run sweeps every interval until ctx is cancelled. A non-positive interval disables sweeping.
func (sweeper *RefreshTokenSweeper) Run(ctx context.Context) {
	if sweeper.interval <= 0 {
		return
	}
	ticker := time.NewTicker(sweeper.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = sweeper.SweepOnce(ctx)
		}
	}
}
