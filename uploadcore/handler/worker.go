package handler

import (
	"context"
	"time"

	"github.com/filetide/filetide/core/logging"
	"github.com/filetide/filetide/uploadcore/chunkstore"
	"github.com/filetide/filetide/uploadcore/config"

	"go.uber.org/zap"
)

// SetupWorkers starts the background maintenance loops.
func SetupWorkers(ctx context.Context) {
	go CleanupStaleSessions(ctx)
}

// CleanupStaleSessions sweeps abandoned chunk directories once at startup and
// then on every tick until ctx is cancelled.
func CleanupStaleSessions(ctx context.Context) {
	maxAge := config.Configuration.StaleAgeHours

	logging.Logger.Info("starting stale session sweeper",
		zap.Int64("frequency_seconds", config.Configuration.CleanupFreq),
		zap.Int("max_age_hours", maxAge))

	chunkstore.GetStore().SweepStale(maxAge)

	ticker := time.NewTicker(time.Duration(config.Configuration.CleanupFreq) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			chunkstore.GetStore().SweepStale(maxAge)
		}
	}
}
