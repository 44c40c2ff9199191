package syncer

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// StartAutoSync periodically uploads pending records of the push
// collections and refreshes the pull collections. Ticks are skipped while
// the network is not ready. It returns immediately; the loop ends with ctx.
func StartAutoSync(ctx context.Context, svc *Service, interval time.Duration, push, pull []string, log *zap.Logger) {
	if log == nil {
		log = zap.NewNop()
	}
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				SyncOnce(ctx, svc, push, pull, log)
			}
		}
	}()
}

// SyncOnce runs one background round.
func SyncOnce(ctx context.Context, svc *Service, push, pull []string, log *zap.Logger) {
	if !svc.Session().NetworkReady() {
		return
	}
	for _, c := range push {
		report, err := svc.UploadAllPending(ctx, c, nil)
		if err != nil {
			log.Warn("background upload failed", zap.String("collection", c), zap.Error(err))
			continue
		}
		if report.Confirmed+report.Conflicted > 0 {
			log.Info("background upload",
				zap.String("collection", c),
				zap.Int("confirmed", report.Confirmed),
				zap.Int("conflicted", report.Conflicted))
		}
	}
	if len(pull) == 0 {
		return
	}
	results, err := svc.Resync(ctx, pull, nil)
	if err != nil {
		log.Warn("background resync failed", zap.Error(err))
		return
	}
	failed := 0
	for _, r := range results {
		if !r.OK {
			failed++
		}
	}
	if failed > 0 {
		log.Warn("background resync incomplete", zap.Int("failed", failed), zap.Int("total", len(results)))
	}
}
