// Package catalogjobs schedules the catalog's background maintenance:
// periodic cache refresh for Eager-policy catalogs, and a recurring
// recovery-manager sweep that detects and optionally auto-resolves
// local/global store discrepancies. Grounded on the teacher's
// cron.New(cron.WithSeconds())-based scheduler in pkg/backup/service.go.
package catalogjobs

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sharding-system/pkg/catalog"
	"go.uber.org/zap"
)

const (
	refreshTimeout = 30 * time.Second
	sweepTimeout   = 2 * time.Minute
)

// AutoResolve decides, for one discrepancy, whether the sweep should
// resolve it automatically and with which resolution. Returning ok=false
// leaves the discrepancy unresolved, only logged and reported.
type AutoResolve func(d catalog.Discrepancy) (resolution catalog.Resolution, ok bool)

// Scheduler owns a robfig/cron instance driving the catalog's two
// background jobs.
type Scheduler struct {
	cat    *catalog.Catalog
	logger *zap.Logger
	cron   *cron.Cron

	mu         sync.Mutex
	lastReport []catalog.Discrepancy
}

// New builds a Scheduler around cat. Jobs are registered by
// ScheduleRefresh/ScheduleRecoverySweep and started by Start.
func New(cat *catalog.Catalog, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		cat:    cat,
		logger: logger,
		cron:   cron.New(cron.WithSeconds()),
	}
}

// ScheduleRefresh registers a periodic catalog cache refresh job. spec is
// a six-field cron expression with a leading seconds field (or a
// descriptor such as "@every 1m"), e.g. "*/30 * * * * *" for every 30
// seconds.
func (s *Scheduler) ScheduleRefresh(spec string) error {
	_, err := s.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
		defer cancel()
		if err := s.cat.Refresh(ctx); err != nil {
			s.logger.Error("scheduled catalog refresh failed", zap.Error(err))
		}
	})
	return err
}

// ScheduleRecoverySweep registers a periodic recovery-manager sweep across
// every registered map. resolve, if non-nil, is consulted for each
// discrepancy found; nil disables auto-resolution and the sweep only
// records what it finds for GetLastReport.
func (s *Scheduler) ScheduleRecoverySweep(spec string, resolve AutoResolve) error {
	_, err := s.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
		defer cancel()
		s.sweep(ctx, resolve)
	})
	return err
}

func (s *Scheduler) sweep(ctx context.Context, resolve AutoResolve) {
	var report []catalog.Discrepancy
	for _, sm := range s.cat.ListMaps() {
		discrepancies, err := s.cat.DetectDiscrepancies(ctx, sm.ID)
		if err != nil {
			s.logger.Warn("recovery sweep failed to inspect map",
				zap.String("map", sm.Name), zap.Error(err))
			continue
		}
		for _, d := range discrepancies {
			report = append(report, d)
			s.logger.Warn("recovery discrepancy detected",
				zap.String("map", sm.Name),
				zap.String("kind", string(d.Kind)),
				zap.String("shard", d.Location),
				zap.String("mapping_id", d.MappingID.String()))

			if resolve == nil {
				continue
			}
			resolution, ok := resolve(d)
			if !ok {
				continue
			}
			if err := s.cat.Resolve(ctx, d, resolution); err != nil {
				s.logger.Error("recovery resolution failed",
					zap.String("mapping_id", d.MappingID.String()),
					zap.String("resolution", string(resolution)), zap.Error(err))
			}
		}
	}

	s.mu.Lock()
	s.lastReport = report
	s.mu.Unlock()
}

// GetLastReport returns every discrepancy the most recent sweep found.
func (s *Scheduler) GetLastReport() []catalog.Discrepancy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]catalog.Discrepancy(nil), s.lastReport...)
}

// Start begins running scheduled jobs in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("catalog job scheduler started")
}

// Stop waits for any in-flight job run to finish, then stops the
// scheduler.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("catalog job scheduler stopped")
}
