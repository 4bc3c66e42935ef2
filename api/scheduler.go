/*
scheduler.go - Automated reconciliation scheduler

PURPOSE:
  Periodically recomputes the cached stock of every consumable from its
  ledger and scans each ledger for historical shortages.

DESIGN:
  - Runs a background goroutine with configurable interval
  - Runs once immediately on start
  - Records every pass as an AuditRun for the API and dashboards

USAGE:
  scheduler := NewAuditScheduler(svc, store, 5*time.Minute, log)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: RunAuditNow endpoint (manual audit)
  - allocation/audit.go: Service.Audit
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/resource-engine/allocation"
)

// AuditScheduler runs allocation.Service.Audit on a fixed interval.
type AuditScheduler struct {
	Service  *allocation.Service
	Runs     allocation.AuditRunStore
	Interval time.Duration
	Log      *zap.Logger

	ticker  *time.Ticker
	stop    chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewAuditScheduler creates a new scheduler. A non-positive interval
// defaults to one hour.
func NewAuditScheduler(svc *allocation.Service, runs allocation.AuditRunStore, interval time.Duration, log *zap.Logger) *AuditScheduler {
	if interval <= 0 {
		interval = time.Hour
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &AuditScheduler{
		Service:  svc,
		Runs:     runs,
		Interval: interval,
		Log:      log,
	}
}

// Start begins the scheduler. Calling Start twice is a no-op.
func (as *AuditScheduler) Start() {
	as.mu.Lock()
	defer as.mu.Unlock()
	if as.running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	as.cancel = cancel
	as.stop = make(chan struct{})
	as.ticker = time.NewTicker(as.Interval)
	as.running = true
	as.wg.Add(1)

	go as.run(ctx)

	as.Log.Info("audit scheduler started", zap.Duration("interval", as.Interval))
}

// Stop stops the scheduler and waits for an in-flight pass to give up.
func (as *AuditScheduler) Stop() {
	as.mu.Lock()
	defer as.mu.Unlock()
	if !as.running {
		return
	}

	as.ticker.Stop()
	as.cancel()
	close(as.stop)
	as.wg.Wait()
	as.running = false
	as.Log.Info("audit scheduler stopped")
}

// RunNow runs one pass on the caller's goroutine.
func (as *AuditScheduler) RunNow(ctx context.Context) allocation.AuditRun {
	run, _ := RunAudit(ctx, as.Service, as.Runs, as.Log)
	return run
}

func (as *AuditScheduler) run(ctx context.Context) {
	defer as.wg.Done()

	// Run immediately on start
	as.RunNow(ctx)

	for {
		select {
		case <-as.ticker.C:
			as.RunNow(ctx)
		case <-as.stop:
			return
		}
	}
}

// RunAudit performs one audit pass, records it in runs and returns the
// record with the report it summarises. A failed pass is recorded too, with
// its error and whatever was covered before the failure.
func RunAudit(ctx context.Context, svc *allocation.Service, runs allocation.AuditRunStore, log *zap.Logger) (allocation.AuditRun, allocation.AuditReport) {
	run := allocation.AuditRun{
		ID:        uuid.NewString(),
		StartedAt: time.Now().UTC(),
	}

	report, err := svc.Audit(ctx)
	run.CompletedAt = time.Now().UTC()
	run.Resources = len(report.Reconciliations)
	run.Drifted = len(report.Drifted())
	run.Shortages = len(report.Shortages)
	if err != nil {
		run.Error = err.Error()
		log.Error("audit failed", zap.String("run_id", run.ID), zap.Error(err))
	} else {
		log.Info("audit completed",
			zap.String("run_id", run.ID),
			zap.Int("resources", run.Resources),
			zap.Int("drifted", run.Drifted),
			zap.Int("shortages", run.Shortages),
			zap.Duration("took", run.CompletedAt.Sub(run.StartedAt)))
	}

	// Saved on a fresh context so a cancelled pass still leaves a record.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := runs.SaveAuditRun(saveCtx, run); err != nil {
		log.Error("failed to save audit run", zap.String("run_id", run.ID), zap.Error(err))
	}
	return run, report
}
