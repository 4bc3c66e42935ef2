/*
audit.go - Cache reconciliation and historical shortage detection

RECONCILIATION:
  RecomputeBalance re-sums the ledger under the resource lock and rewrites
  the cached stock. The ledger always wins.

SHORTAGES:
  A restock or adjustment may land with an effective date earlier than
  allocations that already consumed stock "ahead" of it, or a correction may
  lower history below what was allocated. Such writes are accepted; only new
  allocations are checked at write time. DetectShortages replays the ledger
  in effective order and reports each instant where the running balance is
  negative so an operator can act on it.

SEE ALSO:
  - balance.go: Reconcile
  - ledger.go: Timeline.Shortages
  - api/scheduler.go: Periodic Audit
*/
package allocation

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/warp/resource-engine/metrics"
)

// RecomputeBalance corrects the cached stock of a consumable from its ledger.
func (s *Service) RecomputeBalance(ctx context.Context, id ResourceID) (Reconciliation, error) {
	r, err := s.store.GetResource(ctx, id)
	if err != nil {
		return Reconciliation{}, err
	}
	if r.Kind != KindConsumable {
		return Reconciliation{}, wrongKind(r, "balance recomputation")
	}

	var rec Reconciliation
	err = s.locks.WithResourceLock(ctx, id, func(tx Store, locked Resource) error {
		rec, err = (&BalanceCalculator{Store: tx}).Reconcile(ctx, locked)
		return err
	})
	if err != nil {
		return Reconciliation{}, err
	}
	if rec.Drift() != 0 {
		metrics.BalanceDrift.Inc()
		s.log.Warn("cached stock drift corrected",
			zap.String("resource_id", string(id)),
			zap.Int("cached", rec.Cached),
			zap.Int("ledger", rec.Ledger))
	}
	return rec, nil
}

// DetectShortages replays the ledger of a consumable and returns every point
// where its historical balance went negative.
func (s *Service) DetectShortages(ctx context.Context, id ResourceID) ([]Shortage, error) {
	r, err := s.store.GetResource(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.Kind != KindConsumable {
		return nil, wrongKind(r, "shortage detection")
	}
	txs, err := s.store.Transactions(ctx, id)
	if err != nil {
		return nil, err
	}
	shortages := Timeline{Transactions: txs}.Shortages()
	metrics.HistoricalShortages.WithLabelValues(string(id)).Set(float64(len(shortages)))
	return shortages, nil
}

// AuditReport summarises one pass over every consumable.
type AuditReport struct {
	Reconciliations []Reconciliation
	Shortages       []Shortage
}

// Drifted returns the reconciliations that changed the cache.
func (a AuditReport) Drifted() []Reconciliation {
	var out []Reconciliation
	for _, r := range a.Reconciliations {
		if r.Drift() != 0 {
			out = append(out, r)
		}
	}
	return out
}

// Audit reconciles and scans every consumable resource. It stops at the
// first infrastructure error.
func (s *Service) Audit(ctx context.Context) (AuditReport, error) {
	resources, err := s.store.ListResources(ctx, KindConsumable)
	if err != nil {
		return AuditReport{}, err
	}

	var report AuditReport
	for _, r := range resources {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		rec, err := s.RecomputeBalance(ctx, r.ID)
		if err != nil {
			return report, err
		}
		report.Reconciliations = append(report.Reconciliations, rec)

		shortages, err := s.DetectShortages(ctx, r.ID)
		if err != nil {
			return report, err
		}
		for _, sh := range shortages {
			s.log.Warn("historical shortage",
				zap.String("resource_id", string(sh.ResourceID)),
				zap.Time("at", sh.At),
				zap.Int("balance", sh.Balance),
				zap.String("transaction_id", string(sh.TransactionID)))
			balance := sh.Balance
			s.notify(ctx, Notification{
				Type:       NotifyShortage,
				ResourceID: sh.ResourceID,
				Balance:    &balance,
				OccurredAt: sh.At,
			})
		}
		report.Shortages = append(report.Shortages, shortages...)
	}
	return report, nil
}

// =============================================================================
// AUDIT RUNS - History of scheduled audits
// =============================================================================

// AuditRun records one scheduled or manual audit pass.
type AuditRun struct {
	ID          string
	StartedAt   time.Time
	CompletedAt time.Time
	Resources   int
	Drifted     int
	Shortages   int
	Error       string // empty on success
}

// AuditRunStore is implemented by stores that keep audit history.
type AuditRunStore interface {
	SaveAuditRun(ctx context.Context, run AuditRun) error
	ListAuditRuns(ctx context.Context, limit int) ([]AuditRun, error)
}
