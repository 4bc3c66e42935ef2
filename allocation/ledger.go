/*
ledger.go - Append-only consumable ledger

PURPOSE:
  The Ledger is the source of truth for consumable stock. Every restock,
  allocation, return and adjustment is recorded here. Balances are always
  computed by summing transactions.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: No Update, No Delete.
  2. SIGNS: Restock and Return are positive, Allocation is negative,
     Adjustment may be either (or zero, kept for audit).
  3. BALANCE AT T: sum of quantities with EffectiveAt <= T.

EXAMPLE FLOW:
  1. Restock 100 badges on Jan 1:        TxRestock    +100
  2. Allocate 60 to a Jan 10 event:      TxAllocation  -60 @ Jan 10
  3. Raise that allocation to 80:        TxAllocation  -20 @ Jan 10
  4. Remove the allocation:              TxReturn      +80 @ Jan 10

  Ledger: [+100, -60, -20, +80] = 100 badges

SEE ALSO:
  - store.go: AppendTransaction / SumTransactions
  - balance.go: Current and projected balance
*/
package allocation

import (
	"context"
	"fmt"
	"time"
)

// =============================================================================
// LEDGER
// =============================================================================

type Ledger struct {
	Store Store
	Clock Clock
	NewID func() string
}

// Append validates and records a transaction. ID and CreatedAt are filled
// when empty. This is the ONLY write operation.
func (l *Ledger) Append(ctx context.Context, tx Transaction) (Transaction, error) {
	if err := validateSign(tx); err != nil {
		return Transaction{}, err
	}
	if tx.ID == "" {
		tx.ID = TransactionID(l.NewID())
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = l.Clock.Now()
	}
	if tx.EffectiveAt.IsZero() {
		tx.EffectiveAt = tx.CreatedAt
	}
	if err := l.Store.AppendTransaction(ctx, tx); err != nil {
		return Transaction{}, fmt.Errorf("append %s transaction: %w", tx.Type, err)
	}
	return tx, nil
}

// Transactions returns the full ledger of a resource in effective order.
func (l *Ledger) Transactions(ctx context.Context, id ResourceID) ([]Transaction, error) {
	return l.Store.Transactions(ctx, id)
}

// BalanceAt is the signed sum of transactions effective at or before at.
func (l *Ledger) BalanceAt(ctx context.Context, id ResourceID, at time.Time) (int, error) {
	return l.Store.SumTransactions(ctx, id, &at)
}

// Balance is the signed sum of every recorded transaction.
func (l *Ledger) Balance(ctx context.Context, id ResourceID) (int, error) {
	return l.Store.SumTransactions(ctx, id, nil)
}

func validateSign(tx Transaction) error {
	ok := true
	switch tx.Type {
	case TxRestock, TxReturn:
		ok = tx.Quantity > 0
	case TxAllocation:
		ok = tx.Quantity < 0
	case TxAdjustment:
	default:
		return &InvalidRequestError{Code: CodeInvalidQuantity, Message: "unknown transaction type " + string(tx.Type)}
	}
	if !ok {
		return &InvalidRequestError{
			Code:       CodeInvalidQuantity,
			Message:    fmt.Sprintf("%s transaction cannot carry quantity %d", tx.Type, tx.Quantity),
			ResourceID: tx.ResourceID,
		}
	}
	return nil
}

// =============================================================================
// TIMELINE - Replay for historical shortage detection
// =============================================================================

// Shortage is a point in the ledger's history where the running balance
// went negative.
type Shortage struct {
	ResourceID    ResourceID
	At            time.Time
	Balance       int
	TransactionID TransactionID
}

// Timeline replays transactions in effective order.
type Timeline struct {
	Transactions []Transaction
}

// BalanceAt replays up to and including at.
func (t Timeline) BalanceAt(at time.Time) int {
	balance := 0
	for _, tx := range t.Transactions {
		if tx.EffectiveAt.After(at) {
			break
		}
		balance += tx.Quantity
	}
	return balance
}

// Shortages reports every effective instant after which the running balance
// is negative. Transactions sharing an instant are applied together, so a
// restock and an allocation at the same time never raise a false alarm.
func (t Timeline) Shortages() []Shortage {
	var out []Shortage
	balance := 0
	txs := t.Transactions
	for i := 0; i < len(txs); {
		j := i
		for j < len(txs) && txs[j].EffectiveAt.Equal(txs[i].EffectiveAt) {
			balance += txs[j].Quantity
			j++
		}
		if balance < 0 {
			last := txs[j-1]
			out = append(out, Shortage{
				ResourceID:    last.ResourceID,
				At:            last.EffectiveAt,
				Balance:       balance,
				TransactionID: last.ID,
			})
		}
		i = j
	}
	return out
}
