// Package ledger owns the user credit balance and the append-only journal.
//
// All balance mutations funnel through Ledger; every mutation appends a
// journal entry whose balance_after equals the running sum of deltas. The
// store implementation is responsible for making a single mutation atomic
// and for serializing mutations per user.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"
)

var (
	// ErrInsufficientCredits means the balance cannot fund the deduction.
	ErrInsufficientCredits = errors.New("insufficient credits")
	// ErrUserNotFound means the user row does not exist.
	ErrUserNotFound = errors.New("user not found")
)

// Journal entry kinds.
const (
	KindRecharge    = "recharge"
	KindSearchSpend = "search_spend"
	KindAdminAdjust = "admin_adjust"
	KindRefund      = "refund"
	KindBonus       = "bonus"
)

// JournalEntry is one append-only ledger row. Entries are never updated.
type JournalEntry struct {
	ID           string    `json:"id,omitempty"`
	UserID       string    `json:"user_id"`
	Delta        int       `json:"delta"`
	BalanceAfter int       `json:"balance_after"`
	Kind         string    `json:"kind"`
	Description  string    `json:"description"`
	TaskID       string    `json:"task_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Store applies one signed delta atomically: re-read balance, reject if the
// post-image would go negative, write the new balance and append the journal
// entry in the same transaction. Mutations on one user are serialized; no two
// deltas may observe the same pre-image.
type Store interface {
	ApplyDelta(ctx context.Context, userID string, delta int, kind, description, taskID string) (newBalance int, err error)
	Balance(ctx context.Context, userID string) (int, error)
	Journal(ctx context.Context, userID string, limit int) ([]JournalEntry, error)
}

// Ledger exposes the credit operations the pipeline consumes.
type Ledger struct {
	store  Store
	logger *log.Logger
}

func New(store Store) *Ledger {
	return &Ledger{
		store:  store,
		logger: log.New(log.Writer(), "[Ledger] ", log.LstdFlags),
	}
}

// Deduct removes amount credits from the user. A negative amount is the
// credit/refund path. Returns the post-image balance.
func (l *Ledger) Deduct(ctx context.Context, userID string, amount int, kind, description, taskID string) (int, error) {
	newBalance, err := l.store.ApplyDelta(ctx, userID, -amount, kind, description, taskID)
	if err != nil {
		return 0, err
	}
	return newBalance, nil
}

// Refund credits amount back to the user (journal kind = refund).
func (l *Ledger) Refund(ctx context.Context, userID string, amount int, description, taskID string) (int, error) {
	if amount <= 0 {
		return l.Balance(ctx, userID)
	}
	return l.store.ApplyDelta(ctx, userID, amount, KindRefund, description, taskID)
}

// Preauthorize deducts maxAmount up front. The unused portion is expected to
// be returned by Settle once actual spend is known.
func (l *Ledger) Preauthorize(ctx context.Context, userID string, maxAmount int, taskID string) (frozen, newBalance int, err error) {
	newBalance, err = l.Deduct(ctx, userID, maxAmount, KindSearchSpend,
		fmt.Sprintf("preauthorize %d credits", maxAmount), taskID)
	if err != nil {
		return 0, 0, err
	}
	return maxAmount, newBalance, nil
}

// Settle reconciles a preauthorization against actual spend. If actual spend
// was below the frozen amount the difference is refunded; a shortfall is
// deducted, clamped soft at zero balance.
func (l *Ledger) Settle(ctx context.Context, userID string, frozen, actualSpent int, taskID string) (refunded, newBalance int, err error) {
	switch {
	case actualSpent < frozen:
		refunded = frozen - actualSpent
		newBalance, err = l.Refund(ctx, userID, refunded,
			fmt.Sprintf("refund %d unused of %d preauthorized credits", refunded, frozen), taskID)
		return refunded, newBalance, err

	case actualSpent > frozen:
		shortfall := actualSpent - frozen
		newBalance, err = l.Deduct(ctx, userID, shortfall, KindSearchSpend,
			fmt.Sprintf("settle shortfall of %d credits", shortfall), taskID)
		if errors.Is(err, ErrInsufficientCredits) {
			// Clamp: take whatever remains rather than drive the balance negative.
			balance, balErr := l.Balance(ctx, userID)
			if balErr != nil {
				return 0, 0, balErr
			}
			l.logger.Printf("settle shortfall clamped: user=%s frozen=%d actual=%d available=%d",
				userID, frozen, actualSpent, balance)
			if balance > 0 {
				newBalance, err = l.Deduct(ctx, userID, balance, KindSearchSpend,
					fmt.Sprintf("settle shortfall clamped to %d credits", balance), taskID)
				return 0, newBalance, err
			}
			return 0, balance, nil
		}
		return 0, newBalance, err

	default:
		newBalance, err = l.Balance(ctx, userID)
		return 0, newBalance, err
	}
}

// Balance returns the current credit balance.
func (l *Ledger) Balance(ctx context.Context, userID string) (int, error) {
	return l.store.Balance(ctx, userID)
}

// Journal returns recent journal entries, newest first.
func (l *Ledger) Journal(ctx context.Context, userID string, limit int) ([]JournalEntry, error) {
	return l.store.Journal(ctx, userID, limit)
}
