// Package quota tracks the per-user character allowance consumed by successful
// synthesis.
//
// CheckAndReserve is optimistic: it reads the balance without holding it, so
// two concurrent runs may both pass before either commits. The over-spend is
// bounded by one run's characters and is accepted.
package quota

import (
	"context"
	"errors"
	"fmt"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-studio/internal/core"
)

const (
	reasonInactive     = "subscription inactive"
	errFmtInsufficient = "%w: need %d characters, %d remaining"
	errFmtLoadAccount  = "failed to load subscription for user %s: %w"
	errFmtClaimCommit  = "failed to claim commit for generation %s: %w"
	errFmtDebit        = "failed to debit subscription %s: %w"
	errNegativeChars   = "character count cannot be negative"
	logFmtCommitted    = "Committed %d characters for generation %s (user %s, %d remaining)"
	logFmtDuplicate    = "Quota for generation %s already committed, skipping"
)

// Ledger gates and records character spending against a user's subscription.
type Ledger struct {
	store     core.ProjectStore
	unmetered bool
	log       *logger.Logger
}

// NewLedger creates a ledger. In unmetered mode every check is allowed and
// commits are recorded without debiting.
func NewLedger(store core.ProjectStore, unmetered bool, log *logger.Logger) *Ledger {
	return &Ledger{
		store:     store,
		unmetered: unmetered,
		log:       log,
	}
}

// Unmetered reports whether quota enforcement is disabled.
func (l *Ledger) Unmetered() bool {
	return l.unmetered
}

// CheckAndReserve returns nil when the user may spend estimatedChars.
// Nothing is debited here; see Commit.
func (l *Ledger) CheckAndReserve(ctx context.Context, userID string, estimatedChars int) error {
	if estimatedChars < 0 {
		return fmt.Errorf("%w: %s", core.ErrValidation, errNegativeChars)
	}

	if l.unmetered {
		return nil
	}

	account, err := l.store.GetSubscription(ctx, userID)
	if err != nil {
		if errors.Is(err, core.ErrAccountNotFound) {
			return fmt.Errorf("%w: %w", core.ErrInsufficientQuota, err)
		}

		return fmt.Errorf(errFmtLoadAccount, userID, err)
	}

	if !account.Active {
		return fmt.Errorf("%w: %s", core.ErrInsufficientQuota, reasonInactive)
	}

	if account.RemainingChars < estimatedChars {
		return fmt.Errorf(errFmtInsufficient, core.ErrInsufficientQuota, estimatedChars, account.RemainingChars)
	}

	return nil
}

// Commit charges actualChars for a block generation that produced audio. A
// generation is charged at most once no matter how many of its jobs or
// callers report it; the balance never drops below zero.
func (l *Ledger) Commit(ctx context.Context, userID, generationID string, actualChars int) error {
	if actualChars < 0 {
		return fmt.Errorf("%w: %s", core.ErrValidation, errNegativeChars)
	}

	if l.unmetered || actualChars == 0 {
		return nil
	}

	claimed, err := l.store.ClaimCommit(ctx, generationID)
	if err != nil {
		return fmt.Errorf(errFmtClaimCommit, generationID, err)
	}

	if !claimed {
		l.log.Info(logFmtDuplicate, generationID)

		return nil
	}

	account, err := l.store.GetSubscription(ctx, userID)
	if err != nil {
		return fmt.Errorf(errFmtLoadAccount, userID, err)
	}

	remaining := max(account.RemainingChars-actualChars, 0)

	err = l.store.DebitSubscription(ctx, account.SubscriptionID, remaining)
	if err != nil {
		return fmt.Errorf(errFmtDebit, account.SubscriptionID, err)
	}

	l.log.Info(logFmtCommitted, actualChars, generationID, userID, remaining)

	return nil
}
