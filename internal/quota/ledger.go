// Package quota tracks per-class monetary AI spend and storage bytes, and
// gates spending against a configured ceiling.
package quota

import (
	"context"

	"github.com/rs/zerolog/log"

	"classwatch/internal/database"
)

// Ledger answers "is there room for cost X" for a class and records
// consumption after the fact. All mutations go through atomic increments in
// the store, so concurrent batches spending against the same class stay
// correct.
type Ledger struct {
	db             database.QuotaDatabase
	defaultAIQuota float64
}

func NewLedger(db database.QuotaDatabase, defaultAIQuota float64) *Ledger {
	if defaultAIQuota <= 0 {
		defaultAIQuota = 10.0
	}
	return &Ledger{db: db, defaultAIQuota: defaultAIQuota}
}

// CheckQuota reports whether the class has room for estimatedCost more
// spend. Fails closed: an unknown or empty classId never allows spending.
func (l *Ledger) CheckQuota(ctx context.Context, classID string, estimatedCost float64) (bool, error) {
	if classID == "" {
		return false, nil
	}

	usage, found, err := l.db.GetClassAIUsage(ctx, classID)
	if err != nil {
		return false, err
	}
	if !found {
		log.Warn().Str("classID", classID).Msg("Quota check for unknown class, denying")
		return false, nil
	}

	quota := usage.AIQuota
	if quota == 0 {
		quota = l.defaultAIQuota
	}

	allowed := usage.AIUsedQuota+estimatedCost <= quota
	log.Debug().
		Str("classID", classID).
		Float64("used", usage.AIUsedQuota).
		Float64("quota", quota).
		Float64("estimated", estimatedCost).
		Bool("allowed", allowed).
		Msg("Quota check")

	return allowed, nil
}

// RecordSpend atomically adds cost to the class's running total. A missing
// ledger entry is initialized to cost rather than erroring (first spend ever
// for the class).
func (l *Ledger) RecordSpend(ctx context.Context, classID string, cost float64) error {
	if cost <= 0 {
		return nil
	}
	return l.db.IncrementAIUsedQuota(ctx, classID, cost)
}

// RecordStorage adds bytes to the class's storage ledger for one category.
func (l *Ledger) RecordStorage(ctx context.Context, classID, category string, bytes int64) error {
	if bytes <= 0 {
		return nil
	}
	return l.db.IncrementStorageUsage(ctx, classID, category, bytes)
}
