// Package manager composes the Queue Store's primitives into the three
// terminal entry transitions and owns the process-wide critical section
// around claiming work.
package manager

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog/log"

	"github.com/harborq/ghqueue/internal/queue"
)

// Manager is the Queue Manager of spec.md §4.2: a façade over the Queue
// Store's single-operation transactions that composes the multi-step ones.
type Manager struct {
	store *queue.Store

	// claimLock serialises claim_window + by_claim against concurrent
	// dispatchers within this process (spec.md §4.2, §5). Cross-process
	// concurrency relies on the atomic SQL UPDATE alone.
	claimLock sync.Mutex
}

// New builds a Manager over the given Queue Store.
func New(store *queue.Store) *Manager {
	return &Manager{store: store}
}

// Fill tops up the queue for under-provisioned tokens.
func (m *Manager) Fill(ctx context.Context, queueThreshold, objectsPerToken, perPage int) (int, error) {
	return m.store.Fill(ctx, queueThreshold, objectsPerToken, perPage)
}

// DeleteAncient prunes entries older than depthSeconds.
func (m *Manager) DeleteAncient(ctx context.Context, depthSeconds int) (int, error) {
	return m.store.DeleteAncient(ctx, depthSeconds)
}

// DepthByToken reports the current pending-entry count per token.
func (m *Manager) DepthByToken(ctx context.Context) (map[int]int, error) {
	return m.store.DepthByToken(ctx)
}

// Truncate wipes the queue, used once at dispatcher startup.
func (m *Manager) Truncate(ctx context.Context) error {
	return m.store.Truncate(ctx)
}

// ReconcileStuckEntries un-sticks TO_PROCESS entries abandoned by a dead
// worker.
func (m *Manager) ReconcileStuckEntries(ctx context.Context, staleAfter time.Duration) (int, error) {
	return m.store.ReconcileStuckEntries(ctx, staleAfter)
}

// NextEntries claims a time window of work and reads it back, holding
// claimLock for the duration of both steps so two dispatch ticks in this
// process never double-claim.
func (m *Manager) NextEntries(ctx context.Context, claimID string, now time.Time, mu time.Duration) ([]*queue.Entry, error) {
	m.claimLock.Lock()
	defer m.claimLock.Unlock()

	marked, err := m.store.ClaimWindow(ctx, claimID, now, mu)
	if err != nil {
		return nil, fmt.Errorf("claim_window failed: %w", err)
	}
	if marked == 0 {
		return nil, nil
	}

	return m.store.ByClaim(ctx, claimID)
}

// AddNextPage enqueues the follow-on page entry for a successful fetch,
// outside of (and before) the completion transaction, matching spec.md
// §4.2's "next-page entry... not rolled back with the completion".
func (m *Manager) AddNextPage(ctx context.Context, tokenID int, url, baseObjectURL, objectType string, headers map[string]string, params map[string]any) (*queue.Entry, error) {
	return m.store.AddEntry(ctx, tokenID, url, baseObjectURL, objectType, headers, params)
}

// CompleteOK records a successful terminal fetch: history, parent
// base-object completion, and queue deletion, all as one transaction so the
// "history-then-delete" invariant (spec.md §3, §5) never observes a partial
// state. entry's next page (if any) must already have been enqueued via
// AddNextPage before calling this.
func (m *Manager) CompleteOK(ctx context.Context, entry *queue.Entry) error {
	span := sentry.StartSpan(ctx, "manager.complete_ok")
	span.SetTag("entry_id", entry.ID)
	defer span.Finish()

	err := m.store.Execute(ctx, func(tx *sql.Tx) error {
		if err := m.store.SaveHistoryTx(ctx, tx, entry, nil); err != nil {
			return err
		}
		if err := m.store.MarkBaseDoneTx(ctx, tx, entry.BaseObjectURL); err != nil {
			return err
		}
		return m.store.DeleteByIDTx(ctx, tx, entry.ID)
	})
	if err != nil {
		return err
	}

	log.Debug().Str("entry_id", entry.ID).Msg("entry completed ok")
	return nil
}

// CompleteRetry parks entry at the back of its token's schedule after a
// recoverable failure, writing the history row and the reschedule in one
// transaction.
func (m *Manager) CompleteRetry(ctx context.Context, entry *queue.Entry, errorText string) error {
	span := sentry.StartSpan(ctx, "manager.complete_retry")
	span.SetTag("entry_id", entry.ID)
	defer span.Finish()

	err := m.store.Execute(ctx, func(tx *sql.Tx) error {
		if err := m.store.SaveHistoryTx(ctx, tx, entry, &errorText); err != nil {
			return err
		}
		return m.store.MoveEntryToEndTx(ctx, tx, entry)
	})
	if err != nil {
		return err
	}

	log.Debug().Str("entry_id", entry.ID).Int("retry_count", entry.RetryCount+1).Msg("entry parked for retry")
	return nil
}

// CompleteTerminal removes entry from the queue permanently after it has
// exhausted its retries, still marking the parent base object DONE so its
// paging stream ends, all in one transaction.
func (m *Manager) CompleteTerminal(ctx context.Context, entry *queue.Entry, errorText string) error {
	span := sentry.StartSpan(ctx, "manager.complete_terminal")
	span.SetTag("entry_id", entry.ID)
	defer span.Finish()

	err := m.store.Execute(ctx, func(tx *sql.Tx) error {
		if err := m.store.SaveHistoryTx(ctx, tx, entry, &errorText); err != nil {
			return err
		}
		if err := m.store.DeleteByIDTx(ctx, tx, entry.ID); err != nil {
			return err
		}
		return m.store.MarkBaseDoneTx(ctx, tx, entry.BaseObjectURL)
	})
	if err != nil {
		return err
	}

	log.Warn().Str("entry_id", entry.ID).Str("error", errorText).Msg("entry terminated")
	return nil
}

// ShiftByToken throttles every pending entry of the given token by
// shiftSeconds, as called by the Load Handler on a quota error.
func (m *Manager) ShiftByToken(ctx context.Context, tokenID int, shiftSeconds int) error {
	return m.store.ShiftByToken(ctx, tokenID, shiftSeconds)
}

// ByID looks up a single entry by id.
func (m *Manager) ByID(ctx context.Context, id string) (*queue.Entry, error) {
	return m.store.ByID(ctx, id)
}
