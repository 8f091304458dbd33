package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"

	"github.com/harborq/ghqueue/internal/db"
)

// AddEntry inserts a new pending entry. execute_at is computed server-side
// as coalesce(max(execute_at) over the same token, now()) + Delta, which is
// what keeps a token's entries monotonically spaced (spec.md §3 invariant).
func (s *Store) AddEntry(ctx context.Context, tokenID int, url, baseObjectURL, objectType string, headers map[string]string, params map[string]any) (*Entry, error) {
	span := sentry.StartSpan(ctx, "queue.add_entry")
	span.SetTag("token_id", fmt.Sprint(tokenID))
	defer span.Finish()

	headersJSON, err := json.Marshal(orEmptyMap(headers))
	if err != nil {
		return nil, fmt.Errorf("failed to serialise headers: %w", err)
	}
	paramsJSON, err := json.Marshal(orEmptyAnyMap(params))
	if err != nil {
		return nil, fmt.Errorf("failed to serialise params: %w", err)
	}

	id := uuid.New().String()
	var entry Entry

	err = s.Execute(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			INSERT INTO object_queue (id, token_id, url, base_object_url, object_type,
				created_at, updated_at, execute_at, retry_count, state, headers, params)
			SELECT $1, $2, $3, $4, $5, now(), now(),
				COALESCE((SELECT MAX(execute_at) FROM object_queue WHERE token_id = $2), now()) + $6::interval,
				0, $7, $8::jsonb, $9::jsonb
			RETURNING id, token_id, url, base_object_url, object_type, created_at, updated_at, execute_at, retry_count, state
		`, id, tokenID, url, baseObjectURL, objectType, Delta.String(), StateUnprocessed, string(headersJSON), string(paramsJSON))

		if err := row.Scan(&entry.ID, &entry.TokenID, &entry.URL, &entry.BaseObjectURL, &entry.ObjectType,
			&entry.CreatedAt, &entry.UpdatedAt, &entry.ExecuteAt, &entry.RetryCount, &entry.State); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `SELECT pg_notify('new_entry', $1)`, entry.ID)
		return err
	})
	if err != nil {
		sentry.CaptureException(err)
		return nil, fmt.Errorf("add_entry failed: %w", err)
	}

	entry.Headers = headers
	entry.Params = params
	return &entry, nil
}

// DepthByToken returns the current pending-entry count for every token with
// at least one queue row, for the QueueDepth gauge.
func (s *Store) DepthByToken(ctx context.Context) (map[int]int, error) {
	depths := make(map[int]int)
	err := s.Execute(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT token_id, COUNT(*) FROM object_queue GROUP BY token_id`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var tokenID, count int
			if err := rows.Scan(&tokenID, &count); err != nil {
				return err
			}
			depths[tokenID] = count
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("depth_by_token failed: %w", err)
	}
	return depths, nil
}

// Fill bulk-enqueues work for tokens whose backlog has run low. It runs as
// one SQL statement (a chain of CTEs) to keep the selection and insertion
// atomic against concurrent dispatch ticks, per spec.md §4.1.
//
// Per SPEC_FULL.md §D.1, both row numbers are 0-indexed: object obj_rn goes
// to the token with token_rn = obj_rn / objectsPerToken (no +1) at slot
// obj_rn % objectsPerToken, so no token's batch loses its first row.
func (s *Store) Fill(ctx context.Context, queueThreshold, objectsPerToken, perPage int) (int, error) {
	span := sentry.StartSpan(ctx, "queue.fill")
	defer span.Finish()

	paramsJSON := db.Serialise(map[string]any{"per_page": perPage, "page": 1})

	var inserted int
	err := s.Execute(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			WITH eligible_tokens AS (
				SELECT t.id AS token_id,
				       ROW_NUMBER() OVER (ORDER BY t.id) - 1 AS token_rn,
				       COALESCE(
				           (SELECT MAX(q.execute_at) FROM object_queue q WHERE q.token_id = t.id),
				           now() + interval '3 seconds'
				       ) AS last_execute
				FROM token t
				WHERE t.is_enable = true
				  AND (SELECT COUNT(*) FROM object_queue q WHERE q.token_id = t.id) <= $1
			),
			token_count AS (
				SELECT COUNT(*) AS n FROM eligible_tokens
			),
			candidate_objects AS (
				SELECT io.url,
				       ROW_NUMBER() OVER (ORDER BY io.url) - 1 AS obj_rn
				FROM issue_loading io
				WHERE io.comment_state = 'TO_DO'
				  AND NOT EXISTS (SELECT 1 FROM object_queue q WHERE q.base_object_url = io.url)
				ORDER BY io.url
				LIMIT (SELECT GREATEST(n, 0) * 2 * $2 FROM token_count)
			),
			assigned AS (
				SELECT co.url,
				       et.token_id,
				       et.last_execute + (((co.obj_rn % $2) + 1) * interval '720 milliseconds') AS execute_at
				FROM candidate_objects co
				JOIN eligible_tokens et ON et.token_rn = (co.obj_rn / $2)
				WHERE co.obj_rn < (SELECT n FROM token_count) * $2
			)
			INSERT INTO object_queue (id, token_id, url, base_object_url, object_type,
				created_at, updated_at, execute_at, retry_count, state, headers, params)
			SELECT gen_random_uuid(), token_id, url, url, 'issue', now(), now(), execute_at, 0, $3, '{}'::jsonb, $4::jsonb
			FROM assigned
			RETURNING id
		`, queueThreshold, objectsPerToken, StateUnprocessed, paramsJSON)
		if err != nil {
			return fmt.Errorf("fill query failed: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return err
			}
			inserted++
		}
		if err := rows.Err(); err != nil {
			return err
		}
		if inserted > 0 {
			_, err := tx.ExecContext(ctx, `SELECT pg_notify('new_entry', 'fill')`)
			return err
		}
		return nil
	})
	if err != nil {
		sentry.CaptureException(err)
		return 0, err
	}

	return inserted, nil
}

// ClaimWindow atomically claims every unprocessed entry whose execute_at
// falls within [now-mu, now+mu), tagging it with claimID.
func (s *Store) ClaimWindow(ctx context.Context, claimID string, now time.Time, mu time.Duration) (int, error) {
	span := sentry.StartSpan(ctx, "queue.claim_window")
	span.SetTag("claim_id", claimID)
	defer span.Finish()

	var marked int
	err := s.Execute(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE object_queue
			SET state = $1, uuid = $2, updated_at = now()
			WHERE execute_at >= $3 AND execute_at < $4
			  AND state = $5 AND uuid IS NULL
		`, StateToProcess, claimID, now.Add(-mu), now.Add(mu), StateUnprocessed)
		if err != nil {
			return fmt.Errorf("claim_window failed: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return err
		}
		marked = int(affected)
		return nil
	})
	if err != nil {
		sentry.CaptureException(err)
		return 0, err
	}

	return marked, nil
}

// ByClaim reads back the batch of entries tagged with claimID. Token secrets
// are resolved separately through internal/token's cached Registry rather
// than joined in here, so a claim batch sharing one token actually exercises
// that cache instead of re-reading the token row per entry.
func (s *Store) ByClaim(ctx context.Context, claimID string) ([]*Entry, error) {
	span := sentry.StartSpan(ctx, "queue.by_claim")
	span.SetTag("claim_id", claimID)
	defer span.Finish()

	var entries []*Entry
	err := s.Execute(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT q.id, q.token_id, q.url, q.base_object_url, q.object_type,
			       q.created_at, q.updated_at, q.execute_at, q.retry_count, q.state, q.uuid,
			       q.headers, q.params, q.error
			FROM object_queue q
			WHERE q.uuid = $1
			ORDER BY q.execute_at
		`, claimID)
		if err != nil {
			return fmt.Errorf("by_claim query failed: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			entry, err := scanEntry(rows)
			if err != nil {
				return err
			}
			entries = append(entries, entry)
		}
		return rows.Err()
	})
	if err != nil {
		sentry.CaptureException(err)
		return nil, err
	}

	return entries, nil
}

// ByID looks up a single entry by id. Returns (nil, nil) when the entry is
// gone (already completed by another worker).
func (s *Store) ByID(ctx context.Context, id string) (*Entry, error) {
	span := sentry.StartSpan(ctx, "queue.by_id")
	span.SetTag("entry_id", id)
	defer span.Finish()

	var entry *Entry
	err := s.Execute(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT q.id, q.token_id, q.url, q.base_object_url, q.object_type,
			       q.created_at, q.updated_at, q.execute_at, q.retry_count, q.state, q.uuid,
			       q.headers, q.params, q.error
			FROM object_queue q
			WHERE q.id = $1
		`, id)

		e, err := scanEntry(row)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}
		entry = e
		return nil
	})
	if err != nil {
		sentry.CaptureException(err)
		return nil, err
	}

	return entry, nil
}

// ShiftByToken adds shiftSeconds to execute_at for every entry of the given
// token. Deliberately not serialised with SELECT ... FOR UPDATE: two
// concurrent shifts against the same token both apply, compounding, which
// is the documented (if racy) source behaviour preserved by SPEC_FULL.md §D.2.
func (s *Store) ShiftByToken(ctx context.Context, tokenID int, shiftSeconds int) error {
	span := sentry.StartSpan(ctx, "queue.shift_by_token")
	span.SetTag("token_id", fmt.Sprint(tokenID))
	defer span.Finish()

	err := s.Execute(ctx, func(tx *sql.Tx) error {
		return s.ShiftByTokenTx(ctx, tx, tokenID, shiftSeconds)
	})
	if err != nil {
		sentry.CaptureException(err)
		return fmt.Errorf("shift_by_token failed: %w", err)
	}
	return nil
}

// ShiftByTokenTx is the tx-scoped core of ShiftByToken, for composition
// inside a caller-owned transaction (e.g. by internal/manager).
func (s *Store) ShiftByTokenTx(ctx context.Context, tx *sql.Tx, tokenID int, shiftSeconds int) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE object_queue
		SET execute_at = execute_at + ($1 || ' seconds')::interval
		WHERE token_id = $2
	`, shiftSeconds, tokenID)
	return err
}

// MoveEntryToEnd repositions entry to the back of its token's schedule
// (max(execute_at)+Delta), clears its claim marker, resets its state to
// UNPROCESSED, and bumps the queue row's retry_count by one in the same
// statement (matching the source's DB-side `retry_count = retry_count + 1`,
// rather than carrying an app-incremented value in).
func (s *Store) MoveEntryToEnd(ctx context.Context, entry *Entry) error {
	span := sentry.StartSpan(ctx, "queue.move_entry_to_end")
	span.SetTag("entry_id", entry.ID)
	defer span.Finish()

	err := s.Execute(ctx, func(tx *sql.Tx) error {
		return s.MoveEntryToEndTx(ctx, tx, entry)
	})
	if err != nil {
		sentry.CaptureException(err)
		return fmt.Errorf("move_entry_to_end failed: %w", err)
	}
	return nil
}

// MoveEntryToEndTx is the tx-scoped core of MoveEntryToEnd.
func (s *Store) MoveEntryToEndTx(ctx context.Context, tx *sql.Tx, entry *Entry) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE object_queue
		SET execute_at = COALESCE((SELECT MAX(execute_at) FROM object_queue WHERE token_id = $1), now()) + $2::interval,
		    uuid = NULL,
		    retry_count = retry_count + 1,
		    state = $3,
		    updated_at = now()
		WHERE id = $4
	`, entry.TokenID, Delta.String(), StateUnprocessed, entry.ID)
	return err
}

// SaveHistory writes a durable record of entry leaving the queue, bumping
// the stored retry_count by one over the entry's live value.
func (s *Store) SaveHistory(ctx context.Context, entry *Entry, errorText *string) error {
	span := sentry.StartSpan(ctx, "queue.save_history")
	span.SetTag("entry_id", entry.ID)
	defer span.Finish()

	err := s.Execute(ctx, func(tx *sql.Tx) error {
		return s.SaveHistoryTx(ctx, tx, entry, errorText)
	})
	if err != nil {
		sentry.CaptureException(err)
		return fmt.Errorf("save_history failed: %w", err)
	}
	return nil
}

// SaveHistoryTx is the tx-scoped core of SaveHistory.
func (s *Store) SaveHistoryTx(ctx context.Context, tx *sql.Tx, entry *Entry, errorText *string) error {
	headersJSON := db.Serialise(orEmptyMap(entry.Headers))
	paramsJSON := db.Serialise(orEmptyAnyMap(entry.Params))

	_, err := tx.ExecContext(ctx, `
		INSERT INTO object_history (id, token_id, url, base_object_url, object_type,
			created_at, updated_at, closed_at, execute_at, retry_count, state, headers, params, error_text)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now(), $8, $9, $10, $11::jsonb, $12::jsonb, $13)
	`, entry.ID, entry.TokenID, entry.URL, entry.BaseObjectURL, entry.ObjectType,
		entry.CreatedAt, entry.UpdatedAt, entry.ExecuteAt, entry.RetryCount+1, entry.State,
		headersJSON, paramsJSON, errorText)
	return err
}

// MarkBaseDone flips the parent base object's comment_state to DONE,
// ending the paging stream for it.
func (s *Store) MarkBaseDone(ctx context.Context, baseURL string) error {
	span := sentry.StartSpan(ctx, "queue.mark_base_done")
	defer span.Finish()

	err := s.Execute(ctx, func(tx *sql.Tx) error {
		return s.MarkBaseDoneTx(ctx, tx, baseURL)
	})
	if err != nil {
		sentry.CaptureException(err)
		return fmt.Errorf("mark_base_done failed: %w", err)
	}
	return nil
}

// MarkBaseDoneTx is the tx-scoped core of MarkBaseDone.
func (s *Store) MarkBaseDoneTx(ctx context.Context, tx *sql.Tx, baseURL string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE issue_loading SET comment_state = $1 WHERE url = $2
	`, CommentStateDone, baseURL)
	return err
}

// DeleteByID removes an entry from the queue. Callers are responsible for
// having already written the corresponding history row in the same
// transaction sequence (spec.md §3 "history-then-delete" invariant); Queue
// Manager composes the two (see internal/manager).
func (s *Store) DeleteByID(ctx context.Context, id string) error {
	span := sentry.StartSpan(ctx, "queue.delete_by_id")
	span.SetTag("entry_id", id)
	defer span.Finish()

	err := s.Execute(ctx, func(tx *sql.Tx) error {
		return s.DeleteByIDTx(ctx, tx, id)
	})
	if err != nil {
		sentry.CaptureException(err)
		return fmt.Errorf("delete_by_id failed: %w", err)
	}
	return nil
}

// DeleteByIDTx is the tx-scoped core of DeleteByID.
func (s *Store) DeleteByIDTx(ctx context.Context, tx *sql.Tx, id string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM object_queue WHERE id = $1`, id)
	return err
}

// DeleteAncient prunes entries whose execute_at is older than depthSeconds.
func (s *Store) DeleteAncient(ctx context.Context, depthSeconds int) (int, error) {
	span := sentry.StartSpan(ctx, "queue.delete_ancient")
	defer span.Finish()

	var deleted int
	err := s.ExecuteMaintenance(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			DELETE FROM object_queue WHERE execute_at < now() - ($1 || ' seconds')::interval
		`, depthSeconds)
		if err != nil {
			return err
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return err
		}
		deleted = int(affected)
		return nil
	})
	if err != nil {
		sentry.CaptureException(err)
		return 0, fmt.Errorf("delete_ancient failed: %w", err)
	}
	return deleted, nil
}

// Truncate wipes the queue entirely. Called once at dispatcher startup
// (spec.md §4.6) to discard claims left dangling by a prior process's
// unclean shutdown.
func (s *Store) Truncate(ctx context.Context) error {
	err := s.ExecuteMaintenance(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `TRUNCATE object_queue`)
		return err
	})
	if err != nil {
		sentry.CaptureException(err)
		return fmt.Errorf("truncate failed: %w", err)
	}
	return nil
}

// ReconcileStuckEntries resets entries left TO_PROCESS with a claim marker
// older than staleAfter back to UNPROCESSED. A softer, periodic
// alternative to the blunt startup Truncate (SPEC_FULL.md §C), run
// alongside it rather than instead of it.
func (s *Store) ReconcileStuckEntries(ctx context.Context, staleAfter time.Duration) (int, error) {
	var reconciled int
	err := s.ExecuteMaintenance(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE object_queue
			SET state = $1, uuid = NULL, updated_at = now()
			WHERE state = $2 AND uuid IS NOT NULL
			  AND updated_at < now() - ($3 || ' seconds')::interval
		`, StateUnprocessed, StateToProcess, int(staleAfter.Seconds()))
		if err != nil {
			return err
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return err
		}
		reconciled = int(affected)
		return nil
	})
	if err != nil {
		sentry.CaptureException(err)
		return 0, fmt.Errorf("reconcile_stuck_entries failed: %w", err)
	}
	if reconciled > 0 {
		sentry.CaptureMessage(fmt.Sprintf("reconciled %d stuck queue entries", reconciled))
	}
	return reconciled, nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanEntry(row scannable) (*Entry, error) {
	var e Entry
	var claimID sql.NullString
	var errText sql.NullString
	var headersJSON, paramsJSON []byte

	if err := row.Scan(&e.ID, &e.TokenID, &e.URL, &e.BaseObjectURL, &e.ObjectType,
		&e.CreatedAt, &e.UpdatedAt, &e.ExecuteAt, &e.RetryCount, &e.State, &claimID,
		&headersJSON, &paramsJSON, &errText); err != nil {
		return nil, err
	}

	if claimID.Valid {
		e.ClaimID = &claimID.String
	}
	if errText.Valid {
		e.Error = &errText.String
	}

	e.Headers = map[string]string{}
	if len(headersJSON) > 0 {
		_ = json.Unmarshal(headersJSON, &e.Headers)
	}
	e.Params = map[string]any{}
	if len(paramsJSON) > 0 {
		_ = json.Unmarshal(paramsJSON, &e.Params)
	}

	return &e, nil
}

func orEmptyMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func orEmptyAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
