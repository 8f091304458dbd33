package queue

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"

	"github.com/harborq/ghqueue/internal/db"
)

// CreateAudit opens a LoadingAudit row for one HTTP attempt, stamped with
// the current time as its begin timestamp. The core creates this before
// dispatch and completes it with CloseAudit after (spec.md §3).
func (s *Store) CreateAudit(ctx context.Context, guid, url string, reqParams map[string]any, reqHeaders map[string]string) (*LoadingAudit, error) {
	span := sentry.StartSpan(ctx, "queue.create_audit")
	defer span.Finish()

	paramsJSON := db.Serialise(orEmptyAnyMap(reqParams))
	headersJSON := db.Serialise(orEmptyMap(reqHeaders))

	id := uuid.New().String()
	audit := &LoadingAudit{
		ID:             id,
		GUID:           guid,
		URL:            url,
		ReqParams:      reqParams,
		ReqHeaders:     reqHeaders,
		BeginTimestamp: time.Now(),
	}

	err := s.Execute(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO loading (id, guid, url, req_params, req_headers, begin_timestamp)
			VALUES ($1, $2, $3, $4::jsonb, $5::jsonb, $6)
		`, audit.ID, audit.GUID, audit.URL, paramsJSON, headersJSON, audit.BeginTimestamp)
		return err
	})
	if err != nil {
		sentry.CaptureException(err)
		return nil, fmt.Errorf("create_audit failed: %w", err)
	}

	return audit, nil
}

// CloseAudit stamps an open audit row with its response fields (or an error)
// and its end timestamp. Called unconditionally by the Entity Loader as it
// unwinds, success or failure.
func (s *Store) CloseAudit(ctx context.Context, auditID string, status int, respHeaders http.Header, respText, respRaw *string, loadErr *string) error {
	span := sentry.StartSpan(ctx, "queue.close_audit")
	span.SetTag("audit_id", auditID)
	defer span.Finish()

	headersJSON := "{}"
	if respHeaders != nil {
		headersJSON = db.Serialise(map[string][]string(respHeaders))
	}

	var statusPtr *int
	if status != 0 {
		statusPtr = &status
	}

	err := s.Execute(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE loading
			SET resp_status = $1, resp_headers = $2::jsonb, resp_text = $3, resp_raw = $4,
			    end_timestamp = now(), error = $5
			WHERE id = $6
		`, statusPtr, headersJSON, respText, respRaw, loadErr, auditID)
		return err
	})
	if err != nil {
		sentry.CaptureException(err)
		return fmt.Errorf("close_audit failed: %w", err)
	}
	return nil
}
