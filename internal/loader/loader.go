// Package loader implements the Entity Loader: a generic one-shot driver
// that wraps a Pageable Fetch Behaviour with an audit trail and turns any
// failure into a terminal result rather than letting it escape.
package loader

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/harborq/ghqueue/internal/fetch"
	"github.com/harborq/ghqueue/internal/queue"
)

// Behaviour is the capability interface a fetch site implements: one
// concrete type per object type, composed rather than inherited (spec.md
// §9's redesign note on entry polymorphism).
type Behaviour interface {
	// InitialContext returns the first LoadContext to fetch, or nil if
	// there is nothing to do.
	InitialContext() *fetch.LoadContext
	// PreLoad runs immediately before the HTTP call.
	PreLoad(ctx context.Context, lc *fetch.LoadContext)
	// Load performs the HTTP call itself.
	Load(ctx context.Context, lc *fetch.LoadContext) (*fetch.LoadResult, error)
	// PostLoad runs after Load returns without error, whatever the response
	// status; it is skipped when Load fails and HandleError runs instead.
	PostLoad(result *fetch.LoadResult)
	// HandleError synthesizes a terminal LoadResult from a thrown error.
	HandleError(err error) *fetch.LoadResult
}

// AuditStore is the subset of the Queue Store the loader needs to manage
// LoadingAudit rows, split out so tests can fake it without a real Store.
type AuditStore interface {
	CreateAudit(ctx context.Context, guid, url string, reqParams map[string]any, reqHeaders map[string]string) (*queue.LoadingAudit, error)
	CloseAudit(ctx context.Context, auditID string, status int, respHeaders http.Header, respText, respRaw *string, loadErr *string) error
}

// Run drives behaviour through one fetch, producing the result (possibly
// terminal) the Load Handler acts on. Implements spec.md §4.4.
func Run(ctx context.Context, store AuditStore, behaviour Behaviour) (*fetch.LoadResult, error) {
	lc := behaviour.InitialContext()
	if lc == nil {
		return nil, nil
	}

	guid := uuid.New().String()
	audit, err := store.CreateAudit(ctx, guid, lc.URL, lc.Params, lc.Headers)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit row: %w", err)
	}

	var result *fetch.LoadResult
	var loadErr error

	func() {
		defer func() {
			if r := recover(); r != nil {
				loadErr = fmt.Errorf("panic in load: %v", r)
			}
		}()
		behaviour.PreLoad(ctx, lc)
		result, loadErr = behaviour.Load(ctx, lc)
	}()

	var errText *string
	if loadErr != nil {
		msg := loadErr.Error()
		errText = &msg
		log.Error().Err(loadErr).Str("url", lc.URL).Msg("load failed")
		result = behaviour.HandleError(loadErr)
	} else {
		behaviour.PostLoad(result)
	}

	closeErr := closeAudit(ctx, store, audit.ID, result, errText)
	if closeErr != nil {
		log.Error().Err(closeErr).Str("audit_id", audit.ID).Msg("failed to close audit row")
	}

	return result, nil
}

func closeAudit(ctx context.Context, store AuditStore, auditID string, result *fetch.LoadResult, errText *string) error {
	if result == nil {
		return store.CloseAudit(ctx, auditID, 0, nil, nil, nil, errText)
	}
	respText := result.RespRaw
	return store.CloseAudit(ctx, auditID, result.Status, result.RespHeaders, &respText, &result.RespRaw, errText)
}
