// Package handler implements the Load Handler: the per-entry orchestration
// that turns one claimed queue entry into a fetch attempt and a terminal
// queue transition.
package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/harborq/ghqueue/internal/fetch"
	"github.com/harborq/ghqueue/internal/loader"
	"github.com/harborq/ghqueue/internal/metrics"
	"github.com/harborq/ghqueue/internal/queue"
)

// correlationKey is the context key the handler stamps with a fresh UUID
// per invocation, replacing the source's thread-local logging context
// (spec.md §9, §4.5).
type correlationKey struct{}

// WithCorrelationID returns ctx annotated with a request-scoped id for log
// correlation across the fetch/loader/handler call chain.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID reads back the id stamped by WithCorrelationID, or "" if none.
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

// Manager is the subset of the Queue Manager the handler drives.
type Manager interface {
	ByID(ctx context.Context, id string) (*queue.Entry, error)
	AddNextPage(ctx context.Context, tokenID int, url, baseObjectURL, objectType string, headers map[string]string, params map[string]any) (*queue.Entry, error)
	CompleteOK(ctx context.Context, entry *queue.Entry) error
	CompleteRetry(ctx context.Context, entry *queue.Entry, errorText string) error
	CompleteTerminal(ctx context.Context, entry *queue.Entry, errorText string) error
	ShiftByToken(ctx context.Context, tokenID int, shiftSeconds int) error
}

// FetchClient is the subset of fetch.Client the handler needs.
type FetchClient interface {
	Load(ctx context.Context, lc *fetch.LoadContext, tokenSecret string, perPage int) (*fetch.LoadResult, error)
}

// TokenResolver resolves a token id to its live row, the way internal/token's
// cached Registry does — queried once per claimed entry rather than joined
// off the queue row, so a claim batch sharing one token hits its cache.
type TokenResolver interface {
	ByID(ctx context.Context, id int) (*queue.Token, error)
}

// AuditStore is what the handler hands the loader for audit bookkeeping.
type AuditStore = loader.AuditStore

// Handler runs the full per-entry orchestration of spec.md §4.5.
type Handler struct {
	manager Manager
	store   AuditStore
	fetcher FetchClient
	tokens  TokenResolver
	perPage int
}

// New builds a Handler over the given Queue Manager, audit store, fetch
// client, and token resolver, requesting perPage items per page.
func New(mgr Manager, store AuditStore, fetcher FetchClient, tokens TokenResolver, perPage int) *Handler {
	if perPage <= 0 {
		perPage = queue.DefaultPerPage
	}
	return &Handler{manager: mgr, store: store, fetcher: fetcher, tokens: tokens, perPage: perPage}
}

// Run processes the entry identified by entryID: looks it up, fetches its
// page, and applies the resulting queue transition.
func (h *Handler) Run(ctx context.Context, entryID string) {
	ctx = WithCorrelationID(ctx, uuid.New().String())

	entry, err := h.manager.ByID(ctx, entryID)
	if err != nil {
		log.Error().Err(err).Str("entry_id", entryID).Str("correlation_id", CorrelationID(ctx)).Msg("failed to look up entry")
		return
	}
	if entry == nil {
		log.Warn().Str("entry_id", entryID).Str("correlation_id", CorrelationID(ctx)).Msg("entry gone before dispatch")
		return
	}

	tok, err := h.tokens.ByID(ctx, entry.TokenID)
	if err != nil {
		log.Error().Err(err).Str("entry_id", entryID).Int("token_id", entry.TokenID).Str("correlation_id", CorrelationID(ctx)).Msg("failed to resolve token secret")
		h.retryUnknownStatus(ctx, entry, err)
		return
	}

	behaviour := newPageBehaviour(h.fetcher, entry, h.perPage, tok.Value)

	result, err := loader.Run(ctx, h.store, behaviour)
	if err != nil {
		h.retryUnknownStatus(ctx, entry, err)
		return
	}
	if result == nil {
		return
	}

	h.applyResult(ctx, entry, result)
}

func (h *Handler) applyResult(ctx context.Context, entry *queue.Entry, result *fetch.LoadResult) {
	correlationID := CorrelationID(ctx)
	metrics.FetchOutcomesTotal.WithLabelValues(metrics.OutcomeClass(result.Status)).Inc()

	if result.Status != 0 && (result.Status == http.StatusForbidden || result.Status == http.StatusTooManyRequests) {
		if err := h.manager.ShiftByToken(ctx, entry.TokenID, queue.DefaultShiftSeconds); err != nil {
			log.Error().Err(err).Int("token_id", entry.TokenID).Str("correlation_id", correlationID).Msg("failed to shift token backlog")
		}
		metrics.TokenShiftsTotal.WithLabelValues(fmtTokenID(entry.TokenID)).Inc()
	}

	if result.Status != 0 && result.Status < 400 {
		if result.NextLoadContext != nil {
			nextHeaders := stripAuthorization(result.NextLoadContext.Headers)
			if _, err := h.manager.AddNextPage(ctx, entry.TokenID, result.NextLoadContext.URL, entry.BaseObjectURL, entry.ObjectType, nextHeaders, result.NextLoadContext.Params); err != nil {
				log.Error().Err(err).Str("entry_id", entry.ID).Str("correlation_id", correlationID).Msg("failed to enqueue next page")
			}
		}
		entry.State = queue.StateProcessed
		if err := h.manager.CompleteOK(ctx, entry); err != nil {
			log.Error().Err(err).Str("entry_id", entry.ID).Str("correlation_id", correlationID).Msg("failed to complete entry")
		}
		return
	}

	h.retry(ctx, entry, statusErrorText(result.Status))
}

func (h *Handler) retryUnknownStatus(ctx context.Context, entry *queue.Entry, err error) {
	log.Error().Err(err).Str("entry_id", entry.ID).Str("correlation_id", CorrelationID(ctx)).Msg("uncaught error during load, treating as retry")
	h.retry(ctx, entry, err.Error())
}

func (h *Handler) retry(ctx context.Context, entry *queue.Entry, errorText string) {
	// entry.RetryCount stays at its live (pre-increment) value here: both
	// CompleteTerminal's history row and CompleteRetry's queue row apply the
	// +1 themselves, so incrementing it here would double-count it.
	entry.State = queue.StateUnprocessed
	var err error
	if entry.RetryCount+1 >= queue.MaxRetry {
		err = h.manager.CompleteTerminal(ctx, entry, errorText)
		metrics.EntriesTerminatedTotal.Inc()
	} else {
		err = h.manager.CompleteRetry(ctx, entry, errorText)
	}
	if err != nil {
		log.Error().Err(err).Str("entry_id", entry.ID).Str("correlation_id", CorrelationID(ctx)).Msg("failed to apply retry transition")
	}
}

func fmtTokenID(id int) string {
	return strconv.Itoa(id)
}

func stripAuthorization(headers map[string]string) map[string]string {
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		if httpCanonicalHeader(k) == "Authorization" {
			continue
		}
		out[k] = v
	}
	return out
}

func httpCanonicalHeader(k string) string {
	return http.CanonicalHeaderKey(k)
}

func statusErrorText(status int) string {
	if status == 0 {
		return "transport error: no response"
	}
	return http.StatusText(status)
}
