package handler

import (
	"context"

	"github.com/harborq/ghqueue/internal/fetch"
	"github.com/harborq/ghqueue/internal/queue"
)

// pageBehaviour is the one concrete loader.Behaviour the core needs: a
// single paginated GET driven entirely by the queue entry's own URL,
// params, and headers.
type pageBehaviour struct {
	fetcher     FetchClient
	tokenSecret string
	perPage     int
	lc          *fetch.LoadContext
}

func newPageBehaviour(fetcher FetchClient, entry *queue.Entry, perPage int, tokenSecret string) *pageBehaviour {
	params := make(map[string]any, len(entry.Params)+2)
	for k, v := range entry.Params {
		params[k] = v
	}
	if _, ok := params["page"]; !ok {
		params["page"] = 1
	}
	if _, ok := params["per_page"]; !ok {
		params["per_page"] = perPage
	}

	headers := make(map[string]string, len(entry.Headers))
	for k, v := range entry.Headers {
		headers[k] = v
	}

	return &pageBehaviour{
		fetcher:     fetcher,
		tokenSecret: tokenSecret,
		perPage:     perPage,
		lc: &fetch.LoadContext{
			URL:     entry.URL,
			Params:  params,
			Headers: headers,
			Obj:     fetch.ObjState{TokenID: entry.TokenID},
		},
	}
}

func (b *pageBehaviour) InitialContext() *fetch.LoadContext {
	return b.lc
}

func (b *pageBehaviour) PreLoad(ctx context.Context, lc *fetch.LoadContext) {}

func (b *pageBehaviour) Load(ctx context.Context, lc *fetch.LoadContext) (*fetch.LoadResult, error) {
	return b.fetcher.Load(ctx, lc, b.tokenSecret, b.perPage)
}

func (b *pageBehaviour) PostLoad(result *fetch.LoadResult) {}

// HandleError turns a transport-level failure into a status-0 terminal
// result; the Load Handler treats a zero status as the retry path
// (spec.md §7 Transport error).
func (b *pageBehaviour) HandleError(err error) *fetch.LoadResult {
	return &fetch.LoadResult{Status: 0, RespRaw: err.Error()}
}
