// Package fetch implements the Pageable Fetch Behaviour: one HTTP GET per
// invocation against a paginated, token-authenticated JSON API, with the
// pagination decision folded into the result it returns.
package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/rs/zerolog/log"
)

// LoadContext carries everything one fetch call needs: the target URL, its
// query params and headers, and the pagination/correlation state riding
// alongside it.
type LoadContext struct {
	URL     string
	Params  map[string]any
	Headers map[string]string
	Obj     ObjState
}

// ObjState is the pagination/correlation state threaded through a chain of
// LoadContexts for one base object.
type ObjState struct {
	Page      int
	Remaining int
	TokenID   int
	ProcUUID  string
}

// LoadResult is everything the Entity Loader needs to stamp its audit row
// and everything the Load Handler needs to decide the next transition.
type LoadResult struct {
	Status          int
	RespHeaders     http.Header
	RespRaw         string
	Results         []json.RawMessage
	NextLoadContext *LoadContext
}

// Client performs Pageable Fetch Behaviour calls over a shared HTTP client.
type Client struct {
	httpClient *http.Client
	limiters   *tokenLimiters
}

// NewClient builds a fetch Client with the given per-request timeout.
func NewClient(timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 25,
				MaxConnsPerHost:     50,
				IdleConnTimeout:     120 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
				ForceAttemptHTTP2:   true,
			},
		},
		limiters: newTokenLimiters(),
	}
}

// tokenLimiters hands out a per-token client-side rate.Limiter, the same
// lazily-created-map-plus-janitor shape as the teacher's per-IP rateLimiter
// in cmd/app/main.go, keyed on token id instead of client IP. It exists as a
// last-resort guard alongside the DB-encoded execute_at pacing: the queue
// already spaces requests out, this just keeps a single token from bursting
// past the API's documented limit if the queue's pacing estimate drifts.
type tokenLimiters struct {
	mu          sync.Mutex
	perToken    map[int]*rate.Limiter
	lastSeen    map[int]time.Time
	lastCleanup time.Time
}

func newTokenLimiters() *tokenLimiters {
	return &tokenLimiters{
		perToken:    make(map[int]*rate.Limiter),
		lastSeen:    make(map[int]time.Time),
		lastCleanup: time.Now(),
	}
}

func (tl *tokenLimiters) get(tokenID int) *rate.Limiter {
	tl.mu.Lock()
	defer tl.mu.Unlock()

	if time.Since(tl.lastCleanup) > time.Hour {
		for id, seen := range tl.lastSeen {
			if time.Since(seen) > time.Hour {
				delete(tl.perToken, id)
				delete(tl.lastSeen, id)
			}
		}
		tl.lastCleanup = time.Now()
	}

	limiter, ok := tl.perToken[tokenID]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(time.Second/10), 5) // 10 req/s, burst 5, per token
		tl.perToken[tokenID] = limiter
	}
	tl.lastSeen[tokenID] = time.Now()
	return limiter
}

// Load runs the per-call algorithm of spec §4.3 against lc, authenticating
// with tokenSecret and treating the response as a page of perPage items.
func (c *Client) Load(ctx context.Context, lc *LoadContext, tokenSecret string, perPage int) (*LoadResult, error) {
	if err := c.limiters.get(lc.Obj.TokenID).Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter wait failed: %w", err)
	}

	targetURL := composeURL(lc.URL, lc.Params)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, targetURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	for k, v := range lc.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Authorization", "token "+tokenSecret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch request failed: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	remaining := parseRateLimitRemaining(resp.Header.Get("X-RateLimit-Remaining"))
	if remaining <= 0 {
		log.Warn().
			Str("url", lc.URL).
			Int("token_id", lc.Obj.TokenID).
			Int("remaining", remaining).
			Msg("rate limit nearly exhausted")
	}

	var results []json.RawMessage
	if resp.StatusCode < 400 {
		_ = json.Unmarshal(bodyBytes, &results) // non-JSON/non-array body leaves results empty
	}

	isLastPage := resp.StatusCode == http.StatusNotFound ||
		(resp.StatusCode < 400 && len(results) < perPage)

	nextPage := lc.Obj.Page
	if resp.StatusCode < 400 {
		nextPage = lc.Obj.Page + 1
	}

	result := &LoadResult{
		Status:      resp.StatusCode,
		RespHeaders: resp.Header,
		RespRaw:     string(bodyBytes),
		Results:     results,
	}

	if !isLastPage {
		nextHeaders := make(map[string]string, len(lc.Headers))
		for k, v := range lc.Headers {
			nextHeaders[k] = v
		}
		nextParams := make(map[string]any, len(lc.Params)+1)
		for k, v := range lc.Params {
			nextParams[k] = v
		}
		nextParams["page"] = nextPage

		result.NextLoadContext = &LoadContext{
			URL:     lc.URL,
			Params:  nextParams,
			Headers: nextHeaders,
			Obj: ObjState{
				Page:      nextPage,
				Remaining: remaining,
				TokenID:   lc.Obj.TokenID,
				ProcUUID:  lc.Obj.ProcUUID,
			},
		}
	}

	return result, nil
}

// composeURL appends params as a literal "?k=v&k2=v2" query string, matching
// the unescaped source behaviour rather than RFC-3986 percent-encoding.
func composeURL(base string, params map[string]any) string {
	if len(params) == 0 {
		return base
	}
	var b strings.Builder
	b.WriteString(base)
	b.WriteByte('?')
	first := true
	for k, v := range params {
		if !first {
			b.WriteByte('&')
		}
		first = false
		b.WriteString(k)
		b.WriteByte('=')
		fmt.Fprintf(&b, "%v", v)
	}
	return b.String()
}

func parseRateLimitRemaining(raw string) int {
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return n
}
