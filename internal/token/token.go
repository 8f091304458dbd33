// Package token provides a read-only, cached accessor over the shared-read
// token table (spec.md §3 Ownership: "Token rows are shared-read").
package token

import (
	"context"
	"database/sql"
	"fmt"

	"golang.org/x/sync/singleflight"

	"github.com/harborq/ghqueue/internal/cache"
	"github.com/harborq/ghqueue/internal/queue"
)

// Registry resolves token rows by id, caching results and collapsing
// concurrent duplicate lookups for the same id via singleflight so a burst
// of dispatcher ticks doesn't hammer the token table.
type Registry struct {
	db    *sql.DB
	cache *cache.InMemoryCache
	group singleflight.Group
}

// NewRegistry builds a Registry over db.
func NewRegistry(db *sql.DB) *Registry {
	return &Registry{
		db:    db,
		cache: cache.NewInMemoryCache(),
	}
}

func cacheKey(id int) string {
	return fmt.Sprintf("token:%d", id)
}

// ByID returns the token row for id, serving from cache when present.
func (r *Registry) ByID(ctx context.Context, id int) (*queue.Token, error) {
	key := cacheKey(id)
	if cached, ok := r.cache.Get(key); ok {
		t := cached.(queue.Token)
		return &t, nil
	}

	v, err, _ := r.group.Do(key, func() (any, error) {
		var t queue.Token
		err := r.db.QueryRowContext(ctx, `SELECT id, value, is_enable FROM token WHERE id = $1`, id).
			Scan(&t.ID, &t.Value, &t.IsEnable)
		if err != nil {
			return nil, err
		}
		r.cache.Set(key, t)
		return t, nil
	})
	if err != nil {
		return nil, fmt.Errorf("token lookup failed for id %d: %w", id, err)
	}
	t := v.(queue.Token)
	return &t, nil
}

// Invalidate drops id from the cache, for use after an operator disables a
// token out-of-band.
func (r *Registry) Invalidate(id int) {
	r.cache.Delete(cacheKey(id))
}

// Enabled lists every currently enabled token, uncached: used by the
// startup diagnostics in cmd/ghqueued.
func (r *Registry) Enabled(ctx context.Context) ([]queue.Token, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, value, is_enable FROM token WHERE is_enable = true ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list enabled tokens: %w", err)
	}
	defer rows.Close()

	var tokens []queue.Token
	for rows.Next() {
		var t queue.Token
		if err := rows.Scan(&t.ID, &t.Value, &t.IsEnable); err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}
