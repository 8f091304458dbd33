package token

import (
	"context"
	"sync"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) (*Registry, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewRegistry(db), mock
}

func TestByID_QueriesOnceThenServesFromCache(t *testing.T) {
	reg, mock := newTestRegistry(t)

	rows := sqlmock.NewRows([]string{"id", "value", "is_enable"}).AddRow(1, "secret-a", true)
	mock.ExpectQuery("SELECT id, value, is_enable FROM token").WithArgs(1).WillReturnRows(rows)

	tok1, err := reg.ByID(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "secret-a", tok1.Value)

	// Second lookup must be served from cache: no further query expected.
	tok2, err := reg.ByID(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, tok1, tok2)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestByID_CollapsesConcurrentDuplicateLookups(t *testing.T) {
	reg, mock := newTestRegistry(t)

	rows := sqlmock.NewRows([]string{"id", "value", "is_enable"}).AddRow(2, "secret-b", true)
	mock.ExpectQuery("SELECT id, value, is_enable FROM token").WithArgs(2).WillReturnRows(rows)

	var wg sync.WaitGroup
	results := make([]*struct {
		value string
		err   error
	}, 8)

	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := reg.ByID(context.Background(), 2)
			r := &struct {
				value string
				err   error
			}{err: err}
			if tok != nil {
				r.value = tok.Value
			}
			results[i] = r
		}(i)
	}
	wg.Wait()

	for _, r := range results {
		require.NoError(t, r.err)
		assert.Equal(t, "secret-b", r.value)
	}
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestByID_PropagatesQueryError(t *testing.T) {
	reg, mock := newTestRegistry(t)

	mock.ExpectQuery("SELECT id, value, is_enable FROM token").WithArgs(99).
		WillReturnError(assertMissingRowErr)

	tok, err := reg.ByID(context.Background(), 99)
	require.Error(t, err)
	assert.Nil(t, tok)
}

func TestInvalidate_ForcesNextLookupToHitDB(t *testing.T) {
	reg, mock := newTestRegistry(t)

	rows1 := sqlmock.NewRows([]string{"id", "value", "is_enable"}).AddRow(3, "v1", true)
	mock.ExpectQuery("SELECT id, value, is_enable FROM token").WithArgs(3).WillReturnRows(rows1)

	tok, err := reg.ByID(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, "v1", tok.Value)

	reg.Invalidate(3)

	rows2 := sqlmock.NewRows([]string{"id", "value", "is_enable"}).AddRow(3, "v2", true)
	mock.ExpectQuery("SELECT id, value, is_enable FROM token").WithArgs(3).WillReturnRows(rows2)

	tok, err = reg.ByID(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, "v2", tok.Value)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnabled_ListsOnlyEnabledTokensUncached(t *testing.T) {
	reg, mock := newTestRegistry(t)

	rows := sqlmock.NewRows([]string{"id", "value", "is_enable"}).
		AddRow(1, "a", true).
		AddRow(2, "b", true)
	mock.ExpectQuery("SELECT id, value, is_enable FROM token WHERE is_enable").WillReturnRows(rows)

	tokens, err := reg.Enabled(context.Background())
	require.NoError(t, err)
	require.Len(t, tokens, 2)
	assert.Equal(t, 1, tokens[0].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

type missingRowErr string

func (e missingRowErr) Error() string { return string(e) }

var assertMissingRowErr = missingRowErr("sql: no rows in result set")
