package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog/log"

	"github.com/harborq/ghqueue/internal/metrics"
)

// Store is the transactional persistence layer for pending work, completed
// history, and audit rows. Every public method runs as a single
// transaction unless documented otherwise.
type Store struct {
	db *sql.DB

	// logMutex guards lastWarnLog/lastRejectLog, written from whichever
	// worker's Execute call happens to cross a threshold; without it
	// concurrent dispatcher workers race on these fields (-race catches it).
	logMutex            sync.Mutex
	poolWarnThreshold   float64
	poolRejectThreshold float64
	lastWarnLog         time.Time
	lastRejectLog       time.Time
}

// ErrPoolSaturated is returned when the database connection pool is too
// busy to accept another transaction.
var ErrPoolSaturated = errors.New("database connection pool saturated")

const (
	defaultPoolWarnThreshold   = 0.80
	defaultPoolRejectThreshold = 0.90
	poolLogCooldown            = 5 * time.Second
)

// NewStore wraps an open *sql.DB with the pool-saturation guard described
// in SPEC_FULL.md §C.
func NewStore(db *sql.DB) *Store {
	warn := parseThresholdEnv("GHQUEUE_POOL_WARN_THRESHOLD", defaultPoolWarnThreshold)
	reject := parseThresholdEnv("GHQUEUE_POOL_REJECT_THRESHOLD", defaultPoolRejectThreshold)

	if reject <= 0 || reject > 1 {
		reject = defaultPoolRejectThreshold
	}
	if warn <= 0 || warn >= reject {
		warn = reject - 0.05
		if warn <= 0 {
			warn = defaultPoolWarnThreshold
		}
	}

	return &Store{
		db:                  db,
		poolWarnThreshold:   warn,
		poolRejectThreshold: reject,
	}
}

func parseThresholdEnv(key string, fallback float64) float64 {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		if parsed, err := strconv.ParseFloat(val, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

// Execute runs fn inside a transaction, guarded by the pool-saturation
// check and a default 30s deadline.
func (s *Store) Execute(ctx context.Context, fn func(*sql.Tx) error) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
	}

	if err := s.ensurePoolCapacity(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		sentry.CaptureException(err)
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		sentry.CaptureException(err)
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// ExecuteMaintenance runs a low-impact transaction that bypasses the pool
// saturation guard, for housekeeping that must run regardless of load.
func (s *Store) ExecuteMaintenance(ctx context.Context, fn func(*sql.Tx) error) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("maintenance transaction requires an initialised database connection")
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		sentry.CaptureException(err)
		return fmt.Errorf("failed to begin maintenance transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `SET LOCAL statement_timeout = '5s'`); err != nil {
		log.Warn().Err(err).Msg("Failed to set maintenance statement timeout")
	}

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		sentry.CaptureException(err)
		return fmt.Errorf("failed to commit maintenance transaction: %w", err)
	}

	return nil
}

func (s *Store) ensurePoolCapacity() error {
	if s == nil || s.db == nil {
		return nil
	}

	stats := s.db.Stats()
	maxOpen := stats.MaxOpenConnections
	if maxOpen <= 0 {
		return nil
	}

	usage := float64(stats.InUse) / float64(maxOpen)
	metrics.DBPoolUsage.Set(usage)

	if usage >= s.poolRejectThreshold {
		if s.shouldLog(&s.lastRejectLog) {
			log.Warn().
				Int("in_use", stats.InUse).
				Int("max_open", maxOpen).
				Float64("usage", usage).
				Msg("DB pool saturated: rejecting request")
			sentry.WithScope(func(scope *sentry.Scope) {
				scope.SetLevel(sentry.LevelWarning)
				scope.SetTag("event_type", "db_pool")
				scope.SetTag("state", "reject")
				sentry.CaptureMessage("DB pool saturated")
			})
		}
		return ErrPoolSaturated
	}

	if usage >= s.poolWarnThreshold && s.shouldLog(&s.lastWarnLog) {
		log.Warn().
			Int("in_use", stats.InUse).
			Int("max_open", maxOpen).
			Float64("usage", usage).
			Msg("DB pool nearing capacity")
		sentry.WithScope(func(scope *sentry.Scope) {
			scope.SetLevel(sentry.LevelInfo)
			scope.SetTag("event_type", "db_pool")
			scope.SetTag("state", "warn")
			sentry.CaptureMessage("DB pool nearing capacity")
		})
	}

	return nil
}

// shouldLog reports whether poolLogCooldown has elapsed since *last, and if
// so advances *last to now under logMutex. Guards lastWarnLog/lastRejectLog
// against the concurrent Execute calls issued by the dispatcher's worker pool.
func (s *Store) shouldLog(last *time.Time) bool {
	s.logMutex.Lock()
	defer s.logMutex.Unlock()
	if time.Since(*last) <= poolLogCooldown {
		return false
	}
	*last = time.Now()
	return true
}
