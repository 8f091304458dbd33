// Package dispatcher runs the three periodic jobs that drive the queue: a
// fast claim-and-submit tick, a slower fill tick, and a prune tick, all on
// a bounded worker pool (spec.md §4.6).
package dispatcher

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/harborq/ghqueue/internal/metrics"
	"github.com/harborq/ghqueue/internal/queue"
)

const (
	prepareInterval      = 200 * time.Millisecond
	fillInterval         = 30 * time.Second
	deleteAncientInterval = 120 * time.Second
	ancientDepthSeconds  = 120
	stuckEntryStaleAfter = 5 * time.Minute

	defaultPoolSize = 12
)

// Manager is the subset of the Queue Manager the dispatcher drives.
type Manager interface {
	Truncate(ctx context.Context) error
	NextEntries(ctx context.Context, claimID string, now time.Time, mu time.Duration) ([]*queue.Entry, error)
	Fill(ctx context.Context, queueThreshold, objectsPerToken, perPage int) (int, error)
	DeleteAncient(ctx context.Context, depthSeconds int) (int, error)
	DepthByToken(ctx context.Context) (map[int]int, error)
	ReconcileStuckEntries(ctx context.Context, staleAfter time.Duration) (int, error)
}

// RunFunc is the one-shot job the dispatcher submits per claimed entry,
// bound to the Load Handler.
type RunFunc func(ctx context.Context, entryID string)

// Config holds the scheduling knobs read from configuration (spec.md §6).
type Config struct {
	PoolSize        int
	ClaimMu         time.Duration
	QueueThreshold  int
	ObjectsPerToken int
	PerPage         int

	// NotifyDSN, if set, enables the LISTEN/NOTIFY wake-up optimisation
	// (SPEC_FULL.md §C) over a dedicated connection to this DSN. Leave
	// empty to run on polling alone.
	NotifyDSN string
}

// DefaultConfig returns the scheduling defaults of spec.md §6.
func DefaultConfig() Config {
	return Config{
		PoolSize:        defaultPoolSize,
		ClaimMu:         queue.DefaultMu,
		QueueThreshold:  50,
		ObjectsPerToken: 150,
		PerPage:         queue.DefaultPerPage,
	}
}

// Dispatcher owns the three periodic jobs and the bounded pool of workers
// that executes claimed entries.
type Dispatcher struct {
	manager Manager
	run     RunFunc
	cfg     Config

	jobs chan string
	wake *wakeListener

	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopping atomic.Bool
}

// New builds a Dispatcher over the given Queue Manager and per-entry runner.
func New(mgr Manager, run RunFunc, cfg Config) *Dispatcher {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = defaultPoolSize
	}
	d := &Dispatcher{
		manager: mgr,
		run:     run,
		cfg:     cfg,
		jobs:    make(chan string, cfg.PoolSize*4),
		stopCh:  make(chan struct{}),
	}
	if cfg.NotifyDSN != "" {
		d.wake = newWakeListener(cfg.NotifyDSN)
	}
	return d
}

// Start truncates the queue (discarding any claims left over from an
// unclean prior shutdown, spec.md §4.6), spins up the worker pool, and
// launches the three periodic jobs. It blocks until ctx is cancelled, then
// calls Stop and returns; a Stop call alone does not make Start return.
func (d *Dispatcher) Start(ctx context.Context) error {
	if err := d.manager.Truncate(ctx); err != nil {
		sentry.CaptureException(err)
		return err
	}
	log.Info().Msg("queue truncated at startup")

	for i := 0; i < d.cfg.PoolSize; i++ {
		d.wg.Add(1)
		go d.worker(ctx, i)
	}

	d.wg.Add(3)
	go d.prepareLoop(ctx)
	go d.fillLoop(ctx)
	go d.deleteAncientLoop(ctx)

	if d.wake != nil {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.wake.run(ctx)
		}()
	}

	<-ctx.Done()
	d.Stop()
	return nil
}

// Stop signals every loop and worker to exit and waits for them to drain.
func (d *Dispatcher) Stop() {
	if d.stopping.CompareAndSwap(false, true) {
		close(d.stopCh)
		d.wg.Wait()
		log.Info().Msg("dispatcher stopped")
	}
}

func (d *Dispatcher) worker(ctx context.Context, id int) {
	defer d.wg.Done()
	for {
		select {
		case <-d.stopCh:
			return
		case <-ctx.Done():
			return
		case entryID := <-d.jobs:
			d.run(ctx, entryID)
		}
	}
}

func (d *Dispatcher) prepareLoop(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(prepareInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.prepareJob(ctx)
		case <-d.wakeChan():
			d.prepareJob(ctx)
		}
	}
}

// wakeChan returns the wake-up listener's channel, or nil (which blocks
// forever in a select) when the optimisation is disabled.
func (d *Dispatcher) wakeChan() <-chan struct{} {
	if d.wake == nil {
		return nil
	}
	return d.wake.wake
}

// prepareJob claims the current time window and submits one run job per
// claimed entry (spec.md §4.6). Submission is non-blocking: if the pool is
// saturated, the entry waits for the next tick rather than blocking the
// ticker.
func (d *Dispatcher) prepareJob(ctx context.Context) {
	claimID := uuid.New().String()
	entries, err := d.manager.NextEntries(ctx, claimID, time.Now(), d.cfg.ClaimMu)
	if err != nil {
		sentry.CaptureException(err)
		log.Error().Err(err).Msg("prepare_job: failed to claim window")
		return
	}
	metrics.ClaimBatchSize.Observe(float64(len(entries)))

	for _, entry := range entries {
		select {
		case d.jobs <- entry.ID:
		default:
			log.Warn().Str("entry_id", entry.ID).Msg("prepare_job: worker pool saturated, entry delayed")
		}
	}
}

func (d *Dispatcher) fillLoop(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(fillInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			inserted, err := d.manager.Fill(ctx, d.cfg.QueueThreshold, d.cfg.ObjectsPerToken, d.cfg.PerPage)
			if err != nil {
				sentry.CaptureException(err)
				log.Error().Err(err).Msg("fill_queue failed")
				continue
			}
			if inserted > 0 {
				log.Info().Int("inserted", inserted).Msg("fill_queue topped up backlog")
			}
			d.refreshQueueDepth(ctx)
		}
	}
}

func (d *Dispatcher) refreshQueueDepth(ctx context.Context) {
	depths, err := d.manager.DepthByToken(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("failed to refresh queue depth gauge")
		return
	}
	for tokenID, depth := range depths {
		metrics.QueueDepth.WithLabelValues(strconv.Itoa(tokenID)).Set(float64(depth))
	}
}

func (d *Dispatcher) deleteAncientLoop(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(deleteAncientInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := d.manager.DeleteAncient(ctx, ancientDepthSeconds)
			if err != nil {
				sentry.CaptureException(err)
				log.Error().Err(err).Msg("delete_ancient_entries failed")
			} else if deleted > 0 {
				log.Info().Int("deleted", deleted).Msg("delete_ancient_entries pruned queue")
			}

			reconciled, err := d.manager.ReconcileStuckEntries(ctx, stuckEntryStaleAfter)
			if err != nil {
				sentry.CaptureException(err)
				log.Error().Err(err).Msg("reconcile_stuck_entries failed")
			} else if reconciled > 0 {
				log.Warn().Int("reconciled", reconciled).Msg("reconcile_stuck_entries un-stuck abandoned claims")
			}
		}
	}
}
