package dispatcher

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harborq/ghqueue/internal/queue"
)

type fakeManager struct {
	mu sync.Mutex

	truncated        bool
	claimCalls       int32
	entriesToReturn  []*queue.Entry
	fillCalls        int32
	deleteAncientN   int
	reconcileN       int
	depths           map[int]int
}

func (f *fakeManager) Truncate(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.truncated = true
	return nil
}

func (f *fakeManager) NextEntries(ctx context.Context, claimID string, now time.Time, mu time.Duration) ([]*queue.Entry, error) {
	atomic.AddInt32(&f.claimCalls, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	entries := f.entriesToReturn
	f.entriesToReturn = nil
	return entries, nil
}

func (f *fakeManager) Fill(ctx context.Context, queueThreshold, objectsPerToken, perPage int) (int, error) {
	atomic.AddInt32(&f.fillCalls, 1)
	return 0, nil
}

func (f *fakeManager) DeleteAncient(ctx context.Context, depthSeconds int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deleteAncientN, nil
}

func (f *fakeManager) DepthByToken(ctx context.Context) (map[int]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.depths, nil
}

func (f *fakeManager) ReconcileStuckEntries(ctx context.Context, staleAfter time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reconcileN, nil
}

func TestStart_TruncatesQueueBeforeRunningLoops(t *testing.T) {
	mgr := &fakeManager{}
	var ranEntries []string
	var mu sync.Mutex
	run := func(ctx context.Context, entryID string) {
		mu.Lock()
		ranEntries = append(ranEntries, entryID)
		mu.Unlock()
	}

	d := New(mgr, run, DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- d.Start(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	assert.True(t, mgr.truncated)
}

func TestPrepareJob_SubmitsClaimedEntriesToWorkers(t *testing.T) {
	mgr := &fakeManager{entriesToReturn: []*queue.Entry{{ID: "e1"}, {ID: "e2"}}}

	var ran sync.Map
	runDone := make(chan struct{}, 2)
	run := func(ctx context.Context, entryID string) {
		ran.Store(entryID, true)
		runDone <- struct{}{}
	}

	cfg := DefaultConfig()
	cfg.PoolSize = 2
	d := New(mgr, run, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Drive the claim/submit step directly rather than waiting out a full
	// poll interval.
	for i := 0; i < 2; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.worker(ctx, 0)
		}()
	}
	d.prepareJob(ctx)

	for i := 0; i < 2; i++ {
		select {
		case <-runDone:
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for submitted job to run")
		}
	}

	_, ok1 := ran.Load("e1")
	_, ok2 := ran.Load("e2")
	assert.True(t, ok1)
	assert.True(t, ok2)
}

func TestPrepareJob_NoEntriesSubmitsNothing(t *testing.T) {
	mgr := &fakeManager{}
	run := func(ctx context.Context, entryID string) { t.Fatal("run must not be called with no claimed entries") }

	d := New(mgr, run, DefaultConfig())
	d.prepareJob(context.Background())

	assert.Equal(t, int32(1), mgr.claimCalls)
}

func TestRefreshQueueDepth_SetsGaugesWithoutPanicking(t *testing.T) {
	mgr := &fakeManager{depths: map[int]int{1: 5, 2: 10}}
	d := New(mgr, func(ctx context.Context, entryID string) {}, DefaultConfig())

	assert.NotPanics(t, func() {
		d.refreshQueueDepth(context.Background())
	})
}

func TestWakeChan_NilWhenNotifyDisabled(t *testing.T) {
	mgr := &fakeManager{}
	d := New(mgr, func(ctx context.Context, entryID string) {}, DefaultConfig())
	assert.Nil(t, d.wakeChan())
}

func TestWakeChan_SetWhenNotifyDSNConfigured(t *testing.T) {
	mgr := &fakeManager{}
	cfg := DefaultConfig()
	cfg.NotifyDSN = "postgres://example/db"
	d := New(mgr, func(ctx context.Context, entryID string) {}, cfg)
	assert.NotNil(t, d.wakeChan())
}

func TestStop_IsIdempotent(t *testing.T) {
	mgr := &fakeManager{}
	d := New(mgr, func(ctx context.Context, entryID string) {}, DefaultConfig())

	assert.NotPanics(t, func() {
		d.Stop()
		d.Stop()
	})
}
