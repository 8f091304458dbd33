package dispatcher

import (
	"context"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

// wakeListener reconnects to Postgres LISTEN/NOTIFY on the "new_entry"
// channel (emitted by internal/queue's AddEntry and Fill) and forwards a
// signal so prepareLoop doesn't wait out a full poll interval for newly
// enqueued near-future work. Polling remains the source of truth
// (SPEC_FULL.md §C): a listener that never connects just means prepareJob
// runs on its ticker alone, same as before this optimisation existed.
type wakeListener struct {
	connStr string
	wake    chan struct{}
}

func newWakeListener(connStr string) *wakeListener {
	return &wakeListener{
		connStr: connStr,
		wake:    make(chan struct{}, 1),
	}
}

// run reconnects with backoff until ctx is cancelled.
func (l *wakeListener) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := l.listenOnce(ctx); err != nil {
			log.Warn().Err(err).Msg("dispatcher wake listener error, retrying in 5s")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
		}
	}
}

func (l *wakeListener) listenOnce(ctx context.Context) error {
	listener := pq.NewListener(l.connStr, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			log.Warn().Err(err).Msg("dispatcher wake listener event error")
		}
	})
	defer listener.Close()

	if err := listener.Listen("new_entry"); err != nil {
		return err
	}
	log.Info().Msg("dispatcher wake listener started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-listener.Notify:
			if n == nil {
				return nil // connection lost; caller reconnects
			}
			l.signal()
		case <-time.After(90 * time.Second):
			if err := listener.Ping(); err != nil {
				return err
			}
		}
	}
}

func (l *wakeListener) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}
