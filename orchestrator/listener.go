package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/timour/order-saga/outbox"
)

// Listener subscribes to the order_events notification channel on a
// dedicated connection outside the pool and turns every notification into
// a wake token. Tokens carry no payload and coalesce in a size-1 channel:
// a missed or duplicate notification is harmless because the poller covers
// the gaps and a drained claim cycle covers the duplicates.
type Listener struct {
	pq     *pq.Listener
	wake   chan struct{}
	logger *slog.Logger
}

func NewListener(dsn string, logger *slog.Logger) *Listener {
	l := &Listener{
		wake:   make(chan struct{}, 1),
		logger: logger,
	}

	l.pq = pq.NewListener(dsn, time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			logger.Warn("notification listener event",
				slog.Int("event", int(ev)),
				slog.Any("error", err),
			)
		}
	})

	return l
}

// Listen subscribes to the notification channel. Must be called before Run.
func (l *Listener) Listen() error {
	return l.pq.Listen(outbox.Channel)
}

// Wake is the stream of wake tokens the run loop selects on.
func (l *Listener) Wake() <-chan struct{} {
	return l.wake
}

// Run forwards notifications to the wake channel until ctx is cancelled.
// pq delivers a nil notification after a reconnect; that also wakes the
// processor, because events may have been notified while the connection
// was down.
func (l *Listener) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-l.pq.Notify:
			if !ok {
				return
			}
			if n == nil {
				l.logger.Warn("notification listener reconnected, forcing a claim cycle")
			} else {
				l.logger.Debug("notification received",
					slog.String("channel", n.Channel),
					slog.String("payload", n.Extra),
				)
			}
			l.offer()
		}
	}
}

// offer delivers a wake token without blocking; a token already waiting
// makes this one redundant.
func (l *Listener) offer() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Close releases the dedicated connection.
func (l *Listener) Close() error {
	return l.pq.Close()
}
