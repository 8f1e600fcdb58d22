package queue

import (
	"context"
	stderr "errors"
	"time"

	"go.uber.org/zap"

	"github.com/placesync/placesync/pkg/types"
)

// Connectivity reports whether the remote authority is reachable and
// signals transitions.
type Connectivity interface {
	Online() bool
	// Subscribe returns a channel receiving the new state on every
	// transition, and a function that stops the subscription.
	Subscribe() (<-chan bool, func())
}

// Run drains the queue every Interval while online and immediately after
// connectivity returns. It also drains once on entry when already online,
// since that transition may predate the subscription. It blocks until ctx
// is done. A nil conn is treated as always online.
func (q *Queue) Run(ctx context.Context, conn Connectivity) error {
	ticker := time.NewTicker(q.config.Interval)
	defer ticker.Stop()

	var events <-chan bool
	if conn != nil {
		ch, unsubscribe := conn.Subscribe()
		defer unsubscribe()
		events = ch
	}
	if conn == nil || conn.Online() {
		q.drainOnce(ctx, "startup")
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if conn == nil || conn.Online() {
				q.drainOnce(ctx, "interval")
			}
		case online, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if online {
				q.drainOnce(ctx, "reconnect")
			}
		}
	}
}

func (q *Queue) drainOnce(ctx context.Context, trigger string) {
	if q.Status().Pending == 0 {
		return
	}
	var done func(types.ProcessResult, error)
	if q.config.OnDrain != nil {
		done = q.config.OnDrain(trigger)
	}
	res, err := q.ProcessQueue(ctx)
	if done != nil {
		done(res, err)
	}
	if err != nil && !stderr.Is(err, context.Canceled) {
		q.logger.Warn("drain failed", zap.String("trigger", trigger), zap.Error(err))
		return
	}
	q.logger.Debug("drain triggered", zap.String("trigger", trigger),
		zap.Int("succeeded", res.Succeeded), zap.Int("failed", res.Failed))
}
