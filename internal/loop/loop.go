// Package loop provides the single-goroutine run loop the host core is
// confined to. Every state transition, observer invocation and callback
// dispatch of the core happens on one Loop; transports and authorizers
// deliver their completions by posting closures here. The core itself takes
// no locks because of this confinement.
package loop

import (
	"context"
	"runtime/pprof"
	"sync"

	"github.com/sirupsen/logrus"
)

// Loop is a serial task executor. Post enqueues work; Run drains it on a
// single goroutine until the context is cancelled.
type Loop struct {
	tasks  chan func()
	logger *logrus.Logger

	stopOnce sync.Once
	stopped  chan struct{}
}

// New creates a loop with the given queue depth. A nil logger discards.
func New(depth int, logger *logrus.Logger) *Loop {
	if depth <= 0 {
		depth = 128
	}
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.PanicLevel)
	}
	return &Loop{
		tasks:   make(chan func(), depth),
		logger:  logger,
		stopped: make(chan struct{}),
	}
}

// Post enqueues fn for execution on the loop goroutine. It blocks only when
// the queue is full. Posting after the loop stopped drops the task.
func (l *Loop) Post(fn func()) {
	select {
	case <-l.stopped:
		l.logger.Debug("loop: task dropped after stop")
	case l.tasks <- fn:
	}
}

// Sync runs fn on the loop goroutine and waits for it to finish. It must
// not be called from the loop goroutine itself.
func (l *Loop) Sync(fn func()) {
	done := make(chan struct{})
	l.Post(func() {
		defer close(done)
		fn()
	})
	select {
	case <-done:
	case <-l.stopped:
	}
}

// Run executes posted tasks until ctx is cancelled. It is labelled for
// pprof so the loop goroutine is identifiable in profiles.
func (l *Loop) Run(ctx context.Context) {
	defer l.stopOnce.Do(func() { close(l.stopped) })

	pprof.Do(ctx, pprof.Labels("goroutine_name", "bthost-loop"), func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				l.drain()
				return
			case fn := <-l.tasks:
				fn()
			}
		}
	})
}

// drain runs tasks already queued at cancellation time so teardown work
// posted during shutdown still executes.
func (l *Loop) drain() {
	for {
		select {
		case fn := <-l.tasks:
			fn()
		default:
			return
		}
	}
}

// Go starts fn on its own pprof-labelled goroutine. Used by the daemon
// command for the loop goroutine and its auxiliary pumps.
func Go(ctx context.Context, name string, fn func(ctx context.Context)) {
	if ctx == nil {
		ctx = context.Background()
	}
	labels := pprof.Labels("goroutine_name", name)
	go pprof.Do(ctx, labels, fn)
}
