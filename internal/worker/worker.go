// Package worker runs a homogeneous set of polled items at a fixed period.
//
// The loop sleeps on an activation gate while no item is active and on a
// pace gate between iterations. Both gates can be signalled early.
package worker

import (
	"context"
	"sync"
	"time"

	"codeberg.org/mutker/thermald/internal/logger"
)

// Item is one polled member of a worker.
type Item interface {
	Name() string
	Active() bool
	Destroyed() bool
	Poll()
}

type Option[T Item] func(*Worker[T])

// WithBeforePoll installs a hook that runs at the top of every iteration,
// before any item is polled.
func WithBeforePoll[T Item](fn func(ctx context.Context)) Option[T] {
	return func(w *Worker[T]) {
		w.beforePoll = fn
	}
}

func WithLogger[T Item](log logger.Logger) Option[T] {
	return func(w *Worker[T]) {
		w.logger = log
	}
}

type Worker[T Item] struct {
	name   string
	period time.Duration
	logger logger.Logger

	beforePoll func(ctx context.Context)

	mu          sync.Mutex
	active      int
	items       []T
	terminating bool

	activeCh chan struct{}
	wakeCh   chan struct{}
	done     chan struct{}
}

func New[T Item](name string, period time.Duration, opts ...Option[T]) *Worker[T] {
	w := &Worker[T]{
		name:     name,
		period:   period,
		logger:   logger.Default(),
		activeCh: make(chan struct{}, 1),
		wakeCh:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(w)
	}

	w.logger = w.logger.With("worker")

	return w
}

func (w *Worker[T]) Name() string {
	return w.name
}

func (w *Worker[T]) Period() time.Duration {
	return w.period
}

// Insert adds an item. The item's own activation is reported separately.
func (w *Worker[T]) Insert(item T) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.items = append(w.items, item)
}

// Items returns a snapshot of the owned items.
func (w *Worker[T]) Items() []T {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]T(nil), w.items...)
}

// ActiveCount returns the number of active items.
func (w *Worker[T]) ActiveCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.active
}

// Activate counts one more active item and opens the activation gate on a
// 0 to 1 transition.
func (w *Worker[T]) Activate() {
	w.mu.Lock()
	w.active++
	first := w.active == 1
	w.mu.Unlock()

	if first {
		signal(w.activeCh)
	}
}

// Deactivate counts one less active item.
func (w *Worker[T]) Deactivate() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.active > 0 {
		w.active--
	}
}

// Wake cuts the current pace wait short.
func (w *Worker[T]) Wake() {
	signal(w.wakeCh)
}

// Interrupt wakes the loop whichever gate it sleeps on.
func (w *Worker[T]) Interrupt() {
	signal(w.activeCh)
	signal(w.wakeCh)
}

// Collect drops destroyed items. A worker left with no items is flagged to
// exit and woken so that it observes the flag. It reports whether the
// worker is terminating.
func (w *Worker[T]) Collect() bool {
	w.mu.Lock()
	kept := w.items[:0]
	for _, item := range w.items {
		if !item.Destroyed() {
			kept = append(kept, item)
		}
	}
	for i := len(kept); i < len(w.items); i++ {
		var zero T
		w.items[i] = zero
	}
	w.items = kept
	if len(w.items) == 0 {
		w.terminating = true
	}
	terminating := w.terminating
	w.mu.Unlock()

	if terminating {
		w.Interrupt()
	}

	return terminating
}

// Terminating reports whether the worker has been flagged to exit.
func (w *Worker[T]) Terminating() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.terminating
}

// Done is closed once Run returns.
func (w *Worker[T]) Done() <-chan struct{} {
	return w.done
}

// Run polls the active items every period until the context ends or the
// worker is flagged to exit.
func (w *Worker[T]) Run(ctx context.Context) {
	defer close(w.done)

	w.logger.Debug().Str("name", w.name).Dur("period", w.period).Msg("Worker started")
	defer func() {
		w.logger.Debug().Str("name", w.name).Msg("Worker stopped")
	}()

	timer := time.NewTimer(w.period)
	defer timer.Stop()

	for {
		if !w.waitActive(ctx) {
			return
		}

		if w.beforePoll != nil {
			w.beforePoll(ctx)
		}

		for _, item := range w.Items() {
			if item.Active() && !item.Destroyed() {
				item.Poll()
			}
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(w.period)

		select {
		case <-ctx.Done():
			return
		case <-w.wakeCh:
		case <-timer.C:
		}
	}
}

// waitActive blocks while no item is active. It returns false when the loop
// must exit.
func (w *Worker[T]) waitActive(ctx context.Context) bool {
	for {
		w.mu.Lock()
		active, terminating := w.active, w.terminating
		w.mu.Unlock()

		if terminating {
			return false
		}
		if active > 0 {
			return true
		}

		select {
		case <-ctx.Done():
			return false
		case <-w.activeCh:
			// An interrupt on an idle worker still runs one iteration so the
			// before-poll hook can act.
			if w.beforePoll != nil {
				return true
			}
		}
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
