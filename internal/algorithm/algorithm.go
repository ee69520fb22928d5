// Package algorithm holds the hysteresis decision engines that turn a
// sensor's temperature into device level requests.
package algorithm

import (
	"sync"
	"sync/atomic"
	"time"

	"codeberg.org/mutker/thermald/internal/errors"
	"codeberg.org/mutker/thermald/internal/logger"
)

const ErrUnknownKind = errors.ErrorCode("algorithm_unknown_kind")

type Kind string

const (
	KindSS      Kind = "ss"
	KindMonitor Kind = "monitor"
)

// ParseKind validates a configured algorithm type.
func ParseKind(name string) (Kind, error) {
	switch Kind(name) {
	case KindSS, KindMonitor:
		return Kind(name), nil
	}

	return "", errors.New().WithData(ErrUnknownKind, name)
}

// Source is the sensor an algorithm reads.
type Source interface {
	Name() string
	Temperature() int
}

// Device is the actuator an algorithm drives.
type Device interface {
	Name() string
	Request(requester string, level int)
	Apply()
	Level() int
	LevelCount() int
}

// Notifier is the worker that polls an algorithm.
type Notifier interface {
	Activate()
	Deactivate()
}

// Algorithm is a periodically polled decision engine bound to one sensor.
type Algorithm interface {
	Name() string
	ID() string
	Kind() Kind
	Period() time.Duration
	Sensor() string
	Active() bool
	Destroyed() bool
	Status() int
	Poll()

	// Triggered reports whether temp crosses the activation point.
	Triggered(temp int) bool
	Activate()
	Deactivate()
	MarkDestroyed()
	SetWorker(n Notifier)
}

// Common carries the state shared by every algorithm kind.
type Common struct {
	Name    string
	ID      string
	Source  Source
	Period  time.Duration
	Trigger int
	Clear   int
	Negated bool
	Logger  logger.Logger
}

type base struct {
	name    string
	id      string
	kind    Kind
	source  Source
	period  time.Duration
	trigger int
	clear   int
	negated bool
	logger  logger.Logger

	// mu serialises decisions against activation from the sensor side.
	mu      sync.Mutex
	worker  Notifier
	active  atomic.Bool
	destroy atomic.Bool
}

func (b *base) init(kind Kind, c Common) {
	b.name = c.Name
	b.id = c.ID
	if b.id == "" {
		b.id = c.Name
	}
	b.kind = kind
	b.source = c.Source
	b.period = c.Period
	b.trigger = c.Trigger
	b.clear = c.Clear
	b.negated = c.Negated

	log := c.Logger
	if log == nil {
		log = logger.Default()
	}
	b.logger = log.With("algorithm")
}

func (b *base) Name() string          { return b.name }
func (b *base) ID() string            { return b.id }
func (b *base) Kind() Kind            { return b.kind }
func (b *base) Period() time.Duration { return b.period }
func (b *base) Sensor() string        { return b.source.Name() }
func (b *base) Active() bool          { return b.active.Load() }
func (b *base) Destroyed() bool       { return b.destroy.Load() }

// MarkDestroyed flags the algorithm for collection by its worker.
func (b *base) MarkDestroyed() {
	b.destroy.Store(true)
}

func (b *base) SetWorker(n Notifier) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.worker = n
}

func (b *base) Triggered(temp int) bool {
	return b.effective(temp) >= b.trigger
}

// temperature reads the sensor, negated for colder-is-worse sources.
func (b *base) temperature() int {
	return b.effective(b.source.Temperature())
}

func (b *base) effective(temp int) int {
	if b.negated {
		return -temp
	}
	return temp
}

// setActive flips the active flag and reports the change to the worker.
// Callers hold b.mu.
func (b *base) setActive(active bool) bool {
	if !b.active.CompareAndSwap(!active, active) {
		return false
	}

	if b.worker != nil {
		if active {
			b.worker.Activate()
		} else {
			b.worker.Deactivate()
		}
	}

	b.logger.Debug().
		Str("name", b.name).
		Str("sensor", b.source.Name()).
		Bool("active", active).
		Msg("Algorithm state changed")

	return true
}
