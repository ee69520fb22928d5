// Package device arbitrates the level requests that algorithms place on an
// actuator and writes the winning level to its node.
package device

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"codeberg.org/mutker/thermald/internal/logger"
)

// Node receives the encoded bytes of an applied level.
type Node interface {
	Write(p []byte) error
	Close() error
}

// appender is implemented by nodes backed by a log file.
type appender interface {
	Append(p []byte) error
}

// opener is implemented by nodes that can exist without an open backing file.
type opener interface {
	Opened() bool
}

// Change describes one applied level transition.
type Change struct {
	Device   string
	Previous int
	Level    int
	Time     time.Time
}

// Observer is notified after every applied level change.
type Observer func(Change)

type Option func(*Device)

// WithLevels installs an encoded level table.
func WithLevels(table [][]byte) Option {
	return func(d *Device) {
		d.table = table
	}
}

// WithMostRestrictive selects max-of-requests arbitration. Without it the
// latest request wins.
func WithMostRestrictive(enabled bool) Option {
	return func(d *Device) {
		d.mostRestrictive = enabled
	}
}

// WithReport turns the device into a report device: instead of writing
// levels it appends one line per requester entering or clearing restriction.
func WithReport() Option {
	return func(d *Device) {
		d.report = true
		d.reported = make(map[string]int)
	}
}

func WithLogger(log logger.Logger) Option {
	return func(d *Device) {
		d.logger = log
	}
}

func WithObserver(fn Observer) Option {
	return func(d *Device) {
		d.observer = fn
	}
}

type Device struct {
	name            string
	node            Node
	table           [][]byte
	mostRestrictive bool
	report          bool
	logger          logger.Logger
	observer        Observer

	mu       sync.Mutex
	requests map[string]int
	latest   int
	level    int
	reported map[string]int
}

// New creates a device writing to node. A nil node makes a dummy device that
// only tracks its level.
func New(name string, node Node, opts ...Option) *Device {
	d := &Device{
		name:     name,
		node:     node,
		requests: make(map[string]int),
		logger:   logger.Default(),
	}

	for _, opt := range opts {
		opt(d)
	}

	d.logger = d.logger.With("device")

	return d
}

func (d *Device) Name() string {
	return d.name
}

// LevelCount returns the number of entries in the level table.
func (d *Device) LevelCount() int {
	return len(d.table)
}

// Level returns the last applied level.
func (d *Device) Level() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.level
}

// Requests returns a copy of the registered requests.
func (d *Device) Requests() map[string]int {
	d.mu.Lock()
	defer d.mu.Unlock()

	requests := make(map[string]int, len(d.requests))
	for id, level := range d.requests {
		requests[id] = level
	}

	return requests
}

// Request records requester's level. Level 0 releases the requester.
func (d *Device) Request(requester string, level int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if level <= 0 {
		delete(d.requests, requester)
		level = 0
	} else {
		d.requests[requester] = level
	}
	d.latest = level

	d.logger.Debug().
		Str("name", d.name).
		Str("requester", requester).
		Int("level", level).
		Msg("Level requested")
}

// Apply writes the winning level when it differs from the applied one.
func (d *Device) Apply() {
	d.mu.Lock()

	if d.report {
		d.writeReport()
	}

	level := d.winning()
	if level == d.level {
		d.mu.Unlock()
		return
	}

	previous := d.level
	d.level = level
	if !d.report {
		d.writeLevel(level)
	}
	d.mu.Unlock()

	if d.observer != nil {
		d.observer(Change{Device: d.name, Previous: previous, Level: level, Time: time.Now()})
	}
}

// Reset drops every request and applies level 0.
func (d *Device) Reset() {
	d.mu.Lock()
	for id := range d.requests {
		delete(d.requests, id)
	}
	d.latest = 0
	d.mu.Unlock()

	d.Apply()
}

// Close releases the node.
func (d *Device) Close() error {
	if d.node == nil {
		return nil
	}

	return d.node.Close()
}

func (d *Device) winning() int {
	if !d.mostRestrictive {
		return d.latest
	}

	level := 0
	for _, requested := range d.requests {
		if requested > level {
			level = requested
		}
	}

	return level
}

func (d *Device) writeLevel(level int) {
	if d.node == nil {
		return
	}
	if n, ok := d.node.(opener); ok && !n.Opened() {
		return
	}

	if level >= len(d.table) {
		d.logger.Warn().
			Str("name", d.name).
			Int("level", level).
			Int("levels", len(d.table)).
			Msg("Level not in table, skipping write")
		return
	}

	if err := d.node.Write(d.table[level]); err != nil {
		d.logger.Error().Err(err).Str("name", d.name).Int("level", level).Msg("Failed to write level")
		return
	}

	d.logger.Debug().Str("name", d.name).Int("level", level).Msg("Level applied")
}

func (d *Device) writeReport() {
	ids := make([]string, 0, len(d.requests)+len(d.reported))
	seen := make(map[string]struct{})
	for id := range d.requests {
		ids = append(ids, id)
		seen[id] = struct{}{}
	}
	for id := range d.reported {
		if _, ok := seen[id]; !ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	now := time.Now().Format(time.RFC3339)
	for _, id := range ids {
		level := d.requests[id]
		previous := d.reported[id]

		var line string
		switch {
		case level > 0 && previous == 0:
			line = fmt.Sprintf("%s %s %s ENTER level=%d\n", now, d.name, id, level)
			d.reported[id] = level
		case level == 0 && previous > 0:
			line = fmt.Sprintf("%s %s %s CLEAR\n", now, d.name, id)
			delete(d.reported, id)
		default:
			if level > 0 {
				d.reported[id] = level
			}
			continue
		}

		if d.node == nil {
			continue
		}
		write := d.node.Write
		if a, ok := d.node.(appender); ok {
			write = a.Append
		}
		if err := write([]byte(line)); err != nil {
			d.logger.Error().Err(err).Str("name", d.name).Msg("Failed to append report")
		}
	}
}
