package metrics

import (
	"context"
	"time"

	"codeberg.org/mutker/thermald/internal/device"
	"codeberg.org/mutker/thermald/internal/scenario"
)

// Collector records thermal events.
type Collector interface {
	RecordDevice(ctx context.Context, event *DeviceEvent) error
	RecordTransition(ctx context.Context, event *TransitionEvent) error
	Close() error
}

// Repository defines the interface for event storage
type Repository interface {
	Record(event Event) error
	Close() error
}

// Event is a row destined for one of the telemetry tables.
type Event interface {
	table() string
	values() []any
}

// DeviceEvent is an applied device level change.
type DeviceEvent struct {
	Timestamp time.Time
	Device    string
	Previous  int
	Level     int
}

// TransitionEvent is a completed scenario switch or profile reload.
type TransitionEvent struct {
	Timestamp time.Time
	ID        string
	From      string
	To        string
	Reload    bool
	Duration  time.Duration
}

func DeviceEventOf(c device.Change) *DeviceEvent {
	return &DeviceEvent{
		Timestamp: c.Time,
		Device:    c.Device,
		Previous:  c.Previous,
		Level:     c.Level,
	}
}

func TransitionEventOf(t scenario.Transition) *TransitionEvent {
	return &TransitionEvent{
		Timestamp: t.Started,
		ID:        t.ID,
		From:      t.From,
		To:        t.To,
		Reload:    t.Reload,
		Duration:  t.Duration,
	}
}

func (*DeviceEvent) table() string { return tableDeviceLevels }

func (e *DeviceEvent) values() []any {
	return []any{
		e.Timestamp.UnixMilli(),
		e.Device,
		int64(e.Previous),
		int64(e.Level),
	}
}

func (*TransitionEvent) table() string { return tableTransitions }

func (e *TransitionEvent) values() []any {
	return []any{
		e.Timestamp.UnixMilli(),
		e.ID,
		e.From,
		e.To,
		int64(boolToInt(e.Reload)),
		e.Duration.Milliseconds(),
	}
}
