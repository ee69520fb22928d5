package scenario

import (
	"context"
	"sync/atomic"
	"time"

	"codeberg.org/mutker/thermald/internal/logger"
	"codeberg.org/mutker/thermald/internal/sensor"
	"codeberg.org/mutker/thermald/internal/worker"
)

// Barrier collects the phase reports of the sensor workers.
type Barrier interface {
	Report()
}

type transition struct {
	name   string
	retire bool
}

// SensorWorker polls sensors and takes part in scenario switches.
type SensorWorker struct {
	*worker.Worker[*sensor.Sensor]

	barrier  Barrier
	changing atomic.Bool
	bind     chan transition
	retire   chan struct{}
	logger   logger.Logger
}

func NewSensorWorker(name string, period time.Duration, barrier Barrier, log logger.Logger) *SensorWorker {
	if log == nil {
		log = logger.Default()
	}

	sw := &SensorWorker{
		barrier: barrier,
		bind:    make(chan transition, 1),
		retire:  make(chan struct{}, 1),
		logger:  log.With("sensor_worker"),
	}
	sw.Worker = worker.New[*sensor.Sensor](name, period,
		worker.WithBeforePoll[*sensor.Sensor](sw.beforePoll),
		worker.WithLogger[*sensor.Sensor](log))

	return sw
}

// Add inserts s and makes the worker count its activations.
func (sw *SensorWorker) Add(s *sensor.Sensor) {
	sw.Insert(s)
	s.SetWorker(sw)
}

// announce flags a pending switch and wakes the loop.
func (sw *SensorWorker) announce() {
	sw.changing.Store(true)
	sw.Interrupt()
}

func (sw *SensorWorker) beforePoll(ctx context.Context) {
	if sw.changing.CompareAndSwap(true, false) {
		sw.changeScenario(ctx)
	}
}

func (sw *SensorWorker) changeScenario(ctx context.Context) {
	// Freeze until every worker has stopped polling.
	sw.barrier.Report()

	var tr transition
	select {
	case <-ctx.Done():
		return
	case tr = <-sw.bind:
	}

	name := tr.name
	sensors := sw.Items()
	if tr.retire {
		for _, s := range sensors {
			s.AddScenarioPrefix(OldPrefix)
		}
		name = OldPrefix + name
	}

	for _, s := range sensors {
		s.SetScenario(name)
		if s.Active() {
			s.Poll()
		}
	}

	// Every worker binds the new scenario before anyone retires the old.
	sw.barrier.Report()

	select {
	case <-ctx.Done():
		return
	case <-sw.retire:
	}

	for _, s := range sensors {
		s.RetireOldScenario()
		s.CommitScenario()
	}

	sw.barrier.Report()

	sw.logger.Debug().Str("worker", sw.Name()).Str("scenario", name).Msg("Scenario change done")
}
