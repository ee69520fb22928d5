// Package sensor models the temperature sources of the thermal engine and
// the per-scenario algorithm bindings each of them triggers.
package sensor

import (
	"math/rand"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"codeberg.org/mutker/thermald/internal/algorithm"
	"codeberg.org/mutker/thermald/internal/logger"
	"github.com/asecurityteam/rolling"
)

const (
	DefaultScenario = "Default"
	historyWindow   = 60
)

type Kind int

const (
	KindReal Kind = iota
	KindVirtual
	KindSynthetic
)

func (k Kind) String() string {
	switch k {
	case KindVirtual:
		return "virtual"
	case KindSynthetic:
		return "synthetic"
	default:
		return "real"
	}
}

// Notifier is the worker that polls a sensor.
type Notifier interface {
	Activate()
	Deactivate()
}

// Input is one weighted member of a virtual sensor.
type Input struct {
	Sensor *Sensor
	Weight int
}

type Sensor struct {
	name   string
	kind   Kind
	period time.Duration
	logger logger.Logger

	// real
	source     Source
	dependents []*Sensor

	// virtual
	inputs  []Input
	offset  int
	trigger int
	clear   int

	// synthetic
	low, high int

	temp    atomic.Int64
	active  atomic.Bool
	history *rolling.PointPolicy
	samples atomic.Int64

	mu               sync.Mutex
	worker           Notifier
	algos            map[string][]algorithm.Algorithm
	current          string
	previous         string
	activeDependents int
}

func newSensor(name string, kind Kind, period time.Duration, log logger.Logger) *Sensor {
	if log == nil {
		log = logger.Default()
	}

	return &Sensor{
		name:     name,
		kind:     kind,
		period:   period,
		logger:   log.With("sensor"),
		history:  rolling.NewPointPolicy(rolling.NewWindow(historyWindow)),
		algos:    make(map[string][]algorithm.Algorithm),
		current:  DefaultScenario,
		previous: DefaultScenario,
	}
}

// NewReal creates a sensor backed by a hardware source.
func NewReal(name string, period time.Duration, source Source, log logger.Logger) *Sensor {
	s := newSensor(name, KindReal, period, log)
	s.source = source
	return s
}

// NewVirtual creates a sensor computing (sum(w*t) + offset) / sum(w) over
// its inputs. It is toggled by its trip sensor crossing trigger and clear.
func NewVirtual(name string, period time.Duration, inputs []Input, offset, trigger, clear int, log logger.Logger) *Sensor {
	s := newSensor(name, KindVirtual, period, log)
	s.inputs = inputs
	s.offset = offset
	s.trigger = trigger
	s.clear = clear
	return s
}

// NewSynthetic creates a sensor producing uniformly random values in
// [low, high].
func NewSynthetic(name string, period time.Duration, low, high int, log logger.Logger) *Sensor {
	s := newSensor(name, KindSynthetic, period, log)
	if high < low {
		low, high = high, low
	}
	s.low, s.high = low, high
	return s
}

func (s *Sensor) Name() string          { return s.name }
func (s *Sensor) Kind() Kind            { return s.kind }
func (s *Sensor) Period() time.Duration { return s.period }
func (s *Sensor) Active() bool          { return s.active.Load() }

// Source returns the hardware source of a real sensor, nil otherwise.
func (s *Sensor) Source() Source { return s.source }

// Destroyed is always false: sensors live for the whole process.
func (s *Sensor) Destroyed() bool { return false }

func (s *Sensor) Temperature() int {
	return int(s.temp.Load())
}

// Average returns the mean of the recent samples.
func (s *Sensor) Average() float64 {
	n := min(s.samples.Load(), historyWindow)
	if n == 0 {
		return 0
	}

	// Unfilled buckets hold zero, so divide by the samples actually taken.
	return s.history.Reduce(rolling.Sum) / float64(n)
}

// SetTemperature overrides the current reading.
func (s *Sensor) SetTemperature(temp int) {
	s.temp.Store(int64(temp))
}

func (s *Sensor) SetWorker(n Notifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.worker = n
}

// AddDependent attaches a virtual sensor toggled by this sensor.
func (s *Sensor) AddDependent(v *Sensor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dependents = append(s.dependents, v)
}

// Activate marks the sensor active and counts it on its worker.
func (s *Sensor) Activate() {
	if !s.active.CompareAndSwap(false, true) {
		return
	}

	s.mu.Lock()
	w := s.worker
	s.mu.Unlock()

	if w != nil {
		w.Activate()
	}
	s.logger.Debug().Str("name", s.name).Msg("Sensor activated")
}

func (s *Sensor) Deactivate() {
	if !s.active.CompareAndSwap(true, false) {
		return
	}

	s.mu.Lock()
	w := s.worker
	s.mu.Unlock()

	if w != nil {
		w.Deactivate()
	}
	s.logger.Debug().Str("name", s.name).Msg("Sensor deactivated")
}

// Poll refreshes the temperature and activates triggered algorithms.
func (s *Sensor) Poll() {
	s.UpdateTemperature()
	s.EvaluateTriggers()
	if s.kind == KindReal {
		s.updateDependents()
	}
}

// UpdateTemperature reads or derives the current temperature.
func (s *Sensor) UpdateTemperature() {
	var temp int

	switch s.kind {
	case KindReal:
		// An unreadable source reads as zero, never as its last value.
		value, err := s.source.Temperature()
		if err != nil {
			s.logger.Warn().Err(err).Str("name", s.name).Msg("Failed to read temperature")
			value = 0
		}
		temp = value

	case KindVirtual:
		sum, weights := s.offset, 0
		for _, in := range s.inputs {
			sum += in.Weight * in.Sensor.Temperature()
			weights += in.Weight
		}
		if weights != 0 {
			temp = sum / weights
		}

	case KindSynthetic:
		temp = s.low + rand.Intn(s.high-s.low+1)
	}

	s.temp.Store(int64(temp))
	s.history.Append(float64(temp))
	s.samples.Add(1)
}

// EvaluateTriggers activates every inactive algorithm of the current
// scenario whose trigger point is crossed.
func (s *Sensor) EvaluateTriggers() {
	temp := s.Temperature()
	for _, algo := range s.Algorithms(s.Scenario()) {
		if !algo.Active() && !algo.Destroyed() && algo.Triggered(temp) {
			algo.Activate()
		}
	}
}

// updateDependents toggles attached virtual sensors on their trigger and
// clear points.
func (s *Sensor) updateDependents() {
	temp := s.Temperature()

	s.mu.Lock()
	dependents := append([]*Sensor(nil), s.dependents...)
	s.mu.Unlock()

	for _, v := range dependents {
		switch {
		case !v.Active() && temp > v.trigger:
			v.UpdateTemperature()
			v.Activate()
			s.countDependent(1)
		case v.Active() && temp < v.clear:
			v.Deactivate()
			s.countDependent(-1)
		}
	}
}

func (s *Sensor) countDependent(delta int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeDependents += delta
}

// ActiveDependents returns the number of attached virtual sensors that are
// active.
func (s *Sensor) ActiveDependents() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeDependents
}

// Insert binds algo to scenario.
func (s *Sensor) Insert(scenario string, algo algorithm.Algorithm) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.algos[scenario] = append(s.algos[scenario], algo)
}

// Algorithms returns the algorithms bound to scenario.
func (s *Sensor) Algorithms(scenario string) []algorithm.Algorithm {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]algorithm.Algorithm(nil), s.algos[scenario]...)
}

// Scenarios lists the scenario names with bound algorithms.
func (s *Sensor) Scenarios() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.algos))
	for name := range s.algos {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}

// Scenario returns the scenario whose algorithms are triggered.
func (s *Sensor) Scenario() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// PreviousScenario returns the scenario being retired.
func (s *Sensor) PreviousScenario() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.previous
}

// SetScenario selects the scenario whose algorithms are triggered from now
// on. The previous one stays recorded until CommitScenario.
func (s *Sensor) SetScenario(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = name
}

// AddScenarioPrefix moves every binding, and the scenario markers, under
// prefix.
func (s *Sensor) AddScenarioPrefix(prefix string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	renamed := make(map[string][]algorithm.Algorithm, len(s.algos))
	for name, algos := range s.algos {
		renamed[prefix+name] = algos
	}
	s.algos = renamed
	s.current = prefix + s.current
	s.previous = prefix + s.previous
}

// RetireOldScenario deactivates the algorithms still active in the
// previous scenario.
func (s *Sensor) RetireOldScenario() {
	previous := s.PreviousScenario()
	if previous == s.Scenario() {
		return
	}

	for _, algo := range s.Algorithms(previous) {
		if algo.Active() {
			algo.Deactivate()
		}
	}
}

// CommitScenario records the current scenario as the previous one.
func (s *Sensor) CommitScenario() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.previous = s.current
}

// DestroyRetired marks every algorithm bound under prefix destroyed and
// drops those bindings. It returns the marked algorithms.
func (s *Sensor) DestroyRetired(prefix string) []algorithm.Algorithm {
	s.mu.Lock()
	defer s.mu.Unlock()

	var retired []algorithm.Algorithm
	for name, algos := range s.algos {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		for _, algo := range algos {
			if algo.Active() {
				algo.Deactivate()
			}
			algo.MarkDestroyed()
			retired = append(retired, algo)
		}
		delete(s.algos, name)
	}

	return retired
}
