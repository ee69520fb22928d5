// Package engine is the registry of the thermal engine. It builds sensors,
// devices and workers from the configuration tables, installs profiles and
// serves the scenario coordinator.
package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"codeberg.org/mutker/thermald/internal/algorithm"
	"codeberg.org/mutker/thermald/internal/config"
	"codeberg.org/mutker/thermald/internal/device"
	"codeberg.org/mutker/thermald/internal/errors"
	"codeberg.org/mutker/thermald/internal/gpu"
	"codeberg.org/mutker/thermald/internal/logger"
	"codeberg.org/mutker/thermald/internal/scenario"
	"codeberg.org/mutker/thermald/internal/sensor"
	"codeberg.org/mutker/thermald/internal/worker"
)

type algoWorker = worker.Worker[algorithm.Algorithm]

// workerKey identifies an algorithm worker: one per kind, sampling period and
// scenario.
type workerKey struct {
	kind     algorithm.Kind
	period   time.Duration
	scenario string
}

func (k workerKey) String() string {
	return fmt.Sprintf("%s-%dms-%s", k.kind, k.period.Milliseconds(), k.scenario)
}

type Option func(*Engine)

func WithLogger(log logger.Logger) Option {
	return func(e *Engine) {
		e.logger = log
	}
}

// WithBarrier sets where sensor workers report during a scenario switch.
func WithBarrier(b scenario.Barrier) Option {
	return func(e *Engine) {
		e.barrier = b
	}
}

// WithConfDir sets the directory profiles are loaded from.
func WithConfDir(dir string) Option {
	return func(e *Engine) {
		e.confDir = dir
	}
}

// WithDeviceObserver is called after every applied device level change.
func WithDeviceObserver(fn device.Observer) Option {
	return func(e *Engine) {
		e.observer = fn
	}
}

type Engine struct {
	env      *config.Environment
	confDir  string
	logger   logger.Logger
	barrier  scenario.Barrier
	observer device.Observer

	// Fixed after New.
	sensors       map[string]*sensor.Sensor
	sensorNames   []string
	sensorWorkers map[time.Duration]*scenario.SensorWorker
	devices       map[string]*device.Device
	deviceNames   []string
	gpus          map[int]*gpu.GPU

	mu          sync.Mutex
	algoWorkers map[workerKey]*algoWorker
	scenarios   map[string]*scenario.Scenario
	generation  int
	profile     string
	ctx         context.Context
	wg          sync.WaitGroup
}

// New builds every device and sensor of env and activates the sensors that
// poll unconditionally. WithBarrier is required. No goroutine runs before
// RunWorkers.
func New(env *config.Environment, opts ...Option) (*Engine, error) {
	e := &Engine{
		env:           env,
		logger:        logger.Default(),
		sensors:       make(map[string]*sensor.Sensor),
		sensorWorkers: make(map[time.Duration]*scenario.SensorWorker),
		devices:       make(map[string]*device.Device),
		gpus:          make(map[int]*gpu.GPU),
		algoWorkers:   make(map[workerKey]*algoWorker),
		scenarios:     map[string]*scenario.Scenario{scenario.Default: scenario.New(scenario.Default)},
	}

	for _, opt := range opts {
		opt(e)
	}

	// Sensor workers report to the barrier on every scenario switch.
	if e.barrier == nil {
		errFactory := errors.New()
		return nil, errFactory.New(ErrNoBarrier)
	}

	e.logger = e.logger.With("engine")
	e.scenarios[scenario.Default].SetCurrent(true)

	if err := e.buildDevices(); err != nil {
		_ = e.Shutdown()
		return nil, err
	}
	if err := e.buildSensors(); err != nil {
		_ = e.Shutdown()
		return nil, err
	}

	e.logger.Info().
		Int("sensors", len(e.sensors)).
		Int("devices", len(e.devices)).
		Int("sensor_workers", len(e.sensorWorkers)).
		Msg("Engine built")

	return e, nil
}

// Sensor returns the named sensor.
func (e *Engine) Sensor(name string) (*sensor.Sensor, bool) {
	s, ok := e.sensors[name]
	return s, ok
}

// Device returns the named device.
func (e *Engine) Device(name string) (*device.Device, bool) {
	d, ok := e.devices[name]
	return d, ok
}

// Profile returns the name of the installed profile.
func (e *Engine) Profile() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.profile
}

// ActivateSensor activates the named sensor on its worker.
func (e *Engine) ActivateSensor(name string) error {
	s, ok := e.sensors[name]
	if !ok {
		return errors.New().WithData(ErrUnknownSensor, name)
	}
	s.Activate()
	return nil
}

// SensorWorkers returns every sensor worker ordered by period.
func (e *Engine) SensorWorkers() []*scenario.SensorWorker {
	periods := make([]time.Duration, 0, len(e.sensorWorkers))
	for period := range e.sensorWorkers {
		periods = append(periods, period)
	}
	sort.Slice(periods, func(i, j int) bool { return periods[i] < periods[j] })

	workers := make([]*scenario.SensorWorker, 0, len(periods))
	for _, period := range periods {
		workers = append(workers, e.sensorWorkers[period])
	}

	return workers
}

// Scenarios returns the scenarios of the installed profile.
func (e *Engine) Scenarios() map[string]*scenario.Scenario {
	e.mu.Lock()
	defer e.mu.Unlock()

	scenarios := make(map[string]*scenario.Scenario, len(e.scenarios))
	for name, s := range e.scenarios {
		scenarios[name] = s
	}

	return scenarios
}

// ConfigExists reports whether name is a loadable profile.
func (e *Engine) ConfigExists(name string) bool {
	return config.ProfileExists(e.confDir, name)
}

// RunWorkers starts every worker. Algorithm workers created later by a
// reload are started on the same context.
func (e *Engine) RunWorkers(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.ctx = ctx
	for _, sw := range e.sensorWorkers {
		e.start(sw.Run)
	}
	for _, w := range e.algoWorkers {
		e.start(w.Run)
	}
}

// start runs fn in a tracked goroutine. Callers hold e.mu.
func (e *Engine) start(fn func(ctx context.Context)) {
	if e.ctx == nil {
		return
	}

	ctx := e.ctx
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn(ctx)
	}()
}

// Wait blocks until every worker returned.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// InsertAlgorithm binds algo to scenarioName on its sensor and inserts it
// into the worker for its kind, period and scenario, creating and starting
// that worker when needed.
func (e *Engine) InsertAlgorithm(scenarioName string, algo algorithm.Algorithm) error {
	s, ok := e.sensors[algo.Sensor()]
	if !ok {
		return errors.New().WithData(ErrUnknownSensor, algo.Sensor())
	}

	key := workerKey{kind: algo.Kind(), period: algo.Period(), scenario: scenarioName}

	e.mu.Lock()
	w, ok := e.algoWorkers[key]
	if !ok {
		w = worker.New[algorithm.Algorithm](key.String(), key.period,
			worker.WithLogger[algorithm.Algorithm](e.logger))
		e.algoWorkers[key] = w
		e.start(w.Run)
	}
	e.mu.Unlock()

	w.Insert(algo)
	algo.SetWorker(w)
	s.Insert(scenarioName, algo)

	return nil
}

// LoadProfile parses profile name from the conf dir and installs it.
func (e *Engine) LoadProfile(name string) error {
	profile, err := config.LoadProfile(config.ProfilePath(e.confDir, name), e.env)
	if err != nil {
		return err
	}

	return e.Install(name, profile)
}

// Install builds every algorithm of profile and binds them. Nothing is bound
// when any algorithm fails to build.
func (e *Engine) Install(name string, profile *config.Profile) error {
	e.mu.Lock()
	e.generation++
	generation := e.generation
	e.mu.Unlock()

	algos := make([]algorithm.Algorithm, len(profile.Algorithms))
	for i, spec := range profile.Algorithms {
		algo, err := e.newAlgorithm(spec, generation)
		if err != nil {
			return err
		}
		algos[i] = algo
	}

	scenarios := make(map[string]*scenario.Scenario)
	for _, scen := range profile.ScenarioNames() {
		scenarios[scen] = scenario.New(scen)
	}

	e.mu.Lock()
	for scen, s := range e.scenarios {
		if next, ok := scenarios[scen]; ok && s.Current() {
			next.SetCurrent(true)
		}
	}
	e.scenarios = scenarios
	e.profile = name
	e.mu.Unlock()

	for i, spec := range profile.Algorithms {
		if err := e.InsertAlgorithm(spec.Scenario, algos[i]); err != nil {
			return err
		}
	}

	e.logger.Info().
		Str("profile", name).
		Int("generation", generation).
		Int("algorithms", len(algos)).
		Int("scenarios", len(scenarios)).
		Msg("Profile installed")

	return nil
}

// Reload moves the algorithm workers of the running profile under the
// retired namespace and installs profile name. The sensors have already
// prefixed their bindings.
func (e *Engine) Reload(name string) error {
	e.mu.Lock()
	retired := make(map[workerKey]*algoWorker, len(e.algoWorkers))
	for key, w := range e.algoWorkers {
		if !strings.HasPrefix(key.scenario, scenario.OldPrefix) {
			key.scenario = scenario.OldPrefix + key.scenario
		}
		retired[key] = w
	}
	e.algoWorkers = retired
	e.mu.Unlock()

	return e.LoadProfile(name)
}

// DestroyRetired destroys every binding left under the retired namespace,
// then stops and forgets the algorithm workers this emptied.
func (e *Engine) DestroyRetired() {
	destroyed := 0
	for _, name := range e.sensorNames {
		destroyed += len(e.sensors[name].DestroyRetired(scenario.OldPrefix))
	}

	e.mu.Lock()
	var stopped []*algoWorker
	for key, w := range e.algoWorkers {
		if !w.Collect() {
			continue
		}
		stopped = append(stopped, w)
		delete(e.algoWorkers, key)
	}
	running := e.ctx != nil
	e.mu.Unlock()

	if running {
		for _, w := range stopped {
			<-w.Done()
		}
	}

	e.logger.Debug().
		Int("algorithms", destroyed).
		Int("workers", len(stopped)).
		Msg("Retired bindings destroyed")
}

// AlgorithmWorkers returns the names of the live algorithm workers.
func (e *Engine) AlgorithmWorkers() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	names := make([]string, 0, len(e.algoWorkers))
	for key := range e.algoWorkers {
		names = append(names, key.String())
	}
	sort.Strings(names)

	return names
}

// Shutdown releases every device to level 0 and closes every node. The
// workers must have stopped.
func (e *Engine) Shutdown() error {
	errFactory := errors.New()
	var firstErr error

	for _, name := range e.deviceNames {
		d := e.devices[name]
		d.Reset()
		if err := d.Close(); err != nil {
			e.logger.Error().Err(err).Str("device", name).Msg("Failed to close device")
			if firstErr == nil {
				firstErr = errFactory.Wrap(errors.ErrReleaseDevices, err)
			}
		}
	}

	e.closeResources()

	return firstErr
}

func (e *Engine) closeResources() {
	for _, name := range e.sensorNames {
		if src, ok := e.sensors[name].Source().(interface{ Close() error }); ok {
			if err := src.Close(); err != nil {
				e.logger.Debug().Err(err).Str("sensor", name).Msg("Failed to close sensor source")
			}
		}
	}

	for index, g := range e.gpus {
		if err := g.Shutdown(); err != nil {
			e.logger.Error().Err(err).Int("index", index).Msg("Failed to shut down GPU")
		}
	}
	e.gpus = make(map[int]*gpu.GPU)
}
