package scenario_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"codeberg.org/mutker/thermald/internal/algorithm"
	"codeberg.org/mutker/thermald/internal/scenario"
	"codeberg.org/mutker/thermald/internal/sensor"
)

const period = 5 * time.Millisecond

type fakeAlgo struct {
	name      string
	trigger   int
	active    atomic.Bool
	destroyed atomic.Bool
}

func newAlgo(name string, trigger int) *fakeAlgo {
	return &fakeAlgo{name: name, trigger: trigger}
}

func (a *fakeAlgo) Name() string { return a.name }
func (a *fakeAlgo) ID() string { return a.name }
func (a *fakeAlgo) Kind() algorithm.Kind { return algorithm.KindMonitor }
func (a *fakeAlgo) Period() time.Duration { return time.Second }
func (a *fakeAlgo) Sensor() string { return "" }
func (a *fakeAlgo) Active() bool { return a.active.Load() }
func (a *fakeAlgo) Destroyed() bool { return a.destroyed.Load() }
func (a *fakeAlgo) Status() int { return 0 }
func (a *fakeAlgo) Poll() {}
func (a *fakeAlgo) Triggered(temp int) bool { return temp >= a.trigger }
func (a *fakeAlgo) Activate() { a.active.Store(true) }
func (a *fakeAlgo) Deactivate() { a.active.Store(false) }
func (a *fakeAlgo) MarkDestroyed() { a.destroyed.Store(true) }
func (a *fakeAlgo) SetWorker(algorithm.Notifier) {}

type fixedSource int

func (f fixedSource) Temperature() (int, error) { return int(f), nil }

type fakeHost struct {
	mu        sync.Mutex
	workers   []*scenario.SensorWorker
	scenarios map[string]*scenario.Scenario
	configs   map[string]func(h *fakeHost) error
	reloaded  []string
}

func newHost(names ...string) *fakeHost {
	h := &fakeHost{
		scenarios: make(map[string]*scenario.Scenario),
		configs:   make(map[string]func(h *fakeHost) error),
	}
	h.setScenarios(names...)
	h.scenarios[scenario.Default].SetCurrent(true)
	return h
}

func (h *fakeHost) setScenarios(names ...string) {
	scenarios := map[string]*scenario.Scenario{scenario.Default: scenario.New(scenario.Default)}
	for _, name := range names {
		scenarios[name] = scenario.New(name)
	}
	h.mu.Lock()
	h.scenarios = scenarios
	h.mu.Unlock()
}

func (h *fakeHost) SensorWorkers() []*scenario.SensorWorker {
	return h.workers
}

func (h *fakeHost) Scenarios() map[string]*scenario.Scenario {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.scenarios
}

func (h *fakeHost) ConfigExists(name string) bool {
	_, ok := h.configs[name]
	return ok
}

func (h *fakeHost) Reload(name string) error {
	h.mu.Lock()
	h.reloaded = append(h.reloaded, name)
	h.mu.Unlock()
	return h.configs[name](h)
}

func (h *fakeHost) Reloaded() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.reloaded...)
}

func (h *fakeHost) DestroyRetired() {
	for _, sw := range h.workers {
		for _, s := range sw.Items() {
			s.DestroyRetired(scenario.OldPrefix)
		}
	}
}

// addWorker creates a running sensor worker owning sensors.
func (h *fakeHost) addWorker(t *testing.T, ctx context.Context, coord *scenario.Coordinator, sensors ...*sensor.Sensor) *scenario.SensorWorker {
	t.Helper()
	sw := scenario.NewSensorWorker("sensors", period, coord, nil)
	for _, s := range sensors {
		sw.Add(s)
	}
	h.workers = append(h.workers, sw)

	ctx, cancel := context.WithCancel(ctx)
	go sw.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-sw.Done()
	})
	return sw
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}
