package sensor_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"codeberg.org/mutker/thermald/internal/algorithm"
	"codeberg.org/mutker/thermald/internal/sensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAlgo struct {
	name      string
	trigger   int
	active    bool
	destroyed bool
}

func (a *fakeAlgo) Name() string { return a.name }
func (a *fakeAlgo) ID() string { return a.name }
func (a *fakeAlgo) Kind() algorithm.Kind { return algorithm.KindSS }
func (a *fakeAlgo) Period() time.Duration { return time.Second }
func (a *fakeAlgo) Sensor() string { return "" }
func (a *fakeAlgo) Active() bool { return a.active }
func (a *fakeAlgo) Destroyed() bool { return a.destroyed }
func (a *fakeAlgo) Status() int { return 0 }
func (a *fakeAlgo) Poll() {}
func (a *fakeAlgo) Triggered(temp int) bool { return temp >= a.trigger }
func (a *fakeAlgo) Activate() { a.active = true }
func (a *fakeAlgo) Deactivate() { a.active = false }
func (a *fakeAlgo) MarkDestroyed() { a.destroyed = true }
func (a *fakeAlgo) SetWorker(algorithm.Notifier) {}

type counter struct {
	active int
}

func (c *counter) Activate()   { c.active++ }
func (c *counter) Deactivate() { c.active-- }

type fixedSource int

func (f fixedSource) Temperature() (int, error) { return int(f), nil }

type failingSource struct{}

func (failingSource) Temperature() (int, error) { return 0, assert.AnError }

func writeZone(t *testing.T, value string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "temp")
	require.NoError(t, os.WriteFile(path, []byte(value), 0o644))
	return path
}

func TestRealSensorReadsNode(t *testing.T) {
	path := writeZone(t, "45500\n")
	s := sensor.NewReal("cpu", time.Second, sensor.NewNodeSource(path), nil)

	s.UpdateTemperature()
	assert.Equal(t, 45500, s.Temperature())

	require.NoError(t, os.WriteFile(path, []byte("47000\n"), 0o644))
	s.UpdateTemperature()
	assert.Equal(t, 47000, s.Temperature())
	assert.InDelta(t, 46250, s.Average(), 0.001)
}

func TestRealSensorMissingNodeReadsZero(t *testing.T) {
	src := sensor.NewNodeSource(filepath.Join(t.TempDir(), "absent"))
	require.False(t, src.Opened())

	s := sensor.NewReal("ghost", time.Second, src, nil)
	s.SetTemperature(12345)
	s.UpdateTemperature()

	assert.Equal(t, 0, s.Temperature())
}

func TestRealSensorUnparsableNodeReadsZero(t *testing.T) {
	path := writeZone(t, "60000\n")
	s := sensor.NewReal("cpu", time.Second, sensor.NewNodeSource(path), nil)

	s.UpdateTemperature()
	require.Equal(t, 60000, s.Temperature())

	require.NoError(t, os.WriteFile(path, []byte("garbage\n"), 0o644))
	s.UpdateTemperature()
	assert.Equal(t, 0, s.Temperature())
}

func TestRealSensorSourceErrorReadsZero(t *testing.T) {
	s := sensor.NewReal("gpu", time.Second, failingSource{}, nil)
	s.SetTemperature(70000)

	s.UpdateTemperature()
	assert.Equal(t, 0, s.Temperature())
}

func TestVirtualSensorWeightedAverage(t *testing.T) {
	big := sensor.NewReal("big", time.Second, fixedSource(60000), nil)
	little := sensor.NewReal("little", time.Second, fixedSource(40000), nil)
	big.UpdateTemperature()
	little.UpdateTemperature()

	v := sensor.NewVirtual("soc", time.Second, []sensor.Input{
		{Sensor: big, Weight: 3},
		{Sensor: little, Weight: 1},
	}, 2000, 50000, 45000, nil)
	v.UpdateTemperature()

	assert.Equal(t, (3*60000+40000+2000)/4, v.Temperature())
}

func TestVirtualSensorZeroWeights(t *testing.T) {
	v := sensor.NewVirtual("empty", time.Second, nil, 5000, 0, 0, nil)
	v.UpdateTemperature()
	assert.Equal(t, 0, v.Temperature())
}

func TestSyntheticSensorRange(t *testing.T) {
	s := sensor.NewSynthetic("rand", time.Second, 30000, 30010, nil)
	for i := 0; i < 50; i++ {
		s.UpdateTemperature()
		assert.GreaterOrEqual(t, s.Temperature(), 30000)
		assert.LessOrEqual(t, s.Temperature(), 30010)
	}
}

func TestActivateIsIdempotent(t *testing.T) {
	w := &counter{}
	s := sensor.NewReal("cpu", time.Second, fixedSource(0), nil)
	s.SetWorker(w)

	s.Activate()
	s.Activate()
	assert.Equal(t, 1, w.active)

	s.Deactivate()
	s.Deactivate()
	assert.Equal(t, 0, w.active)
}

func TestEvaluateTriggersUsesCurrentScenario(t *testing.T) {
	s := sensor.NewReal("cpu", time.Second, fixedSource(42000), nil)
	def := &fakeAlgo{name: "def", trigger: 40000}
	game := &fakeAlgo{name: "game", trigger: 40000}
	s.Insert(sensor.DefaultScenario, def)
	s.Insert("Game", game)

	s.Poll()
	assert.True(t, def.active)
	assert.False(t, game.active)

	s.SetScenario("Game")
	s.EvaluateTriggers()
	assert.True(t, game.active)

	s.RetireOldScenario()
	assert.False(t, def.active)
	assert.True(t, game.active)

	s.CommitScenario()
	assert.Equal(t, "Game", s.PreviousScenario())
}

func TestDependentVirtualSensors(t *testing.T) {
	zone := writeZone(t, "30000")
	trip := sensor.NewReal("trip", time.Second, sensor.NewNodeSource(zone), nil)

	v := sensor.NewVirtual("skin", time.Second, []sensor.Input{{Sensor: trip, Weight: 1}}, 0, 40000, 35000, nil)
	trip.AddDependent(v)

	trip.Poll()
	assert.False(t, v.Active())

	require.NoError(t, os.WriteFile(zone, []byte("41000"), 0o644))
	trip.Poll()
	assert.True(t, v.Active())
	assert.Equal(t, 1, trip.ActiveDependents())
	assert.Equal(t, 41000, v.Temperature())

	require.NoError(t, os.WriteFile(zone, []byte("36000"), 0o644))
	trip.Poll()
	assert.True(t, v.Active())

	require.NoError(t, os.WriteFile(zone, []byte("34000"), 0o644))
	trip.Poll()
	assert.False(t, v.Active())
	assert.Equal(t, 0, trip.ActiveDependents())
}

func TestPrefixAndDestroyRetired(t *testing.T) {
	s := sensor.NewReal("cpu", time.Second, fixedSource(50000), nil)
	old := &fakeAlgo{name: "old", trigger: 40000, active: true}
	s.Insert(sensor.DefaultScenario, old)

	s.AddScenarioPrefix("OLDSCEN_")
	assert.Equal(t, []string{"OLDSCEN_Default"}, s.Scenarios())
	assert.Equal(t, "OLDSCEN_Default", s.Scenario())
	assert.Equal(t, "OLDSCEN_Default", s.PreviousScenario())

	fresh := &fakeAlgo{name: "fresh", trigger: 40000}
	s.Insert(sensor.DefaultScenario, fresh)
	s.SetScenario(sensor.DefaultScenario)
	s.UpdateTemperature()
	s.EvaluateTriggers()
	s.RetireOldScenario()
	s.CommitScenario()

	assert.True(t, fresh.active)
	assert.False(t, old.active)

	retired := s.DestroyRetired("OLDSCEN_")
	require.Len(t, retired, 1)
	assert.True(t, old.destroyed)
	assert.False(t, fresh.destroyed)
	assert.Equal(t, []string{sensor.DefaultScenario}, s.Scenarios())
}
