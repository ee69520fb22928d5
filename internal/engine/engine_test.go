package engine_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"codeberg.org/mutker/thermald/internal/config"
	"codeberg.org/mutker/thermald/internal/device"
	"codeberg.org/mutker/thermald/internal/engine"
	"codeberg.org/mutker/thermald/internal/errors"
	"codeberg.org/mutker/thermald/internal/scenario"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type fixture struct {
	dir      string
	tempPath string
	freqPath string
	env      *config.Environment
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	f := &fixture{
		dir:      dir,
		tempPath: filepath.Join(dir, "temp"),
		freqPath: filepath.Join(dir, "scaling_max_freq"),
	}
	writeFile(t, f.tempPath, "50000\n")
	writeFile(t, f.freqPath, "")

	envPath := filepath.Join(dir, "environment.toml")
	writeFile(t, envPath, `
profile = "first.toml"

[[sensor]]
name = "cpu"
type = "real"
node_path = "`+f.tempPath+`"
sampling = 20

[[sensor]]
name = "skin"
type = "virtual"
trip_sensor = "cpu"
set_point = 60000
set_point_clr = 55000
sensors = ["cpu"]
sampling = 20

[[sensor]]
name = "ambient"
type = "virtual"
sensors = ["cpu", "cpu"]
weights = [1, 3]
offsets = [400, 400]
sampling = 40

[[device]]
name = "big_freq"
type = "cpufreq"
node_path = "`+f.freqPath+`"
level_table = ["2000000", "1500000", "1000000"]

[[device]]
name = "ghost"
type = "dummy"
`)

	writeFile(t, filepath.Join(dir, "first.toml"), `
[[algorithm]]
name = "ss_big"
algo_type = "ss"
sensor = "cpu"
device = "big_freq"
set_point = 40000
set_point_clr = 35000
start_level = 1
sampling = 20

[[algorithm]]
name = "ss_game"
algo_type = "ss"
scenario = "Game"
sensor = "cpu"
device = "big_freq"
set_point = 40000
set_point_clr = 35000
start_level = 2
sampling = 20
`)

	writeFile(t, filepath.Join(dir, "second.toml"), `
[[algorithm]]
name = "ss_big"
algo_type = "ss"
sensor = "cpu"
device = "big_freq"
set_point = 40000
set_point_clr = 35000
start_level = 1
sampling = 20

[[algorithm]]
name = "mon_ghost"
algo_type = "monitor"
sensor = "cpu"
thresholds = [40000]
thresholds_clr = [35000]
actions = [["ghost"]]
action_info = [[1]]
sampling = 20
`)

	env, err := config.LoadEnvironment(envPath)
	require.NoError(t, err)
	f.env = env

	return f
}

func (f *fixture) readFreq(t *testing.T) string {
	t.Helper()
	content, err := os.ReadFile(f.freqPath)
	require.NoError(t, err)
	return strings.TrimSpace(string(content))
}

type running struct {
	eng   *engine.Engine
	coord *scenario.Coordinator
	ctx   context.Context
}

func start(t *testing.T, f *fixture, opts ...engine.Option) *running {
	t.Helper()

	coord := scenario.NewCoordinator(scenario.WithPeriod(tick))
	opts = append([]engine.Option{engine.WithBarrier(coord), engine.WithConfDir(f.dir)}, opts...)
	eng, err := engine.New(f.env, opts...)
	require.NoError(t, err)
	coord.Attach(eng)

	require.NoError(t, eng.LoadProfile(f.env.Profile))

	ctx, cancel := context.WithCancel(context.Background())
	eng.RunWorkers(ctx)
	t.Cleanup(func() {
		cancel()
		eng.Wait()
		assert.NoError(t, eng.Shutdown())
	})

	return &running{eng: eng, coord: coord, ctx: ctx}
}

// build returns an engine that is never run.
func build(t *testing.T, f *fixture) *engine.Engine {
	t.Helper()

	eng, err := engine.New(f.env,
		engine.WithBarrier(scenario.NewCoordinator()),
		engine.WithConfDir(f.dir))
	require.NoError(t, err)
	return eng
}

func TestNewActivatesSensors(t *testing.T) {
	f := newFixture(t)
	eng := build(t, f)
	defer eng.Shutdown()

	cpu, ok := eng.Sensor("cpu")
	require.True(t, ok)
	assert.True(t, cpu.Active())

	skin, ok := eng.Sensor("skin")
	require.True(t, ok)
	assert.False(t, skin.Active(), "a tripped virtual sensor waits for its trip sensor")

	ambient, ok := eng.Sensor("ambient")
	require.True(t, ok)
	assert.True(t, ambient.Active())

	cpu.Poll()
	ambient.Poll()
	assert.Equal(t, (50000+3*50000+800)/4, ambient.Temperature())

	assert.Len(t, eng.SensorWorkers(), 2)
	assert.Equal(t, time.Duration(20)*time.Millisecond, eng.SensorWorkers()[0].Period())

	assert.Error(t, eng.ActivateSensor("nowhere"))
	assert.NoError(t, eng.ActivateSensor("skin"))
	assert.True(t, skin.Active())
}

func TestNewRejectsBadDevice(t *testing.T) {
	f := newFixture(t)
	f.env.Devices = append(f.env.Devices, config.DeviceSpec{
		Name: "bad", Type: "cpufreq", NodePath: f.freqPath,
		LevelTable: []string{"0xZZ"}, LevelType: "hex",
	})

	_, err := engine.New(f.env, engine.WithBarrier(scenario.NewCoordinator()))
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, engine.ErrBuildDevice))
}

func TestNewRequiresBarrier(t *testing.T) {
	f := newFixture(t)

	eng, err := engine.New(f.env, engine.WithConfDir(f.dir))
	require.Error(t, err)
	assert.Nil(t, eng)
	assert.True(t, errors.HasCode(err, engine.ErrNoBarrier))
}

func TestInstallBindsScenarios(t *testing.T) {
	f := newFixture(t)
	eng := build(t, f)
	defer eng.Shutdown()

	require.NoError(t, eng.LoadProfile("first.toml"))
	assert.Equal(t, "first.toml", eng.Profile())
	assert.True(t, eng.ConfigExists("second.toml"))
	assert.False(t, eng.ConfigExists("third.toml"))

	scenarios := eng.Scenarios()
	assert.Contains(t, scenarios, "Default")
	assert.Contains(t, scenarios, "Game")
	assert.True(t, scenarios["Default"].Current())

	cpu, _ := eng.Sensor("cpu")
	require.Len(t, cpu.Algorithms("Default"), 1)
	assert.Equal(t, "ss_big@1", cpu.Algorithms("Default")[0].ID())
	assert.Equal(t, []string{"ss-20ms-Default", "ss-20ms-Game"}, eng.AlgorithmWorkers())
}

func TestThrottleWritesLevel(t *testing.T) {
	f := newFixture(t)
	r := start(t, f)

	require.Eventually(t, func() bool {
		return f.readFreq(t) == "1500000"
	}, waitFor, tick)

	big, _ := r.eng.Device("big_freq")
	assert.Equal(t, 1, big.Level())

	// Cooling below the clear point releases the device.
	writeFile(t, f.tempPath, "30000\n")
	require.Eventually(t, func() bool {
		return big.Level() == 0
	}, waitFor, tick)
	assert.Equal(t, "2000000", f.readFreq(t))
}

func TestSwitchScenario(t *testing.T) {
	f := newFixture(t)
	r := start(t, f)

	big, _ := r.eng.Device("big_freq")
	require.Eventually(t, func() bool { return big.Level() == 1 }, waitFor, tick)

	require.NoError(t, r.coord.SwitchScenario(r.ctx, "Game"))
	assert.Equal(t, "Game", r.coord.Current())
	assert.True(t, r.eng.Scenarios()["Game"].Current())

	require.Eventually(t, func() bool { return big.Level() == 2 }, waitFor, tick)

	cpu, _ := r.eng.Sensor("cpu")
	for _, algo := range cpu.Algorithms("Default") {
		assert.False(t, algo.Active(), "retired scenario algorithms are deactivated")
	}
}

func TestReloadDestroysRetiredBindings(t *testing.T) {
	f := newFixture(t)
	r := start(t, f)

	big, _ := r.eng.Device("big_freq")
	require.Eventually(t, func() bool { return big.Level() == 1 }, waitFor, tick)

	cpu, _ := r.eng.Sensor("cpu")
	old := append(cpu.Algorithms("Default"), cpu.Algorithms("Game")...)
	require.Len(t, old, 2)

	require.NoError(t, r.coord.Reload(r.ctx, "second.toml"))

	for _, algo := range old {
		assert.True(t, algo.Destroyed(), algo.ID())
		assert.False(t, algo.Active(), algo.ID())
	}

	assert.Equal(t, "second.toml", r.eng.Profile())
	assert.Equal(t, []string{"monitor-20ms-Default", "ss-20ms-Default"}, r.eng.AlgorithmWorkers())
	assert.NotContains(t, r.eng.Scenarios(), "Game")
	for _, name := range cpu.Scenarios() {
		assert.False(t, strings.HasPrefix(name, scenario.OldPrefix), name)
	}

	fresh := cpu.Algorithms("Default")
	require.Len(t, fresh, 2)
	for _, algo := range fresh {
		assert.True(t, strings.HasSuffix(algo.ID(), "@2"), algo.ID())
	}

	ghost, _ := r.eng.Device("ghost")
	require.Eventually(t, func() bool {
		return ghost.Level() == 1 && big.Level() == 1
	}, waitFor, tick)

	for _, requester := range keys(big.Requests()) {
		assert.True(t, strings.HasSuffix(requester, "@2"), "stale request %s", requester)
	}
}

func TestReloadFailure(t *testing.T) {
	f := newFixture(t)
	r := start(t, f)

	writeFile(t, filepath.Join(f.dir, "broken.toml"), `
[[algorithm]]
name = "ss"
algo_type = "ss"
sensor = "nowhere"
`)

	err := r.coord.Reload(r.ctx, "broken.toml")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrProfileReload))
	assert.Equal(t, "first.toml", r.eng.Profile())
}

func TestDeviceObserver(t *testing.T) {
	f := newFixture(t)
	changes := make(chan device.Change, 16)
	start(t, f, engine.WithDeviceObserver(func(c device.Change) {
		select {
		case changes <- c:
		default:
		}
	}))

	select {
	case c := <-changes:
		assert.Equal(t, "big_freq", c.Device)
		assert.Equal(t, 0, c.Previous)
		assert.Equal(t, 1, c.Level)
	case <-time.After(waitFor):
		t.Fatal("no device change observed")
	}
}

func TestShutdownResetsDevices(t *testing.T) {
	f := newFixture(t)
	eng := build(t, f)
	require.NoError(t, eng.LoadProfile("first.toml"))

	big, _ := eng.Device("big_freq")
	big.Request("manual", 2)
	big.Apply()
	assert.Equal(t, "1000000", f.readFreq(t))

	eng.LogState()

	require.NoError(t, eng.Shutdown())
	assert.Equal(t, 0, big.Level())
}

func keys(m map[string]int) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
