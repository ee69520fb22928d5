package scenario_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"codeberg.org/mutker/thermald/internal/errors"
	"codeberg.org/mutker/thermald/internal/scenario"
	"codeberg.org/mutker/thermald/internal/sensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSwitchScenario(t *testing.T) {
	ctx := testContext(t)
	coord := scenario.NewCoordinator()
	host := newHost("Game")
	coord.Attach(host)

	hot := sensor.NewReal("cpu", period, fixedSource(50000), nil)
	def := newAlgo("def", 40000)
	game := newAlgo("game", 40000)
	hot.Insert(scenario.Default, def)
	hot.Insert("Game", game)

	idle := sensor.NewReal("battery", period, fixedSource(20000), nil)

	host.addWorker(t, ctx, coord, hot)
	host.addWorker(t, ctx, coord, idle)
	hot.Activate()

	require.Eventually(t, def.Active, time.Second, period)

	require.NoError(t, coord.SwitchScenario(ctx, "Game"))

	assert.True(t, game.Active())
	assert.False(t, def.Active())
	assert.Equal(t, "Game", hot.Scenario())
	assert.Equal(t, "Game", hot.PreviousScenario())
	assert.Equal(t, "Game", idle.Scenario())
	assert.Equal(t, "Game", coord.Current())
	assert.True(t, host.Scenarios()["Game"].Current())
	assert.False(t, host.Scenarios()[scenario.Default].Current())
}

func TestSwitchToUnknownScenario(t *testing.T) {
	coord := scenario.NewCoordinator()
	coord.Attach(newHost())

	err := coord.SwitchScenario(context.Background(), "Bogus")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrUnknownScenario))
	assert.Equal(t, scenario.Default, coord.Current())
}

type gateSource struct {
	once    sync.Once
	entered chan struct{}
	gate    chan struct{}
}

func (g *gateSource) Temperature() (int, error) {
	g.once.Do(func() {
		close(g.entered)
		<-g.gate
	})
	return 30000, nil
}

func TestBarrierWaitsForSlowWorker(t *testing.T) {
	ctx := testContext(t)
	coord := scenario.NewCoordinator()
	host := newHost("Game")
	coord.Attach(host)

	slowSrc := &gateSource{entered: make(chan struct{}), gate: make(chan struct{})}
	fast := sensor.NewReal("fast", period, fixedSource(30000), nil)
	slow := sensor.NewReal("slow", period, slowSrc, nil)
	host.addWorker(t, ctx, coord, fast)
	host.addWorker(t, ctx, coord, slow)
	fast.Activate()
	slow.Activate()

	select {
	case <-slowSrc.entered:
	case <-time.After(time.Second):
		t.Fatal("slow sensor was never polled")
	}

	done := make(chan error, 1)
	go func() {
		done <- coord.SwitchScenario(ctx, "Game")
	}()

	require.Never(t, func() bool {
		return fast.Scenario() == "Game"
	}, 100*time.Millisecond, period)

	select {
	case err := <-done:
		t.Fatalf("switch finished while a worker was still polling: %v", err)
	default:
	}

	close(slowSrc.gate)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("switch did not finish")
	}
	assert.Equal(t, "Game", fast.Scenario())
	assert.Equal(t, "Game", slow.Scenario())
}

func TestReloadRetiresOldBindings(t *testing.T) {
	ctx := testContext(t)
	coord := scenario.NewCoordinator()
	host := newHost()
	coord.Attach(host)

	s := sensor.NewReal("cpu", period, fixedSource(50000), nil)
	old := newAlgo("old", 40000)
	s.Insert(scenario.Default, old)
	host.addWorker(t, ctx, coord, s)
	s.Activate()
	require.Eventually(t, old.Active, time.Second, period)

	fresh := newAlgo("fresh", 40000)
	host.configs["next.toml"] = func(*fakeHost) error {
		assert.Equal(t, scenario.OldPrefix+scenario.Default, s.Scenario())
		assert.True(t, old.Active(), "old bindings keep running during the reload")
		s.Insert(scenario.Default, fresh)
		return nil
	}

	require.NoError(t, coord.Reload(ctx, "next.toml"))

	assert.True(t, old.Destroyed())
	assert.False(t, old.Active())
	assert.False(t, fresh.Destroyed())
	assert.True(t, fresh.Active())
	assert.Equal(t, scenario.Default, s.Scenario())
	assert.Equal(t, []string{scenario.Default}, s.Scenarios())
}

func TestReloadFallsBackToDefault(t *testing.T) {
	ctx := testContext(t)
	dir := t.TempDir()
	scenFile := filepath.Join(dir, "scenario")
	coord := scenario.NewCoordinator(scenario.WithSelectors(scenFile, filepath.Join(dir, "dconf")))
	host := newHost("Game")
	coord.Attach(host)

	s := sensor.NewReal("cpu", period, fixedSource(20000), nil)
	host.addWorker(t, ctx, coord, s)
	require.NoError(t, coord.SwitchScenario(ctx, "Game"))

	host.configs["lite.toml"] = func(h *fakeHost) error {
		h.setScenarios()
		return nil
	}

	require.NoError(t, coord.Reload(ctx, "lite.toml"))
	assert.Equal(t, scenario.Default, coord.Current())
	assert.Equal(t, scenario.Default, s.Scenario())
	assert.True(t, host.Scenarios()[scenario.Default].Current())

	content, err := os.ReadFile(scenFile)
	require.NoError(t, err)
	assert.Equal(t, scenario.Default, string(content))
}

func TestReloadFailure(t *testing.T) {
	ctx := testContext(t)
	coord := scenario.NewCoordinator()
	host := newHost()
	coord.Attach(host)
	host.addWorker(t, ctx, coord, sensor.NewReal("cpu", period, fixedSource(0), nil))

	host.configs["broken.toml"] = func(*fakeHost) error {
		return errors.New().New(errors.ErrInvalidConfig)
	}

	err := coord.Reload(ctx, "broken.toml")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrProfileReload))
	assert.True(t, errors.HasCode(err, errors.ErrInvalidConfig))
}

func selector(path string) func() string {
	return func() string {
		content, err := os.ReadFile(path)
		if err != nil {
			return ""
		}
		return strings.TrimSpace(string(content))
	}
}

func TestRunFollowsSelectorFiles(t *testing.T) {
	ctx := testContext(t)
	dir := t.TempDir()
	scenFile := filepath.Join(dir, "scenario")
	confFile := filepath.Join(dir, "dconf")

	coord := scenario.NewCoordinator(
		scenario.WithSelectors(scenFile, confFile),
		scenario.WithPeriod(10*time.Millisecond))
	host := newHost("Game")
	host.configs["next.toml"] = func(*fakeHost) error { return nil }
	coord.Attach(host)
	host.addWorker(t, ctx, coord, sensor.NewReal("cpu", period, fixedSource(0), nil))

	errCh := make(chan error, 1)
	go func() { errCh <- coord.Run(ctx) }()

	scen, conf := selector(scenFile), selector(confFile)
	require.Eventually(t, func() bool {
		return scen() == scenario.Default && conf() == scenario.Parsed
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, os.WriteFile(scenFile, []byte("Game\n"), 0o644))
	require.Eventually(t, func() bool { return coord.Current() == "Game" }, time.Second, 5*time.Millisecond)

	require.NoError(t, os.WriteFile(scenFile, []byte("Bogus"), 0o644))
	require.Eventually(t, func() bool { return scen() == "Game" }, time.Second, 5*time.Millisecond)

	require.NoError(t, os.Remove(scenFile))
	require.Eventually(t, func() bool { return scen() == "Game" }, time.Second, 5*time.Millisecond)

	require.NoError(t, os.WriteFile(confFile, []byte("missing.toml"), 0o644))
	require.Eventually(t, func() bool { return conf() == scenario.Parsed }, time.Second, 5*time.Millisecond)
	assert.Empty(t, host.Reloaded())

	require.NoError(t, os.WriteFile(confFile, []byte("next.toml"), 0o644))
	require.Eventually(t, func() bool {
		return len(host.Reloaded()) == 1 && conf() == scenario.Parsed
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "Game", coord.Current())

	select {
	case err := <-errCh:
		t.Fatalf("coordinator stopped: %v", err)
	default:
	}
}
