package scenario

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"codeberg.org/mutker/thermald/internal/errors"
	"codeberg.org/mutker/thermald/internal/logger"
	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
)

// Host is the registry the coordinator drives.
type Host interface {
	SensorWorkers() []*SensorWorker
	Scenarios() map[string]*Scenario
	// ConfigExists reports whether name is a loadable profile.
	ConfigExists(name string) bool
	// Reload parses profile name and installs its algorithms.
	Reload(name string) error
	// DestroyRetired marks every binding left under OldPrefix destroyed
	// and collects the workers it emptied.
	DestroyRetired()
}

// Transition records one completed switch.
type Transition struct {
	ID       string
	From     string
	To       string
	Reload   bool
	Started  time.Time
	Duration time.Duration
}

type Option func(*Coordinator)

func WithLogger(log logger.Logger) Option {
	return func(c *Coordinator) {
		c.logger = log
	}
}

// WithObserver is called after every completed transition.
func WithObserver(fn func(Transition)) Option {
	return func(c *Coordinator) {
		c.observer = fn
	}
}

// WithPeriod sets how often the selector files are polled.
func WithPeriod(period time.Duration) Option {
	return func(c *Coordinator) {
		c.period = period
	}
}

// WithSelectors sets the scenario and config selector file paths.
func WithSelectors(scenarioFile, confFile string) Option {
	return func(c *Coordinator) {
		c.scenarioFile = scenarioFile
		c.confFile = confFile
	}
}

type Coordinator struct {
	host         Host
	scenarioFile string
	confFile     string
	period       time.Duration
	logger       logger.Logger
	observer     func(Transition)

	// transitionMu serialises switches and reloads.
	transitionMu sync.Mutex

	mu          sync.Mutex
	current     string
	pending     int
	allReported chan struct{}
}

func NewCoordinator(opts ...Option) *Coordinator {
	c := &Coordinator{
		period:      time.Second,
		logger:      logger.Default(),
		current:     Default,
		allReported: make(chan struct{}, 1),
	}

	for _, opt := range opts {
		opt(c)
	}

	c.logger = c.logger.With("scenario")

	return c
}

// Attach sets the registry. It must be called before Run or any switch.
func (c *Coordinator) Attach(host Host) {
	c.host = host
}

// Current returns the selected scenario.
func (c *Coordinator) Current() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Report is called by a sensor worker once it reached a rendezvous point.
func (c *Coordinator) Report() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pending--
	if c.pending == 0 {
		select {
		case c.allReported <- struct{}{}:
		default:
		}
	}
}

// arm expects n reports. It is called before any worker can report.
func (c *Coordinator) arm(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending += n
}

// await blocks until every armed report arrived.
func (c *Coordinator) await(ctx context.Context, n int) error {
	if n == 0 {
		return nil
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.allReported:
		return nil
	}
}

// SwitchScenario moves every sensor worker to scenario name.
func (c *Coordinator) SwitchScenario(ctx context.Context, name string) error {
	c.transitionMu.Lock()
	defer c.transitionMu.Unlock()

	if _, ok := c.host.Scenarios()[name]; !ok {
		return errors.New().WithData(errors.ErrUnknownScenario, name)
	}

	return c.transition(ctx, name, false)
}

// Reload moves every running binding under OldPrefix, loads profile conf,
// switches to the new bindings and destroys the old ones.
func (c *Coordinator) Reload(ctx context.Context, conf string) error {
	errFactory := errors.New()
	c.transitionMu.Lock()
	defer c.transitionMu.Unlock()

	c.logger.Info().Str("profile", conf).Msg("Applying new profile")

	current := c.Current()
	if err := c.transition(ctx, current, true); err != nil {
		return err
	}

	if err := c.host.Reload(conf); err != nil {
		return errFactory.Wrap(errors.ErrProfileReload, err)
	}

	if _, ok := c.host.Scenarios()[current]; !ok {
		c.logger.Warn().Str("scenario", current).Msg("Scenario missing from new profile, reverting to default")
		current = Default
		c.writeSelector(c.scenarioFile, current)
	}

	if err := c.transition(ctx, current, false); err != nil {
		return err
	}

	c.host.DestroyRetired()
	c.writeSelector(c.confFile, Parsed)

	c.logger.Info().Str("profile", conf).Msg("New profile applied")

	return nil
}

func (c *Coordinator) transition(ctx context.Context, name string, retire bool) error {
	errFactory := errors.New()
	started := time.Now()
	id := uuid.NewString()
	from := c.Current()

	c.logger.Info().
		Str("id", id).
		Str("from", from).
		Str("to", name).
		Bool("retire", retire).
		Msg("Changing scenario")

	workers := c.host.SensorWorkers()
	n := len(workers)

	c.arm(n)
	for _, sw := range workers {
		sw.announce()
	}
	if err := c.await(ctx, n); err != nil {
		return errFactory.Wrap(errors.ErrScenarioSwitch, err)
	}
	c.logger.Debug().Str("id", id).Msg("All sensor workers frozen")

	c.arm(n)
	for _, sw := range workers {
		sw.bind <- transition{name: name, retire: retire}
	}
	if err := c.await(ctx, n); err != nil {
		return errFactory.Wrap(errors.ErrScenarioSwitch, err)
	}
	c.logger.Debug().Str("id", id).Msg("New scenario bound")

	c.arm(n)
	for _, sw := range workers {
		sw.retire <- struct{}{}
	}
	if err := c.await(ctx, n); err != nil {
		return errFactory.Wrap(errors.ErrScenarioSwitch, err)
	}

	scenarios := c.host.Scenarios()
	if prev, ok := scenarios[from]; ok {
		prev.SetCurrent(false)
	}
	if next, ok := scenarios[name]; ok {
		next.SetCurrent(true)
	}

	c.mu.Lock()
	c.current = name
	c.mu.Unlock()

	tr := Transition{
		ID:       id,
		From:     from,
		To:       name,
		Reload:   retire,
		Started:  started,
		Duration: time.Since(started),
	}
	c.logger.Info().Str("id", id).Str("scenario", name).Dur("took", tr.Duration).Msg("Scenario changed")

	if c.observer != nil {
		c.observer(tr)
	}

	return nil
}

// Run seeds the selector files and polls them until ctx ends. Changes to
// either file cut the poll interval short. A failed reload is returned.
func (c *Coordinator) Run(ctx context.Context) error {
	c.writeSelector(c.scenarioFile, c.Current())
	c.writeSelector(c.confFile, Parsed)

	wake := make(chan struct{}, 1)
	if watcher := c.watch(wake); watcher != nil {
		defer watcher.Close()
	}

	ticker := time.NewTicker(c.period)
	defer ticker.Stop()

	for {
		if err := c.Check(ctx); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-wake:
		}
	}
}

// Check applies whatever the selector files ask for.
func (c *Coordinator) Check(ctx context.Context) error {
	c.checkScenario(ctx)
	return c.checkConf(ctx)
}

func (c *Coordinator) checkScenario(ctx context.Context) {
	current := c.Current()

	name, err := readSelector(c.scenarioFile)
	if err != nil {
		c.logger.Warn().Err(err).Msg("No scenario file")
		c.writeSelector(c.scenarioFile, current)
		return
	}
	if name == current {
		return
	}

	if _, ok := c.host.Scenarios()[name]; !ok {
		c.logger.Warn().Str("scenario", name).Msg("Unknown scenario")
		c.writeSelector(c.scenarioFile, current)
		return
	}

	if err := c.SwitchScenario(ctx, name); err != nil {
		c.logger.Error().Err(err).Str("scenario", name).Msg("Failed to switch scenario")
	}
}

func (c *Coordinator) checkConf(ctx context.Context) error {
	conf, err := readSelector(c.confFile)
	if err != nil {
		c.logger.Warn().Err(err).Msg("No conf file")
		c.writeSelector(c.confFile, Parsed)
		return nil
	}
	if conf == Parsed {
		return nil
	}

	if !c.host.ConfigExists(conf) {
		c.logger.Warn().Str("profile", conf).Msg("Unknown profile")
		c.writeSelector(c.confFile, Parsed)
		return nil
	}

	return c.Reload(ctx, conf)
}

func (c *Coordinator) writeSelector(path, value string) {
	if path == "" {
		return
	}
	if err := writeSelector(path, value); err != nil {
		c.logger.Error().Err(err).Str("path", path).Msg("Failed to rewrite selector")
	}
}

// watch signals wake whenever a selector file is written. Polling alone
// still works when the watcher cannot be set up.
func (c *Coordinator) watch(wake chan<- struct{}) *fsnotify.Watcher {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		c.logger.Warn().Err(err).Msg("File watcher unavailable, polling only")
		return nil
	}

	targets := make(map[string]struct{})
	for _, path := range []string{c.scenarioFile, c.confFile} {
		if path == "" {
			continue
		}
		clean := filepath.Clean(path)
		targets[clean] = struct{}{}
		if err := watcher.Add(filepath.Dir(clean)); err != nil {
			c.logger.Warn().Err(err).Str("path", path).Msg("Failed to watch selector")
		}
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if _, match := targets[filepath.Clean(event.Name)]; !match {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				select {
				case wake <- struct{}{}:
				default:
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				c.logger.Warn().Err(err).Msg("File watcher error")
			}
		}
	}()

	return watcher
}
