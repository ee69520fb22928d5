package algorithm

// degreeStep is the temperature delta, in sensor units, worth one level.
const degreeStep = 1000

// SSConfig describes a stepped single-device throttle.
type SSConfig struct {
	Common
	Device     Device
	StartLevel int
	// PerfFloor caps the requested level. Negative means no cap.
	PerfFloor    int
	StuckTrigger int
}

// SS steps one device up or down by one level per degree of temperature
// change since the previous sample.
type SS struct {
	base
	device       Device
	startLevel   int
	floor        int
	stuckTrigger int

	status   int
	prevTemp int
	stuck    int
}

func NewSS(cfg SSConfig) *SS {
	floor := cfg.PerfFloor
	if floor < 0 {
		floor = cfg.Device.LevelCount() - 1
	}

	s := &SS{
		device:       cfg.Device,
		startLevel:   cfg.StartLevel,
		floor:        floor,
		stuckTrigger: cfg.StuckTrigger,
	}
	s.init(KindSS, cfg.Common)

	return s
}

func (s *SS) Status() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Activate starts throttling at the configured start level.
func (s *SS) Activate() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.setActive(true) {
		return
	}

	s.status = s.startLevel
	s.prevTemp = s.temperature()
	s.stuck = 0
	if s.status > 0 {
		s.request(s.status)
	}
}

// Deactivate releases the device and resets the stepping state.
func (s *SS) Deactivate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stop()
}

func (s *SS) Poll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Active() {
		return
	}

	temp := s.temperature()
	if temp < s.clear {
		s.stop()
		return
	}

	var diff int
	if s.status == 0 {
		diff = (temp-s.trigger)/degreeStep + 1
	} else {
		diff = (temp - s.prevTemp) / degreeStep
	}

	forced := 0
	switch {
	case s.stuckTrigger > 0 && diff == 0 && s.device.Level() <= s.floor:
		s.stuck++
		if s.stuck >= s.stuckTrigger {
			forced = 1
		}
	case diff != 0:
		s.stuck = 0
	}

	status := max(0, s.status+diff+forced)
	if status != s.status {
		s.status = status
		s.request(status)
		s.stuck = 0
	}

	s.prevTemp = temp
}

func (s *SS) request(status int) {
	level := min(max(status, 0), s.device.LevelCount()-1)
	level = max(min(level, s.floor), 0)

	s.device.Request(s.id, level)
	s.device.Apply()

	s.logger.Debug().
		Str("name", s.name).
		Str("device", s.device.Name()).
		Int("status", status).
		Int("level", level).
		Msg("Step")
}

func (s *SS) stop() {
	if !s.setActive(false) {
		return
	}

	s.device.Request(s.id, 0)
	s.device.Apply()
	s.status = 0
	s.stuck = 0
}
