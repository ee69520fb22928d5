package config

import (
	"fmt"

	"codeberg.org/mutker/thermald/internal/algorithm"
	"codeberg.org/mutker/thermald/internal/device"
	"codeberg.org/mutker/thermald/internal/errors"
	"github.com/spf13/viper"
)

const (
	DefaultScenario = "Default"
	DefaultSampling = 1000

	SensorReal      = "real"
	SensorVirtual   = "virtual"
	SensorSynthetic = "synthetic"

	SourceSysfs = "sysfs"
	SourceW1    = "w1"
	SourceGPU   = "gpu"
)

// Environment describes the hardware: sensors, devices and the profile
// loaded at start.
type Environment struct {
	Profile string       `mapstructure:"profile"`
	Sensors []SensorSpec `mapstructure:"sensor"`
	Devices []DeviceSpec `mapstructure:"device"`
}

type SensorSpec struct {
	Name     string `mapstructure:"name"`
	Type     string `mapstructure:"type"`
	Source   string `mapstructure:"source"`
	NodePath string `mapstructure:"node_path"`
	Sampling int    `mapstructure:"sampling"`
	GPUIndex int    `mapstructure:"gpu_index"`

	// virtual
	TripSensor  string   `mapstructure:"trip_sensor"`
	SetPoint    int      `mapstructure:"set_point"`
	SetPointClr int      `mapstructure:"set_point_clr"`
	Sensors     []string `mapstructure:"sensors"`
	Weights     []int    `mapstructure:"weights"`
	Offsets     []int    `mapstructure:"offsets"`

	// synthetic
	Min int `mapstructure:"min"`
	Max int `mapstructure:"max"`
}

type DeviceSpec struct {
	Name            string   `mapstructure:"name"`
	Type            string   `mapstructure:"type"`
	NodePath        string   `mapstructure:"node_path"`
	LevelTable      []string `mapstructure:"level_table"`
	LevelType       string   `mapstructure:"level_type"`
	MostRestrictive *bool    `mapstructure:"most_restrictive"`
	NormallyOn      bool     `mapstructure:"normally_on"`
	GPUIndex        int      `mapstructure:"gpu_index"`
}

// Encoding returns the declared level encoding, or the detected one.
func (d DeviceSpec) Encoding() (device.Encoding, error) {
	if d.LevelType == "" {
		return device.DetectEncoding(d.LevelTable), nil
	}
	return device.ParseEncoding(d.LevelType)
}

// Arbitration reports whether the device runs most-restrictive-wins, the
// default.
func (d DeviceSpec) Arbitration() bool {
	return d.MostRestrictive == nil || *d.MostRestrictive
}

// Profile binds algorithms to scenarios.
type Profile struct {
	Scenarios  []string        `mapstructure:"scenarios"`
	Algorithms []AlgorithmSpec `mapstructure:"algorithm"`
}

type AlgorithmSpec struct {
	Name      string `mapstructure:"name"`
	Type      string `mapstructure:"algo_type"`
	Scenario  string `mapstructure:"scenario"`
	Sensor    string `mapstructure:"sensor"`
	Sampling  int    `mapstructure:"sampling"`
	LowActive bool   `mapstructure:"lowactive"`

	// ss
	Device          string `mapstructure:"device"`
	SetPoint        int    `mapstructure:"set_point"`
	SetPointClr     int    `mapstructure:"set_point_clr"`
	StartLevel      int    `mapstructure:"start_level"`
	DevicePerfFloor *int   `mapstructure:"device_perf_floor"`
	TimeTickTrigger int    `mapstructure:"time_tick_trigger"`

	// monitor
	Thresholds    []int      `mapstructure:"thresholds"`
	ThresholdsClr []int      `mapstructure:"thresholds_clr"`
	Actions       [][]string `mapstructure:"actions"`
	ActionInfo    [][]int    `mapstructure:"action_info"`
}

// PerfFloor returns the configured floor, or -1 when unset.
func (a AlgorithmSpec) PerfFloor() int {
	if a.DevicePerfFloor == nil {
		return -1
	}
	return *a.DevicePerfFloor
}

// ScenarioNames returns Default followed by every other declared or
// referenced scenario, without duplicates.
func (p *Profile) ScenarioNames() []string {
	seen := map[string]struct{}{DefaultScenario: {}}
	names := []string{DefaultScenario}

	add := func(name string) {
		if _, ok := seen[name]; ok || name == "" {
			return
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}

	for _, name := range p.Scenarios {
		add(name)
	}
	for _, algo := range p.Algorithms {
		add(algo.Scenario)
	}

	return names
}

// LoadEnvironment parses and validates the environment table at path.
func LoadEnvironment(path string) (*Environment, error) {
	env := &Environment{}
	if err := readTable(path, env); err != nil {
		return nil, err
	}

	if err := env.normalize(); err != nil {
		return nil, err
	}

	return env, nil
}

// LoadProfile parses the profile at path and checks its references against
// env.
func LoadProfile(path string, env *Environment) (*Profile, error) {
	profile := &Profile{}
	if err := readTable(path, profile); err != nil {
		return nil, err
	}

	if err := profile.normalize(env); err != nil {
		return nil, err
	}

	return profile, nil
}

func readTable(path string, out any) error {
	errFactory := errors.New()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return errFactory.Wrap(errors.ErrReadConfig, err).WithData(path)
	}

	if err := v.Unmarshal(out); err != nil {
		return errFactory.Wrap(errors.ErrInvalidConfig, err).WithData(path)
	}

	return nil
}

func (e *Environment) normalize() error {
	sensors := make(map[string]*SensorSpec, len(e.Sensors))
	for i := range e.Sensors {
		s := &e.Sensors[i]
		if err := s.normalize(); err != nil {
			return err
		}
		if _, dup := sensors[s.Name]; dup {
			return invalid("sensor %s: defined twice", s.Name)
		}
		sensors[s.Name] = s
	}

	for _, s := range e.Sensors {
		if s.Type != SensorVirtual {
			continue
		}
		for _, name := range s.Sensors {
			if _, ok := sensors[name]; !ok {
				return undefined("sensor %s: input sensor %s", s.Name, name)
			}
		}
		if s.TripSensor != "" {
			trip, ok := sensors[s.TripSensor]
			if !ok {
				return undefined("sensor %s: trip_sensor %s", s.Name, s.TripSensor)
			}
			if trip.Type != SensorReal {
				return invalid("sensor %s: trip_sensor %s is not a real sensor", s.Name, s.TripSensor)
			}
		}
	}

	devices := make(map[string]struct{}, len(e.Devices))
	for _, d := range e.Devices {
		if d.Name == "" {
			return missing("device: name")
		}
		if _, dup := devices[d.Name]; dup {
			return invalid("device %s: defined twice", d.Name)
		}
		devices[d.Name] = struct{}{}

		kind, err := device.ParseKind(d.Type)
		if err != nil {
			return errors.New().Wrap(errors.ErrInvalidConfig, err).WithData("device " + d.Name)
		}
		if kind != device.KindDummy && d.NodePath == "" && kind != device.KindGPUPower && kind != device.KindGPUFan {
			return missing("device %s: node_path", d.Name)
		}
		if _, err := d.Encoding(); err != nil {
			return errors.New().Wrap(errors.ErrInvalidConfig, err).WithData("device " + d.Name)
		}
	}

	return nil
}

func (s *SensorSpec) normalize() error {
	if s.Name == "" {
		return missing("sensor: name")
	}
	if s.Sampling <= 0 {
		s.Sampling = DefaultSampling
	}

	switch s.Type {
	case SensorReal:
		if s.Source == "" {
			s.Source = SourceSysfs
		}
		switch s.Source {
		case SourceSysfs, SourceW1:
			if s.NodePath == "" {
				return missing("sensor %s: node_path", s.Name)
			}
		case SourceGPU:
		default:
			return invalid("sensor %s: unknown source %q", s.Name, s.Source)
		}

	case SensorVirtual:
		if len(s.Sensors) == 0 {
			return missing("sensor %s: sensors", s.Name)
		}
		if len(s.Weights) != 0 && len(s.Weights) != len(s.Sensors) {
			return invalid("sensor %s: %d weights for %d sensors", s.Name, len(s.Weights), len(s.Sensors))
		}

	case SensorSynthetic:
		if s.Max < s.Min {
			return invalid("sensor %s: max below min", s.Name)
		}

	default:
		return invalid("sensor %s: unknown type %q", s.Name, s.Type)
	}

	return nil
}

func (p *Profile) normalize(env *Environment) error {
	sensors := make(map[string]struct{}, len(env.Sensors))
	for _, s := range env.Sensors {
		sensors[s.Name] = struct{}{}
	}
	devices := make(map[string]struct{}, len(env.Devices))
	for _, d := range env.Devices {
		devices[d.Name] = struct{}{}
	}

	for i := range p.Algorithms {
		a := &p.Algorithms[i]
		if a.Name == "" {
			return missing("algorithm: name")
		}
		if a.Scenario == "" {
			a.Scenario = DefaultScenario
		}
		if a.Sampling <= 0 {
			a.Sampling = DefaultSampling
		}

		kind, err := algorithm.ParseKind(a.Type)
		if err != nil {
			return errors.New().Wrap(errors.ErrInvalidConfig, err).WithData("algorithm " + a.Name)
		}

		if a.Sensor == "" {
			return missing("algorithm %s: sensor", a.Name)
		}
		if _, ok := sensors[a.Sensor]; !ok {
			return undefined("algorithm %s: sensor %s", a.Name, a.Sensor)
		}

		switch kind {
		case algorithm.KindSS:
			if err := a.validateSS(devices); err != nil {
				return err
			}
		case algorithm.KindMonitor:
			if err := a.validateMonitor(devices); err != nil {
				return err
			}
		}
	}

	return nil
}

func (a *AlgorithmSpec) validateSS(devices map[string]struct{}) error {
	if a.Device == "" {
		return missing("algorithm %s: device", a.Name)
	}
	if _, ok := devices[a.Device]; !ok {
		return undefined("algorithm %s: device %s", a.Name, a.Device)
	}
	if a.SetPoint == 0 || a.SetPointClr == 0 {
		return missing("algorithm %s: set_point and set_point_clr", a.Name)
	}

	return nil
}

func (a *AlgorithmSpec) validateMonitor(devices map[string]struct{}) error {
	bands := len(a.Thresholds)
	if bands == 0 || len(a.ThresholdsClr) == 0 || len(a.Actions) == 0 || len(a.ActionInfo) == 0 {
		return missing("algorithm %s: thresholds, thresholds_clr, actions and action_info", a.Name)
	}
	if len(a.ThresholdsClr) != bands || len(a.Actions) != bands || len(a.ActionInfo) != bands {
		return invalid("algorithm %s: thresholds, thresholds_clr, actions and action_info differ in length", a.Name)
	}

	for i := 1; i < bands; i++ {
		if a.Thresholds[i] < a.Thresholds[i-1] || a.ThresholdsClr[i] < a.ThresholdsClr[i-1] {
			return invalid("algorithm %s: thresholds must be ascending", a.Name)
		}
	}

	for band, names := range a.Actions {
		if len(names) != len(a.ActionInfo[band]) {
			return invalid("algorithm %s: band %d has %d devices and %d levels",
				a.Name, band+1, len(names), len(a.ActionInfo[band]))
		}
		for _, name := range names {
			if _, ok := devices[name]; !ok {
				return undefined("algorithm %s: device %s", a.Name, name)
			}
		}
	}

	return nil
}

func invalid(format string, args ...any) error {
	return errors.New().WithData(errors.ErrInvalidConfig, fmt.Sprintf(format, args...))
}

func missing(format string, args ...any) error {
	return errors.New().WithData(errors.ErrMissingConfig, fmt.Sprintf(format, args...))
}

func undefined(format string, args ...any) error {
	return errors.New().WithData(errors.ErrUndefinedReference, fmt.Sprintf(format, args...))
}
