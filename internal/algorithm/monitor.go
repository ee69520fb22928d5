package algorithm

import "sort"

// Action is one device request of a band.
type Action struct {
	Device Device
	Level  int
}

// MonitorConfig describes a banded multi-device throttle. Thresholds and
// Clears are ascending; Actions[i] is applied in band i+1.
type MonitorConfig struct {
	Common
	Thresholds []int
	Clears     []int
	Actions    [][]Action
}

// Monitor maps temperature bands to sets of device requests, entering a
// band on its threshold and leaving it on the matching clear point.
type Monitor struct {
	base
	thresholds []int
	clears     []int
	actions    [][]Action

	status int
}

func NewMonitor(cfg MonitorConfig) *Monitor {
	if len(cfg.Thresholds) > 0 {
		cfg.Trigger = cfg.Thresholds[0]
	}
	if len(cfg.Clears) > 0 {
		cfg.Clear = cfg.Clears[0]
	}

	m := &Monitor{
		thresholds: cfg.Thresholds,
		clears:     cfg.Clears,
		actions:    cfg.Actions,
	}
	m.init(KindMonitor, cfg.Common)

	return m
}

func (m *Monitor) Status() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *Monitor) Activate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setActive(true)
}

// Deactivate releases the current band.
func (m *Monitor) Deactivate() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.Active() {
		return
	}

	m.moveTo(0)
}

func (m *Monitor) Poll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.Active() {
		return
	}

	temp := m.temperature()
	target := m.status

	switch {
	case m.status == 0 || (m.status < len(m.thresholds) && temp >= m.thresholds[m.status]):
		target = bandOf(m.thresholds, temp)
	case temp < m.clears[m.status-1]:
		target = bandOf(m.clears, temp)
	}

	if target == 0 || target != m.status {
		m.moveTo(target)
	}
}

// moveTo releases the current band and enters target. Band 0 deactivates.
func (m *Monitor) moveTo(target int) {
	previous := m.status
	m.status = target

	touched := make([]Device, 0)
	if previous > 0 {
		for _, action := range m.actions[previous-1] {
			action.Device.Request(m.id, 0)
			touched = appendDevice(touched, action.Device)
		}
	}

	if target > 0 {
		for _, action := range m.actions[target-1] {
			action.Device.Request(m.id, action.Level)
			touched = appendDevice(touched, action.Device)
		}
	}

	for _, dev := range touched {
		dev.Apply()
	}

	if previous != target {
		m.logger.Debug().
			Str("name", m.name).
			Int("from", previous).
			Int("to", target).
			Msg("Band changed")
	}

	if target == 0 {
		m.setActive(false)
	}
}

// bandOf counts the ascending points at or below temp.
func bandOf(points []int, temp int) int {
	return sort.Search(len(points), func(i int) bool {
		return points[i] > temp
	})
}

func appendDevice(devices []Device, dev Device) []Device {
	for _, d := range devices {
		if d == dev {
			return devices
		}
	}
	return append(devices, dev)
}
