// Package scenario switches the whole engine from one scenario to another.
//
// A switch walks every sensor worker through three rendezvous points: all
// workers freeze, all bind the new scenario, all retire the old one. No
// worker starts a phase before every worker has finished the previous one.
package scenario

import (
	"sync/atomic"

	"codeberg.org/mutker/thermald/internal/errors"
	"codeberg.org/mutker/thermald/internal/sensor"
)

const (
	Default = sensor.DefaultScenario

	// OldPrefix namespaces the bindings that are still running while a new
	// profile is loaded.
	OldPrefix = "OLDSCEN_"

	// Parsed is written to the config selector once no reload is pending.
	Parsed = "PARSED"
)

const (
	ErrReadSelector  = errors.ErrorCode("scenario_read_selector_failed")
	ErrWriteSelector = errors.ErrorCode("scenario_write_selector_failed")
)

type Scenario struct {
	name    string
	current atomic.Bool
}

func New(name string) *Scenario {
	return &Scenario{name: name}
}

func (s *Scenario) Name() string {
	return s.name
}

// Current reports whether the scenario is selected.
func (s *Scenario) Current() bool {
	return s.current.Load()
}

func (s *Scenario) SetCurrent(current bool) {
	s.current.Store(current)
}
