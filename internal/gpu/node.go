package gpu

import (
	"strconv"
	"strings"

	"codeberg.org/mutker/thermald/internal/errors"
)

// PowerNode adapts a PowerController to a device node: every write carries
// a decimal power limit in watts.
type PowerNode struct {
	ctrl PowerController
}

func NewPowerNode(ctrl PowerController) *PowerNode {
	return &PowerNode{ctrl: ctrl}
}

func (n *PowerNode) Write(p []byte) error {
	watts, err := parseNodeValue(p)
	if err != nil {
		return err
	}

	// Level 0 in a table means "no restriction".
	if watts <= 0 {
		return n.ctrl.ResetToDefault()
	}

	return n.ctrl.SetLimit(PowerLimit(watts))
}

func (n *PowerNode) Close() error {
	return n.ctrl.ResetToDefault()
}

// FanNode adapts a FanController to a device node: every write carries a
// fan speed percentage, 0 restoring automatic control.
type FanNode struct {
	ctrl FanController
}

func NewFanNode(ctrl FanController) *FanNode {
	return &FanNode{ctrl: ctrl}
}

func (n *FanNode) Write(p []byte) error {
	speed, err := parseNodeValue(p)
	if err != nil {
		return err
	}

	if speed <= 0 {
		return n.ctrl.EnableAuto()
	}

	return n.ctrl.SetSpeed(FanSpeed(speed))
}

func (n *FanNode) Close() error {
	return n.ctrl.EnableAuto()
}

func parseNodeValue(p []byte) (int, error) {
	value, err := strconv.Atoi(strings.TrimSpace(string(p)))
	if err != nil {
		return 0, errors.New().Wrap(ErrInvalidValue, err)
	}

	return value, nil
}
