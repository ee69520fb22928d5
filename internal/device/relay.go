package device

import (
	"strconv"
	"strings"

	"codeberg.org/mutker/thermald/internal/errors"
	"github.com/stianeikeland/go-rpio"
)

// Relay drives a GPIO pin: any non-zero written value switches it on.
type Relay struct {
	pin        int
	normallyOn bool
}

// NewRelay parses the pin number from the configured node.
func NewRelay(node string, normallyOn bool) (*Relay, error) {
	pin, err := strconv.Atoi(strings.TrimSpace(node))
	if err != nil {
		return nil, errors.New().Wrap(ErrRelayPin, err)
	}

	return &Relay{pin: pin, normallyOn: normallyOn}, nil
}

func (r *Relay) Write(p []byte) error {
	value, err := strconv.Atoi(strings.TrimSpace(string(p)))
	if err != nil {
		return errors.New().Wrap(ErrWriteLevel, err)
	}

	return r.set(value > 0)
}

// Close switches the relay off.
func (r *Relay) Close() error {
	return r.set(false)
}

func (r *Relay) set(on bool) error {
	if err := rpio.Open(); err != nil {
		return errors.New().Wrap(ErrRelayPin, err)
	}
	defer rpio.Close()

	pin := rpio.Pin(r.pin)
	pin.Output()

	// A normally-on relay is energised by driving the pin low.
	if on != r.normallyOn {
		pin.High()
	} else {
		pin.Low()
	}

	return nil
}
