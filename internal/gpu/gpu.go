// Package gpu exposes an NVIDIA GPU to the thermal engine: its die
// temperature as a sensor source and its power limit and fan speed as
// device nodes.
package gpu

import (
	"sync"

	"codeberg.org/mutker/thermald/internal/errors"
	"codeberg.org/mutker/thermald/internal/logger"
	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

const milliDegreesPerDegree = 1000

type GPU struct {
	index  int
	name   string
	device nvml.Device
	logger logger.Logger

	once     sync.Once
	power    PowerController
	powerErr error
	fanOnce  sync.Once
	fan      FanController
	fanErr   error
}

// Open initialises NVML and returns the GPU at index.
func Open(index int, log logger.Logger) (*GPU, error) {
	if err := library.acquire(); err != nil {
		return nil, err
	}

	device, err := deviceByIndex(index)
	if err != nil {
		_ = library.release()
		return nil, err
	}

	g := &GPU{index: index, device: device, logger: log}
	if name, ret := device.GetName(); IsNVMLSuccess(ret) {
		g.name = name
		log.Info().Int("index", index).Str("name", name).Msg("Detected GPU")
	} else {
		log.Warn().Msgf("Failed to get GPU name: %v", nvml.ErrorString(ret))
	}

	return g, nil
}

// Name returns the marketing name reported by the driver.
func (g *GPU) Name() string {
	return g.name
}

// Temperature returns the die temperature in millidegrees Celsius, the unit
// every other sensor source uses.
func (g *GPU) Temperature() (int, error) {
	temp, ret := g.device.GetTemperature(nvml.TEMPERATURE_GPU)
	if !IsNVMLSuccess(ret) {
		return 0, errors.New().Wrap(ErrTemperatureReadFailed, newNVMLError(ret))
	}

	return int(temp) * milliDegreesPerDegree, nil
}

// Power returns the power-limit controller, created on first use.
func (g *GPU) Power() (PowerController, error) {
	g.once.Do(func() {
		g.power, g.powerErr = newPowerController(g.device, g.logger)
	})

	return g.power, g.powerErr
}

// Fans returns the fan controller, created on first use.
func (g *GPU) Fans() (FanController, error) {
	g.fanOnce.Do(func() {
		g.fan, g.fanErr = newFanController(g.device, g.logger)
	})

	return g.fan, g.fanErr
}

// Shutdown restores driver defaults and releases NVML.
func (g *GPU) Shutdown() error {
	if g.power != nil {
		if err := g.power.ResetToDefault(); err != nil {
			g.logger.Error().Err(err).Msg("failed to reset power limit")
		}
	}
	if g.fan != nil {
		if err := g.fan.EnableAuto(); err != nil {
			g.logger.Error().Err(err).Msg("failed to enable auto fan control")
		}
	}

	return library.release()
}

func clamp[T ~int](value, minValue, maxValue T) T {
	if value < minValue {
		return minValue
	}
	if value > maxValue {
		return maxValue
	}

	return value
}
