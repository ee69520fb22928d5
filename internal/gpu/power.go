package gpu

import (
	"math"
	"sync"

	"codeberg.org/mutker/thermald/internal/errors"
	"codeberg.org/mutker/thermald/internal/logger"
	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

const milliWattsToWatts = 1000

type powerController struct {
	device       nvml.Device
	limits       PowerLimits
	currentLimit PowerLimit
	mu           sync.RWMutex
	logger       logger.Logger
}

func newPowerController(device nvml.Device, log logger.Logger) (PowerController, error) {
	errFactory := errors.New()
	pc := &powerController{
		device: device,
		logger: log,
	}

	minLimit, maxLimit, ret := device.GetPowerManagementLimitConstraints()
	if !IsNVMLSuccess(ret) {
		return nil, errFactory.Wrap(ErrPowerLimitsFailed, newNVMLError(ret))
	}

	defaultLimit, ret := device.GetPowerManagementDefaultLimit()
	if !IsNVMLSuccess(ret) {
		return nil, errFactory.Wrap(ErrPowerLimitsFailed, newNVMLError(ret))
	}

	pc.limits = PowerLimits{
		Min:     PowerLimit(minLimit / milliWattsToWatts),
		Max:     PowerLimit(maxLimit / milliWattsToWatts),
		Default: PowerLimit(defaultLimit / milliWattsToWatts),
	}
	pc.currentLimit = pc.limits.Default

	log.Debug().
		Int("min", int(pc.limits.Min)).
		Int("max", int(pc.limits.Max)).
		Int("default", int(pc.limits.Default)).
		Msg("Power limits detected")

	return pc, nil
}

// SetLimit applies limit after clamping it into the supported range.
func (pc *powerController) SetLimit(limit PowerLimit) error {
	errFactory := errors.New()
	pc.mu.Lock()
	defer pc.mu.Unlock()

	limit = clamp(limit, pc.limits.Min, pc.limits.Max)

	ret := pc.device.SetPowerManagementLimit(wattsToMilliWatts(limit))
	if !IsNVMLSuccess(ret) {
		return errFactory.Wrap(ErrSetPowerLimit, newNVMLError(ret))
	}

	pc.logger.Debug().Int("power_limit", int(limit)).Msg("Set power limit")
	pc.currentLimit = limit

	return nil
}

func (pc *powerController) GetLimits() PowerLimits {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	return pc.limits
}

func (pc *powerController) GetCurrentLimit() PowerLimit {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	return pc.currentLimit
}

func (pc *powerController) ResetToDefault() error {
	return pc.SetLimit(pc.limits.Default)
}

func wattsToMilliWatts(watts PowerLimit) uint32 {
	if watts <= 0 {
		return 0
	}

	const maxWatts = PowerLimit(math.MaxUint32 / milliWattsToWatts)
	if watts > maxWatts {
		return math.MaxUint32
	}

	result := watts * PowerLimit(milliWattsToWatts)

	//nolint:gosec // G115: Safe - bounds checked above
	return uint32(result)
}
