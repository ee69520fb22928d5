package gpu

import (
	"sync"

	"codeberg.org/mutker/thermald/internal/errors"
	"codeberg.org/mutker/thermald/internal/logger"
	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

type fanController struct {
	device   nvml.Device
	count    int
	limits   FanSpeedLimits
	autoMode bool
	mu       sync.RWMutex
	logger   logger.Logger
}

func newFanController(device nvml.Device, log logger.Logger) (FanController, error) {
	errFactory := errors.New()
	fc := &fanController{
		device:   device,
		autoMode: true,
		logger:   log,
	}

	count, ret := device.GetNumFans()
	if !IsNVMLSuccess(ret) {
		return nil, errFactory.Wrap(ErrFanCountFailed, newNVMLError(ret))
	}
	fc.count = count

	minSpeed, maxSpeed, ret := device.GetMinMaxFanSpeed()
	if !IsNVMLSuccess(ret) {
		return nil, errFactory.Wrap(ErrGetFanLimitsFailed, newNVMLError(ret))
	}

	fc.limits = FanSpeedLimits{
		Min:     FanSpeed(minSpeed),
		Max:     FanSpeed(maxSpeed),
		Default: FanSpeed(minSpeed),
	}

	log.Debug().Int("fans", fc.count).Msg("Fan controller initialized")

	return fc, nil
}

// SetSpeed switches every fan to manual control at speed, clamped into the
// supported range.
func (fc *fanController) SetSpeed(speed FanSpeed) error {
	errFactory := errors.New()
	fc.mu.Lock()
	defer fc.mu.Unlock()

	speed = clamp(speed, fc.limits.Min, fc.limits.Max)

	for i := 0; i < fc.count; i++ {
		if ret := nvml.DeviceSetFanSpeed_v2(fc.device, i, int(speed)); !IsNVMLSuccess(ret) {
			return errFactory.Wrap(ErrSetFanSpeed, newNVMLError(ret))
		}
	}

	fc.autoMode = false
	fc.logger.Debug().Int("fan_speed", int(speed)).Msg("Set fan speed")

	return nil
}

func (fc *fanController) GetSpeedLimits() FanSpeedLimits {
	fc.mu.RLock()
	defer fc.mu.RUnlock()
	return fc.limits
}

// EnableAuto hands every fan back to the driver's own curve.
func (fc *fanController) EnableAuto() error {
	errFactory := errors.New()
	fc.mu.Lock()
	defer fc.mu.Unlock()

	if fc.autoMode {
		return nil
	}

	for i := 0; i < fc.count; i++ {
		if ret := nvml.DeviceSetDefaultFanSpeed_v2(fc.device, i); !IsNVMLSuccess(ret) {
			return errFactory.Wrap(ErrFanControlFailed, newNVMLError(ret))
		}
	}

	fc.autoMode = true
	fc.logger.Debug().Msg("Auto fan control: enabled")

	return nil
}

func (fc *fanController) IsAutoMode() bool {
	fc.mu.RLock()
	defer fc.mu.RUnlock()
	return fc.autoMode
}
