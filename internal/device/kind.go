package device

import "codeberg.org/mutker/thermald/internal/errors"

// Kind names the actuator behind a device.
type Kind string

const (
	KindCharger    Kind = "charger"
	KindCPUFreq    Kind = "cpufreq"
	KindGPUFreq    Kind = "gpufreq"
	KindCPUHotplug Kind = "cpuhotplug"
	KindCamera     Kind = "camera"
	KindBacklight  Kind = "backlight"
	KindSysfs      Kind = "sysfs"
	KindReport     Kind = "report"
	KindDummy      Kind = "dummy"
	KindGPIO       Kind = "gpio"
	KindGPUPower   Kind = "gpu_power"
	KindGPUFan     Kind = "gpu_fan"
)

// ParseKind validates a configured device type.
func ParseKind(name string) (Kind, error) {
	kind := Kind(name)
	switch kind {
	case KindCharger, KindCPUFreq, KindGPUFreq, KindCPUHotplug, KindCamera,
		KindBacklight, KindSysfs, KindReport, KindDummy, KindGPIO,
		KindGPUPower, KindGPUFan:
		return kind, nil
	}

	return "", errors.New().WithData(ErrUnknownKind, name)
}

// WritesSysfs reports whether the kind is a plain attribute file.
func (k Kind) WritesSysfs() bool {
	switch k {
	case KindCharger, KindCPUFreq, KindGPUFreq, KindCPUHotplug, KindCamera,
		KindBacklight, KindSysfs:
		return true
	}

	return false
}
