package gpu

import (
	"sync"

	"codeberg.org/mutker/thermald/internal/errors"
	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

// nvmlLibrary reference-counts NVML initialisation so that every GPU handle
// shares one Init/Shutdown pair.
type nvmlLibrary struct {
	mu    sync.Mutex
	users int
}

var library nvmlLibrary

func (l *nvmlLibrary) acquire() error {
	errFactory := errors.New()
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.users == 0 {
		if ret := nvml.Init(); !IsNVMLSuccess(ret) {
			return errFactory.Wrap(ErrInitFailed, newNVMLError(ret))
		}
	}
	l.users++

	return nil
}

func (l *nvmlLibrary) release() error {
	errFactory := errors.New()
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.users == 0 {
		return nil
	}

	l.users--
	if l.users > 0 {
		return nil
	}

	if ret := nvml.Shutdown(); !IsNVMLSuccess(ret) {
		return errFactory.Wrap(ErrShutdownFailed, newNVMLError(ret))
	}

	return nil
}

func deviceByIndex(index int) (nvml.Device, error) {
	errFactory := errors.New()

	count, ret := nvml.DeviceGetCount()
	if !IsNVMLSuccess(ret) {
		return nil, errFactory.Wrap(ErrDeviceNotFound, newNVMLError(ret))
	}
	if index < 0 || index >= count {
		return nil, errFactory.WithData(ErrDeviceNotFound, struct {
			Index int
			Count int
		}{
			Index: index,
			Count: count,
		})
	}

	device, ret := nvml.DeviceGetHandleByIndex(index)
	if !IsNVMLSuccess(ret) {
		return nil, errFactory.Wrap(ErrDeviceNotFound, newNVMLError(ret))
	}

	return device, nil
}
