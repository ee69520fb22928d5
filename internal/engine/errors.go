package engine

import "codeberg.org/mutker/thermald/internal/errors"

const (
	ErrBuildSensor    = errors.ErrorCode("engine_build_sensor_failed")
	ErrBuildDevice    = errors.ErrorCode("engine_build_device_failed")
	ErrBuildAlgorithm = errors.ErrorCode("engine_build_algorithm_failed")
	ErrUnknownSensor  = errors.ErrorCode("engine_unknown_sensor")
	ErrNoBarrier      = errors.ErrorCode("engine_barrier_missing")
)
