package engine

import (
	"fmt"
	"time"

	"codeberg.org/mutker/thermald/internal/algorithm"
	"codeberg.org/mutker/thermald/internal/config"
	"codeberg.org/mutker/thermald/internal/device"
	"codeberg.org/mutker/thermald/internal/errors"
	"codeberg.org/mutker/thermald/internal/gpu"
	"codeberg.org/mutker/thermald/internal/scenario"
	"codeberg.org/mutker/thermald/internal/sensor"
	"codeberg.org/mutker/thermald/internal/sysfs"
)

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func (e *Engine) buildDevices() error {
	errFactory := errors.New()

	for _, spec := range e.env.Devices {
		kind, err := device.ParseKind(spec.Type)
		if err != nil {
			return errFactory.Wrap(ErrBuildDevice, err).WithData(spec.Name)
		}

		enc, err := spec.Encoding()
		if err != nil {
			return errFactory.Wrap(ErrBuildDevice, err).WithData(spec.Name)
		}
		table, err := device.EncodeTable(enc, spec.LevelTable)
		if err != nil {
			return errFactory.Wrap(ErrBuildDevice, err).WithData(spec.Name)
		}

		node, err := e.newNode(spec, kind)
		if err != nil {
			return errFactory.Wrap(ErrBuildDevice, err).WithData(spec.Name)
		}

		opts := []device.Option{
			device.WithLevels(table),
			device.WithMostRestrictive(spec.Arbitration()),
			device.WithLogger(e.logger),
		}
		if kind == device.KindReport {
			opts = append(opts, device.WithReport())
		}
		if e.observer != nil {
			opts = append(opts, device.WithObserver(e.observer))
		}

		e.devices[spec.Name] = device.New(spec.Name, node, opts...)
		e.deviceNames = append(e.deviceNames, spec.Name)

		e.logger.Debug().
			Str("name", spec.Name).
			Str("kind", string(kind)).
			Str("encoding", enc.String()).
			Int("levels", len(table)).
			Msg("Device created")
	}

	return nil
}

// newNode opens the node behind a device. A sysfs node that cannot be
// opened is kept unopened: the device then tracks its level without writes.
func (e *Engine) newNode(spec config.DeviceSpec, kind device.Kind) (device.Node, error) {
	switch {
	case kind.WritesSysfs():
		node := sysfs.OpenWriter(spec.NodePath)
		if !node.Opened() {
			e.logger.Warn().Err(node.OpenErr()).Str("device", spec.Name).Msg("Device node unavailable")
		}
		return node, nil

	case kind == device.KindReport:
		node := sysfs.OpenAppender(spec.NodePath)
		if !node.Opened() {
			e.logger.Warn().Err(node.OpenErr()).Str("device", spec.Name).Msg("Report file unavailable")
		}
		return node, nil

	case kind == device.KindGPIO:
		return device.NewRelay(spec.NodePath, spec.NormallyOn)

	case kind == device.KindGPUPower:
		g, err := e.gpuAt(spec.GPUIndex)
		if err != nil {
			return nil, err
		}
		ctrl, err := g.Power()
		if err != nil {
			return nil, err
		}
		return gpu.NewPowerNode(ctrl), nil

	case kind == device.KindGPUFan:
		g, err := e.gpuAt(spec.GPUIndex)
		if err != nil {
			return nil, err
		}
		ctrl, err := g.Fans()
		if err != nil {
			return nil, err
		}
		return gpu.NewFanNode(ctrl), nil
	}

	return nil, nil
}

// gpuAt opens the GPU at index once and shares it between its sensors and
// devices.
func (e *Engine) gpuAt(index int) (*gpu.GPU, error) {
	if g, ok := e.gpus[index]; ok {
		return g, nil
	}

	g, err := gpu.Open(index, e.logger.With("gpu"))
	if err != nil {
		return nil, err
	}
	e.gpus[index] = g

	return g, nil
}

func (e *Engine) buildSensors() error {
	errFactory := errors.New()

	// Virtual sensors read other sensors, so they are built last.
	var virtuals []config.SensorSpec
	for _, spec := range e.env.Sensors {
		var s *sensor.Sensor
		period := millis(spec.Sampling)

		switch spec.Type {
		case config.SensorReal:
			source, err := e.newSource(spec)
			if err != nil {
				return errFactory.Wrap(ErrBuildSensor, err).WithData(spec.Name)
			}
			s = sensor.NewReal(spec.Name, period, source, e.logger)
		case config.SensorSynthetic:
			s = sensor.NewSynthetic(spec.Name, period, spec.Min, spec.Max, e.logger)
		case config.SensorVirtual:
			virtuals = append(virtuals, spec)
			continue
		default:
			return errFactory.WithData(ErrBuildSensor, fmt.Sprintf("sensor %s: unknown type %q", spec.Name, spec.Type))
		}

		e.addSensor(s)
		s.Activate()
	}

	for _, spec := range virtuals {
		inputs := make([]sensor.Input, len(spec.Sensors))
		for i, name := range spec.Sensors {
			in, ok := e.sensors[name]
			if !ok {
				return errFactory.WithData(errors.ErrUndefinedReference, fmt.Sprintf("sensor %s: input sensor %s", spec.Name, name))
			}
			weight := 1
			if i < len(spec.Weights) {
				weight = spec.Weights[i]
			}
			inputs[i] = sensor.Input{Sensor: in, Weight: weight}
		}

		offset := 0
		for _, o := range spec.Offsets {
			offset += o
		}

		s := sensor.NewVirtual(spec.Name, millis(spec.Sampling), inputs, offset,
			spec.SetPoint, spec.SetPointClr, e.logger)
		e.addSensor(s)

		if spec.TripSensor == "" {
			s.Activate()
			continue
		}
		trip, ok := e.sensors[spec.TripSensor]
		if !ok {
			return errFactory.WithData(errors.ErrUndefinedReference, fmt.Sprintf("sensor %s: trip_sensor %s", spec.Name, spec.TripSensor))
		}
		trip.AddDependent(s)
	}

	return nil
}

// addSensor puts s on the sensor worker of its period.
func (e *Engine) addSensor(s *sensor.Sensor) {
	sw, ok := e.sensorWorkers[s.Period()]
	if !ok {
		sw = scenario.NewSensorWorker(fmt.Sprintf("sensor-%dms", s.Period().Milliseconds()),
			s.Period(), e.barrier, e.logger)
		e.sensorWorkers[s.Period()] = sw
	}

	sw.Add(s)
	e.sensors[s.Name()] = s
	e.sensorNames = append(e.sensorNames, s.Name())

	e.logger.Debug().
		Str("name", s.Name()).
		Str("kind", s.Kind().String()).
		Dur("period", s.Period()).
		Msg("Sensor created")
}

func (e *Engine) newSource(spec config.SensorSpec) (sensor.Source, error) {
	switch spec.Source {
	case config.SourceW1:
		return sensor.NewW1Source(spec.NodePath), nil
	case config.SourceGPU:
		return e.gpuAt(spec.GPUIndex)
	}

	source := sensor.NewNodeSource(spec.NodePath)
	if !source.Opened() {
		e.logger.Warn().Str("sensor", spec.Name).Str("path", spec.NodePath).Msg("Sensor node unavailable, reading 0")
	}

	return source, nil
}

func (e *Engine) newAlgorithm(spec config.AlgorithmSpec, generation int) (algorithm.Algorithm, error) {
	errFactory := errors.New()

	kind, err := algorithm.ParseKind(spec.Type)
	if err != nil {
		return nil, errFactory.Wrap(ErrBuildAlgorithm, err).WithData(spec.Name)
	}

	src, ok := e.sensors[spec.Sensor]
	if !ok {
		return nil, errFactory.WithData(ErrBuildAlgorithm, fmt.Sprintf("algorithm %s: sensor %s", spec.Name, spec.Sensor))
	}

	common := algorithm.Common{
		Name:    spec.Name,
		ID:      fmt.Sprintf("%s@%d", spec.Name, generation),
		Source:  src,
		Period:  millis(spec.Sampling),
		Negated: spec.LowActive,
		Logger:  e.logger,
	}

	switch kind {
	case algorithm.KindSS:
		dev, ok := e.devices[spec.Device]
		if !ok {
			return nil, errFactory.WithData(ErrBuildAlgorithm, fmt.Sprintf("algorithm %s: device %s", spec.Name, spec.Device))
		}
		common.Trigger = spec.SetPoint
		common.Clear = spec.SetPointClr

		return algorithm.NewSS(algorithm.SSConfig{
			Common:       common,
			Device:       dev,
			StartLevel:   spec.StartLevel,
			PerfFloor:    spec.PerfFloor(),
			StuckTrigger: spec.TimeTickTrigger,
		}), nil

	default:
		actions := make([][]algorithm.Action, len(spec.Actions))
		for band, names := range spec.Actions {
			for i, name := range names {
				dev, ok := e.devices[name]
				if !ok {
					return nil, errFactory.WithData(ErrBuildAlgorithm, fmt.Sprintf("algorithm %s: device %s", spec.Name, name))
				}
				actions[band] = append(actions[band], algorithm.Action{Device: dev, Level: spec.ActionInfo[band][i]})
			}
		}

		return algorithm.NewMonitor(algorithm.MonitorConfig{
			Common:     common,
			Thresholds: spec.Thresholds,
			Clears:     spec.ThresholdsClr,
			Actions:    actions,
		}), nil
	}
}
