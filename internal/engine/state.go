package engine

// LogState dumps every sensor, algorithm and device at info level.
func (e *Engine) LogState() {
	e.logger.Info().
		Str("profile", e.Profile()).
		Strs("algorithm_workers", e.AlgorithmWorkers()).
		Msg("Engine state")

	for _, name := range e.sensorNames {
		s := e.sensors[name]
		e.logger.Info().
			Str("sensor", name).
			Str("kind", s.Kind().String()).
			Bool("active", s.Active()).
			Int("temperature", s.Temperature()).
			Float64("average", s.Average()).
			Str("scenario", s.Scenario()).
			Int("active_dependents", s.ActiveDependents()).
			Msg("Sensor state")

		for _, algo := range s.Algorithms(s.Scenario()) {
			e.logger.Info().
				Str("algorithm", algo.ID()).
				Str("kind", string(algo.Kind())).
				Str("sensor", name).
				Bool("active", algo.Active()).
				Int("status", algo.Status()).
				Msg("Algorithm state")
		}
	}

	for _, name := range e.deviceNames {
		d := e.devices[name]
		e.logger.Info().
			Str("device", name).
			Int("level", d.Level()).
			Int("requests", len(d.Requests())).
			Msg("Device state")
	}
}
