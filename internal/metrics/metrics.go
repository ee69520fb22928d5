// Package metrics records device level changes and scenario transitions
// into a local sqlite database.
package metrics

import (
	"context"

	"codeberg.org/mutker/thermald/internal/errors"
	"codeberg.org/mutker/thermald/internal/logger"
)

type service struct {
	repo Repository
	cfg  Config
}

// No-op implementation
type noopCollector struct{}

func NewService(cfg Config, log logger.Logger) (Collector, error) {
	errFactory := errors.New()

	if err := cfg.Validate(); err != nil {
		return nil, errFactory.Wrap(ErrInvalidConfig, err)
	}

	// If metrics is disabled, return a no-op collector
	if !cfg.Enabled {
		log.Debug().Msg("Telemetry disabled, using no-op collector")
		return &noopCollector{}, nil
	}

	repo, err := NewRepository(cfg, log)
	if err != nil {
		log.Debug().Err(err).Msg("Failed to create telemetry repository")
		return nil, err
	}

	log.Debug().
		Str("db_path", cfg.DBPath).
		Bool("enabled", cfg.Enabled).
		Msg("Telemetry service initialized successfully")

	return &service{
		repo: repo,
		cfg:  cfg,
	}, nil
}

func (s *service) RecordDevice(ctx context.Context, event *DeviceEvent) error {
	if event == nil || event.Device == "" {
		return errors.New().New(ErrInvalidEvent)
	}
	return s.record(ctx, event)
}

func (s *service) RecordTransition(ctx context.Context, event *TransitionEvent) error {
	if event == nil || event.To == "" {
		return errors.New().New(ErrInvalidEvent)
	}
	return s.record(ctx, event)
}

func (s *service) record(ctx context.Context, event Event) error {
	errFactory := errors.New()

	select {
	case <-ctx.Done():
		return errFactory.Wrap(ErrOperationTimeout, ctx.Err())
	default:
		if err := s.repo.Record(event); err != nil {
			return errFactory.Wrap(ErrMetricsCollection, err)
		}
	}

	return nil
}

func (s *service) Close() error {
	errFactory := errors.New()

	if err := s.repo.Close(); err != nil {
		return errFactory.Wrap(ErrServiceShutdown, err)
	}
	return nil
}

// No-op implementation
func (*noopCollector) RecordDevice(_ context.Context, _ *DeviceEvent) error {
	return nil
}

func (*noopCollector) RecordTransition(_ context.Context, _ *TransitionEvent) error {
	return nil
}

func (*noopCollector) Close() error {
	return nil
}
