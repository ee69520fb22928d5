package metrics

import "codeberg.org/mutker/thermald/internal/errors"

const (
	// File system permissions and paths
	defaultDirPerm      = 0o755
	defaultDBPath       = "/var/lib/thermald/telemetry.db"
	defaultBatchSize    = 32
	defaultBatchTimeout = 10
)

type Config struct {
	DBPath  string
	Enabled bool
	// BatchSize is the number of buffered events that triggers a flush.
	// Zero writes every event immediately.
	BatchSize int
	// BatchTimeout is the flush period in seconds.
	BatchTimeout int
}

func DefaultConfig() Config {
	return Config{
		DBPath:       defaultDBPath,
		Enabled:      false, // Disabled by default
		BatchSize:    defaultBatchSize,
		BatchTimeout: defaultBatchTimeout,
	}
}

func (c Config) Validate() error {
	errFactory := errors.New()

	// Only validate DBPath if metrics is enabled
	if c.Enabled && c.DBPath == "" {
		return errFactory.New(ErrInvalidDBPath)
	}
	if c.BatchSize < 0 || c.BatchTimeout < 0 {
		return errFactory.WithData(ErrInvalidConfig, struct {
			BatchSize    int
			BatchTimeout int
		}{c.BatchSize, c.BatchTimeout})
	}
	return nil
}

func (c Config) batching() bool {
	return c.BatchSize > 0 && c.BatchTimeout > 0
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
