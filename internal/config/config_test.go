package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"codeberg.org/mutker/thermald/internal/config"
	"codeberg.org/mutker/thermald/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func load(t *testing.T, opts ...config.Option) (*config.Config, error) {
	t.Helper()
	base := []config.Option{config.WithEnvFile(""), config.WithArgs(nil)}
	return config.Load(append(base, opts...)...)
}

func TestLoad(t *testing.T) {
	tempDir := t.TempDir()
	configPath := writeFile(t, tempDir, "thermald.toml", `
environment = "/opt/thermal/env.toml"
conf_dir = "/opt/thermal/conf"
poll_interval = 250
log_level = "debug"
telemetry = true
telemetry_db = "/path/to/telemetry.db"
`)

	t.Setenv("THERMALD_CONFIG", configPath)

	cfg, err := load(t)
	require.NoError(t, err)

	assert.Equal(t, "/opt/thermal/env.toml", cfg.Environment)
	assert.Equal(t, "/opt/thermal/conf", cfg.ConfDir)
	assert.Equal(t, 250, cfg.PollInterval)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.Telemetry)
	assert.Equal(t, "/path/to/telemetry.db", cfg.TelemetryDB)
	assert.Equal(t, config.DefaultScenarioFile, cfg.ScenarioFile)
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("THERMALD_CONFIG", "")

	cfg, err := load(t)
	require.NoError(t, err, "Failed to load config")

	assert.Equal(t, config.DefaultEnvironment, cfg.Environment)
	assert.Equal(t, config.DefaultConfDir, cfg.ConfDir)
	assert.Equal(t, config.DefaultPollInterval, cfg.PollInterval)
	assert.Equal(t, config.DefaultLogLevel, cfg.LogLevel)
	assert.False(t, cfg.Telemetry)
}

func TestLoadConfigFileInvalidFormat(t *testing.T) {
	configPath := writeFile(t, t.TempDir(), "thermald.toml", `
This is not a valid TOML file
`)

	_, err := load(t, config.WithConfigFile(configPath))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Failed to read config file")
	assert.True(t, errors.HasCode(err, errors.ErrReadConfig))
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := load(t, config.WithConfigFile(filepath.Join(t.TempDir(), "absent.toml")))
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrReadConfig))
}

func TestInvalidLogLevel(t *testing.T) {
	configPath := writeFile(t, t.TempDir(), "thermald.toml", `
log_level = "invalid"
`)

	_, err := load(t, config.WithConfigFile(configPath))
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrInvalidLogLevel))
}

func TestInvalidPollInterval(t *testing.T) {
	t.Setenv("THERMALD_CONFIG", "")
	_, err := load(t, config.WithArgs([]string{"--poll-interval", "0"}))
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrInvalidInterval))
}

func TestPrecedence(t *testing.T) {
	configPath := writeFile(t, t.TempDir(), "thermald.toml", `
log_level = "error"
poll_interval = 300
conf_dir = "/from/file"
`)
	t.Setenv("THERMALD_CONFIG", configPath)
	t.Setenv("THERMALD_POLL_INTERVAL", "400")
	t.Setenv("THERMALD_CONF_DIR", "/from/env")

	cfg, err := load(t, config.WithArgs([]string{"--log-level", "debug", "--conf-dir", "/from/flag"}))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel, "flag beats file")
	assert.Equal(t, 400, cfg.PollInterval, "env beats file")
	assert.Equal(t, "/from/flag", cfg.ConfDir, "flag beats env")
}

func TestEnvFile(t *testing.T) {
	t.Setenv("THERMALD_CONFIG", "")
	envFile := writeFile(t, t.TempDir(), "thermald.env", "THERMALD_SCENARIO_FILE=/tmp/test.scen\n")
	t.Cleanup(func() { os.Unsetenv("THERMALD_SCENARIO_FILE") })

	cfg, err := config.Load(config.WithEnvFile(envFile), config.WithArgs(nil))
	require.NoError(t, err)
	assert.Equal(t, "/tmp/test.scen", cfg.ScenarioFile)
}

func TestMissingEnvFileIsIgnored(t *testing.T) {
	t.Setenv("THERMALD_CONFIG", "")
	_, err := config.Load(config.WithEnvFile(filepath.Join(t.TempDir(), "none")), config.WithArgs(nil))
	assert.NoError(t, err)
}

func TestLogLevelIsValid(t *testing.T) {
	assert.True(t, config.LogLevel("warning").IsValid())
	assert.False(t, config.LogLevel("trace").IsValid())
}
