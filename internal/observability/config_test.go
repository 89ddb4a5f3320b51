package observability

import (
	"testing"

	"github.com/smallbiznis/smsgate/internal/config"
	"github.com/stretchr/testify/assert"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg := LoadConfig(config.Config{Environment: "production"})

	assert.Equal(t, "smsgate", cfg.ServiceName)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, "grpc", cfg.OtelExporterProtocol)
	assert.False(t, cfg.Debug())
}

func TestLoadConfigClampsSampling(t *testing.T) {
	cfg := LoadConfig(config.Config{Telemetry: config.TelemetryConfig{SamplingRatio: 3, LogFormat: "console"}})
	assert.Equal(t, 1.0, cfg.OtelSamplingRatio)
	assert.Equal(t, "console", cfg.LogFormat)
}

func TestDebugFollowsLevelOrEnvironment(t *testing.T) {
	assert.True(t, Config{LogLevel: "DEBUG", Environment: "production"}.Debug())
	assert.True(t, Config{LogLevel: "info", Environment: "local"}.Debug())
	assert.False(t, Config{LogLevel: "warn", Environment: "staging"}.Debug())
}
