package observability

import (
	"strings"

	"github.com/smallbiznis/smsgate/internal/config"
)

// Config is the slice of application config the logger, tracer and meter need.
type Config struct {
	ServiceName string
	Environment string
	Version     string

	LogLevel  string
	LogFormat string

	OtelEnabled          bool
	OtelExporterEndpoint string
	OtelExporterProtocol string
	OtelSamplingRatio    float64
}

func LoadConfig(cfg config.Config) Config {
	serviceName := strings.TrimSpace(cfg.AppName)
	if serviceName == "" {
		serviceName = "smsgate"
	}

	ratio := cfg.Telemetry.SamplingRatio
	if ratio < 0 {
		ratio = 0
	}
	if ratio > 1 {
		ratio = 1
	}

	format := cfg.Telemetry.LogFormat
	if format != "console" {
		format = "json"
	}

	return Config{
		ServiceName:          serviceName,
		Environment:          strings.TrimSpace(cfg.Environment),
		Version:              strings.TrimSpace(cfg.AppVersion),
		LogLevel:             orDefault(cfg.Telemetry.LogLevel, "info"),
		LogFormat:            format,
		OtelEnabled:          cfg.Telemetry.OtelEnabled,
		OtelExporterEndpoint: strings.TrimSpace(cfg.OTLPEndpoint),
		OtelExporterProtocol: orDefault(cfg.Telemetry.OtelProtocol, "grpc"),
		OtelSamplingRatio:    ratio,
	}
}

// Debug turns on caller stacks and verbose gorm logging.
func (c Config) Debug() bool {
	if strings.EqualFold(strings.TrimSpace(c.LogLevel), "debug") {
		return true
	}
	switch strings.ToLower(strings.TrimSpace(c.Environment)) {
	case "dev", "development", "local", "test":
		return true
	}
	return false
}

func orDefault(v, def string) string {
	if v = strings.TrimSpace(v); v != "" {
		return v
	}
	return def
}
