package observability

import (
	"strings"

	"github.com/smallbiznis/creditledger/internal/config"
)

const defaultSamplingRatio = 0.1

// Config is the observability view of the application config.
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

// LoadConfig derives logger and OTel settings from the service config, so the
// service name, version and environment on every log line and span match the
// ones the service reports elsewhere.
func LoadConfig(cfg config.Config) Config {
	obs := cfg.Observability

	serviceName := strings.TrimSpace(cfg.AppName)
	if serviceName == "" {
		serviceName = "creditledger"
	}
	logLevel := strings.ToLower(strings.TrimSpace(obs.LogLevel))
	if logLevel == "" {
		logLevel = "info"
	}
	logFormat := strings.ToLower(strings.TrimSpace(obs.LogFormat))
	if logFormat == "" {
		logFormat = "json"
	}
	protocol := strings.ToLower(strings.TrimSpace(obs.OtlpProtocol))
	if protocol == "" {
		protocol = "grpc"
	}
	ratio := obs.SamplingRatio
	if ratio <= 0 || ratio > 1 {
		ratio = defaultSamplingRatio
	}

	return Config{
		ServiceName:          serviceName,
		Environment:          strings.TrimSpace(cfg.Environment),
		Version:              strings.TrimSpace(cfg.AppVersion),
		LogLevel:             logLevel,
		LogFormat:            logFormat,
		OtelEnabled:          obs.OtelEnabled && strings.TrimSpace(obs.OtlpEndpoint) != "",
		OtelExporterEndpoint: strings.TrimSpace(obs.OtlpEndpoint),
		OtelExporterProtocol: protocol,
		OtelSamplingRatio:    ratio,
	}
}

// Debug enables verbose logging outside production-like environments.
func (c Config) Debug() bool {
	if c.LogLevel == "debug" {
		return true
	}
	switch strings.ToLower(c.Environment) {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}
