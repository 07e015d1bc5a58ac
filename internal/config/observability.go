package config

// ObservabilityConfig holds observability configuration.
type ObservabilityConfig struct {
	OTelEnabled bool `env:"MILVAION_OTEL_ENABLED" default:"true"`

	// Collector is the OTLP HTTP endpoint traces, metrics and logs are
	// exported to.
	Collector string `env:"MILVAION_OTEL_COLLECTOR" default:"localhost:4318"`

	// LogLevel is the minimum slog level: debug, info, warn or error.
	LogLevel string `env:"MILVAION_LOG_LEVEL" default:"info"`
}
