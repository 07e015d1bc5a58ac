package config

import "time"

// LogCollectorConfig tunes the execution log consumer.
type LogCollectorConfig struct {
	// BatchSize is how many log messages one write batch may hold.
	BatchSize int `env:"MILVAION_LOGS_BATCH_SIZE" default:"100"`

	// BatchIntervalMs flushes a partial batch after this long.
	BatchIntervalMs int `env:"MILVAION_LOGS_BATCH_INTERVAL_MS" default:"1000"`

	// MaxRetries is how many times one batch is retried in process before
	// its messages move to the dead letter topic.
	MaxRetries int `env:"MILVAION_LOGS_MAX_RETRIES" default:"3"`

	// MaxLogCount bounds the stored log entries per occurrence; the oldest
	// entries are dropped first.
	MaxLogCount int `env:"MILVAION_EXECUTION_LOG_MAX_COUNT" default:"100"`
}

// BatchInterval returns the flush window as a duration.
func (c *LogCollectorConfig) BatchInterval() time.Duration {
	return time.Duration(c.BatchIntervalMs) * time.Millisecond
}
