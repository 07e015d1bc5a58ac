package config

import "errors"

// ErrBrokersRequired is returned when no bus broker is configured.
var ErrBrokersRequired = errors.New("MILVAION_BUS_BROKERS is required")

// BusConfig holds the Kafka message bus configuration.
type BusConfig struct {
	// Brokers is the comma-separated seed broker list.
	Brokers []string `env:"MILVAION_BUS_BROKERS" default:"localhost:9092"`

	// ClientID identifies this node to the brokers; defaults to the node ID
	// at wiring time when unset.
	ClientID string `env:"MILVAION_BUS_CLIENT_ID"`

	// JobTopicPrefix is prepended to a job's routing pattern to form its
	// dispatch topic, e.g. milvaion.job.reports.daily.
	JobTopicPrefix string `env:"MILVAION_BUS_JOB_TOPIC_PREFIX" default:"milvaion.job"`

	// StatusTopic carries worker status messages back to the scheduler.
	StatusTopic string `env:"MILVAION_BUS_STATUS_TOPIC" default:"milvaion.status"`

	// LogsTopic carries worker execution log batches back to the scheduler.
	LogsTopic string `env:"MILVAION_BUS_LOGS_TOPIC" default:"milvaion.logs"`

	// DLQTopic receives messages that exhausted processing retries.
	DLQTopic string `env:"MILVAION_BUS_DLQ_TOPIC" default:"milvaion.dlq"`
}

// Validate validates the bus configuration.
func (c *BusConfig) Validate() error {
	if len(c.Brokers) == 0 {
		return ErrBrokersRequired
	}
	return nil
}
