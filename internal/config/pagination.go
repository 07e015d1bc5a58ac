package config

import "fmt"

// PaginationConfig bounds listing operations such as the failed occurrence
// review queue.
type PaginationConfig struct {
	DefaultPageSize int `env:"MILVAION_DEFAULT_PAGE_SIZE" default:"50"`
	MaxPageSize     int `env:"MILVAION_MAX_PAGE_SIZE" default:"100"`
}

// Validate validates pagination configuration.
func (c *PaginationConfig) Validate() error {
	if c.MaxPageSize < c.DefaultPageSize {
		return fmt.Errorf("MILVAION_MAX_PAGE_SIZE (%d) must be >= MILVAION_DEFAULT_PAGE_SIZE (%d)", c.MaxPageSize, c.DefaultPageSize)
	}
	return nil
}

// Clamp applies the configured bounds to a requested page size.
func (c *PaginationConfig) Clamp(limit int) int {
	if limit <= 0 {
		return c.DefaultPageSize
	}
	if limit > c.MaxPageSize {
		return c.MaxPageSize
	}
	return limit
}
