package reconcile

import (
	"errors"
	"strings"
	"time"
)

// Config controls the reconciliation loop.
type Config struct {
	Enabled             bool          `json:"enabled" mapstructure:"enabled"`
	Interval            time.Duration `json:"interval" mapstructure:"interval"`
	BatchSize           int           `json:"batch_size" mapstructure:"batch_size"`
	StaleAfter          time.Duration `json:"stale_after" mapstructure:"stale_after"`
	EstimatedStaleAfter time.Duration `json:"estimated_stale_after" mapstructure:"estimated_stale_after"`
	ItemDelay           time.Duration `json:"item_delay" mapstructure:"item_delay"`
	ItemTimeout         time.Duration `json:"item_timeout" mapstructure:"item_timeout"`
	RunOnStart          bool          `json:"run_on_start" mapstructure:"run_on_start"`
	HistorySize         int           `json:"history_size" mapstructure:"history_size"`
}

func DefaultConfig() Config {
	return Config{
		Enabled:             true,
		Interval:            30 * time.Minute,
		BatchSize:           50,
		StaleAfter:          2 * time.Hour,
		EstimatedStaleAfter: 30 * time.Minute,
		ItemDelay:           2 * time.Second,
		ItemTimeout:         20 * time.Second,
		HistorySize:         20,
	}
}

// Validate checks that the loop can run.
func (c Config) Validate() error {
	var errs []string
	if c.Interval <= 0 {
		errs = append(errs, "interval must be positive")
	}
	if c.BatchSize <= 0 {
		errs = append(errs, "batch_size must be positive")
	}
	if c.StaleAfter <= 0 {
		errs = append(errs, "stale_after must be positive")
	}
	if c.EstimatedStaleAfter < 0 {
		errs = append(errs, "estimated_stale_after cannot be negative")
	}
	if c.ItemDelay < 0 {
		errs = append(errs, "item_delay cannot be negative")
	}
	if c.ItemTimeout <= 0 {
		errs = append(errs, "item_timeout must be positive")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}
