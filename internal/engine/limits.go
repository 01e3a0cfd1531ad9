// Package engine bounds and executes approved statements against the target
// database.
package engine

import (
	"time"

	"bi-gateway/internal/domain"
)

// Limits are the row, time and concurrency bounds applied to every execution.
type Limits struct {
	DefaultMaxRows int           `yaml:"default_max_rows"`
	HardRowCap     int           `yaml:"hard_row_cap"`
	Timeout        time.Duration `yaml:"timeout"`
	RetryAttempts  int           `yaml:"retry_attempts"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
	MaxConcurrency int           `yaml:"max_concurrency"`
}

// DefaultLimits are used for any zero field.
var DefaultLimits = Limits{
	DefaultMaxRows: 1000,
	HardRowCap:     100000,
	Timeout:        30 * time.Second,
	RetryAttempts:  3,
	RetryBaseDelay: 100 * time.Millisecond,
	MaxConcurrency: 8,
}

// WithDefaults fills zero fields from DefaultLimits.
func (l Limits) WithDefaults() Limits {
	if l.DefaultMaxRows == 0 {
		l.DefaultMaxRows = DefaultLimits.DefaultMaxRows
	}
	if l.HardRowCap == 0 {
		l.HardRowCap = DefaultLimits.HardRowCap
	}
	if l.Timeout == 0 {
		l.Timeout = DefaultLimits.Timeout
	}
	if l.RetryAttempts == 0 {
		l.RetryAttempts = DefaultLimits.RetryAttempts
	}
	if l.RetryBaseDelay == 0 {
		l.RetryBaseDelay = DefaultLimits.RetryBaseDelay
	}
	if l.MaxConcurrency == 0 {
		l.MaxConcurrency = DefaultLimits.MaxConcurrency
	}
	return l
}

// Validate checks defaulted limits.
func (l Limits) Validate() error {
	switch {
	case l.HardRowCap <= 0:
		return domain.ErrConfig("execution", "execution.hard_row_cap", "must be positive")
	case l.DefaultMaxRows <= 0:
		return domain.ErrConfig("execution", "execution.default_max_rows", "must be positive")
	case l.DefaultMaxRows > l.HardRowCap:
		return domain.ErrConfig("execution", "execution.default_max_rows", "must not exceed hard_row_cap (%d)", l.HardRowCap)
	case l.Timeout <= 0:
		return domain.ErrConfig("execution", "execution.timeout", "must be positive")
	case l.RetryAttempts < 1:
		return domain.ErrConfig("execution", "execution.retry_attempts", "must be at least 1")
	case l.RetryBaseDelay < 0:
		return domain.ErrConfig("execution", "execution.retry_base_delay", "must not be negative")
	case l.MaxConcurrency <= 0:
		return domain.ErrConfig("execution", "execution.max_concurrency", "must be positive")
	}
	return nil
}

// EffectiveCap is min(requested rows, hard cap); zero requests the default.
func (l Limits) EffectiveCap(maxRows int) int {
	if maxRows <= 0 {
		maxRows = l.DefaultMaxRows
	}
	return min(maxRows, l.HardRowCap)
}
