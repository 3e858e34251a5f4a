package queue

import (
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// Config defines the job queue and runner settings
type Config struct {
	// Number of concurrent workers in one runner
	Workers int `toml:"workers"`

	// How long an idle worker sleeps before polling for work again
	PollInterval time.Duration `toml:"poll_interval"`

	// How long a job may stay in processing before it is reclaimable
	VisibilityTimeout time.Duration `toml:"visibility_timeout"`

	// Deadline for a single handler invocation
	JobTimeout time.Duration `toml:"job_timeout"`

	// How often the runner releases stale jobs
	ReapInterval time.Duration `toml:"reap_interval"`

	// Default attempt budget for new jobs
	MaxAttempts int `toml:"max_attempts"`

	// Retry backoff
	BackoffBase time.Duration `toml:"backoff_base"`
	BackoffMax  time.Duration `toml:"backoff_max"`

	// Claim token bucket (claims per second and burst); 0 rate disables limiting
	ClaimRate  float64 `toml:"claim_rate"`
	ClaimBurst int     `toml:"claim_burst"`
}

// DefaultConfig returns queue defaults
func DefaultConfig() Config {
	return Config{
		Workers:           4,
		PollInterval:      1 * time.Second,
		VisibilityTimeout: 10 * time.Minute,
		JobTimeout:        5 * time.Minute,
		ReapInterval:      30 * time.Second,
		MaxAttempts:       5,
		BackoffBase:       30 * time.Second,
		BackoffMax:        1 * time.Hour,
		ClaimRate:         50,
		ClaimBurst:        10,
	}
}

// Validate checks the queue configuration
func (c Config) Validate() error {
	if c.Workers <= 0 {
		return fmt.Errorf("queue workers must be positive, got %d", c.Workers)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("queue poll_interval must be positive, got %v", c.PollInterval)
	}
	if c.VisibilityTimeout <= 0 {
		return fmt.Errorf("queue visibility_timeout must be positive, got %v", c.VisibilityTimeout)
	}
	if c.JobTimeout <= 0 {
		return fmt.Errorf("queue job_timeout must be positive, got %v", c.JobTimeout)
	}
	// A job that outlives its visibility window would be reclaimed while still running
	if c.JobTimeout >= c.VisibilityTimeout {
		return fmt.Errorf("queue job_timeout (%v) must be less than visibility_timeout (%v)",
			c.JobTimeout, c.VisibilityTimeout)
	}
	if c.ReapInterval <= 0 {
		return fmt.Errorf("queue reap_interval must be positive, got %v", c.ReapInterval)
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("queue max_attempts must be positive, got %d", c.MaxAttempts)
	}
	if c.BackoffBase <= 0 {
		return fmt.Errorf("queue backoff_base must be positive, got %v", c.BackoffBase)
	}
	if c.BackoffMax < c.BackoffBase {
		return fmt.Errorf("queue backoff_max (%v) must be at least backoff_base (%v)", c.BackoffMax, c.BackoffBase)
	}
	if c.ClaimRate < 0 {
		return fmt.Errorf("queue claim_rate must not be negative, got %v", c.ClaimRate)
	}
	if c.ClaimRate > 0 && c.ClaimBurst <= 0 {
		return fmt.Errorf("queue claim_burst must be positive when claim_rate is set, got %d", c.ClaimBurst)
	}
	return nil
}

// Backoff returns the retry backoff described by the configuration
func (c Config) Backoff() Backoff {
	return Backoff{Base: c.BackoffBase, Max: c.BackoffMax}
}

// NewLimiter builds the claim token bucket described by the configuration
func (c Config) NewLimiter() *rate.Limiter {
	if c.ClaimRate == 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Limit(c.ClaimRate), c.ClaimBurst)
}
