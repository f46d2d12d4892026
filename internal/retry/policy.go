// Package retry holds the backoff policy for redelivering pending changes.
package retry

import (
	"fmt"
	"strings"
	"time"
)

// Mode enumerates the supported backoff strategies.
type Mode string

const (
	Fixed       Mode = "fixed"
	Linear      Mode = "linear"
	Exponential Mode = "exponential"
)

// ParseMode converts user input (case-insensitive) to a Mode, returning ""
// for unknown values.
func ParseMode(raw string) Mode {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case Fixed:
		return Fixed
	case Linear:
		return Linear
	case Exponential:
		return Exponential
	default:
		return ""
	}
}

// Policy is the backoff applied between delivery attempts. It is immutable
// after construction.
type Policy struct {
	Mode        Mode          // fixed|linear|exponential
	Initial     time.Duration // base delay
	Max         time.Duration // cap for growth
	MaxAttempts int           // attempts before a change is given up on; 0 = unlimited
}

// DefaultPolicy returns exponential backoff from 5s capped at 10m, with no
// attempt limit.
func DefaultPolicy() Policy {
	return Policy{Mode: Exponential, Initial: 5 * time.Second, Max: 10 * time.Minute}
}

// NewPolicy builds a policy from raw config fields; zero or invalid values
// fall back to defaults.
func NewPolicy(mode Mode, initial, maxDelay time.Duration, maxAttempts int) Policy {
	p := DefaultPolicy()
	if maxAttempts >= 0 {
		p.MaxAttempts = maxAttempts
	}
	if initial > 0 {
		p.Initial = initial
	}
	if maxDelay > 0 {
		p.Max = maxDelay
	}
	switch mode {
	case Fixed, Linear, Exponential:
		p.Mode = mode
	}
	if p.Initial > p.Max {
		p.Initial = p.Max
	}
	return p
}

// Delay returns the wait before retry number retryCount (1-based: the first
// retry after a failed attempt is 1).
func (p Policy) Delay(retryCount int) time.Duration {
	if retryCount <= 0 {
		return 0
	}
	switch p.Mode {
	case Fixed:
		return p.Initial
	case Exponential:
		if retryCount > 32 {
			return p.Max
		}
		d := p.Initial * (1 << (retryCount - 1))
		if d > p.Max || d <= 0 {
			return p.Max
		}
		return d
	default:
		d := time.Duration(retryCount) * p.Initial
		if d > p.Max {
			return p.Max
		}
		return d
	}
}

// Due reports whether a change with attempts prior attempts, the last at
// last, may be tried again at now. A change never attempted is always due.
func (p Policy) Due(attempts int, last *time.Time, now time.Time) bool {
	if attempts == 0 || last == nil {
		return true
	}
	return !now.Before(last.Add(p.Delay(attempts)))
}

// Exhausted reports whether attempts has reached the attempt limit.
func (p Policy) Exhausted(attempts int) bool {
	return p.MaxAttempts > 0 && attempts >= p.MaxAttempts
}

// Validate ensures the policy can be applied.
func (p Policy) Validate() error {
	if p.Initial <= 0 {
		return fmt.Errorf("initial must be >0")
	}
	if p.Max <= 0 {
		return fmt.Errorf("max must be >0")
	}
	if p.MaxAttempts < 0 {
		return fmt.Errorf("max attempts cannot be negative")
	}
	if ParseMode(string(p.Mode)) == "" {
		return fmt.Errorf("unknown backoff mode %q", p.Mode)
	}
	return nil
}
