package domain

import (
	"math/rand/v2"
	"time"
)

// RefreshPolicy decides when a token is due for refresh and how failed
// refreshes back off
type RefreshPolicy struct {
	// Threshold is the maximum lead time before expiry
	Threshold time.Duration
	// ThresholdFraction caps the lead time to a fraction of the token lifetime
	ThresholdFraction float64
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	// Jitter is the maximum extra delay as a fraction of the computed backoff
	Jitter     float64
	MaxRetries int
	// DefaultLifetime applies to grants that report no expiry
	DefaultLifetime time.Duration
}

// fallbackTokenLifetime matches the long-lived tokens platforms issue
const fallbackTokenLifetime = 60 * 24 * time.Hour

// DefaultRefreshPolicy returns the production defaults
func DefaultRefreshPolicy() RefreshPolicy {
	return RefreshPolicy{
		Threshold:         5 * time.Minute,
		ThresholdFraction: 0.1,
		BackoffBase:       30 * time.Second,
		BackoffMax:        30 * time.Minute,
		Jitter:            0.2,
		MaxRetries:        8,
		DefaultLifetime:   fallbackTokenLifetime,
	}
}

// Lifetime returns the reported token lifetime, or the default when the
// platform reported none
func (p RefreshPolicy) Lifetime(reported time.Duration) time.Duration {
	switch {
	case reported > 0:
		return reported
	case p.DefaultLifetime > 0:
		return p.DefaultLifetime
	}
	return fallbackTokenLifetime
}

// LeadTime returns how long before expiry a token with the given lifetime
// should be refreshed: the lesser of Threshold and ThresholdFraction*lifetime
func (p RefreshPolicy) LeadTime(lifetime time.Duration) time.Duration {
	lead := p.Threshold
	if lifetime > 0 && p.ThresholdFraction > 0 {
		if fractional := time.Duration(float64(lifetime) * p.ThresholdFraction); fractional < lead {
			lead = fractional
		}
	}
	return lead
}

// NextRefreshAt returns the scheduled refresh time for c, or nil when there is
// nothing to schedule (no expiry known or no refresh credential held)
func (p RefreshPolicy) NextRefreshAt(c *Connection) *time.Time {
	if c.TokenExpiresAt == nil || c.RefreshToken == "" {
		return nil
	}

	var lifetime time.Duration
	if c.TokenIssuedAt != nil {
		lifetime = c.TokenExpiresAt.Sub(*c.TokenIssuedAt)
	}

	due := c.TokenExpiresAt.Add(-p.LeadTime(lifetime))
	return &due
}

// Backoff returns the delay before retry number attempt (1-based), without jitter
func (p RefreshPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := p.BackoffBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.BackoffMax {
			return p.BackoffMax
		}
	}
	if delay > p.BackoffMax {
		delay = p.BackoffMax
	}
	return delay
}

// BackoffWithJitter adds up to Jitter*delay of random extra delay
func (p RefreshPolicy) BackoffWithJitter(attempt int) time.Duration {
	delay := p.Backoff(attempt)
	if p.Jitter <= 0 {
		return delay
	}
	return delay + time.Duration(rand.Float64()*p.Jitter*float64(delay))
}
