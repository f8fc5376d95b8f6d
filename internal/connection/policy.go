package connection

import (
	"math/rand/v2"
	"time"
)

// ReconnectPolicy computes retry delays:
//
//	delay(n) = min(InitialDelay * 2^(n-1), MaxDelay)
//
// MaxAttempts is the number of automatic reconnects before giving up.
type ReconnectPolicy struct {
	InitialDelay   time.Duration
	MaxDelay       time.Duration
	MaxAttempts    int
	JitterFraction float64 // extra random delay, as a fraction of the computed delay
}

// DefaultReconnectPolicy returns 1s doubling up to 30s, 5 attempts, no jitter.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		MaxAttempts:  5,
	}
}

// Delay returns the deterministic delay before reconnect attempt n.
// Attempts below 1 are treated as 1.
func (p ReconnectPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := p.InitialDelay
	for i := 1; i < attempt; i++ {
		if delay >= p.MaxDelay {
			break
		}
		delay *= 2
	}
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// Exhausted reports whether attempt has used up the ceiling.
func (p ReconnectPolicy) Exhausted(attempt int) bool {
	return attempt >= p.MaxAttempts
}

// Jitter adds up to JitterFraction*d of random delay, with the fraction
// capped at 1. The result is never less than d and never more than MaxDelay
// (when d itself is within it), so jittered delays still grow with n.
func (p ReconnectPolicy) Jitter(d time.Duration) time.Duration {
	if p.JitterFraction <= 0 || d <= 0 {
		return d
	}
	frac := min(p.JitterFraction, 1)
	jittered := d + time.Duration(rand.Float64()*frac*float64(d))
	if p.MaxDelay > 0 && d <= p.MaxDelay && jittered > p.MaxDelay {
		jittered = p.MaxDelay
	}
	return jittered
}
