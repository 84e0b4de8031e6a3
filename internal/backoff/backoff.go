// Package backoff computes retry delays and classifies delivery failures as
// retryable or terminal.
package backoff

import (
	"math/rand/v2"
	"time"

	"github.com/djlord-it/formrelay/internal/domain"
)

// Base is the delay sequence indexed by zero-based attempt. Indices past the
// end reuse the last entry.
var Base = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	4 * time.Second,
	8 * time.Second,
	16 * time.Second,
	32 * time.Second,
	64 * time.Second,
}

// Jitter is the range a base delay is scaled by.
type Jitter struct {
	Min float64
	Max float64
}

// Webhook and SMS retries deliberately use different jitter ranges.
var (
	WebhookJitter = Jitter{Min: 0.5, Max: 2.0}
	SMSJitter     = Jitter{Min: 0.5, Max: 1.5}
)

// Policy computes jittered delays. Rand returns a float in [0, 1); nil uses math/rand/v2.
type Policy struct {
	Jitter Jitter
	Rand   func() float64
}

// ForChannel returns the policy for ch.
func ForChannel(ch domain.Channel) Policy {
	if ch == domain.ChannelSMS {
		return Policy{Jitter: SMSJitter}
	}
	return Policy{Jitter: WebhookJitter}
}

// BaseDelay returns the unjittered delay for attemptIndex.
func BaseDelay(attemptIndex int) time.Duration {
	if attemptIndex < 0 {
		attemptIndex = 0
	}
	if attemptIndex >= len(Base) {
		attemptIndex = len(Base) - 1
	}
	return Base[attemptIndex]
}

// Delay returns BaseDelay(attemptIndex) scaled by a uniform factor in the jitter range.
func (p Policy) Delay(attemptIndex int) time.Duration {
	r := p.Rand
	if r == nil {
		r = rand.Float64
	}
	factor := p.Jitter.Min + r()*(p.Jitter.Max-p.Jitter.Min)
	return time.Duration(float64(BaseDelay(attemptIndex)) * factor)
}

// Bounds returns the inclusive range Delay can produce for attemptIndex.
func (p Policy) Bounds(attemptIndex int) (time.Duration, time.Duration) {
	base := float64(BaseDelay(attemptIndex))
	return time.Duration(base * p.Jitter.Min), time.Duration(base * p.Jitter.Max)
}
