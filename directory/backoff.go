package directory

import (
	"math"
	"time"
)

// Backoff is the reconnect schedule of a broken watch.
type Backoff struct {
	InitialDelay time.Duration `mapstructure:"initialDelay"`
	MaxDelay     time.Duration `mapstructure:"maxDelay"`
	Multiplier   float64       `mapstructure:"multiplier"`
}

func DefaultBackoff() Backoff {
	return Backoff{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
	}
}

// Next returns the delay before retry number attempt, counting from 0.
func (b Backoff) Next(attempt int) time.Duration {
	if b.InitialDelay <= 0 {
		b.InitialDelay = DefaultBackoff().InitialDelay
	}
	if b.MaxDelay < b.InitialDelay {
		b.MaxDelay = b.InitialDelay
	}
	if b.Multiplier < 1 {
		b.Multiplier = 1
	}
	delay := float64(b.InitialDelay) * math.Pow(b.Multiplier, float64(attempt))
	if delay > float64(b.MaxDelay) || math.IsInf(delay, 0) {
		return b.MaxDelay
	}
	return time.Duration(delay)
}
