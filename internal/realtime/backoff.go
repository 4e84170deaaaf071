package realtime

import (
	"math"
	"math/rand"
	"time"
)

// Backoff computes exponential reconnect delays with jitter.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the delay for the given attempt: Base*2^attempt capped at
// Max, with ±25% jitter applied after the cap.
func (b Backoff) Delay(attempt int) time.Duration {
	base := float64(b.Base) * math.Pow(2, float64(attempt))
	if capped := float64(b.Max); base > capped {
		base = capped
	}
	jitter := (rand.Float64()*0.5 - 0.25) * base
	d := time.Duration(base + jitter)
	if d < 0 {
		d = 0
	}
	return d
}
