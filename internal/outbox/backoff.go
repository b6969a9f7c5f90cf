package outbox

import (
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Jitter adds a uniform random slice of [From, To] to each delay so parked
// rows from one incident spread back out instead of thundering in together.
// A nil From means zero; To is required when a Jitter is set.
type Jitter struct {
	From *time.Duration
	To   *time.Duration
}

// Backoff computes the delay before a failed row becomes due again:
// min(Cap, Base*Multiplier^attempt) plus jitter.
type Backoff struct {
	Base       time.Duration
	Multiplier float64
	Cap        time.Duration
	Jitter     *Jitter
}

// DefaultBackoff is the relay's policy when none is configured.
func DefaultBackoff() Backoff {
	return Backoff{Base: time.Second, Multiplier: 2, Cap: time.Minute}
}

func (b Backoff) Validate() error {
	if b.Base <= 0 {
		return fmt.Errorf("backoff base must be positive, got %v", b.Base)
	}
	if b.Multiplier < 1 {
		return fmt.Errorf("backoff multiplier must be >= 1, got %v", b.Multiplier)
	}
	if b.Cap > 0 && b.Cap < b.Base {
		return fmt.Errorf("backoff cap %v is below base %v", b.Cap, b.Base)
	}
	if b.Jitter != nil {
		if b.Jitter.To == nil {
			return fmt.Errorf("jitter requires an upper bound")
		}
		from := time.Duration(0)
		if b.Jitter.From != nil {
			from = *b.Jitter.From
		}
		if from < 0 || *b.Jitter.To < 0 {
			return fmt.Errorf("jitter bounds must not be negative")
		}
		if from > *b.Jitter.To {
			return fmt.Errorf("jitter lower bound %v exceeds upper bound %v", from, *b.Jitter.To)
		}
	}
	return nil
}

// DelayFor returns the delay for the given zero-based retry ordinal.
func (b Backoff) DelayFor(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(b.Base) * math.Pow(b.Multiplier, float64(attempt))
	if b.Cap > 0 && d > float64(b.Cap) {
		d = float64(b.Cap)
	}
	delay := time.Duration(d)

	if b.Jitter != nil && b.Jitter.To != nil {
		from := time.Duration(0)
		if b.Jitter.From != nil {
			from = *b.Jitter.From
		}
		span := *b.Jitter.To - from
		if span > 0 {
			delay += from + time.Duration(rand.Int63n(int64(span)+1))
		} else {
			delay += from
		}
	}
	return delay
}
