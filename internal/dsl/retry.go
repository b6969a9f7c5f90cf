package dsl

import (
	"fmt"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy controls re-execution of a failed task. When/ExceptWhen gate on
// the error, Limit bounds attempts, and Delay/Backoff/Jitter shape the pause
// between them.
type RetryPolicy struct {
	When       string       `yaml:"when,omitempty"`
	ExceptWhen string       `yaml:"exceptWhen,omitempty"`
	Limit      *RetryLimit  `yaml:"limit,omitempty"`
	Delay      *Duration    `yaml:"delay,omitempty"`
	Backoff    *BackoffSpec `yaml:"backoff,omitempty"`
	Jitter     *JitterSpec  `yaml:"jitter,omitempty"`
}

// RetryLimit bounds a retry policy.
type RetryLimit struct {
	Attempt *AttemptLimit `yaml:"attempt,omitempty"`
}

// AttemptLimit caps total attempts, the first execution included.
type AttemptLimit struct {
	Count int `yaml:"count,omitempty"`
}

// BackoffSpec selects the delay growth strategy. Exactly one is set.
type BackoffSpec struct {
	Constant    *ConstantBackoff    `yaml:"constant,omitempty"`
	Linear      *LinearBackoff      `yaml:"linear,omitempty"`
	Exponential *ExponentialBackoff `yaml:"exponential,omitempty"`
}

// ConstantBackoff keeps the delay fixed at the base.
type ConstantBackoff struct{}

// LinearBackoff grows the delay by a fixed increment per attempt. Increment
// defaults to the base delay.
type LinearBackoff struct {
	Increment *Duration `yaml:"increment,omitempty"`
}

// ExponentialBackoff multiplies the delay per attempt, capped at Max.
type ExponentialBackoff struct {
	Multiplier float64   `yaml:"multiplier,omitempty"`
	Max        *Duration `yaml:"max,omitempty"`
}

// JitterSpec adds a uniform random pause in [From, To] on top of the computed
// delay.
type JitterSpec struct {
	From *Duration `yaml:"from,omitempty"`
	To   *Duration `yaml:"to,omitempty"`
}

// MaxAttempts returns the attempt cap, or 0 for unbounded.
func (p *RetryPolicy) MaxAttempts() int {
	if p == nil || p.Limit == nil || p.Limit.Attempt == nil {
		return 0
	}
	return p.Limit.Attempt.Count
}

// Exhausted reports whether the given 1-based attempt count has consumed the
// policy.
func (p *RetryPolicy) Exhausted(attempts int) bool {
	limit := p.MaxAttempts()
	return limit > 0 && attempts >= limit
}

// Validate rejects policies the delay math cannot honor.
func (p *RetryPolicy) Validate() error {
	if p == nil {
		return nil
	}
	if j := p.Jitter; j != nil {
		if j.To == nil {
			return fmt.Errorf("retry jitter: to is required when jitter is set")
		}
		from := time.Duration(0)
		if j.From != nil {
			from = j.From.ToTimeDuration()
		}
		if from > j.To.ToTimeDuration() {
			return fmt.Errorf("retry jitter: from exceeds to")
		}
	}
	if b := p.Backoff; b != nil {
		n := 0
		if b.Constant != nil {
			n++
		}
		if b.Linear != nil {
			n++
		}
		if b.Exponential != nil {
			n++
		}
		if n != 1 {
			return fmt.Errorf("retry backoff: exactly one strategy must be set")
		}
		if e := b.Exponential; e != nil && e.Multiplier < 0 {
			return fmt.Errorf("retry backoff: negative multiplier")
		}
	}
	if p.MaxAttempts() < 0 {
		return fmt.Errorf("retry limit: negative attempt count")
	}
	return nil
}

// DelayFor computes the pause before the next execution after the given
// 1-based failed attempt: the backoff of the base delay, capped, plus jitter.
func (p *RetryPolicy) DelayFor(attempt int) (time.Duration, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}
	if attempt < 1 {
		attempt = 1
	}

	base := time.Second
	if p.Delay != nil {
		base = p.Delay.ToTimeDuration()
	} else if p.Backoff == nil {
		base = 0
	}

	delay := base
	if b := p.Backoff; b != nil {
		switch {
		case b.Linear != nil:
			inc := base
			if b.Linear.Increment != nil {
				inc = b.Linear.Increment.ToTimeDuration()
			}
			delay = base + time.Duration(attempt-1)*inc
		case b.Exponential != nil:
			mult := b.Exponential.Multiplier
			if mult <= 0 {
				mult = 2
			}
			scaled := float64(base) * math.Pow(mult, float64(attempt-1))
			if scaled > float64(math.MaxInt64) {
				scaled = float64(math.MaxInt64)
			}
			delay = time.Duration(scaled)
			if b.Exponential.Max != nil {
				if ceil := b.Exponential.Max.ToTimeDuration(); delay > ceil {
					delay = ceil
				}
			}
		}
	}

	if j := p.Jitter; j != nil {
		from := time.Duration(0)
		if j.From != nil {
			from = j.From.ToTimeDuration()
		}
		to := j.To.ToTimeDuration()
		if span := to - from; span > 0 {
			delay += from + time.Duration(rand.Int63n(int64(span)+1))
		} else {
			delay += from
		}
	}
	return delay, nil
}
