package dsl

import (
	"testing"
	"time"
)

func sec(n int) *Duration { return &Duration{Seconds: n} }

func TestRetryPolicyDelayForExponential(t *testing.T) {
	p := &RetryPolicy{
		Limit:   &RetryLimit{Attempt: &AttemptLimit{Count: 3}},
		Delay:   sec(1),
		Backoff: &BackoffSpec{Exponential: &ExponentialBackoff{Multiplier: 2, Max: sec(10)}},
		Jitter:  &JitterSpec{From: sec(0), To: sec(1)},
	}
	tests := []struct {
		attempt  int
		min, max time.Duration
	}{
		{1, 1 * time.Second, 2 * time.Second},
		{2, 2 * time.Second, 3 * time.Second},
		{3, 4 * time.Second, 5 * time.Second},
		{10, 10 * time.Second, 11 * time.Second}, // capped
	}
	for _, tt := range tests {
		for i := 0; i < 50; i++ {
			d, err := p.DelayFor(tt.attempt)
			if err != nil {
				t.Fatal(err)
			}
			if d < tt.min || d > tt.max {
				t.Fatalf("attempt %d: delay %v outside [%v, %v]", tt.attempt, d, tt.min, tt.max)
			}
		}
	}
}

func TestRetryPolicyDelayForShapes(t *testing.T) {
	tests := []struct {
		name    string
		policy  *RetryPolicy
		attempt int
		want    time.Duration
	}{
		{"no policy at all", &RetryPolicy{}, 1, 0},
		{"bare delay", &RetryPolicy{Delay: sec(3)}, 5, 3 * time.Second},
		{
			"constant",
			&RetryPolicy{Delay: sec(2), Backoff: &BackoffSpec{Constant: &ConstantBackoff{}}},
			4, 2 * time.Second,
		},
		{
			"linear default increment",
			&RetryPolicy{Delay: sec(2), Backoff: &BackoffSpec{Linear: &LinearBackoff{}}},
			3, 6 * time.Second,
		},
		{
			"linear explicit increment",
			&RetryPolicy{Delay: sec(2), Backoff: &BackoffSpec{Linear: &LinearBackoff{Increment: sec(1)}}},
			3, 4 * time.Second,
		},
		{
			"exponential default base and multiplier",
			&RetryPolicy{Backoff: &BackoffSpec{Exponential: &ExponentialBackoff{}}},
			3, 4 * time.Second,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := tt.policy.DelayFor(tt.attempt)
			if err != nil {
				t.Fatal(err)
			}
			if d != tt.want {
				t.Errorf("DelayFor(%d) = %v, want %v", tt.attempt, d, tt.want)
			}
		})
	}
}

func TestRetryPolicyValidate(t *testing.T) {
	tests := []struct {
		name    string
		policy  *RetryPolicy
		wantErr bool
	}{
		{"nil policy", nil, false},
		{"jitter missing to", &RetryPolicy{Jitter: &JitterSpec{From: sec(1)}}, true},
		{"jitter from exceeds to", &RetryPolicy{Jitter: &JitterSpec{From: sec(5), To: sec(1)}}, true},
		{"jitter ok", &RetryPolicy{Jitter: &JitterSpec{To: sec(1)}}, false},
		{
			"two backoff strategies",
			&RetryPolicy{Backoff: &BackoffSpec{Constant: &ConstantBackoff{}, Linear: &LinearBackoff{}}},
			true,
		},
		{"empty backoff", &RetryPolicy{Backoff: &BackoffSpec{}}, true},
		{
			"negative attempts",
			&RetryPolicy{Limit: &RetryLimit{Attempt: &AttemptLimit{Count: -1}}},
			true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRetryPolicyExhausted(t *testing.T) {
	limited := &RetryPolicy{Limit: &RetryLimit{Attempt: &AttemptLimit{Count: 3}}}
	if limited.Exhausted(2) {
		t.Error("attempt 2 of 3 reported exhausted")
	}
	if !limited.Exhausted(3) {
		t.Error("attempt 3 of 3 not exhausted")
	}
	unbounded := &RetryPolicy{}
	if unbounded.Exhausted(1000) {
		t.Error("unbounded policy reported exhausted")
	}
}
