package engine

import (
	"fmt"
	"math"
	"time"
)

// Action is what the engine does after a failed stage attempt.
type Action string

const (
	ActionRetry    Action = "RETRY"
	ActionEscalate Action = "ESCALATE"
	ActionFail     Action = "FAIL"
)

// Decision is the verdict of a RetryPolicy.
type Decision struct {
	Action Action
	Delay  time.Duration
}

func (d Decision) String() string {
	if d.Action == ActionRetry {
		return fmt.Sprintf("%s(%s)", d.Action, d.Delay)
	}
	return string(d.Action)
}

// Default retry settings.
const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = 2 * time.Second
	DefaultMaxDelay   = 5 * time.Minute
)

// RetryPolicy decides retry, escalation or failure for a failed stage attempt.
// It is a plain value; each stage gets its own copy at engine construction.
type RetryPolicy struct {
	// MaxRetries is the number of attempts after which the stage fails.
	MaxRetries int `yaml:"max_retries" validate:"gte=1"`

	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration `yaml:"base_delay" validate:"gte=0"`

	// MaxDelay caps the exponential backoff.
	MaxDelay time.Duration `yaml:"max_delay" validate:"gte=0"`
}

// DefaultRetryPolicy returns the default policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: DefaultMaxRetries,
		BaseDelay:  DefaultBaseDelay,
		MaxDelay:   DefaultMaxDelay,
	}
}

// withDefaults fills zero fields from DefaultRetryPolicy.
func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxRetries <= 0 {
		p.MaxRetries = d.MaxRetries
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	return p
}

// Decide returns the action for the attempt-th failed attempt (1-based) of stage with kind.
// Rules apply in order: attempt cap, transient, permanent or domain, unknown.
func (p RetryPolicy) Decide(stage StageName, kind ErrorKind, attempt int) Decision {
	p = p.withDefaults()
	if attempt >= p.MaxRetries {
		return Decision{Action: ActionFail}
	}
	switch kind.Class() {
	case ErrorClassTransient:
		return Decision{Action: ActionRetry, Delay: p.Backoff(attempt)}
	case ErrorClassPermanent, ErrorClassDomain:
		return Decision{Action: ActionEscalate}
	case ErrorClassFatal:
		return Decision{Action: ActionFail}
	default:
		if attempt <= 1 {
			return Decision{Action: ActionRetry, Delay: p.Backoff(attempt)}
		}
		return Decision{Action: ActionEscalate}
	}
}

// Backoff returns BaseDelay * 2^(attempt-1), capped at MaxDelay.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	p = p.withDefaults()
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.BaseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(p.MaxDelay) || math.IsInf(delay, 0) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}
