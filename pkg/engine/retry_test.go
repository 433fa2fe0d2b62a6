package engine

import (
	"testing"
	"time"
)

func TestRetryPolicy_Decide(t *testing.T) {
	p := RetryPolicy{MaxRetries: 3, BaseDelay: time.Second, MaxDelay: 5 * time.Minute}

	tests := []struct {
		name    string
		kind    ErrorKind
		attempt int
		want    Decision
	}{
		{"transient first attempt", ErrorKindNetworkTimeout, 1, Decision{ActionRetry, time.Second}},
		{"transient second attempt", ErrorKindRateLimited, 2, Decision{ActionRetry, 2 * time.Second}},
		{"transient at cap", ErrorKindNetworkTimeout, 3, Decision{Action: ActionFail}},
		{"non-zero exit retries", ErrorKindNonZeroExit, 1, Decision{ActionRetry, time.Second}},
		{"auth escalates", ErrorKindAuthInvalid, 1, Decision{Action: ActionEscalate}},
		{"quota escalates", ErrorKindQuotaExhausted, 1, Decision{Action: ActionEscalate}},
		{"schema escalates", ErrorKindSchemaMismatch, 2, Decision{Action: ActionEscalate}},
		{"bad request escalates at once", ErrorKindBadRequest, 1, Decision{Action: ActionEscalate}},
		{"domain escalates", ErrorKindEvaluationFailed, 1, Decision{Action: ActionEscalate}},
		{"unknown retries once", ErrorKindUnknown, 1, Decision{ActionRetry, time.Second}},
		{"unknown then escalates", ErrorKindUnknown, 2, Decision{Action: ActionEscalate}},
		{"unlisted kind treated as unknown", ErrorKind("Weird"), 1, Decision{ActionRetry, time.Second}},
		{"fatal fails", ErrorKindContextCorrupted, 1, Decision{Action: ActionFail}},
		{"cap wins over escalation", ErrorKindAuthInvalid, 3, Decision{Action: ActionFail}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := p.Decide(StageValidate, tt.kind, tt.attempt)
			if got != tt.want {
				t.Errorf("Decide(%s, %d) = %v, want %v", tt.kind, tt.attempt, got, tt.want)
			}
		})
	}
}

func TestRetryPolicy_BackoffIsNonDecreasingAndCapped(t *testing.T) {
	p := RetryPolicy{MaxRetries: 20, BaseDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Minute}

	prev := time.Duration(0)
	for attempt := 1; attempt < 64; attempt++ {
		d := p.Backoff(attempt)
		if d < prev {
			t.Fatalf("Backoff decreased at attempt %d: %v < %v", attempt, d, prev)
		}
		if d > p.MaxDelay {
			t.Fatalf("Backoff %v exceeds cap at attempt %d", d, attempt)
		}
		prev = d
	}
	if prev != p.MaxDelay {
		t.Errorf("Expected backoff to reach the cap, got %v", prev)
	}
}

func TestRetryPolicy_TransientFailsAfterExactlyMaxRetries(t *testing.T) {
	for _, maxRetries := range []int{1, 2, 3, 5} {
		p := RetryPolicy{MaxRetries: maxRetries, BaseDelay: time.Millisecond, MaxDelay: time.Second}

		attempts := 0
		var delays []time.Duration
		for {
			attempts++
			d := p.Decide(StageDeploy, ErrorKindServiceUnavailable, attempts)
			if d.Action == ActionFail {
				break
			}
			if d.Action != ActionRetry {
				t.Fatalf("Expected RETRY or FAIL, got %s", d.Action)
			}
			delays = append(delays, d.Delay)
		}

		if attempts != maxRetries {
			t.Errorf("MaxRetries=%d: expected FAIL after %d attempts, got %d", maxRetries, maxRetries, attempts)
		}
		for i := 1; i < len(delays); i++ {
			if delays[i] < delays[i-1] {
				t.Errorf("MaxRetries=%d: delays decreased: %v", maxRetries, delays)
			}
		}
	}
}

func TestRetryPolicy_ZeroValueUsesDefaults(t *testing.T) {
	var p RetryPolicy
	if d := p.Decide(StagePlan, ErrorKindNetworkTimeout, DefaultMaxRetries); d.Action != ActionFail {
		t.Errorf("Expected FAIL at default cap, got %v", d)
	}
	if d := p.Backoff(1); d != DefaultBaseDelay {
		t.Errorf("Expected default base delay, got %v", d)
	}
}
