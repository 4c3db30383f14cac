package resilience

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestCircuitBreakerOpensOnRateLimits(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	cb := NewCircuitBreaker(2, time.Minute)
	cb.now = func() time.Time { return now }

	cb.OnError(RateLimitError{Provider: "tone"})
	if !cb.Allow() {
		t.Fatalf("expected breaker closed after one failure")
	}
	cb.OnError(fmt.Errorf("wrapped: %w", RateLimitError{Provider: "tone"}))
	if cb.Allow() {
		t.Fatalf("expected breaker open after threshold")
	}

	now = now.Add(2 * time.Minute)
	if !cb.Allow() {
		t.Fatalf("expected breaker closed after cooldown")
	}
}

func TestCircuitBreakerIgnoresOtherErrors(t *testing.T) {
	cb := NewCircuitBreaker(1, time.Minute)
	cb.OnError(errors.New("connection reset"))
	if cb.Open() {
		t.Fatalf("non rate-limit errors must not trip the breaker")
	}
}

func TestCircuitBreakerSuccessResets(t *testing.T) {
	cb := NewCircuitBreaker(2, time.Minute)
	cb.OnError(RateLimitError{})
	cb.OnSuccess()
	cb.OnError(RateLimitError{})
	if cb.Open() {
		t.Fatalf("expected failure count reset by success")
	}
}

func TestRateLimitErrorMessage(t *testing.T) {
	if got := (RateLimitError{Provider: "tone", Message: "slow down"}).Error(); got != "tone: slow down" {
		t.Fatalf("unexpected message %q", got)
	}
	if got := (RateLimitError{}).Error(); got != "rate limit" {
		t.Fatalf("unexpected default message %q", got)
	}
}
