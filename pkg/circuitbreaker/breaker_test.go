package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

func newTestBreaker(onChange func(string, State, State)) (*CircuitBreaker, *time.Time) {
	now := time.Unix(1700000000, 0)
	cb := NewCircuitBreaker("test", Config{
		MaxRequests:      1,
		Timeout:          10 * time.Second,
		FailureThreshold: 2,
		SuccessThreshold: 1,
		OnStateChange:    onChange,
	})
	cb.now = func() time.Time { return now }
	return cb, &now
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var transitions []State
	cb, _ := newTestBreaker(func(_ string, _, to State) { transitions = append(transitions, to) })
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := cb.Execute(ctx, func() error { return errBoom }); !errors.Is(err, errBoom) {
			t.Fatalf("call %d: got %v", i, err)
		}
	}
	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open", cb.State())
	}

	called := false
	err := cb.Execute(ctx, func() error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) || called {
		t.Fatalf("open breaker: err = %v, called = %v", err, called)
	}
	if len(transitions) != 1 || transitions[0] != StateOpen {
		t.Errorf("transitions = %v", transitions)
	}
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	cb, now := newTestBreaker(nil)
	ctx := context.Background()

	_ = cb.Execute(ctx, func() error { return errBoom })
	_ = cb.Execute(ctx, func() error { return errBoom })

	*now = now.Add(11 * time.Second)
	if cb.State() != StateHalfOpen {
		t.Fatalf("state = %v, want half-open", cb.State())
	}

	got, err := Do(ctx, cb, func() (string, error) { return "ok", nil })
	if err != nil || got != "ok" {
		t.Fatalf("Do = %q, %v", got, err)
	}
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed", cb.State())
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	cb, now := newTestBreaker(nil)
	ctx := context.Background()

	_ = cb.Execute(ctx, func() error { return errBoom })
	_ = cb.Execute(ctx, func() error { return errBoom })
	*now = now.Add(11 * time.Second)

	_ = cb.Execute(ctx, func() error { return errBoom })
	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open", cb.State())
	}
}

func TestBreakerIgnoresCallerCancellation(t *testing.T) {
	cb, _ := newTestBreaker(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, func() error { return context.Canceled })
	}
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed", cb.State())
	}
}
