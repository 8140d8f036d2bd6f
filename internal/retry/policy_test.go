package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	cierrors "blockci/internal/errors"
)

// TestDefaultPolicy verifies the baseline default values.
func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy()
	if p.Mode != ModeExponential { t.Fatalf("expected exponential default mode got %s", p.Mode) }
	if p.Initial != 200*time.Millisecond { t.Fatalf("expected initial 200ms got %v", p.Initial) }
	if p.MaxRetries != 3 { t.Fatalf("expected max retries 3 got %d", p.MaxRetries) }
}

// TestNewPolicyClampsInitial checks clamping when initial > max.
func TestNewPolicyClampsInitial(t *testing.T) {
	p := NewPolicy(ModeFixed, 5*time.Second, 2*time.Second, 5)
	if p.Initial != 2*time.Second { t.Fatalf("expected clamped initial 2s got %v", p.Initial) }
	if p.Mode != ModeFixed { t.Fatalf("expected fixed mode got %s", p.Mode) }
	if p.MaxRetries != 5 { t.Fatalf("expected maxRetries 5 got %d", p.MaxRetries) }
}

func TestDelayModes(t *testing.T) {
	linear := NewPolicy(ModeLinear, 100*time.Millisecond, 250*time.Millisecond, 5)
	cases := []struct{ attempt int; want time.Duration }{{1, 100 * time.Millisecond}, {2, 200 * time.Millisecond}, {3, 250 * time.Millisecond}}
	for _, c := range cases {
		if got := linear.Delay(c.attempt); got != c.want {
			t.Fatalf("linear attempt %d expected %v got %v", c.attempt, c.want, got)
		}
	}

	exp := NewPolicy(ModeExponential, 50*time.Millisecond, 160*time.Millisecond, 5)
	expCases := []struct{ attempt int; want time.Duration }{{1, 50 * time.Millisecond}, {2, 100 * time.Millisecond}, {3, 160 * time.Millisecond}, {40, 160 * time.Millisecond}}
	for _, c := range expCases {
		if got := exp.Delay(c.attempt); got != c.want {
			t.Fatalf("exp attempt %d expected %v got %v", c.attempt, c.want, got)
		}
	}
	if d := exp.Delay(0); d != 0 { t.Fatalf("attempt 0 expected 0 got %v", d) }
}

func TestUnknownModeFallsBack(t *testing.T) {
	p := NewPolicy("weird", 10*time.Millisecond, 20*time.Millisecond, 1)
	if p.Mode != ModeExponential { t.Fatalf("unknown mode should fall back to exponential got %s", p.Mode) }
	if err := p.Validate(); err != nil { t.Fatalf("unexpected validation error: %v", err) }
	bad := Policy{Mode: ModeFixed, Initial: 0, Max: time.Second}
	if err := bad.Validate(); err == nil { t.Fatalf("expected error for zero initial") }
}

func TestDoRetriesOnlyRetryable(t *testing.T) {
	p := NewPolicy(ModeFixed, time.Millisecond, time.Millisecond, 3)

	calls := 0
	err := Do(context.Background(), p, func(context.Context) error {
		calls++
		if calls < 3 {
			return cierrors.StoreUnavailable("cache", errors.New("down"))
		}
		return nil
	}, nil)
	if err != nil { t.Fatalf("expected success after retries, got %v", err) }
	if calls != 3 { t.Fatalf("expected 3 calls got %d", calls) }

	calls = 0
	err = Do(context.Background(), p, func(context.Context) error {
		calls++
		return errors.New("permanent")
	}, nil)
	if err == nil || calls != 1 { t.Fatalf("non-retryable error should not be retried: calls=%d err=%v", calls, err) }
}

func TestDoExhausts(t *testing.T) {
	p := NewPolicy(ModeFixed, time.Millisecond, time.Millisecond, 2)
	retries := 0
	calls := 0
	err := Do(context.Background(), p, func(context.Context) error {
		calls++
		return cierrors.StoreUnavailable("artifacts", errors.New("down"))
	}, func(int, error) { retries++ })
	if !cierrors.IsKind(err, cierrors.KindStoreUnavailable) { t.Fatalf("expected store unavailable, got %v", err) }
	if calls != 3 || retries != 2 { t.Fatalf("expected 3 calls and 2 retries, got %d/%d", calls, retries) }
}

func TestDoHonoursCancellation(t *testing.T) {
	p := NewPolicy(ModeFixed, time.Hour, time.Hour, 5)
	ctx, cancel := context.WithCancel(context.Background())
	err := Do(ctx, p, func(context.Context) error {
		cancel()
		return cierrors.StoreUnavailable("cache", errors.New("down"))
	}, nil)
	if !errors.Is(err, context.Canceled) { t.Fatalf("expected context.Canceled, got %v", err) }
}
