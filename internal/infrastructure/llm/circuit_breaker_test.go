package llm

import (
	"testing"
	"time"
)

func TestCircuitBreaker_StaysClosedBelowTripLimit(t *testing.T) {
	cb := NewCircuitBreaker(3, time.Minute)

	cb.RecordFailure()
	cb.RecordFailure()
	if !cb.Allow() {
		t.Fatal("two failures with trip limit 3 should not open the breaker")
	}
	if cb.State() != breakerClosed {
		t.Fatalf("state = %s, want closed", cb.State())
	}
}

func TestCircuitBreaker_TripsAndShedsUntilCooldown(t *testing.T) {
	clock := time.Unix(1000, 0)
	cb := NewCircuitBreaker(3, time.Minute)
	cb.now = func() time.Time { return clock }

	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	if cb.Allow() {
		t.Fatal("breaker should shed calls right after tripping")
	}

	clock = clock.Add(30 * time.Second)
	if cb.Allow() {
		t.Fatal("breaker should still shed before the cooldown elapses")
	}

	clock = clock.Add(31 * time.Second)
	if !cb.Allow() {
		t.Fatal("breaker should let a probe through after the cooldown")
	}
	if cb.State() != breakerProbing {
		t.Fatalf("state = %s, want probing", cb.State())
	}
}

func TestCircuitBreaker_ProbeOutcome(t *testing.T) {
	tests := []struct {
		name      string
		succeed   bool
		wantState breakerState
	}{
		{"successful probe closes", true, breakerClosed},
		{"failed probe re-opens", false, breakerOpen},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := time.Unix(1000, 0)
			cb := NewCircuitBreaker(2, time.Minute)
			cb.now = func() time.Time { return clock }

			cb.RecordFailure()
			cb.RecordFailure()
			clock = clock.Add(2 * time.Minute)
			if !cb.Allow() {
				t.Fatal("probe should be allowed after cooldown")
			}

			if tt.succeed {
				cb.RecordSuccess()
			} else {
				cb.RecordFailure()
			}
			if cb.State() != tt.wantState {
				t.Fatalf("state = %s, want %s", cb.State(), tt.wantState)
			}
		})
	}
}

func TestCircuitBreaker_SuccessResetsFailureRun(t *testing.T) {
	cb := NewCircuitBreaker(3, time.Minute)

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()

	if cb.State() != breakerClosed {
		t.Fatal("interleaved success should reset the consecutive-failure run")
	}
}
