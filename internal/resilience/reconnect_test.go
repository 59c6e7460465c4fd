package resilience

import (
	"testing"
	"time"
)

func TestDefaultReconnectPolicy(t *testing.T) {
	p := DefaultReconnectPolicy()

	if p.MaxAttempts != 5 {
		t.Errorf("Expected MaxAttempts 5, got %d", p.MaxAttempts)
	}
	if p.BaseDelay != time.Second {
		t.Errorf("Expected BaseDelay 1s, got %v", p.BaseDelay)
	}
	if p.MaxDelay != 30*time.Second {
		t.Errorf("Expected MaxDelay 30s, got %v", p.MaxDelay)
	}
}

func TestReconnectPolicy_Delays(t *testing.T) {
	expected := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
	}

	p := DefaultReconnectPolicy()
	for i := range expected {
		if p.Exhausted(i) {
			t.Fatalf("Expected attempt %d to be allowed", i)
		}
		if got := p.Delay(i); got != expected[i] {
			t.Errorf("Attempt %d: expected %v, got %v", i, expected[i], got)
		}
	}
	if !p.Exhausted(len(expected)) {
		t.Errorf("Expected policy to be exhausted after %d attempts", len(expected))
	}
}

func TestReconnectPolicy_DelayCapped(t *testing.T) {
	p := DefaultReconnectPolicy()

	if d := p.Delay(5); d != 30*time.Second {
		t.Errorf("Expected capped delay 30s at attempt 5, got %v", d)
	}
	if d := p.Delay(64); d != 30*time.Second {
		t.Errorf("Expected capped delay 30s at attempt 64, got %v", d)
	}
	if d := p.Delay(2000); d != 30*time.Second {
		t.Errorf("Expected capped delay 30s for huge attempt, got %v", d)
	}
}

func TestReconnectPolicy_DelayMonotonic(t *testing.T) {
	p := ReconnectPolicy{MaxAttempts: 10, BaseDelay: 250 * time.Millisecond, MaxDelay: 3 * time.Second}

	prev := time.Duration(0)
	for attempt := 0; attempt < 10; attempt++ {
		d := p.Delay(attempt)
		if d < prev {
			t.Errorf("Delay decreased at attempt %d: %v < %v", attempt, d, prev)
		}
		if d > p.MaxDelay {
			t.Errorf("Delay %v exceeds cap %v", d, p.MaxDelay)
		}
		prev = d
	}
}

func TestReconnectPolicy_Exhausted(t *testing.T) {
	p := DefaultReconnectPolicy()

	for attempt := 0; attempt < 5; attempt++ {
		if p.Exhausted(attempt) {
			t.Errorf("Attempt %d should not be exhausted", attempt)
		}
	}
	if !p.Exhausted(5) {
		t.Error("Expected attempt 5 to be exhausted")
	}
}

func TestCalculateBackoff(t *testing.T) {
	if d := CalculateBackoff(0, 100*time.Millisecond, time.Second, 2.0); d != 100*time.Millisecond {
		t.Errorf("Expected 100ms, got %v", d)
	}
	if d := CalculateBackoff(3, 100*time.Millisecond, time.Second, 2.0); d != 800*time.Millisecond {
		t.Errorf("Expected 800ms, got %v", d)
	}
	if d := CalculateBackoff(4, 100*time.Millisecond, time.Second, 2.0); d != time.Second {
		t.Errorf("Expected 1s cap, got %v", d)
	}
	if d := CalculateBackoff(-1, 100*time.Millisecond, time.Second, 2.0); d != 100*time.Millisecond {
		t.Errorf("Expected negative attempt to clamp to 100ms, got %v", d)
	}
}
