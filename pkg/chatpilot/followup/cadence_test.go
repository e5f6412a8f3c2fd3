package followup

import (
	"testing"
	"time"
)

func TestCadenceTerm(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		step  int
		shift int
		want  time.Duration
	}{
		{"first step", 0, 0, time.Hour},
		{"second step", 1, 0, 2 * time.Hour},
		{"sixth step", 5, 0, 13 * time.Hour},
		{"positive shift advances", 0, 2, 3 * time.Hour},
		{"negative shift clamps to start", 0, -5, time.Hour},
		{"past the ladder clamps to last term", 20, 0, 144 * time.Hour},
		{"34h rounds to one day", 7, 0, 24 * time.Hour},
		{"55h rounds to two days", 8, 0, 48 * time.Hour},
		{"89h rounds to four days", 9, 0, 96 * time.Hour},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := cadenceTerm(tt.step, tt.shift); got != tt.want {
				t.Errorf("cadenceTerm(%d, %d) = %v, want %v", tt.step, tt.shift, got, tt.want)
			}
		})
	}
}

func TestCadenceTimeAccumulates(t *testing.T) {
	t.Parallel()
	anchor := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

	// Steps 0..2 accumulate 1+2+3 hours from the anchor.
	got := CadenceTime(anchor, 2, 0)
	want := anchor.Add(6 * time.Hour)
	if !got.Equal(want) {
		t.Errorf("CadenceTime = %v, want %v", got, want)
	}
}

// The cadence is a pure function of its inputs: recomputing a step does not
// depend on when earlier steps fired.
func TestCadenceTimeDeterministic(t *testing.T) {
	t.Parallel()
	anchor := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

	for step := 0; step < len(fibonacciHours); step++ {
		a := CadenceTime(anchor, step, 1)
		b := CadenceTime(anchor, step, 1)
		if !a.Equal(b) {
			t.Fatalf("step %d: %v != %v", step, a, b)
		}
		if step > 0 && !a.After(CadenceTime(anchor, step-1, 1)) {
			t.Fatalf("step %d does not advance past step %d", step, step-1)
		}
	}
}

func TestCadenceTimeShiftAdvances(t *testing.T) {
	t.Parallel()
	anchor := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

	base := CadenceTime(anchor, 3, 0)
	shifted := CadenceTime(anchor, 3, 2)
	if !shifted.After(base) {
		t.Errorf("shifted cadence %v should land after base %v", shifted, base)
	}
}
