package pacing

import (
	"math"
	"testing"
	"time"
)

func TestTimePercent(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		resetsAt time.Time
		window   time.Duration
		want     float64
		within   float64
	}{
		{
			name:     "inactive window reports zero",
			resetsAt: time.Time{},
			window:   FiveHourWindow,
			want:     0,
		},
		{
			name:     "halfway through five hour window",
			resetsAt: now.Add(150 * time.Minute),
			window:   FiveHourWindow,
			want:     50,
			within:   1,
		},
		{
			name:     "reset three minutes ago is fully elapsed",
			resetsAt: now.Add(-3 * time.Minute),
			window:   FiveHourWindow,
			want:     100,
		},
		{
			name:     "reset six minutes ago is stale",
			resetsAt: now.Add(-6 * time.Minute),
			window:   FiveHourWindow,
			want:     StaleTimePercent,
		},
		{
			name:     "window just opened",
			resetsAt: now.Add(FiveHourWindow),
			window:   FiveHourWindow,
			want:     0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := TimePercent(tt.resetsAt, tt.window, now)
			if tt.within > 0 {
				if math.Abs(got-tt.want) > tt.within {
					t.Fatalf("TimePercent() = %v, want %v +- %v", got, tt.want, tt.within)
				}
				return
			}
			if got != tt.want {
				t.Fatalf("TimePercent() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLogarithmicTarget(t *testing.T) {
	t.Parallel()

	if got := LogarithmicTarget(0); got != 0 {
		t.Fatalf("LogarithmicTarget(0) = %v, want 0", got)
	}
	if got := LogarithmicTarget(100); got != 100 {
		t.Fatalf("LogarithmicTarget(100) = %v, want 100", got)
	}

	// The log curve front-loads allowance: at 50% elapsed the target must
	// sit well above the linear 50%.
	mid := LogarithmicTarget(50)
	if mid <= 50 || mid >= 100 {
		t.Fatalf("LogarithmicTarget(50) = %v, want in (50,100)", mid)
	}

	// Monotonic over the window.
	prev := 0.0
	for pct := 10.0; pct <= 100; pct += 10 {
		target := LogarithmicTarget(pct)
		if target < prev {
			t.Fatalf("LogarithmicTarget(%v) = %v decreased below %v", pct, target, prev)
		}
		prev = target
	}
}

func TestLinearTargetClamps(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   float64
		want float64
	}{
		{in: -5, want: 0},
		{in: 0, want: 0},
		{in: 37.5, want: 37.5},
		{in: 100, want: 100},
		{in: 140, want: 100},
	}
	for _, tt := range tests {
		if got := LinearTarget(tt.in); got != tt.want {
			t.Fatalf("LinearTarget(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func floatPtr(f float64) *float64 { return &f }

func TestMostConstrainedWindow(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		fiveHourUtil   *float64
		fiveHourTarget float64
		sevenDayUtil   *float64
		sevenDayTarget float64
		wantWindow     Window
		wantDeviation  float64
	}{
		{
			name:       "both inactive",
			wantWindow: WindowNone,
		},
		{
			name:           "only seven day active",
			sevenDayUtil:   floatPtr(30),
			sevenDayTarget: 20,
			wantWindow:     WindowSevenDay,
			wantDeviation:  10,
		},
		{
			name:           "only five hour active",
			fiveHourUtil:   floatPtr(80),
			fiveHourTarget: 60,
			wantWindow:     WindowFiveHour,
			wantDeviation:  20,
		},
		{
			name:           "five hour wins on higher deviation",
			fiveHourUtil:   floatPtr(90),
			fiveHourTarget: 50,
			sevenDayUtil:   floatPtr(40),
			sevenDayTarget: 30,
			wantWindow:     WindowFiveHour,
			wantDeviation:  40,
		},
		{
			name:           "seven day wins on higher deviation",
			fiveHourUtil:   floatPtr(55),
			fiveHourTarget: 50,
			sevenDayUtil:   floatPtr(60),
			sevenDayTarget: 30,
			wantWindow:     WindowSevenDay,
			wantDeviation:  30,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := MostConstrainedWindow(tt.fiveHourUtil, tt.fiveHourTarget, tt.sevenDayUtil, tt.sevenDayTarget)
			if got.Window != tt.wantWindow {
				t.Fatalf("window = %q, want %q", got.Window, tt.wantWindow)
			}
			if got.Deviation != tt.wantDeviation {
				t.Fatalf("deviation = %v, want %v", got.Deviation, tt.wantDeviation)
			}
		})
	}
}

func TestDelayForDeviation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		deviation float64
		want      int
	}{
		{name: "under threshold is zero", deviation: -3, want: 0},
		{name: "at threshold is zero", deviation: 0, want: 0},
		{name: "small overage scales from base", deviation: 1, want: 15},
		{name: "large overage hits cap", deviation: 80, want: 350},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := DelayForDeviation(tt.deviation, 5, 0, 350)
			if got != tt.want {
				t.Fatalf("DelayForDeviation(%v) = %d, want %d", tt.deviation, got, tt.want)
			}
		})
	}
}
