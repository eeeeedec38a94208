package pacing

import (
	"math"
	"time"
)

// StaleTimePercent is the sentinel returned by TimePercent when a window's
// reset timestamp has passed beyond the grace period. A fresh usage
// snapshot should have rolled the window over by then, so the window data
// cannot be trusted and consumers must fail open.
const StaleTimePercent = -1.0

// resetGracePeriod is how long past a reset timestamp the window is still
// treated as fully elapsed rather than stale. Usage API snapshots lag the
// actual reset by up to a polling interval.
const resetGracePeriod = 5 * time.Minute

// Window identifies which rate-limit window constrained a decision.
type Window string

const (
	WindowNone     Window = ""
	WindowFiveHour Window = "5-hour"
	WindowSevenDay Window = "7-day"
)

const (
	FiveHourWindow = 5 * time.Hour
	SevenDayWindow = 168 * time.Hour
)

// TimePercent reports how much of the window ending at resetsAt has
// elapsed, as a percentage clamped to [0,100]. A zero resetsAt means the
// window is inactive and reports 0. A resetsAt more than the grace period
// in the past returns StaleTimePercent.
func TimePercent(resetsAt time.Time, window time.Duration, now time.Time) float64 {
	if resetsAt.IsZero() {
		return 0
	}

	remaining := resetsAt.Sub(now)
	if remaining <= 0 {
		if now.Sub(resetsAt) <= resetGracePeriod {
			return 100
		}
		return StaleTimePercent
	}

	elapsed := window - remaining
	pct := float64(elapsed) / float64(window) * 100
	return math.Max(0, math.Min(100, pct))
}

// LogarithmicTarget computes the allowed-by-now utilization for the 5-hour
// window: target = 100 * ln(1 + t*(e-1)) for elapsed fraction t. The curve
// permits front-loaded use and tightens as the window closes.
func LogarithmicTarget(timePercent float64) float64 {
	if timePercent <= 0 {
		return 0
	}
	if timePercent >= 100 {
		return 100
	}
	fraction := timePercent / 100
	return 100 * math.Log(1+fraction*(math.E-1))
}

// LinearTarget computes the allowed-by-now utilization for the 7-day
// window, which expects roughly even consumption.
func LinearTarget(timePercent float64) float64 {
	return math.Max(0, math.Min(100, timePercent))
}

// Constrained names the window whose actual utilization exceeds its pacing
// target by the largest margin, with the margin itself.
type Constrained struct {
	Window    Window
	Deviation float64
}

// MostConstrainedWindow picks the active window with the highest deviation
// over target. A nil utilization marks an inactive window.
func MostConstrainedWindow(fiveHourUtil *float64, fiveHourTarget float64, sevenDayUtil *float64, sevenDayTarget float64) Constrained {
	var fiveHourDev, sevenDayDev *float64
	if fiveHourUtil != nil {
		d := *fiveHourUtil - fiveHourTarget
		fiveHourDev = &d
	}
	if sevenDayUtil != nil {
		d := *sevenDayUtil - sevenDayTarget
		sevenDayDev = &d
	}

	switch {
	case fiveHourDev == nil && sevenDayDev == nil:
		return Constrained{Window: WindowNone}
	case fiveHourDev == nil:
		return Constrained{Window: WindowSevenDay, Deviation: *sevenDayDev}
	case sevenDayDev == nil:
		return Constrained{Window: WindowFiveHour, Deviation: *fiveHourDev}
	case *fiveHourDev >= *sevenDayDev:
		return Constrained{Window: WindowFiveHour, Deviation: *fiveHourDev}
	default:
		return Constrained{Window: WindowSevenDay, Deviation: *sevenDayDev}
	}
}

// DelayForDeviation scales a throttle delay to the overage magnitude:
// delay = base * (1 + 2*excess), clamped to [base, max]. At or under the
// threshold the delay is zero.
func DelayForDeviation(deviationPercent float64, basedelay, threshold, maxDelay int) int {
	if deviationPercent <= float64(threshold) {
		return 0
	}
	excess := deviationPercent - float64(threshold)
	delay := float64(basedelay) * (1 + 2*excess)
	clamped := math.Max(float64(basedelay), math.Min(delay, float64(maxDelay)))
	return int(clamped)
}
