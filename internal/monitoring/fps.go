package monitoring

import "time"

// FPSMeter reports frames per second over consecutive windows. Not safe for
// concurrent use; the scheduler owns one per session.
type FPSMeter struct {
	Window time.Duration

	windowStart time.Time
	count       int
	fps         float64
}

// NewFPSMeter returns a meter with a one-second window.
func NewFPSMeter() *FPSMeter {
	return &FPSMeter{Window: time.Second}
}

// Tick records one frame at now and returns the latest completed-window
// rate. The first tick only opens the window.
func (m *FPSMeter) Tick(now time.Time) float64 {
	if m.windowStart.IsZero() {
		m.windowStart = now
		return m.fps
	}
	m.count++
	if elapsed := now.Sub(m.windowStart); elapsed >= m.Window {
		m.fps = float64(m.count) / elapsed.Seconds()
		m.count = 0
		m.windowStart = now
	}
	return m.fps
}

// FPS returns the rate of the last completed window.
func (m *FPSMeter) FPS() float64 { return m.fps }

// Reset clears the meter.
func (m *FPSMeter) Reset() {
	*m = FPSMeter{Window: m.Window}
}
