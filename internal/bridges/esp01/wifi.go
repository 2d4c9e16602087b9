package esp01

import (
	"context"
	"time"
)

// WiFi join defaults.
const (
	// DefaultJoinAttemptTimeout bounds one AT+CWJAP exchange.
	DefaultJoinAttemptTimeout = 5 * time.Second

	// joinBackoffFloor is the first delay after a failed attempt.
	joinBackoffFloor = time.Second

	// joinBackoffCeiling caps the delay between attempts.
	joinBackoffCeiling = 16 * time.Second

	// joinSleepSlice bounds one sleep so cancellation is noticed promptly.
	joinSleepSlice = 250 * time.Millisecond
)

// WifiJoiner joins the modem to an access point.
type WifiJoiner struct {
	exec   *Executor
	clock  Clock
	logger Logger

	// AttemptTimeout bounds one join command. Default: 5 seconds.
	AttemptTimeout time.Duration
}

// NewWifiJoiner creates a joiner issuing commands through exec.
func NewWifiJoiner(exec *Executor) *WifiJoiner {
	return &WifiJoiner{
		exec:           exec,
		clock:          exec.clock,
		logger:         exec.logger,
		AttemptTimeout: DefaultJoinAttemptTimeout,
	}
}

// Join retries AT+CWJAP until it succeeds, overall has elapsed since the
// first attempt, or ctx is cancelled. The delay between attempts starts
// at one second and doubles up to sixteen seconds.
//
// Join blocks; it runs once before the poll loop starts.
func (w *WifiJoiner) Join(ctx context.Context, ssid, password string, overall time.Duration) bool {
	command := JoinCommand(ssid, password)
	deadline := w.clock.Now().Add(overall)
	backoff := joinBackoffFloor

	for attempt := 1; ; attempt++ {
		result := w.exec.Execute(command, w.AttemptTimeout)
		if result == ResultSuccess {
			w.logger.Info("wifi joined", "ssid", ssid, "attempt", attempt)
			return true
		}

		remaining := deadline.Sub(w.clock.Now())
		if remaining <= 0 || ctx.Err() != nil {
			w.logger.Error("wifi join gave up", "ssid", ssid, "attempts", attempt, "result", result.String())
			return false
		}

		wait := min(backoff, remaining)
		w.logger.Warn("wifi join attempt failed", "ssid", ssid, "attempt", attempt, "result", result.String(), "backoff", wait)
		if !w.sleep(ctx, wait) {
			w.logger.Error("wifi join cancelled", "ssid", ssid, "attempts", attempt)
			return false
		}
		if !w.clock.Now().Before(deadline) {
			w.logger.Error("wifi join gave up", "ssid", ssid, "attempts", attempt, "result", result.String())
			return false
		}

		backoff = min(backoff*2, joinBackoffCeiling)
	}
}

// sleep waits d in slices, returning false if ctx is cancelled.
func (w *WifiJoiner) sleep(ctx context.Context, d time.Duration) bool {
	for d > 0 {
		if ctx.Err() != nil {
			return false
		}
		step := min(d, joinSleepSlice)
		w.clock.Sleep(step)
		d -= step
	}
	return ctx.Err() == nil
}
