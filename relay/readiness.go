package relay

import "time"

// Readiness is the reporting state of the relay. Its With* methods return the next state
// and whether a transition happened, the caller publishes and logs it.
type Readiness struct {
	Ready        bool
	Since        time.Time
	ReadyTime    time.Duration
	NotReadyTime time.Duration
	Transitions  uint

	Alerted   bool
	AlertedAt time.Time
}

func NewReadiness(now time.Time) Readiness {
	return Readiness{Since: now}
}

func (r Readiness) WithReady(ready bool, now time.Time) (Readiness, bool) {
	if r.Ready == ready {
		return r, false
	}
	elapsed := now.Sub(r.Since)
	if r.Ready {
		r.ReadyTime += elapsed
	} else {
		r.NotReadyTime += elapsed
	}
	r.Ready = ready
	r.Since = now
	r.Transitions++
	return r, true
}

// WithAlert marks the relay alerted since blockTime; a later alert extends the window.
func (r Readiness) WithAlert(blockTime time.Time) Readiness {
	if !r.Alerted || blockTime.After(r.AlertedAt) {
		r.AlertedAt = blockTime
	}
	r.Alerted = true
	return r
}

// WithAlertExpired clears the alert once delay has elapsed since the alerting block.
func (r Readiness) WithAlertExpired(blockTime time.Time, delay time.Duration) (Readiness, bool) {
	if !r.Alerted || blockTime.Before(r.AlertedAt.Add(delay)) {
		return r, false
	}
	r.Alerted = false
	r.AlertedAt = time.Time{}
	return r, true
}

// Durations includes the time spent in the current state up to now.
func (r Readiness) Durations(now time.Time) (ready, notReady time.Duration) {
	ready, notReady = r.ReadyTime, r.NotReadyTime
	if r.Ready {
		ready += now.Sub(r.Since)
	} else {
		notReady += now.Sub(r.Since)
	}
	return ready, notReady
}
