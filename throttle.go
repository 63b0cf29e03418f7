package rudp

import "time"

// Throttle is the adaptive probability, in units of 1/ThrottleScale, that
// an unreliable packet is put on the wire. Acknowledgements that arrive
// within the expected round trip raise it by Acceleration; late or
// missing ones lower it by Deceleration. Outcomes are collected
// continuously and applied once per Interval.
type Throttle struct {
	interval     time.Duration
	acceleration uint32
	deceleration uint32

	value   uint32
	counter uint32

	epoch        time.Time
	lastRTT      time.Duration
	lastVariance time.Duration

	lowestRTT       time.Duration
	highestVariance time.Duration
	good            int
	bad             int
}

// NewThrottle returns a throttle at its ceiling.
func NewThrottle(interval time.Duration, acceleration, deceleration uint32) *Throttle {
	t := &Throttle{value: ThrottleScale}
	t.Configure(interval, acceleration, deceleration)
	return t
}

// Configure replaces the tunables. They apply from the next evaluation.
func (t *Throttle) Configure(interval time.Duration, acceleration, deceleration uint32) {
	t.interval = interval
	t.acceleration = acceleration
	t.deceleration = deceleration
}

// Interval returns the evaluation period.
func (t *Throttle) Interval() time.Duration { return t.interval }

// Acceleration returns the step applied after a good interval.
func (t *Throttle) Acceleration() uint32 { return t.acceleration }

// Deceleration returns the step applied after a bad interval.
func (t *Throttle) Deceleration() uint32 { return t.deceleration }

// Value returns the current throttle in [0, ThrottleScale].
func (t *Throttle) Value() uint32 { return t.value }

// Observe records an acknowledgement that measured rtt.
func (t *Throttle) Observe(rtt, variance time.Duration) {
	if t.lowestRTT == 0 || rtt < t.lowestRTT {
		t.lowestRTT = rtt
	}
	if variance > t.highestVariance {
		t.highestVariance = variance
	}

	if t.lastRTT == 0 || rtt <= t.lastRTT+2*t.lastVariance {
		t.good++
	} else {
		t.bad++
	}
}

// Miss records a reliable command whose acknowledgement timed out.
func (t *Throttle) Miss() { t.bad++ }

// Evaluate applies the outcomes collected since the last evaluation if
// a full interval has passed. It reports whether an evaluation ran.
func (t *Throttle) Evaluate(now time.Time) bool {
	if t.epoch.IsZero() {
		t.epoch = now
		return false
	}
	if now.Sub(t.epoch) < t.interval {
		return false
	}

	switch {
	case t.bad > 0:
		if t.value > t.deceleration {
			t.value -= t.deceleration
		} else {
			t.value = 0
		}
	case t.good > 0:
		t.value += t.acceleration
		if t.value > ThrottleScale {
			t.value = ThrottleScale
		}
	}

	if t.lowestRTT > 0 {
		t.lastRTT = t.lowestRTT
		t.lastVariance = t.highestVariance
	}
	t.lowestRTT = 0
	t.highestVariance = 0
	t.good = 0
	t.bad = 0
	t.epoch = now
	return true
}

// Allow decides whether the next unreliable packet is sent. The counter
// walks the scale in fixed steps so drops are spread evenly rather than
// drawn at random.
func (t *Throttle) Allow() bool {
	if t.value >= ThrottleScale {
		return true
	}
	t.counter = (t.counter + throttleCounterStep) % ThrottleScale
	return t.counter < t.value
}

// window scales a reliable window by the throttle, never below one MTU.
func (t *Throttle) window(size uint32, mtu int) uint32 {
	w := uint64(size) * uint64(t.value) / ThrottleScale
	if w < uint64(mtu) {
		return uint32(mtu)
	}
	return uint32(w)
}
