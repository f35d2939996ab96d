package realtime

import "time"

// ReconnectPolicy decides how long to wait before reconnect attempt n
// (1-based). Injected so embedders can trade reconnect latency against
// storm behavior under a sustained outage.
type ReconnectPolicy interface {
	NextDelay(attempt int) time.Duration
}

// ConstantBackoff waits the same delay before every attempt.
type ConstantBackoff struct {
	Delay time.Duration
}

func (p ConstantBackoff) NextDelay(int) time.Duration {
	return p.Delay
}

// ExponentialBackoff doubles the delay per attempt up to Max.
type ExponentialBackoff struct {
	Base time.Duration
	Max  time.Duration
}

func (p ExponentialBackoff) NextDelay(attempt int) time.Duration {
	d := p.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.Max {
			return p.Max
		}
	}
	if d > p.Max {
		return p.Max
	}
	return d
}
