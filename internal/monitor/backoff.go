package monitor

import "time"

// backoffDelay returns the discovery-restart delay for attempt n,
// doubling from 1 s and capped at maxSeconds.
func backoffDelay(attempt int, maxSeconds int) time.Duration {
	// Cap the shift so large attempt counts can't overflow to zero.
	if attempt > 30 {
		attempt = 30
	}
	delay := time.Duration(1<<uint(attempt)) * time.Second
	max := time.Duration(maxSeconds) * time.Second
	if delay > max {
		return max
	}
	return delay
}
