package syncer

import "time"

// backoffDelay returns the retry delay after the given number of
// completed attempts: base doubled per attempt, capped.
func backoffDelay(base, cap time.Duration, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	if d > cap {
		return cap
	}
	return d
}
