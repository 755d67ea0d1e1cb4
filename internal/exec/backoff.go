package exec

import "time"

const maxBackoff = 30 * time.Second

// Backoff returns the wait before retry number attempt (0-based): base
// doubled per attempt, capped. Pure, so every retry delay is computable and
// observable up front.
func Backoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = 250 * time.Millisecond
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}
