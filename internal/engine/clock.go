package engine

import "time"

// Clock supplies wall-clock time for timestamps, expiry checks and policy
// resolution. Ordering never depends on it: audit order comes from the
// store's sequence number.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the real clock in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }
