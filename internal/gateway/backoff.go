package gateway

import "time"

// ReconnectDelay returns min(base * 2^retry, max). Non-positive base or max
// select the defaults. Never overflows, however large retry gets.
func ReconnectDelay(retry int, base, max time.Duration) time.Duration {
	if base <= 0 {
		base = DefaultBaseDelay
	}
	if max <= 0 {
		max = DefaultMaxDelay
	}

	d := base
	for i := 0; i < retry; i++ {
		if d > max/2 {
			return max
		}
		d *= 2
	}
	if d > max {
		return max
	}
	return d
}
