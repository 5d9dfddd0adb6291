package gateway

import (
	"strings"
	"time"
)

// Pacing constants for human-like delays. Values are tuned to stay
// under the chat network's anti-abuse heuristics, not for throughput.
const (
	// readMarkPerChar is the simulated reading speed for read receipts.
	readMarkPerChar = 50 * time.Millisecond
	// readMarkCap bounds the length-derived portion of the read delay.
	readMarkCap = 3 * time.Second
	// readMarkBaseMin / readMarkBaseMax bound the base pause added on
	// top of the length-derived delay.
	readMarkBaseMin = 500 * time.Millisecond
	readMarkBaseMax = 2 * time.Second

	// typingPerWord is the simulated typing speed.
	typingPerWord = 200 * time.Millisecond
	// typingMin / typingMax clamp the overall typing duration.
	typingMin = 1500 * time.Millisecond
	typingMax = 8 * time.Second
	// typingJitter is the ± spread applied to the typing duration.
	typingJitter = time.Second

	// pausedAfterMin / pausedAfterMax bound the pause between the
	// "paused" presence update and the actual send.
	pausedAfterMin = 300 * time.Millisecond
	pausedAfterMax = 800 * time.Millisecond
)

// ReadMarkDelay returns how long to wait before marking an inbound
// message read: ~50 ms per character capped at 3 s, plus a 0.5–2 s
// base pause.
func ReadMarkDelay(messageLen int, rng RNG) time.Duration {
	read := time.Duration(messageLen) * readMarkPerChar
	if read > readMarkCap {
		read = readMarkCap
	}
	base := readMarkBaseMin + time.Duration(rng.Float64()*float64(readMarkBaseMax-readMarkBaseMin))
	return read + base
}

// TypingDelay returns how long to hold the "composing" presence before
// sending a reply: max(1.5 s, words · 200 ms + U(−1 s, +1 s)), capped
// at 8 s.
func TypingDelay(text string, rng RNG) time.Duration {
	words := len(strings.Fields(text))
	d := time.Duration(words) * typingPerWord
	d += time.Duration((rng.Float64()*2 - 1) * float64(typingJitter))
	if d < typingMin {
		d = typingMin
	}
	if d > typingMax {
		d = typingMax
	}
	return d
}

// PausedDelay returns the short pause between sending the "paused"
// presence and the message itself: U(300, 800) ms.
func PausedDelay(rng RNG) time.Duration {
	return pausedAfterMin + time.Duration(rng.Float64()*float64(pausedAfterMax-pausedAfterMin))
}

// Jitter applies multiplicative jitter in [−frac, +frac] to d.
func Jitter(d time.Duration, frac float64, rng RNG) time.Duration {
	if d <= 0 || frac <= 0 {
		return d
	}
	factor := 1 + (rng.Float64()*2-1)*frac
	return time.Duration(float64(d) * factor)
}

// Between returns a uniformly random duration in [lo, hi].
func Between(lo, hi time.Duration, rng RNG) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(rng.Float64()*float64(hi-lo))
}

// ReconnectDelay returns the exponential-backoff delay for reconnect
// attempt n (1-based): min(base · 2^(n−1), max). The result is
// non-decreasing in n.
func ReconnectDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		d = max
	}
	return d
}
