package peer

import "time"

// DefaultRelayFallbackTimeout bounds how long direct/STUN connectivity may
// take before the connection is rebuilt relay-only.
const DefaultRelayFallbackTimeout = 7 * time.Second

// timerFactory abstracts time.AfterFunc so tests can fire the fallback
// deterministically.
type timerFactory func(d time.Duration, fn func()) stopTimer

type stopTimer interface {
	Stop() bool
}

func realTimerFactory(d time.Duration, fn func()) stopTimer {
	return time.AfterFunc(d, fn)
}
