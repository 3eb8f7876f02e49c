package transport

import "time"

// TimeProvider abstracts the clock so timers can be tested deterministically.
type TimeProvider interface {
	Now() time.Time
}

// RealTimeProvider implements TimeProvider using the system clock.
type RealTimeProvider struct{}

// Now returns the current system time.
func (RealTimeProvider) Now() time.Time {
	return time.Now()
}

// DefaultTimeProvider is used by layers constructed without a clock.
var DefaultTimeProvider TimeProvider = RealTimeProvider{}

// TimeProviderOrDefault returns tp, or DefaultTimeProvider when tp is nil.
func TimeProviderOrDefault(tp TimeProvider) TimeProvider {
	if tp != nil {
		return tp
	}
	return DefaultTimeProvider
}
