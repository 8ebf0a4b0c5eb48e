// Package config holds the static, boot-time configuration of the IPC
// core. There is no flag parsing or file loading here, since the core is
// a library embedded by a kernel image, not a standalone daemon: just a
// plain struct plus a Default() constructor callers override.
package config

import "time"

// MaxPayload and MaxLeases are fixed by the IPC wire contract, expressed
// here so the rest of the core can refer to one name.
const (
	MaxPayload = 256
	MaxLeases  = 255
	NotifWidth = 32
)

// Config is the full set of policy knobs the core and its surrounding
// supervisory layers (watchdog, diagnostics) read at construction time.
type Config struct {
	// TableSize is N, the fixed number of task slots.
	TableSize int

	// ClearNotifSetOnRestart decides whether a restarted task starts
	// with a clean notification set or keeps whatever bits were
	// pending. Default true.
	ClearNotifSetOnRestart bool

	// Watchdog: consecutive forced-unblocks against the same peer before
	// its circuit breaker trips it to Faulted.
	WatchdogFailureThreshold uint32
	// WatchdogOpenTimeout is how long the breaker stays open before
	// allowing one half-open probe reply through.
	WatchdogOpenTimeout time.Duration

	// Diagnostics: token-bucket limits on the task-originated POST
	// syscall variant only; interrupt/timer/kernel posts are never
	// throttled.
	PostRateLimit time.Duration // minimum interval between accepted posts per caller
	PostBurst     int64

	// Diagnostics: sizing for the recently-faulted dead-code dedup
	// cache. Sized once at boot, never grows.
	DeadCodeCacheExpected   uint
	DeadCodeCacheFalsePosRt float64
}

// Default returns sane defaults for a small embedded deployment.
func Default() Config {
	return Config{
		TableSize:                64,
		ClearNotifSetOnRestart:   true,
		WatchdogFailureThreshold: 3,
		WatchdogOpenTimeout:      2 * time.Second,
		PostRateLimit:            time.Millisecond,
		PostBurst:                32,
		DeadCodeCacheExpected:    256,
		DeadCodeCacheFalsePosRt:  0.01,
	}
}
