// Package watchdog implements fault supervision over the Task Table. It
// lives outside the core's critical section: the core itself exposes no
// timeout, so an external layer decides when a sender has waited long
// enough and forces it unblocked, and this package turns a peer that
// keeps causing forced-unblocks into a Faulted task without waiting for
// an explicit restart.
package watchdog

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/nimbuskernel/ipc-core/internal/config"
	"github.com/nimbuskernel/ipc-core/internal/ktable"
	"github.com/sony/gobreaker/v2"
)

var errForcedUnblock = errors.New("watchdog: sender forced unblocked waiting on this peer")

// FaultFunc is how the watchdog asks the engine to actually transition a
// task to Faulted. It is supplied by the rendezvous engine, which is the
// only component allowed to mutate the Task Table.
type FaultFunc func(target uint16, reason ktable.FaultReason)

// Watchdog tracks one circuit breaker per task index.
type Watchdog struct {
	mu       sync.Mutex
	breakers map[uint16]*gobreaker.CircuitBreaker[struct{}]
	cfg      config.Config
	logger   *slog.Logger
	fault    FaultFunc
}

// New builds a watchdog. fault is called synchronously the moment a
// breaker trips open, so callers should make it cheap and non-blocking:
// it runs under the caller's own bookkeeping path.
func New(cfg config.Config, logger *slog.Logger, fault FaultFunc) *Watchdog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watchdog{
		breakers: make(map[uint16]*gobreaker.CircuitBreaker[struct{}]),
		cfg:      cfg,
		logger:   logger,
		fault:    fault,
	}
}

func (w *Watchdog) breakerFor(target uint16) *gobreaker.CircuitBreaker[struct{}] {
	w.mu.Lock()
	defer w.mu.Unlock()

	if br, ok := w.breakers[target]; ok {
		return br
	}

	br := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "peer-watchdog",
		MaxRequests: 1,
		Timeout:     w.cfg.WatchdogOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= w.cfg.WatchdogFailureThreshold
		},
	})
	w.breakers[target] = br
	return br
}

// RecordForcedUnblock registers that a sender blocked on target had to be
// forced unblocked by the application-level timeout path. Once enough of
// these happen back to back the breaker trips and target is faulted.
func (w *Watchdog) RecordForcedUnblock(target uint16) {
	br := w.breakerFor(target)
	_, _ = br.Execute(func() (struct{}, error) { return struct{}{}, errForcedUnblock })

	if br.State() == gobreaker.StateOpen {
		w.logger.Warn("watchdog tripped, faulting task", slog.Int("task", int(target)))
		if w.fault != nil {
			w.fault(target, ktable.FaultWatchdogTimeout)
		}
	}
}

// RecordReplySuccess registers that target replied in time, counting as
// a success toward closing (or keeping closed) its breaker.
func (w *Watchdog) RecordReplySuccess(target uint16) {
	br := w.breakerFor(target)
	_, _ = br.Execute(func() (struct{}, error) { return struct{}{}, nil })
}

// State reports the current breaker state for target, for tests and
// diagnostics.
func (w *Watchdog) State(target uint16) gobreaker.State {
	return w.breakerFor(target).State()
}
