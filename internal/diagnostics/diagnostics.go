// Package diagnostics implements a supervisory layer alongside the
// rendezvous engine: a token-bucket throttle on the task-originated
// POST syscall variant, and a Bloom filter used to deduplicate dead-code
// log lines when a restart wakes many blocked senders at once. Neither
// of these participates in rendezvous matching; they only decide what
// gets logged or silently dropped, never what the Task Table's state
// is.
package diagnostics

import (
	"fmt"
	"sync"
	"time"

	"github.com/nimbuskernel/ipc-core/internal/config"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/yasserelgammal/rate-limiter/limiter"
	"github.com/yasserelgammal/rate-limiter/store"
)

// Diagnostics bundles the POST throttle and the dead-code dedup cache.
// It is sized entirely from config at construction time and never grows,
// consistent with the core's no-allocation-on-the-IPC-path invariant.
type Diagnostics struct {
	postLimiter  *limiter.TokenBucket
	deadCodeMu   sync.Mutex
	deadCodeSeen *bloom.BloomFilter
}

// New builds a Diagnostics instance from cfg.
func New(cfg config.Config) *Diagnostics {
	st := store.NewMemoryStore(time.Minute)

	burst := cfg.PostBurst
	if burst <= 0 {
		burst = 1
	}
	rate := int64(1)
	duration := cfg.PostRateLimit
	if duration <= 0 {
		duration = time.Millisecond
	}

	tb, _ := limiter.NewTokenBucket(limiter.Config{
		Rate:     rate,
		Duration: duration,
		Burst:    burst,
	}, st)

	return &Diagnostics{
		postLimiter:  tb,
		deadCodeSeen: bloom.NewWithEstimates(cfg.DeadCodeCacheExpected, cfg.DeadCodeCacheFalsePosRt),
	}
}

// AllowPost decides whether a task-originated POST from caller should be
// accepted or silently dropped. Interrupt/timer/kernel posts never call
// this; only the distinct cross-task POST syscall variant is throttled.
// A dropped post is indistinguishable from one that arrived and found
// the bit already set: POST's "never fails" contract holds either way.
func (d *Diagnostics) AllowPost(caller uint16) bool {
	if d == nil || d.postLimiter == nil {
		return true
	}
	return d.postLimiter.Allow(key(caller))
}

// NoteDeadCode records that (index, generation) was just delivered as a
// dead code, and reports whether this is the first time it's been seen.
// The filter is never reset, and a Bloom false positive can report a
// new pair as already seen. Callers use this to log once per restart
// instead of once per woken sender. Safe for concurrent use.
func (d *Diagnostics) NoteDeadCode(index uint16, generation uint8) (firstSeen bool) {
	d.deadCodeMu.Lock()
	defer d.deadCodeMu.Unlock()
	id := deadCodeKey(index, generation)
	if d.deadCodeSeen.TestString(id) {
		return false
	}
	d.deadCodeSeen.AddString(id)
	return true
}

func key(caller uint16) string {
	return fmt.Sprintf("post:%d", caller)
}

func deadCodeKey(index uint16, generation uint8) string {
	return fmt.Sprintf("%d:%d", index, generation)
}
