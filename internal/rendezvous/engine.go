// Package rendezvous implements the Rendezvous Engine and Notification
// Subsystem: SEND/RECV/REPLY matching, payload transfer, lease visibility
// handoff, and POST/notification delivery, all under one lock standing
// in for interrupts disabled across each syscall's critical section. No
// method here allocates on a matched path beyond the per-blocked-call
// wake channel described in internal/ktable.
package rendezvous

import (
	"context"
	"log/slog"
	"sync"

	"github.com/nimbuskernel/ipc-core/internal/config"
	"github.com/nimbuskernel/ipc-core/internal/diagnostics"
	"github.com/nimbuskernel/ipc-core/internal/ktable"
	"github.com/nimbuskernel/ipc-core/internal/lease"
	"github.com/nimbuskernel/ipc-core/internal/watchdog"
)

// Engine is the whole IPC core: a Task Table plus the matching algorithm
// over it. One Engine corresponds to one kernel image.
type Engine struct {
	mu     sync.Mutex
	table  *ktable.Table
	cfg    config.Config
	logger *slog.Logger
	diag   *diagnostics.Diagnostics
	watch  *watchdog.Watchdog
	seq    uint64
}

// New builds an Engine with cfg.TableSize slots. priorities[i] is slot
// i's starting priority (lower is more urgent); slots beyond
// len(priorities) start at priority 0.
func New(cfg config.Config, priorities []int, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		table:  ktable.New(cfg.TableSize, priorities),
		cfg:    cfg,
		logger: logger,
		diag:   diagnostics.New(cfg),
	}
	e.watch = watchdog.New(cfg, logger, e.watchdogFault)
	return e
}

func (e *Engine) nextSeq() uint64 {
	e.seq++
	return e.seq
}

func (e *Engine) taskId(t *ktable.Task) TaskId {
	return TaskId{Index: t.Index, Generation: t.Generation}
}

// noteDeadCode logs a dead-code delivery once per (index, generation),
// deduplicated through diag so a single restart or fault doesn't spam
// the log once per woken sender. Does not touch e.mu; safe to call
// whether or not the caller currently holds it.
func (e *Engine) noteDeadCode(idx uint16, gen uint8, msg string) {
	if e.diag.NoteDeadCode(idx, gen) {
		e.logger.Debug(msg, slog.Int("target", int(idx)), slog.Int("generation", int(gen)))
	}
}

// Send implements the SEND syscall.
func (e *Engine) Send(callerIdx uint16, target TaskId, op uint16, outMsg, inBuf []byte, leaseDescs []lease.Descriptor) (code uint32, replyLen int, err error) {
	e.mu.Lock()

	caller, ok := e.table.Get(callerIdx)
	if !ok {
		e.mu.Unlock()
		return 0, 0, ErrBadTask
	}

	// Identity first: a dead target is reported before any policy check
	// even looks at the message itself.
	targetTask, identOK := e.table.Identify(target)
	if targetTask == nil {
		e.mu.Unlock()
		return 0, 0, ErrBadTask
	}
	if !identOK || targetTask.State == ktable.Faulted {
		gen := targetTask.Generation
		idx := targetTask.Index
		e.mu.Unlock()
		e.noteDeadCode(idx, gen, "dead code returned to sender")
		return ktable.DeadCode(gen), 0, nil
	}

	if len(outMsg) > config.MaxPayload {
		e.mu.Unlock()
		return 0, 0, ErrPayloadTooLarge
	}
	leaseSet, err := lease.NewSet(leaseDescs)
	if err != nil {
		e.mu.Unlock()
		return 0, 0, err
	}
	if targetTask.Priority >= caller.Priority {
		e.mu.Unlock()
		return 0, 0, ErrUphillViolation
	}

	caller.SendArgs = ktable.SendArgs{
		Op:     op,
		OutMsg: outMsg,
		InBuf:  inBuf,
		Leases: leaseSet,
		Target: target,
	}

	if targetTask.State == ktable.BlockedInRecv && targetTask.RecvSource.Accepts(e.taskId(caller)) {
		e.transfer(caller, targetTask)
	} else {
		caller.SendArgs.SendSeq = e.nextSeq()
		caller.Peer = target
		caller.State = ktable.BlockedInSend
	}

	ch := caller.Park()
	e.mu.Unlock()

	<-ch

	e.mu.Lock()
	out := caller.SendOutcome()
	e.mu.Unlock()

	return out.Code, out.ReplyLen, nil
}

// transfer performs the single payload copy and lease handoff for the
// SEND-matches-a-waiting-RECV path and wakes the parked receiver; the
// RECV-matches-a-waiting-SEND path uses recvFromSender. Caller holds e.mu.
func (e *Engine) transfer(sender, receiver *ktable.Task) {
	out := sender.SendArgs.OutMsg
	n := copy(receiver.RecvBuf, out)
	_ = n // truncation is reported via MessageLen, not the copy count

	msg := ktable.RecvMessage{
		Sender:           e.taskId(sender),
		Operation:        uint32(sender.SendArgs.Op),
		MessageLen:       len(out),
		ResponseCapacity: len(sender.SendArgs.InBuf),
		LeaseCount:       sender.SendArgs.Leases.Count(),
	}

	sender.Peer = e.taskId(receiver)
	sender.State = ktable.BlockedInReply

	receiver.State = ktable.Runnable
	receiver.WakeRecv(msg, nil)
}

// Recv implements the RECV syscall.
func (e *Engine) Recv(callerIdx uint16, buf []byte, notifMask uint32, source Source) (RecvMessage, error) {
	e.mu.Lock()

	caller, ok := e.table.Get(callerIdx)
	if !ok {
		e.mu.Unlock()
		return RecvMessage{}, ErrBadTask
	}

	if matched := caller.NotifSet & notifMask; matched != 0 {
		caller.NotifSet &^= matched
		e.mu.Unlock()
		return RecvMessage{Sender: Kernel, Operation: matched}, nil
	}

	if source.Kind == ktable.SourceClosed {
		peerTask, identOK := e.table.Identify(source.Peer)
		if peerTask == nil {
			e.mu.Unlock()
			return RecvMessage{}, ErrBadTask
		}
		if !identOK || peerTask.State == ktable.Faulted {
			gen := peerTask.Generation
			idx := peerTask.Index
			e.mu.Unlock()
			e.noteDeadCode(idx, gen, "dead code returned to closed receiver")
			return RecvMessage{}, deadCodeErr(gen)
		}
	}

	if sender := e.findWaitingSender(callerIdx, source); sender != nil {
		caller.RecvBuf = buf
		msg := e.recvFromSender(caller, sender)
		e.mu.Unlock()
		return msg, nil
	}

	caller.RecvSource = source
	caller.RecvBuf = buf
	caller.RecvNotifMask = notifMask
	caller.State = ktable.BlockedInRecv
	ch := caller.Park()
	e.mu.Unlock()

	<-ch

	e.mu.Lock()
	out := caller.RecvOutcome()
	e.mu.Unlock()

	return out.Msg, out.Err
}

// findWaitingSender returns the earliest-blocked sender (by SendSeq)
// currently BlockedInSend on callerIdx and accepted by source, or nil.
// Caller holds e.mu.
func (e *Engine) findWaitingSender(callerIdx uint16, source Source) *ktable.Task {
	var best *ktable.Task
	for i := range e.table.All() {
		t := &e.table.All()[i]
		if t.State != ktable.BlockedInSend || t.Peer.Index != callerIdx {
			continue
		}
		if !source.Accepts(e.taskId(t)) {
			continue
		}
		if best == nil || t.SendArgs.SendSeq < best.SendArgs.SendSeq {
			best = t
		}
	}
	return best
}

// recvFromSender performs the transfer for the RECV-initiated match
// path and returns the message the receiver sees immediately (the
// receiver is never parked in this path). Caller holds e.mu.
func (e *Engine) recvFromSender(receiver, sender *ktable.Task) RecvMessage {
	out := sender.SendArgs.OutMsg
	copy(receiver.RecvBuf, out)

	msg := ktable.RecvMessage{
		Sender:           e.taskId(sender),
		Operation:        uint32(sender.SendArgs.Op),
		MessageLen:       len(out),
		ResponseCapacity: len(sender.SendArgs.InBuf),
		LeaseCount:       sender.SendArgs.Leases.Count(),
	}

	sender.Peer = e.taskId(receiver)
	sender.State = ktable.BlockedInReply
	return msg
}

// Reply implements the REPLY syscall. Infallible: a mismatched or
// absent peer is a silent no-op, never an error.
func (e *Engine) Reply(callerIdx uint16, peer TaskId, code uint32, msg []byte) {
	e.mu.Lock()

	caller, ok := e.table.Get(callerIdx)
	if !ok {
		e.mu.Unlock()
		return
	}

	peerTask, identOK := e.table.Identify(peer)
	if peerTask == nil || !identOK {
		e.mu.Unlock()
		return
	}
	if peerTask.State != ktable.BlockedInReply || peerTask.Peer.Index != callerIdx || peerTask.Peer.Generation != caller.Generation {
		e.mu.Unlock()
		return
	}

	n := copy(peerTask.SendArgs.InBuf, msg)
	peerTask.SendArgs.Leases.Clear()
	peerTask.State = ktable.Runnable
	peerTask.WakeSend(code, n)

	e.mu.Unlock()

	e.watch.RecordReplySuccess(callerIdx)
}

// BorrowInfo implements BORROW_INFO.
func (e *Engine) BorrowInfo(callerIdx uint16, lender TaskId, idx uint8) (lease.Info, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	set, err := e.leaseSetFor(callerIdx, lender)
	if err != nil {
		return lease.Info{}, err
	}
	return set.Info(idx)
}

// BorrowRead implements BORROW_READ.
func (e *Engine) BorrowRead(callerIdx uint16, lender TaskId, idx uint8, offset uint32, dst []byte) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	set, err := e.leaseSetFor(callerIdx, lender)
	if err != nil {
		return 0, err
	}
	return set.Read(idx, offset, dst)
}

// BorrowWrite implements BORROW_WRITE.
func (e *Engine) BorrowWrite(callerIdx uint16, lender TaskId, idx uint8, offset uint32, src []byte) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	set, err := e.leaseSetFor(callerIdx, lender)
	if err != nil {
		return 0, err
	}
	return set.Write(idx, offset, src)
}

// leaseSetFor validates that lender is currently blocked in reply to
// callerIdx and returns its lease set. Caller holds e.mu.
func (e *Engine) leaseSetFor(callerIdx uint16, lender TaskId) (*lease.Set, error) {
	caller, ok := e.table.Get(callerIdx)
	if !ok {
		return nil, ErrBadTask
	}
	lenderTask, identOK := e.table.Identify(lender)
	if lenderTask == nil {
		return nil, ErrBadTask
	}
	if !identOK || lenderTask.State != ktable.BlockedInReply || lenderTask.Peer.Index != callerIdx || lenderTask.Peer.Generation != caller.Generation {
		return nil, ErrNotLender
	}
	return lenderTask.SendArgs.Leases, nil
}

// Post implements the kernel/interrupt/timer-sourced POST; it never
// blocks and never fails.
func (e *Engine) Post(targetIndex uint16, bits uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.postLocked(targetIndex, bits)
}

func (e *Engine) postLocked(targetIndex uint16, bits uint32) {
	target, ok := e.table.Get(targetIndex)
	if !ok {
		return
	}
	target.NotifSet |= bits

	if target.State == ktable.BlockedInRecv {
		if matched := target.NotifSet & target.RecvNotifMask; matched != 0 {
			target.NotifSet &^= matched
			target.State = ktable.Runnable
			target.WakeRecv(ktable.RecvMessage{Sender: Kernel, Operation: matched}, nil)
		}
	}
}

// PostFromTask implements the distinct task-originated POST syscall
// variant, which is subject to rate limiting. A throttled post is
// dropped silently; POST's contract is "never fails" either way.
func (e *Engine) PostFromTask(callerIdx, targetIndex uint16, bits uint32) {
	if !e.diag.AllowPost(callerIdx) {
		e.logger.Debug("post dropped by rate limiter", slog.Int("caller", int(callerIdx)))
		return
	}
	e.Post(targetIndex, bits)
}

// Restart bumps target's generation, wakes every task whose blocked
// state references target with a dead code carrying the new
// generation, and resets target itself.
func (e *Engine) Restart(target uint16) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.table.Get(target)
	if !ok {
		return
	}
	t.Generation++
	newGen := t.Generation

	e.unblockReferencesLocked(target, ktable.DeadCode(newGen))

	t.State = ktable.Runnable
	t.FaultReason = ktable.FaultNone
	if e.cfg.ClearNotifSetOnRestart {
		t.NotifSet = 0
	}
}

// Fault marks target Faulted directly, without a generation bump,
// covering a task that drops out of the send graph without an external
// restart. Idempotent.
func (e *Engine) Fault(target uint16, reason ktable.FaultReason) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.faultLocked(target, reason)
}

func (e *Engine) faultLocked(target uint16, reason ktable.FaultReason) {
	t, ok := e.table.Get(target)
	if !ok || t.State == ktable.Faulted {
		return
	}

	e.unblockReferencesLocked(target, ktable.DeadCode(t.Generation))

	t.State = ktable.Faulted
	t.FaultReason = reason
}

// watchdogFault adapts Engine.Fault to watchdog.FaultFunc.
func (e *Engine) watchdogFault(target uint16, reason ktable.FaultReason) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.faultLocked(target, reason)
}

// unblockReferencesLocked walks the table waking every task whose
// blocked state names target, delivering code. Caller holds e.mu.
func (e *Engine) unblockReferencesLocked(target uint16, code uint32) {
	if gen, ok := ktable.GenerationOf(code); ok {
		e.noteDeadCode(target, gen, "dead code broadcast to blocked peers")
	}
	for i := range e.table.All() {
		s := &e.table.All()[i]
		if s.Index == target {
			continue
		}
		switch {
		case (s.State == ktable.BlockedInSend || s.State == ktable.BlockedInReply) && s.Peer.Index == target:
			s.SendArgs.Leases.Clear()
			s.State = ktable.Runnable
			s.WakeSend(code, 0)
		case s.State == ktable.BlockedInRecv && s.RecvSource.Kind == ktable.SourceClosed && s.RecvSource.Peer.Index == target:
			s.State = ktable.Runnable
			s.WakeRecv(ktable.RecvMessage{}, &DeadCodeError{Code: code})
		}
	}
}

// ForceUnblock implements the supervisory timeout path: from the
// sender's perspective this is indistinguishable from the peer it was
// waiting on having restarted, so it resolves with a dead code and
// feeds the watchdog so repeated timeouts against the same peer
// eventually fault it.
func (e *Engine) ForceUnblock(senderIdx uint16) {
	e.mu.Lock()

	s, ok := e.table.Get(senderIdx)
	if !ok {
		e.mu.Unlock()
		return
	}
	if s.State != ktable.BlockedInSend && s.State != ktable.BlockedInReply {
		e.mu.Unlock()
		return
	}

	targetIdx := s.Peer.Index
	targetGen := s.Peer.Generation
	s.SendArgs.Leases.Clear()
	s.State = ktable.Runnable
	s.WakeSend(ktable.DeadCode(targetGen), 0)

	e.mu.Unlock()

	e.watch.RecordForcedUnblock(targetIdx)
}

// WaitRunnable blocks until idx is Runnable or ctx is done, for tests and
// demo harnesses that need to observe a state transition without polling
// the table directly. It is not part of the syscall surface.
func (e *Engine) WaitRunnable(ctx context.Context, idx uint16) bool {
	for {
		e.mu.Lock()
		t, ok := e.table.Get(idx)
		runnable := ok && t.State == ktable.Runnable
		e.mu.Unlock()
		if runnable {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		default:
		}
	}
}

// Snapshot returns a copy of task idx's descriptor for diagnostics/tests.
func (e *Engine) Snapshot(idx uint16) (ktable.Task, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.table.Get(idx)
	if !ok {
		return ktable.Task{}, false
	}
	return *t, true
}
