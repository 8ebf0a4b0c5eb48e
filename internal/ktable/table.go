package ktable

import "github.com/nimbuskernel/ipc-core/internal/lease"

// RecvMessage is what a successful RECV (or a synthesized notification)
// delivers to the caller.
type RecvMessage struct {
	Sender           TaskId
	Operation        uint32
	MessageLen       int
	ResponseCapacity int
	LeaseCount       int
}

// IsNotification reports whether this message was synthesized from
// pending notification bits rather than a real sender.
func (m RecvMessage) IsNotification() bool {
	return m.Sender.IsKernel()
}

// SendArgs is the operation state a task carries while BlockedInSend or
// BlockedInReply: the outgoing message, the buffer it wants its response
// copied into, the leases it is offering, and who it is talking to.
type SendArgs struct {
	Op      uint16
	OutMsg  []byte
	InBuf   []byte
	Leases  *lease.Set
	Target  TaskId
	SendSeq uint64 // stamped on block entry; breaks ties FIFO on open RECV
}

// SendOutcome is what SEND is ultimately resolved with.
type SendOutcome struct {
	Code     uint32
	ReplyLen int
}

// RecvOutcome is what a blocked RECV is ultimately resolved with.
type RecvOutcome struct {
	Msg RecvMessage
	Err error
}

// Task is one slot of the Task Table: everything the core needs to know
// about a single task's IPC state. There is no dynamic storage here
// beyond what's needed to hold the syscall arguments of the one
// operation a task may be blocked in. The table never grows.
type Task struct {
	Index      uint16
	Generation uint8
	Priority   int

	State State

	// Peer is meaningful for BlockedInSend and BlockedInReply: who this
	// task is talking to.
	Peer TaskId

	// RecvSource/RecvBuf/RecvNotifMask are meaningful only while
	// BlockedInRecv.
	RecvSource    Source
	RecvBuf       []byte
	RecvNotifMask uint32

	// SendArgs is meaningful while BlockedInSend or BlockedInReply.
	SendArgs SendArgs

	NotifSet uint32

	FaultReason FaultReason

	wake    chan struct{}
	sendOut SendOutcome
	recvOut RecvOutcome
}

// Park allocates the wake signal for a blocking call: the one piece of
// storage the core needs for the duration of a single blocked syscall.
func (t *Task) Park() chan struct{} {
	ch := make(chan struct{}, 1)
	t.wake = ch
	return ch
}

// WakeSend resolves a blocked SEND and makes the task runnable again. The
// caller must hold the table's lock.
func (t *Task) WakeSend(code uint32, replyLen int) {
	t.sendOut = SendOutcome{Code: code, ReplyLen: replyLen}
	t.signal()
}

// WakeRecv resolves a blocked RECV. The caller must hold the table's lock.
func (t *Task) WakeRecv(msg RecvMessage, err error) {
	t.recvOut = RecvOutcome{Msg: msg, Err: err}
	t.signal()
}

// SendOutcome returns the last outcome delivered by WakeSend.
func (t *Task) SendOutcome() SendOutcome { return t.sendOut }

// RecvOutcome returns the last outcome delivered by WakeRecv.
func (t *Task) RecvOutcome() RecvOutcome { return t.recvOut }

func (t *Task) signal() {
	if t.wake != nil {
		select {
		case t.wake <- struct{}{}:
		default:
		}
	}
}

// Table is the fixed-size, boot-allocated array of task descriptors.
type Table struct {
	tasks []Task
}

// New builds a table with n slots, indices 0..n-1, generation 0,
// priority assigned from priorities (index i gets priorities[i], or 0 if
// priorities is shorter than n).
func New(n int, priorities []int) *Table {
	tasks := make([]Task, n)
	for i := range tasks {
		tasks[i].Index = uint16(i)
		tasks[i].State = Runnable
		if i < len(priorities) {
			tasks[i].Priority = priorities[i]
		}
	}
	return &Table{tasks: tasks}
}

// Len returns the number of slots.
func (tb *Table) Len() int { return len(tb.tasks) }

// Get returns the slot at idx, or false if out of range.
func (tb *Table) Get(idx uint16) (*Task, bool) {
	if int(idx) >= len(tb.tasks) {
		return nil, false
	}
	return &tb.tasks[idx], true
}

// Identify validates a TaskId against the table: range, generation match.
// It does not check Faulted; callers decide whether Faulted counts as a
// match failure for their own operation.
func (tb *Table) Identify(id TaskId) (*Task, bool) {
	t, ok := tb.Get(id.Index)
	if !ok {
		return nil, false
	}
	return t, t.Generation == id.Generation
}

// All returns every slot, for scans bounded by table size (never
// unbounded, never allocating beyond this fixed backing array).
func (tb *Table) All() []Task { return tb.tasks }
