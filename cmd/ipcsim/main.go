package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/nimbuskernel/ipc-core/internal/config"
	"github.com/nimbuskernel/ipc-core/internal/lease"
	"github.com/nimbuskernel/ipc-core/internal/rendezvous"
)

// task indices for this walkthrough: 0 is the highest-priority server,
// 1 and 2 are client tasks sending up-hill to it.
const (
	server  = uint16(0)
	client1 = uint16(1)
	client2 = uint16(2)
)

func main() {
	fmt.Println("IPC core simulation starting...")

	cfg := config.Default()
	cfg.TableSize = 4
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	engine := rendezvous.New(cfg, []int{0, 10, 10, 20}, logger)

	peer := func(idx uint16) rendezvous.TaskId {
		t, _ := engine.Snapshot(idx)
		return rendezvous.TaskId{Index: t.Index, Generation: t.Generation}
	}

	// Client 1 sends a short request and waits for a reply.
	go func() {
		in := make([]byte, 16)
		code, n, err := engine.Send(client1, peer(server), 1, []byte("ping"), in, nil)
		if err != nil {
			fmt.Println("client1 send error:", err)
			return
		}
		fmt.Printf("client1: reply code=%d body=%q\n", code, in[:n])
	}()

	// Client 2 offers a lease alongside its request.
	go func() {
		buf := []byte("shared scratch buffer")
		in := make([]byte, 16)
		code, n, err := engine.Send(client2, peer(server), 2, []byte("borrow"), in,
			[]lease.Descriptor{{Mem: buf, Attr: lease.RW}})
		if err != nil {
			fmt.Println("client2 send error:", err)
			return
		}
		fmt.Printf("client2: reply code=%d body=%q, buffer now %q\n", code, in[:n], buf)
	}()

	time.Sleep(10 * time.Millisecond)

	// Server drains both requests, demonstrating FIFO fairness and the
	// BORROW_WRITE path, then replies to each.
	for i := 0; i < 2; i++ {
		msg, err := engine.Recv(server, make([]byte, 64), 0, rendezvous.Open())
		if err != nil {
			fmt.Println("server recv error:", err)
			continue
		}
		fmt.Printf("server: got op=%d from=%s leases=%d\n", msg.Operation, msg.Sender, msg.LeaseCount)

		if msg.LeaseCount > 0 {
			if _, err := engine.BorrowWrite(server, msg.Sender, 0, 0, []byte("SERVER WROTE THIS")); err != nil {
				fmt.Println("server borrow_write error:", err)
			}
		}
		engine.Reply(server, msg.Sender, 0, []byte("ack"))
	}

	// A task that never replies: demonstrate the dead-code path via an
	// explicit restart of the peer it's blocked on.
	go func() {
		in := make([]byte, 4)
		code, _, _ := engine.Send(client1, peer(server), 9, []byte("orphaned"), in, nil)
		fmt.Printf("client1: peer restarted mid-call, got dead code 0x%08X\n", code)
	}()

	time.Sleep(10 * time.Millisecond)
	engine.Restart(server)

	time.Sleep(10 * time.Millisecond)

	// Notifications preempt pending senders: post a timer bit to the
	// server and show it surfaces before any queued SEND does.
	engine.Post(server, 0b1)
	notif, _ := engine.Recv(server, nil, 0b1, rendezvous.Open())
	fmt.Printf("server: drained notification bits=%#b is_notification=%v\n", notif.Operation, notif.IsNotification())

	fmt.Println("IPC core simulation done.")
}
