// Package clientnet manages the player-facing endpoint: a pool of
// pre-registered client slots, token-based binding, lock-step broadcast
// and a gated receive window driven by the turn loop.
package clientnet

import (
	"context"
	"errors"
	"sync"
	"time"

	"turncast/server/internal/netio"
	"turncast/server/internal/proto"
	"turncast/server/logging"
)

// maxExceptions is how many recoverable faults a slot tolerates across
// its lifetime, decode failures and dropped connections alike, before
// it gives up for good.
const maxExceptions = 20

// handler owns one client slot: its staged outbound messages, the
// sender and receiver goroutines, and the last message that arrived
// while the receive window was open. The slot outlives any single
// connection; a client that reconnects with the right token takes the
// slot back over.
type handler struct {
	slot    int
	token   string
	accept  func() bool
	publish logging.Publisher

	mu         sync.Mutex
	cond       *sync.Cond
	staging    []proto.Message
	sendq      []proto.Message
	inflight   bool
	sock       *netio.Socket
	exceptions int

	bound     chan struct{}
	boundOnce sync.Once
	done      chan struct{}
	doneOnce  sync.Once

	recvMu       sync.Mutex
	lastReceived *proto.ReceivedMessage
	lastValid    *proto.ReceivedMessage
}

func newHandler(slot int, token string, accept func() bool, publish logging.Publisher) *handler {
	h := &handler{
		slot:    slot,
		token:   token,
		accept:  accept,
		publish: publish,
		bound:   make(chan struct{}),
		done:    make(chan struct{}),
	}
	h.cond = sync.NewCond(&h.mu)
	go h.senderLoop()
	return h
}

// queue stages a message without touching the wire. Staged messages are
// not visible to the sender until flush.
func (h *handler) queue(msg proto.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.staging = append(h.staging, msg)
}

// flush promotes every staged message to the send queue in order.
func (h *handler) flush() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.staging) == 0 {
		return
	}
	h.sendq = append(h.sendq, h.staging...)
	h.staging = h.staging[:0]
	h.cond.Broadcast()
}

// send bypasses staging and enqueues directly.
func (h *handler) send(msg proto.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sendq = append(h.sendq, msg)
	h.cond.Broadcast()
}

// waitDrained blocks until the send queue is empty and no send is in
// flight. A slot with no live connection does not block the caller; its
// backlog stays queued for the next bind.
func (h *handler) waitDrained() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for (len(h.sendq) > 0 || h.inflight) && !h.terminated() && h.liveLocked() {
		h.cond.Wait()
	}
}

func (h *handler) senderLoop() {
	for {
		msg, sock, ok := h.nextToSend()
		if !ok {
			return
		}
		err := sock.Send(msg)
		h.mu.Lock()
		h.inflight = false
		if err != nil {
			// Keep the message at the front so a reconnecting client
			// still receives the full backlog in order.
			h.sendq = append([]proto.Message{msg}, h.sendq...)
		}
		h.cond.Broadcast()
		h.mu.Unlock()
		if err != nil {
			h.dropSocket(sock)
		}
	}
}

func (h *handler) nextToSend() (proto.Message, *netio.Socket, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for !h.terminated() && (len(h.sendq) == 0 || !h.liveLocked()) {
		h.cond.Wait()
	}
	if h.terminated() {
		return proto.Message{}, nil, false
	}
	msg := h.sendq[0]
	h.sendq = h.sendq[1:]
	h.inflight = true
	return msg, h.sock, true
}

// bind installs a verified socket, replacing and closing any previous
// connection, and starts a receiver for it.
func (h *handler) bind(sock *netio.Socket) bool {
	h.mu.Lock()
	if h.terminated() {
		h.mu.Unlock()
		return false
	}
	old := h.sock
	h.sock = sock
	h.cond.Broadcast()
	h.mu.Unlock()
	if old != nil {
		old.Close()
	}
	h.boundOnce.Do(func() { close(h.bound) })
	go h.receiverLoop(sock)
	h.publish.Publish(context.Background(), logging.Event{
		Type:     logging.EventClientBound,
		Severity: logging.SeverityInfo,
		Category: logging.CategoryNetwork,
		Endpoint: "client",
		Slot:     h.slot,
	})
	return true
}

func (h *handler) isBound() bool {
	select {
	case <-h.bound:
		return true
	default:
		return false
	}
}

// connected reports whether the slot currently has a live socket.
func (h *handler) connected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.liveLocked()
}

func (h *handler) liveLocked() bool {
	return h.sock != nil && !h.sock.IsClosed()
}

// waitUntilBound blocks up to timeout for the first client to claim the
// slot.
func (h *handler) waitUntilBound(timeout time.Duration) bool {
	if timeout <= 0 {
		return h.isBound()
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-h.bound:
		return true
	case <-h.done:
		return false
	case <-timer.C:
		return h.isBound()
	}
}

func (h *handler) receiverLoop(sock *netio.Socket) {
	for {
		msg, err := sock.Recv()
		if err != nil {
			// Malformed payloads leave the socket usable, so they only
			// cost the slot a strike.
			if errors.Is(err, netio.ErrDecode) {
				if h.countException() {
					return
				}
				continue
			}
			h.dropSocket(sock)
			return
		}
		h.store(msg)
	}
}

// dropSocket retires a failed connection. The slot stays alive for a
// reconnect unless the exception cap is reached. Errors on a socket
// that has already been replaced are not the slot's fault and do not
// count.
func (h *handler) dropSocket(sock *netio.Socket) {
	h.mu.Lock()
	current := h.sock == sock
	over := false
	if current {
		h.sock = nil
		h.exceptions++
		over = h.exceptions >= maxExceptions
	}
	h.cond.Broadcast()
	h.mu.Unlock()
	sock.Close()
	if over {
		h.terminate()
	}
}

// countException adds a strike and reports whether the cap was reached,
// terminating the slot when it was.
func (h *handler) countException() bool {
	h.mu.Lock()
	h.exceptions++
	over := h.exceptions >= maxExceptions
	h.mu.Unlock()
	if over {
		h.terminate()
	}
	return over
}

func (h *handler) store(msg proto.ReceivedMessage) {
	h.recvMu.Lock()
	defer h.recvMu.Unlock()
	h.lastReceived = &msg
	if h.accept() {
		h.lastValid = &msg
	}
}

// received returns the last message that arrived inside an open receive
// window, or false when none did.
func (h *handler) received() (proto.ReceivedMessage, bool) {
	h.recvMu.Lock()
	defer h.recvMu.Unlock()
	if h.lastValid == nil {
		return proto.ReceivedMessage{}, false
	}
	return *h.lastValid, true
}

// clearReceived forgets the cached message so a new window starts clean.
func (h *handler) clearReceived() {
	h.recvMu.Lock()
	defer h.recvMu.Unlock()
	h.lastReceived = nil
	h.lastValid = nil
}

func (h *handler) terminated() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// terminate closes the connection and wakes every waiter. Idempotent.
func (h *handler) terminate() {
	h.doneOnce.Do(func() {
		close(h.done)
		h.mu.Lock()
		if h.sock != nil {
			h.sock.Close()
			h.sock = nil
		}
		h.cond.Broadcast()
		h.mu.Unlock()
		h.publish.Publish(context.Background(), logging.Event{
			Type:     logging.EventClientTerminated,
			Severity: logging.SeverityInfo,
			Category: logging.CategoryNetwork,
			Endpoint: "client",
			Slot:     h.slot,
		})
	})
}
