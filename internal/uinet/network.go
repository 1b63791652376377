// Package uinet manages the single spectator endpoint. One UI client is
// live at a time; a newer connection presenting the right token takes
// over from the old one.
package uinet

import (
	"context"
	"errors"
	"sync"
	"time"

	"turncast/server/internal/netio"
	"turncast/server/internal/proto"
	"turncast/server/logging"
)

// DefaultVerifyTimeout bounds how long a fresh UI connection may wait
// before presenting its token.
const DefaultVerifyTimeout = 10 * time.Second

// ErrTerminated reports a send attempted after the endpoint shut down.
var ErrTerminated = errors.New("uinet: terminated")

// Options configures a Network. Zero values fall back to defaults.
type Options struct {
	Token         string
	Publish       logging.Publisher
	VerifyTimeout time.Duration
}

type item struct {
	msg  proto.Message
	done chan struct{}
}

// Network owns the UI connection and an unbounded outbound queue. The
// queue survives client churn, so messages produced before the UI
// attaches are delivered once it does.
type Network struct {
	token         string
	publish       logging.Publisher
	verifyTimeout time.Duration
	listener      *netio.Listener

	mu         sync.Mutex
	cond       *sync.Cond
	queue      []item
	sock       *netio.Socket
	bindSignal chan struct{}
	done       chan struct{}
	doneOnce   sync.Once
}

// NewNetwork builds an idle UI endpoint keyed by token.
func NewNetwork(opts Options) *Network {
	publish := opts.Publish
	if publish == nil {
		publish = logging.NopPublisher()
	}
	verify := opts.VerifyTimeout
	if verify <= 0 {
		verify = DefaultVerifyTimeout
	}
	n := &Network{
		token:         opts.Token,
		publish:       publish,
		verifyTimeout: verify,
		bindSignal:    make(chan struct{}),
		done:          make(chan struct{}),
	}
	n.cond = sync.NewCond(&n.mu)
	n.listener = netio.NewListener(n.verify)
	go n.senderLoop()
	return n
}

// Listen starts accepting UI connections on port.
func (n *Network) Listen(port int) error {
	return n.listener.Listen(port)
}

// Addr exposes the bound address for tests.
func (n *Network) Addr() string {
	addr := n.listener.Addr()
	if addr == nil {
		return ""
	}
	return addr.String()
}

func (n *Network) verify(sock *netio.Socket) {
	if err := sock.SetReadDeadline(time.Now().Add(n.verifyTimeout)); err != nil {
		sock.Close()
		return
	}
	msg, err := sock.Recv()
	if err != nil || msg.Name != proto.NameToken {
		sock.Close()
		return
	}
	token, ok := msg.StringArg(0)
	if !ok || token != n.token {
		sock.Close()
		n.publish.Publish(context.Background(), logging.Event{
			Type:     logging.EventClientRejected,
			Severity: logging.SeverityWarn,
			Category: logging.CategoryNetwork,
			Endpoint: "ui",
			Slot:     -1,
		})
		return
	}
	if err := sock.SetReadDeadline(time.Time{}); err != nil {
		sock.Close()
		return
	}
	n.attach(sock)
}

// attach swaps the live client. The previous connection, if any, is
// closed in favor of the newcomer.
func (n *Network) attach(sock *netio.Socket) {
	n.mu.Lock()
	old := n.sock
	n.sock = sock
	close(n.bindSignal)
	n.bindSignal = make(chan struct{})
	n.cond.Broadcast()
	n.mu.Unlock()
	if old != nil {
		old.Close()
	}
	n.publish.Publish(context.Background(), logging.Event{
		Type:     logging.EventClientBound,
		Severity: logging.SeverityInfo,
		Category: logging.CategoryNetwork,
		Endpoint: "ui",
		Slot:     -1,
	})
	// Drain the read side so a client that talks back cannot fill the
	// kernel buffer. Received data carries no meaning on this endpoint.
	go func() {
		for {
			if _, err := sock.Recv(); err != nil {
				return
			}
		}
	}()
}

// HasClient reports whether a UI client is currently attached.
func (n *Network) HasClient() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sock != nil && !n.sock.IsClosed()
}

// WaitForClient blocks until a client is attached or timeout passes.
func (n *Network) WaitForClient(timeout time.Duration) bool {
	if n.HasClient() {
		return true
	}
	return n.WaitForNewClient(timeout)
}

// WaitForNewClient blocks for a bind that happens after this call.
func (n *Network) WaitForNewClient(timeout time.Duration) bool {
	n.mu.Lock()
	signal := n.bindSignal
	n.mu.Unlock()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-signal:
		return true
	case <-n.done:
		return false
	case <-timer.C:
		return false
	}
}

// Send queues msg for delivery and returns immediately.
func (n *Network) Send(msg proto.Message) {
	n.enqueue(item{msg: msg})
}

// SendBlocking queues msg and waits until it is written to a client.
// It returns ErrTerminated only when the endpoint shuts down first.
func (n *Network) SendBlocking(msg proto.Message) error {
	it := item{msg: msg, done: make(chan struct{})}
	n.enqueue(it)
	select {
	case <-it.done:
		return nil
	case <-n.done:
		return ErrTerminated
	}
}

func (n *Network) enqueue(it item) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.queue = append(n.queue, it)
	n.cond.Broadcast()
}

// QueueLen exposes the backlog size for tests and status reporting.
func (n *Network) QueueLen() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.queue)
}

func (n *Network) senderLoop() {
	for {
		it, ok := n.next()
		if !ok {
			return
		}
		if !n.deliver(it) {
			return
		}
	}
}

func (n *Network) next() (item, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for len(n.queue) == 0 {
		if n.terminated() {
			return item{}, false
		}
		n.cond.Wait()
	}
	it := n.queue[0]
	n.queue = n.queue[1:]
	return it, true
}

// deliver retries across client swaps until the message is written.
func (n *Network) deliver(it item) bool {
	for {
		n.mu.Lock()
		sock := n.sock
		signal := n.bindSignal
		n.mu.Unlock()
		if sock == nil || sock.IsClosed() {
			select {
			case <-signal:
				continue
			case <-n.done:
				return false
			}
		}
		if err := sock.Send(it.msg); err != nil {
			n.dropClient(sock)
			continue
		}
		if it.done != nil {
			close(it.done)
		}
		return true
	}
}

func (n *Network) dropClient(sock *netio.Socket) {
	sock.Close()
	n.mu.Lock()
	if n.sock == sock {
		n.sock = nil
	}
	n.mu.Unlock()
}

func (n *Network) terminated() bool {
	select {
	case <-n.done:
		return true
	default:
		return false
	}
}

// Terminate stops the endpoint, drops the client and abandons the
// remaining backlog.
func (n *Network) Terminate() {
	n.doneOnce.Do(func() {
		close(n.done)
		n.listener.Terminate()
		n.mu.Lock()
		if n.sock != nil {
			n.sock.Close()
			n.sock = nil
		}
		n.cond.Broadcast()
		n.mu.Unlock()
	})
}
