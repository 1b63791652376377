package clientnet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"turncast/server/internal/netio"
	"turncast/server/internal/proto"
	"turncast/server/logging"
)

// DefaultVerifyTimeout bounds how long an unverified connection may sit
// on the wire before sending its token.
const DefaultVerifyTimeout = 1000 * time.Second

var (
	// ErrInvalidState reports a pool operation made while listening
	// when it requires an idle pool, or vice versa.
	ErrInvalidState = errors.New("clientnet: invalid state")
	// ErrDuplicateToken reports a token already claimed by a slot.
	ErrDuplicateToken = errors.New("clientnet: duplicate token")
)

// Options configures a Pool. Zero values fall back to defaults.
type Options struct {
	Publish       logging.Publisher
	VerifyTimeout time.Duration
}

// Pool is the player-facing endpoint. Slots are defined up front with
// their tokens; connections claim a slot by presenting the matching
// token as their first message.
type Pool struct {
	publish       logging.Publisher
	verifyTimeout time.Duration
	listener      *netio.Listener

	mu       sync.Mutex
	handlers []*handler
	byToken  map[string]*handler

	receiving atomic.Bool
}

// NewPool builds an idle pool with no defined slots.
func NewPool(opts Options) *Pool {
	publish := opts.Publish
	if publish == nil {
		publish = logging.NopPublisher()
	}
	verify := opts.VerifyTimeout
	if verify <= 0 {
		verify = DefaultVerifyTimeout
	}
	p := &Pool{
		publish:       publish,
		verifyTimeout: verify,
		byToken:       make(map[string]*handler),
	}
	p.listener = netio.NewListener(p.verify)
	return p
}

// DefineClient registers a slot keyed by token and returns its id.
// Slots can only be defined while the pool is not listening.
func (p *Pool) DefineClient(token string) (int, error) {
	if p.listener.Listening() {
		return 0, fmt.Errorf("%w: cannot define a client while listening", ErrInvalidState)
	}
	if !proto.ValidToken(token) {
		return 0, fmt.Errorf("%w: malformed token", ErrInvalidState)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.byToken[token]; exists {
		return 0, ErrDuplicateToken
	}
	id := len(p.handlers)
	h := newHandler(id, token, p.receiving.Load, p.publish)
	p.handlers = append(p.handlers, h)
	p.byToken[token] = h
	return id, nil
}

// Listen starts accepting client connections on port.
func (p *Pool) Listen(port int) error {
	return p.listener.Listen(port)
}

// Addr exposes the bound address for tests.
func (p *Pool) Addr() string {
	addr := p.listener.Addr()
	if addr == nil {
		return ""
	}
	return addr.String()
}

// verify runs on its own goroutine per accepted connection. The first
// frame must be a token message naming a free slot; anything else gets
// the connection closed without a reply.
func (p *Pool) verify(sock *netio.Socket) {
	deadline := time.Now().Add(p.verifyTimeout)
	if err := sock.SetReadDeadline(deadline); err != nil {
		sock.Close()
		return
	}
	msg, err := sock.Recv()
	if err != nil || msg.Name != proto.NameToken {
		p.reject(sock, "missing token")
		return
	}
	token, ok := msg.StringArg(0)
	if !ok {
		p.reject(sock, "malformed token")
		return
	}
	p.mu.Lock()
	h := p.byToken[token]
	p.mu.Unlock()
	if h == nil {
		p.reject(sock, "unknown token")
		return
	}
	if err := sock.SetReadDeadline(time.Time{}); err != nil {
		sock.Close()
		return
	}
	if !h.bind(sock) {
		p.reject(sock, "slot terminated")
		return
	}
}

func (p *Pool) reject(sock *netio.Socket, reason string) {
	sock.Close()
	p.publish.Publish(context.Background(), logging.Event{
		Type:     logging.EventClientRejected,
		Severity: logging.SeverityWarn,
		Category: logging.CategoryNetwork,
		Endpoint: "client",
		Slot:     -1,
		Payload:  reason,
	})
}

func (p *Pool) handler(id int) (*handler, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if id < 0 || id >= len(p.handlers) {
		return nil, fmt.Errorf("%w: no client %d", ErrInvalidState, id)
	}
	return p.handlers[id], nil
}

func (p *Pool) snapshot() []*handler {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*handler, len(p.handlers))
	copy(out, p.handlers)
	return out
}

// Queue stages msg for client id without sending it.
func (p *Pool) Queue(id int, msg proto.Message) error {
	h, err := p.handler(id)
	if err != nil {
		return err
	}
	h.queue(msg)
	return nil
}

// Send enqueues msg for immediate delivery to client id.
func (p *Pool) Send(id int, msg proto.Message) error {
	h, err := p.handler(id)
	if err != nil {
		return err
	}
	h.send(msg)
	return nil
}

// SendAllBlocking releases every staged message and returns once every
// connected client has its backlog on the wire. Slots without a client
// keep their backlog queued and do not block the call.
func (p *Pool) SendAllBlocking() {
	handlers := p.snapshot()
	for _, h := range handlers {
		h.flush()
	}
	for _, h := range handlers {
		h.waitDrained()
	}
}

// StartReceivingAll opens the receive window. Cached messages from the
// previous window are discarded first.
func (p *Pool) StartReceivingAll() {
	for _, h := range p.snapshot() {
		h.clearReceived()
	}
	p.receiving.Store(true)
}

// StopReceivingAll closes the receive window. Messages arriving after
// this call are ignored until the next window opens.
func (p *Pool) StopReceivingAll() {
	p.receiving.Store(false)
}

// ReceivedMessage returns the last message client id delivered inside
// the current or most recent receive window.
func (p *Pool) ReceivedMessage(id int) (proto.ReceivedMessage, bool) {
	h, err := p.handler(id)
	if err != nil {
		return proto.ReceivedMessage{}, false
	}
	return h.received()
}

// ReceivedEvents decodes the event batch from client id's last valid
// message. The message name is free-form; only args[0] matters.
// Clients with nothing valid yield an empty slice.
func (p *Pool) ReceivedEvents(id int) []proto.Event {
	msg, ok := p.ReceivedMessage(id)
	if !ok {
		return nil
	}
	events, err := msg.EventsArg(0)
	if err != nil {
		return nil
	}
	return events
}

// WaitForClient blocks until client id connects or timeout passes.
func (p *Pool) WaitForClient(id int, timeout time.Duration) bool {
	h, err := p.handler(id)
	if err != nil {
		return false
	}
	return h.waitUntilBound(timeout)
}

// WaitForAllClients blocks until every slot is claimed, spending at
// most timeout in total across all of them.
func (p *Pool) WaitForAllClients(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	all := true
	for _, h := range p.snapshot() {
		remaining := time.Until(deadline)
		if remaining < 0 {
			remaining = 0
		}
		if !h.waitUntilBound(remaining) {
			all = false
		}
	}
	return all
}

// NumberConnected counts slots with a live client.
func (p *Pool) NumberConnected() int {
	count := 0
	for _, h := range p.snapshot() {
		if h.connected() && !h.terminated() {
			count++
		}
	}
	return count
}

// IsConnected reports whether client id currently has a live client.
func (p *Pool) IsConnected(id int) bool {
	h, err := p.handler(id)
	if err != nil {
		return false
	}
	return h.connected() && !h.terminated()
}

// OmitAllClients drops every connection and forgets every slot, so a
// new game can define clients from scratch. The pool must not be
// listening.
func (p *Pool) OmitAllClients() error {
	if p.listener.Listening() {
		return fmt.Errorf("%w: cannot omit clients while listening", ErrInvalidState)
	}
	p.omitAll()
	return nil
}

func (p *Pool) omitAll() {
	p.mu.Lock()
	handlers := p.handlers
	p.handlers = nil
	p.byToken = make(map[string]*handler)
	p.mu.Unlock()
	for _, h := range handlers {
		h.terminate()
	}
}

// Terminate stops accepting new connections. Live slots keep draining
// their queues until they hit their exception caps; use OmitAllClients
// afterwards to tear the slots down.
func (p *Pool) Terminate() {
	p.listener.Terminate()
}
