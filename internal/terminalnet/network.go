// Package terminalnet manages the operator endpoint. Terminals issue
// commands, inject events into the running game and get report replies.
package terminalnet

import (
	"context"
	"errors"

	"turncast/server/internal/netio"
	"turncast/server/internal/proto"
	"turncast/server/logging"
)

// maxExceptions is how many recoverable faults a terminal connection
// tolerates before the server drops it.
const maxExceptions = 20

// Handler is what a terminal connection drives: events go into the
// running game, commands come back with a report reply. RunCommand
// receives a message whose name is the command name and whose args are
// the command's string arguments.
type Handler interface {
	PutEvent(proto.Event)
	RunCommand(proto.Message) proto.Message
}

// Options configures a Network.
type Options struct {
	Token   string
	Handler Handler
	Publish logging.Publisher
}

// Network accepts any number of terminal connections, each served by
// its own goroutine.
type Network struct {
	token    string
	handler  Handler
	publish  logging.Publisher
	listener *netio.Listener
}

// NewNetwork builds an idle terminal endpoint.
func NewNetwork(opts Options) *Network {
	publish := opts.Publish
	if publish == nil {
		publish = logging.NopPublisher()
	}
	n := &Network{
		token:   opts.Token,
		handler: opts.Handler,
		publish: publish,
	}
	n.listener = netio.NewListener(n.serve)
	return n
}

// Listen starts accepting terminal connections on port.
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

// Terminate stops accepting new terminals. Live connections keep
// running until their sockets close.
func (n *Network) Terminate() {
	n.listener.Terminate()
}

func (n *Network) serve(sock *netio.Socket) {
	defer sock.Close()
	msg, err := sock.Recv()
	if err != nil || msg.Name != proto.NameToken {
		return
	}
	token, ok := msg.StringArg(0)
	if !ok || token != n.token {
		sock.Send(proto.New(proto.NameWrongToken))
		n.publish.Publish(context.Background(), logging.Event{
			Type:     logging.EventClientRejected,
			Severity: logging.SeverityWarn,
			Category: logging.CategoryNetwork,
			Endpoint: "terminal",
			Slot:     -1,
		})
		return
	}
	// The init reply's single argument is an empty array, kept for
	// terminals that expect an argument list to iterate.
	if err := sock.Send(proto.New(proto.NameInit, []any{})); err != nil {
		return
	}
	n.session(sock)
}

func (n *Network) session(sock *netio.Socket) {
	exceptions := 0
	for {
		msg, err := sock.Recv()
		if err != nil {
			if errors.Is(err, netio.ErrDecode) {
				exceptions++
				if exceptions >= maxExceptions {
					return
				}
				continue
			}
			return
		}
		reply, ok := n.dispatch(msg)
		if ok {
			if err := sock.Send(reply); err != nil {
				return
			}
		}
	}
}

// dispatch routes one inbound message. Events get no reply; everything
// else does.
func (n *Network) dispatch(msg proto.ReceivedMessage) (proto.Message, bool) {
	switch msg.Name {
	case proto.NameCommand:
		cmd, ok := decodeCommand(msg)
		if !ok {
			return proto.Report("Command is malformed."), true
		}
		n.publish.Publish(context.Background(), logging.Event{
			Type:     logging.EventTerminalCommand,
			Severity: logging.SeverityInfo,
			Category: logging.CategoryNetwork,
			Endpoint: "terminal",
			Slot:     -1,
			Payload:  cmd.Name,
		})
		return n.handler.RunCommand(cmd), true
	case proto.NameEvent:
		event, err := msg.EventArg(0)
		if err != nil {
			return proto.Report("Event is malformed."), true
		}
		n.handler.PutEvent(event)
		return proto.Message{}, false
	default:
		return proto.Report("Message is not defined."), true
	}
}

// decodeCommand lifts a command envelope into a message named after the
// command itself, with its string arguments as args.
func decodeCommand(msg proto.ReceivedMessage) (proto.Message, bool) {
	name, ok := msg.StringArg(0)
	if !ok {
		return proto.Message{}, false
	}
	var args []string
	if len(msg.Args) > 1 {
		args, ok = msg.StringSliceArg(1)
		if !ok {
			return proto.Message{}, false
		}
	}
	anyArgs := make([]any, len(args))
	for i, a := range args {
		anyArgs[i] = a
	}
	return proto.New(name, anyArgs...), true
}
