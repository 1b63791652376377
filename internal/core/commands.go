package core

import (
	"fmt"
	"sync"
	"time"

	"turncast/server/internal/proto"
)

// DefaultSetupTimeout is how long newGame waits for the UI and for the
// full client roster before giving up.
const DefaultSetupTimeout = 5 * time.Minute

// Supervisor is the slice of the server the command router drives.
type Supervisor interface {
	NewGame(options []string, uiTimeout, clientTimeout time.Duration) error
	StartGame() error
	Shutdown()
	NumberOfConnected() int
	WaitForFinish()
	QueueEvent(proto.Event)
}

// CommandFunc handles one operator command and returns the report sent
// back to the terminal.
type CommandFunc func(cmd proto.Message) proto.Message

// CommandHandler routes operator commands to the supervisor. It also
// forwards terminal events into the running game.
type CommandHandler struct {
	supervisor Supervisor
	exit       func()

	mu       sync.RWMutex
	handlers map[string]CommandFunc
}

// NewCommandHandler wires the built-in command set. exit runs after the
// shutdown triggered by the exit command; passing nil keeps the process
// alive, which tests rely on.
func NewCommandHandler(supervisor Supervisor, exit func()) *CommandHandler {
	c := &CommandHandler{
		supervisor: supervisor,
		exit:       exit,
		handlers:   make(map[string]CommandFunc),
	}
	c.DefineCommand("status", c.statusCommand)
	c.DefineCommand("newGame", c.newGameCommand)
	c.DefineCommand("startGame", c.startGameCommand)
	c.DefineCommand("exit", c.exitCommand)
	c.DefineCommand("waitForFinish", c.waitForFinishCommand)
	return c
}

// DefineCommand registers or replaces a command handler.
func (c *CommandHandler) DefineCommand(name string, handler CommandFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[name] = handler
}

// RunCommand dispatches cmd by name.
func (c *CommandHandler) RunCommand(cmd proto.Message) proto.Message {
	c.mu.RLock()
	handler := c.handlers[cmd.Name]
	c.mu.RUnlock()
	if handler == nil {
		return proto.Report("This command is not defined.")
	}
	return handler(cmd)
}

// PutEvent forwards a terminal event into the current game.
func (c *CommandHandler) PutEvent(event proto.Event) {
	c.supervisor.QueueEvent(event)
}

func (c *CommandHandler) statusCommand(proto.Message) proto.Message {
	return proto.Report(fmt.Sprintf("Number of connected clients: %d", c.supervisor.NumberOfConnected()))
}

func (c *CommandHandler) newGameCommand(cmd proto.Message) proto.Message {
	options := stringArgs(cmd)
	if err := c.supervisor.NewGame(options, DefaultSetupTimeout, DefaultSetupTimeout); err != nil {
		return proto.Report("New game failed.", err.Error())
	}
	return proto.Report("New game is ready.")
}

func (c *CommandHandler) startGameCommand(proto.Message) proto.Message {
	if err := c.supervisor.StartGame(); err != nil {
		return proto.Report("Cannot start game.", err.Error())
	}
	return proto.Report("Game started.")
}

func (c *CommandHandler) exitCommand(proto.Message) proto.Message {
	// Shut down on a separate goroutine so the reply still reaches the
	// terminal before the process goes away.
	go func() {
		c.supervisor.Shutdown()
		if c.exit != nil {
			c.exit()
		}
	}()
	return proto.Report("Exiting.")
}

func (c *CommandHandler) waitForFinishCommand(proto.Message) proto.Message {
	c.supervisor.WaitForFinish()
	return proto.Report("Game finished.")
}

func stringArgs(cmd proto.Message) []string {
	out := make([]string, 0, len(cmd.Args))
	for _, arg := range cmd.Args {
		if s, ok := arg.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
