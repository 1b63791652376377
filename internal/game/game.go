// Package game defines the contract a concrete game implements to run
// inside the turn loop. The framework drives these hooks; the game
// supplies state, rules and the messages each audience sees.
package game

import "turncast/server/internal/proto"

// ClientInfo describes one expected player connection.
type ClientInfo struct {
	ID    int    `json:"id"`
	Name  string `json:"name"`
	Token string `json:"token"`
}

// Logic is the game-specific core the turn loop calls into. All hooks
// run on the loop goroutine, so implementations need no internal
// locking against the framework.
type Logic interface {
	// Init prepares initial state from the options passed to newGame.
	Init(options []string) error

	// ClientInfo lists the players this game expects, in slot order.
	ClientInfo() []ClientInfo

	// UIInitialMessage is sent to the UI once before the first turn.
	UIInitialMessage() proto.Message

	// ClientInitialMessages returns the pre-game message per slot,
	// indexed like ClientInfo.
	ClientInitialMessages() []proto.Message

	// SimulateEvents advances the state one turn from the terminal,
	// environment and per-client event batches.
	SimulateEvents(terminalEvents, environmentEvents []proto.Event, clientEvents [][]proto.Event)

	// GenerateOutputs runs after simulation and before messages are
	// built, for games that derive output state in a separate pass.
	GenerateOutputs()

	// UIMessage is this turn's spectator update.
	UIMessage() proto.Message

	// StatusMessage is this turn's archive record.
	StatusMessage() proto.Message

	// ClientMessages returns this turn's per-slot updates.
	ClientMessages() []proto.Message

	// MakeEnvironmentEvents produces the world-driven events for the
	// next simulation step.
	MakeEnvironmentEvents() []proto.Event

	// IsGameFinished reports whether the loop should stop.
	IsGameFinished() bool

	// Terminate releases game resources once the loop has stopped.
	Terminate()
}

// Factory builds a fresh Logic per game session.
type Factory interface {
	NewGame() (Logic, error)
}

// FactoryFunc adapts a function to the Factory interface.
type FactoryFunc func() (Logic, error)

func (f FactoryFunc) NewGame() (Logic, error) { return f() }
