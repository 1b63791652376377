// Package proto defines the wire-level data carried by every endpoint:
// the Message envelope, the Event payload exchanged with game logic, and
// the reserved message names of the framing protocol.
package proto

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Reserved message names. Everything else is free-form and owned by the
// game logic.
const (
	NameToken      = "token"
	NameInit       = "init"
	NameTurn       = "turn"
	NameStatus     = "status"
	NameShutdown   = "shutdown"
	NameWrongToken = "wrong token"
	NameCommand    = "command"
	NameEvent      = "event"
	NameReport     = "report"
)

// TokenLength is the exact length of every admission token.
const TokenLength = 32

// Message is an outbound envelope. Args marshal as-is, so callers can
// put any JSON-encodable values in them.
type Message struct {
	Name string `json:"name"`
	Args []any  `json:"args"`
}

// New constructs a message with the given name and args.
func New(name string, args ...any) Message {
	if args == nil {
		args = []any{}
	}
	return Message{Name: name, Args: args}
}

// Report builds the standard terminal reply envelope: a "report" message
// whose first arg is the list of lines.
func Report(lines ...string) Message {
	inner := make([]any, len(lines))
	for i, l := range lines {
		inner[i] = l
	}
	return Message{Name: NameReport, Args: []any{inner}}
}

// ReceivedMessage is an inbound envelope. Args stay raw so the owner can
// decide how to decode them (events, command strings, tokens).
type ReceivedMessage struct {
	Name string            `json:"name"`
	Args []json.RawMessage `json:"args"`
}

// StringArg decodes args[i] as a JSON string.
func (m *ReceivedMessage) StringArg(i int) (string, bool) {
	if m == nil || i < 0 || i >= len(m.Args) {
		return "", false
	}
	var s string
	if err := json.Unmarshal(m.Args[i], &s); err != nil {
		return "", false
	}
	return s, true
}

// StringSliceArg decodes args[i] as a JSON array of strings.
func (m *ReceivedMessage) StringSliceArg(i int) ([]string, bool) {
	if m == nil || i < 0 || i >= len(m.Args) {
		return nil, false
	}
	var s []string
	if err := json.Unmarshal(m.Args[i], &s); err != nil {
		return nil, false
	}
	return s, true
}

// Event is a single input delivered to the game logic, originating from a
// client, the terminal, or the environment generator.
type Event struct {
	Type string   `json:"type"`
	Args []string `json:"args"`
}

// EventArg decodes args[i] as a single Event. Used by the terminal
// endpoint for `{"name":"event","args":[<Event>]}` messages.
func (m *ReceivedMessage) EventArg(i int) (Event, error) {
	if m == nil || i < 0 || i >= len(m.Args) {
		return Event{}, fmt.Errorf("event arg %d missing", i)
	}
	var ev Event
	if err := json.Unmarshal(m.Args[i], &ev); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	return ev, nil
}

// EventsArg decodes args[i] as a JSON array of Events. Used by the client
// pool, where a client reply carries its per-turn events in args[0].
func (m *ReceivedMessage) EventsArg(i int) ([]Event, error) {
	if m == nil || i < 0 || i >= len(m.Args) {
		return nil, fmt.Errorf("events arg %d missing", i)
	}
	var evs []Event
	if err := json.Unmarshal(m.Args[i], &evs); err != nil {
		return nil, fmt.Errorf("decode events: %w", err)
	}
	return evs, nil
}

// NewToken returns a fresh 32-character admission token.
func NewToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// ValidToken reports whether s is a well-formed admission token:
// exactly 32 printable ASCII characters.
func ValidToken(s string) bool {
	if len(s) != TokenLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < 0x20 || s[i] > 0x7e {
			return false
		}
	}
	return true
}
