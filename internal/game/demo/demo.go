// Package demo ships a minimal built-in game so the server binary can
// run end to end without an external game module. Each client owns a
// counter it can bump with "add" events; the game ends after a fixed
// number of turns.
package demo

import (
	"strconv"

	"turncast/server/internal/game"
	"turncast/server/internal/proto"
)

const defaultTurnLimit = 100

// Logic implements game.Logic for the counter game.
type Logic struct {
	roster    []game.ClientInfo
	counters  []int
	turn      int
	turnLimit int
	paused    bool
}

// Factory builds demo sessions with n player slots.
func Factory(n int) game.Factory {
	return game.FactoryFunc(func() (game.Logic, error) {
		roster := make([]game.ClientInfo, n)
		for i := range roster {
			roster[i] = game.ClientInfo{
				ID:    i,
				Name:  "player-" + strconv.Itoa(i),
				Token: proto.NewToken(),
			}
		}
		return &Logic{roster: roster, counters: make([]int, n), turnLimit: defaultTurnLimit}, nil
	})
}

// Init accepts a single optional option: the turn limit.
func (l *Logic) Init(options []string) error {
	if len(options) > 0 {
		limit, err := strconv.Atoi(options[0])
		if err != nil {
			return err
		}
		l.turnLimit = limit
	}
	return nil
}

func (l *Logic) ClientInfo() []game.ClientInfo { return l.roster }

func (l *Logic) UIInitialMessage() proto.Message {
	return proto.New(proto.NameInit, map[string]any{"players": len(l.roster), "turnLimit": l.turnLimit})
}

func (l *Logic) ClientInitialMessages() []proto.Message {
	out := make([]proto.Message, len(l.roster))
	for i, info := range l.roster {
		out[i] = proto.New(proto.NameInit, map[string]any{"id": info.ID, "name": info.Name})
	}
	return out
}

func (l *Logic) SimulateEvents(terminalEvents, environmentEvents []proto.Event, clientEvents [][]proto.Event) {
	l.turn++
	for _, event := range terminalEvents {
		switch event.Type {
		case "pause":
			l.paused = true
		case "resume":
			l.paused = false
		}
	}
	if l.paused {
		return
	}
	for _, event := range environmentEvents {
		if event.Type != "decay" || len(event.Args) == 0 {
			continue
		}
		if amount, err := strconv.Atoi(event.Args[0]); err == nil {
			for i := range l.counters {
				l.counters[i] -= amount
			}
		}
	}
	for slot, batch := range clientEvents {
		for _, event := range batch {
			if event.Type != "add" || len(event.Args) == 0 {
				continue
			}
			if delta, err := strconv.Atoi(event.Args[0]); err == nil {
				l.counters[slot] += delta
			}
		}
	}
}

func (l *Logic) GenerateOutputs() {}

func (l *Logic) UIMessage() proto.Message {
	return proto.New(proto.NameTurn, l.turn, l.snapshot())
}

func (l *Logic) StatusMessage() proto.Message {
	return proto.New(proto.NameStatus, l.turn, l.snapshot())
}

func (l *Logic) ClientMessages() []proto.Message {
	out := make([]proto.Message, len(l.roster))
	for i := range out {
		out[i] = proto.New(proto.NameTurn, l.turn, l.counters[i])
	}
	return out
}

func (l *Logic) MakeEnvironmentEvents() []proto.Event {
	// Every tenth turn the environment decays all counters by one.
	if l.turn%10 == 0 {
		return []proto.Event{{Type: "decay", Args: []string{"1"}}}
	}
	return nil
}

func (l *Logic) IsGameFinished() bool { return l.turn >= l.turnLimit }

func (l *Logic) Terminate() {}

func (l *Logic) snapshot() map[string]any {
	counters := make([]int, len(l.counters))
	copy(counters, l.counters)
	return map[string]any{"counters": counters, "paused": l.paused}
}
