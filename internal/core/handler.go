package core

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"turncast/server/internal/clientnet"
	"turncast/server/internal/game"
	"turncast/server/internal/proto"
	"turncast/server/logging"
)

// LoopOptions configures a GameHandler.
type LoopOptions struct {
	Logic              game.Logic
	Pool               *clientnet.Pool
	Output             *Controller
	Publish            logging.Publisher
	ClientResponseTime time.Duration
	SimulateTimeout    time.Duration
	TurnTimeout        time.Duration
}

// GameHandler runs one game session on a fixed cadence. Each turn it
// feeds the previous turn's events into the game logic, fans the
// resulting messages out, then opens the receive window for the next
// batch of client input.
type GameHandler struct {
	logic   game.Logic
	pool    *clientnet.Pool
	output  *Controller
	publish logging.Publisher

	clientResponseTime time.Duration
	simulateTimeout    time.Duration
	turnTimeout        time.Duration
	slots              int

	terminalMu     sync.Mutex
	terminalEvents []proto.Event

	shutdown  atomic.Bool
	stop      chan struct{}
	stopOnce  sync.Once
	done      chan struct{}
	startOnce sync.Once
	turn      atomic.Uint64
}

// NewGameHandler builds an idle session runner.
func NewGameHandler(opts LoopOptions) *GameHandler {
	publish := opts.Publish
	if publish == nil {
		publish = logging.NopPublisher()
	}
	return &GameHandler{
		logic:              opts.Logic,
		pool:               opts.Pool,
		output:             opts.Output,
		publish:            publish,
		clientResponseTime: opts.ClientResponseTime,
		simulateTimeout:    opts.SimulateTimeout,
		turnTimeout:        opts.TurnTimeout,
		slots:              len(opts.Logic.ClientInfo()),
		stop:               make(chan struct{}),
		done:               make(chan struct{}),
	}
}

// Start launches the loop worker. Subsequent calls are no-ops.
func (g *GameHandler) Start() {
	g.startOnce.Do(func() {
		g.output.Start()
		go g.run()
	})
}

// QueueEvent adds a terminal-originated event for the next turn.
func (g *GameHandler) QueueEvent(event proto.Event) {
	g.terminalMu.Lock()
	defer g.terminalMu.Unlock()
	g.terminalEvents = append(g.terminalEvents, event)
}

func (g *GameHandler) drainTerminalEvents() []proto.Event {
	g.terminalMu.Lock()
	defer g.terminalMu.Unlock()
	events := g.terminalEvents
	g.terminalEvents = nil
	return events
}

// Shutdown asks the loop to exit after the current turn.
func (g *GameHandler) Shutdown() {
	g.shutdown.Store(true)
	g.stopOnce.Do(func() { close(g.stop) })
}

// WaitForFinish blocks until the loop has fully stopped.
func (g *GameHandler) WaitForFinish() {
	<-g.done
}

// Turn reports the index of the current turn, starting at 1.
func (g *GameHandler) Turn() uint64 {
	return g.turn.Load()
}

func (g *GameHandler) run() {
	defer close(g.done)
	finished := false
	var prevTerminal, prevEnvironment []proto.Event
	prevClient := make([][]proto.Event, g.slots)

	for !g.shutdown.Load() {
		started := time.Now()
		turn := g.turn.Add(1)
		g.publish.Publish(context.Background(), logging.Event{
			Type:     logging.EventTurnStarted,
			Turn:     turn,
			Severity: logging.SeverityDebug,
			Category: logging.CategoryTurn,
			Slot:     -1,
		})

		g.logic.SimulateEvents(prevTerminal, prevEnvironment, prevClient)
		g.logic.GenerateOutputs()
		simulated := time.Since(started)
		if g.simulateTimeout > 0 && simulated > g.simulateTimeout {
			g.publish.Publish(context.Background(), logging.Event{
				Type:     logging.EventTurnOverrun,
				Turn:     turn,
				Severity: logging.SeverityWarn,
				Category: logging.CategoryTurn,
				Slot:     -1,
				Payload:  "simulate",
			})
		}

		if g.logic.IsGameFinished() {
			g.finishGame(turn)
			finished = true
			break
		}

		g.output.PutMessage(g.logic.UIMessage())
		g.output.PutMessage(g.logic.StatusMessage())

		for i, msg := range g.logic.ClientMessages() {
			g.pool.Queue(i, msg)
		}
		g.pool.SendAllBlocking()

		g.pool.StartReceivingAll()
		windowStart := time.Now()
		prevEnvironment = g.logic.MakeEnvironmentEvents()
		if remainder := g.clientResponseTime - time.Since(windowStart); remainder > 0 {
			g.sleep(remainder)
		}
		g.pool.StopReceivingAll()

		for i := range prevClient {
			prevClient[i] = g.pool.ReceivedEvents(i)
		}
		prevTerminal = g.drainTerminalEvents()

		if elapsed := time.Since(started); elapsed < g.turnTimeout {
			g.sleep(g.turnTimeout - elapsed)
		} else {
			g.publish.Publish(context.Background(), logging.Event{
				Type:     logging.EventTurnOverrun,
				Turn:     turn,
				Severity: logging.SeverityWarn,
				Category: logging.CategoryTurn,
				Slot:     -1,
				Payload:  "turn",
			})
		}
	}

	if !finished {
		g.logic.Terminate()
		g.output.Shutdown()
	}
}

// finishGame runs the end-of-game sequence: every slot gets a shutdown
// message, then the logic and pipeline are released.
func (g *GameHandler) finishGame(turn uint64) {
	for i := 0; i < g.slots; i++ {
		g.pool.Queue(i, proto.New(proto.NameShutdown))
	}
	g.pool.SendAllBlocking()
	g.logic.Terminate()
	g.shutdown.Store(true)
	g.output.Shutdown()
	g.publish.Publish(context.Background(), logging.Event{
		Type:     logging.EventGameFinished,
		Turn:     turn,
		Severity: logging.SeverityInfo,
		Category: logging.CategoryLifecycle,
		Slot:     -1,
	})
}

// sleep waits for d unless shutdown is requested first.
func (g *GameHandler) sleep(d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-g.stop:
	}
}
