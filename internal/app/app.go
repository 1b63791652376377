// Package app wires configuration, logging, the three endpoints and
// the turn loop into a running server.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"turncast/server/internal/clientnet"
	"turncast/server/internal/config"
	"turncast/server/internal/core"
	"turncast/server/internal/game"
	"turncast/server/internal/proto"
	"turncast/server/internal/terminalnet"
	"turncast/server/internal/uinet"
	"turncast/server/internal/webui"
	"turncast/server/logging"
)

// ErrIdMismatch reports a client declaration whose pool id does not
// line up with its position in the game's client roster.
var ErrIdMismatch = errors.New("app: client id mismatch")

// ErrNoGame reports a game operation with no game prepared.
var ErrNoGame = errors.New("app: no game prepared")

// Server owns the endpoints and the per-session game state. One game
// runs at a time; newGame tears down the previous session first.
//
// setupMu serializes newGame, startGame and shutdown against each
// other. sessMu only guards the session pointers, so status reads stay
// responsive while a newGame is waiting for clients.
type Server struct {
	cfg     config.Config
	factory game.Factory
	publish logging.Publisher
	bridge  *webui.Bridge

	terminal *terminalnet.Network
	commands *core.CommandHandler
	ui       *uinet.Network
	uiListen sync.Once

	setupMu sync.Mutex

	sessMu  sync.Mutex
	logic   game.Logic
	pool    *clientnet.Pool
	output  *core.Controller
	handler *core.GameHandler
}

// New builds a server from cfg. exit runs after an operator-issued
// exit command has shut the server down; pass nil to keep the process
// alive (tests do).
func New(cfg config.Config, factory game.Factory, publish logging.Publisher, bridge *webui.Bridge, exit func()) *Server {
	if publish == nil {
		publish = logging.NopPublisher()
	}
	s := &Server{
		cfg:     cfg,
		factory: factory,
		publish: publish,
		bridge:  bridge,
	}
	s.commands = core.NewCommandHandler(s, exit)
	s.terminal = terminalnet.NewNetwork(terminalnet.Options{
		Token:   cfg.Terminal.Token,
		Handler: s.commands,
		Publish: publish,
	})
	if cfg.UI.Enable {
		s.ui = uinet.NewNetwork(uinet.Options{
			Token:   cfg.UI.Token,
			Publish: publish,
		})
	}
	return s
}

// Commands exposes the router so callers can register extra commands.
func (s *Server) Commands() *core.CommandHandler {
	return s.commands
}

// Start makes the terminal endpoint listen. Games are then prepared
// and started through operator commands.
func (s *Server) Start() error {
	return s.terminal.Listen(s.cfg.Terminal.Port)
}

// NewGame prepares a session: fresh game logic, a client pool keyed by
// the roster's tokens, the output pipeline and an idle turn loop. With
// the UI enabled it also waits for the spectator before the clients.
func (s *Server) NewGame(options []string, uiTimeout, clientTimeout time.Duration) error {
	s.setupMu.Lock()
	defer s.setupMu.Unlock()

	s.teardown()

	logic, err := s.factory.NewGame()
	if err != nil {
		return fmt.Errorf("app: create game: %w", err)
	}
	if err := logic.Init(options); err != nil {
		logic.Terminate()
		return fmt.Errorf("app: init game: %w", err)
	}

	pool := clientnet.NewPool(clientnet.Options{Publish: s.publish})
	fail := func(err error) error {
		pool.Terminate()
		pool.OmitAllClients()
		logic.Terminate()
		return err
	}

	for i, info := range logic.ClientInfo() {
		id, err := pool.DefineClient(info.Token)
		if err != nil {
			return fail(fmt.Errorf("app: define client %d: %w", i, err))
		}
		if id != i {
			return fail(fmt.Errorf("%w: slot %d got id %d", ErrIdMismatch, i, id))
		}
	}

	var mirror core.Mirror
	if s.bridge != nil {
		mirror = s.bridge
	}
	output, err := core.NewController(core.OutputOptions{
		BufferSize:   s.cfg.OutputHandler.BufferSize,
		TimeInterval: time.Duration(s.cfg.OutputHandler.TimeInterval) * time.Millisecond,
		SendToUI:     s.cfg.OutputHandler.SendToUI && s.ui != nil,
		SendToFile:   s.cfg.OutputHandler.SendToFile,
		FilePath:     s.cfg.OutputHandler.FilePath,
		UI:           uiSender(s.ui),
		Mirror:       mirror,
		Publish:      s.publish,
	})
	if err != nil {
		return fail(err)
	}
	fail = func(err error) error {
		pool.Terminate()
		pool.OmitAllClients()
		logic.Terminate()
		output.Shutdown()
		return err
	}

	if s.ui != nil {
		var listenErr error
		s.uiListen.Do(func() { listenErr = s.ui.Listen(s.cfg.UI.Port) })
		if listenErr != nil {
			return fail(listenErr)
		}
	}
	if err := pool.Listen(s.cfg.Client.Port); err != nil {
		return fail(err)
	}

	if s.ui != nil {
		if !s.ui.WaitForClient(uiTimeout) {
			return fail(errors.New("app: no UI client connected in time"))
		}
	}
	if !pool.WaitForAllClients(clientTimeout) {
		return fail(errors.New("app: not all clients connected in time"))
	}

	if s.ui != nil {
		if err := s.ui.SendBlocking(logic.UIInitialMessage()); err != nil {
			return fail(err)
		}
	}
	for i, msg := range logic.ClientInitialMessages() {
		pool.Queue(i, msg)
	}
	pool.SendAllBlocking()

	s.sessMu.Lock()
	s.logic = logic
	s.pool = pool
	s.output = output
	s.handler = core.NewGameHandler(core.LoopOptions{
		Logic:              logic,
		Pool:               pool,
		Output:             output,
		Publish:            s.publish,
		ClientResponseTime: time.Duration(s.cfg.TurnTimeout.ClientResponseTime) * time.Millisecond,
		SimulateTimeout:    time.Duration(s.cfg.TurnTimeout.SimulateTimeout) * time.Millisecond,
		TurnTimeout:        time.Duration(s.cfg.TurnTimeout.TurnTimeout) * time.Millisecond,
	})
	s.sessMu.Unlock()
	return nil
}

// uiSender keeps a nil *uinet.Network from becoming a non-nil
// interface value inside the output pipeline.
func uiSender(ui *uinet.Network) core.UISender {
	if ui == nil {
		return nil
	}
	return ui
}

// teardown stops the previous session, if any. Callers hold setupMu.
func (s *Server) teardown() {
	s.sessMu.Lock()
	handler, pool, output := s.handler, s.pool, s.output
	s.handler, s.pool, s.output, s.logic = nil, nil, nil, nil
	s.sessMu.Unlock()

	if handler != nil {
		handler.Shutdown()
		handler.WaitForFinish()
	}
	if pool != nil {
		pool.Terminate()
		pool.OmitAllClients()
	}
	if output != nil {
		output.Shutdown()
	}
}

// StartGame launches the prepared session's turn loop.
func (s *Server) StartGame() error {
	s.setupMu.Lock()
	defer s.setupMu.Unlock()
	s.sessMu.Lock()
	handler := s.handler
	s.sessMu.Unlock()
	if handler == nil {
		return ErrNoGame
	}
	handler.Start()
	return nil
}

// Shutdown stops the current session and every endpoint.
func (s *Server) Shutdown() {
	s.setupMu.Lock()
	s.teardown()
	s.setupMu.Unlock()
	s.terminal.Terminate()
	if s.ui != nil {
		s.ui.Terminate()
	}
}

// NumberOfConnected counts live clients in the current session.
func (s *Server) NumberOfConnected() int {
	s.sessMu.Lock()
	pool := s.pool
	s.sessMu.Unlock()
	if pool == nil {
		return 0
	}
	return pool.NumberConnected()
}

// WaitForFinish blocks until the current session's loop stops. With no
// session it returns immediately.
func (s *Server) WaitForFinish() {
	s.sessMu.Lock()
	handler := s.handler
	s.sessMu.Unlock()
	if handler == nil {
		return
	}
	handler.WaitForFinish()
}

// QueueEvent feeds a terminal event into the current session.
func (s *Server) QueueEvent(event proto.Event) {
	s.sessMu.Lock()
	handler := s.handler
	s.sessMu.Unlock()
	if handler == nil {
		return
	}
	handler.QueueEvent(event)
}

// Run builds the logging router and a server from cfg, starts it, and
// blocks until ctx is cancelled.
func Run(ctx context.Context, cfg config.Config, factory game.Factory) error {
	router, err := buildRouter(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		router.Close(closeCtx)
	}()

	var bridge *webui.Bridge
	if cfg.WebUI.Enable {
		bridge = webui.NewBridge(router)
		go bridge.Run(cfg.WebUI.Addr)
	}

	server := New(cfg, factory, router, bridge, nil)
	if err := server.Start(); err != nil {
		return err
	}

	<-ctx.Done()
	server.Shutdown()
	if bridge != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		bridge.Close(closeCtx)
	}
	return nil
}
