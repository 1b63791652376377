// Package webui mirrors UI-bound output to browser spectators over
// websockets. It is read-only: browsers watch, they never play.
package webui

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"turncast/server/internal/proto"
	"turncast/server/logging"
)

const writeTimeout = 5 * time.Second

type subscriber struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (s *subscriber) write(payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

// Bridge fans mirrored messages out to every connected browser. A
// subscriber that cannot keep up is disconnected rather than buffered.
type Bridge struct {
	publish  logging.Publisher
	upgrader websocket.Upgrader
	server   *http.Server

	mu          sync.Mutex
	subscribers map[*subscriber]struct{}
}

// NewBridge builds an idle bridge.
func NewBridge(publish logging.Publisher) *Bridge {
	if publish == nil {
		publish = logging.NopPublisher()
	}
	return &Bridge{
		publish: publish,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		subscribers: make(map[*subscriber]struct{}),
	}
}

// Handler serves the websocket endpoint.
func (b *Bridge) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", b.serveWS)
	return mux
}

// Run serves websockets on addr until Close. It blocks.
func (b *Bridge) Run(addr string) error {
	b.mu.Lock()
	b.server = &http.Server{Addr: addr, Handler: b.Handler()}
	server := b.server
	b.mu.Unlock()
	err := server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (b *Bridge) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	sub := &subscriber{conn: conn}
	b.mu.Lock()
	b.subscribers[sub] = struct{}{}
	b.mu.Unlock()
	b.publish.Publish(r.Context(), logging.Event{
		Type:     logging.EventClientBound,
		Severity: logging.SeverityInfo,
		Category: logging.CategoryNetwork,
		Endpoint: "webui",
		Slot:     -1,
	})
	// Browsers send nothing meaningful; drain reads until the peer
	// goes away so control frames keep flowing.
	go func() {
		defer b.remove(sub)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (b *Bridge) remove(sub *subscriber) {
	b.mu.Lock()
	_, present := b.subscribers[sub]
	delete(b.subscribers, sub)
	b.mu.Unlock()
	if present {
		sub.conn.Close()
	}
}

// Mirror broadcasts msg to every subscriber. Write failures drop the
// subscriber on the spot.
func (b *Bridge) Mirror(msg proto.Message) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}
	b.mu.Lock()
	subs := make([]*subscriber, 0, len(b.subscribers))
	for sub := range b.subscribers {
		subs = append(subs, sub)
	}
	b.mu.Unlock()
	for _, sub := range subs {
		if err := sub.write(payload); err != nil {
			b.remove(sub)
		}
	}
}

// Subscribers reports the current browser count.
func (b *Bridge) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

// Close disconnects every browser and stops the HTTP server.
func (b *Bridge) Close(ctx context.Context) error {
	b.mu.Lock()
	subs := make([]*subscriber, 0, len(b.subscribers))
	for sub := range b.subscribers {
		subs = append(subs, sub)
	}
	b.subscribers = make(map[*subscriber]struct{})
	server := b.server
	b.mu.Unlock()
	for _, sub := range subs {
		sub.conn.Close()
	}
	if server != nil {
		return server.Shutdown(ctx)
	}
	return nil
}
