package core

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"turncast/server/internal/proto"
	"turncast/server/logging"
)

type capturingPublisher struct {
	mu     sync.Mutex
	events []logging.Event
}

func (p *capturingPublisher) publish(_ context.Context, event logging.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *capturingPublisher) byType(eventType logging.EventType) []logging.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []logging.Event
	for _, e := range p.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

type fakeUI struct {
	mu       sync.Mutex
	release  chan struct{}
	messages []proto.Message
}

func newFakeUI(blocked bool) *fakeUI {
	ui := &fakeUI{release: make(chan struct{})}
	if !blocked {
		close(ui.release)
	}
	return ui
}

func (u *fakeUI) SendBlocking(msg proto.Message) error {
	<-u.release
	u.mu.Lock()
	defer u.mu.Unlock()
	u.messages = append(u.messages, msg)
	return nil
}

func (u *fakeUI) sent() []proto.Message {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]proto.Message, len(u.messages))
	copy(out, u.messages)
	return out
}

func readNDJSON(t *testing.T, path string) []proto.ReceivedMessage {
	t.Helper()
	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()
	var out []proto.ReceivedMessage
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var msg proto.ReceivedMessage
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &msg))
		out = append(out, msg)
	}
	require.NoError(t, scanner.Err())
	return out
}

func TestOutputFileSinkBatches(t *testing.T) {
	path := filepath.Join(t.TempDir(), "game.ndjson")
	controller, err := NewController(OutputOptions{
		BufferSize: 3,
		SendToFile: true,
		FilePath:   path,
	})
	require.NoError(t, err)
	controller.Start()

	for i := 1; i <= 4; i++ {
		require.NoError(t, controller.PutMessage(proto.New(proto.NameTurn, float64(i))))
	}
	controller.Shutdown()

	records := readNDJSON(t, path)
	require.Len(t, records, 4)
	for _, record := range records {
		require.Equal(t, proto.NameTurn, record.Name)
	}
}

func TestOutputOverflowDiscardsBacklog(t *testing.T) {
	publisher := &capturingPublisher{}
	controller, err := NewController(OutputOptions{
		QueueCap: 5,
		Publish:  logging.PublisherFunc(publisher.publish),
	})
	require.NoError(t, err)
	defer controller.Shutdown()

	for i := 0; i < 5; i++ {
		require.NoError(t, controller.PutMessage(proto.New(proto.NameStatus)))
	}
	require.Equal(t, 5, controller.QueueLen())

	require.NoError(t, controller.PutMessage(proto.New(proto.NameTurn)))
	require.Equal(t, 1, controller.QueueLen())

	overflows := publisher.byType(logging.EventOutputOverflow)
	require.Len(t, overflows, 1)
	require.Equal(t, 5, overflows[0].Payload)
}

func TestOutputRejectsAfterShutdown(t *testing.T) {
	controller, err := NewController(OutputOptions{})
	require.NoError(t, err)
	controller.Shutdown()
	require.ErrorIs(t, controller.PutMessage(proto.New(proto.NameStatus)), ErrQueueOverflow)
}

func TestOutputUITickerDelivers(t *testing.T) {
	ui := newFakeUI(false)
	controller, err := NewController(OutputOptions{
		SendToUI:     true,
		UI:           ui,
		TimeInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	controller.Start()
	defer controller.Shutdown()

	require.NoError(t, controller.PutMessage(proto.New(proto.NameTurn, float64(1))))
	require.NoError(t, controller.PutMessage(proto.New(proto.NameStatus)))

	require.Eventually(t, func() bool {
		return len(ui.sent()) == 2
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, proto.NameTurn, ui.sent()[0].Name)
	require.Equal(t, proto.NameStatus, ui.sent()[1].Name)
}

func TestOutputPopKeepsReplacedHead(t *testing.T) {
	controller, err := NewController(OutputOptions{})
	require.NoError(t, err)
	defer controller.Shutdown()

	require.NoError(t, controller.PutMessage(proto.New(proto.NameTurn, float64(1))))
	head, ok := controller.head()
	require.True(t, ok)

	// A file hand-off swaps the buffer between the peek and the pop;
	// the same-named message that lands afterwards is a different one.
	controller.mu.Lock()
	controller.queue = nil
	controller.mu.Unlock()
	require.NoError(t, controller.PutMessage(proto.New(proto.NameTurn, float64(2))))

	controller.popIfHead(head)
	require.Equal(t, 1, controller.QueueLen())
}

func TestOutputUITickerRetriesSlowHead(t *testing.T) {
	ui := newFakeUI(true)
	controller, err := NewController(OutputOptions{
		SendToUI:       true,
		UI:             ui,
		TimeInterval:   10 * time.Millisecond,
		UISendDeadline: 30 * time.Millisecond,
	})
	require.NoError(t, err)
	controller.Start()
	defer controller.Shutdown()

	require.NoError(t, controller.PutMessage(proto.New(proto.NameTurn, float64(1))))

	// The head stays queued while delivery is stuck.
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 1, controller.QueueLen())
	require.Empty(t, ui.sent())

	close(ui.release)
	require.Eventually(t, func() bool {
		return controller.QueueLen() == 0 && len(ui.sent()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}
