// Package core drives a game session: the turn loop, the output
// pipeline and the operator command router.
package core

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"turncast/server/internal/proto"
	"turncast/server/logging"
)

const (
	// DefaultQueueCap is the hard ceiling on buffered output messages.
	// Reaching it discards the whole backlog.
	DefaultQueueCap = 100000
	// DefaultUISendDeadline bounds a single UI delivery attempt.
	DefaultUISendDeadline = time.Second
)

// ErrQueueOverflow reports a message that could not be buffered.
var ErrQueueOverflow = errors.New("core: output queue overflow")

// UISender is the slice of the UI endpoint the pipeline needs.
type UISender interface {
	SendBlocking(proto.Message) error
}

// Mirror receives a copy of every buffered message. The web bridge
// implements it to fan output out to browser spectators.
type Mirror interface {
	Mirror(proto.Message)
}

// OutputOptions configures a Controller.
type OutputOptions struct {
	BufferSize     int
	TimeInterval   time.Duration
	SendToUI       bool
	SendToFile     bool
	FilePath       string
	UI             UISender
	Mirror         Mirror
	Publish        logging.Publisher
	UISendDeadline time.Duration
	QueueCap       int
}

// outputItem tags each buffered message with a sequence number so the
// UI loop can recognize its own head even after a file hand-off has
// swapped the buffer underneath it.
type outputItem struct {
	seq uint64
	msg proto.Message
}

// Controller buffers per-turn output and feeds two optional sinks: a
// paced UI sender and a batched append-only file writer.
type Controller struct {
	opts     OutputOptions
	publish  logging.Publisher
	deadline time.Duration
	queueCap int

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []outputItem
	nextSeq uint64
	down    bool

	handoffs chan []outputItem
	file     *os.File
	writer   *bufio.Writer

	done     chan struct{}
	doneOnce sync.Once
	wg       sync.WaitGroup
}

// NewController builds a pipeline. The output file is opened eagerly so
// a bad path fails the game setup rather than the first hand-off.
func NewController(opts OutputOptions) (*Controller, error) {
	publish := opts.Publish
	if publish == nil {
		publish = logging.NopPublisher()
	}
	deadline := opts.UISendDeadline
	if deadline <= 0 {
		deadline = DefaultUISendDeadline
	}
	queueCap := opts.QueueCap
	if queueCap <= 0 {
		queueCap = DefaultQueueCap
	}
	c := &Controller{
		opts:     opts,
		publish:  publish,
		deadline: deadline,
		queueCap: queueCap,
		done:     make(chan struct{}),
	}
	c.cond = sync.NewCond(&c.mu)
	if opts.SendToFile {
		file, err := os.OpenFile(opts.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("core: open output file: %w", err)
		}
		c.file = file
		c.writer = bufio.NewWriter(file)
		c.handoffs = make(chan []outputItem, 16)
	}
	return c, nil
}

// Start launches the enabled sink workers.
func (c *Controller) Start() {
	if c.opts.SendToFile {
		c.wg.Add(1)
		go c.fileLoop()
	}
	if c.opts.SendToUI && c.opts.UI != nil {
		c.wg.Add(1)
		go c.uiLoop()
	}
}

// PutMessage buffers msg for the sinks. When the file sink is enabled
// and the buffer reaches its hand-off size, the whole batch goes to the
// writer and the buffer starts over. Hitting the hard cap discards the
// backlog and keeps only msg.
func (c *Controller) PutMessage(msg proto.Message) error {
	c.mu.Lock()
	if c.down {
		c.mu.Unlock()
		return ErrQueueOverflow
	}
	if c.opts.SendToFile && len(c.queue) >= c.opts.BufferSize {
		batch := c.queue
		c.queue = nil
		select {
		case c.handoffs <- batch:
		default:
			// Writer is behind. Put the batch back and let the hard
			// cap decide its fate.
			c.queue = batch
		}
	}
	if len(c.queue) >= c.queueCap {
		dropped := len(c.queue)
		c.queue = nil
		c.publish.Publish(context.Background(), logging.Event{
			Type:     logging.EventOutputOverflow,
			Severity: logging.SeverityWarn,
			Category: logging.CategoryOutput,
			Slot:     -1,
			Payload:  dropped,
		})
	}
	c.queue = append(c.queue, outputItem{seq: c.nextSeq, msg: msg})
	c.nextSeq++
	c.cond.Broadcast()
	c.mu.Unlock()
	if c.opts.Mirror != nil {
		c.opts.Mirror.Mirror(msg)
	}
	return nil
}

// QueueLen reports the buffered message count.
func (c *Controller) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

func (c *Controller) uiLoop() {
	defer c.wg.Done()
	interval := c.opts.TimeInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	var pending chan error
	var pendingItem outputItem
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
		}
		if pending != nil {
			select {
			case err := <-pending:
				if err == nil {
					c.popIfHead(pendingItem)
				}
				pending = nil
			default:
				// Last attempt still in flight; keep the head where
				// it is and try again next tick.
				continue
			}
		}
		it, ok := c.head()
		if !ok {
			continue
		}
		attempt := make(chan error, 1)
		go func(m proto.Message) {
			attempt <- c.opts.UI.SendBlocking(m)
		}(it.msg)
		select {
		case err := <-attempt:
			if err == nil {
				c.popIfHead(it)
			}
		case <-time.After(c.deadline):
			pending = attempt
			pendingItem = it
		case <-c.done:
			return
		}
	}
}

// head waits until the buffer is non-empty or the pipeline stops.
func (c *Controller) head() (outputItem, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.queue) == 0 && !c.down {
		c.cond.Wait()
	}
	if c.down {
		return outputItem{}, false
	}
	return c.queue[0], true
}

// popIfHead removes the front entry if it is still the exact item that
// was delivered. A file hand-off may have swapped the buffer meanwhile,
// leaving a newer, never-sent message at the front.
func (c *Controller) popIfHead(it outputItem) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) > 0 && c.queue[0].seq == it.seq {
		c.queue = c.queue[1:]
	}
}

func (c *Controller) fileLoop() {
	defer c.wg.Done()
	for batch := range c.handoffs {
		c.writeBatch(batch)
	}
	c.writer.Flush()
	c.file.Close()
}

func (c *Controller) writeBatch(batch []outputItem) {
	encoder := json.NewEncoder(c.writer)
	for _, it := range batch {
		if err := encoder.Encode(it.msg); err != nil {
			c.publish.Publish(context.Background(), logging.Event{
				Type:     logging.EventOutputDropped,
				Severity: logging.SeverityError,
				Category: logging.CategoryOutput,
				Slot:     -1,
				Payload:  err.Error(),
			})
			return
		}
	}
	c.writer.Flush()
}

// Shutdown stops both sinks. Whatever is still buffered goes to the
// file sink when it is enabled, then the writer drains and closes.
func (c *Controller) Shutdown() {
	c.doneOnce.Do(func() {
		c.mu.Lock()
		c.down = true
		remainder := c.queue
		c.queue = nil
		c.cond.Broadcast()
		c.mu.Unlock()
		close(c.done)
		if c.opts.SendToFile {
			if len(remainder) > 0 {
				c.handoffs <- remainder
			}
			close(c.handoffs)
		}
		c.wg.Wait()
	})
}
