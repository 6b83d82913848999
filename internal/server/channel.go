package server

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/relaytun/relay/internal/envelope"
)

// State is the Channel Endpoint's lifecycle (spec.md §4.5).
type State int

const (
	StateOpening State = iota
	StateHandshaking
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "OPENING"
	case StateHandshaking:
		return "HANDSHAKING"
	case StateOpen:
		return "OPEN"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// HeartbeatConfig controls the server's application-level PING/PONG
// liveness check (spec.md §4.5).
type HeartbeatConfig struct {
	Interval    time.Duration
	MaxMissed   int
}

func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{Interval: 30 * time.Second, MaxMissed: 2}
}

// unboundedQueue is a single-writer FIFO of envelopes with an observable
// depth. It models spec.md §4.5's "unbounded send queue... the Forwarder
// [can] treat publish as non-blocking" without imposing a fixed capacity.
type unboundedQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []envelope.Envelope
	closed bool
}

func newUnboundedQueue() *unboundedQueue {
	q := &unboundedQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *unboundedQueue) push(e envelope.Envelope) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return fmt.Errorf("channel: queue closed")
	}
	q.items = append(q.items, e)
	q.cond.Signal()
	return nil
}

// pop blocks until an item is available or the queue is closed, in which
// case ok is false.
func (q *unboundedQueue) pop() (envelope.Envelope, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return envelope.Envelope{}, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, true
}

func (q *unboundedQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *unboundedQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

// Channel is the server-side Channel Endpoint for one tunnel: framing
// (one JSON envelope per WebSocket text message), dispatch by envelope
// type, and a single writer goroutine draining an unbounded outbound queue
// (spec.md §4.5).
type Channel struct {
	conn      *websocket.Conn
	subdomain string
	queue     *unboundedQueue
	heartbeat HeartbeatConfig
	metrics   *Metrics

	mu          sync.Mutex
	state       State
	missedPongs int
	closeOnce   sync.Once
	closed      chan struct{}

	onClose func(subdomain, reason string, code int)
}

func newChannel(conn *websocket.Conn, hb HeartbeatConfig, metrics *Metrics) *Channel {
	return &Channel{
		conn:      conn,
		queue:     newUnboundedQueue(),
		heartbeat: hb,
		metrics:   metrics,
		state:     StateOpening,
		closed:    make(chan struct{}),
	}
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// State returns the Channel's current lifecycle state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// QueueDepth reports the outbound queue length (spec.md §4.5 observability
// requirement).
func (c *Channel) QueueDepth() int {
	return c.queue.depth()
}

// Send enqueues env for delivery without blocking the caller (spec.md §4.5
// suspension point (b) — enqueue is non-blocking in the normal case).
func (c *Channel) Send(env envelope.Envelope) error {
	if err := c.queue.push(env); err != nil {
		return err
	}
	if c.metrics != nil {
		c.metrics.ChannelQueueDepth.WithLabelValues(c.subdomain).Set(float64(c.queue.depth()))
	}
	return nil
}

// runWriter drains the outbound queue on a single goroutine, preserving
// per-channel message ordering (spec.md §5).
func (c *Channel) runWriter() {
	for {
		env, ok := c.queue.pop()
		if !ok {
			return
		}
		if c.metrics != nil {
			c.metrics.ChannelQueueDepth.WithLabelValues(c.subdomain).Set(float64(c.queue.depth()))
		}
		data, err := json.Marshal(env)
		if err != nil {
			log.Error().Err(err).Str("subdomain", c.subdomain).Msg("failed to marshal outbound envelope")
			continue
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Warn().Err(err).Str("subdomain", c.subdomain).Msg("failed to write outbound envelope, closing channel")
			c.Close("write failure", websocket.CloseInternalServerErr)
			return
		}
	}
}

// runHeartbeat sends CONTROL/PING every Interval and closes the channel
// after MaxMissed consecutive un-ponged pings (spec.md §4.5).
func (c *Channel) runHeartbeat() {
	if c.heartbeat.Interval <= 0 {
		return
	}
	ticker := time.NewTicker(c.heartbeat.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			c.mu.Lock()
			c.missedPongs++
			missed := c.missedPongs
			c.mu.Unlock()

			if missed > c.heartbeat.MaxMissed {
				if c.metrics != nil {
					c.metrics.MissedPongsTotal.WithLabelValues(c.subdomain).Inc()
				}
				log.Warn().Str("subdomain", c.subdomain).Int("missed", missed).Msg("heartbeat exceeded max missed pongs, closing channel")
				c.Close("heartbeat timeout", websocket.ClosePolicyViolation)
				return
			}
			_ = c.Send(envelope.NewControl(envelope.ControlPayload{Action: envelope.ActionPing}))
		}
	}
}

func (c *Channel) markPong() {
	c.mu.Lock()
	c.missedPongs = 0
	c.mu.Unlock()
}

// Close transitions the channel to CLOSED, closes the outbound queue and
// underlying connection, and invokes onClose exactly once regardless of how
// many callers race to close concurrently (the read loop's own exit, a
// heartbeat timeout, and an administrative unregister may all call Close).
func (c *Channel) Close(reason string, code int) {
	c.closeOnce.Do(func() {
		c.setState(StateClosing)
		deadline := time.Now().Add(2 * time.Second)
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, deadline)
		c.queue.close()
		_ = c.conn.Close()
		close(c.closed)
		c.setState(StateClosed)
		if c.onClose != nil {
			c.onClose(c.subdomain, reason, code)
		}
	})
}
