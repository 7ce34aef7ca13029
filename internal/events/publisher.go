package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/LastBotInc/virtual-participant/internal/logging"
)

// ErrEnded is returned for events published after END.
var ErrEnded = errors.New("event stream already ended")

const (
	defaultQueueSize   = 1024
	defaultSendTimeout = 10 * time.Second
)

// Publisher emits events for one session in the order they were published.
// Delivery happens on a background goroutine; failures are logged and never
// reach the caller. A Publisher without a sink accepts and drops every
// event.
type Publisher struct {
	sink        Sink
	sessionID   string
	sendTimeout time.Duration

	mu       sync.RWMutex
	queue    chan Event
	closed   bool
	ended    atomic.Bool
	disabled atomic.Bool
	sent     atomic.Int64
	dropped  atomic.Int64

	wg sync.WaitGroup
}

// NewPublisher starts a publisher keyed by sessionID. sink may be nil.
func NewPublisher(sink Sink, sessionID string) *Publisher {
	p := &Publisher{
		sink:        sink,
		sessionID:   sessionID,
		sendTimeout: defaultSendTimeout,
		queue:       make(chan Event, defaultQueueSize),
	}
	if sink == nil {
		logging.Warning(logging.CategoryEvents, "no event stream configured, events will not be published")
		p.disabled.Store(true)
	}
	p.wg.Add(1)
	go p.run()
	return p
}

// Publish queues ev. Only END may wait for queue space; other events are
// dropped with a warning when the queue is full.
func (p *Publisher) Publish(ctx context.Context, ev Event) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed || p.ended.Load() {
		return ErrEnded
	}
	if ev.SessionID == "" {
		ev.SessionID = p.sessionID
	}
	if ev.EventType == TypeEnd {
		p.ended.Store(true)
		select {
		case p.queue <- ev:
		case <-ctx.Done():
			p.dropped.Add(1)
			logging.Warning(logging.CategoryEvents, "END event not queued sessionID=%s: %v", p.sessionID, ctx.Err())
		}
		return nil
	}

	select {
	case p.queue <- ev:
	default:
		p.dropped.Add(1)
		logging.Warning(logging.CategoryEvents, "event queue full, dropping type=%s sessionID=%s", ev.EventType, p.sessionID)
	}
	return nil
}

// Ended reports whether END has been published.
func (p *Publisher) Ended() bool {
	return p.ended.Load()
}

// Stats returns the number of delivered and dropped events.
func (p *Publisher) Stats() (sent, dropped int64) {
	return p.sent.Load(), p.dropped.Load()
}

func (p *Publisher) run() {
	defer p.wg.Done()

	for ev := range p.queue {
		if p.disabled.Load() {
			continue
		}
		p.deliver(ev)
	}
}

func (p *Publisher) deliver(ev Event) {
	body, err := json.Marshal(ev)
	if err != nil {
		logging.Error(logging.CategoryEvents, "marshal event type=%s: %v", ev.EventType, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.sendTimeout)
	defer cancel()

	if err := p.sink.Publish(ctx, p.sessionID, body); err != nil {
		p.dropped.Add(1)
		if errors.Is(err, ErrUnauthorized) {
			p.disabled.Store(true)
			logging.Fail(logging.CategoryEvents, "event stream refused access, publishing disabled sessionID=%s: %v", p.sessionID, err)
			return
		}
		logging.Warning(logging.CategoryEvents, "publish failed type=%s sessionID=%s: %v", ev.EventType, p.sessionID, err)
		return
	}
	p.sent.Add(1)
	logging.Debug(logging.CategoryEvents, "published type=%s sessionID=%s", ev.EventType, p.sessionID)
}

// Close stops accepting events, waits for queued events to be delivered or
// ctx to expire, and closes the sink.
func (p *Publisher) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		p.disabled.Store(true)
		logging.Warning(logging.CategoryEvents, "event flush interrupted, %d events pending", len(p.queue))
	}

	sent, dropped := p.Stats()
	logging.Info(logging.CategoryEvents, "event publisher closed sessionID=%s sent=%d dropped=%d", p.sessionID, sent, dropped)

	if p.sink != nil {
		return p.sink.Close()
	}
	return nil
}
