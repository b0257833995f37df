package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/parking-lock-sync/backend/internal/logging"
	"github.com/parking-lock-sync/backend/internal/protocol"
	"pkt.systems/pslog"
)

const defaultQueueSize = 256

type message struct {
	topic   string
	payload []byte
}

type subscription struct {
	filter  string
	handler Handler
	queue   chan message
}

// Bus is an in-process broker. Every subscription drains its own queue on a
// dedicated goroutine, so delivery is asynchronous and ordered per
// subscriber.
type Bus struct {
	logger    pslog.Logger
	queueSize int

	mu     sync.RWMutex
	subs   []*subscription
	closed bool
	wg     sync.WaitGroup
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithQueueSize overrides the per-subscription queue depth.
func WithQueueSize(n int) BusOption {
	return func(b *Bus) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

// WithBusLogger sets the bus logger.
func WithBusLogger(l pslog.Logger) BusOption {
	return func(b *Bus) { b.logger = l }
}

// NewBus constructs an empty in-process broker.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{queueSize: defaultQueueSize}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = logging.Subsystem(b.logger, "transport").With("transport", "bus")
	return b
}

// Publish enqueues payload for every matching subscription. A subscriber
// whose queue is full misses the message and the call reports ErrTransport.
func (b *Bus) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: publish %s: %v", protocol.ErrTransport, topic, err)
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return fmt.Errorf("%w: bus closed", protocol.ErrTransport)
	}
	var dropped int
	for _, sub := range b.subs {
		if !protocol.MatchTopic(sub.filter, topic) {
			continue
		}
		msg := message{topic: topic, payload: append([]byte(nil), payload...)}
		select {
		case sub.queue <- msg:
		default:
			dropped++
			b.logger.Warn("transport.bus.dropped", "topic", topic, "filter", sub.filter)
		}
	}
	if dropped > 0 {
		return fmt.Errorf("%w: %d subscriber queue(s) full for %s", protocol.ErrTransport, dropped, topic)
	}
	return nil
}

// Subscribe registers h for every topic matching filter.
func (b *Bus) Subscribe(filter string, h Handler) error {
	if filter == "" || h == nil {
		return fmt.Errorf("%w: subscribe requires a filter and handler", protocol.ErrInvalidArgument)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("%w: bus closed", protocol.ErrTransport)
	}
	sub := &subscription{filter: filter, handler: h, queue: make(chan message, b.queueSize)}
	b.subs = append(b.subs, sub)
	b.wg.Add(1)
	go b.drain(sub)
	return nil
}

func (b *Bus) drain(sub *subscription) {
	defer b.wg.Done()
	for msg := range sub.queue {
		b.deliver(sub, msg)
	}
}

func (b *Bus) deliver(sub *subscription, msg message) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("transport.bus.handler_panic", "topic", msg.topic, "panic", r)
		}
	}()
	sub.handler(msg.topic, msg.payload)
}

// Close stops accepting messages and waits for queued deliveries to finish.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, sub := range b.subs {
		close(sub.queue)
	}
	b.mu.Unlock()
	b.wg.Wait()
	return nil
}
