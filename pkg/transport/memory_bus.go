package transport

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryBusConfig tunes redelivery of the in-memory bus.
type MemoryBusConfig struct {
	// RedeliveryDelay delays a nacked message before it is queued again.
	RedeliveryDelay time.Duration
	// MaxDeliveries moves a message to the dead-letter list once it has
	// been nacked this many times. Zero disables dead-lettering.
	MaxDeliveries int
}

// MemoryBus is an in-process bus with consumer groups. Each group sees every
// message published after the group was first subscribed; members of one
// group compete for messages.
type MemoryBus struct {
	cfg    MemoryBusConfig
	seq    atomic.Uint64
	mu     sync.Mutex
	topics map[string]*memoryTopic
	dead   map[string][]Message
	closed chan struct{}
	once   sync.Once
}

type memoryTopic struct {
	groups map[string]*memoryQueue
	// backlog holds messages published before any group subscribed.
	backlog []Message
}

// NewMemoryBus creates an in-memory bus.
func NewMemoryBus(cfg MemoryBusConfig) *MemoryBus {
	return &MemoryBus{
		cfg:    cfg,
		topics: make(map[string]*memoryTopic),
		dead:   make(map[string][]Message),
		closed: make(chan struct{}),
	}
}

// Publish queues payload for every group subscribed to channel.
func (b *MemoryBus) Publish(ctx context.Context, channel, key string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if channel == "" {
		return fmt.Errorf("transport: channel cannot be empty")
	}
	msg := Message{
		ID:        strconv.FormatUint(b.seq.Add(1), 10),
		Channel:   channel,
		Key:       key,
		Payload:   append([]byte(nil), payload...),
		Attempt:   1,
		Timestamp: time.Now().UTC(),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.isClosed() {
		return ErrClosed
	}
	topic := b.topic(channel)
	if len(topic.groups) == 0 {
		topic.backlog = append(topic.backlog, msg)
		return nil
	}
	for _, queue := range topic.groups {
		queue.push(msg)
	}
	return nil
}

// Subscribe joins group on channel.
func (b *MemoryBus) Subscribe(ctx context.Context, channel, group string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if channel == "" || group == "" {
		return nil, fmt.Errorf("transport: channel and group are required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.isClosed() {
		return nil, ErrClosed
	}
	topic := b.topic(channel)
	queue, ok := topic.groups[group]
	if !ok {
		queue = newMemoryQueue()
		for _, msg := range topic.backlog {
			queue.push(msg)
		}
		topic.backlog = nil
		topic.groups[group] = queue
	}
	return &memorySubscription{bus: b, queue: queue, done: make(chan struct{})}, nil
}

// DeadLetters returns messages of channel that exhausted MaxDeliveries.
func (b *MemoryBus) DeadLetters(channel string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Message, len(b.dead[channel]))
	copy(out, b.dead[channel])
	return out
}

// Close stops all subscriptions.
func (b *MemoryBus) Close() error {
	b.once.Do(func() { close(b.closed) })
	return nil
}

func (b *MemoryBus) isClosed() bool {
	select {
	case <-b.closed:
		return true
	default:
		return false
	}
}

func (b *MemoryBus) topic(channel string) *memoryTopic {
	topic, ok := b.topics[channel]
	if !ok {
		topic = &memoryTopic{groups: make(map[string]*memoryQueue)}
		b.topics[channel] = topic
	}
	return topic
}

func (b *MemoryBus) redeliver(queue *memoryQueue, msg Message) {
	if b.cfg.MaxDeliveries > 0 && msg.Attempt >= b.cfg.MaxDeliveries {
		b.mu.Lock()
		b.dead[msg.Channel] = append(b.dead[msg.Channel], msg)
		b.mu.Unlock()
		return
	}
	msg.Attempt++
	if b.cfg.RedeliveryDelay <= 0 {
		queue.push(msg)
		return
	}
	time.AfterFunc(b.cfg.RedeliveryDelay, func() { queue.push(msg) })
}

type memoryQueue struct {
	mu     sync.Mutex
	items  []Message
	notify chan struct{}
}

func newMemoryQueue() *memoryQueue {
	return &memoryQueue{notify: make(chan struct{}, 1)}
}

func (q *memoryQueue) push(msg Message) {
	q.mu.Lock()
	q.items = append(q.items, msg)
	q.mu.Unlock()
	q.signal()
}

func (q *memoryQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *memoryQueue) tryPop() (Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Message{}, false
	}
	msg := q.items[0]
	q.items = q.items[1:]
	if len(q.items) > 0 {
		q.signal()
	}
	return msg, true
}

type memorySubscription struct {
	bus   *MemoryBus
	queue *memoryQueue
	done  chan struct{}
	once  sync.Once
}

func (s *memorySubscription) Next(ctx context.Context) (Delivery, error) {
	for {
		select {
		case <-s.done:
			return nil, ErrClosed
		case <-s.bus.closed:
			return nil, ErrClosed
		default:
		}
		if msg, ok := s.queue.tryPop(); ok {
			return &memoryDelivery{bus: s.bus, queue: s.queue, msg: msg}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.done:
			return nil, ErrClosed
		case <-s.bus.closed:
			return nil, ErrClosed
		case <-s.queue.notify:
		}
	}
}

func (s *memorySubscription) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

type memoryDelivery struct {
	bus     *MemoryBus
	queue   *memoryQueue
	msg     Message
	settled atomic.Bool
}

func (d *memoryDelivery) Message() Message {
	return d.msg
}

func (d *memoryDelivery) Ack(context.Context) error {
	d.settled.Store(true)
	return nil
}

func (d *memoryDelivery) Nack(context.Context) error {
	if d.settled.Swap(true) {
		return nil
	}
	d.bus.redeliver(d.queue, d.msg)
	return nil
}
