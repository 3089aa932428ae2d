// Package bus implements the in-process message bus connecting ingest,
// aggregators and sinks. Topics are plain strings, each subscriber owns a
// bounded FIFO mailbox. Sharded topics use a consistent hash ring over bare
// shard indexes, so one key always lands on the same index for a fixed shard
// count regardless of the topic prefix — a call and its media reports meet on
// the same shard.
package bus

import (
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/serialx/hashring"

	"firestige.xyz/strix/internal/core"
	"firestige.xyz/strix/internal/log"
	"firestige.xyz/strix/internal/metrics"
)

// replyPrefix marks ephemeral request/reply topics, hidden from Endpoints.
const replyPrefix = "_reply."

type topicState struct {
	subs   []*Subscription
	cursor uint64 // atomic, round-robin position for Send
}

// Bus is the in-process message bus.
type Bus struct {
	queueSize int

	mu     sync.RWMutex
	topics map[string]*topicState
	closed bool

	ringMu sync.Mutex
	rings  map[int]*hashring.HashRing
}

// New creates a bus whose subscriber mailboxes hold queueSize messages.
func New(queueSize int) *Bus {
	return &Bus{
		queueSize: queueSize,
		topics:    make(map[string]*topicState),
		rings:     make(map[int]*hashring.HashRing),
	}
}

// Subscribe attaches a new mailbox to topic.
func (b *Bus) Subscribe(topic string) *Subscription {
	sub := &Subscription{
		topic: topic,
		queue: make(chan *Message, b.queueSize),
		done:  make(chan struct{}),
		bus:   b,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.done)
		return sub
	}
	st, ok := b.topics[topic]
	if !ok {
		st = &topicState{}
		b.topics[topic] = st
	}
	st.subs = append(st.subs, sub)
	return sub
}

// Handle subscribes to topic and drains the mailbox on a dedicated goroutine.
func (b *Bus) Handle(topic string, fn Handler) *Subscription {
	sub := b.Subscribe(topic)
	go func() {
		for {
			select {
			case msg := <-sub.queue:
				fn(msg)
			case <-sub.done:
				return
			}
		}
	}()
	return sub
}

// Publish delivers the message to every subscriber of topic. Full mailboxes
// drop the message for that subscriber and count it, other subscribers still
// receive it.
func (b *Bus) Publish(topic string, payload interface{}) error {
	return b.publish(&Message{Topic: topic, Payload: payload})
}

func (b *Bus) publish(msg *Message) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return fmt.Errorf("strix: event bus is closed")
	}
	st, ok := b.topics[msg.Topic]
	if !ok || len(st.subs) == 0 {
		return fmt.Errorf("%w: %s", core.ErrNoSubscribers, msg.Topic)
	}

	var dropped int
	for _, sub := range st.subs {
		select {
		case sub.queue <- msg:
		default:
			dropped++
			metrics.BusDroppedMessages.WithLabelValues(msg.Topic).Inc()
		}
	}
	if dropped > 0 {
		log.GetLogger().Warnf("bus dropped %d message(s) on full queue, topic=%s", dropped, msg.Topic)
		return fmt.Errorf("%w: %s", core.ErrQueueFull, msg.Topic)
	}
	return nil
}

// Send delivers the message to exactly one subscriber of topic, rotating
// through subscribers round-robin.
func (b *Bus) Send(topic string, payload interface{}) error {
	return b.send(&Message{Topic: topic, Payload: payload})
}

func (b *Bus) send(msg *Message) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return fmt.Errorf("strix: event bus is closed")
	}
	st, ok := b.topics[msg.Topic]
	if !ok || len(st.subs) == 0 {
		return fmt.Errorf("%w: %s", core.ErrNoSubscribers, msg.Topic)
	}

	next := atomic.AddUint64(&st.cursor, 1)
	sub := st.subs[int(next-1)%len(st.subs)]
	select {
	case sub.queue <- msg:
		return nil
	default:
		metrics.BusDroppedMessages.WithLabelValues(msg.Topic).Inc()
		log.GetLogger().Warnf("bus dropped message on full queue, topic=%s", msg.Topic)
		return fmt.Errorf("%w: %s", core.ErrQueueFull, msg.Topic)
	}
}

// SendSharded routes by key to one of the shard topics "<prefix>_<i>" and
// sends to it. The same key and shard count always select the same topic.
func (b *Bus) SendSharded(prefix, key string, shards int, payload interface{}) error {
	topic := b.ShardTopic(prefix, key, shards)
	return b.send(&Message{Topic: topic, Key: key, Payload: payload})
}

// ShardTopic returns the shard topic SendSharded would route key to. The ring
// nodes are bare indexes, so the index a key maps to depends only on the key
// and the shard count, never on the prefix.
func (b *Bus) ShardTopic(prefix, key string, shards int) string {
	if shards <= 1 {
		return prefix + "_0"
	}
	ring := b.ringFor(shards)
	node, ok := ring.GetNode(key)
	if !ok {
		node = "0"
	}
	return prefix + "_" + node
}

func (b *Bus) ringFor(shards int) *hashring.HashRing {
	b.ringMu.Lock()
	defer b.ringMu.Unlock()
	if ring, ok := b.rings[shards]; ok {
		return ring
	}
	nodes := make([]string, shards)
	for i := 0; i < shards; i++ {
		nodes[i] = strconv.Itoa(i)
	}
	ring := hashring.New(nodes)
	b.rings[shards] = ring
	return ring
}

// Request sends to one subscriber of topic and waits for a reply on an
// ephemeral topic, at most timeout.
func (b *Bus) Request(topic string, payload interface{}, timeout time.Duration) (interface{}, error) {
	replyTopic := replyPrefix + uuid.NewString()
	sub := b.Subscribe(replyTopic)
	defer sub.Unsubscribe()

	if err := b.send(&Message{Topic: topic, ReplyTo: replyTopic, Payload: payload}); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case reply := <-sub.queue:
		return reply.Payload, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: %s after %v", core.ErrRequestTimeout, topic, timeout)
	case <-sub.done:
		return nil, fmt.Errorf("strix: event bus is closed")
	}
}

// Reply answers a request message on its reply topic.
func (b *Bus) Reply(req *Message, payload interface{}) error {
	if req.ReplyTo == "" {
		return fmt.Errorf("strix: message has no reply topic")
	}
	return b.send(&Message{Topic: req.ReplyTo, Payload: payload})
}

// Endpoints returns a sorted snapshot of topics with at least one subscriber.
// Ephemeral reply topics are excluded.
func (b *Bus) Endpoints() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	endpoints := make([]string, 0, len(b.topics))
	for topic, st := range b.topics {
		if len(st.subs) == 0 {
			continue
		}
		if len(topic) >= len(replyPrefix) && topic[:len(replyPrefix)] == replyPrefix {
			continue
		}
		endpoints = append(endpoints, topic)
	}
	sort.Strings(endpoints)
	return endpoints
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.topics[sub.topic]
	if !ok {
		return
	}
	for i, s := range st.subs {
		if s == sub {
			st.subs = append(st.subs[:i], st.subs[i+1:]...)
			close(sub.done)
			break
		}
	}
	if len(st.subs) == 0 {
		delete(b.topics, sub.topic)
	}
}

// Close shuts the bus down. Every subscription's Done channel is closed,
// subsequent publishes fail.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, st := range b.topics {
		for _, sub := range st.subs {
			close(sub.done)
		}
	}
	b.topics = make(map[string]*topicState)
	log.GetLogger().Info("event bus closed")
	return nil
}
