package bus

// Message is what travels on the bus. Payloads pass by reference, consumers
// treat received payloads as read-only unless they own the type.
type Message struct {
	Topic   string
	Key     string // Sharding key, empty for unsharded sends
	ReplyTo string // Reply topic for request/reply, empty otherwise
	Payload interface{}
}

// Handler consumes one message on a drain goroutine started by Handle.
type Handler func(*Message)

// Subscription is one bounded mailbox attached to a topic. Workers that own
// timers select on C() and Done() directly instead of using Handle.
type Subscription struct {
	topic string
	queue chan *Message
	done  chan struct{}
	bus   *Bus
}

// C returns the receive side of the mailbox.
func (s *Subscription) C() <-chan *Message {
	return s.queue
}

// Done is closed when the subscription is cancelled or the bus shuts down.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Topic returns the subscribed topic.
func (s *Subscription) Topic() string {
	return s.topic
}

// Unsubscribe detaches the mailbox from the bus. Buffered messages are
// dropped; Done is closed.
func (s *Subscription) Unsubscribe() {
	s.bus.unsubscribe(s)
}
