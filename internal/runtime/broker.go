package runtime

import "sync"

// subscriberBufferSize is the channel buffer for each stream subscriber.
// Values are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// StreamBroker fans out live workflow stream values to tail subscribers,
// keyed by (workflow id, stream key). It is safe for concurrent use.
//
// Closed topics are retained as markers so that late subscribers (those
// subscribing after a stream closes) receive a closed channel instead of
// blocking forever; the persisted stream in the log store remains the
// authoritative history.
type StreamBroker struct {
	mu     sync.Mutex
	topics map[topicKey]*streamTopic
}

type topicKey struct {
	workflowID string
	key        string
}

type streamTopic struct {
	subs   map[int]chan []byte
	nextID int
	closed bool
}

// NewStreamBroker creates an empty broker.
func NewStreamBroker() *StreamBroker {
	return &StreamBroker{
		topics: make(map[topicKey]*streamTopic),
	}
}

// Subscribe returns a channel receiving values appended to the given stream
// and an unsubscribe function. If the stream is already closed, the returned
// channel is immediately closed.
func (b *StreamBroker) Subscribe(workflowID, key string) (<-chan []byte, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	tk := topicKey{workflowID, key}
	t, ok := b.topics[tk]
	if !ok {
		t = &streamTopic{subs: make(map[int]chan []byte)}
		b.topics[tk] = t
	}

	ch := make(chan []byte, subscriberBufferSize)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, id)
	}
}

// Publish sends a value to all subscribers of the stream. Values are dropped
// for subscribers whose buffers are full so publication never blocks a
// running workflow.
func (b *StreamBroker) Publish(workflowID, key string, value []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[topicKey{workflowID, key}]
	if !ok || t.closed {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- value:
		default:
		}
	}
}

// Close marks a stream finished. All subscriber channels are closed and
// future Subscribe calls return a closed channel.
func (b *StreamBroker) Close(workflowID, key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	tk := topicKey{workflowID, key}
	t, ok := b.topics[tk]
	if !ok {
		b.topics[tk] = &streamTopic{subs: make(map[int]chan []byte), closed: true}
		return
	}

	t.closed = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}

// CloseAll closes every stream topic belonging to a workflow. Called when the
// invocation reaches a terminal state so tails do not hang forever.
func (b *StreamBroker) CloseAll(workflowID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for tk, t := range b.topics {
		if tk.workflowID != workflowID || t.closed {
			continue
		}
		t.closed = true
		for id, ch := range t.subs {
			close(ch)
			delete(t.subs, id)
		}
	}
}
