package progress

import (
	"sync"
	"time"
)

// Listener receives events synchronously on the publisher's goroutine
type Listener func(Event)

// Channel fans events out to the listeners of each topic.
// There is no buffering or replay: a listener only sees events
// published while it is subscribed.
type Channel struct {
	mu        sync.RWMutex
	listeners map[Topic]map[uint64]Listener
	nextID    uint64
}

// NewChannel creates an empty channel
func NewChannel() *Channel {
	return &Channel{
		listeners: make(map[Topic]map[uint64]Listener),
	}
}

// Publish delivers data to every listener currently subscribed to topic
func (c *Channel) Publish(topic Topic, data interface{}) Event {
	event := Event{
		Kind:      topic.Kind,
		EntityID:  topic.EntityID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	// Copy under lock, call outside it so listeners may unsubscribe
	c.mu.RLock()
	subs := c.listeners[topic]
	targets := make([]Listener, 0, len(subs))
	for _, l := range subs {
		targets = append(targets, l)
	}
	c.mu.RUnlock()

	for _, l := range targets {
		l(event)
	}
	return event
}

// Subscribe registers listener for topic and returns its handle
func (c *Channel) Subscribe(topic Topic, listener Listener) *Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	id := c.nextID
	subs, ok := c.listeners[topic]
	if !ok {
		subs = make(map[uint64]Listener)
		c.listeners[topic] = subs
	}
	subs[id] = listener

	return &Subscription{channel: c, topic: topic, id: id}
}

// ListenerCount returns the number of listeners on topic
func (c *Channel) ListenerCount(topic Topic) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.listeners[topic])
}

// TopicCount returns the number of topics with at least one listener
func (c *Channel) TopicCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.listeners)
}

func (c *Channel) remove(topic Topic, id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	subs, ok := c.listeners[topic]
	if !ok {
		return
	}
	delete(subs, id)
	if len(subs) == 0 {
		delete(c.listeners, topic)
	}
}

// Subscription is the handle returned by Subscribe
type Subscription struct {
	channel *Channel
	topic   Topic
	id      uint64
	once    sync.Once
}

// Topic returns the subscribed topic
func (s *Subscription) Topic() Topic {
	return s.topic
}

// Unsubscribe removes the listener; calling it again is a no-op
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.channel.remove(s.topic, s.id)
	})
}

// Group collects the subscriptions of one observer so they are released together
type Group struct {
	channel *Channel
	mu      sync.Mutex
	subs    []*Subscription
	closed  bool
}

// NewGroup creates a group bound to channel
func NewGroup(c *Channel) *Group {
	return &Group{channel: c}
}

// Subscribe adds a subscription to the group. It returns false once the
// group has been closed.
func (g *Group) Subscribe(topic Topic, listener Listener) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return false
	}
	g.subs = append(g.subs, g.channel.Subscribe(topic, listener))
	return true
}

// Len returns the number of live subscriptions
func (g *Group) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.subs)
}

// Close unsubscribes every member. It is idempotent.
func (g *Group) Close() {
	g.mu.Lock()
	subs := g.subs
	g.subs = nil
	g.closed = true
	g.mu.Unlock()

	for _, s := range subs {
		s.Unsubscribe()
	}
}
