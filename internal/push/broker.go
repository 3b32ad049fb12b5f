// Package push fans sequenced change messages out to subscribers over
// Server-Sent Events and websockets. Subscribers pick the channels they want
// with a comma separated "topics" query parameter.
package push

import (
	"encoding/json"
	"strings"
	"sync/atomic"

	"github.com/starford/annocollab/internal/metrics"
)

// Message is one change broadcast on a channel.
type Message struct {
	ChangeSequence int64           `json:"changeSequence"`
	UserToken      string          `json:"userToken"`
	Channel        string          `json:"channel"`
	ChangeInfo     json.RawMessage `json:"changeInfo"`
	UserName       string          `json:"userName"`
}

// Subscription receives the messages of its topics. C is closed when the
// subscription ends.
type Subscription struct {
	C      <-chan Message
	ch     chan Message
	topics map[string]struct{}
}

func (s *Subscription) wants(channel string) bool {
	if len(s.topics) == 0 {
		return true
	}
	_, ok := s.topics[channel]
	return ok
}

// Broker manages subscribers and broadcasts messages.
//
// A single internal loop owns the subscriber set. Public methods talk to it
// over channels.
type Broker struct {
	metrics *metrics.Metrics

	subscribeCh   chan *Subscription
	unsubscribeCh chan *Subscription
	publishCh     chan Message
	countReqCh    chan chan int

	stopCh  chan struct{}
	stopped chan struct{}
	closed  atomic.Bool
}

// NewBroker starts a broker. m may be nil.
func NewBroker(m *metrics.Metrics) *Broker {
	b := &Broker{
		metrics:       m,
		subscribeCh:   make(chan *Subscription),
		unsubscribeCh: make(chan *Subscription),
		publishCh:     make(chan Message, 256),
		countReqCh:    make(chan chan int),
		stopCh:        make(chan struct{}),
		stopped:       make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *Broker) run() {
	defer close(b.stopped)

	subs := make(map[*Subscription]struct{})
	for {
		select {
		case <-b.stopCh:
			for s := range subs {
				close(s.ch)
			}
			b.metrics.Subscribed(-len(subs))
			return

		case s := <-b.subscribeCh:
			subs[s] = struct{}{}
			b.metrics.Subscribed(1)

		case s := <-b.unsubscribeCh:
			if _, ok := subs[s]; ok {
				delete(subs, s)
				close(s.ch)
				b.metrics.Subscribed(-1)
			}

		case msg := <-b.publishCh:
			for s := range subs {
				if !s.wants(msg.Channel) {
					continue
				}
				select {
				case s.ch <- msg:
					b.metrics.Pushed("sent")
				default:
					// Slow subscriber; it will notice the sequence gap and catch up.
					b.metrics.Pushed("dropped")
				}
			}

		case resp := <-b.countReqCh:
			resp <- len(subs)
		}
	}
}

// Close stops the loop and closes every subscription.
func (b *Broker) Close() {
	if b.closed.CompareAndSwap(false, true) {
		close(b.stopCh)
	}
	<-b.stopped
}

// Subscribe registers a subscriber for topics. No topics means every channel.
func (b *Broker) Subscribe(topics []string) *Subscription {
	ch := make(chan Message, 64)
	s := &Subscription{C: ch, ch: ch, topics: make(map[string]struct{}, len(topics))}
	for _, t := range topics {
		s.topics[t] = struct{}{}
	}
	if b.closed.Load() {
		close(ch)
		return s
	}
	select {
	case b.subscribeCh <- s:
	case <-b.stopped:
		close(ch)
	}
	return s
}

// Unsubscribe removes s and closes its channel.
func (b *Broker) Unsubscribe(s *Subscription) {
	if b.closed.Load() {
		return
	}
	select {
	case b.unsubscribeCh <- s:
	case <-b.stopped:
	}
}

// ClientCount returns the number of subscribers.
func (b *Broker) ClientCount() int {
	if b.closed.Load() {
		return 0
	}
	resp := make(chan int, 1)
	select {
	case b.countReqCh <- resp:
	case <-b.stopped:
		return 0
	}
	select {
	case n := <-resp:
		return n
	case <-b.stopped:
		return 0
	}
}

// Publish broadcasts msg to the subscribers of its channel.
func (b *Broker) Publish(msg Message) {
	if b.closed.Load() {
		return
	}
	select {
	case b.publishCh <- msg:
	case <-b.stopped:
	}
}

// ParseTopics splits a comma separated topic list, dropping empty entries.
func ParseTopics(raw string) []string {
	var out []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}
