// Package memory implements the event bus contract in process.
package memory

import (
	"fmt"
	"sensorhub/internal/logger"
	"sensorhub/internal/metrics"
	"sensorhub/pkg/event"
	"slices"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

var _ event.Bus = (*Bus)(nil)

// Bus is an in-process topic broker. Publishers are created on first use by
// either side, so a subscription made before any producer exists still
// receives that producer's events once it starts publishing.
type Bus struct {
	mu         sync.RWMutex
	publishers map[string]*publisher
	nextID     atomic.Uint64
	log        *zap.Logger
	metrics    *metrics.Metrics
}

// Option configures a Bus.
type Option func(*Bus)

func WithLogger(l *zap.Logger) Option {
	return func(b *Bus) { b.log = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Bus) { b.metrics = m }
}

// New creates an empty bus.
func New(opts ...Option) *Bus {
	b := &Bus{publishers: make(map[string]*publisher)}
	for _, opt := range opts {
		opt(b)
	}
	b.log = logger.OrNop(b.log).Named(logger.ComponentBus)
	return b
}

// Publisher returns the publisher of topic, creating it when needed.
func (b *Bus) Publisher(topic string) event.Publisher {
	return b.ensurePublisher(topic)
}

// NewSubscription starts building a subscription on this bus.
func (b *Bus) NewSubscription() *event.SubscriptionBuilder {
	return event.NewSubscriptionBuilder(b)
}

// Subscribe registers h on every topic of req.
func (b *Bus) Subscribe(req event.SubscriptionRequest, h event.Handler) (event.Subscription, error) {
	if len(req.Topics) == 0 {
		return nil, event.ErrNoTopic
	}
	s := &subscription{
		id:      b.nextID.Add(1),
		bus:     b,
		req:     req,
		handler: h,
		stop:    make(chan struct{}),
	}
	if req.QueueSize > 0 {
		s.queue = make(chan event.Event, req.QueueSize)
		go s.run()
	}
	for _, topic := range req.Topics {
		b.ensurePublisher(topic).add(s)
	}
	b.metrics.SubscriptionsChanged(1)
	return s, nil
}

// Topics lists every topic with a publisher, sorted.
func (b *Bus) Topics() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.publishers))
	for t := range b.publishers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// SubscriberCount returns the number of live subscriptions on topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	p, ok := b.publishers[topic]
	b.mu.RUnlock()
	if !ok {
		return 0
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.subs)
}

func (b *Bus) ensurePublisher(topic string) *publisher {
	b.mu.RLock()
	p, ok := b.publishers[topic]
	b.mu.RUnlock()
	if ok {
		return p
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok = b.publishers[topic]; ok {
		return p
	}
	p = &publisher{topic: topic, bus: b}
	b.publishers[topic] = p
	return p
}

type publisher struct {
	topic string
	bus   *Bus
	mu    sync.RWMutex
	subs  []*subscription
}

func (p *publisher) Topic() string { return p.topic }

// Publish delivers e to the current subscribers in subscription order.
func (p *publisher) Publish(e event.Event) {
	p.mu.RLock()
	subs := slices.Clone(p.subs)
	p.mu.RUnlock()
	p.bus.metrics.EventPublished(string(e.EventType()))
	for _, s := range subs {
		s.deliver(e)
	}
}

func (p *publisher) add(s *subscription) {
	p.mu.Lock()
	p.subs = append(p.subs, s)
	p.mu.Unlock()
}

func (p *publisher) remove(s *subscription) {
	p.mu.Lock()
	p.subs = slices.DeleteFunc(p.subs, func(o *subscription) bool { return o == s })
	p.mu.Unlock()
}

type subscription struct {
	id       uint64
	bus      *Bus
	req      event.SubscriptionRequest
	handler  event.Handler
	queue    chan event.Event
	stop     chan struct{}
	once     sync.Once
	canceled atomic.Bool
}

func (s *subscription) Topics() []string { return slices.Clone(s.req.Topics) }

// Cancel detaches the subscription. It is safe to call from the handler.
// Events queued for an asynchronous subscription are discarded.
func (s *subscription) Cancel() {
	s.once.Do(func() {
		s.canceled.Store(true)
		for _, topic := range s.req.Topics {
			s.bus.ensurePublisher(topic).remove(s)
		}
		close(s.stop)
		s.bus.metrics.SubscriptionsChanged(-1)
	})
}

func (s *subscription) deliver(e event.Event) {
	if s.canceled.Load() || !s.req.Accepts(e.EventType()) {
		return
	}
	if s.queue == nil {
		s.invoke(e)
		return
	}
	select {
	case s.queue <- e:
	case <-s.stop:
	default:
		s.bus.metrics.EventDropped()
		s.bus.log.Warn("subscriber queue full, event dropped",
			zap.String("topic", e.Topic()), zap.String("type", string(e.EventType())))
	}
}

func (s *subscription) run() {
	for {
		select {
		case <-s.stop:
			return
		case e := <-s.queue:
			if s.canceled.Load() {
				return
			}
			s.invoke(e)
		}
	}
}

func (s *subscription) invoke(e event.Event) {
	defer func() {
		if r := recover(); r != nil {
			s.bus.log.Error("event handler panicked",
				zap.String("topic", e.Topic()), zap.String("panic", fmt.Sprint(r)))
		}
	}()
	s.handler(e)
}
