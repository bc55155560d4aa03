// Package nats mirrors hub bus events onto NATS subjects and accepts
// commands sent over NATS.
package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sensorhub/internal/logger"
	"sensorhub/internal/metrics"
	"sensorhub/pkg/domain"
	"sensorhub/pkg/event"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

var _ event.Bus = (*Bridge)(nil)

const (
	DefaultPrefix  = "sensorhub"
	commandsToken  = "commands"
	defaultTimeout = 5 * time.Second
)

// Subscription is the part of *nats.Subscription the bridge needs.
type Subscription interface {
	Unsubscribe() error
}

// Conn is the part of *nats.Conn the bridge needs.
type Conn interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, cb nats.MsgHandler) (Subscription, error)
	Drain() error
	IsConnected() bool
}

type natsConn struct{ *nats.Conn }

func (c natsConn) Subscribe(subject string, cb nats.MsgHandler) (Subscription, error) {
	return c.Conn.Subscribe(subject, cb)
}

// connect is swapped in tests.
var connect = func(url string, opts ...nats.Option) (Conn, error) {
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	return natsConn{nc}, nil
}

// CommandRequest is the payload accepted on the commands subject.
type CommandRequest struct {
	ProcedureUID string           `json:"procedureUid"`
	ControlInput string           `json:"controlInput"`
	SenderID     string           `json:"senderId,omitempty"`
	Params       domain.DataBlock `json:"params"`
}

// CommandReply answers a CommandRequest sent with a reply subject.
type CommandReply struct {
	Ack   *domain.CommandAck `json:"ack,omitempty"`
	Error string             `json:"error,omitempty"`
}

// CommandHandler executes a command received over NATS.
type CommandHandler func(ctx context.Context, req CommandRequest) (domain.CommandAck, error)

// Option configures a Bridge.
type Option func(*Bridge)

func WithLogger(l *zap.Logger) Option { return func(b *Bridge) { b.log = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(b *Bridge) { b.metrics = m } }

// WithPrefix sets the first subject token of every bridged message.
func WithPrefix(prefix string) Option {
	return func(b *Bridge) {
		if prefix = strings.Trim(prefix, "."); prefix != "" {
			b.prefix = prefix
		}
	}
}

// WithCommandTimeout bounds the execution of each inbound command.
func WithCommandTimeout(d time.Duration) Option {
	return func(b *Bridge) {
		if d > 0 {
			b.timeout = d
		}
	}
}

// Bridge is an event.Bus that delivers every event to the wrapped bus and
// then publishes it as JSON on the NATS subject derived from its topic.
// NATS delivery is best effort; failures are logged and counted.
type Bridge struct {
	inner   event.Bus
	conn    Conn
	prefix  string
	timeout time.Duration
	log     *zap.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	pubs   map[string]*publisher
	subs   []Subscription
	closed bool
}

// New wraps inner, publishing through conn.
func New(inner event.Bus, conn Conn, opts ...Option) *Bridge {
	b := &Bridge{
		inner:   inner,
		conn:    conn,
		prefix:  DefaultPrefix,
		timeout: defaultTimeout,
		pubs:    make(map[string]*publisher),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.log = logger.OrNop(b.log).Named(logger.ComponentNATS)
	return b
}

// Dial connects to url, retrying with exponential backoff until ctx is done,
// and returns a Bridge wrapping inner.
func Dial(ctx context.Context, url string, inner event.Bus, opts ...Option) (*Bridge, error) {
	b := New(inner, nil, opts...)
	natsOpts := []nats.Option{
		nats.Name("sensorhub"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			b.log.Warn("disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			b.log.Info("reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 250 * time.Millisecond
	policy.MaxInterval = 10 * time.Second
	policy.MaxElapsedTime = 0
	attempt := 0
	conn, err := backoff.RetryNotifyWithData(func() (Conn, error) {
		attempt++
		return connect(url, natsOpts...)
	}, backoff.WithContext(policy, ctx), func(err error, wait time.Duration) {
		b.log.Warn("connect failed, retrying", zap.String("url", url), zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))
	})
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	b.conn = conn
	b.log.Info("connected", zap.String("url", url), zap.String("prefix", b.prefix))
	return b, nil
}

// Subject maps a bus topic to a NATS subject under prefix. Each topic
// segment becomes one subject token; characters NATS reserves are escaped.
func Subject(prefix, topic string) string {
	segments := strings.Split(strings.Trim(topic, "/"), "/")
	tokens := make([]string, 0, len(segments)+1)
	tokens = append(tokens, prefix)
	for _, s := range segments {
		if s == "" {
			continue
		}
		tokens = append(tokens, subjectEscaper.Replace(s))
	}
	return strings.Join(tokens, ".")
}

var subjectEscaper = strings.NewReplacer(".", "%2E", "*", "%2A", ">", "%3E", " ", "%20", "\t", "%09")

// CommandSubject is the subject on which commands are accepted.
func (b *Bridge) CommandSubject() string { return b.prefix + "." + commandsToken }

// Connected reports whether the NATS connection is currently up.
func (b *Bridge) Connected() bool { return b.conn != nil && b.conn.IsConnected() }

func (b *Bridge) Publisher(topic string) event.Publisher {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.pubs[topic]; ok {
		return p
	}
	p := &publisher{inner: b.inner.Publisher(topic), subject: Subject(b.prefix, topic), bridge: b}
	b.pubs[topic] = p
	return p
}

func (b *Bridge) NewSubscription() *event.SubscriptionBuilder {
	return event.NewSubscriptionBuilder(b)
}

// Subscribe registers h on the wrapped bus. Events published on NATS by
// other processes are not delivered.
func (b *Bridge) Subscribe(req event.SubscriptionRequest, h event.Handler) (event.Subscription, error) {
	return b.inner.Subscribe(req, h)
}

func (b *Bridge) forward(subject string, e event.Event) {
	data, err := json.Marshal(e)
	if err == nil {
		err = b.conn.Publish(subject, data)
	}
	b.metrics.BridgeMessage("out", err)
	if err != nil {
		b.log.Warn("forward failed", zap.String("subject", subject), zap.String("type", string(e.EventType())), zap.Error(err))
	}
}

// ServeCommands subscribes to CommandSubject and runs fn for every valid
// request. Requests carrying a reply subject get a CommandReply.
func (b *Bridge) ServeCommands(fn CommandHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.New("bridge closed")
	}
	sub, err := b.conn.Subscribe(b.CommandSubject(), func(msg *nats.Msg) {
		b.handleCommand(msg, fn)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", b.CommandSubject(), err)
	}
	b.subs = append(b.subs, sub)
	return nil
}

func (b *Bridge) handleCommand(msg *nats.Msg, fn CommandHandler) {
	var req CommandRequest
	err := json.Unmarshal(msg.Data, &req)
	if err == nil && (req.ProcedureUID == "" || req.ControlInput == "") {
		err = errors.New("procedureUid and controlInput are required")
	}
	var reply CommandReply
	if err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
		var ack domain.CommandAck
		ack, err = fn(ctx, req)
		cancel()
		if err == nil {
			reply.Ack = &ack
		}
	}
	b.metrics.BridgeMessage("in", err)
	if err != nil {
		reply.Error = err.Error()
		b.log.Warn("command rejected", zap.String("procedure", req.ProcedureUID), zap.String("input", req.ControlInput), zap.Error(err))
	}
	if msg.Reply == "" {
		return
	}
	data, merr := json.Marshal(reply)
	if merr == nil {
		merr = b.conn.Publish(msg.Reply, data)
	}
	if merr != nil {
		b.log.Warn("command reply failed", zap.String("reply", msg.Reply), zap.Error(merr))
	}
}

// Close unsubscribes the command listener and drains the connection.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()
	var errs []error
	for _, s := range subs {
		errs = append(errs, s.Unsubscribe())
	}
	if b.conn != nil {
		errs = append(errs, b.conn.Drain())
	}
	return errors.Join(errs...)
}

type publisher struct {
	inner   event.Publisher
	subject string
	bridge  *Bridge
}

func (p *publisher) Topic() string { return p.inner.Topic() }

func (p *publisher) Publish(e event.Event) {
	p.inner.Publish(e)
	p.bridge.forward(p.subject, e)
}
