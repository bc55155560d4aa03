package nats

import (
	"context"
	"encoding/json"
	"errors"
	"sensorhub/internal/infra/eventbus/memory"
	"sensorhub/pkg/domain"
	"sensorhub/pkg/event"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
)

type published struct {
	subject string
	data    []byte
}

type fakeSub struct{ unsubscribed bool }

func (s *fakeSub) Unsubscribe() error { s.unsubscribed = true; return nil }

type fakeConn struct {
	mu         sync.Mutex
	msgs       []published
	handlers   map[string]nats.MsgHandler
	subs       []*fakeSub
	failPub    error
	drained    bool
	disconnect bool
}

func newFakeConn() *fakeConn { return &fakeConn{handlers: make(map[string]nats.MsgHandler)} }

func (c *fakeConn) Publish(subject string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failPub != nil {
		return c.failPub
	}
	c.msgs = append(c.msgs, published{subject: subject, data: append([]byte(nil), data...)})
	return nil
}

func (c *fakeConn) Subscribe(subject string, cb nats.MsgHandler) (Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[subject] = cb
	s := &fakeSub{}
	c.subs = append(c.subs, s)
	return s, nil
}

func (c *fakeConn) Drain() error      { c.drained = true; return nil }
func (c *fakeConn) IsConnected() bool { return !c.disconnect }

func (c *fakeConn) deliver(subject, reply string, data []byte) {
	c.mu.Lock()
	h := c.handlers[subject]
	c.mu.Unlock()
	h(&nats.Msg{Subject: subject, Reply: reply, Data: data})
}

func (c *fakeConn) published() []published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]published(nil), c.msgs...)
}

func TestSubjectMapping(t *testing.T) {
	require.Equal(t, "sensorhub.procedures", Subject("sensorhub", event.RegistryTopic))
	require.Equal(t, "hub.procedures.urn:x%2Ey.datastreams.temp%20out.data",
		Subject("hub", event.DataStreamDataTopic("urn:x.y", "temp out")))
	require.Equal(t, "hub.procedures.a%2Fb%2A%3E.status", Subject("hub", event.ProcedureStatusTopic("a/b*>")))
}

func TestPublishReachesInnerBusAndNATS(t *testing.T) {
	inner := memory.New()
	conn := newFakeConn()
	b := New(inner, conn, WithPrefix("hub."))

	var local []event.Event
	_, err := b.NewSubscription().WithTopics(event.RegistryTopic).Subscribe(func(e event.Event) { local = append(local, e) })
	require.NoError(t, err)

	pub := b.Publisher(event.RegistryTopic)
	require.Same(t, pub, b.Publisher(event.RegistryTopic))
	require.Equal(t, event.RegistryTopic, pub.Topic())
	pub.Publish(event.NewProcedureEvent(event.ProcedureAdded, event.RegistryTopic, "urn:p1", ""))

	require.Len(t, local, 1)
	msgs := conn.published()
	require.Len(t, msgs, 1)
	require.Equal(t, "hub.procedures", msgs[0].subject)
	var body map[string]any
	require.NoError(t, json.Unmarshal(msgs[0].data, &body))
	require.Equal(t, "urn:p1", body["procedureUid"])
}

func TestPublishFailureDoesNotBlockLocalDelivery(t *testing.T) {
	inner := memory.New()
	conn := newFakeConn()
	conn.failPub = errors.New("nats: connection closed")
	b := New(inner, conn)

	count := 0
	_, err := b.NewSubscription().WithTopics(event.RegistryTopic).Subscribe(func(event.Event) { count++ })
	require.NoError(t, err)
	b.Publisher(event.RegistryTopic).Publish(event.NewProcedureEvent(event.ProcedureAdded, event.RegistryTopic, "urn:p1", ""))
	require.Equal(t, 1, count)
}

func TestServeCommandsReplies(t *testing.T) {
	conn := newFakeConn()
	b := New(memory.New(), conn, WithCommandTimeout(time.Second))
	var got CommandRequest
	require.NoError(t, b.ServeCommands(func(ctx context.Context, req CommandRequest) (domain.CommandAck, error) {
		_, ok := ctx.Deadline()
		require.True(t, ok)
		got = req
		return domain.CommandAck{CommandID: 7, Status: domain.CommandCompleted}, nil
	}))

	req, _ := json.Marshal(CommandRequest{ProcedureUID: "urn:p1", ControlInput: "valve", Params: domain.DataBlock{"open": true}})
	conn.deliver("sensorhub.commands", "_INBOX.1", req)
	require.Equal(t, "valve", got.ControlInput)
	require.Equal(t, true, got.Params["open"])

	msgs := conn.published()
	require.Len(t, msgs, 1)
	require.Equal(t, "_INBOX.1", msgs[0].subject)
	var reply CommandReply
	require.NoError(t, json.Unmarshal(msgs[0].data, &reply))
	require.Empty(t, reply.Error)
	require.NotNil(t, reply.Ack)
	require.Equal(t, domain.CommandCompleted, reply.Ack.Status)
	require.EqualValues(t, 7, reply.Ack.CommandID)
}

func TestServeCommandsRejectsInvalidRequests(t *testing.T) {
	conn := newFakeConn()
	b := New(memory.New(), conn)
	calls := 0
	require.NoError(t, b.ServeCommands(func(context.Context, CommandRequest) (domain.CommandAck, error) {
		calls++
		return domain.CommandAck{}, errors.New("unknown procedure")
	}))

	conn.deliver(b.CommandSubject(), "r1", []byte("{not json"))
	conn.deliver(b.CommandSubject(), "r2", []byte(`{"procedureUid":"urn:p1"}`))
	conn.deliver(b.CommandSubject(), "r3", []byte(`{"procedureUid":"urn:p1","controlInput":"x"}`))
	conn.deliver(b.CommandSubject(), "", []byte(`{"procedureUid":"urn:p1","controlInput":"x"}`))
	require.Equal(t, 2, calls)

	msgs := conn.published()
	require.Len(t, msgs, 3)
	for _, m := range msgs {
		var reply CommandReply
		require.NoError(t, json.Unmarshal(m.data, &reply))
		require.NotEmpty(t, reply.Error, m.subject)
		require.Nil(t, reply.Ack)
	}
}

func TestCloseUnsubscribesAndDrains(t *testing.T) {
	conn := newFakeConn()
	b := New(memory.New(), conn)
	require.NoError(t, b.ServeCommands(func(context.Context, CommandRequest) (domain.CommandAck, error) {
		return domain.CommandAck{}, nil
	}))
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
	require.True(t, conn.drained)
	require.True(t, conn.subs[0].unsubscribed)
	require.Error(t, b.ServeCommands(func(context.Context, CommandRequest) (domain.CommandAck, error) {
		return domain.CommandAck{}, nil
	}))
}

func TestDialRetriesUntilConnected(t *testing.T) {
	conn := newFakeConn()
	attempts := 0
	orig := connect
	connect = func(string, ...nats.Option) (Conn, error) {
		attempts++
		if attempts < 3 {
			return nil, errors.New("connection refused")
		}
		return conn, nil
	}
	t.Cleanup(func() { connect = orig })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	b, err := Dial(ctx, "nats://127.0.0.1:4222", memory.New())
	require.NoError(t, err)
	require.Equal(t, 3, attempts)
	b.Publisher(event.RegistryTopic).Publish(event.NewProcedureEvent(event.ProcedureAdded, event.RegistryTopic, "urn:p1", ""))
	require.Len(t, conn.published(), 1)
}

func TestDialGivesUpWhenContextEnds(t *testing.T) {
	orig := connect
	connect = func(string, ...nats.Option) (Conn, error) { return nil, errors.New("connection refused") }
	t.Cleanup(func() { connect = orig })

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_, err := Dial(ctx, "nats://127.0.0.1:4222", memory.New())
	require.Error(t, err)
}
