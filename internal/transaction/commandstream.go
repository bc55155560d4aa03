package transaction

import (
	"context"
	"sensorhub/pkg/domain"
	"sensorhub/pkg/event"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const entityCommandStream = "commandstream"

// AckFunc receives the acknowledgments of a command sent with SendCommand.
type AckFunc func(domain.CommandAck)

// CommandStreamHandler performs transactions on one command stream and
// routes commands and acknowledgments between senders and the receiver.
type CommandStreamHandler struct {
	root *RootHandler

	mu      sync.Mutex
	key     domain.FeatureKey
	cs      domain.CommandStream
	pending map[domain.CommandID]AckFunc
	ackSub  event.Subscription

	dataPub   event.Publisher
	ackPub    event.Publisher
	statusPub event.Publisher
	procPub   event.Publisher
}

func (r *RootHandler) newCommandStreamHandler(key domain.FeatureKey, cs domain.CommandStream) *CommandStreamHandler {
	return &CommandStreamHandler{
		root:      r,
		key:       key,
		cs:        cs,
		pending:   make(map[domain.CommandID]AckFunc),
		dataPub:   r.bus.Publisher(event.CommandDataTopic(cs.ProcedureUID, cs.ControlInputName)),
		ackPub:    r.bus.Publisher(event.CommandAckTopic(cs.ProcedureUID, cs.ControlInputName)),
		statusPub: r.bus.Publisher(event.CommandStreamStatusTopic(cs.ProcedureUID, cs.ControlInputName)),
		procPub:   r.statusPublisher(cs.ProcedureUID),
	}
}

func (h *CommandStreamHandler) InternalID() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.key.InternalID
}

func (h *CommandStreamHandler) Info() domain.CommandStream {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cs.Clone()
}

// Update changes the record structure and encoding of the command stream.
func (h *CommandStreamHandler) Update(schema domain.RecordSchema, enc domain.Encoding) (bool, error) {
	return h.UpdateInfo(domain.CommandStream{Schema: schema, Encoding: enc})
}

// UpdateInfo replaces the command stream description. Once commands were
// issued, the record structure and encoding can no longer change.
func (h *CommandStreamHandler) UpdateInfo(cs domain.CommandStream) (bool, error) {
	changed, err := h.updateInfo(cs)
	h.root.metrics.Mutation(entityCommandStream, "update", err)
	if changed {
		h.publishStatus(event.CommandStreamChanged)
	}
	return changed, err
}

func (h *CommandStreamHandler) updateInfo(cs domain.CommandStream) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	csUID := h.cs.UniqueID()
	if cs.ControlInputName != "" && cs.ControlInputName != h.cs.ControlInputName {
		return false, domain.Errorf(domain.ErrIllegalArgument, "update", entityCommandStream, csUID, "cannot change input name to %q", cs.ControlInputName)
	}
	if err := checkStreamName("update", entityCommandStream, h.cs.ProcedureUID, h.cs.ControlInputName, &cs.Schema); err != nil {
		return false, err
	}

	store := h.root.db.CommandStreams()
	cur, ok := store.Get(h.key)
	if !ok {
		return false, domain.Errorf(domain.ErrNotFound, "update", entityCommandStream, csUID, "command stream no longer exists")
	}
	if cur.HasData() && !cur.IsCompatible(cs.Schema, cs.Encoding) {
		return false, domain.Errorf(domain.ErrIllegalArgument, "update", entityCommandStream, csUID, "cannot change record structure or encoding of a command stream that has commands")
	}

	cs.ProcedureID = cur.ProcedureID
	cs.ProcedureUID = cur.ProcedureUID
	cs.ControlInputName = cur.ControlInputName
	if cs.Name == "" {
		cs.Name = cur.Name
	}
	if cs.Description == "" {
		cs.Description = cur.Description
	}
	if cs.ValidTime.IsZero() {
		cs.ValidTime = cur.ValidTime
	}
	if cs.Schema.Equal(cur.Schema) && cs.Encoding.Equal(cur.Encoding) &&
		cs.Name == cur.Name && cs.Description == cur.Description && cs.ValidTime == cur.ValidTime {
		h.cs = cur
		return false, nil
	}

	key := h.key
	var err error
	if cs.ValidTime.Begin.Equal(key.ValidStart) {
		err = store.Put(key, cs)
	} else {
		key, err = store.AddVersion(cs)
	}
	if err != nil {
		return false, err
	}
	h.key = key
	h.cs = cs
	return true, nil
}

// SendCommand stores cmd and publishes it to the receiver of the stream.
// onAck, when not nil, is called for every acknowledgment of the command
// until a final one arrives.
func (h *CommandStreamHandler) SendCommand(ctx context.Context, cmd domain.Command, onAck AckFunc) (domain.CommandID, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	h.mu.Lock()
	key, cs := h.key, h.cs
	h.mu.Unlock()

	if cmd.CommandStreamID != 0 && cmd.CommandStreamID != key.InternalID {
		return 0, domain.Errorf(domain.ErrIllegalArgument, "send command", entityCommandStream, cs.UniqueID(), "command addressed to command stream %d", cmd.CommandStreamID)
	}
	cmd.CommandStreamID = key.InternalID
	if cmd.IssueTime.IsZero() {
		cmd.IssueTime = h.root.now()
	}
	if cmd.SenderID == "" {
		cmd.SenderID = uuid.NewString()
	}
	if onAck != nil {
		if err := h.subscribeAcks(); err != nil {
			return 0, err
		}
	}

	cmd.ID = h.root.db.Commands().Add(cmd)
	if onAck != nil {
		h.mu.Lock()
		h.pending[cmd.ID] = onAck
		h.mu.Unlock()
	}
	h.dataPub.Publish(event.NewCommandEvent(h.dataPub.Topic(), cs.ProcedureUID, cs.ControlInputName, cmd))
	h.root.log.Debug("command sent", zap.String("uid", cs.UniqueID()), zap.Uint64("command", uint64(cmd.ID)))
	return cmd.ID, nil
}

// subscribeAcks subscribes to the ack topic on first use.
func (h *CommandStreamHandler) subscribeAcks() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ackSub != nil {
		return nil
	}
	sub, err := h.root.bus.NewSubscription().
		WithTopics(h.ackPub.Topic()).
		WithEventTypes(event.CommandAck).
		Subscribe(h.handleAck)
	if err != nil {
		return err
	}
	h.ackSub = sub
	return nil
}

func (h *CommandStreamHandler) handleAck(e event.Event) {
	ae, ok := e.(event.CommandAckEvent)
	if !ok {
		return
	}
	h.mu.Lock()
	fn := h.pending[ae.Ack.CommandID]
	if ae.Ack.IsFinal() {
		delete(h.pending, ae.Ack.CommandID)
	}
	h.mu.Unlock()
	if fn != nil {
		fn(ae.Ack)
	}
}

// PublishAck stores ack with its command and publishes it on the ack topic.
// The store keeps only the latest command of each sender, so acks for
// superseded or unknown commands are still published but not stored.
func (h *CommandStreamHandler) PublishAck(ack domain.CommandAck) error {
	h.mu.Lock()
	key, cs := h.key, h.cs
	h.mu.Unlock()

	if ack.CommandStreamID == 0 {
		ack.CommandStreamID = key.InternalID
	}
	if err := h.root.db.Commands().AddAck(ack); err != nil {
		h.root.log.Debug("ack not stored", zap.String("uid", cs.UniqueID()), zap.Uint64("command", uint64(ack.CommandID)), zap.Error(err))
	}
	h.ackPub.Publish(event.NewCommandAckEvent(h.ackPub.Topic(), cs.ProcedureUID, cs.ControlInputName, ack))
	return nil
}

// ConnectReceiver subscribes fn to the commands sent to the stream.
func (h *CommandStreamHandler) ConnectReceiver(fn func(domain.Command)) (event.Subscription, error) {
	return h.root.bus.NewSubscription().
		WithTopics(h.dataPub.Topic()).
		WithEventTypes(event.CommandIn).
		Subscribe(func(e event.Event) {
			if ce, ok := e.(event.CommandEvent); ok {
				fn(ce.Command)
			}
		})
}

// ConnectSender subscribes fn to every acknowledgment published on the stream.
func (h *CommandStreamHandler) ConnectSender(fn func(domain.CommandAck)) (event.Subscription, error) {
	return h.root.bus.NewSubscription().
		WithTopics(h.ackPub.Topic()).
		WithEventTypes(event.CommandAck).
		Subscribe(func(e event.Event) {
			if ae, ok := e.(event.CommandAckEvent); ok {
				fn(ae.Ack)
			}
		})
}

// PendingAcks returns the number of commands still waiting for a final ack.
func (h *CommandStreamHandler) PendingAcks() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending)
}

// Close cancels the ack subscription and drops pending callbacks.
func (h *CommandStreamHandler) Close() {
	h.mu.Lock()
	sub := h.ackSub
	h.ackSub = nil
	clear(h.pending)
	h.mu.Unlock()
	if sub != nil {
		sub.Cancel()
	}
}

// Delete removes the command stream with all its versions and commands.
func (h *CommandStreamHandler) Delete() (bool, error) {
	ok, err := h.delete()
	h.root.metrics.Mutation(entityCommandStream, "delete", err)
	if ok {
		h.Close()
	}
	return ok, err
}

func (h *CommandStreamHandler) delete() (bool, error) {
	id := h.InternalID()
	store := h.root.db.CommandStreams()
	cur, ok := store.CurrentVersionByID(id)
	if !ok {
		return false, nil
	}
	if cur.ValidTime.EndsNow() {
		h.publishStatus(event.CommandStreamDisabled)
	}
	n := h.root.db.Commands().RemoveByCommandStream(id)
	removed, err := store.Remove(cur.UniqueID())
	if err != nil || !removed {
		return false, err
	}
	h.publishStatus(event.CommandStreamRemoved)
	h.root.log.Debug("command stream removed", zap.String("uid", cur.UniqueID()), zap.Int("commands", n))
	return true, nil
}

func (h *CommandStreamHandler) Enable()  { h.publishStatus(event.CommandStreamEnabled) }
func (h *CommandStreamHandler) Disable() { h.publishStatus(event.CommandStreamDisabled) }

func (h *CommandStreamHandler) publishStatus(kind event.Type) {
	h.mu.Lock()
	procUID, input, id := h.cs.ProcedureUID, h.cs.ControlInputName, h.key.InternalID
	h.mu.Unlock()
	for _, pub := range []event.Publisher{h.statusPub, h.procPub} {
		pub.Publish(event.NewCommandStreamEvent(kind, pub.Topic(), procUID, input, id))
	}
}
