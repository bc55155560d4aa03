package memory

import (
	"cmp"
	"iter"
	"sensorhub/pkg/domain"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var _ domain.CommandStore = (*CommandStore)(nil)

// cmdKey ignores the issue time: only the latest command of each sender on
// each command stream is kept.
type cmdKey struct {
	commandStreamID int64
	senderID        string
}

func (k cmdKey) compare(o cmdKey) int {
	if c := cmp.Compare(k.commandStreamID, o.commandStreamID); c != 0 {
		return c
	}
	return strings.Compare(k.senderID, o.senderID)
}

type cmdEntry struct {
	cmd    domain.Command
	ack    domain.CommandAck
	hasAck bool
}

// CommandStore holds the latest command of every (command stream, sender)
// pair together with its acknowledgment.
type CommandStore struct {
	mu      sync.RWMutex
	byKey   map[cmdKey]*cmdEntry
	byID    map[domain.CommandID]cmdKey
	counter atomic.Uint64
	now     func() time.Time
}

func NewCommandStore() *CommandStore {
	return &CommandStore{
		byKey: make(map[cmdKey]*cmdEntry),
		byID:  make(map[domain.CommandID]cmdKey),
		now:   time.Now,
	}
}

// Add stores cmd under a fresh ID, which is also written into the stored
// command, and returns it.
func (s *CommandStore) Add(cmd domain.Command) domain.CommandID {
	key := cmdKey{commandStreamID: cmd.CommandStreamID, senderID: cmd.SenderID}
	cmd.ID = domain.CommandID(s.counter.Add(1))
	cmd.Params = cmd.Params.Clone()
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.byKey[key]; ok {
		delete(s.byID, prev.cmd.ID)
	}
	s.byKey[key] = &cmdEntry{cmd: cmd}
	s.byID[cmd.ID] = key
	return cmd.ID
}

func (s *CommandStore) Get(id domain.CommandID) (domain.Command, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.byID[id]
	if !ok {
		return domain.Command{}, false
	}
	out := s.byKey[key].cmd
	out.Params = out.Params.Clone()
	return out, true
}

// AddAck attaches ack to its command. Acks for superseded or unknown
// commands fail with ErrNotFound.
func (s *CommandStore) AddAck(ack domain.CommandAck) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.byID[ack.CommandID]
	if !ok {
		return domain.Errorf(domain.ErrNotFound, "ack", "command", "", "command %d not found", ack.CommandID)
	}
	e := s.byKey[key]
	e.ack, e.hasAck = ack, true
	return nil
}

func (s *CommandStore) Ack(id domain.CommandID) (domain.CommandAck, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.byID[id]
	if !ok {
		return domain.CommandAck{}, false
	}
	e := s.byKey[key]
	return e.ack, e.hasAck
}

func (s *CommandStore) Select(f domain.CommandFilter) iter.Seq2[domain.CommandID, domain.Command] {
	return func(yield func(domain.CommandID, domain.Command) bool) {
		for _, e := range s.collect(f) {
			if !yield(e.cmd.ID, e.cmd) {
				return
			}
		}
	}
}

func (s *CommandStore) Count(f domain.CommandFilter) int {
	return len(s.collect(f))
}

func (s *CommandStore) collect(f domain.CommandFilter) []cmdEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.now()
	keys := make([]cmdKey, 0, len(s.byKey))
	for k := range s.byKey {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, cmdKey.compare)
	var out []cmdEntry
	for _, k := range keys {
		e := *s.byKey[k]
		if !f.Matches(e.cmd, now) {
			continue
		}
		e.cmd.Params = e.cmd.Params.Clone()
		out = append(out, e)
		if f.Limit() > 0 && len(out) >= f.Limit() {
			break
		}
	}
	return out
}

func (s *CommandStore) HasData(commandStreamID int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for k := range s.byKey {
		if k.commandStreamID == commandStreamID {
			return true
		}
	}
	return false
}

func (s *CommandStore) RemoveByCommandStream(commandStreamID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, e := range s.byKey {
		if k.commandStreamID == commandStreamID {
			delete(s.byKey, k)
			delete(s.byID, e.cmd.ID)
			n++
		}
	}
	return n
}

func (s *CommandStore) IssueTimeRange(commandStreamID int64) (domain.TimeExtent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var te domain.TimeExtent
	found := false
	for k, e := range s.byKey {
		if k.commandStreamID != commandStreamID {
			continue
		}
		instant := domain.Instant(e.cmd.IssueTime)
		if !found {
			te, found = instant, true
			continue
		}
		te = domain.Span(te, instant)
	}
	return te, found
}

func (s *CommandStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byKey)
}

// CommandRecord is the exported form of a stored command.
type CommandRecord struct {
	Command domain.Command     `json:"command"`
	Ack     *domain.CommandAck `json:"ack,omitempty"`
}

func (s *CommandStore) Export() []CommandRecord {
	entries := s.collect(domain.NewCommandFilter())
	out := make([]CommandRecord, 0, len(entries))
	for _, e := range entries {
		r := CommandRecord{Command: e.cmd}
		if e.hasAck {
			ack := e.ack
			r.Ack = &ack
		}
		out = append(out, r)
	}
	return out
}

func (s *CommandStore) Import(records []CommandRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byKey = make(map[cmdKey]*cmdEntry, len(records))
	s.byID = make(map[domain.CommandID]cmdKey, len(records))
	var maxID domain.CommandID
	for _, r := range records {
		key := cmdKey{commandStreamID: r.Command.CommandStreamID, senderID: r.Command.SenderID}
		if prev, ok := s.byKey[key]; ok {
			delete(s.byID, prev.cmd.ID)
		}
		e := &cmdEntry{cmd: r.Command}
		if r.Ack != nil {
			e.ack, e.hasAck = *r.Ack, true
		}
		s.byKey[key] = e
		s.byID[r.Command.ID] = key
		maxID = max(maxID, r.Command.ID)
	}
	if uint64(maxID) > s.counter.Load() {
		s.counter.Store(uint64(maxID))
	}
}
