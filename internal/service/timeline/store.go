package timeline

import (
	"cmp"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/zhouzirui/codechat/backend/internal/model/chat"
)

const tempIDPrefix = "local-"

type entry struct {
	msg   chat.Message
	seq   uint64
	local bool
}

func compareEntries(a, b entry) int {
	if c := a.msg.CreatedAt.Compare(b.msg.CreatedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.seq, b.seq)
}

// Store is the ordered, deduplicated view of one session's messages.
//
// Entries are ordered by (createdAt, insertion sequence). Local entries carry a
// temporary id until a confirmed row replaces them; no two confirmed entries
// share an id. Store is safe for concurrent use.
type Store struct {
	mu        sync.RWMutex
	sessionID string
	entries   []entry
	seq       uint64
	localSeq  uint64
	now       func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used to stamp local messages.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates an empty store for the session.
func New(sessionID string, opts ...Option) *Store {
	s := &Store{
		sessionID: sessionID,
		entries:   make([]entry, 0, 32),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SessionID returns the session the store belongs to.
func (s *Store) SessionID() string {
	return s.sessionID
}

// AppendLocal adds an optimistic message at the end of the order and returns
// its temporary id.
func (s *Store) AppendLocal(message chat.Message) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.localSeq++
	id := fmt.Sprintf("%s%d", tempIDPrefix, s.localSeq)
	for s.indexOf(id) >= 0 {
		s.localSeq++
		id = fmt.Sprintf("%s%d", tempIDPrefix, s.localSeq)
	}

	message.ID = id
	message.SessionID = s.sessionID
	if message.CreatedAt.IsZero() {
		message.CreatedAt = s.now()
	}
	if n := len(s.entries); n > 0 {
		if last := s.entries[n-1].msg.CreatedAt; message.CreatedAt.Before(last) {
			message.CreatedAt = last
		}
	}
	if message.Delivery == "" {
		message.Delivery = chat.DeliveryPending
	}

	s.entries = append(s.entries, entry{msg: message.Clone(), seq: s.nextSeq(), local: true})
	return id
}

// ReconcileConfirmed swaps the temporary entry for the confirmed row. The entry
// keeps its position unless the confirmed createdAt breaks the order. When the
// temp id is unknown the row is inserted, or merged into an existing entry with
// the same id. It reports whether the store changed.
func (s *Store) ReconcileConfirmed(tempID string, confirmed chat.Message) bool {
	if confirmed.ID == "" {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.adopt(&confirmed) {
		return false
	}
	confirmed.Delivery = ""

	tempIdx := s.indexLocal(tempID)
	confIdx := s.indexConfirmed(confirmed.ID)

	switch {
	case confIdx >= 0:
		s.entries[confIdx].msg = confirmed.Clone()
		if tempIdx >= 0 {
			s.removeAt(tempIdx)
		}
		s.sortIfNeeded()
	case tempIdx >= 0:
		s.entries[tempIdx].msg = confirmed.Clone()
		s.entries[tempIdx].local = false
		if !s.inOrder(tempIdx) {
			s.resort()
		}
	default:
		s.insertSorted(entry{msg: confirmed.Clone(), seq: s.nextSeq()})
	}
	return true
}

// MarkFailed flags a local entry as not durably saved.
func (s *Store) MarkFailed(tempID string) bool {
	return s.setDelivery(tempID, chat.DeliveryFailed)
}

// MarkPending flags a local entry as having a write in flight.
func (s *Store) MarkPending(tempID string) bool {
	return s.setDelivery(tempID, chat.DeliveryPending)
}

func (s *Store) setDelivery(tempID string, delivery chat.Delivery) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexLocal(tempID)
	if idx < 0 {
		return false
	}
	s.entries[idx].msg.Delivery = delivery
	return true
}

// MergeRemote merges a server listing by id. The result is the deduplicated
// union ordered by (createdAt, insertion sequence). Local entries are kept.
func (s *Store) MergeRemote(messages []chat.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	index := make(map[string]int, len(s.entries))
	for i, e := range s.entries {
		if !e.local {
			index[e.msg.ID] = i
		}
	}

	for _, m := range messages {
		if m.ID == "" || !s.adopt(&m) {
			continue
		}
		m.Delivery = ""
		if idx, ok := index[m.ID]; ok {
			s.entries[idx].msg = m.Clone()
			continue
		}
		index[m.ID] = len(s.entries)
		s.entries = append(s.entries, entry{msg: m.Clone(), seq: s.nextSeq()})
	}

	s.resort()
}

// ApplyRealtimeInsert inserts a pushed row unless its id is already present.
func (s *Store) ApplyRealtimeInsert(message chat.Message) bool {
	if message.ID == "" {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.adopt(&message) || s.indexOf(message.ID) >= 0 {
		return false
	}
	message.Delivery = ""
	s.insertSorted(entry{msg: message.Clone(), seq: s.nextSeq()})
	return true
}

// ApplyRealtimeUpdate replaces a confirmed entry. Unknown ids are ignored.
func (s *Store) ApplyRealtimeUpdate(message chat.Message) bool {
	if message.ID == "" {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.adopt(&message) {
		return false
	}
	idx := s.indexConfirmed(message.ID)
	if idx < 0 {
		return false
	}
	message.Delivery = ""
	s.entries[idx].msg = message.Clone()
	s.sortIfNeeded()
	return true
}

// ApplyRealtimeDelete removes a confirmed entry.
func (s *Store) ApplyRealtimeDelete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexConfirmed(id)
	if idx < 0 {
		return false
	}
	s.removeAt(idx)
	return true
}

// Snapshot returns an ordered copy of the messages.
func (s *Store) Snapshot() []chat.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]chat.Message, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.msg.Clone()
	}
	return out
}

// Failed returns the local messages whose write failed, in order.
func (s *Store) Failed() []chat.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []chat.Message
	for _, e := range s.entries {
		if e.local && e.msg.Delivery == chat.DeliveryFailed {
			out = append(out, e.msg.Clone())
		}
	}
	return out
}

// Get looks up a message by confirmed or temporary id.
func (s *Store) Get(id string) (chat.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx := s.indexOf(id)
	if idx < 0 {
		return chat.Message{}, false
	}
	return s.entries[idx].msg.Clone(), true
}

// Len returns the number of visible messages.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// adopt fills in the session id and rejects rows of other sessions.
func (s *Store) adopt(m *chat.Message) bool {
	if m.SessionID == "" {
		m.SessionID = s.sessionID
	}
	return m.SessionID == s.sessionID
}

func (s *Store) nextSeq() uint64 {
	s.seq++
	return s.seq
}

func (s *Store) indexOf(id string) int {
	for i, e := range s.entries {
		if e.msg.ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) indexLocal(id string) int {
	for i, e := range s.entries {
		if e.local && e.msg.ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) indexConfirmed(id string) int {
	for i, e := range s.entries {
		if !e.local && e.msg.ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) removeAt(idx int) {
	s.entries = slices.Delete(s.entries, idx, idx+1)
}

func (s *Store) insertSorted(e entry) {
	pos := sort.Search(len(s.entries), func(i int) bool {
		return compareEntries(s.entries[i], e) > 0
	})
	s.entries = slices.Insert(s.entries, pos, e)
}

func (s *Store) inOrder(idx int) bool {
	if idx > 0 && compareEntries(s.entries[idx-1], s.entries[idx]) > 0 {
		return false
	}
	if idx < len(s.entries)-1 && compareEntries(s.entries[idx], s.entries[idx+1]) > 0 {
		return false
	}
	return true
}

func (s *Store) sortIfNeeded() {
	if !slices.IsSortedFunc(s.entries, compareEntries) {
		s.resort()
	}
}

func (s *Store) resort() {
	slices.SortFunc(s.entries, compareEntries)
}
