package service

import (
	"sort"
	"sync"
	"time"

	"chatsync/server/chatsync/domain"
	commonlog "chatsync/server/common/log"
)

type StoreConfig struct {
	SelfID string
	// StatusCacheSize bounds the message id -> room id index.
	StatusCacheSize int
	// CorrelationWindow is the tolerance for matching an ack without a client id.
	CorrelationWindow time.Duration
}

type roomState struct {
	room     domain.Room
	order    []string
	messages map[string]*domain.Message
	read     map[string]struct{}
	// live records messages that arrived on the socket: true when they were
	// counted as unread, false when they arrived in the active room.
	live map[string]bool
	// seeded is what is left of the server's unread count; receipts for
	// messages that did not arrive live may only draw on it.
	seeded int
	typing map[string]domain.TypingEntry
}

func newRoomState(room domain.Room) *roomState {
	return &roomState{
		room:     room,
		messages: map[string]*domain.Message{},
		read:     map[string]struct{}{},
		live:     map[string]bool{},
		seeded:   room.UnreadCount,
		typing:   map[string]domain.TypingEntry{},
	}
}

type pendingSend struct {
	roomID string
	sentAt time.Time
}

// Store is the only owner of chat state. Every mutation goes through Dispatch
// and is applied under one lock, so transitions are serialized.
type Store struct {
	cfg StoreConfig

	mu       sync.Mutex
	rooms    map[string]*roomState
	active   string
	presence map[string]domain.Presence
	index    *roomIndex
	pending  map[string]pendingSend
	queue    []Change

	notifyMu     sync.Mutex
	listenerMu   sync.Mutex
	listeners    map[int]func(Change)
	nextListener int
}

func NewStore(cfg StoreConfig) *Store {
	if cfg.CorrelationWindow <= 0 {
		cfg.CorrelationWindow = 15 * time.Second
	}
	return &Store{
		cfg:       cfg,
		rooms:     map[string]*roomState{},
		presence:  map[string]domain.Presence{},
		index:     newRoomIndex(cfg.StatusCacheSize),
		pending:   map[string]pendingSend{},
		listeners: map[int]func(Change){},
	}
}

func (s *Store) SelfID() string {
	return s.cfg.SelfID
}

// Subscribe registers fn for applied changes. Notifications are delivered one
// at a time in the order the changes were applied.
func (s *Store) Subscribe(fn func(Change)) func() {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	id := s.nextListener
	s.nextListener++
	s.listeners[id] = fn
	return func() {
		s.listenerMu.Lock()
		defer s.listenerMu.Unlock()
		delete(s.listeners, id)
	}
}

func (s *Store) Dispatch(a Action) Change {
	s.mu.Lock()
	ch := s.apply(a)
	ch.Action = a.actionName()
	if rs := s.rooms[ch.RoomID]; rs != nil {
		ch.Unread = rs.room.UnreadCount
	}
	if ch.Applied {
		s.queue = append(s.queue, ch)
	}
	s.mu.Unlock()
	if ch.Applied {
		s.drain()
	}
	return ch
}

// drain delivers queued changes. A Dispatch made from inside a listener only
// enqueues; the goroutine already draining picks it up.
func (s *Store) drain() {
	for {
		if !s.notifyMu.TryLock() {
			return
		}
		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			ch := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			s.notify(ch)
		}
		s.notifyMu.Unlock()

		s.mu.Lock()
		empty := len(s.queue) == 0
		s.mu.Unlock()
		if empty {
			return
		}
	}
}

func (s *Store) notify(ch Change) {
	s.listenerMu.Lock()
	fns := make([]func(Change), 0, len(s.listeners))
	for i := 0; i < s.nextListener; i++ {
		if fn, ok := s.listeners[i]; ok {
			fns = append(fns, fn)
		}
	}
	s.listenerMu.Unlock()
	for _, fn := range fns {
		fn(ch)
	}
}

func (s *Store) apply(a Action) Change {
	switch a := a.(type) {
	case RoomsLoaded:
		return s.roomsLoaded(a)
	case RoomUpserted:
		return s.roomUpserted(a)
	case RoomSelected:
		return s.roomSelected(a)
	case RoomHidden:
		return s.roomHidden(a)
	case HistoryLoaded:
		return s.historyLoaded(a)
	case MessageReceived:
		return s.messageReceived(a)
	case MessageStatusUpdated:
		return s.statusUpdated(a)
	case MessagesRead:
		return s.messagesRead(a)
	case TypingChanged:
		return s.typingChanged(a)
	case PresenceChanged:
		return s.presenceChanged(a)
	case ReactionChanged:
		return s.reactionChanged(a)
	case OutboundQueued:
		return s.outboundQueued(a)
	case OutboundFailed:
		return s.outboundFailed(a)
	case OutboundRetrying:
		return s.outboundRetrying(a)
	}
	commonlog.Warnf("event=chat_store action=dispatch status=ignored type=%T", a)
	return Change{}
}

func (s *Store) roomsLoaded(a RoomsLoaded) Change {
	seen := make(map[string]struct{}, len(a.Rooms))
	for _, in := range a.Rooms {
		if in.ID == "" {
			continue
		}
		seen[in.ID] = struct{}{}
		room := in.Clone()
		room.NeedsRefetch = false
		if room.UnreadCount < 0 {
			room.UnreadCount = 0
		}
		rs := s.rooms[in.ID]
		if rs == nil {
			s.rooms[in.ID] = newRoomState(room)
			continue
		}
		if local := rs.room.LastMessage; local != nil && (room.LastMessage == nil || local.Timestamp.After(room.LastMessage.Timestamp)) {
			room.LastMessage = local
		}
		rs.room = room
		rs.live = map[string]bool{}
		rs.seeded = room.UnreadCount
	}
	for id, rs := range s.rooms {
		if _, ok := seen[id]; !ok && !rs.room.NeedsRefetch {
			rs.room.Hidden = true
		}
	}
	if rs := s.rooms[s.active]; rs == nil || rs.room.Hidden {
		s.active = ""
	}
	return Change{Applied: true}
}

func (s *Store) roomUpserted(a RoomUpserted) Change {
	if a.Room.ID == "" {
		return Change{}
	}
	room := a.Room.Clone()
	room.NeedsRefetch = false
	rs := s.rooms[room.ID]
	switch {
	case rs == nil:
		if a.Unread != nil {
			room.UnreadCount = *a.Unread
		}
		room.UnreadCount = max(room.UnreadCount, 0)
		rs = newRoomState(room)
		s.rooms[room.ID] = rs
	case a.Unread != nil:
		room.UnreadCount = max(*a.Unread, 0)
		rs.live = map[string]bool{}
		rs.seeded = room.UnreadCount
		fallthrough
	default:
		if a.Unread == nil {
			room.UnreadCount = rs.room.UnreadCount
		}
		if local := rs.room.LastMessage; local != nil && (room.LastMessage == nil || local.Timestamp.After(room.LastMessage.Timestamp)) {
			room.LastMessage = local
		}
		rs.room = room
	}
	return Change{Applied: true, RoomID: room.ID}
}

func (s *Store) roomSelected(a RoomSelected) Change {
	if a.RoomID != "" {
		if rs := s.rooms[a.RoomID]; rs == nil {
			commonlog.Debugf("event=chat_store action=select status=ignored room_id=%s reason=unknown_room", a.RoomID)
			return Change{RoomID: a.RoomID}
		}
	}
	if s.active == a.RoomID {
		return Change{RoomID: a.RoomID}
	}
	s.active = a.RoomID
	return Change{Applied: true, RoomID: a.RoomID}
}

func (s *Store) roomHidden(a RoomHidden) Change {
	rs := s.rooms[a.RoomID]
	if rs == nil || rs.room.Hidden {
		return Change{RoomID: a.RoomID}
	}
	rs.room.Hidden = true
	if s.active == a.RoomID {
		s.active = ""
	}
	return Change{Applied: true, RoomID: a.RoomID}
}

func (s *Store) historyLoaded(a HistoryLoaded) Change {
	if a.RoomID == "" {
		return Change{}
	}
	rs, created := s.ensureRoom(a.RoomID)
	ch := Change{Applied: created, RoomID: a.RoomID}
	for _, in := range a.Messages {
		if in.ID == "" {
			continue
		}
		m := in.Clone()
		m.RoomID = a.RoomID
		m.SendState = domain.SendStateConfirmed
		if m.SenderID == s.cfg.SelfID {
			if tmp := s.resolvePending(rs, m); tmp != "" {
				ch.ResolvedTempID = tmp
				ch.Applied = true
			}
		}
		s.index.Add(m.ID, a.RoomID)
		if existing := rs.messages[m.ID]; existing != nil {
			if mergeMessage(existing, m) {
				ch.MessageIDs = append(ch.MessageIDs, m.ID)
				touchLastMessage(rs, *existing)
			}
			continue
		}
		insertMessage(rs, &m)
		touchLastMessage(rs, m)
		ch.MessageIDs = append(ch.MessageIDs, m.ID)
	}
	if len(ch.MessageIDs) > 0 {
		ch.Applied = true
	}
	return ch
}

func (s *Store) messageReceived(a MessageReceived) Change {
	m := a.Message.Clone()
	if m.ID == "" || m.RoomID == "" {
		commonlog.Warnf("event=chat_store action=message_received status=ignored reason=missing_id")
		return Change{}
	}
	m.SendState = domain.SendStateConfirmed
	rs, created := s.ensureRoom(m.RoomID)
	ch := Change{Applied: created, RoomID: m.RoomID, MessageIDs: []string{m.ID}}
	if m.SenderID == s.cfg.SelfID {
		if tmp := s.resolvePending(rs, m); tmp != "" {
			ch.ResolvedTempID = tmp
			ch.Applied = true
		}
	}
	s.index.Add(m.ID, m.RoomID)

	if existing := rs.messages[m.ID]; existing != nil {
		if mergeMessage(existing, m) {
			touchLastMessage(rs, *existing)
			ch.Applied = true
		}
		return ch
	}
	insertMessage(rs, &m)
	touchLastMessage(rs, m)
	ch.Applied = true

	if m.SenderID == s.cfg.SelfID || m.Deleted {
		return ch
	}
	if _, read := rs.read[m.ID]; read {
		return ch
	}
	counted := m.RoomID != s.active
	rs.live[m.ID] = counted
	if counted {
		rs.room.UnreadCount++
	}
	return ch
}

func (s *Store) statusUpdated(a MessageStatusUpdated) Change {
	u := a.Update
	rs, msg := s.locate(u.MessageID, u.RoomID)
	if msg == nil {
		commonlog.Debugf("event=chat_store action=status status=ignored message_id=%s reason=unknown_message", u.MessageID)
		return Change{}
	}
	ch := Change{RoomID: rs.room.ID, MessageIDs: []string{msg.ID}, UserID: u.UserID}
	if u.Status.Rank() == 0 || u.Status.Rank() <= msg.Statuses[u.UserID].Rank() {
		return ch
	}
	if msg.Statuses == nil {
		msg.Statuses = map[string]domain.DeliveryStatus{}
	}
	msg.Statuses[u.UserID] = u.Status
	ch.Applied = true
	return ch
}

func (s *Store) messagesRead(a MessagesRead) Change {
	rs := s.rooms[a.RoomID]
	if rs == nil {
		return Change{RoomID: a.RoomID}
	}
	ch := Change{RoomID: a.RoomID}
	for _, id := range a.MessageIDs {
		if id == "" {
			continue
		}
		if _, ok := rs.read[id]; ok {
			continue
		}
		rs.read[id] = struct{}{}
		ch.MessageIDs = append(ch.MessageIDs, id)
		if counted, ok := rs.live[id]; ok {
			delete(rs.live, id)
			if counted && rs.room.UnreadCount > 0 {
				rs.room.UnreadCount--
			}
			continue
		}
		msg := rs.messages[id]
		if msg == nil || msg.SenderID == s.cfg.SelfID || msg.SendState != domain.SendStateConfirmed || msg.Statuses[s.cfg.SelfID] == domain.StatusSeen {
			continue
		}
		if rs.seeded > 0 && rs.room.UnreadCount > 0 {
			rs.seeded--
			rs.room.UnreadCount--
		}
	}
	ch.Applied = len(ch.MessageIDs) > 0
	return ch
}

func (s *Store) typingChanged(a TypingChanged) Change {
	rs := s.rooms[a.RoomID]
	if rs == nil || a.UserID == "" || a.UserID == s.cfg.SelfID {
		return Change{RoomID: a.RoomID}
	}
	ch := Change{RoomID: a.RoomID, UserID: a.UserID}
	if a.Typing {
		rs.typing[a.UserID] = domain.TypingEntry{RoomID: a.RoomID, UserID: a.UserID, UserName: a.UserName, ExpiresAt: a.ExpiresAt}
		ch.Applied = true
		return ch
	}
	if _, ok := rs.typing[a.UserID]; ok {
		delete(rs.typing, a.UserID)
		ch.Applied = true
	}
	return ch
}

func (s *Store) presenceChanged(a PresenceChanged) Change {
	p := a.Presence
	if p.UserID == "" {
		return Change{}
	}
	ch := Change{UserID: p.UserID}
	if current, ok := s.presence[p.UserID]; ok && current.Online == p.Online && current.LastSeenAt.Equal(p.LastSeenAt) {
		return ch
	}
	s.presence[p.UserID] = p
	ch.Applied = true
	return ch
}

func (s *Store) reactionChanged(a ReactionChanged) Change {
	e := a.Event
	rs, msg := s.locate(e.MessageID, "")
	if msg == nil {
		return Change{}
	}
	ch := Change{RoomID: rs.room.ID, MessageIDs: []string{msg.ID}, UserID: e.UserID}
	idx := -1
	for i, r := range msg.Reactions {
		if r.UserID == e.UserID && r.Emoji == e.Emoji {
			idx = i
			break
		}
	}
	switch {
	case e.AddReaction && idx < 0:
		msg.Reactions = append(msg.Reactions, domain.Reaction{MessageID: msg.ID, UserID: e.UserID, UserName: e.UserName, Emoji: e.Emoji})
		ch.Applied = true
	case !e.AddReaction && idx >= 0:
		msg.Reactions = append(msg.Reactions[:idx], msg.Reactions[idx+1:]...)
		ch.Applied = true
	}
	return ch
}

func (s *Store) outboundQueued(a OutboundQueued) Change {
	m := a.Message.Clone()
	if m.ID == "" || m.RoomID == "" {
		return Change{}
	}
	rs, _ := s.ensureRoom(m.RoomID)
	if _, exists := rs.messages[m.ID]; exists {
		return Change{RoomID: m.RoomID}
	}
	m.SendState = domain.SendStateSending
	insertMessage(rs, &m)
	touchLastMessage(rs, m)
	s.index.Add(m.ID, m.RoomID)
	s.pending[m.ID] = pendingSend{roomID: m.RoomID, sentAt: m.Timestamp}
	return Change{Applied: true, RoomID: m.RoomID, MessageIDs: []string{m.ID}}
}

func (s *Store) outboundFailed(a OutboundFailed) Change {
	msg, roomID := s.placeholder(a.TempID)
	if msg == nil || msg.SendState != domain.SendStateSending {
		return Change{RoomID: roomID}
	}
	msg.SendState = domain.SendStateFailed
	return Change{Applied: true, RoomID: roomID, MessageIDs: []string{a.TempID}}
}

func (s *Store) outboundRetrying(a OutboundRetrying) Change {
	msg, roomID := s.placeholder(a.TempID)
	if msg == nil || msg.SendState != domain.SendStateFailed {
		return Change{RoomID: roomID}
	}
	msg.SendState = domain.SendStateSending
	p := s.pending[a.TempID]
	if !a.At.IsZero() {
		p.sentAt = a.At
	}
	s.pending[a.TempID] = p
	return Change{Applied: true, RoomID: roomID, MessageIDs: []string{a.TempID}}
}

func (s *Store) placeholder(tempID string) (*domain.Message, string) {
	p, ok := s.pending[tempID]
	if !ok {
		return nil, ""
	}
	rs := s.rooms[p.roomID]
	if rs == nil {
		return nil, p.roomID
	}
	return rs.messages[tempID], p.roomID
}

// resolvePending removes the placeholder that m acknowledges, preferring the
// echoed client id and falling back to room, content and send time.
func (s *Store) resolvePending(rs *roomState, m domain.Message) string {
	tmp := ""
	if m.ClientMessageID != "" {
		if p, ok := s.pending[m.ClientMessageID]; ok && p.roomID == m.RoomID {
			tmp = m.ClientMessageID
		}
	}
	if tmp == "" {
		var bestAt time.Time
		for id, p := range s.pending {
			if p.roomID != m.RoomID {
				continue
			}
			ph := rs.messages[id]
			if ph == nil || ph.Text() != m.Text() || len(ph.Attachments) != len(m.Attachments) {
				continue
			}
			if absDuration(m.Timestamp.Sub(p.sentAt)) > s.cfg.CorrelationWindow {
				continue
			}
			if tmp == "" || p.sentAt.Before(bestAt) || (p.sentAt.Equal(bestAt) && id < tmp) {
				tmp, bestAt = id, p.sentAt
			}
		}
	}
	if tmp == "" {
		return ""
	}
	delete(s.pending, tmp)
	removeMessage(rs, tmp)
	s.index.Remove(tmp)
	return tmp
}

func (s *Store) ensureRoom(roomID string) (*roomState, bool) {
	if rs := s.rooms[roomID]; rs != nil {
		return rs, false
	}
	rs := newRoomState(domain.Room{ID: roomID, NeedsRefetch: true})
	s.rooms[roomID] = rs
	commonlog.Infof("event=chat_store action=stub_room status=created room_id=%s", roomID)
	return rs, true
}

// locate finds a message by id, using hint, then the index, then a scan.
func (s *Store) locate(messageID, hint string) (*roomState, *domain.Message) {
	if rs := s.rooms[hint]; rs != nil {
		if msg := rs.messages[messageID]; msg != nil {
			return rs, msg
		}
	}
	if roomID, ok := s.index.Get(messageID); ok {
		if rs := s.rooms[roomID]; rs != nil {
			if msg := rs.messages[messageID]; msg != nil {
				return rs, msg
			}
		}
	}
	for roomID, rs := range s.rooms {
		if msg := rs.messages[messageID]; msg != nil {
			s.index.Add(messageID, roomID)
			return rs, msg
		}
	}
	return nil, nil
}

func messageLess(a, b *domain.Message) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	return a.ID < b.ID
}

func insertMessage(rs *roomState, m *domain.Message) {
	rs.messages[m.ID] = m
	i := sort.Search(len(rs.order), func(i int) bool {
		return messageLess(m, rs.messages[rs.order[i]])
	})
	rs.order = append(rs.order, "")
	copy(rs.order[i+1:], rs.order[i:])
	rs.order[i] = m.ID
}

func removeMessage(rs *roomState, id string) {
	if _, ok := rs.messages[id]; !ok {
		return
	}
	delete(rs.messages, id)
	for i, existing := range rs.order {
		if existing == id {
			rs.order = append(rs.order[:i], rs.order[i+1:]...)
			break
		}
	}
}

// mergeMessage folds a repeat delivery into the stored copy. Only statuses,
// edits and deletes move; the id and timestamp never change.
func mergeMessage(existing *domain.Message, in domain.Message) bool {
	changed := false
	for user, status := range in.Statuses {
		if status.Rank() > existing.Statuses[user].Rank() {
			if existing.Statuses == nil {
				existing.Statuses = map[string]domain.DeliveryStatus{}
			}
			existing.Statuses[user] = status
			changed = true
		}
	}
	if in.Deleted && !existing.Deleted {
		existing.Deleted = true
		existing.Content = nil
		existing.Attachments = nil
		return true
	}
	if existing.Deleted {
		return changed
	}
	if in.Edited && in.Text() != existing.Text() {
		existing.Content = in.Content
		existing.Edited = true
		changed = true
	}
	return changed
}

func touchLastMessage(rs *roomState, m domain.Message) {
	last := rs.room.LastMessage
	if last == nil || last.MessageID == m.ID || !m.Timestamp.Before(last.Timestamp) {
		rs.room.LastMessage = m.Snapshot()
	}
	if m.Timestamp.After(rs.room.UpdatedAt) {
		rs.room.UpdatedAt = m.Timestamp
	}
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// Rooms returns the visible rooms, most recently active first.
func (s *Store) Rooms() []domain.Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Room, 0, len(s.rooms))
	for _, rs := range s.rooms {
		if rs.room.Hidden {
			continue
		}
		out = append(out, rs.room.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		ai, aj := roomActivity(out[i]), roomActivity(out[j])
		if !ai.Equal(aj) {
			return ai.After(aj)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func roomActivity(r domain.Room) time.Time {
	if r.LastMessage != nil && r.LastMessage.Timestamp.After(r.UpdatedAt) {
		return r.LastMessage.Timestamp
	}
	return r.UpdatedAt
}

func (s *Store) Room(roomID string) (domain.Room, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs := s.rooms[roomID]
	if rs == nil {
		return domain.Room{}, false
	}
	return rs.room.Clone(), true
}

// Messages returns the room's messages ordered by timestamp then id.
func (s *Store) Messages(roomID string) []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs := s.rooms[roomID]
	if rs == nil {
		return nil
	}
	out := make([]domain.Message, 0, len(rs.order))
	for _, id := range rs.order {
		out = append(out, rs.messages[id].Clone())
	}
	return out
}

func (s *Store) Message(messageID string) (domain.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, msg := s.locate(messageID, "")
	if msg == nil {
		return domain.Message{}, false
	}
	return msg.Clone(), true
}

func (s *Store) UnreadCount(roomID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rs := s.rooms[roomID]; rs != nil {
		return rs.room.UnreadCount
	}
	return 0
}

func (s *Store) ActiveRoom() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Store) Typing(roomID string) []domain.TypingEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs := s.rooms[roomID]
	if rs == nil {
		return nil
	}
	out := make([]domain.TypingEntry, 0, len(rs.typing))
	for _, e := range rs.typing {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (s *Store) Presence(userID string) (domain.Presence, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.presence[userID]
	return p, ok
}

func (s *Store) IsReadLocally(roomID, messageID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs := s.rooms[roomID]
	if rs == nil {
		return false
	}
	_, ok := rs.read[messageID]
	return ok
}

// StubRooms lists rooms synthesized from messages that still need metadata.
func (s *Store) StubRooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for id, rs := range s.rooms {
		if rs.room.NeedsRefetch {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
