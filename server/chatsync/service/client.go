package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"chatsync/server/chatsync/domain"
	commonlog "chatsync/server/common/log"
)

const (
	defaultTypingTTL = 5 * time.Second
	roomListPageSize = 50
	roomListMaxPages = 20
)

// ChatAPI is everything the client needs from the REST backend. *APIClient implements it.
type ChatAPI interface {
	HistorySource
	ReceiptAPI
	MessageAPI
	ListRooms(ctx context.Context, page, size int) (domain.Page[domain.Room], error)
	GetRoom(ctx context.Context, roomID string) (domain.Room, error)
	CreateRoom(ctx context.Context, req CreateRoomRequest) (domain.Room, error)
}

type ClientConfig struct {
	Token           string
	SelfID          string
	SelfName        string
	Connection      ConnectionConfig
	AckTimeout      time.Duration
	ReadDebounce    time.Duration
	TypingTTL       time.Duration
	SendVia         SendVia
	StatusCacheSize int
	HistoryPageSize int
}

// Client composes the sync core around one authenticated user.
type Client struct {
	cfg      ClientConfig
	api      ChatAPI
	store    *Store
	registry *SubscriptionRegistry
	conn     *Connection
	loader   *HistoryLoader
	receipts *ReadCoordinator
	sender   *Sender
	uploader AttachmentUploader

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	typingTimers map[string]*time.Timer
	roomHandles  map[string]Handle
	refetching   map[string]bool
	unsubs       []func()
}

func NewClient(cfg ClientConfig, api ChatAPI, dialer Dialer, outbox ReceiptOutbox, uploader AttachmentUploader, metrics *Metrics) (*Client, error) {
	if strings.TrimSpace(cfg.SelfID) == "" {
		return nil, errors.New("chat client needs the local user id")
	}
	if cfg.TypingTTL <= 0 {
		cfg.TypingTTL = defaultTypingTTL
	}
	if cfg.HistoryPageSize <= 0 {
		cfg.HistoryPageSize = defaultPageSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:          cfg,
		api:          api,
		uploader:     uploader,
		ctx:          ctx,
		cancel:       cancel,
		typingTimers: map[string]*time.Timer{},
		roomHandles:  map[string]Handle{},
		refetching:   map[string]bool{},
	}
	c.store = NewStore(StoreConfig{SelfID: cfg.SelfID, StatusCacheSize: cfg.StatusCacheSize})
	c.registry = NewSubscriptionRegistry()
	dispatcher := NewDispatcher(c.registry, c, metrics)
	c.conn = NewConnection(cfg.Connection, dialer, c.registry, dispatcher, metrics)
	c.loader = NewHistoryLoader(api, c.store)
	c.receipts = NewReadCoordinator(ReadCoordinatorConfig{Debounce: cfg.ReadDebounce}, c.store, api, c.conn, outbox, metrics)
	c.sender = NewSender(SenderConfig{AckTimeout: cfg.AckTimeout, Via: cfg.SendVia, SelfName: cfg.SelfName}, c.store, c.conn, api, metrics)
	c.unsubs = append(c.unsubs, c.store.Subscribe(c.onStoreChange), c.conn.OnEvent(c.onConnEvent))
	return c, nil
}

func (c *Client) Store() *Store              { return c.store }
func (c *Client) Connection() *Connection    { return c.conn }
func (c *Client) Loader() *HistoryLoader     { return c.loader }
func (c *Client) Receipts() *ReadCoordinator { return c.receipts }
func (c *Client) State() ConnState           { return c.conn.State() }

// Start subscribes the standard channels, connects and loads the room list.
func (c *Client) Start(ctx context.Context) error {
	for _, ch := range StandardChannels() {
		c.registry.Subscribe(ch)
	}
	if err := c.conn.Connect(ctx, c.cfg.Token); err != nil {
		return err
	}
	if err := c.RefreshRooms(ctx); err != nil {
		return err
	}
	commonlog.Infof("event=chat_client action=start status=ok user_id=%s rooms=%d", c.cfg.SelfID, len(c.store.Rooms()))
	return nil
}

// Stop flushes pending read receipts and closes the connection.
func (c *Client) Stop(ctx context.Context) error {
	c.receipts.Flush(ctx)
	c.receipts.Close()
	c.sender.Close()
	c.cancel()

	c.mu.Lock()
	for key, t := range c.typingTimers {
		t.Stop()
		delete(c.typingTimers, key)
	}
	unsubs := c.unsubs
	c.unsubs = nil
	c.mu.Unlock()
	for _, fn := range unsubs {
		fn()
	}
	return c.conn.Disconnect()
}

// Reconnect is the explicit user action after the connection gave up.
func (c *Client) Reconnect(ctx context.Context) error {
	return c.conn.Connect(ctx, c.cfg.Token)
}

func (c *Client) RefreshRooms(ctx context.Context) error {
	var rooms []domain.Room
	for page := 0; page < roomListMaxPages; page++ {
		p, err := c.api.ListRooms(ctx, page, roomListPageSize)
		if err != nil {
			return err
		}
		rooms = append(rooms, p.Content...)
		if p.Last || len(p.Content) < roomListPageSize || (p.TotalPages > 0 && page+1 >= p.TotalPages) {
			break
		}
	}
	c.store.Dispatch(RoomsLoaded{Rooms: rooms})
	return nil
}

// SelectRoom makes roomID active and loads its newest page.
func (c *Client) SelectRoom(ctx context.Context, roomID string) (HistoryPage, error) {
	if roomID == "" {
		return HistoryPage{}, ErrMissingRoom
	}
	if _, ok := c.store.Room(roomID); !ok {
		return HistoryPage{}, ErrUnknownRoom
	}
	c.store.Dispatch(RoomSelected{RoomID: roomID})
	return c.loader.LoadOlderPage(ctx, roomID, 0, c.cfg.HistoryPageSize)
}

func (c *Client) LoadOlder(ctx context.Context, roomID string, page, size int) (HistoryPage, error) {
	if size <= 0 {
		size = c.cfg.HistoryPageSize
	}
	return c.loader.LoadOlderPage(ctx, roomID, page, size)
}

func (c *Client) CreateRoom(ctx context.Context, req CreateRoomRequest) (domain.Room, error) {
	req.Name = strings.TrimSpace(req.Name)
	if req.Type == "" {
		req.Type = domain.RoomTypeGroup
	}
	if !req.Type.Valid() {
		return domain.Room{}, ErrInvalidRoomType
	}
	participants := make([]string, 0, len(req.ParticipantIDs))
	seen := map[string]struct{}{}
	for _, id := range req.ParticipantIDs {
		id = strings.TrimSpace(id)
		if id == "" || id == c.cfg.SelfID {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		participants = append(participants, id)
	}
	if len(participants) == 0 {
		return domain.Room{}, ErrMissingParticipants
	}
	if req.Name == "" && req.Type != domain.RoomTypePrivate {
		return domain.Room{}, ErrMissingRoomName
	}
	req.ParticipantIDs = participants
	room, err := c.api.CreateRoom(ctx, req)
	if err != nil {
		return domain.Room{}, err
	}
	zero := 0
	c.store.Dispatch(RoomUpserted{Room: room, Unread: &zero})
	return room, nil
}

func (c *Client) Send(ctx context.Context, req SendRequest) (string, error) {
	return c.sender.Send(ctx, req)
}

// SendWithFiles uploads every file first; nothing is sent if an upload fails.
func (c *Client) SendWithFiles(ctx context.Context, req SendRequest, files []FileUpload) (string, error) {
	if len(files) == 0 {
		return c.sender.Send(ctx, req)
	}
	if strings.TrimSpace(req.RoomID) == "" {
		return "", ErrMissingRoom
	}
	if c.uploader == nil {
		return "", ErrNoUploader
	}
	if c.cfg.SendVia != SendViaREST && !c.conn.IsConnected() {
		return "", ErrNotConnected
	}
	for _, f := range files {
		att, err := c.uploader.Upload(ctx, f)
		if err != nil {
			return "", fmt.Errorf("upload %s: %w", f.Name, err)
		}
		req.Attachments = append(req.Attachments, att)
	}
	return c.sender.Send(ctx, req)
}

func (c *Client) Retry(ctx context.Context, tempID string) error {
	return c.sender.Retry(ctx, tempID)
}

func (c *Client) MarkRead(roomID string, messageIDs []string) int {
	return c.receipts.MarkRead(roomID, messageIDs)
}

// MarkRoomRead marks every loaded message from other users in the room as read.
func (c *Client) MarkRoomRead(roomID string) int {
	var ids []string
	for _, m := range c.store.Messages(roomID) {
		if m.SenderID == c.cfg.SelfID || m.SendState != domain.SendStateConfirmed {
			continue
		}
		ids = append(ids, m.ID)
	}
	return c.receipts.MarkRead(roomID, ids)
}

func (c *Client) FlushReceipts(ctx context.Context) {
	c.receipts.Flush(ctx)
}

func (c *Client) SetTyping(roomID string, typing bool) error {
	if roomID == "" {
		return ErrMissingRoom
	}
	return c.conn.Send(DestinationTyping, domain.TypingEvent{RoomID: roomID, UserID: c.cfg.SelfID, Typing: typing, UserName: c.cfg.SelfName})
}

func (c *Client) SetPresence(online bool) error {
	return c.conn.Send(DestinationPresence, domain.PresenceEvent{UserID: c.cfg.SelfID, Online: online, LastSeen: time.Now()})
}

// ToggleReaction removes the user's emoji when present and adds it otherwise.
func (c *Client) ToggleReaction(messageID, emoji string) (bool, error) {
	msg, ok := c.store.Message(messageID)
	if !ok {
		return false, ErrUnknownMessage
	}
	add := true
	for _, r := range msg.Reactions {
		if r.UserID == c.cfg.SelfID && r.Emoji == emoji {
			add = false
			break
		}
	}
	ev := domain.ReactionEvent{MessageID: messageID, UserID: c.cfg.SelfID, UserName: c.cfg.SelfName, Emoji: emoji, AddReaction: add}
	if err := c.conn.Send(DestinationReaction, ev); err != nil {
		return false, err
	}
	c.store.Dispatch(ReactionChanged{Event: ev})
	return add, nil
}

func (c *Client) HandleMessage(m domain.Message) {
	c.store.Dispatch(MessageReceived{Message: m})
}

func (c *Client) HandleStatus(u domain.StatusUpdate) {
	c.store.Dispatch(MessageStatusUpdated{Update: u})
}

// HandleTyping arms an expiry timer; typing entries clear themselves after TypingTTL.
func (c *Client) HandleTyping(e domain.TypingEvent) {
	key := e.RoomID + "/" + e.UserID
	c.mu.Lock()
	if t := c.typingTimers[key]; t != nil {
		t.Stop()
		delete(c.typingTimers, key)
	}
	if e.Typing {
		var t *time.Timer
		t = time.AfterFunc(c.cfg.TypingTTL, func() { c.expireTyping(key, t, e.RoomID, e.UserID) })
		c.typingTimers[key] = t
	}
	c.mu.Unlock()
	c.store.Dispatch(TypingChanged{
		RoomID:    e.RoomID,
		UserID:    e.UserID,
		UserName:  e.UserName,
		Typing:    e.Typing,
		ExpiresAt: time.Now().Add(c.cfg.TypingTTL),
	})
}

// expireTyping clears the entry only if t is still the armed timer for key;
// a newer event may have replaced it after t fired.
func (c *Client) expireTyping(key string, t *time.Timer, roomID, userID string) {
	c.mu.Lock()
	if c.typingTimers[key] != t {
		c.mu.Unlock()
		return
	}
	delete(c.typingTimers, key)
	c.mu.Unlock()
	c.store.Dispatch(TypingChanged{RoomID: roomID, UserID: userID})
}

func (c *Client) HandlePresence(e domain.PresenceEvent) {
	c.store.Dispatch(PresenceChanged{Presence: domain.Presence{UserID: e.UserID, Online: e.Online, LastSeenAt: e.LastSeen}})
}

func (c *Client) HandleReaction(e domain.ReactionEvent) {
	c.store.Dispatch(ReactionChanged{Event: e})
}

func (c *Client) HandleSystem(e domain.SystemEvent) {
	switch strings.ToUpper(e.Type) {
	case "ROOM_LEFT", "ROOM_ARCHIVED", "ROOM_REMOVED":
		if e.RoomID != "" {
			c.store.Dispatch(RoomHidden{RoomID: e.RoomID})
			return
		}
	case "ROOM_UPDATED":
		if e.RoomID != "" {
			c.scheduleRefetch(e.RoomID)
			return
		}
	}
	commonlog.Warnf("event=chat_system type=%s code=%s room_id=%s message=%s", e.Type, e.Code, e.RoomID, e.Message)
}

func (c *Client) onConnEvent(ev ConnEvent) {
	if ev.State != StateConnected {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(c.ctx, 30*time.Second)
		defer cancel()
		if err := c.receipts.RetryDeferred(ctx); err != nil {
			commonlog.Warnf("event=chat_receipt action=retry status=failed error=%v", err)
		}
		if ev.Attempt == 0 {
			return
		}
		// Events may have been missed while offline.
		if err := c.RefreshRooms(ctx); err != nil {
			commonlog.Warnf("event=chat_client action=resync status=failed error=%v", err)
			return
		}
		if active := c.store.ActiveRoom(); active != "" {
			if _, err := c.loader.LoadOlderPage(ctx, active, 0, c.cfg.HistoryPageSize); err != nil {
				commonlog.Warnf("event=chat_client action=resync_history status=failed room_id=%s error=%v", active, err)
			}
		}
	}()
}

// onStoreChange keeps per-room topic subscriptions in line with the room list
// and refetches metadata for stub rooms. It only enqueues work.
func (c *Client) onStoreChange(ch Change) {
	switch ch.Action {
	case RoomsLoaded{}.actionName():
		for _, room := range c.store.Rooms() {
			c.subscribeRoom(room.ID)
		}
		for _, id := range c.subscribedRooms() {
			if room, ok := c.store.Room(id); !ok || room.Hidden {
				c.unsubscribeRoom(id)
			}
		}
	case RoomHidden{}.actionName():
		c.unsubscribeRoom(ch.RoomID)
	case RoomUpserted{}.actionName():
		c.subscribeRoom(ch.RoomID)
	case MessageReceived{}.actionName(), HistoryLoaded{}.actionName():
		if room, ok := c.store.Room(ch.RoomID); ok && room.NeedsRefetch {
			c.subscribeRoom(ch.RoomID)
			c.scheduleRefetch(ch.RoomID)
		}
	}
}

func (c *Client) subscribeRoom(roomID string) {
	if roomID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.roomHandles[roomID]; ok {
		return
	}
	c.roomHandles[roomID] = c.registry.Subscribe(RoomChannel(roomID))
}

func (c *Client) subscribedRooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.roomHandles))
	for id := range c.roomHandles {
		ids = append(ids, id)
	}
	return ids
}

func (c *Client) unsubscribeRoom(roomID string) {
	c.mu.Lock()
	h, ok := c.roomHandles[roomID]
	delete(c.roomHandles, roomID)
	c.mu.Unlock()
	if ok {
		c.registry.Unsubscribe(h)
	}
}

func (c *Client) scheduleRefetch(roomID string) {
	c.mu.Lock()
	if c.refetching[roomID] {
		c.mu.Unlock()
		return
	}
	c.refetching[roomID] = true
	c.mu.Unlock()

	go func() {
		defer func() {
			c.mu.Lock()
			delete(c.refetching, roomID)
			c.mu.Unlock()
		}()
		ctx, cancel := context.WithTimeout(c.ctx, 15*time.Second)
		defer cancel()
		room, err := c.api.GetRoom(ctx, roomID)
		if err != nil {
			commonlog.Warnf("event=chat_client action=refetch_room status=failed room_id=%s error=%v", roomID, err)
			return
		}
		if room.ID == "" {
			room.ID = roomID
		}
		c.store.Dispatch(RoomUpserted{Room: room})
	}()
}
