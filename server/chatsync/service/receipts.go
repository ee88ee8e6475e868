package service

import (
	"context"
	"errors"
	"sync"
	"time"

	commonlog "chatsync/server/common/log"
	"chatsync/server/common/transport/stomp"
)

type ReceiptAPI interface {
	MarkRead(ctx context.Context, roomID string, messageIDs []string) error
}

// SocketSender publishes to an application destination. *Connection implements it.
type SocketSender interface {
	Send(destination string, body any, headers ...stomp.Header) error
}

type ReadCoordinatorConfig struct {
	Debounce     time.Duration
	FlushTimeout time.Duration
}

// ReadCoordinator batches mark-read calls per room and sends them over the
// socket and the REST api. REST failures wait in the outbox.
type ReadCoordinator struct {
	store   *Store
	api     ReceiptAPI
	socket  SocketSender
	outbox  ReceiptOutbox
	metrics *Metrics
	cfg     ReadCoordinatorConfig

	mu      sync.Mutex
	pending map[string]map[string]struct{}
	timers  map[string]*time.Timer
	closed  bool
}

func NewReadCoordinator(cfg ReadCoordinatorConfig, store *Store, api ReceiptAPI, socket SocketSender, outbox ReceiptOutbox, metrics *Metrics) *ReadCoordinator {
	if cfg.Debounce <= 0 {
		cfg.Debounce = 300 * time.Millisecond
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 10 * time.Second
	}
	if outbox == nil {
		outbox = NewMemoryOutbox()
	}
	return &ReadCoordinator{
		store:   store,
		api:     api,
		socket:  socket,
		outbox:  outbox,
		metrics: metrics,
		cfg:     cfg,
		pending: map[string]map[string]struct{}{},
		timers:  map[string]*time.Timer{},
	}
}

// MarkRead applies the read locally right away and schedules the network
// dispatch. It returns how many ids were not already read.
func (c *ReadCoordinator) MarkRead(roomID string, messageIDs []string) int {
	if roomID == "" {
		return 0
	}
	fresh := make([]string, 0, len(messageIDs))
	seen := map[string]struct{}{}
	for _, id := range messageIDs {
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if c.store.IsReadLocally(roomID, id) {
			continue
		}
		fresh = append(fresh, id)
	}
	if len(fresh) == 0 {
		return 0
	}
	c.store.Dispatch(MessagesRead{RoomID: roomID, MessageIDs: fresh})

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return len(fresh)
	}
	ids := c.pending[roomID]
	if ids == nil {
		ids = map[string]struct{}{}
		c.pending[roomID] = ids
	}
	for _, id := range fresh {
		ids[id] = struct{}{}
	}
	if _, scheduled := c.timers[roomID]; !scheduled {
		c.timers[roomID] = time.AfterFunc(c.cfg.Debounce, func() {
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.FlushTimeout)
			defer cancel()
			c.flushRoom(ctx, roomID)
		})
	}
	return len(fresh)
}

// Flush sends every pending batch now, e.g. when the window becomes visible
// or on shutdown.
func (c *ReadCoordinator) Flush(ctx context.Context) {
	c.mu.Lock()
	rooms := make([]string, 0, len(c.pending))
	for roomID := range c.pending {
		rooms = append(rooms, roomID)
	}
	c.mu.Unlock()
	for _, roomID := range rooms {
		c.flushRoom(ctx, roomID)
	}
}

func (c *ReadCoordinator) flushRoom(ctx context.Context, roomID string) {
	c.mu.Lock()
	if t := c.timers[roomID]; t != nil {
		t.Stop()
		delete(c.timers, roomID)
	}
	ids := sortedKeys(c.pending[roomID])
	delete(c.pending, roomID)
	c.mu.Unlock()
	if len(ids) == 0 {
		return
	}

	batch := ReceiptBatch{RoomID: roomID, MessageIDs: ids}
	if c.socket != nil {
		if err := c.socket.Send(DestinationRead, markReadRequest{RoomID: roomID, MessageIDs: ids}); err != nil && !errors.Is(err, ErrNotConnected) {
			commonlog.Warnf("event=chat_receipt action=socket_send status=failed room_id=%s error=%v", roomID, err)
		}
	}
	if err := c.api.MarkRead(ctx, roomID, ids); err != nil {
		commonlog.Warnf("event=chat_receipt action=rest_send status=deferred room_id=%s count=%d error=%v", roomID, len(ids), err)
		if pushErr := c.outbox.Push(context.WithoutCancel(ctx), batch); pushErr != nil {
			commonlog.Errorf("event=chat_receipt action=outbox_push status=failed room_id=%s error=%v", roomID, pushErr)
		}
		return
	}
	c.metrics.receipts(len(ids))
	commonlog.Debugf("event=chat_receipt action=flush status=ok room_id=%s count=%d", roomID, len(ids))
}

// RetryDeferred resends receipts that failed earlier. It is called after
// every successful connection.
func (c *ReadCoordinator) RetryDeferred(ctx context.Context) error {
	batches, err := c.outbox.Drain(ctx)
	if err != nil {
		return err
	}
	for i, batch := range batches {
		if err := c.api.MarkRead(ctx, batch.RoomID, batch.MessageIDs); err != nil {
			for _, rest := range batches[i:] {
				if pushErr := c.outbox.Push(context.WithoutCancel(ctx), rest); pushErr != nil {
					commonlog.Errorf("event=chat_receipt action=outbox_push status=failed room_id=%s error=%v", rest.RoomID, pushErr)
				}
			}
			return err
		}
		c.metrics.receipts(len(batch.MessageIDs))
	}
	if len(batches) > 0 {
		commonlog.Infof("event=chat_receipt action=retry status=ok batches=%d", len(batches))
	}
	return nil
}

// Close stops the debounce timers. Pending ids are dropped unless Flush ran first.
func (c *ReadCoordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for roomID, t := range c.timers {
		t.Stop()
		delete(c.timers, roomID)
	}
}
