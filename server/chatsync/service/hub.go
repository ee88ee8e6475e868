package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	commonlog "chatsync/server/common/log"
)

// UIClient is one local UI process attached to the state stream.
type UIClient struct {
	ID   string
	Conn *websocket.Conn
	mu   sync.Mutex
}

func (c *UIClient) WriteJSON(payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.Conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.Conn.WriteJSON(payload)
}

// Hub fans store changes out to UI websockets. With redis configured, every
// agent instance of the same user publishes to one channel and each delivers
// to its own clients. Delivery runs on Run's goroutine; OnChange only queues
// and drops when the buffer is full.
type Hub struct {
	store   *Store
	events  chan StateEvent
	timeout time.Duration

	mu        sync.RWMutex
	clients   map[string]*UIClient
	redis     *redis.Client
	redisSub  *redis.PubSub
	subCancel context.CancelFunc
	channel   string
}

func NewHub(store *Store, buffer int) *Hub {
	if buffer <= 0 {
		buffer = 256
	}
	return &Hub{
		store:   store,
		events:  make(chan StateEvent, buffer),
		timeout: 2 * time.Second,
		clients: map[string]*UIClient{},
		channel: "chatsync:events:" + store.SelfID(),
	}
}

func (h *Hub) UseRedis(client *redis.Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.redis = client
}

func (h *Hub) StartRedisSubscriber(ctx context.Context) error {
	h.mu.Lock()
	if h.redis == nil {
		h.mu.Unlock()
		return errors.New("redis client is nil")
	}
	if h.redisSub != nil {
		h.mu.Unlock()
		return nil
	}
	subCtx, cancel := context.WithCancel(ctx)
	sub := h.redis.Subscribe(subCtx, h.channel)
	if _, err := sub.Receive(subCtx); err != nil {
		h.mu.Unlock()
		cancel()
		_ = sub.Close()
		return err
	}
	h.redisSub = sub
	h.subCancel = cancel
	h.mu.Unlock()

	go h.consumeEvents(subCtx, sub)
	return nil
}

func (h *Hub) StopRedisSubscriber() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subCancel != nil {
		h.subCancel()
		h.subCancel = nil
	}
	if h.redisSub != nil {
		_ = h.redisSub.Close()
		h.redisSub = nil
	}
}

func (h *Hub) Register(client *UIClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID] = client
}

func (h *Hub) Unregister(client *UIClient) {
	h.mu.Lock()
	delete(h.clients, client.ID)
	h.mu.Unlock()
	_ = client.Conn.Close()
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) OnChange(ch Change) {
	ev := snapshotEvent(h.store, ch)
	select {
	case h.events <- ev:
	default:
		commonlog.Warnf("event=chat_hub action=enqueue status=dropped change=%s", ch.Action)
	}
}

// Run delivers queued changes until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-h.events:
			h.Broadcast(ctx, ev)
		}
	}
}

func (h *Hub) Broadcast(ctx context.Context, ev StateEvent) {
	if h.publish(ctx, ev) {
		return
	}
	h.broadcastLocal(ev)
}

func (h *Hub) broadcastLocal(payload any) int {
	h.mu.RLock()
	clients := make([]*UIClient, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	count := 0
	for _, c := range clients {
		if err := c.WriteJSON(payload); err != nil {
			commonlog.Debugf("event=chat_hub action=write status=failed client_id=%s error=%v", c.ID, err)
			continue
		}
		count++
	}
	return count
}

func (h *Hub) publish(ctx context.Context, ev StateEvent) bool {
	h.mu.RLock()
	redisClient := h.redis
	h.mu.RUnlock()
	if redisClient == nil {
		return false
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return false
	}
	pubCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	if err := redisClient.Publish(pubCtx, h.channel, b).Err(); err != nil {
		commonlog.Warnf("event=chat_hub action=publish status=failed change=%s error=%v", ev.Change.Action, err)
		return false
	}
	return true
}

func (h *Hub) consumeEvents(ctx context.Context, sub *redis.PubSub) {
	for {
		msg, err := sub.ReceiveMessage(ctx)
		if err != nil {
			return
		}
		var payload json.RawMessage
		if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil {
			continue
		}
		fanoutCount := h.broadcastLocal(payload)
		commonlog.Debugf("event=chat_hub action=consume status=ok fanout_count=%d", fanoutCount)
	}
}
