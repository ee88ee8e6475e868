package service

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatsync/server/chatsync/domain"
	"chatsync/server/common/infra/mq"
)

type fakeChannel struct {
	mu        sync.Mutex
	exchanges []string
	keys      []string
	bodies    [][]byte
}

func (c *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exchanges = append(c.exchanges, exchange)
	c.keys = append(c.keys, key)
	c.bodies = append(c.bodies, msg.Body)
	return nil
}

func (c *fakeChannel) Close() error { return nil }

func (c *fakeChannel) published() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.keys...)
}

func TestPublisherRoutesByUserAndAction(t *testing.T) {
	store := newTestStore()
	ch := &fakeChannel{}
	p := NewAMQPPublisher(ch, store, 8)
	unsubscribe := store.Subscribe(p.OnChange)
	defer unsubscribe()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	loadRoom(store, "r1")
	store.Dispatch(MessageReceived{Message: msg("m1", "r1", "u2", t0)})

	require.Eventually(t, func() bool { return len(ch.published()) == 2 }, time.Second, 5*time.Millisecond)
	keys := ch.published()
	assert.True(t, strings.HasPrefix(keys[0], selfID+"."))

	var ev StateEvent
	ch.mu.Lock()
	assert.Equal(t, mq.EventsExchange, ch.exchanges[1])
	require.NoError(t, json.Unmarshal(ch.bodies[1], &ev))
	ch.mu.Unlock()
	assert.Equal(t, "r1", ev.Room.ID)
	assert.Equal(t, 1, ev.Room.UnreadCount)
	require.Len(t, ev.Messages, 1)
	assert.Equal(t, "m1", ev.Messages[0].ID)
}

type fakeBatchResults struct{ n int }

func (r *fakeBatchResults) Exec() (pgconn.CommandTag, error) {
	r.n++
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (r *fakeBatchResults) Query() (pgx.Rows, error) { return nil, nil }
func (r *fakeBatchResults) QueryRow() pgx.Row        { return nil }
func (r *fakeBatchResults) Close() error             { return nil }

type fakeArchiveDB struct {
	mu      sync.Mutex
	execs   []string
	batches [][][]any
}

func (d *fakeArchiveDB) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.execs = append(d.execs, sql)
	return pgconn.NewCommandTag("CREATE TABLE"), nil
}

func (d *fakeArchiveDB) SendBatch(_ context.Context, b *pgx.Batch) pgx.BatchResults {
	d.mu.Lock()
	defer d.mu.Unlock()
	rows := make([][]any, 0, b.Len())
	for _, q := range b.QueuedQueries {
		rows = append(rows, q.Arguments)
	}
	d.batches = append(d.batches, rows)
	return &fakeBatchResults{}
}

func (d *fakeArchiveDB) rows() [][]any {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out [][]any
	for _, b := range d.batches {
		out = append(out, b...)
	}
	return out
}

func TestArchiveSkipsPlaceholders(t *testing.T) {
	store := newTestStore()
	loadRoom(store, "r1")
	db := &fakeArchiveDB{}
	a := NewArchive(db, store, 8)
	require.NoError(t, a.EnsureSchema(context.Background()))
	assert.Contains(t, db.execs[0], "CREATE TABLE IF NOT EXISTS chat_messages")

	unsubscribe := store.Subscribe(a.OnChange)
	defer unsubscribe()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	store.Dispatch(OutboundQueued{Message: domain.Message{ID: "tmp-1", ClientMessageID: "tmp-1", RoomID: "r1", SenderID: selfID, Content: text("draft"), Timestamp: t0}})
	store.Dispatch(MessageReceived{Message: msg("m1", "r1", "u2", t0)})

	require.Eventually(t, func() bool { return len(db.rows()) == 1 }, time.Second, 5*time.Millisecond)
	row := db.rows()[0]
	assert.Equal(t, "m1", row[0])
	assert.Equal(t, selfID, row[1])
	assert.JSONEq(t, `{}`, string(row[7].([]byte)))
	assert.JSONEq(t, `[]`, string(row[8].([]byte)))
}

// attachUI serves one websocket endpoint backed by hub and returns the client side.
func attachUI(t *testing.T, hub *Hub) *websocket.Conn {
	t.Helper()
	upgrader := websocket.Upgrader{}
	registered := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		client := &UIClient{ID: "ui-1", Conn: conn}
		hub.Register(client)
		close(registered)
		defer hub.Unregister(client)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	<-registered
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	return conn
}

func TestHubFansOutToUIClients(t *testing.T) {
	store := newTestStore()
	hub := NewHub(store, 8)
	unsubscribe := store.Subscribe(hub.OnChange)
	defer unsubscribe()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	conn := attachUI(t, hub)
	assert.Equal(t, 1, hub.ClientCount())

	loadRoom(store, "r1")

	var ev StateEvent
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, selfID, ev.UserID)
	assert.True(t, ev.Change.Applied)
	assert.NotEmpty(t, ev.Change.Action)
}

func TestHubRelaysThroughRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), Protocol: 2})
	defer rdb.Close()

	store := newTestStore()
	hub := NewHub(store, 8)
	hub.UseRedis(rdb)
	require.NoError(t, hub.StartRedisSubscriber(context.Background()))
	defer hub.StopRedisSubscriber()
	unsubscribe := store.Subscribe(hub.OnChange)
	defer unsubscribe()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	conn := attachUI(t, hub)
	loadRoom(store, "r1")

	var ev StateEvent
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, selfID, ev.UserID)

	require.NoError(t, rdb.Publish(context.Background(), "chatsync:events:"+selfID, `{"userId":"other-agent"}`).Err())
	var relayed StateEvent
	require.NoError(t, conn.ReadJSON(&relayed))
	assert.Equal(t, "other-agent", relayed.UserID)
}

func TestHubDoesNotBlockDispatchOnStuckRedis(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	var held []net.Conn
	var heldMu sync.Mutex
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			heldMu.Lock()
			held = append(held, c)
			heldMu.Unlock()
		}
	}()
	defer func() {
		heldMu.Lock()
		defer heldMu.Unlock()
		for _, c := range held {
			_ = c.Close()
		}
	}()

	rdb := redis.NewClient(&redis.Options{Addr: ln.Addr().String(), MaxRetries: -1})
	defer rdb.Close()
	store := newTestStore()
	hub := NewHub(store, 1)
	hub.UseRedis(rdb)
	unsubscribe := store.Subscribe(hub.OnChange)
	defer unsubscribe()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	start := time.Now()
	loadRoom(store, "r1", "r2")
	for i := 0; i < 5; i++ {
		store.Dispatch(MessageReceived{Message: msg("m"+strconv.Itoa(i), "r1", "u2", t0.Add(time.Duration(i)*time.Second))})
	}
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, 5, store.UnreadCount("r1"))
}
