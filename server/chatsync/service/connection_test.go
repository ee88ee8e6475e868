package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatsync/server/common/transport/stomp"
)

func fastBackoff(attempts int) BackoffPolicy {
	return BackoffPolicy{Base: time.Millisecond, Max: 4 * time.Millisecond, MaxAttempts: attempts}
}

type eventLog struct {
	mu     sync.Mutex
	events []ConnEvent
}

func (l *eventLog) record(ev ConnEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) byState(state ConnState) []ConnEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []ConnEvent
	for _, ev := range l.events {
		if ev.State == state {
			out = append(out, ev)
		}
	}
	return out
}

func destinations(frames []stomp.Frame) []string {
	out := make([]string, 0, len(frames))
	for _, f := range frames {
		out = append(out, f.Get(stomp.HeaderDestination))
	}
	return out
}

func TestBackoffDelays(t *testing.T) {
	p := BackoffPolicy{Base: 100 * time.Millisecond, Max: time.Second, MaxAttempts: 6}
	got := []time.Duration{}
	for attempt := 1; !p.Exhausted(attempt); attempt++ {
		got = append(got, p.Delay(attempt))
	}
	assert.Equal(t, []time.Duration{
		100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond,
		800 * time.Millisecond, time.Second, time.Second,
	}, got)
	assert.Equal(t, time.Second, p.Delay(60))
}

func TestConnectHandshakeAndAuthHeaders(t *testing.T) {
	tr := newFakeTransport()
	dialer := &fakeDialer{script: []*fakeTransport{tr}}
	conn := NewConnection(ConnectionConfig{URL: "ws://gw/ws", Host: "gw", Heartbeat: time.Hour}, dialer, NewSubscriptionRegistry(), &recordingHandler{}, nil)

	require.NoError(t, conn.Connect(context.Background(), "tok-1"))
	defer conn.Disconnect()

	assert.True(t, conn.IsConnected())
	assert.Equal(t, "Bearer tok-1", dialer.headers[0].Get("Authorization"))
	connect := tr.frames(stomp.CommandConnect)
	require.Len(t, connect, 1)
	assert.Equal(t, "1.2", connect[0].Get(stomp.HeaderAcceptVersion))
	assert.Equal(t, "Bearer tok-1", connect[0].Get(stomp.HeaderAuthorization))
	assert.Equal(t, "3600000,3600000", connect[0].Get(stomp.HeaderHeartBeat))
}

func TestConnectRejectedCredentials(t *testing.T) {
	tr := newFakeTransport()
	tr.reject = "Unauthorized: token expired"
	dialer := &fakeDialer{script: []*fakeTransport{tr}}
	conn := NewConnection(ConnectionConfig{Backoff: fastBackoff(3)}, dialer, NewSubscriptionRegistry(), &recordingHandler{}, nil)

	err := conn.Connect(context.Background(), "bad")
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, StateDisconnected, conn.State())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, dialer.dialCount())
}

func TestConnectDialFailureIsTransportError(t *testing.T) {
	dialer := &fakeDialer{}
	conn := NewConnection(ConnectionConfig{Backoff: fastBackoff(3)}, dialer, NewSubscriptionRegistry(), &recordingHandler{}, nil)

	err := conn.Connect(context.Background(), "tok")
	var te *TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, StateDisconnected, conn.State())
}

func TestSendFailsFastWhileDisconnected(t *testing.T) {
	tr := newFakeTransport()
	conn := NewConnection(ConnectionConfig{}, &fakeDialer{script: []*fakeTransport{tr}}, NewSubscriptionRegistry(), &recordingHandler{}, nil)

	assert.ErrorIs(t, conn.Send(DestinationTyping, map[string]any{"roomId": "r1"}), ErrNotConnected)

	require.NoError(t, conn.Connect(context.Background(), "tok"))
	require.NoError(t, conn.Send(DestinationTyping, map[string]any{"roomId": "r1", "typing": true}))
	sends := tr.frames(stomp.CommandSend)
	require.Len(t, sends, 1)
	assert.Equal(t, DestinationTyping, sends[0].Get(stomp.HeaderDestination))
	assert.JSONEq(t, `{"roomId":"r1","typing":true}`, string(sends[0].Body))

	require.NoError(t, conn.Disconnect())
	assert.ErrorIs(t, conn.Send(DestinationTyping, map[string]any{}), ErrNotConnected)
	assert.Len(t, tr.frames(stomp.CommandDisconnect), 1)
}

func TestInboundFramesReachHandler(t *testing.T) {
	tr := newFakeTransport()
	handler := &recordingHandler{}
	conn := NewConnection(ConnectionConfig{}, &fakeDialer{script: []*fakeTransport{tr}}, NewSubscriptionRegistry(), handler, nil)
	require.NoError(t, conn.Connect(context.Background(), "tok"))
	defer conn.Disconnect()

	tr.in <- []byte("not a frame at all")
	tr.in <- stomp.Heartbeat()
	tr.push(stomp.New(stomp.CommandReceipt, stomp.HeaderReceipt, "r-1"))
	msg := stomp.New(stomp.CommandMessage, stomp.HeaderDestination, "/user/queue/messages", stomp.HeaderSubscription, "sub-1")
	msg.Body = []byte(`{"id":"m1","roomId":"r1"}`)
	tr.push(msg)

	require.Eventually(t, func() bool { return handler.count() == 1 }, time.Second, 5*time.Millisecond)
	handler.mu.Lock()
	defer handler.mu.Unlock()
	assert.Equal(t, stomp.CommandMessage, handler.frames[0].Command)
}

func TestReconnectResubscribesEachChannelOnce(t *testing.T) {
	registry := NewSubscriptionRegistry()
	first := registry.Subscribe(ChannelMessages)
	registry.Subscribe(ChannelStatus)
	registry.Subscribe(RoomChannel("r1"))
	assert.Equal(t, first, registry.Subscribe(ChannelMessages))

	t1, t2 := newFakeTransport(), newFakeTransport()
	dialer := &fakeDialer{script: []*fakeTransport{t1, t2}}
	log := &eventLog{}
	conn := NewConnection(ConnectionConfig{Backoff: fastBackoff(5)}, dialer, registry, &recordingHandler{}, nil)
	conn.OnEvent(log.record)

	require.NoError(t, conn.Connect(context.Background(), "tok"))
	defer conn.Disconnect()
	want := []string{ChannelMessages.Destination, ChannelStatus.Destination, "/topic/rooms/r1"}
	assert.Equal(t, want, destinations(t1.frames(stomp.CommandSubscribe)))

	t1.drop()
	require.Eventually(t, func() bool {
		return len(log.byState(StateConnected)) == 2
	}, time.Second, 5*time.Millisecond)

	resubscribed := t2.frames(stomp.CommandSubscribe)
	assert.Equal(t, want, destinations(resubscribed))
	assert.Equal(t, first.ID, resubscribed[0].Get(stomp.HeaderID))
	assert.Equal(t, 1, log.byState(StateConnected)[1].Attempt)

	registry.Subscribe(ChannelTyping)
	assert.Len(t, t2.frames(stomp.CommandSubscribe), 4)
	assert.Len(t, t1.frames(stomp.CommandSubscribe), 3)
}

func TestUnsubscribeWhileConnected(t *testing.T) {
	registry := NewSubscriptionRegistry()
	tr := newFakeTransport()
	conn := NewConnection(ConnectionConfig{}, &fakeDialer{script: []*fakeTransport{tr}}, registry, &recordingHandler{}, nil)
	require.NoError(t, conn.Connect(context.Background(), "tok"))
	defer conn.Disconnect()

	h := registry.Subscribe(RoomChannel("r9"))
	registry.Unsubscribe(h)
	registry.Unsubscribe(h)

	unsubs := tr.frames(stomp.CommandUnsubscribe)
	require.Len(t, unsubs, 1)
	assert.Equal(t, h.ID, unsubs[0].Get(stomp.HeaderID))
	assert.Empty(t, registry.Active())
}

func TestBackoffStopsAfterMaxAttempts(t *testing.T) {
	tr := newFakeTransport()
	dialer := &fakeDialer{script: []*fakeTransport{tr}}
	log := &eventLog{}
	conn := NewConnection(ConnectionConfig{Backoff: fastBackoff(5)}, dialer, NewSubscriptionRegistry(), &recordingHandler{}, nil)
	conn.OnEvent(log.record)

	require.NoError(t, conn.Connect(context.Background(), "tok"))
	tr.drop()

	require.Eventually(t, func() bool { return len(log.byState(StateFailed)) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, StateFailed, conn.State())

	retries := log.byState(StateReconnecting)
	require.Len(t, retries, 5)
	for i, ev := range retries {
		assert.Equal(t, i+1, ev.Attempt)
		assert.LessOrEqual(t, ev.Delay, 4*time.Millisecond)
		if i > 0 {
			assert.GreaterOrEqual(t, ev.Delay, retries[i-1].Delay)
		}
	}
	assert.Len(t, log.byState(StateFailed), 1)
	assert.Equal(t, 6, dialer.dialCount())

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 6, dialer.dialCount())
	assert.ErrorIs(t, conn.Send(DestinationSend, map[string]string{}), ErrNotConnected)

	dialer.add(newFakeTransport())
	require.NoError(t, conn.Connect(context.Background(), "tok"))
	assert.True(t, conn.IsConnected())
	require.NoError(t, conn.Disconnect())
}

func TestDisconnectCancelsPendingReconnect(t *testing.T) {
	tr := newFakeTransport()
	dialer := &fakeDialer{script: []*fakeTransport{tr}}
	conn := NewConnection(ConnectionConfig{Backoff: BackoffPolicy{Base: time.Hour, Max: time.Hour, MaxAttempts: 3}}, dialer, NewSubscriptionRegistry(), &recordingHandler{}, nil)

	require.NoError(t, conn.Connect(context.Background(), "tok"))
	tr.drop()
	require.Eventually(t, func() bool { return conn.State() == StateReconnecting }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.Disconnect())
	assert.Equal(t, StateDisconnected, conn.State())
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, dialer.dialCount())
	assert.Equal(t, StateDisconnected, conn.State())
}
