package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatsync/server/chatsync/domain"
	"chatsync/server/common/transport/stomp"
)

func newTestClient(t *testing.T) (*Client, *fakeAPI, *fakeTransport) {
	t.Helper()
	api := newFakeAPI()
	api.rooms = []domain.Room{
		{ID: "r1", Name: "general", Type: domain.RoomTypeGroup, UpdatedAt: t0, UnreadCount: 2},
		{ID: "r2", Name: "random", Type: domain.RoomTypeGroup, UpdatedAt: t0.Add(time.Minute)},
	}
	api.history["r1"] = []domain.Message{msg("h1", "r1", "u2", t0), msg("h2", "r1", "u2", t0.Add(time.Second))}
	tr := newFakeTransport()
	cfg := ClientConfig{
		Token:      "tok",
		SelfID:     selfID,
		SelfName:   "Me",
		Connection: ConnectionConfig{Backoff: fastBackoff(3)},
		TypingTTL:  30 * time.Millisecond,
	}
	c, err := NewClient(cfg, api, &fakeDialer{script: []*fakeTransport{tr}}, NewMemoryOutbox(), nil, nil)
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { _ = c.Stop(context.Background()) })
	return c, api, tr
}

func TestNewClientNeedsSelf(t *testing.T) {
	_, err := NewClient(ClientConfig{}, newFakeAPI(), &fakeDialer{}, NewMemoryOutbox(), nil, nil)
	assert.Error(t, err)
}

func TestClientStartSubscribesChannelsAndRooms(t *testing.T) {
	c, _, tr := newTestClient(t)

	assert.Equal(t, StateConnected, c.State())
	assert.Equal(t, []string{"r2", "r1"}, roomIDs(c.Store().Rooms()))
	assert.Equal(t, 2, c.Store().UnreadCount("r1"))

	dests := destinations(tr.frames(stomp.CommandSubscribe))
	for _, ch := range StandardChannels() {
		assert.Contains(t, dests, ch.Destination)
	}
	assert.Contains(t, dests, "/topic/rooms/r1")
	assert.Contains(t, dests, "/topic/rooms/r2")
	assert.Len(t, dests, len(StandardChannels())+2)
}

func TestClientSelectRoom(t *testing.T) {
	c, _, _ := newTestClient(t)

	_, err := c.SelectRoom(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrUnknownRoom)

	page, err := c.SelectRoom(context.Background(), "r1")
	require.NoError(t, err)
	assert.True(t, page.RoomActive)
	assert.Equal(t, []string{"h1", "h2"}, messageIDs(page.Messages))
	assert.Equal(t, "r1", c.Store().ActiveRoom())

	assert.Equal(t, 2, c.MarkRoomRead("r1"))
	assert.Zero(t, c.Store().UnreadCount("r1"))
}

func TestClientCreateRoomValidation(t *testing.T) {
	c, api, _ := newTestClient(t)
	ctx := context.Background()

	_, err := c.CreateRoom(ctx, CreateRoomRequest{Name: "x", Type: "CHANNEL", ParticipantIDs: []string{"u2"}})
	assert.ErrorIs(t, err, ErrInvalidRoomType)
	_, err = c.CreateRoom(ctx, CreateRoomRequest{Name: "x", ParticipantIDs: []string{selfID, " "}})
	assert.ErrorIs(t, err, ErrMissingParticipants)
	_, err = c.CreateRoom(ctx, CreateRoomRequest{Name: "  ", ParticipantIDs: []string{"u2"}})
	assert.ErrorIs(t, err, ErrMissingRoomName)
	assert.Empty(t, api.created)

	room, err := c.CreateRoom(ctx, CreateRoomRequest{Name: "team", ParticipantIDs: []string{"u2", "u3", "u2", selfID}})
	require.NoError(t, err)
	assert.Equal(t, "room-team", room.ID)
	assert.Equal(t, []string{"u2", "u3"}, api.created[0].ParticipantIDs)
	assert.Equal(t, domain.RoomTypeGroup, api.created[0].Type)
	assert.Zero(t, c.Store().UnreadCount("room-team"))

	_, err = c.CreateRoom(ctx, CreateRoomRequest{Type: domain.RoomTypePrivate, ParticipantIDs: []string{"u4"}})
	assert.NoError(t, err)
}

func TestClientSystemEventHidesRoom(t *testing.T) {
	c, _, tr := newTestClient(t)

	c.HandleSystem(domain.SystemEvent{Type: "room_left", RoomID: "r2"})

	assert.Equal(t, []string{"r1"}, roomIDs(c.Store().Rooms()))
	unsubs := tr.frames(stomp.CommandUnsubscribe)
	require.Len(t, unsubs, 1)
}

func TestClientRefetchesStubRoom(t *testing.T) {
	c, api, _ := newTestClient(t)
	api.mu.Lock()
	api.rooms = append(api.rooms, domain.Room{ID: "r3", Name: "late", Type: domain.RoomTypeGroup})
	api.mu.Unlock()

	c.HandleMessage(msg("m1", "r3", "u2", t0))

	require.Eventually(t, func() bool {
		room, ok := c.Store().Room("r3")
		return ok && room.Name == "late" && !room.NeedsRefetch
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, c.Store().UnreadCount("r3"))
}

func TestClientTypingExpires(t *testing.T) {
	c, _, _ := newTestClient(t)

	c.HandleTyping(domain.TypingEvent{RoomID: "r1", UserID: "u2", UserName: "Bob", Typing: true})
	require.Len(t, c.Store().Typing("r1"), 1)

	require.Eventually(t, func() bool { return len(c.Store().Typing("r1")) == 0 }, time.Second, 5*time.Millisecond)
}

func TestClientToggleReaction(t *testing.T) {
	c, _, tr := newTestClient(t)
	c.HandleMessage(msg("m1", "r1", "u2", t0))

	added, err := c.ToggleReaction("m1", "👍")
	require.NoError(t, err)
	assert.True(t, added)

	added, err = c.ToggleReaction("m1", "👍")
	require.NoError(t, err)
	assert.False(t, added)

	m, _ := c.Store().Message("m1")
	assert.Empty(t, m.Reactions)
	assert.Len(t, tr.frames(stomp.CommandSend), 2)

	_, err = c.ToggleReaction("missing", "👍")
	assert.ErrorIs(t, err, ErrUnknownMessage)
}

func roomIDs(rooms []domain.Room) []string {
	out := make([]string, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, r.ID)
	}
	return out
}

type stubUploader struct{ names []string }

func (u *stubUploader) Upload(_ context.Context, f FileUpload) (domain.Attachment, error) {
	u.names = append(u.names, f.Name)
	return domain.Attachment{ID: "att-" + f.Name, URL: "http://files/" + f.Name, Name: f.Name}, nil
}

func TestClientSendWithFiles(t *testing.T) {
	c, _, tr := newTestClient(t)
	files := []FileUpload{{Name: "a.txt", Data: []byte("a")}, {Name: "b.txt", Data: []byte("b")}}

	_, err := c.SendWithFiles(context.Background(), SendRequest{RoomID: "r1"}, files)
	assert.ErrorIs(t, err, ErrNoUploader)

	up := &stubUploader{}
	c.uploader = up
	tempID, err := c.SendWithFiles(context.Background(), SendRequest{RoomID: "r1"}, files)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt", "b.txt"}, up.names)

	m, ok := c.Store().Message(tempID)
	require.True(t, ok)
	assert.Len(t, m.Attachments, 2)
	require.Len(t, tr.frames(stomp.CommandSend), 1)
	assert.Contains(t, string(tr.frames(stomp.CommandSend)[0].Body), `"attachmentIds":["att-a.txt","att-b.txt"]`)
}

func TestClientRefreshDropsTopicsOfVanishedRooms(t *testing.T) {
	c, api, tr := newTestClient(t)
	api.mu.Lock()
	api.rooms = api.rooms[:1]
	api.mu.Unlock()

	require.NoError(t, c.RefreshRooms(context.Background()))

	require.Eventually(t, func() bool {
		_, ok := c.registry.LookupDestination("/topic/rooms/r2")
		return !ok
	}, time.Second, 5*time.Millisecond)
	_, ok := c.registry.LookupDestination("/topic/rooms/r1")
	assert.True(t, ok)
	assert.Len(t, tr.frames(stomp.CommandUnsubscribe), 1)
	assert.Equal(t, []string{"r1"}, roomIDs(c.Store().Rooms()))
}

func TestClientStaleTypingTimerKeepsNewerEntry(t *testing.T) {
	c, _, _ := newTestClient(t)
	c.cfg.TypingTTL = time.Hour
	ev := domain.TypingEvent{RoomID: "r1", UserID: "u2", UserName: "Bob", Typing: true}

	c.HandleTyping(ev)
	c.mu.Lock()
	stale := c.typingTimers["r1/u2"]
	c.mu.Unlock()
	c.HandleTyping(ev)

	c.expireTyping("r1/u2", stale, "r1", "u2")

	assert.Len(t, c.Store().Typing("r1"), 1)
	c.mu.Lock()
	current := c.typingTimers["r1/u2"]
	c.mu.Unlock()
	require.NotNil(t, current)
	assert.NotSame(t, stale, current)

	c.expireTyping("r1/u2", current, "r1", "u2")
	assert.Empty(t, c.Store().Typing("r1"))
}
