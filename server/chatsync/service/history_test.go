package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatsync/server/chatsync/domain"
)

func seedHistory(api *fakeAPI, roomID string, n int) {
	api.mu.Lock()
	defer api.mu.Unlock()
	for i := 0; i < n; i++ {
		id := string(rune('a' + i))
		api.history[roomID] = append(api.history[roomID], msg(id, roomID, "u2", t0.Add(time.Duration(i)*time.Minute)))
	}
}

func TestLoadOlderPagesMergeInOrder(t *testing.T) {
	store := newTestStore()
	loadRoom(store, "r1")
	api := newFakeAPI()
	seedHistory(api, "r1", 5)
	loader := NewHistoryLoader(api, store)

	p0, err := loader.LoadOlderPage(context.Background(), "r1", 0, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"d", "e"}, messageIDs(p0.Messages))
	assert.True(t, p0.HasMore)

	store.Dispatch(MessageReceived{Message: msg("f", "r1", "u2", t0.Add(10*time.Minute))})

	p1, err := loader.LoadOlderPage(context.Background(), "r1", 1, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, messageIDs(p1.Messages))

	p2, err := loader.LoadOlderPage(context.Background(), "r1", 2, 2)
	require.NoError(t, err)
	assert.False(t, p2.HasMore)

	p0again, err := loader.LoadOlderPage(context.Background(), "r1", 0, 2)
	require.NoError(t, err)
	assert.Len(t, p0again.Messages, 2)

	assert.Equal(t, []string{"a", "b", "c", "d", "e", "f"}, messageIDs(store.Messages("r1")))
	assert.Equal(t, 1, store.UnreadCount("r1"))
}

func TestConcurrentLoadsShareOneRequest(t *testing.T) {
	store := newTestStore()
	loadRoom(store, "r1")
	api := newFakeAPI()
	seedHistory(api, "r1", 3)
	api.historyGate = make(chan struct{})
	loader := NewHistoryLoader(api, store)

	var wg sync.WaitGroup
	results := make([]HistoryPage, 2)
	errs := make([]error, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = loader.LoadOlderPage(context.Background(), "r1", 0, 10)
		}(i)
		if i == 0 {
			require.Eventually(t, func() bool {
				api.mu.Lock()
				defer api.mu.Unlock()
				return api.historyHits == 1
			}, time.Second, time.Millisecond)
		}
	}
	time.Sleep(20 * time.Millisecond)
	close(api.historyGate)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, messageIDs(results[0].Messages), messageIDs(results[1].Messages))
	assert.True(t, results[0].Shared)
	assert.True(t, results[1].Shared)
	api.mu.Lock()
	assert.Equal(t, 1, api.historyHits)
	api.mu.Unlock()
	assert.Len(t, store.Messages("r1"), 3)
}

func TestLoadReportsWhetherRoomStillActive(t *testing.T) {
	store := newTestStore()
	loadRoom(store, "r1", "r2")
	api := newFakeAPI()
	seedHistory(api, "r1", 1)
	loader := NewHistoryLoader(api, store)

	store.Dispatch(RoomSelected{RoomID: "r1"})
	p, err := loader.LoadOlderPage(context.Background(), "r1", 0, 10)
	require.NoError(t, err)
	assert.True(t, p.RoomActive)

	store.Dispatch(RoomSelected{RoomID: "r2"})
	p, err = loader.LoadOlderPage(context.Background(), "r1", 0, 10)
	require.NoError(t, err)
	assert.False(t, p.RoomActive)
	assert.Len(t, store.Messages("r1"), 1)
}

type failingHistory struct{}

func (failingHistory) ListMessages(context.Context, string, int, int) (domain.Page[domain.Message], error) {
	return domain.Page[domain.Message]{}, &HTTPError{StatusCode: 500, Message: "boom"}
}

func TestLoadErrorsReachCaller(t *testing.T) {
	loader := NewHistoryLoader(failingHistory{}, newTestStore())

	_, err := loader.LoadOlderPage(context.Background(), "r1", 0, 10)
	var httpErr *HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, 500, httpErr.StatusCode)

	_, err = loader.LoadOlderPage(context.Background(), "", 0, 10)
	assert.ErrorIs(t, err, ErrMissingRoom)
}
