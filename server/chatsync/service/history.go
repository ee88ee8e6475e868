package service

import (
	"context"
	"sort"

	"golang.org/x/sync/singleflight"

	"chatsync/server/chatsync/domain"
	commonlog "chatsync/server/common/log"
)

const defaultPageSize = 30

type HistorySource interface {
	ListMessages(ctx context.Context, roomID string, page, size int) (domain.Page[domain.Message], error)
}

// HistoryPage is what one load merged. RoomActive is false when the room was
// no longer selected by the time the merge finished, so scroll adjustment
// should be skipped. Shared is set when the call joined a request already in flight.
type HistoryPage struct {
	RoomID     string           `json:"roomId"`
	Page       int              `json:"page"`
	Messages   []domain.Message `json:"messages"`
	HasMore    bool             `json:"hasMore"`
	RoomActive bool             `json:"roomActive"`
	Shared     bool             `json:"shared"`
}

type HistoryLoader struct {
	source HistorySource
	store  *Store
	group  singleflight.Group
}

func NewHistoryLoader(source HistorySource, store *Store) *HistoryLoader {
	return &HistoryLoader{source: source, store: store}
}

// LoadOlderPage fetches one backward page and merges it into the store. At most
// one load per room is in flight; concurrent callers share its result.
func (l *HistoryLoader) LoadOlderPage(ctx context.Context, roomID string, page, size int) (HistoryPage, error) {
	if roomID == "" {
		return HistoryPage{}, ErrMissingRoom
	}
	if page < 0 {
		page = 0
	}
	if size <= 0 {
		size = defaultPageSize
	}
	v, err, shared := l.group.Do(roomID, func() (any, error) {
		return l.fetch(ctx, roomID, page, size)
	})
	if err != nil {
		return HistoryPage{}, err
	}
	result := v.(HistoryPage)
	result.Messages = append([]domain.Message(nil), result.Messages...)
	result.Shared = shared
	result.RoomActive = l.store.ActiveRoom() == roomID
	return result, nil
}

func (l *HistoryLoader) fetch(ctx context.Context, roomID string, page, size int) (HistoryPage, error) {
	p, err := l.source.ListMessages(ctx, roomID, page, size)
	if err != nil {
		commonlog.Warnf("event=chat_history action=load status=failed room_id=%s page=%d error=%v", roomID, page, err)
		return HistoryPage{}, err
	}
	messages := make([]domain.Message, 0, len(p.Content))
	for _, m := range p.Content {
		if m.ID == "" {
			continue
		}
		m.RoomID = roomID
		messages = append(messages, m)
	}
	sort.SliceStable(messages, func(i, j int) bool { return messageLess(&messages[i], &messages[j]) })

	l.store.Dispatch(HistoryLoaded{RoomID: roomID, Page: page, Messages: messages})
	commonlog.Debugf("event=chat_history action=load status=ok room_id=%s page=%d count=%d", roomID, page, len(messages))
	return HistoryPage{
		RoomID:   roomID,
		Page:     page,
		Messages: messages,
		HasMore:  hasMore(p, page, size),
	}, nil
}

func hasMore(p domain.Page[domain.Message], page, size int) bool {
	if p.Last {
		return false
	}
	if p.TotalPages > 0 {
		return page+1 < p.TotalPages
	}
	return len(p.Content) >= size
}
