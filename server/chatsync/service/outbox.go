package service

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/redis/go-redis/v9"
)

// ReceiptBatch is a mark-read call that still has to reach the REST api.
type ReceiptBatch struct {
	RoomID     string   `json:"roomId"`
	MessageIDs []string `json:"messageIds"`
}

// ReceiptOutbox holds receipts whose REST delivery failed until the next
// successful connection.
type ReceiptOutbox interface {
	Push(ctx context.Context, batch ReceiptBatch) error
	Drain(ctx context.Context) ([]ReceiptBatch, error)
}

type MemoryOutbox struct {
	mu     sync.Mutex
	byRoom map[string]map[string]struct{}
}

func NewMemoryOutbox() *MemoryOutbox {
	return &MemoryOutbox{byRoom: map[string]map[string]struct{}{}}
}

func (o *MemoryOutbox) Push(_ context.Context, batch ReceiptBatch) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := o.byRoom[batch.RoomID]
	if ids == nil {
		ids = map[string]struct{}{}
		o.byRoom[batch.RoomID] = ids
	}
	for _, id := range batch.MessageIDs {
		ids[id] = struct{}{}
	}
	return nil
}

func (o *MemoryOutbox) Drain(_ context.Context) ([]ReceiptBatch, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]ReceiptBatch, 0, len(o.byRoom))
	for roomID, ids := range o.byRoom {
		out = append(out, ReceiptBatch{RoomID: roomID, MessageIDs: sortedKeys(ids)})
	}
	o.byRoom = map[string]map[string]struct{}{}
	sort.Slice(out, func(i, j int) bool { return out[i].RoomID < out[j].RoomID })
	return out, nil
}

// RedisOutbox keeps failed receipts in a redis list so they survive a restart
// of the agent.
type RedisOutbox struct {
	rdb *redis.Client
	key string
}

func NewRedisOutbox(rdb *redis.Client, userID string) *RedisOutbox {
	return &RedisOutbox{rdb: rdb, key: "chatsync:receipts:" + userID}
}

func (o *RedisOutbox) Push(ctx context.Context, batch ReceiptBatch) error {
	raw, err := json.Marshal(batch)
	if err != nil {
		return err
	}
	return o.rdb.RPush(ctx, o.key, raw).Err()
}

func (o *RedisOutbox) Drain(ctx context.Context) ([]ReceiptBatch, error) {
	pipe := o.rdb.TxPipeline()
	items := pipe.LRange(ctx, o.key, 0, -1)
	pipe.Del(ctx, o.key)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	merged := NewMemoryOutbox()
	for _, raw := range items.Val() {
		var batch ReceiptBatch
		if err := json.Unmarshal([]byte(raw), &batch); err != nil {
			continue
		}
		_ = merged.Push(ctx, batch)
	}
	return merged.Drain(ctx)
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
