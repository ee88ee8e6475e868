package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"chatsync/server/chatsync/domain"
	commonlog "chatsync/server/common/log"
)

type archiveDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

const archiveSchema = `
CREATE TABLE IF NOT EXISTS chat_messages (
	id           TEXT PRIMARY KEY,
	owner_id     TEXT NOT NULL,
	room_id      TEXT NOT NULL,
	sender_id    TEXT NOT NULL,
	sender_name  TEXT NOT NULL DEFAULT '',
	content      TEXT,
	sent_at      TIMESTAMPTZ NOT NULL,
	statuses     JSONB NOT NULL DEFAULT '{}'::jsonb,
	attachments  JSONB NOT NULL DEFAULT '[]'::jsonb,
	reactions    JSONB NOT NULL DEFAULT '[]'::jsonb,
	reply_to_id  TEXT,
	edited       BOOLEAN NOT NULL DEFAULT FALSE,
	deleted      BOOLEAN NOT NULL DEFAULT FALSE,
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS chat_messages_room_sent_idx ON chat_messages (room_id, sent_at);
`

const archiveUpsert = `
INSERT INTO chat_messages (id, owner_id, room_id, sender_id, sender_name, content, sent_at, statuses, attachments, reactions, reply_to_id, edited, deleted, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NULLIF($11, ''), $12, $13, now())
ON CONFLICT (id) DO UPDATE SET
	content = EXCLUDED.content,
	statuses = EXCLUDED.statuses,
	reactions = EXCLUDED.reactions,
	edited = EXCLUDED.edited,
	deleted = EXCLUDED.deleted,
	updated_at = now()
`

// Archive mirrors server-confirmed messages into Postgres. Placeholders are
// never written.
type Archive struct {
	db    archiveDB
	store *Store
	queue chan []domain.Message
}

func NewArchive(db archiveDB, store *Store, buffer int) *Archive {
	if buffer <= 0 {
		buffer = 128
	}
	return &Archive{db: db, store: store, queue: make(chan []domain.Message, buffer)}
}

func (a *Archive) EnsureSchema(ctx context.Context) error {
	if _, err := a.db.Exec(ctx, archiveSchema); err != nil {
		return fmt.Errorf("archive schema: %w", err)
	}
	return nil
}

func (a *Archive) OnChange(ch Change) {
	if len(ch.MessageIDs) == 0 {
		return
	}
	ev := snapshotEvent(a.store, ch)
	confirmed := make([]domain.Message, 0, len(ev.Messages))
	for _, m := range ev.Messages {
		if m.SendState == domain.SendStateConfirmed {
			confirmed = append(confirmed, m)
		}
	}
	if len(confirmed) == 0 {
		return
	}
	select {
	case a.queue <- confirmed:
	default:
		commonlog.Warnf("event=chat_archive action=enqueue status=dropped change=%s count=%d", ch.Action, len(confirmed))
	}
}

func (a *Archive) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case messages := <-a.queue:
			if err := a.write(ctx, messages); err != nil {
				commonlog.Warnf("event=chat_archive action=write status=failed count=%d error=%v", len(messages), err)
			}
		}
	}
}

func (a *Archive) write(ctx context.Context, messages []domain.Message) error {
	batch := &pgx.Batch{}
	for _, m := range messages {
		args, err := archiveArgs(a.store.SelfID(), m)
		if err != nil {
			return err
		}
		batch.Queue(archiveUpsert, args...)
	}
	results := a.db.SendBatch(ctx, batch)
	defer results.Close()
	for range messages {
		if _, err := results.Exec(); err != nil {
			return err
		}
	}
	return nil
}

func archiveArgs(ownerID string, m domain.Message) ([]any, error) {
	statuses := m.Statuses
	if statuses == nil {
		statuses = map[string]domain.DeliveryStatus{}
	}
	statusJSON, err := json.Marshal(statuses)
	if err != nil {
		return nil, err
	}
	attachments := m.Attachments
	if attachments == nil {
		attachments = []domain.Attachment{}
	}
	attachmentJSON, err := json.Marshal(attachments)
	if err != nil {
		return nil, err
	}
	reactions := m.Reactions
	if reactions == nil {
		reactions = []domain.Reaction{}
	}
	reactionJSON, err := json.Marshal(reactions)
	if err != nil {
		return nil, err
	}
	return []any{
		m.ID, ownerID, m.RoomID, m.SenderID, m.SenderName, m.Content, m.Timestamp,
		statusJSON, attachmentJSON, reactionJSON, m.ReplyToMessageID, m.Edited, m.Deleted,
	}, nil
}
