package service

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"chatsync/server/chatsync/domain"
	commonlog "chatsync/server/common/log"
	"chatsync/server/common/transport/stomp"
)

type SendVia string

const (
	SendViaSocket SendVia = "ws"
	SendViaREST   SendVia = "rest"
)

const headerClientMessageID = "client-message-id"

type MessageAPI interface {
	SendMessage(ctx context.Context, req SendMessageRequest) (domain.Message, error)
}

// Socket is the part of the connection the pipelines need.
type Socket interface {
	SocketSender
	IsConnected() bool
}

type SendRequest struct {
	RoomID           string              `json:"roomId"`
	Content          string              `json:"content"`
	Attachments      []domain.Attachment `json:"attachments,omitempty"`
	ReplyToMessageID string              `json:"replyToMessageId,omitempty"`
	MentionUserIDs   []string            `json:"mentionUserIds,omitempty"`
}

func (r SendRequest) validate() error {
	if strings.TrimSpace(r.RoomID) == "" {
		return ErrMissingRoom
	}
	if strings.TrimSpace(r.Content) == "" && len(r.Attachments) == 0 {
		return ErrEmptyMessage
	}
	return nil
}

type SenderConfig struct {
	AckTimeout time.Duration
	Via        SendVia
	SelfName   string
}

// Sender runs the optimistic send state machine: a placeholder is inserted as
// sending, then either replaced by the server copy or marked failed when the
// ack does not arrive in time. Failed sends are only retried on request.
type Sender struct {
	store   *Store
	socket  Socket
	api     MessageAPI
	metrics *Metrics
	cfg     SenderConfig

	mu          sync.Mutex
	requests    map[string]SendRequest
	timers      map[string]*time.Timer
	unsubscribe func()
}

func NewSender(cfg SenderConfig, store *Store, socket Socket, api MessageAPI, metrics *Metrics) *Sender {
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 10 * time.Second
	}
	if cfg.Via == "" {
		cfg.Via = SendViaSocket
	}
	s := &Sender{
		store:    store,
		socket:   socket,
		api:      api,
		metrics:  metrics,
		cfg:      cfg,
		requests: map[string]SendRequest{},
		timers:   map[string]*time.Timer{},
	}
	s.unsubscribe = store.Subscribe(s.onChange)
	return s
}

// Send validates req, inserts the placeholder and hands the message to the
// transport. The temp id is returned even when the first attempt failed, so
// the caller can offer a retry.
func (s *Sender) Send(ctx context.Context, req SendRequest) (string, error) {
	if err := req.validate(); err != nil {
		return "", err
	}
	if s.cfg.Via == SendViaSocket && !s.socket.IsConnected() {
		s.metrics.send("rejected")
		return "", ErrNotConnected
	}
	tempID := "tmp-" + uuid.NewString()
	placeholder := domain.Message{
		ID:               tempID,
		ClientMessageID:  tempID,
		RoomID:           req.RoomID,
		SenderID:         s.store.SelfID(),
		SenderName:       s.cfg.SelfName,
		Content:          contentPtr(req.Content),
		Timestamp:        time.Now(),
		Attachments:      append([]domain.Attachment(nil), req.Attachments...),
		ReplyToMessageID: req.ReplyToMessageID,
		MentionUserIDs:   append([]string(nil), req.MentionUserIDs...),
	}
	s.mu.Lock()
	s.requests[tempID] = req
	s.mu.Unlock()
	s.store.Dispatch(OutboundQueued{Message: placeholder})
	s.metrics.send("queued")
	return tempID, s.attempt(ctx, tempID, req)
}

// Retry re-enters sending on the same placeholder. Only failed sends qualify.
func (s *Sender) Retry(ctx context.Context, tempID string) error {
	s.mu.Lock()
	req, ok := s.requests[tempID]
	s.mu.Unlock()
	msg, found := s.store.Message(tempID)
	if !ok || !found {
		return ErrUnknownMessage
	}
	if msg.SendState != domain.SendStateFailed {
		return ErrNotRetryable
	}
	if s.cfg.Via == SendViaSocket && !s.socket.IsConnected() {
		return ErrNotConnected
	}
	if ch := s.store.Dispatch(OutboundRetrying{TempID: tempID, At: time.Now()}); !ch.Applied {
		return ErrNotRetryable
	}
	s.metrics.send("retried")
	return s.attempt(ctx, tempID, req)
}

func (s *Sender) attempt(ctx context.Context, tempID string, req SendRequest) error {
	payload := SendMessageRequest{
		RoomID:           req.RoomID,
		Content:          contentPtr(req.Content),
		ReplyToMessageID: req.ReplyToMessageID,
		MentionUserIDs:   req.MentionUserIDs,
		ClientMessageID:  tempID,
	}
	for _, a := range req.Attachments {
		payload.AttachmentIDs = append(payload.AttachmentIDs, a.ID)
	}

	s.mu.Lock()
	if t := s.timers[tempID]; t != nil {
		t.Stop()
	}
	s.timers[tempID] = time.AfterFunc(s.cfg.AckTimeout, func() { s.expire(tempID) })
	s.mu.Unlock()

	if s.cfg.Via == SendViaREST {
		created, err := s.api.SendMessage(ctx, payload)
		if err != nil {
			s.fail(tempID, err)
			return err
		}
		if created.ClientMessageID == "" {
			created.ClientMessageID = tempID
		}
		if created.SenderID == "" {
			created.SenderID = s.store.SelfID()
		}
		if created.RoomID == "" {
			created.RoomID = req.RoomID
		}
		s.store.Dispatch(MessageReceived{Message: created})
		return nil
	}
	if err := s.socket.Send(DestinationSend, payload, stomp.Header{Key: headerClientMessageID, Value: tempID}); err != nil {
		s.fail(tempID, err)
		return err
	}
	return nil
}

func (s *Sender) onChange(ch Change) {
	if ch.ResolvedTempID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if t := s.timers[ch.ResolvedTempID]; t != nil {
		t.Stop()
		delete(s.timers, ch.ResolvedTempID)
	}
	if _, ok := s.requests[ch.ResolvedTempID]; ok {
		delete(s.requests, ch.ResolvedTempID)
		s.metrics.send("acked")
	}
}

func (s *Sender) expire(tempID string) {
	s.mu.Lock()
	delete(s.timers, tempID)
	s.mu.Unlock()
	if ch := s.store.Dispatch(OutboundFailed{TempID: tempID}); ch.Applied {
		s.metrics.send("timeout")
		commonlog.Warnf("event=chat_send action=ack status=timeout temp_id=%s room_id=%s", tempID, ch.RoomID)
	}
}

func (s *Sender) fail(tempID string, cause error) {
	s.mu.Lock()
	if t := s.timers[tempID]; t != nil {
		t.Stop()
		delete(s.timers, tempID)
	}
	s.mu.Unlock()
	if ch := s.store.Dispatch(OutboundFailed{TempID: tempID}); ch.Applied {
		s.metrics.send("failed")
		commonlog.Warnf("event=chat_send action=send status=failed temp_id=%s error=%v", tempID, cause)
	}
}

func (s *Sender) Close() {
	s.unsubscribe()
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}

func contentPtr(content string) *string {
	if strings.TrimSpace(content) == "" {
		return nil
	}
	return &content
}
