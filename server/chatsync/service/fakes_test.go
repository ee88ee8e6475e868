package service

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"chatsync/server/chatsync/domain"
	"chatsync/server/common/transport/stomp"
)

// fakeTransport answers CONNECT on its own and records every frame written.
type fakeTransport struct {
	in        chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	reject    string

	mu      sync.Mutex
	written []stomp.Frame
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{in: make(chan []byte, 64), closed: make(chan struct{})}
}

func (t *fakeTransport) ReadMessage() ([]byte, error) {
	select {
	case data := <-t.in:
		return data, nil
	case <-t.closed:
		return nil, io.ErrUnexpectedEOF
	}
}

func (t *fakeTransport) WriteMessage(data []byte) error {
	select {
	case <-t.closed:
		return errors.New("transport closed")
	default:
	}
	f, err := stomp.Decode(data)
	if err != nil {
		return nil
	}
	t.mu.Lock()
	t.written = append(t.written, f)
	t.mu.Unlock()
	if f.Command == stomp.CommandConnect {
		if t.reject != "" {
			t.in <- stomp.New(stomp.CommandError, stomp.HeaderMessage, t.reject).Encode()
		} else {
			t.in <- stomp.New(stomp.CommandConnected, "version", "1.2").Encode()
		}
	}
	return nil
}

func (t *fakeTransport) SetReadDeadline(time.Time) error { return nil }

func (t *fakeTransport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

// drop simulates the gateway going away.
func (t *fakeTransport) drop() { _ = t.Close() }

func (t *fakeTransport) push(f stomp.Frame) { t.in <- f.Encode() }

func (t *fakeTransport) frames(command string) []stomp.Frame {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []stomp.Frame
	for _, f := range t.written {
		if f.Command == command {
			out = append(out, f)
		}
	}
	return out
}

// fakeDialer hands out scripted transports; once the script runs out every
// dial fails.
type fakeDialer struct {
	mu      sync.Mutex
	script  []*fakeTransport
	dials   int
	headers []http.Header
}

func (d *fakeDialer) Dial(_ context.Context, _ string, header http.Header) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	d.headers = append(d.headers, header)
	if len(d.script) == 0 {
		return nil, errors.New("connection refused")
	}
	t := d.script[0]
	d.script = d.script[1:]
	return t, nil
}

func (d *fakeDialer) add(t *fakeTransport) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.script = append(d.script, t)
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

type recordingHandler struct {
	mu     sync.Mutex
	frames []stomp.Frame
}

func (h *recordingHandler) HandleFrame(f stomp.Frame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.frames = append(h.frames, f)
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.frames)
}

// fakeSocket stands in for the connection in pipeline tests.
type fakeSocket struct {
	mu        sync.Mutex
	connected bool
	err       error
	sent      []sentFrame
}

type sentFrame struct {
	Destination string
	Body        any
	Headers     []stomp.Header
}

func (s *fakeSocket) Send(destination string, body any, headers ...stomp.Header) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return ErrNotConnected
	}
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, sentFrame{Destination: destination, Body: body, Headers: headers})
	return nil
}

func (s *fakeSocket) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *fakeSocket) sentTo(destination string) []sentFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []sentFrame
	for _, f := range s.sent {
		if f.Destination == destination {
			out = append(out, f)
		}
	}
	return out
}

// fakeAPI implements ChatAPI from in-memory fixtures.
type fakeAPI struct {
	mu sync.Mutex

	rooms       []domain.Room
	history     map[string][]domain.Message
	historyGate chan struct{}
	historyHits int

	markReadErr error
	markReads   []ReceiptBatch

	sendErr error
	sent    []SendMessageRequest
	created []CreateRoomRequest
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{history: map[string][]domain.Message{}}
}

func (a *fakeAPI) ListRooms(_ context.Context, page, size int) (domain.Page[domain.Room], error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	start := page * size
	if start > len(a.rooms) {
		start = len(a.rooms)
	}
	end := min(start+size, len(a.rooms))
	return domain.Page[domain.Room]{
		Content:       append([]domain.Room(nil), a.rooms[start:end]...),
		TotalElements: len(a.rooms),
		Number:        page,
		Size:          size,
		Last:          end >= len(a.rooms),
	}, nil
}

func (a *fakeAPI) GetRoom(_ context.Context, roomID string) (domain.Room, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, r := range a.rooms {
		if r.ID == roomID {
			return r, nil
		}
	}
	return domain.Room{}, &HTTPError{StatusCode: http.StatusNotFound, Message: "room not found"}
}

func (a *fakeAPI) ListMessages(ctx context.Context, roomID string, page, size int) (domain.Page[domain.Message], error) {
	a.mu.Lock()
	a.historyHits++
	gate := a.historyGate
	all := a.history[roomID]
	a.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return domain.Page[domain.Message]{}, ctx.Err()
		}
	}
	// newest first, like the backend
	start := page * size
	if start > len(all) {
		start = len(all)
	}
	end := min(start+size, len(all))
	content := make([]domain.Message, 0, end-start)
	for i := len(all) - 1 - start; i >= len(all)-end; i-- {
		content = append(content, all[i])
	}
	return domain.Page[domain.Message]{Content: content, Number: page, Size: size, Last: end >= len(all)}, nil
}

func (a *fakeAPI) SendMessage(_ context.Context, req SendMessageRequest) (domain.Message, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sendErr != nil {
		return domain.Message{}, a.sendErr
	}
	a.sent = append(a.sent, req)
	return domain.Message{
		ID:        "srv-" + req.ClientMessageID,
		RoomID:    req.RoomID,
		Content:   req.Content,
		Timestamp: time.Now(),
	}, nil
}

func (a *fakeAPI) MarkRead(_ context.Context, roomID string, messageIDs []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.markReadErr != nil {
		return a.markReadErr
	}
	a.markReads = append(a.markReads, ReceiptBatch{RoomID: roomID, MessageIDs: append([]string(nil), messageIDs...)})
	return nil
}

func (a *fakeAPI) CreateRoom(_ context.Context, req CreateRoomRequest) (domain.Room, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.created = append(a.created, req)
	room := domain.Room{ID: "room-" + req.Name, Name: req.Name, Type: req.Type, UnreadCount: 4}
	a.rooms = append(a.rooms, room)
	return room, nil
}

func (a *fakeAPI) setMarkReadErr(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.markReadErr = err
}

func (a *fakeAPI) receipts() []ReceiptBatch {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]ReceiptBatch(nil), a.markReads...)
}
