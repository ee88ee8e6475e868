package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"chatsync/server/chatsync/domain"
)

const (
	defaultHTTPTimeout      = 10 * time.Second
	defaultFailThreshold    = 3
	defaultEndpointCooldown = 10 * time.Second
)

type SendMessageRequest struct {
	RoomID           string   `json:"roomId"`
	Content          *string  `json:"content"`
	AttachmentIDs    []string `json:"attachmentIds,omitempty"`
	ReplyToMessageID string   `json:"replyToMessageId,omitempty"`
	MentionUserIDs   []string `json:"mentionUserIds,omitempty"`
	ClientMessageID  string   `json:"clientMessageId,omitempty"`
}

type CreateRoomRequest struct {
	Name           string          `json:"name"`
	Type           domain.RoomType `json:"type"`
	ParticipantIDs []string        `json:"participantIds"`
	ProjectID      string          `json:"projectId,omitempty"`
}

type markReadRequest struct {
	RoomID     string   `json:"roomId"`
	MessageIDs []string `json:"messageIds"`
}

type APIClientOptions struct {
	Timeout       time.Duration
	FailThreshold int
	Cooldown      time.Duration
}

// APIClient talks to the chat REST api. Requests rotate over the configured
// base URLs; a URL that keeps failing is skipped for a cooldown period.
type APIClient struct {
	endpoints []string
	http      *http.Client
	next      uint32

	failThreshold    int
	endpointCooldown time.Duration

	mu         sync.Mutex
	token      string
	failureCnt map[string]int
	cooldownTo map[string]time.Time
}

func NewAPIClient(token string, endpoints []string, opts APIClientOptions) *APIClient {
	normalized := normalizeEndpoints(endpoints)
	if opts.Timeout <= 0 {
		opts.Timeout = defaultHTTPTimeout
	}
	if opts.FailThreshold <= 0 {
		opts.FailThreshold = defaultFailThreshold
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = defaultEndpointCooldown
	}
	return &APIClient{
		endpoints:        normalized,
		http:             &http.Client{Timeout: opts.Timeout},
		token:            token,
		failThreshold:    opts.FailThreshold,
		endpointCooldown: opts.Cooldown,
		failureCnt:       make(map[string]int, len(normalized)),
		cooldownTo:       make(map[string]time.Time, len(normalized)),
	}
}

func (c *APIClient) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

func (c *APIClient) ListRooms(ctx context.Context, page, size int) (domain.Page[domain.Room], error) {
	var out domain.Page[domain.Room]
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("size", strconv.Itoa(size))
	q.Set("sort", "updatedAt,desc")
	if err := c.doJSON(ctx, http.MethodGet, "/rooms?"+q.Encode(), nil, &out); err != nil {
		return out, fmt.Errorf("chatsync.ListRooms: %w", err)
	}
	return out, nil
}

func (c *APIClient) GetRoom(ctx context.Context, roomID string) (domain.Room, error) {
	var out domain.Room
	if err := c.doJSON(ctx, http.MethodGet, "/rooms/"+url.PathEscape(roomID), nil, &out); err != nil {
		return out, fmt.Errorf("chatsync.GetRoom: %w", err)
	}
	return out, nil
}

func (c *APIClient) ListMessages(ctx context.Context, roomID string, page, size int) (domain.Page[domain.Message], error) {
	var out domain.Page[domain.Message]
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("size", strconv.Itoa(size))
	path := "/rooms/" + url.PathEscape(roomID) + "/messages?" + q.Encode()
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return out, fmt.Errorf("chatsync.ListMessages: %w", err)
	}
	return out, nil
}

func (c *APIClient) SendMessage(ctx context.Context, req SendMessageRequest) (domain.Message, error) {
	var out domain.Message
	if err := c.doJSON(ctx, http.MethodPost, "/messages", req, &out); err != nil {
		return out, fmt.Errorf("chatsync.SendMessage: %w", err)
	}
	return out, nil
}

func (c *APIClient) MarkRead(ctx context.Context, roomID string, messageIDs []string) error {
	if err := c.doJSON(ctx, http.MethodPost, "/messages/mark-read", markReadRequest{RoomID: roomID, MessageIDs: messageIDs}, nil); err != nil {
		return fmt.Errorf("chatsync.MarkRead: %w", err)
	}
	return nil
}

func (c *APIClient) CreateRoom(ctx context.Context, req CreateRoomRequest) (domain.Room, error) {
	var out domain.Room
	if err := c.doJSON(ctx, http.MethodPost, "/rooms", req, &out); err != nil {
		return out, fmt.Errorf("chatsync.CreateRoom: %w", err)
	}
	return out, nil
}

// UploadAttachment posts one file as multipart form data under the "file" field.
func (c *APIClient) UploadAttachment(ctx context.Context, name, contentType string, r io.Reader) (domain.Attachment, error) {
	var out domain.Attachment
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, name))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	header.Set("Content-Type", contentType)
	part, err := w.CreatePart(header)
	if err != nil {
		return out, fmt.Errorf("chatsync.UploadAttachment: %w", err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return out, fmt.Errorf("chatsync.UploadAttachment: read file: %w", err)
	}
	if err := w.Close(); err != nil {
		return out, fmt.Errorf("chatsync.UploadAttachment: %w", err)
	}
	if err := c.do(ctx, http.MethodPost, "/attachments", w.FormDataContentType(), buf.Bytes(), &out); err != nil {
		return out, fmt.Errorf("chatsync.UploadAttachment: %w", err)
	}
	if out.Name == "" {
		out.Name = name
	}
	if out.ContentType == "" {
		out.ContentType = contentType
	}
	return out, nil
}

func (c *APIClient) doJSON(ctx context.Context, method, path string, payload any, out any) error {
	var body []byte
	contentType := ""
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		body = data
		contentType = "application/json"
	}
	return c.do(ctx, method, path, contentType, body, out)
}

func (c *APIClient) do(ctx context.Context, method, path, contentType string, body []byte, out any) error {
	if len(c.endpoints) == 0 {
		return ErrNoEndpoint
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()

	start := int(atomic.AddUint32(&c.next, 1)-1) % len(c.endpoints)
	var lastErr error
	for offset := 0; offset < len(c.endpoints); offset++ {
		endpoint := c.endpoints[(start+offset)%len(c.endpoints)]
		if c.isCoolingDown(endpoint, time.Now()) {
			continue
		}
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint+path, reader)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		req.Header.Set("Accept", "application/json")
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = fmt.Errorf("do request endpoint=%s: %w", endpoint, err)
			c.onFailure(endpoint, time.Now())
			continue
		}
		if resp.StatusCode >= 500 {
			lastErr = readHTTPError(resp)
			_ = resp.Body.Close()
			c.onFailure(endpoint, time.Now())
			continue
		}
		if resp.StatusCode >= 400 {
			err := readHTTPError(resp)
			_ = resp.Body.Close()
			c.onSuccess(endpoint)
			return err
		}

		var decodeErr error
		if out != nil {
			decodeErr = json.NewDecoder(resp.Body).Decode(out)
			if errors.Is(decodeErr, io.EOF) {
				decodeErr = nil
			}
		}
		_ = resp.Body.Close()
		c.onSuccess(endpoint)
		if decodeErr != nil {
			return fmt.Errorf("decode response: %w", decodeErr)
		}
		return nil
	}
	if lastErr == nil {
		return fmt.Errorf("all chat api endpoints are cooling down")
	}
	return lastErr
}

func readHTTPError(resp *http.Response) error {
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &HTTPError{StatusCode: resp.StatusCode, Message: fmt.Sprintf("failed to read body: %v", err)}
	}
	var apiErr struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(respBody, &apiErr) == nil {
		if msg := firstNonEmpty(apiErr.Error, apiErr.Message); msg != "" {
			return &HTTPError{StatusCode: resp.StatusCode, Message: msg}
		}
	}
	return &HTTPError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
}

func normalizeEndpoints(endpoints []string) []string {
	result := make([]string, 0, len(endpoints))
	seen := map[string]struct{}{}
	for _, endpoint := range endpoints {
		normalized := strings.TrimRight(strings.TrimSpace(endpoint), "/")
		if normalized == "" {
			continue
		}
		if _, ok := seen[normalized]; ok {
			continue
		}
		seen[normalized] = struct{}{}
		result = append(result, normalized)
	}
	return result
}

func (c *APIClient) isCoolingDown(endpoint string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	until, ok := c.cooldownTo[endpoint]
	if !ok {
		return false
	}
	if now.After(until) {
		delete(c.cooldownTo, endpoint)
		return false
	}
	return true
}

func (c *APIClient) onFailure(endpoint string, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	count := c.failureCnt[endpoint] + 1
	c.failureCnt[endpoint] = count
	if count >= c.failThreshold {
		c.cooldownTo[endpoint] = now.Add(c.endpointCooldown)
		c.failureCnt[endpoint] = 0
	}
}

func (c *APIClient) onSuccess(endpoint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failureCnt[endpoint] = 0
	delete(c.cooldownTo, endpoint)
}
