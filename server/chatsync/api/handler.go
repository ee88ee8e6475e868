package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chatsync/server/chatsync/domain"
	"chatsync/server/chatsync/service"
	commonauth "chatsync/server/common/auth"
	commonlog "chatsync/server/common/log"
	"chatsync/server/common/middleware"
)

// ChatClient is the part of *service.Client the gateway drives.
type ChatClient interface {
	Store() *service.Store
	State() service.ConnState
	Reconnect(ctx context.Context) error
	SelectRoom(ctx context.Context, roomID string) (service.HistoryPage, error)
	LoadOlder(ctx context.Context, roomID string, page, size int) (service.HistoryPage, error)
	CreateRoom(ctx context.Context, req service.CreateRoomRequest) (domain.Room, error)
	Send(ctx context.Context, req service.SendRequest) (string, error)
	SendWithFiles(ctx context.Context, req service.SendRequest, files []service.FileUpload) (string, error)
	Retry(ctx context.Context, tempID string) error
	MarkRead(roomID string, messageIDs []string) int
	MarkRoomRead(roomID string) int
	SetTyping(roomID string, typing bool) error
	SetPresence(online bool) error
	ToggleReaction(messageID, emoji string) (bool, error)
}

type Handler struct {
	chat     ChatClient
	hub      *service.Hub
	auth     *commonauth.Service
	gatherer prometheus.Gatherer
}

func NewHandler(chat ChatClient, hub *service.Hub, auth *commonauth.Service, gatherer prometheus.Gatherer) *Handler {
	return &Handler{chat: chat, hub: hub, auth: auth, gatherer: gatherer}
}

var uiUpgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, NewHealthResponse("ok")) })
	if h.gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))
	}
	r.GET("/ws", h.handleWS)

	api := r.Group("/api/v1")
	api.Use(middleware.AuthRequired(h.auth), h.requireSelf)
	{
		api.GET("/status", h.status)
		api.POST("/reconnect", h.reconnect)
		api.POST("/presence", h.setPresence)
		api.GET("/rooms", h.listRooms)
		api.POST("/rooms", h.createRoom)
		api.GET("/rooms/:id", h.getRoom)
		api.POST("/rooms/:id/select", h.selectRoom)
		api.GET("/rooms/:id/messages", h.listMessages)
		api.POST("/rooms/:id/history", h.loadHistory)
		api.POST("/rooms/:id/messages", h.sendMessage)
		api.POST("/rooms/:id/files", h.sendFiles)
		api.POST("/rooms/:id/messages/:tempId/retry", h.retryMessage)
		api.POST("/rooms/:id/read", h.markRead)
		api.POST("/rooms/:id/typing", h.setTyping)
		api.POST("/messages/:id/reactions", h.toggleReaction)
	}
}

// requireSelf only admits tokens minted for the user this agent is logged in as.
func (h *Handler) requireSelf(c *gin.Context) {
	if c.GetString("auth_user_id") != h.chat.Store().SelfID() {
		c.AbortWithStatusJSON(http.StatusForbidden, NewErrorResponse(ErrUnauthorized))
		return
	}
	c.Next()
}

func (h *Handler) handleWS(c *gin.Context) {
	token, ok := middleware.BearerToken(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(ErrUnauthorized))
		return
	}
	userID, _, err := h.auth.ParseAuthContext(token)
	if err != nil || userID != h.chat.Store().SelfID() {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(ErrUnauthorized))
		return
	}
	conn, err := uiUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		commonlog.Warnf("event=chat_gateway action=ws_upgrade status=failed error=%v", err)
		return
	}
	client := &service.UIClient{ID: uuid.NewString(), Conn: conn}
	h.hub.Register(client)
	commonlog.Infof("event=chat_gateway action=ws_attach status=ok client_id=%s", client.ID)
	defer h.hub.Unregister(client)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Handler) status(c *gin.Context) {
	store := h.chat.Store()
	rooms := store.Rooms()
	total := 0
	for _, r := range rooms {
		total += r.UnreadCount
	}
	c.JSON(http.StatusOK, StatusResponse{
		State:       string(h.chat.State()),
		ActiveRoom:  store.ActiveRoom(),
		RoomCount:   len(rooms),
		UnreadTotal: total,
		UIClients:   h.hub.ClientCount(),
	})
}

func (h *Handler) reconnect(c *gin.Context) {
	if err := h.chat.Reconnect(c.Request.Context()); err != nil {
		c.JSON(statusFor(err), NewErrorResponse(err.Error()))
		return
	}
	c.JSON(http.StatusOK, NewOKResponse())
}

func (h *Handler) listRooms(c *gin.Context) {
	c.JSON(http.StatusOK, h.chat.Store().Rooms())
}

func (h *Handler) createRoom(c *gin.Context) {
	var req service.CreateRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}
	room, err := h.chat.CreateRoom(c.Request.Context(), req)
	if err != nil {
		c.JSON(statusFor(err), NewErrorResponse(err.Error()))
		return
	}
	c.JSON(http.StatusCreated, room)
}

func (h *Handler) getRoom(c *gin.Context) {
	roomID := c.Param("id")
	room, ok := h.chat.Store().Room(roomID)
	if !ok {
		c.JSON(http.StatusNotFound, NewErrorResponse(ErrRoomNotFound))
		return
	}
	c.JSON(http.StatusOK, RoomResponse{Room: room, Typing: h.chat.Store().Typing(roomID)})
}

func (h *Handler) selectRoom(c *gin.Context) {
	page, err := h.chat.SelectRoom(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(statusFor(err), NewErrorResponse(err.Error()))
		return
	}
	c.JSON(http.StatusOK, page)
}

func (h *Handler) listMessages(c *gin.Context) {
	roomID := c.Param("id")
	if _, ok := h.chat.Store().Room(roomID); !ok {
		c.JSON(http.StatusNotFound, NewErrorResponse(ErrRoomNotFound))
		return
	}
	c.JSON(http.StatusOK, h.chat.Store().Messages(roomID))
}

func (h *Handler) loadHistory(c *gin.Context) {
	var req struct {
		Page int `json:"page"`
		Size int `json:"size"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, NewErrorResponse(err.Error()))
			return
		}
	} else {
		req.Page, _ = strconv.Atoi(c.DefaultQuery("page", "0"))
		req.Size, _ = strconv.Atoi(c.DefaultQuery("size", "0"))
	}
	page, err := h.chat.LoadOlder(c.Request.Context(), c.Param("id"), req.Page, req.Size)
	if err != nil {
		c.JSON(statusFor(err), NewErrorResponse(err.Error()))
		return
	}
	c.JSON(http.StatusOK, page)
}

func (h *Handler) sendMessage(c *gin.Context) {
	var req service.SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}
	req.RoomID = c.Param("id")
	tempID, err := h.chat.Send(c.Request.Context(), req)
	if err != nil {
		if tempID != "" {
			c.JSON(http.StatusBadGateway, SendResponse{TempID: tempID, Error: err.Error()})
			return
		}
		c.JSON(statusFor(err), NewErrorResponse(err.Error()))
		return
	}
	c.JSON(http.StatusAccepted, SendResponse{TempID: tempID})
}

// sendFiles takes multipart form data: any number of "file" parts plus an
// optional "content" field.
func (h *Handler) sendFiles(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}
	files := make([]service.FileUpload, 0, len(form.File["file"]))
	for _, fh := range form.File["file"] {
		f, err := fh.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, NewErrorResponse(err.Error()))
			return
		}
		data, err := io.ReadAll(f)
		_ = f.Close()
		if err != nil {
			c.JSON(http.StatusBadRequest, NewErrorResponse(err.Error()))
			return
		}
		files = append(files, service.FileUpload{Name: fh.Filename, ContentType: fh.Header.Get("Content-Type"), Data: data})
	}
	req := service.SendRequest{RoomID: c.Param("id"), Content: c.PostForm("content")}
	tempID, err := h.chat.SendWithFiles(c.Request.Context(), req, files)
	if err != nil {
		if tempID != "" {
			c.JSON(http.StatusBadGateway, SendResponse{TempID: tempID, Error: err.Error()})
			return
		}
		c.JSON(statusFor(err), NewErrorResponse(err.Error()))
		return
	}
	c.JSON(http.StatusAccepted, SendResponse{TempID: tempID})
}

func (h *Handler) retryMessage(c *gin.Context) {
	tempID := c.Param("tempId")
	if err := h.chat.Retry(c.Request.Context(), tempID); err != nil {
		c.JSON(statusFor(err), NewErrorResponse(err.Error()))
		return
	}
	c.JSON(http.StatusAccepted, SendResponse{TempID: tempID})
}

func (h *Handler) markRead(c *gin.Context) {
	roomID := c.Param("id")
	if _, ok := h.chat.Store().Room(roomID); !ok {
		c.JSON(http.StatusNotFound, NewErrorResponse(ErrRoomNotFound))
		return
	}
	var req struct {
		MessageIDs []string `json:"messageIds"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, NewErrorResponse(err.Error()))
			return
		}
	}
	var marked int
	if len(req.MessageIDs) == 0 {
		marked = h.chat.MarkRoomRead(roomID)
	} else {
		marked = h.chat.MarkRead(roomID, req.MessageIDs)
	}
	c.JSON(http.StatusOK, MarkReadResponse{Marked: marked, Unread: h.chat.Store().UnreadCount(roomID)})
}

func (h *Handler) setTyping(c *gin.Context) {
	var req struct {
		Typing bool `json:"typing"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}
	if err := h.chat.SetTyping(c.Param("id"), req.Typing); err != nil {
		c.JSON(statusFor(err), NewErrorResponse(err.Error()))
		return
	}
	c.JSON(http.StatusOK, NewOKResponse())
}

func (h *Handler) setPresence(c *gin.Context) {
	var req struct {
		Online bool `json:"online"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}
	if err := h.chat.SetPresence(req.Online); err != nil {
		c.JSON(statusFor(err), NewErrorResponse(err.Error()))
		return
	}
	c.JSON(http.StatusOK, NewOKResponse())
}

func (h *Handler) toggleReaction(c *gin.Context) {
	var req struct {
		Emoji string `json:"emoji" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}
	added, err := h.chat.ToggleReaction(c.Param("id"), req.Emoji)
	if err != nil {
		c.JSON(statusFor(err), NewErrorResponse(err.Error()))
		return
	}
	c.JSON(http.StatusOK, ReactionResponse{Added: added})
}

func statusFor(err error) int {
	var httpErr *service.HTTPError
	switch {
	case errors.Is(err, service.ErrNotConnected):
		return http.StatusServiceUnavailable
	case errors.Is(err, service.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, service.ErrUnknownRoom), errors.Is(err, service.ErrUnknownMessage):
		return http.StatusNotFound
	case errors.Is(err, service.ErrNotRetryable):
		return http.StatusConflict
	case errors.Is(err, service.ErrEmptyMessage),
		errors.Is(err, service.ErrMissingRoom),
		errors.Is(err, service.ErrMissingRoomName),
		errors.Is(err, service.ErrMissingParticipants),
		errors.Is(err, service.ErrInvalidRoomType):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrNoUploader):
		return http.StatusNotImplemented
	case errors.As(err, &httpErr):
		if httpErr.StatusCode >= 400 && httpErr.StatusCode < 500 {
			return httpErr.StatusCode
		}
		return http.StatusBadGateway
	}
	return http.StatusBadGateway
}
