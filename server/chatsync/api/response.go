package api

import (
	"chatsync/server/chatsync/domain"
	"chatsync/server/common/transport/httpresp"
)

const (
	ErrUnauthorized = httpresp.ErrUnauthorized
	ErrNotConnected = httpresp.ErrNotConnected
	ErrRoomNotFound = httpresp.ErrRoomNotFound
)

type ErrorResponse = httpresp.ErrorResponse
type OKResponse = httpresp.OKResponse

type HealthResponse struct {
	Status string `json:"status"`
}

type StatusResponse struct {
	State       string `json:"state"`
	ActiveRoom  string `json:"activeRoom,omitempty"`
	RoomCount   int    `json:"roomCount"`
	UnreadTotal int    `json:"unreadTotal"`
	UIClients   int    `json:"uiClients"`
}

type RoomResponse struct {
	Room   domain.Room          `json:"room"`
	Typing []domain.TypingEntry `json:"typing"`
}

type SendResponse struct {
	TempID string `json:"tempId"`
	Error  string `json:"error,omitempty"`
}

type MarkReadResponse struct {
	Marked int `json:"marked"`
	Unread int `json:"unread"`
}

type ReactionResponse struct {
	Added bool `json:"added"`
}

func NewHealthResponse(status string) HealthResponse {
	return HealthResponse{Status: status}
}

func NewErrorResponse(message string) ErrorResponse {
	return httpresp.NewErrorResponse(message)
}

func NewOKResponse() OKResponse {
	return httpresp.NewOKResponse()
}
