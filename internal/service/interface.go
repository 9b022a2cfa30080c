package service

import (
	"context"
	"errors"

	"github.com/weiawesome/wes-sync-relay/internal/directory"
	"github.com/weiawesome/wes-sync-relay/internal/hub"
	"github.com/weiawesome/wes-sync-relay/internal/oauth"
	"github.com/weiawesome/wes-sync-relay/internal/registry"
)

// Status is the relay's point-in-time occupancy.
type Status struct {
	Connections int `json:"connections"`
	Rooms       int `json:"rooms"`
	Members     int `json:"members"`
}

var ErrRoomNotFound = errors.New("room not found")

// RoomDetail describes one room: its members on this instance and every
// instance the directory lists as hosting it.
type RoomDetail struct {
	ID        string            `json:"id"`
	Members   int               `json:"members"`
	Instances []directory.Entry `json:"instances"`
}

type RelayService interface {
	Connect(ctx context.Context, t registry.Transport) string
	HandleMessage(ctx context.Context, connID string, raw []byte) error
	HandleOversize(ctx context.Context, connID string, size int64) error
	HandlePong(connID string)
	HandleDisconnect(ctx context.Context, connID string)
	TestBroadcast(ctx context.Context, roomID string) (int, error)
	ExchangeToken(ctx context.Context, code string) (*oauth.Tokens, error)
	Status() Status
	Rooms() []hub.RoomInfo
	Room(ctx context.Context, roomID string) (*RoomDetail, error)
	Start(ctx context.Context) error
	Stop() error
}
