// Package directory publishes which rooms each relay instance currently
// hosts, so operators and other tooling can find them.
package directory

import (
	"context"
	"errors"

	"github.com/weiawesome/wes-sync-relay/internal/domain"
)

var ErrNotFound = errors.New("room not found in directory")

// Entry is the published record for one room.
type Entry struct {
	RoomID   string `json:"room_id"`
	Instance string `json:"instance"`
	Members  int    `json:"members"`
}

type Directory interface {
	OnRoomEvent(ctx context.Context, ev domain.RoomEvent)
	// Lookup returns the entry of every instance hosting roomID, sorted by
	// instance, or ErrNotFound.
	Lookup(ctx context.Context, roomID string) ([]Entry, error)
	StartHeartbeat(ctx context.Context) error
	Close() error
}

// NoOpDirectory is used when Redis is not configured.
type NoOpDirectory struct{}

func NewNoOpDirectory() *NoOpDirectory { return &NoOpDirectory{} }

func (NoOpDirectory) OnRoomEvent(context.Context, domain.RoomEvent) {}

func (NoOpDirectory) Lookup(context.Context, string) ([]Entry, error) { return nil, ErrNotFound }

func (NoOpDirectory) StartHeartbeat(context.Context) error { return nil }

func (NoOpDirectory) Close() error { return nil }
