package domain

import "time"

// RoomEventType identifies a membership change observed by the hub.
type RoomEventType string

const (
	RoomCreated  RoomEventType = "room_created"
	RoomDeleted  RoomEventType = "room_deleted"
	MemberJoined RoomEventType = "member_joined"
	MemberLeft   RoomEventType = "member_left"
)

// RoomEvent is emitted for every membership change. It never carries an
// action payload.
type RoomEvent struct {
	Type      RoomEventType `json:"type"`
	RoomID    string        `json:"room_id"`
	ConnID    string        `json:"conn_id,omitempty"`
	Members   int           `json:"members"`
	Timestamp time.Time     `json:"timestamp"`
}
