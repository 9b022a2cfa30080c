// Package hub owns the room table: which connections are in which rooms,
// and fan-out of actions to the other members of a room.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/weiawesome/wes-sync-relay/internal/domain"
	"github.com/weiawesome/wes-sync-relay/internal/metrics"
	"github.com/weiawesome/wes-sync-relay/internal/registry"
	"github.com/weiawesome/wes-sync-relay/pkg/log"
)

var (
	ErrEmptyRoomID       = errors.New("room id must not be empty")
	ErrUnknownConnection = errors.New("unknown connection")
	ErrNotMember         = errors.New("sender is not a member of the room")
)

const defaultEventBuffer = 1024

// Connections resolves connection ids to transports.
type Connections interface {
	Lookup(id string) (registry.Transport, bool)
	IDs() []string
}

// Observer receives room events in emission order.
type Observer interface {
	OnRoomEvent(ctx context.Context, ev domain.RoomEvent)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, ev domain.RoomEvent)

func (f ObserverFunc) OnRoomEvent(ctx context.Context, ev domain.RoomEvent) { f(ctx, ev) }

type Config struct {
	// ImplicitJoin adds a sender to the room named by its action when it
	// is not yet a member.
	ImplicitJoin bool
	EventBuffer  int
}

// RoomInfo is a point-in-time view of one room.
type RoomInfo struct {
	ID      string `json:"id"`
	Members int    `json:"members"`
}

type Hub struct {
	mu       sync.RWMutex
	rooms    map[string]map[string]struct{} // roomID -> member conn ids
	memberOf map[string]map[string]struct{} // connID -> room ids

	conns     Connections
	cfg       Config
	events    chan domain.RoomEvent
	observers []Observer
	metrics   *metrics.Metrics
}

func New(conns Connections, cfg Config, m *metrics.Metrics, observers ...Observer) *Hub {
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}
	return &Hub{
		rooms:     make(map[string]map[string]struct{}),
		memberOf:  make(map[string]map[string]struct{}),
		conns:     conns,
		cfg:       cfg,
		events:    make(chan domain.RoomEvent, cfg.EventBuffer),
		observers: observers,
		metrics:   m,
	}
}

// Run delivers room events to observers until ctx is done. Events already
// queued at that point are still delivered.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.drain(context.WithoutCancel(ctx))
			return
		case ev := <-h.events:
			h.notify(ctx, ev)
		}
	}
}

func (h *Hub) drain(ctx context.Context) {
	for {
		select {
		case ev := <-h.events:
			h.notify(ctx, ev)
		default:
			return
		}
	}
}

func (h *Hub) notify(ctx context.Context, ev domain.RoomEvent) {
	h.metrics.RoomEvent(string(ev.Type))
	for _, o := range h.observers {
		o.OnRoomEvent(ctx, ev)
	}
}

// JoinRoom adds connID to roomID, creating the room if needed. Joining a
// room twice is a no-op. created reports whether the room was new.
func (h *Hub) JoinRoom(connID, roomID string) (created bool, err error) {
	if roomID == "" {
		return false, ErrEmptyRoomID
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	// Checked under the hub lock so a reaped connection cannot slip back in
	// after its Leave ran.
	if _, ok := h.conns.Lookup(connID); !ok {
		return false, fmt.Errorf("join %s: %w", roomID, ErrUnknownConnection)
	}

	members, ok := h.rooms[roomID]
	if !ok {
		members = make(map[string]struct{})
		h.rooms[roomID] = members
		created = true
		h.metrics.SetRooms(len(h.rooms))
		h.emitLocked(domain.RoomCreated, roomID, connID, 0)
	}
	if _, already := members[connID]; already {
		return false, nil
	}

	members[connID] = struct{}{}
	rooms, ok := h.memberOf[connID]
	if !ok {
		rooms = make(map[string]struct{})
		h.memberOf[connID] = rooms
	}
	rooms[roomID] = struct{}{}
	h.emitLocked(domain.MemberJoined, roomID, connID, len(members))

	l := log.L()
	l.Info().Str(log.FieldConnID, connID).Str(log.FieldRoomID, roomID).Int(log.FieldMembers, len(members)).Msg("client joined room")
	return created, nil
}

// LeaveRoom removes connID from roomID and deletes the room if it became
// empty.
func (h *Hub) LeaveRoom(connID, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.removeLocked(connID, roomID) {
		if rooms := h.memberOf[connID]; len(rooms) == 0 {
			delete(h.memberOf, connID)
		}
	}
}

// Leave removes connID from every room it is in.
func (h *Hub) Leave(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for roomID := range h.memberOf[connID] {
		h.removeLocked(connID, roomID)
	}
	delete(h.memberOf, connID)
}

func (h *Hub) removeLocked(connID, roomID string) bool {
	members, ok := h.rooms[roomID]
	if !ok {
		return false
	}
	if _, in := members[connID]; !in {
		return false
	}

	delete(members, connID)
	delete(h.memberOf[connID], roomID)
	h.emitLocked(domain.MemberLeft, roomID, connID, len(members))

	l := log.L()
	l.Info().Str(log.FieldConnID, connID).Str(log.FieldRoomID, roomID).Int(log.FieldMembers, len(members)).Msg("client left room")

	if len(members) == 0 {
		delete(h.rooms, roomID)
		h.metrics.SetRooms(len(h.rooms))
		h.emitLocked(domain.RoomDeleted, roomID, connID, 0)
		l.Info().Str(log.FieldRoomID, roomID).Msg("room deleted")
	}
	return true
}

// Dispatch delivers {action, data} to every member of roomID except the
// sender and returns how many deliveries succeeded. A failed send is logged
// and skipped; it neither fails the call nor removes the recipient.
func (h *Hub) Dispatch(senderID, roomID, action string, data json.RawMessage) (int, error) {
	if roomID == "" {
		return 0, ErrEmptyRoomID
	}

	if !h.IsMember(senderID, roomID) {
		if !h.cfg.ImplicitJoin {
			return 0, fmt.Errorf("dispatch to %s: %w", roomID, ErrNotMember)
		}
		if _, err := h.JoinRoom(senderID, roomID); err != nil {
			return 0, err
		}
	}

	payload, err := domain.EncodeOutbound(action, data)
	if err != nil {
		return 0, fmt.Errorf("encode %s: %w", action, err)
	}

	h.mu.RLock()
	recipients := make([]string, 0, len(h.rooms[roomID]))
	for id := range h.rooms[roomID] {
		if id != senderID {
			recipients = append(recipients, id)
		}
	}
	h.mu.RUnlock()

	delivered := h.deliver(recipients, payload)

	l := log.L()
	l.Debug().
		Str(log.FieldConnID, senderID).
		Str(log.FieldRoomID, roomID).
		Str(log.FieldAction, action).
		Int("recipients", len(recipients)).
		Int("delivered", delivered).
		Msg("action dispatched")
	return delivered, nil
}

// BroadcastAll sends {action, data} to every registered connection,
// regardless of room membership.
func (h *Hub) BroadcastAll(action string, data json.RawMessage) (int, error) {
	payload, err := domain.EncodeOutbound(action, data)
	if err != nil {
		return 0, fmt.Errorf("encode %s: %w", action, err)
	}
	return h.deliver(h.conns.IDs(), payload), nil
}

// BroadcastRoom sends {action, data} to every member of roomID.
func (h *Hub) BroadcastRoom(roomID, action string, data json.RawMessage) (int, error) {
	payload, err := domain.EncodeOutbound(action, data)
	if err != nil {
		return 0, fmt.Errorf("encode %s: %w", action, err)
	}
	return h.deliver(h.Members(roomID), payload), nil
}

func (h *Hub) deliver(ids []string, payload []byte) int {
	delivered := 0
	for _, id := range ids {
		t, ok := h.conns.Lookup(id)
		if !ok {
			continue
		}
		if err := t.Send(payload); err != nil {
			h.metrics.SendFailed()
			l := log.L()
			l.Warn().Err(err).Str(log.FieldConnID, id).Msg("failed to deliver message")
			continue
		}
		delivered++
	}
	h.metrics.Delivered(delivered)
	return delivered
}

func (h *Hub) emitLocked(t domain.RoomEventType, roomID, connID string, members int) {
	ev := domain.RoomEvent{
		Type:      t,
		RoomID:    roomID,
		ConnID:    connID,
		Members:   members,
		Timestamp: time.Now().UTC(),
	}
	select {
	case h.events <- ev:
	default:
		h.metrics.EventDropped()
		l := log.L()
		l.Warn().Str(log.FieldRoomID, roomID).Str("event", string(t)).Msg("room event queue full, dropping event")
	}
}

func (h *Hub) IsMember(connID, roomID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.rooms[roomID][connID]
	return ok
}

// Members returns the sorted member ids of roomID.
func (h *Hub) Members(roomID string) []string {
	h.mu.RLock()
	ids := make([]string, 0, len(h.rooms[roomID]))
	for id := range h.rooms[roomID] {
		ids = append(ids, id)
	}
	h.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// RoomsOf returns the sorted room ids connID belongs to.
func (h *Hub) RoomsOf(connID string) []string {
	h.mu.RLock()
	ids := make([]string, 0, len(h.memberOf[connID]))
	for id := range h.memberOf[connID] {
		ids = append(ids, id)
	}
	h.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// Rooms returns every room with its member count, sorted by id.
func (h *Hub) Rooms() []RoomInfo {
	h.mu.RLock()
	out := make([]RoomInfo, 0, len(h.rooms))
	for id, members := range h.rooms {
		out = append(out, RoomInfo{ID: id, Members: len(members)})
	}
	h.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Stats returns the number of rooms and the total number of memberships.
func (h *Hub) Stats() (rooms, members int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, m := range h.rooms {
		members += len(m)
	}
	return len(h.rooms), members
}
