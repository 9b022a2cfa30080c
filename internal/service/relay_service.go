package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/weiawesome/wes-sync-relay/internal/audit"
	"github.com/weiawesome/wes-sync-relay/internal/directory"
	"github.com/weiawesome/wes-sync-relay/internal/domain"
	"github.com/weiawesome/wes-sync-relay/internal/hub"
	"github.com/weiawesome/wes-sync-relay/internal/kafka"
	"github.com/weiawesome/wes-sync-relay/internal/metrics"
	"github.com/weiawesome/wes-sync-relay/internal/oauth"
	"github.com/weiawesome/wes-sync-relay/internal/registry"
	"github.com/weiawesome/wes-sync-relay/pkg/log"
)

type relayService struct {
	registry  *registry.Registry
	hub       *hub.Hub
	directory directory.Directory
	producer  kafka.EventProducer
	auth      oauth.Exchanger
	metrics   *metrics.Metrics

	cancel context.CancelFunc
	done   chan struct{}
}

// NewRelayService wires the hub to connection lifetime: whenever the
// registry drops a connection, for any reason, it leaves all its rooms.
func NewRelayService(
	reg *registry.Registry,
	h *hub.Hub,
	dir directory.Directory,
	producer kafka.EventProducer,
	auth oauth.Exchanger,
	m *metrics.Metrics,
) RelayService {
	s := &relayService{
		registry:  reg,
		hub:       h,
		directory: dir,
		producer:  producer,
		auth:      auth,
		metrics:   m,
	}
	reg.OnUnregister(s.onUnregister)
	return s
}

func (s *relayService) Connect(ctx context.Context, t registry.Transport) string {
	id := s.registry.Register(t)
	audit.Log(ctx, audit.ActionConnect, id, "client connected")
	return id
}

func (s *relayService) onUnregister(id string, reason registry.Reason) {
	rooms := s.hub.RoomsOf(id)
	s.hub.Leave(id)

	ctx := context.Background()
	detail := fmt.Sprintf("reason=%s rooms=%d", reason, len(rooms))
	if reason == registry.ReasonReaped {
		audit.LogWithDetail(ctx, audit.ActionReap, id, detail, "client reaped after missed heartbeat")
		return
	}
	audit.LogWithDetail(ctx, audit.ActionDisconnect, id, detail, "client disconnected")
}

// HandleMessage applies one inbound frame. Protocol errors are returned for
// the caller to log; they never close the connection.
func (s *relayService) HandleMessage(ctx context.Context, connID string, raw []byte) error {
	msg, err := domain.ParseInbound(raw)
	if err != nil {
		s.metrics.ProtocolError(protocolReason(err))
		return err
	}

	switch msg.Type {
	case domain.MsgTypeJoin:
		created, err := s.hub.JoinRoom(connID, msg.RoomID)
		if err != nil {
			return err
		}
		audit.LogWithDetail(ctx, audit.ActionJoinRoom, connID, "room="+msg.RoomID+" created="+strconv.FormatBool(created), "client joined room")
		return nil

	case domain.MsgTypeLeave:
		s.hub.LeaveRoom(connID, msg.RoomID)
		audit.LogWithDetail(ctx, audit.ActionLeaveRoom, connID, "room="+msg.RoomID, "client left room")
		return nil
	}

	_, err = s.hub.Dispatch(connID, msg.RoomID, msg.Action, msg.Data)
	return err
}

// HandleOversize records a frame that was dropped for exceeding the size
// limit. The connection stays open.
func (s *relayService) HandleOversize(_ context.Context, connID string, size int64) error {
	s.metrics.ProtocolError(protocolReason(domain.ErrMessageTooLarge))
	return fmt.Errorf("%w: %d bytes from %s", domain.ErrMessageTooLarge, size, connID)
}

func protocolReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrMessageTooLarge):
		return "oversize"
	case errors.Is(err, domain.ErrMissingRoomID):
		return "missing_room_id"
	case errors.Is(err, domain.ErrMissingAction):
		return "missing_action"
	default:
		return "malformed"
	}
}

func (s *relayService) HandlePong(connID string) {
	s.registry.Touch(connID)
}

func (s *relayService) HandleDisconnect(_ context.Context, connID string) {
	s.registry.Unregister(connID)
}

// TestBroadcast sends the diagnostic test action to one room, or to every
// connection when roomID is empty.
func (s *relayService) TestBroadcast(ctx context.Context, roomID string) (int, error) {
	data, err := json.Marshal(domain.TestPayload)
	if err != nil {
		return 0, err
	}

	var n int
	if roomID == "" {
		n, err = s.hub.BroadcastAll(domain.ActionTest, data)
	} else {
		n, err = s.hub.BroadcastRoom(roomID, domain.ActionTest, data)
	}
	if err != nil {
		return 0, err
	}

	audit.LogWithDetail(ctx, audit.ActionTestBroadcast, "", "room="+roomID+" delivered="+strconv.Itoa(n), "test broadcast sent")
	return n, nil
}

func (s *relayService) ExchangeToken(ctx context.Context, code string) (*oauth.Tokens, error) {
	tokens, err := s.auth.Exchange(ctx, code)
	if err != nil {
		audit.LogWithDetail(ctx, audit.ActionTokenFailed, "", err.Error(), "token exchange failed")
		return nil, err
	}
	audit.Log(ctx, audit.ActionTokenExchange, "", "token exchange succeeded")
	return tokens, nil
}

func (s *relayService) Status() Status {
	rooms, members := s.hub.Stats()
	return Status{
		Connections: s.registry.Count(),
		Rooms:       rooms,
		Members:     members,
	}
}

func (s *relayService) Rooms() []hub.RoomInfo {
	return s.hub.Rooms()
}

// Room combines local membership with the directory. A directory failure
// is only an error when the room is not hosted locally.
func (s *relayService) Room(ctx context.Context, roomID string) (*RoomDetail, error) {
	members := len(s.hub.Members(roomID))

	instances, err := s.directory.Lookup(ctx, roomID)
	if err != nil {
		if !errors.Is(err, directory.ErrNotFound) {
			if members == 0 {
				return nil, fmt.Errorf("lookup room %s: %w", roomID, err)
			}
			l := log.Ctx(ctx)
			l.Warn().Err(err).Str(log.FieldRoomID, roomID).Msg("room directory lookup failed")
		}
		instances = nil
	}

	if members == 0 && len(instances) == 0 {
		return nil, fmt.Errorf("%s: %w", roomID, ErrRoomNotFound)
	}
	if instances == nil {
		instances = []directory.Entry{}
	}
	return &RoomDetail{ID: roomID, Members: members, Instances: instances}, nil
}

// Start runs the room event fan-out and the directory heartbeat.
func (s *relayService) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		s.hub.Run(ctx)
	}()

	if err := s.directory.StartHeartbeat(ctx); err != nil {
		cancel()
		return fmt.Errorf("failed to start directory heartbeat: %w", err)
	}

	l := log.L()
	l.Info().Msg("relay service started")
	return nil
}

// Stop closes every connection, then stops event fan-out and releases the
// directory and the event producer.
func (s *relayService) Stop() error {
	s.registry.Close()

	if s.cancel != nil {
		s.cancel()
		<-s.done
	}

	var errs []error
	if err := s.directory.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close directory: %w", err))
	}
	if err := s.producer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close producer: %w", err))
	}

	l := log.L()
	l.Info().Msg("relay service stopped")
	return errors.Join(errs...)
}
