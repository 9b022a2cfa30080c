package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weiawesome/wes-sync-relay/internal/directory"
	"github.com/weiawesome/wes-sync-relay/internal/domain"
	"github.com/weiawesome/wes-sync-relay/internal/hub"
	"github.com/weiawesome/wes-sync-relay/internal/idgen"
	"github.com/weiawesome/wes-sync-relay/internal/kafka"
	"github.com/weiawesome/wes-sync-relay/internal/metrics"
	"github.com/weiawesome/wes-sync-relay/internal/oauth"
	"github.com/weiawesome/wes-sync-relay/internal/registry"
)

type mockTransport struct {
	mu     sync.Mutex
	msgs   []string
	closed bool
}

func (m *mockTransport) Send(msg []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msgs = append(m.msgs, string(msg))
	return nil
}

func (m *mockTransport) Ping() error { return nil }

func (m *mockTransport) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *mockTransport) received() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.msgs...)
}

type fakeExchanger struct {
	tokens *oauth.Tokens
	err    error
}

func (f *fakeExchanger) Exchange(context.Context, string) (*oauth.Tokens, error) {
	return f.tokens, f.err
}

type recordingProducer struct {
	mu     sync.Mutex
	events []domain.RoomEventType
	closed bool
}

func (r *recordingProducer) ProduceRoomEvent(_ context.Context, ev domain.RoomEvent) error {
	r.mu.Lock()
	r.events = append(r.events, ev.Type)
	r.mu.Unlock()
	return nil
}

func (r *recordingProducer) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}

func (r *recordingProducer) snapshot() []domain.RoomEventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.RoomEventType(nil), r.events...)
}

type fixture struct {
	svc      RelayService
	reg      *registry.Registry
	hub      *hub.Hub
	producer *recordingProducer
	auth     *fakeExchanger
}

func newFixture(t *testing.T, implicit bool) *fixture {
	t.Helper()
	reg := registry.New(registry.Config{ProbeInterval: time.Hour, AckTimeout: time.Hour}, registry.WithIDGenerator(idgen.NewCounter("c")))
	producer := &recordingProducer{}
	h := hub.New(reg, hub.Config{ImplicitJoin: implicit}, nil, kafka.NewPublisher(producer))
	auth := &fakeExchanger{}
	svc := NewRelayService(reg, h, directory.NewNoOpDirectory(), producer, auth, nil)
	return &fixture{svc: svc, reg: reg, hub: h, producer: producer, auth: auth}
}

func TestEndToEndScenario(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	a, b := &mockTransport{}, &mockTransport{}
	idA := f.svc.Connect(ctx, a)
	idB := f.svc.Connect(ctx, b)

	require.NoError(t, f.svc.HandleMessage(ctx, idA, []byte(`{"type":"join","roomId":"room1"}`)))
	require.NoError(t, f.svc.HandleMessage(ctx, idB, []byte(`{"type":"join","roomId":"room1"}`)))
	assert.Empty(t, a.received(), "join is never broadcast")
	assert.Empty(t, b.received())

	require.NoError(t, f.svc.HandleMessage(ctx, idA, []byte(`{"roomId":"room1","action":"play","data":{}}`)))
	assert.Equal(t, []string{`{"action":"play","data":{}}`}, b.received())
	assert.Empty(t, a.received())

	f.svc.HandleDisconnect(ctx, idA)
	assert.Equal(t, Status{Connections: 1, Rooms: 1, Members: 1}, f.svc.Status())

	require.NoError(t, f.svc.HandleMessage(ctx, idB, []byte(`{"roomId":"room1","action":"pause"}`)))
	assert.Len(t, a.received(), 0)

	f.svc.HandleDisconnect(ctx, idB)
	assert.Equal(t, Status{}, f.svc.Status())
	assert.Empty(t, f.svc.Rooms())
}

func TestHandleMessage_ProtocolErrorsKeepConnection(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	a, b := &mockTransport{}, &mockTransport{}
	idA := f.svc.Connect(ctx, a)
	idB := f.svc.Connect(ctx, b)
	require.NoError(t, f.svc.HandleMessage(ctx, idB, []byte(`{"type":"join","roomId":"r"}`)))

	for raw, want := range map[string]error{
		`not json`:                 domain.ErrMalformedMessage,
		`{"action":"play"}`:        domain.ErrMissingRoomID,
		`{"roomId":"r"}`:           domain.ErrMissingAction,
		`{"roomId":"r","data":{}}`: domain.ErrMissingAction,
	} {
		assert.ErrorIs(t, f.svc.HandleMessage(ctx, idA, []byte(raw)), want, raw)
	}

	assert.Empty(t, b.received())
	assert.False(t, a.closed)
	_, ok := f.reg.Lookup(idA)
	assert.True(t, ok)
}

func TestHandleOversize_CountsAndKeepsMembership(t *testing.T) {
	m := metrics.New()
	reg := registry.New(registry.Config{ProbeInterval: time.Hour, AckTimeout: time.Hour}, registry.WithMetrics(m))
	h := hub.New(reg, hub.Config{ImplicitJoin: true}, m)
	svc := NewRelayService(reg, h, directory.NewNoOpDirectory(), kafka.NewNoOpProducer(), &fakeExchanger{}, m)
	ctx := context.Background()

	a := &mockTransport{}
	id := svc.Connect(ctx, a)
	require.NoError(t, svc.HandleMessage(ctx, id, []byte(`{"type":"join","roomId":"r"}`)))

	err := svc.HandleOversize(ctx, id, 9000)
	assert.ErrorIs(t, err, domain.ErrMessageTooLarge)
	assert.ErrorContains(t, err, "9000")

	assert.False(t, a.closed)
	assert.True(t, h.IsMember(id, "r"))
	assert.Equal(t, Status{Connections: 1, Rooms: 1, Members: 1}, svc.Status())

	expected := `
# HELP relay_protocol_errors_total Inbound frames dropped as invalid or oversize.
# TYPE relay_protocol_errors_total counter
relay_protocol_errors_total{reason="oversize"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "relay_protocol_errors_total"))
}

type stubDirectory struct {
	directory.NoOpDirectory
	entries []directory.Entry
	err     error
}

func (d *stubDirectory) Lookup(context.Context, string) ([]directory.Entry, error) {
	return d.entries, d.err
}

func TestRoom(t *testing.T) {
	remote := []directory.Entry{{RoomID: "r", Instance: "other:3000", Members: 3}}
	redisDown := errors.New("redis down")

	tests := []struct {
		name    string
		local   bool
		dir     *stubDirectory
		want    *RoomDetail
		wantErr error
	}{
		{
			name:  "local only",
			local: true,
			dir:   &stubDirectory{err: directory.ErrNotFound},
			want:  &RoomDetail{ID: "r", Members: 1, Instances: []directory.Entry{}},
		},
		{
			name: "remote only",
			dir:  &stubDirectory{entries: remote},
			want: &RoomDetail{ID: "r", Members: 0, Instances: remote},
		},
		{
			name:    "nowhere",
			dir:     &stubDirectory{err: directory.ErrNotFound},
			wantErr: ErrRoomNotFound,
		},
		{
			name:  "directory failure with local room",
			local: true,
			dir:   &stubDirectory{err: redisDown},
			want:  &RoomDetail{ID: "r", Members: 1, Instances: []directory.Entry{}},
		},
		{
			name:    "directory failure without local room",
			dir:     &stubDirectory{err: redisDown},
			wantErr: redisDown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := registry.New(registry.Config{ProbeInterval: time.Hour, AckTimeout: time.Hour})
			h := hub.New(reg, hub.Config{ImplicitJoin: true}, nil)
			svc := NewRelayService(reg, h, tt.dir, kafka.NewNoOpProducer(), &fakeExchanger{}, nil)
			ctx := context.Background()

			if tt.local {
				id := svc.Connect(ctx, &mockTransport{})
				require.NoError(t, svc.HandleMessage(ctx, id, []byte(`{"type":"join","roomId":"r"}`)))
			}

			got, err := svc.Room(ctx, "r")
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHandleMessage_Leave(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	id := f.svc.Connect(ctx, &mockTransport{})
	require.NoError(t, f.svc.HandleMessage(ctx, id, []byte(`{"type":"join","roomId":"r"}`)))
	require.NoError(t, f.svc.HandleMessage(ctx, id, []byte(`{"type":"leave","roomId":"r"}`)))

	assert.Empty(t, f.svc.Rooms())
	assert.Equal(t, 1, f.svc.Status().Connections)
}

func TestHandleMessage_ExplicitJoinMode(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	a, b := &mockTransport{}, &mockTransport{}
	idA := f.svc.Connect(ctx, a)
	idB := f.svc.Connect(ctx, b)
	require.NoError(t, f.svc.HandleMessage(ctx, idB, []byte(`{"type":"join","roomId":"r"}`)))

	err := f.svc.HandleMessage(ctx, idA, []byte(`{"roomId":"r","action":"play"}`))
	assert.ErrorIs(t, err, hub.ErrNotMember)
	assert.Empty(t, b.received())
}

func TestTestBroadcast(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	a, b := &mockTransport{}, &mockTransport{}
	idA := f.svc.Connect(ctx, a)
	f.svc.Connect(ctx, b)
	require.NoError(t, f.svc.HandleMessage(ctx, idA, []byte(`{"type":"join","roomId":"r"}`)))

	n, err := f.svc.TestBroadcast(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = f.svc.TestBroadcast(ctx, "r")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = f.svc.TestBroadcast(ctx, "missing")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	want := `{"action":"test","data":"Hello from server!"}`
	assert.Equal(t, []string{want, want}, a.received())
	assert.Equal(t, []string{want}, b.received())
}

func TestExchangeToken(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	f.auth.tokens = &oauth.Tokens{AccessToken: "at", Raw: json.RawMessage(`{"access_token":"at"}`)}
	tokens, err := f.svc.ExchangeToken(ctx, "code")
	require.NoError(t, err)
	assert.Equal(t, "at", tokens.AccessToken)

	f.auth.tokens, f.auth.err = nil, oauth.ErrAuthFailed
	_, err = f.svc.ExchangeToken(ctx, "code")
	assert.True(t, errors.Is(err, oauth.ErrAuthFailed))
}

func TestStartStop_EventsAndShutdown(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	require.NoError(t, f.svc.Start(ctx))

	tr := &mockTransport{}
	id := f.svc.Connect(ctx, tr)
	require.NoError(t, f.svc.HandleMessage(ctx, id, []byte(`{"roomId":"r","action":"play"}`)))

	require.NoError(t, f.svc.Stop())

	assert.True(t, tr.closed)
	assert.Equal(t, 0, f.reg.Count())
	assert.Equal(t, []domain.RoomEventType{
		domain.RoomCreated, domain.MemberJoined, domain.MemberLeft, domain.RoomDeleted,
	}, f.producer.snapshot())
	assert.True(t, f.producer.closed)
}
