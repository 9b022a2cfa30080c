package registry

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weiawesome/wes-sync-relay/internal/idgen"
)

type mockTransport struct {
	mu      sync.Mutex
	sent    [][]byte
	pings   atomic.Int32
	closes  atomic.Int32
	pingErr error
	onPing  func()
}

func (m *mockTransport) Send(msg []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	return nil
}

func (m *mockTransport) Ping() error {
	m.pings.Add(1)
	if m.onPing != nil {
		m.onPing()
	}
	return m.pingErr
}

func (m *mockTransport) Close() error {
	m.closes.Add(1)
	return nil
}

func newTestRegistry(probe, ack time.Duration) *Registry {
	return New(Config{ProbeInterval: probe, AckTimeout: ack}, WithIDGenerator(idgen.NewCounter("t-")))
}

func TestRegister_AssignsUniqueAliveIDs(t *testing.T) {
	r := newTestRegistry(time.Hour, time.Hour)
	defer r.Close()

	a := r.Register(&mockTransport{})
	b := r.Register(&mockTransport{})

	assert.NotEqual(t, a, b)
	assert.Equal(t, 2, r.Count())

	state, ok := r.State(a)
	require.True(t, ok)
	assert.Equal(t, Alive, state)

	_, ok = r.Lookup(b)
	assert.True(t, ok)
	assert.Equal(t, []string{"t-1", "t-2"}, r.IDs())
}

func TestRegister_FallsBackWhenGeneratorFails(t *testing.T) {
	failing := idgen.Func(func() (string, error) { return "", errors.New("entropy exhausted") })
	r := New(Config{ProbeInterval: time.Hour, AckTimeout: time.Hour}, WithIDGenerator(failing))
	defer r.Close()

	a := r.Register(&mockTransport{})
	b := r.Register(&mockTransport{})
	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
}

func TestRegister_SkipsCollidingIDs(t *testing.T) {
	calls := 0
	gen := idgen.Func(func() (string, error) {
		calls++
		if calls <= 2 {
			return "same", nil
		}
		return "other", nil
	})
	r := New(Config{ProbeInterval: time.Hour, AckTimeout: time.Hour}, WithIDGenerator(gen))
	defer r.Close()

	assert.Equal(t, "same", r.Register(&mockTransport{}))
	assert.Equal(t, "other", r.Register(&mockTransport{}))
}

func TestUnregister_IdempotentHooksOnce(t *testing.T) {
	r := newTestRegistry(time.Hour, time.Hour)

	var fired atomic.Int32
	var gotReason Reason
	r.OnUnregister(func(id string, reason Reason) {
		fired.Add(1)
		gotReason = reason
	})

	tr := &mockTransport{}
	id := r.Register(tr)

	assert.True(t, r.Unregister(id))
	assert.False(t, r.Unregister(id))
	assert.False(t, r.Unregister("never-registered"))

	assert.Equal(t, int32(1), fired.Load())
	assert.Equal(t, ReasonDisconnected, gotReason)
	assert.Equal(t, int32(1), tr.closes.Load())
	assert.Equal(t, 0, r.Count())

	_, ok := r.Lookup(id)
	assert.False(t, ok)
	state, ok := r.State(id)
	assert.False(t, ok)
	assert.Equal(t, Dead, state)
}

func TestHeartbeat_PongKeepsConnectionAlive(t *testing.T) {
	r := newTestRegistry(20*time.Millisecond, 40*time.Millisecond)
	defer r.Close()

	// Counter ids are deterministic, so the pong can be wired before Register.
	tr := &mockTransport{}
	tr.onPing = func() { go r.Touch("t-1") }
	id := r.Register(tr)
	require.Equal(t, "t-1", id)

	time.Sleep(200 * time.Millisecond)

	assert.GreaterOrEqual(t, tr.pings.Load(), int32(3))
	_, ok := r.Lookup(id)
	assert.True(t, ok)
	assert.Equal(t, int32(0), tr.closes.Load())
}

func TestHeartbeat_ProbeMovesToAwaitingPong(t *testing.T) {
	r := newTestRegistry(10*time.Millisecond, time.Hour)
	defer r.Close()

	tr := &mockTransport{}
	id := r.Register(tr)

	require.Eventually(t, func() bool {
		state, _ := r.State(id)
		return state == AwaitingPong
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), tr.pings.Load())

	r.Touch(id)
	state, _ := r.State(id)
	assert.Equal(t, Alive, state)
}

func TestHeartbeat_MissingPongReaps(t *testing.T) {
	probe, ack := 20*time.Millisecond, 20*time.Millisecond
	r := newTestRegistry(probe, ack)

	var reason Reason
	done := make(chan struct{})
	r.OnUnregister(func(_ string, rs Reason) {
		reason = rs
		close(done)
	})

	tr := &mockTransport{}
	start := time.Now()
	id := r.Register(tr)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("connection was not reaped")
	}

	assert.GreaterOrEqual(t, time.Since(start), probe+ack)
	assert.Equal(t, ReasonReaped, reason)
	assert.Equal(t, int32(1), tr.closes.Load())
	_, ok := r.Lookup(id)
	assert.False(t, ok)
}

func TestHeartbeat_PingErrorUnregisters(t *testing.T) {
	r := newTestRegistry(10*time.Millisecond, time.Hour)

	done := make(chan Reason, 1)
	r.OnUnregister(func(_ string, rs Reason) { done <- rs })

	r.Register(&mockTransport{pingErr: errors.New("broken pipe")})

	select {
	case rs := <-done:
		assert.Equal(t, ReasonTransportError, rs)
	case <-time.After(time.Second):
		t.Fatal("ping failure did not unregister")
	}
	assert.Equal(t, 0, r.Count())
}

func TestTouch_UnknownIsNoop(t *testing.T) {
	r := newTestRegistry(time.Hour, time.Hour)
	assert.NotPanics(t, func() { r.Touch("ghost") })
	assert.Equal(t, 0, r.Count())
}

func TestClose_UnregistersAll(t *testing.T) {
	r := newTestRegistry(time.Hour, time.Hour)

	var reasons []Reason
	var mu sync.Mutex
	r.OnUnregister(func(_ string, rs Reason) {
		mu.Lock()
		reasons = append(reasons, rs)
		mu.Unlock()
	})

	trs := []*mockTransport{{}, {}, {}}
	for _, tr := range trs {
		r.Register(tr)
	}
	r.Close()

	assert.Equal(t, 0, r.Count())
	assert.Equal(t, []Reason{ReasonShutdown, ReasonShutdown, ReasonShutdown}, reasons)
	for _, tr := range trs {
		assert.Equal(t, int32(1), tr.closes.Load())
	}
}

func TestConcurrentRegisterUnregister(t *testing.T) {
	r := newTestRegistry(5*time.Millisecond, 5*time.Millisecond)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := r.Register(&mockTransport{})
			r.Touch(id)
			r.Unregister(id)
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, r.Count())
}

func TestLivenessString(t *testing.T) {
	assert.Equal(t, "alive", Alive.String())
	assert.Equal(t, "awaiting_pong", AwaitingPong.String())
	assert.Equal(t, "dead", Dead.String())
}
