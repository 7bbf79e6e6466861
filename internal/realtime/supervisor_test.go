package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	xerrors "AgentHub-Chain/internal/errors"
	"AgentHub-Chain/internal/observability/alerting"
)

type fakeConn struct {
	inbox   chan []byte
	done    chan struct{}
	once    sync.Once
	mu      sync.Mutex
	written [][]byte
	// readErr 在 inbox 关闭后返回，默认为异常断开。
	readErr error
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbox: make(chan []byte, 16), done: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data, ok := <-c.inbox:
		if !ok {
			if c.readErr != nil {
				return nil, c.readErr
			}
			return nil, errors.New("connection reset")
		}
		return data, nil
	case <-c.done:
		return nil, errors.New("use of closed connection")
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, data)
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *fakeConn) writes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.written)
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	fail  bool
	calls int
}

func (d *fakeDialer) Dial(context.Context, string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.fail {
		return nil, errors.New("dial refused")
	}
	if len(d.conns) == 0 {
		return newFakeConn(), nil
	}
	c := d.conns[0]
	d.conns = d.conns[1:]
	return c, nil
}

func (d *fakeDialer) setFail(fail bool) {
	d.mu.Lock()
	d.fail = fail
	d.mu.Unlock()
}

type fakeTimer struct{ stopped bool }

func (t *fakeTimer) Stop() bool {
	t.stopped = true
	return true
}

type scheduler struct {
	mu     sync.Mutex
	delays []time.Duration
	funcs  []func()
}

func (s *scheduler) after(d time.Duration, f func()) timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	s.funcs = append(s.funcs, f)
	return &fakeTimer{}
}

func (s *scheduler) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.funcs)
}

// runNext 执行最早安排的重连。
func (s *scheduler) runNext(t *testing.T) {
	t.Helper()
	s.mu.Lock()
	if len(s.funcs) == 0 {
		s.mu.Unlock()
		t.Fatalf("no reconnect scheduled")
	}
	f := s.funcs[0]
	s.funcs = s.funcs[1:]
	s.mu.Unlock()
	f()
}

type recordingDispatcher struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (r *recordingDispatcher) Notify(_ context.Context, e alerting.Event) error {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	return nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestNextDelayDoublesUntilCap(t *testing.T) {
	s := NewSupervisor(&fakeDialer{}, WithBackoff(time.Second, 30*time.Second))
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 30 * time.Second, 30 * time.Second}
	for attempt, d := range want {
		if got := s.NextDelay(attempt); got != d {
			t.Fatalf("attempt %d: got %s want %s", attempt, got, d)
		}
	}
}

func TestSupervisorGivesUpAfterMaxAttempts(t *testing.T) {
	dialer := &fakeDialer{fail: true}
	sched := &scheduler{}
	alerts := &recordingDispatcher{}
	s := NewSupervisor(dialer, withAfterFunc(sched.after), WithAlerts(alerts))

	var (
		mu   sync.Mutex
		lost []error
	)
	listener := func(e Event) {
		if e.Err != nil {
			mu.Lock()
			lost = append(lost, e.Err)
			mu.Unlock()
		}
	}
	if err := s.Open(context.Background(), "feed", "ws://feed", listener); err == nil {
		t.Fatalf("expected initial dial error")
	}
	for i := 0; i < DefaultMaxAttempts; i++ {
		sched.runNext(t)
	}

	wantDelays := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}
	if len(sched.delays) != len(wantDelays) {
		t.Fatalf("expected %d scheduled reconnects, got %v", len(wantDelays), sched.delays)
	}
	if sched.delays[3] != 8*time.Second {
		t.Fatalf("fourth attempt should wait 8s, got %s", sched.delays[3])
	}
	if sched.pending() != 0 {
		t.Fatalf("no reconnect should be scheduled after the final failure")
	}
	if len(lost) != 1 || !xerrors.HasCode(lost[0], xerrors.CodeConnectionLost) {
		t.Fatalf("expected one CONNECTION_LOST event, got %v", lost)
	}
	if len(alerts.events) != 1 || alerts.events[0].Attempts != DefaultMaxAttempts {
		t.Fatalf("expected alert with attempts, got %+v", alerts.events)
	}
	if state, _ := s.State("feed"); state != StateClosedAbnormal {
		t.Fatalf("unexpected final state %s", state)
	}
}

func TestReconnectSuccessResetsAttempts(t *testing.T) {
	first := newFakeConn()
	dialer := &fakeDialer{conns: []*fakeConn{first}}
	sched := &scheduler{}
	s := NewSupervisor(dialer, withAfterFunc(sched.after))

	if err := s.Open(context.Background(), "feed", "ws://feed"); err != nil {
		t.Fatalf("open: %v", err)
	}
	close(first.inbox)
	waitFor(t, func() bool { return sched.pending() == 1 })

	dialer.setFail(true)
	sched.runNext(t)
	dialer.setFail(false)
	sched.runNext(t)

	if state, _ := s.State("feed"); state != StateOpen {
		t.Fatalf("expected OPEN after reconnect, got %s", state)
	}
	if snap := s.Snapshot(); snap[0].Attempt != 0 {
		t.Fatalf("attempt counter not reset: %+v", snap)
	}
	if sched.delays[0] != time.Second || sched.delays[1] != 2*time.Second {
		t.Fatalf("unexpected delays %v", sched.delays)
	}
	s.Shutdown()
}

func TestNormalClosureDoesNotReconnect(t *testing.T) {
	conn := newFakeConn()
	conn.readErr = ErrNormalClosure
	sched := &scheduler{}
	s := NewSupervisor(&fakeDialer{conns: []*fakeConn{conn}}, withAfterFunc(sched.after))

	if err := s.Open(context.Background(), "feed", "ws://feed"); err != nil {
		t.Fatalf("open: %v", err)
	}
	close(conn.inbox)
	waitFor(t, func() bool {
		state, _ := s.State("feed")
		return state == StateClosedNormal
	})
	if sched.pending() != 0 {
		t.Fatalf("normal close must not schedule a reconnect")
	}
}

func TestExplicitCloseDoesNotReconnect(t *testing.T) {
	sched := &scheduler{}
	s := NewSupervisor(&fakeDialer{}, withAfterFunc(sched.after))
	if err := s.Open(context.Background(), "feed", "ws://feed"); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Close("feed"); err != nil {
		t.Fatalf("close: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if state, _ := s.State("feed"); state != StateClosedNormal {
		t.Fatalf("unexpected state %s", state)
	}
	if sched.pending() != 0 {
		t.Fatalf("explicit close must not schedule a reconnect")
	}
}

func TestDispatchOrderSurvivesPanickingListener(t *testing.T) {
	conn := newFakeConn()
	s := NewSupervisor(&fakeDialer{conns: []*fakeConn{conn}})

	var (
		mu       sync.Mutex
		received []string
	)
	panicky := func(Event) { panic("listener bug") }
	recorder := func(e Event) {
		mu.Lock()
		received = append(received, e.Message.Type)
		mu.Unlock()
	}
	if err := s.Open(context.Background(), "feed", "ws://feed", panicky, recorder); err != nil {
		t.Fatalf("open: %v", err)
	}
	for _, kind := range []string{"a", "b", "c"} {
		raw, _ := json.Marshal(Message{Type: kind})
		conn.inbox <- raw
	}
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 3
	})
	if received[0] != "a" || received[1] != "b" || received[2] != "c" {
		t.Fatalf("messages out of order: %v", received)
	}
	s.Shutdown()
}

func TestBroadcastSkipsConnectionsThatAreNotOpen(t *testing.T) {
	a, b := newFakeConn(), newFakeConn()
	s := NewSupervisor(&fakeDialer{conns: []*fakeConn{a, b}})
	ctx := context.Background()
	if err := s.Open(ctx, "a", "ws://a"); err != nil {
		t.Fatalf("open a: %v", err)
	}
	if err := s.Open(ctx, "b", "ws://b"); err != nil {
		t.Fatalf("open b: %v", err)
	}
	if err := s.Close("b"); err != nil {
		t.Fatalf("close b: %v", err)
	}

	msg, err := NewMessage("interaction.completed", map[string]string{"agent": "4"})
	if err != nil {
		t.Fatalf("message: %v", err)
	}
	if sent := s.Broadcast(msg); sent != 1 {
		t.Fatalf("expected 1 delivery, got %d", sent)
	}
	if a.writes() != 1 || b.writes() != 0 {
		t.Fatalf("unexpected writes a=%d b=%d", a.writes(), b.writes())
	}
	s.Shutdown()
	if !s.Healthy() {
		t.Fatalf("closed connections should not be reported unhealthy")
	}
}
