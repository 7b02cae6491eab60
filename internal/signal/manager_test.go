package signal

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/vkyc/internal/core"
)

type fakeTransport struct {
	mu            sync.Mutex
	cfg           TransportConfig
	handlers      core.TransportHandlers
	url           string
	published     []core.Message
	publishErr    error
	subs          map[string]core.MessageFunc
	unsubscribed  []string
	activations   int
	deactivations int
	connectOpts   core.ConnectOptions
}

func (f *fakeTransport) Activate(_ context.Context, opts core.ConnectOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activations++
	f.connectOpts = opts
	return nil
}

func (f *fakeTransport) Deactivate(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deactivations++
	return nil
}

func (f *fakeTransport) Subscribe(topic string, fn core.MessageFunc) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subs == nil {
		f.subs = make(map[string]core.MessageFunc)
	}
	f.subs[topic] = fn
	return nil
}

func (f *fakeTransport) Unsubscribe(topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed = append(f.unsubscribed, topic)
	delete(f.subs, topic)
	return nil
}

func (f *fakeTransport) Publish(msg core.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, msg)
	return f.publishErr
}

func (f *fakeTransport) CurrentURL() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.url
}

func (f *fakeTransport) SetHandlers(h core.TransportHandlers) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = h
}

func (f *fakeTransport) setURL(u string) {
	f.mu.Lock()
	f.url = u
	f.mu.Unlock()
}

func (f *fakeTransport) setPublishErr(err error) {
	f.mu.Lock()
	f.publishErr = err
	f.mu.Unlock()
}

func (f *fakeTransport) publishCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

func (f *fakeTransport) lastPublished(t *testing.T) core.Message {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.published) == 0 {
		t.Fatalf("nothing published")
	}
	return f.published[len(f.published)-1]
}

func (f *fakeTransport) installedHandlers() core.TransportHandlers {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handlers
}

type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*fakeTicker
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) NewTicker(time.Duration) Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	ft := &fakeTicker{ch: make(chan time.Time)}
	c.tickers = append(c.tickers, ft)
	return ft
}

func (c *fakeClock) ticker(t *testing.T, i int) *fakeTicker {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if i >= len(c.tickers) {
		t.Fatalf("no ticker %d (have %d)", i, len(c.tickers))
	}
	return c.tickers[i]
}

type fakeTicker struct {
	ch      chan time.Time
	mu      sync.Mutex
	stopped bool
}

func (f *fakeTicker) C() <-chan time.Time { return f.ch }

func (f *fakeTicker) Stop() {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
}

func (f *fakeTicker) isStopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

// tick delivers one tick; blocks until the health loop receives it.
func (f *fakeTicker) tick(now time.Time) { f.ch <- now }

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not reached before deadline")
}

func newTestManager() (*ChannelManager, *fakeTransport, *fakeClock, *int) {
	ft := &fakeTransport{}
	calls := 0
	m := NewChannelManager(func(cfg TransportConfig) core.SignalTransport {
		calls++
		ft.cfg = cfg
		return ft
	})
	clk := &fakeClock{now: time.Unix(1700000000, 0)}
	m.clock = clk
	return m, ft, clk, &calls
}

func initManager(t *testing.T, m *ChannelManager) {
	t.Helper()
	if err := m.Initialize("https://ekyc.example.com", "sess-1", "tok-1"); err != nil {
		t.Fatalf("initialize: %v", err)
	}
}

func TestInitialize_SecondCallKeepsTransport(t *testing.T) {
	m, _, _, calls := newTestManager()
	initManager(t, m)

	if err := m.Initialize("https://other.example.com", "sess-2", "tok-2"); !errors.Is(err, core.ErrAlreadyInitialized) {
		t.Fatalf("expected ErrAlreadyInitialized, got %v", err)
	}
	if *calls != 1 {
		t.Fatalf("transport factory called %d times, want 1", *calls)
	}
	if m.SessionKey() != "sess-1" {
		t.Fatalf("session key overwritten: %q", m.SessionKey())
	}
}

func TestInitialize_TransportTargetsSignalingPath(t *testing.T) {
	m, ft, _, _ := newTestManager()
	initManager(t, m)

	if ft.cfg.URL != "https://ekyc.example.com/ws/ekyc" {
		t.Fatalf("unexpected transport URL %q", ft.cfg.URL)
	}
	if ft.cfg.ConnectTimeout != 30*time.Second {
		t.Fatalf("connect timeout %v, want 30s", ft.cfg.ConnectTimeout)
	}
	if ft.cfg.ReconnectDelay != 5*time.Second {
		t.Fatalf("reconnect delay %v, want 5s", ft.cfg.ReconnectDelay)
	}
	if ft.cfg.HeartbeatSend != 5*time.Second || ft.cfg.HeartbeatRecv != 5*time.Second {
		t.Fatalf("heartbeats %v/%v, want 5s/5s", ft.cfg.HeartbeatSend, ft.cfg.HeartbeatRecv)
	}
}

func TestConnect_BeforeInitializeSoftFails(t *testing.T) {
	m, _, _, _ := newTestManager()
	if err := m.Connect(context.Background(), nil); !errors.Is(err, core.ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
}

func TestConnect_AttachesAuthAndDeviceHeaders(t *testing.T) {
	m, ft, _, _ := newTestManager()
	initManager(t, m)

	device := map[string]string{"model": "Pixel 9", "os": "android 16"}
	if err := m.Connect(context.Background(), device); err != nil {
		t.Fatalf("connect: %v", err)
	}

	h := ft.connectOpts.Headers
	if h["token"] != "tok-1" {
		t.Fatalf("token header %q", h["token"])
	}
	var got map[string]string
	if err := json.Unmarshal([]byte(h["deviceInfo"]), &got); err != nil {
		t.Fatalf("deviceInfo header not JSON: %v", err)
	}
	if got["model"] != "Pixel 9" {
		t.Fatalf("device info lost: %v", got)
	}
}

func TestConnect_WhileConnectedSoftFails(t *testing.T) {
	m, ft, _, _ := newTestManager()
	initManager(t, m)
	ft.setURL("wss://ekyc.example.com/ws/ekyc/042/sock-a/websocket")
	ft.installedHandlers().OnConnect()

	if err := m.Connect(context.Background(), nil); !errors.Is(err, core.ErrAlreadyConnected) {
		t.Fatalf("expected ErrAlreadyConnected, got %v", err)
	}
}

// Identity must be recomputed before the caller's OnConnect runs, so a
// callback that immediately subscribes to a socket-scoped topic sees
// the identity from that connect, not a stale one.
func TestOnConnect_IdentityVisibleToCallback(t *testing.T) {
	m, ft, _, _ := newTestManager()
	initManager(t, m)

	var topics []string
	err := m.RegisterEventHandler(core.TransportHandlers{
		OnConnect: func() {
			topic, err := m.SubscribeSocketNotifyTopic(func(core.Message) {})
			if err != nil {
				t.Errorf("subscribe in OnConnect: %v", err)
			}
			topics = append(topics, topic)
		},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	ft.setURL("wss://ekyc.example.com/ws/ekyc/042/sock-first/websocket")
	ft.installedHandlers().OnConnect()
	ft.setURL("wss://ekyc.example.com/ws/ekyc/043/sock-second/websocket")
	ft.installedHandlers().OnConnect()

	want := []string{"/user/sock-first/notify", "/user/sock-second/notify"}
	if len(topics) != len(want) {
		t.Fatalf("got %d topics, want %d", len(topics), len(want))
	}
	for i := range want {
		if topics[i] != want[i] {
			t.Fatalf("topic[%d] = %q, want %q", i, topics[i], want[i])
		}
	}
}

func TestOnConnect_MarkerMissingKeepsIdentity(t *testing.T) {
	m, ft, _, _ := newTestManager()
	initManager(t, m)

	ft.setURL("wss://ekyc.example.com/ws/ekyc/042/sock-a/websocket")
	ft.installedHandlers().OnConnect()
	ft.setURL("wss://ekyc.example.com/elsewhere/042/sock-b/websocket")
	ft.installedHandlers().OnConnect()

	if got := m.SocketID(); got != "sock-a" {
		t.Fatalf("identity changed to %q, want sock-a kept", got)
	}
}

func TestStartHealthCheck_SecondCallReplacesTimer(t *testing.T) {
	m, ft, clk, _ := newTestManager()
	initManager(t, m)

	if err := m.StartHealthCheck(); err != nil {
		t.Fatalf("first start: %v", err)
	}
	if err := m.StartHealthCheck(); err != nil {
		t.Fatalf("second start: %v", err)
	}

	waitFor(t, func() bool { return clk.ticker(t, 0).isStopped() })

	clk.ticker(t, 1).tick(clk.Now())
	waitFor(t, func() bool { return ft.publishCount() == 1 })

	msg := ft.lastPublished(t)
	if msg.Destination != "/app/healthCheck" {
		t.Fatalf("destination %q", msg.Destination)
	}
	m.ClearHealthCheck()
}

func TestHealthCheck_PingShape(t *testing.T) {
	m, ft, clk, _ := newTestManager()
	initManager(t, m)
	ft.setURL("wss://ekyc.example.com/ws/ekyc/042/sock-a/websocket")
	ft.installedHandlers().OnConnect()

	if err := m.StartHealthCheck(); err != nil {
		t.Fatalf("start: %v", err)
	}
	clk.ticker(t, 0).tick(time.UnixMilli(1700000123456))
	waitFor(t, func() bool { return ft.publishCount() == 1 })

	msg := ft.lastPublished(t)
	var ping map[string]any
	if err := json.Unmarshal(msg.Body, &ping); err != nil {
		t.Fatalf("ping body: %v", err)
	}
	if ping["timestamp"] != float64(1700000123456) {
		t.Fatalf("timestamp %v", ping["timestamp"])
	}
	if ping["token"] != "tok-1" || ping["socketId"] != "sock-a" {
		t.Fatalf("ping fields: %v", ping)
	}
	if msg.Headers["token"] != "tok-1" {
		t.Fatalf("missing token header")
	}
	m.ClearHealthCheck()
}

func TestHealthCheck_StopsItselfAfterSendFailure(t *testing.T) {
	m, ft, clk, _ := newTestManager()
	initManager(t, m)
	ft.setPublishErr(errors.New("transport down"))

	if err := m.StartHealthCheck(); err != nil {
		t.Fatalf("start: %v", err)
	}
	clk.ticker(t, 0).tick(clk.Now())
	waitFor(t, func() bool { return clk.ticker(t, 0).isStopped() })

	if got := ft.publishCount(); got != 1 {
		t.Fatalf("publish attempts %d, want exactly 1", got)
	}
	m.mu.Lock()
	cleared := m.healthStop == nil
	m.mu.Unlock()
	if !cleared {
		t.Fatalf("health stop channel not cleared after failure")
	}
}

func TestSendNetworkStatus_IsLowOptional(t *testing.T) {
	m, ft, _, _ := newTestManager()
	initManager(t, m)

	if err := m.SendNetworkStatus(QualityPoor, QualityBad, nil); err != nil {
		t.Fatalf("send: %v", err)
	}
	var body map[string]any
	if err := json.Unmarshal(ft.lastPublished(t).Body, &body); err != nil {
		t.Fatalf("body: %v", err)
	}
	if _, ok := body["isLow"]; ok {
		t.Fatalf("isLow present on nil report: %v", body)
	}
	if body["downlinkNetworkQuality"] != float64(3) || body["uplinkNetworkQuality"] != float64(4) {
		t.Fatalf("quality fields: %v", body)
	}

	low := "true"
	if err := m.SendNetworkStatus(QualityPoor, QualityBad, &low); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := json.Unmarshal(ft.lastPublished(t).Body, &body); err != nil {
		t.Fatalf("body: %v", err)
	}
	if body["isLow"] != "true" {
		t.Fatalf("isLow = %v, want \"true\"", body["isLow"])
	}
	if ft.lastPublished(t).Destination != "/app/network" {
		t.Fatalf("destination %q", ft.lastPublished(t).Destination)
	}
}

func TestSubscribeHelpers_BeforeInitializeSoftFail(t *testing.T) {
	m, _, _, _ := newTestManager()
	if _, err := m.SubscribeSessionNotifyTopic(func(core.Message) {}); !errors.Is(err, core.ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
	if err := m.Send("/app/live", nil, nil); !errors.Is(err, core.ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
	if err := m.UnsubscribeTopics(); !errors.Is(err, core.ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
}

func TestUnsubscribeTopics_CoversWellKnownSet(t *testing.T) {
	m, ft, _, _ := newTestManager()
	initManager(t, m)
	ft.setURL("wss://ekyc.example.com/ws/ekyc/042/sock-a/websocket")
	ft.installedHandlers().OnConnect()

	if err := m.UnsubscribeTopics(); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	want := map[string]bool{
		"/user/sess-1/notify": true,
		"/user/sock-a/notify": true,
		"/user/sock-a/health": true,
		"/app/live":           true,
	}
	if len(ft.unsubscribed) != len(want) {
		t.Fatalf("unsubscribed %v", ft.unsubscribed)
	}
	for _, topic := range ft.unsubscribed {
		if !want[topic] {
			t.Fatalf("unexpected topic %q", topic)
		}
	}
}

func TestCleanup_SecondCallIsNoOp(t *testing.T) {
	m, ft, clk, _ := newTestManager()
	initManager(t, m)
	if err := m.StartHealthCheck(); err != nil {
		t.Fatalf("start health: %v", err)
	}

	if err := m.Cleanup(context.Background()); err != nil {
		t.Fatalf("first cleanup: %v", err)
	}
	waitFor(t, func() bool { return clk.ticker(t, 0).isStopped() })
	if ft.deactivations != 1 {
		t.Fatalf("deactivations %d, want 1", ft.deactivations)
	}

	if err := m.Cleanup(context.Background()); !errors.Is(err, core.ErrNotInitialized) {
		t.Fatalf("second cleanup: %v", err)
	}
	if ft.deactivations != 1 {
		t.Fatalf("second cleanup touched transport (%d deactivations)", ft.deactivations)
	}
}

func TestUnregisterEventHandler_ResetsToNoops(t *testing.T) {
	m, ft, _, _ := newTestManager()
	initManager(t, m)

	fired := false
	if err := m.RegisterEventHandler(core.TransportHandlers{
		OnDisconnect: func() { fired = true },
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	m.UnregisterEventHandler()
	ft.installedHandlers().OnDisconnect()
	if fired {
		t.Fatalf("unregistered handler still fired")
	}
}
