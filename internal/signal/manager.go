package signal

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/vkyc/internal/core"
)

// Fixed protocol parameters of the signaling channel.
const (
	SignalingPath       = "/ws/ekyc"
	ConnectTimeout      = 30 * time.Second
	ReconnectDelay      = 5 * time.Second
	HeartbeatInterval   = 5 * time.Second
	HealthCheckInterval = 3 * time.Second
)

// Control destinations and well-known topics.
const (
	destHealthCheck = "/app/healthCheck"
	destNetwork     = "/app/network"
	TopicAppLive    = "/app/live"
)

// Network quality ordinals as transported in status reports. Their
// semantics belong to the backend; this layer only carries them.
const (
	QualityUnknown      = 0
	QualityExcellent    = 1
	QualityGood         = 2
	QualityPoor         = 3
	QualityBad          = 4
	QualityVeryBad      = 5
	QualityDisconnected = 6
)

// The reporter role stamped into network status bodies.
const networkReporterRole = "user"

func SessionNotifyTopic(sessionKey string) string { return "/user/" + sessionKey + "/notify" }
func SocketNotifyTopic(socketID string) string    { return "/user/" + socketID + "/notify" }
func SocketHealthTopic(socketID string) string    { return "/user/" + socketID + "/health" }

// TransportConfig is handed to the transport factory at Initialize.
type TransportConfig struct {
	URL            string
	SignalingPath  string
	ConnectTimeout time.Duration
	ReconnectDelay time.Duration
	HeartbeatSend  time.Duration
	HeartbeatRecv  time.Duration
}

// TransportFactory builds the concrete transport the manager will own.
type TransportFactory func(cfg TransportConfig) core.SignalTransport

// ChannelManager owns one logical signaling connection for the
// lifetime of a call session: the transport handle, the topic
// subscriptions, outbound control messages and the recurring
// application-level health check.
//
// One manager binds to exactly one connection; re-initializing an
// already initialized manager is rejected.
type ChannelManager struct {
	newTransport TransportFactory
	clock        Clock

	mu         sync.Mutex
	transport  core.SignalTransport
	sessionKey string
	authToken  string
	socketID   string
	connected  bool
	user       core.TransportHandlers
	healthStop chan struct{}
}

func NewChannelManager(factory TransportFactory) *ChannelManager {
	return &ChannelManager{
		newTransport: factory,
		clock:        systemClock{},
		user:         core.TransportHandlers{}.WithDefaults(),
	}
}

// Initialize constructs the transport targeting serverBaseURL plus the
// fixed signaling path and binds the session credentials. Soft-fails
// with ErrAlreadyInitialized when a transport already exists.
func (m *ChannelManager) Initialize(serverBaseURL, sessionKey, authToken string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.transport != nil {
		log.Warn().Str("module", "signal.manager").Str("session", sessionKey).
			Msg("initialize called twice, keeping existing transport")
		return core.ErrAlreadyInitialized
	}

	cfg := TransportConfig{
		URL:            strings.TrimRight(serverBaseURL, "/") + SignalingPath,
		SignalingPath:  SignalingPath,
		ConnectTimeout: ConnectTimeout,
		ReconnectDelay: ReconnectDelay,
		HeartbeatSend:  HeartbeatInterval,
		HeartbeatRecv:  HeartbeatInterval,
	}
	m.transport = m.newTransport(cfg)
	m.sessionKey = sessionKey
	m.authToken = authToken
	m.transport.SetHandlers(m.wrapHandlers())

	log.Info().Str("module", "signal.manager").Str("session", sessionKey).
		Str("url", cfg.URL).Msg("channel manager initialized")
	return nil
}

// Connect attaches the auth token and serialized device info as
// connection headers and activates the transport. The outcome arrives
// asynchronously through the registered event handlers, never here.
func (m *ChannelManager) Connect(ctx context.Context, deviceInfo any) error {
	m.mu.Lock()
	t := m.transport
	token := m.authToken
	connected := m.connected
	m.mu.Unlock()

	if t == nil {
		log.Warn().Str("module", "signal.manager").Msg("connect before initialize")
		return core.ErrNotInitialized
	}
	if connected {
		log.Warn().Str("module", "signal.manager").Msg("connect while already connected")
		return core.ErrAlreadyConnected
	}

	info, err := json.Marshal(deviceInfo)
	if err != nil {
		return err
	}
	return t.Activate(ctx, core.ConnectOptions{
		Headers: map[string]string{
			"token":      token,
			"deviceInfo": string(info),
		},
	})
}

// RegisterEventHandler replaces the full callback set. Omitted slots
// default to no-ops. The manager keeps its own wrapper in front of
// OnConnect so the socket identity is recomputed before the caller's
// callback observes the connect.
func (m *ChannelManager) RegisterEventHandler(h core.TransportHandlers) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.transport == nil {
		log.Warn().Str("module", "signal.manager").Msg("register handlers before initialize")
		return core.ErrNotInitialized
	}
	m.user = h.WithDefaults()
	return nil
}

// UnregisterEventHandler resets every callback slot to a no-op.
func (m *ChannelManager) UnregisterEventHandler() {
	m.mu.Lock()
	m.user = core.TransportHandlers{}.WithDefaults()
	m.mu.Unlock()
}

// Handlers returns the currently wired callback set.
func (m *ChannelManager) Handlers() core.TransportHandlers {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.user
}

// SocketID is the identity extracted from the last successful connect,
// empty before the first one.
func (m *ChannelManager) SocketID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.socketID
}

func (m *ChannelManager) SessionKey() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionKey
}

// wrapHandlers builds the handler set actually installed on the
// transport. Slots delegate to the user set current at delivery time,
// and connection slots additionally maintain manager state. Identity
// recompute strictly precedes the user's OnConnect.
func (m *ChannelManager) wrapHandlers() core.TransportHandlers {
	return core.TransportHandlers{
		OnUnhandledMessage: func(msg core.Message) { m.userHandlers().OnUnhandledMessage(msg) },
		OnUnhandledReceipt: func(id string) { m.userHandlers().OnUnhandledReceipt(id) },
		OnUnhandledFrame:   func(raw []byte) { m.userHandlers().OnUnhandledFrame(raw) },
		BeforeConnect:      func() { m.userHandlers().BeforeConnect() },
		OnConnect: func() {
			m.refreshSocketID()
			m.setConnected(true)
			m.userHandlers().OnConnect()
		},
		OnDisconnect: func() {
			m.setConnected(false)
			m.userHandlers().OnDisconnect()
		},
		OnProtocolError: func(body string) { m.userHandlers().OnProtocolError(body) },
		OnSocketClose: func(err error) {
			m.setConnected(false)
			m.userHandlers().OnSocketClose(err)
		},
		OnSocketError: func(err error) { m.userHandlers().OnSocketError(err) },
		OnStateChange: func(s core.ConnectionState) { m.userHandlers().OnStateChange(s) },
	}
}

func (m *ChannelManager) userHandlers() core.TransportHandlers {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.user
}

func (m *ChannelManager) setConnected(v bool) {
	m.mu.Lock()
	m.connected = v
	m.mu.Unlock()
}

func (m *ChannelManager) refreshSocketID() {
	m.mu.Lock()
	t := m.transport
	m.mu.Unlock()
	if t == nil {
		return
	}
	u := t.CurrentURL()
	id, ok := extractSocketID(u, SignalingPath)
	if !ok {
		log.Warn().Str("module", "signal.manager").Str("url", u).
			Msg("signaling path marker not found in socket URL, keeping previous identity")
		return
	}
	m.mu.Lock()
	m.socketID = id
	m.mu.Unlock()
	log.Info().Str("module", "signal.manager").Str("socket_id", id).Msg("socket identity updated")
}

// Subscribe wires fn to a raw topic string.
func (m *ChannelManager) Subscribe(topic string, fn core.MessageFunc) error {
	t := m.transportHandle()
	if t == nil {
		log.Warn().Str("module", "signal.manager").Str("topic", topic).Msg("subscribe before initialize")
		return core.ErrNotInitialized
	}
	return t.Subscribe(topic, fn)
}

// SubscribeSessionNotifyTopic subscribes to the session-scoped notify
// topic. Returns the topic string it subscribed to.
func (m *ChannelManager) SubscribeSessionNotifyTopic(fn core.MessageFunc) (string, error) {
	topic := SessionNotifyTopic(m.SessionKey())
	return topic, m.Subscribe(topic, fn)
}

// SubscribeSocketNotifyTopic subscribes to the connection-scoped
// notify topic addressed by the current socket identity.
func (m *ChannelManager) SubscribeSocketNotifyTopic(fn core.MessageFunc) (string, error) {
	topic := SocketNotifyTopic(m.SocketID())
	return topic, m.Subscribe(topic, fn)
}

// SubscribeSocketHealthTopic subscribes to the connection-scoped
// health topic.
func (m *ChannelManager) SubscribeSocketHealthTopic(fn core.MessageFunc) (string, error) {
	topic := SocketHealthTopic(m.SocketID())
	return topic, m.Subscribe(topic, fn)
}

// SubscribeAppLiveTopic subscribes to the shared liveness topic.
func (m *ChannelManager) SubscribeAppLiveTopic(fn core.MessageFunc) (string, error) {
	return TopicAppLive, m.Subscribe(TopicAppLive, fn)
}

// Send publishes a raw message to destination.
func (m *ChannelManager) Send(destination string, headers map[string]string, body []byte) error {
	t := m.transportHandle()
	if t == nil {
		log.Warn().Str("module", "signal.manager").Str("dest", destination).Msg("send before initialize")
		return core.ErrNotInitialized
	}
	return t.Publish(core.Message{Destination: destination, Headers: headers, Body: body})
}

type networkStatusBody struct {
	User       string  `json:"user"`
	SessionKey string  `json:"sessionKey"`
	SocketID   string  `json:"socketId"`
	Downlink   int     `json:"downlinkNetworkQuality"`
	Uplink     int     `json:"uplinkNetworkQuality"`
	IsLow      *string `json:"isLow,omitempty"`
}

// SendNetworkStatus reports downlink/uplink quality ordinals to the
// backend session tracker. isLow is carried only when non-nil.
func (m *ChannelManager) SendNetworkStatus(downlink, uplink int, isLow *string) error {
	m.mu.Lock()
	t := m.transport
	body := networkStatusBody{
		User:       networkReporterRole,
		SessionKey: m.sessionKey,
		SocketID:   m.socketID,
		Downlink:   downlink,
		Uplink:     uplink,
		IsLow:      isLow,
	}
	headers := controlHeaders(m.authToken)
	m.mu.Unlock()

	if t == nil {
		log.Warn().Str("module", "signal.manager").Msg("network status before initialize")
		return core.ErrNotInitialized
	}
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return t.Publish(core.Message{Destination: destNetwork, Headers: headers, Body: b})
}

type healthPingBody struct {
	Timestamp int64  `json:"timestamp"`
	Token     string `json:"token"`
	SocketID  string `json:"socketId"`
}

// StartHealthCheck schedules a recurring liveness ping. A previously
// running schedule is cancelled first; at most one is active per
// manager. The schedule terminates itself on the first send failure.
func (m *ChannelManager) StartHealthCheck() error {
	m.mu.Lock()
	if m.transport == nil {
		m.mu.Unlock()
		log.Warn().Str("module", "signal.manager").Msg("health check before initialize")
		return core.ErrNotInitialized
	}
	m.stopHealthLocked()
	stop := make(chan struct{})
	m.healthStop = stop
	ticker := m.clock.NewTicker(HealthCheckInterval)
	m.mu.Unlock()

	go m.healthLoop(ticker, stop)
	log.Info().Str("module", "signal.manager").Dur("interval", HealthCheckInterval).Msg("health check started")
	return nil
}

func (m *ChannelManager) healthLoop(ticker Ticker, stop chan struct{}) {
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C():
			if err := m.sendHealthPing(now); err != nil {
				log.Warn().Err(err).Str("module", "signal.manager").
					Msg("health ping failed, stopping health check")
				m.mu.Lock()
				if m.healthStop == stop {
					m.healthStop = nil
				}
				m.mu.Unlock()
				return
			}
		}
	}
}

func (m *ChannelManager) sendHealthPing(now time.Time) error {
	m.mu.Lock()
	t := m.transport
	body := healthPingBody{
		Timestamp: now.UnixMilli(),
		Token:     m.authToken,
		SocketID:  m.socketID,
	}
	headers := controlHeaders(m.authToken)
	m.mu.Unlock()

	if t == nil {
		return core.ErrNotInitialized
	}
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return t.Publish(core.Message{Destination: destHealthCheck, Headers: headers, Body: b})
}

// ClearHealthCheck cancels the schedule if one is running. Safe to
// call repeatedly.
func (m *ChannelManager) ClearHealthCheck() {
	m.mu.Lock()
	m.stopHealthLocked()
	m.mu.Unlock()
}

func (m *ChannelManager) stopHealthLocked() {
	if m.healthStop != nil {
		close(m.healthStop)
		m.healthStop = nil
	}
}

// Unsubscribe tears down a single topic subscription.
func (m *ChannelManager) Unsubscribe(topic string) error {
	t := m.transportHandle()
	if t == nil {
		log.Warn().Str("module", "signal.manager").Str("topic", topic).Msg("unsubscribe before initialize")
		return core.ErrNotInitialized
	}
	return t.Unsubscribe(topic)
}

// UnsubscribeTopics tears down the four well-known subscriptions.
func (m *ChannelManager) UnsubscribeTopics() error {
	m.mu.Lock()
	t := m.transport
	sessionKey := m.sessionKey
	socketID := m.socketID
	m.mu.Unlock()

	if t == nil {
		log.Warn().Str("module", "signal.manager").Msg("unsubscribe topics before initialize")
		return core.ErrNotInitialized
	}
	var errs []error
	for _, topic := range []string{
		SessionNotifyTopic(sessionKey),
		SocketNotifyTopic(socketID),
		SocketHealthTopic(socketID),
		TopicAppLive,
	} {
		if err := t.Unsubscribe(topic); err != nil {
			log.Warn().Err(err).Str("module", "signal.manager").Str("topic", topic).Msg("unsubscribe failed")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Disconnect deactivates the transport and waits for completion.
func (m *ChannelManager) Disconnect(ctx context.Context) error {
	t := m.transportHandle()
	if t == nil {
		log.Warn().Str("module", "signal.manager").Msg("disconnect before initialize")
		return core.ErrNotInitialized
	}
	return t.Deactivate(ctx)
}

// Cleanup is the composite teardown: health check, connection,
// handlers, subscriptions, transport handle, in that order. A second
// call finds no transport and soft-fails.
func (m *ChannelManager) Cleanup(ctx context.Context) error {
	m.mu.Lock()
	t := m.transport
	m.mu.Unlock()
	if t == nil {
		log.Warn().Str("module", "signal.manager").Msg("cleanup on uninitialized manager")
		return core.ErrNotInitialized
	}

	m.ClearHealthCheck()
	if err := t.Deactivate(ctx); err != nil {
		log.Warn().Err(err).Str("module", "signal.manager").Msg("deactivate during cleanup")
	}
	m.UnregisterEventHandler()
	if err := m.UnsubscribeTopics(); err != nil {
		log.Warn().Err(err).Str("module", "signal.manager").Msg("unsubscribe during cleanup")
	}

	m.mu.Lock()
	m.transport = nil
	m.connected = false
	m.socketID = ""
	m.mu.Unlock()

	log.Info().Str("module", "signal.manager").Msg("channel manager cleaned up")
	return nil
}

func (m *ChannelManager) transportHandle() core.SignalTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transport
}

func controlHeaders(token string) map[string]string {
	return map[string]string{
		"token": token,
		// Vestige of the web-origin transport; harmless elsewhere.
		"Access-Control-Allow-Origin": "*",
	}
}
