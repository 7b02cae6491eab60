// Package stompws implements the signaling transport as a minimal
// STOMP 1.2 client over a SockJS-style WebSocket endpoint. It owns the
// socket, the read/write pumps and the reconnect loop; everything
// above it talks core.SignalTransport.
package stompws

import (
	"context"
	"fmt"
	"math/rand"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/vkyc/internal/core"
	"github.com/dkeye/vkyc/internal/signal"
)

const sendQueueSize = 32

type subscription struct {
	id string
	fn core.MessageFunc
}

// Transport is a core.SignalTransport over gorilla/websocket. One
// Activate owns the connection until Deactivate; a dropped socket is
// redialed after the configured fixed delay for as long as the
// transport stays active.
type Transport struct {
	cfg signal.TransportConfig

	mu         sync.Mutex
	handlers   core.TransportHandlers
	subs       map[string]subscription
	state      core.ConnectionState
	currentURL string
	conn       *websocket.Conn
	active     bool
	cancel     context.CancelFunc
	done       chan struct{}
	send       chan *frame
}

func New(cfg signal.TransportConfig) core.SignalTransport {
	return &Transport{
		cfg:      cfg,
		handlers: core.TransportHandlers{}.WithDefaults(),
		subs:     make(map[string]subscription),
		state:    core.StateIdle,
		send:     make(chan *frame, sendQueueSize),
	}
}

func (t *Transport) SetHandlers(h core.TransportHandlers) {
	t.mu.Lock()
	t.handlers = h.WithDefaults()
	t.mu.Unlock()
}

func (t *Transport) currentHandlers() core.TransportHandlers {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handlers
}

func (t *Transport) CurrentURL() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.currentURL
}

func (t *Transport) setState(s core.ConnectionState) {
	t.mu.Lock()
	changed := t.state != s
	t.state = s
	h := t.handlers
	t.mu.Unlock()
	if changed {
		h.OnStateChange(s)
	}
}

// Activate starts the connect/reconnect loop and returns immediately;
// connection outcomes surface through the handler slots.
func (t *Transport) Activate(ctx context.Context, opts core.ConnectOptions) error {
	t.mu.Lock()
	if t.active {
		t.mu.Unlock()
		return core.ErrAlreadyConnected
	}
	t.active = true
	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = make(chan struct{})
	done := t.done
	t.mu.Unlock()

	go func() {
		defer close(done)
		t.run(runCtx, opts)
	}()
	return nil
}

func (t *Transport) run(ctx context.Context, opts core.ConnectOptions) {
	for {
		t.setState(core.StateConnecting)
		t.currentHandlers().BeforeConnect()

		err := t.connectOnce(ctx, opts)
		if ctx.Err() != nil {
			t.setState(core.StateClosed)
			return
		}
		t.currentHandlers().OnSocketClose(err)
		t.currentHandlers().OnDisconnect()
		log.Warn().Err(err).Str("module", "stompws").
			Dur("retry_in", t.cfg.ReconnectDelay).Msg("connection lost, scheduling reconnect")

		select {
		case <-ctx.Done():
			t.setState(core.StateClosed)
			return
		case <-time.After(t.cfg.ReconnectDelay):
		}
	}
}

// connectOnce dials, performs the STOMP handshake, restores existing
// subscriptions and pumps frames until the socket dies or ctx ends.
func (t *Transport) connectOnce(ctx context.Context, opts core.ConnectOptions) error {
	wsURL, err := t.socketURL()
	if err != nil {
		t.currentHandlers().OnSocketError(err)
		return err
	}

	dialer := websocket.Dialer{HandshakeTimeout: t.cfg.ConnectTimeout}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		t.currentHandlers().OnSocketError(err)
		return err
	}

	t.mu.Lock()
	t.conn = conn
	t.currentURL = wsURL
	t.mu.Unlock()

	defer func() {
		_ = conn.Close()
		t.mu.Lock()
		t.conn = nil
		t.mu.Unlock()
	}()

	connect := &frame{
		command: cmdConnect,
		headers: map[string]string{
			"accept-version": "1.2",
			"heart-beat": fmt.Sprintf("%d,%d",
				t.cfg.HeartbeatSend.Milliseconds(), t.cfg.HeartbeatRecv.Milliseconds()),
		},
	}
	for k, v := range opts.Headers {
		connect.headers[k] = v
	}
	if err := t.writeFrame(conn, connect); err != nil {
		t.currentHandlers().OnSocketError(err)
		return err
	}

	first, err := t.readFrame(conn)
	if err != nil {
		t.currentHandlers().OnSocketError(err)
		return err
	}
	if first == nil || first.command != cmdConnected {
		err := fmt.Errorf("stomp: expected CONNECTED, got %v", frameCommand(first))
		if first != nil && first.command == cmdError {
			t.currentHandlers().OnProtocolError(string(first.body))
		}
		t.currentHandlers().OnSocketError(err)
		return err
	}

	t.setState(core.StateConnected)
	log.Info().Str("module", "stompws").Str("url", wsURL).Msg("stomp session established")
	t.resubscribe()
	t.currentHandlers().OnConnect()

	connClosed := make(chan struct{})
	writeErr := make(chan error, 1)
	go t.writePump(conn, connClosed, writeErr)
	defer close(connClosed)

	for {
		select {
		case err := <-writeErr:
			t.currentHandlers().OnSocketError(err)
			return err
		default:
		}
		fr, err := t.readFrame(conn)
		if err != nil {
			t.currentHandlers().OnSocketError(err)
			return err
		}
		if fr == nil {
			continue // peer heartbeat
		}
		t.dispatch(fr)
	}
}

func frameCommand(f *frame) string {
	if f == nil {
		return "heartbeat"
	}
	return f.command
}

// socketURL appends the SockJS session tail the server expects:
// /<server-id>/<socket-id>/websocket.
func (t *Transport) socketURL() (string, error) {
	u, err := url.Parse(t.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("stomp: bad endpoint %q: %w", t.cfg.URL, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	serverID := fmt.Sprintf("%03d", rand.Intn(1000))
	socketID := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	u.Path = strings.TrimRight(u.Path, "/") + "/" + serverID + "/" + socketID + "/websocket"
	return u.String(), nil
}

func (t *Transport) writeFrame(conn *websocket.Conn, f *frame) error {
	if err := conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, f.marshal())
}

func (t *Transport) readFrame(conn *websocket.Conn) (*frame, error) {
	if t.cfg.HeartbeatRecv > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(2 * t.cfg.HeartbeatRecv)); err != nil {
			return nil, err
		}
	}
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return parseFrame(raw)
}

func (t *Transport) writePump(conn *websocket.Conn, connClosed <-chan struct{}, writeErr chan<- error) {
	var beat *time.Ticker
	var beatC <-chan time.Time
	if t.cfg.HeartbeatSend > 0 {
		beat = time.NewTicker(t.cfg.HeartbeatSend)
		beatC = beat.C
		defer beat.Stop()
	}
	for {
		select {
		case <-connClosed:
			return
		case fr := <-t.send:
			if err := t.writeFrame(conn, fr); err != nil {
				writeErr <- err
				return
			}
		case <-beatC:
			if err := conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				writeErr <- err
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, heartbeat); err != nil {
				writeErr <- err
				return
			}
		}
	}
}

func (t *Transport) dispatch(f *frame) {
	h := t.currentHandlers()
	switch f.command {
	case cmdMessage:
		dest := f.headers["destination"]
		t.mu.Lock()
		sub, ok := t.subs[dest]
		t.mu.Unlock()
		if !ok {
			h.OnUnhandledMessage(core.Message{Destination: dest, Headers: f.headers, Body: f.body})
			return
		}
		sub.fn(core.Message{Destination: dest, Headers: f.headers, Body: f.body})
	case cmdReceipt:
		h.OnUnhandledReceipt(f.headers["receipt-id"])
	case cmdError:
		log.Warn().Str("module", "stompws").Str("body", string(f.body)).Msg("broker ERROR frame")
		h.OnProtocolError(string(f.body))
	default:
		h.OnUnhandledFrame(f.marshal())
	}
}

// resubscribe replays SUBSCRIBE frames after a (re)connect.
func (t *Transport) resubscribe() {
	t.mu.Lock()
	pending := make([]*frame, 0, len(t.subs))
	for topic, sub := range t.subs {
		pending = append(pending, &frame{
			command: cmdSubscribe,
			headers: map[string]string{"id": sub.id, "destination": topic, "ack": "auto"},
		})
	}
	t.mu.Unlock()
	for _, fr := range pending {
		t.enqueue(fr)
	}
}

func (t *Transport) enqueue(f *frame) error {
	select {
	case t.send <- f:
		return nil
	default:
		return core.ErrBackpressure
	}
}

func (t *Transport) Subscribe(topic string, fn core.MessageFunc) error {
	t.mu.Lock()
	if _, exists := t.subs[topic]; exists {
		t.subs[topic] = subscription{id: t.subs[topic].id, fn: fn}
		t.mu.Unlock()
		return nil
	}
	sub := subscription{id: uuid.NewString(), fn: fn}
	t.subs[topic] = sub
	connected := t.state == core.StateConnected
	t.mu.Unlock()

	if !connected {
		return nil // replayed on connect
	}
	return t.enqueue(&frame{
		command: cmdSubscribe,
		headers: map[string]string{"id": sub.id, "destination": topic, "ack": "auto"},
	})
}

func (t *Transport) Unsubscribe(topic string) error {
	t.mu.Lock()
	sub, ok := t.subs[topic]
	delete(t.subs, topic)
	connected := t.state == core.StateConnected
	t.mu.Unlock()

	if !ok || !connected {
		return nil
	}
	return t.enqueue(&frame{
		command: cmdUnsubscribe,
		headers: map[string]string{"id": sub.id},
	})
}

func (t *Transport) Publish(msg core.Message) error {
	t.mu.Lock()
	connected := t.state == core.StateConnected
	t.mu.Unlock()
	if !connected {
		return core.ErrNotConnected
	}

	headers := map[string]string{"destination": msg.Destination}
	for k, v := range msg.Headers {
		headers[k] = v
	}
	return t.enqueue(&frame{command: cmdSend, headers: headers, body: msg.Body})
}

// Deactivate sends a best-effort DISCONNECT, stops the reconnect loop
// and waits for it to wind down.
func (t *Transport) Deactivate(ctx context.Context) error {
	t.mu.Lock()
	if !t.active {
		t.mu.Unlock()
		return core.ErrNotConnected
	}
	t.active = false
	cancel := t.cancel
	done := t.done
	conn := t.conn
	t.cancel = nil
	t.mu.Unlock()

	t.setState(core.StateDisconnecting)
	// Best effort: the write pump flushes it if the socket is still up.
	_ = t.enqueue(&frame{command: cmdDisconnect, headers: map[string]string{}})
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	t.setState(core.StateClosed)
	log.Info().Str("module", "stompws").Msg("transport deactivated")
	return nil
}
