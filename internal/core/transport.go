package core

import "context"

// Message is one application-level frame moving through the signal
// transport: a destination topic, optional headers and a raw body.
type Message struct {
	Destination string
	Headers     map[string]string
	Body        []byte
}

// MessageFunc consumes messages delivered on a subscription.
type MessageFunc func(Message)

// ConnectionState tracks the transport through its lifecycle.
type ConnectionState int

const (
	StateIdle ConnectionState = iota
	StateConnecting
	StateConnected
	StateDisconnecting
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// ConnectOptions carry the headers attached to the protocol-level
// connect frame (auth token, serialized device info).
type ConnectOptions struct {
	Headers map[string]string
}

// TransportHandlers is the full set of callback slots a transport can
// fire. Any slot left nil is replaced by a no-op at registration time,
// so delivery code never nil-checks.
type TransportHandlers struct {
	OnUnhandledMessage func(Message)
	OnUnhandledReceipt func(receiptID string)
	OnUnhandledFrame   func(raw []byte)
	BeforeConnect      func()
	OnConnect          func()
	OnDisconnect       func()
	OnProtocolError    func(body string)
	OnSocketClose      func(err error)
	OnSocketError      func(err error)
	OnStateChange      func(state ConnectionState)
}

// WithDefaults returns a copy with every nil slot bound to a no-op.
func (h TransportHandlers) WithDefaults() TransportHandlers {
	if h.OnUnhandledMessage == nil {
		h.OnUnhandledMessage = func(Message) {}
	}
	if h.OnUnhandledReceipt == nil {
		h.OnUnhandledReceipt = func(string) {}
	}
	if h.OnUnhandledFrame == nil {
		h.OnUnhandledFrame = func([]byte) {}
	}
	if h.BeforeConnect == nil {
		h.BeforeConnect = func() {}
	}
	if h.OnConnect == nil {
		h.OnConnect = func() {}
	}
	if h.OnDisconnect == nil {
		h.OnDisconnect = func() {}
	}
	if h.OnProtocolError == nil {
		h.OnProtocolError = func(string) {}
	}
	if h.OnSocketClose == nil {
		h.OnSocketClose = func(error) {}
	}
	if h.OnSocketError == nil {
		h.OnSocketError = func(error) {}
	}
	if h.OnStateChange == nil {
		h.OnStateChange = func(ConnectionState) {}
	}
	return h
}

// SignalTransport abstracts the pub/sub messaging connection the
// channel manager rides on. Owned by exactly one manager instance;
// the manager must Deactivate it on teardown.
//
// CurrentURL exposes the negotiated socket URL explicitly so callers
// never reach into transport internals to recover it.
type SignalTransport interface {
	Activate(ctx context.Context, opts ConnectOptions) error
	Deactivate(ctx context.Context) error
	Subscribe(topic string, fn MessageFunc) error
	Unsubscribe(topic string) error
	Publish(msg Message) error
	CurrentURL() string
	SetHandlers(h TransportHandlers)
}
