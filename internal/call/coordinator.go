package call

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/vkyc/internal/core"
)

// EngineFactory builds the concrete conferencing engine the
// coordinator will own.
type EngineFactory func() core.CallEngine

// Coordinator wraps a single conferencing engine through its orderly
// lifecycle: initialize, join, media operations, leave, release. Every
// operation that needs the engine soft-fails when it is absent; a
// released coordinator is terminal and a new instance is required to
// start over.
type Coordinator struct {
	newEngine EngineFactory

	mu      sync.Mutex
	engine  core.CallEngine
	handler *core.EngineEventHandler
}

func NewCoordinator(factory EngineFactory) *Coordinator {
	return &Coordinator{newEngine: factory}
}

// GetPermissions reports camera and microphone grants. This platform
// has no runtime permission prompt, so both come back granted; denial
// on platforms that do prompt is reflected in the booleans, never as
// an error.
func (c *Coordinator) GetPermissions() (camera, microphone bool) {
	return true, true
}

// Initialize lazily creates the engine and initializes it with the
// application identifier. The engine's native status code is passed
// through uninterpreted (0 success, negative failure).
func (c *Coordinator) Initialize(appID string) int {
	c.mu.Lock()
	if c.engine == nil {
		c.engine = c.newEngine()
	}
	eng := c.engine
	c.mu.Unlock()

	code := eng.Initialize(appID)
	log.Info().Str("module", "call.coordinator").Str("app_id", appID).Int("code", code).
		Msg("engine initialized")
	return code
}

// RegisterEventHandler wires exactly one handler set to the engine,
// replacing any previous registration. The previous handler is
// returned (nil on first registration) so accidental double
// registration is observable.
func (c *Coordinator) RegisterEventHandler(h *core.EngineEventHandler) *core.EngineEventHandler {
	c.mu.Lock()
	prev := c.handler
	c.handler = h
	eng := c.engine
	c.mu.Unlock()

	if eng != nil {
		eng.SetEventHandler(h)
	}
	if prev != nil {
		log.Warn().Str("module", "call.coordinator").Msg("event handler replaced")
	}
	return prev
}

// UnregisterEventHandler detaches the current handler. Returns false
// when none was registered.
func (c *Coordinator) UnregisterEventHandler() bool {
	c.mu.Lock()
	had := c.handler != nil
	c.handler = nil
	eng := c.engine
	c.mu.Unlock()

	if eng != nil {
		eng.SetEventHandler(nil)
	}
	return had
}

// JoinChannel merges the caller's options over the default join
// configuration (caller wins per field) and asks the engine to join.
func (c *Coordinator) JoinChannel(token, channel string, uid uint32, opts core.ChannelOptions) error {
	eng := c.engineHandle()
	if eng == nil {
		log.Warn().Str("module", "call.coordinator").Str("channel", channel).Msg("join before initialize")
		return core.ErrNotInitialized
	}
	settings := opts.Merge()
	log.Info().Str("module", "call.coordinator").Str("channel", channel).Uint32("uid", uid).
		Msg("joining channel")
	return eng.JoinChannel(token, channel, uid, settings)
}

func (c *Coordinator) EnableVideo() error {
	eng := c.engineHandle()
	if eng == nil {
		log.Warn().Str("module", "call.coordinator").Msg("enable video before initialize")
		return core.ErrNotInitialized
	}
	return eng.EnableVideo()
}

func (c *Coordinator) StartPreview() error {
	eng := c.engineHandle()
	if eng == nil {
		log.Warn().Str("module", "call.coordinator").Msg("start preview before initialize")
		return core.ErrNotInitialized
	}
	return eng.StartPreview()
}

func (c *Coordinator) StopPreview() error {
	eng := c.engineHandle()
	if eng == nil {
		log.Warn().Str("module", "call.coordinator").Msg("stop preview before initialize")
		return core.ErrNotInitialized
	}
	return eng.StopPreview()
}

// ToggleMicrophone enables or disables the local audio track.
func (c *Coordinator) ToggleMicrophone(enabled bool) error {
	eng := c.engineHandle()
	if eng == nil {
		log.Warn().Str("module", "call.coordinator").Msg("toggle microphone before initialize")
		return core.ErrNotInitialized
	}
	return eng.MuteLocalAudio(!enabled)
}

func (c *Coordinator) SwitchCamera() error {
	eng := c.engineHandle()
	if eng == nil {
		log.Warn().Str("module", "call.coordinator").Msg("switch camera before initialize")
		return core.ErrNotInitialized
	}
	return eng.SwitchCamera()
}

func (c *Coordinator) LeaveChannel() error {
	eng := c.engineHandle()
	if eng == nil {
		log.Warn().Str("module", "call.coordinator").Msg("leave before initialize")
		return core.ErrNotInitialized
	}
	return eng.LeaveChannel()
}

// Cleanup tears the call leg down: leave, stop preview, unregister the
// handler, release the engine, clear the handle. A second call finds
// no engine and soft-fails without touching anything.
func (c *Coordinator) Cleanup() error {
	c.mu.Lock()
	eng := c.engine
	c.mu.Unlock()
	if eng == nil {
		log.Warn().Str("module", "call.coordinator").Msg("cleanup on missing engine")
		return core.ErrNotInitialized
	}

	if err := eng.LeaveChannel(); err != nil {
		log.Warn().Err(err).Str("module", "call.coordinator").Msg("leave during cleanup")
	}
	if err := eng.StopPreview(); err != nil {
		log.Warn().Err(err).Str("module", "call.coordinator").Msg("stop preview during cleanup")
	}
	c.UnregisterEventHandler()
	eng.Release()

	c.mu.Lock()
	c.engine = nil
	c.mu.Unlock()

	log.Info().Str("module", "call.coordinator").Msg("call coordinator cleaned up")
	return nil
}

func (c *Coordinator) engineHandle() core.CallEngine {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.engine
}
