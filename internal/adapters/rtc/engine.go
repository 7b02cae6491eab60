// Package rtc backs the call coordinator with a pion PeerConnection.
// Remote SDP exchange rides the signaling channel and is applied by
// the consuming application; this adapter owns the local media side.
package rtc

import (
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/vkyc/internal/core"
)

func defaultConfiguration() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
	}
}

// Engine implements core.CallEngine on a single PeerConnection.
type Engine struct {
	mu          sync.Mutex
	appID       string
	pc          *webrtc.PeerConnection
	handler     *core.EngineEventHandler
	channel     string
	uid         uint32
	joined      bool
	audioTrack  *webrtc.TrackLocalStaticRTP
	videoTrack  *webrtc.TrackLocalStaticRTP
	audioSender *webrtc.RTPSender
	videoSender *webrtc.RTPSender
	previewing  bool
	frontFacing bool
}

func New() core.CallEngine {
	return &Engine{frontFacing: true}
}

// Initialize creates the peer connection. Returns 0 on success and -1
// when the underlying stack refuses, matching the engine status-code
// convention the coordinator passes through.
func (e *Engine) Initialize(appID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.pc != nil {
		e.appID = appID
		return 0
	}
	pc, err := webrtc.NewPeerConnection(defaultConfiguration())
	if err != nil {
		log.Error().Err(err).Str("module", "rtc").Msg("peer connection create failed")
		return -1
	}
	e.pc = pc
	e.appID = appID

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Info().Str("module", "rtc").Str("state", s.String()).Msg("ICE state")
		h := e.currentHandler()
		if h == nil || h.OnConnectionStateChange == nil {
			return
		}
		switch s {
		case webrtc.ICEConnectionStateChecking:
			h.OnConnectionStateChange(core.StateConnecting)
		case webrtc.ICEConnectionStateConnected:
			h.OnConnectionStateChange(core.StateConnected)
		case webrtc.ICEConnectionStateDisconnected, webrtc.ICEConnectionStateFailed,
			webrtc.ICEConnectionStateClosed:
			h.OnConnectionStateChange(core.StateClosed)
		}
	})
	return 0
}

func (e *Engine) SetEventHandler(h *core.EngineEventHandler) {
	e.mu.Lock()
	e.handler = h
	e.mu.Unlock()
}

func (e *Engine) currentHandler() *core.EngineEventHandler {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.handler
}

// JoinChannel publishes local tracks per settings, opens receive
// transceivers for auto-subscribed remote tracks and produces the
// local offer. The answer arrives through signaling and is outside
// this adapter's scope.
func (e *Engine) JoinChannel(token, channel string, uid uint32, s core.ChannelSettings) error {
	e.mu.Lock()
	pc := e.pc
	e.mu.Unlock()
	if pc == nil {
		return core.ErrNotInitialized
	}

	publish := s.Role == core.RoleBroadcaster
	if publish && s.PublishMicrophoneTrack {
		track, err := webrtc.NewTrackLocalStaticRTP(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "mic")
		if err != nil {
			return err
		}
		sender, err := pc.AddTrack(track)
		if err != nil {
			return err
		}
		e.mu.Lock()
		e.audioTrack, e.audioSender = track, sender
		e.mu.Unlock()
	} else if s.AutoSubscribeAudio {
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio,
			webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}); err != nil {
			return err
		}
	}

	if publish && s.PublishCameraTrack {
		track, err := webrtc.NewTrackLocalStaticRTP(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "camera")
		if err != nil {
			return err
		}
		sender, err := pc.AddTrack(track)
		if err != nil {
			return err
		}
		e.mu.Lock()
		e.videoTrack, e.videoSender = track, sender
		e.mu.Unlock()
	} else if s.AutoSubscribeVideo {
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo,
			webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}); err != nil {
			return err
		}
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return err
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return err
	}

	e.mu.Lock()
	e.channel = channel
	e.uid = uid
	e.joined = true
	h := e.handler
	e.mu.Unlock()

	log.Info().Str("module", "rtc").Str("channel", channel).Uint32("uid", uid).Msg("joined channel")
	if h != nil && h.OnJoinSuccess != nil {
		h.OnJoinSuccess(channel, uid)
	}
	return nil
}

func (e *Engine) LeaveChannel() error {
	e.mu.Lock()
	pc := e.pc
	audio, video := e.audioSender, e.videoSender
	e.audioSender, e.videoSender = nil, nil
	e.audioTrack, e.videoTrack = nil, nil
	e.joined = false
	e.channel = ""
	e.mu.Unlock()
	if pc == nil {
		return core.ErrNotInitialized
	}

	if audio != nil {
		if err := pc.RemoveTrack(audio); err != nil {
			log.Warn().Err(err).Str("module", "rtc").Msg("remove audio track")
		}
	}
	if video != nil {
		if err := pc.RemoveTrack(video); err != nil {
			log.Warn().Err(err).Str("module", "rtc").Msg("remove video track")
		}
	}
	log.Info().Str("module", "rtc").Msg("left channel")
	return nil
}

func (e *Engine) EnableVideo() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pc == nil {
		return core.ErrNotInitialized
	}
	// Capture pipeline is owned by the platform layer; the engine only
	// needs the video sender present, which JoinChannel set up.
	log.Info().Str("module", "rtc").Msg("video enabled")
	return nil
}

func (e *Engine) StartPreview() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pc == nil {
		return core.ErrNotInitialized
	}
	e.previewing = true
	log.Info().Str("module", "rtc").Msg("preview started")
	return nil
}

func (e *Engine) StopPreview() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pc == nil {
		return core.ErrNotInitialized
	}
	e.previewing = false
	log.Info().Str("module", "rtc").Msg("preview stopped")
	return nil
}

// MuteLocalAudio detaches or restores the microphone track on the
// audio sender.
func (e *Engine) MuteLocalAudio(mute bool) error {
	e.mu.Lock()
	sender := e.audioSender
	track := e.audioTrack
	e.mu.Unlock()
	if e.peer() == nil {
		return core.ErrNotInitialized
	}
	if sender == nil {
		return nil // nothing published yet
	}
	if mute {
		return sender.ReplaceTrack(nil)
	}
	return sender.ReplaceTrack(track)
}

// SwitchCamera swaps the published video track between the front and
// back capture sources.
func (e *Engine) SwitchCamera() error {
	e.mu.Lock()
	pc := e.pc
	sender := e.videoSender
	e.frontFacing = !e.frontFacing
	front := e.frontFacing
	e.mu.Unlock()
	if pc == nil {
		return core.ErrNotInitialized
	}
	if sender == nil {
		return nil
	}

	stream := "camera-back"
	if front {
		stream = "camera-front"
	}
	track, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", stream)
	if err != nil {
		return err
	}
	if err := sender.ReplaceTrack(track); err != nil {
		return err
	}
	e.mu.Lock()
	e.videoTrack = track
	e.mu.Unlock()
	log.Info().Str("module", "rtc").Str("stream", stream).Msg("camera switched")
	return nil
}

func (e *Engine) Release() {
	e.mu.Lock()
	pc := e.pc
	e.pc = nil
	e.handler = nil
	e.joined = false
	e.mu.Unlock()
	if pc == nil {
		return
	}
	if err := pc.Close(); err != nil {
		log.Warn().Err(err).Str("module", "rtc").Msg("peer connection close")
	}
	log.Info().Str("module", "rtc").Msg("engine released")
}

func (e *Engine) peer() *webrtc.PeerConnection {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pc
}
