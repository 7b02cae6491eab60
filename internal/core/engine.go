package core

// ChannelProfile selects how the media channel is used.
type ChannelProfile int

const (
	ProfileCommunication ChannelProfile = iota
	ProfileLiveBroadcast
)

// ClientRole is the local participant's role inside a channel.
type ClientRole int

const (
	RoleBroadcaster ClientRole = iota
	RoleAudience
)

// ChannelOptions are caller overrides for a join. Nil fields keep the
// default; see DefaultChannelSettings.
type ChannelOptions struct {
	Profile                *ChannelProfile
	Role                   *ClientRole
	PublishCameraTrack     *bool
	PublishMicrophoneTrack *bool
	AutoSubscribeAudio     *bool
	AutoSubscribeVideo     *bool
}

// ChannelSettings is a fully resolved option set as handed to the
// engine.
type ChannelSettings struct {
	Profile                ChannelProfile
	Role                   ClientRole
	PublishCameraTrack     bool
	PublishMicrophoneTrack bool
	AutoSubscribeAudio     bool
	AutoSubscribeVideo     bool
}

// DefaultChannelSettings is the fixed default join configuration:
// one-to-one communication, local side broadcasting both tracks and
// auto-subscribing to both remote tracks.
func DefaultChannelSettings() ChannelSettings {
	return ChannelSettings{
		Profile:                ProfileCommunication,
		Role:                   RoleBroadcaster,
		PublishCameraTrack:     true,
		PublishMicrophoneTrack: true,
		AutoSubscribeAudio:     true,
		AutoSubscribeVideo:     true,
	}
}

// Merge applies the non-nil overrides in opts over the defaults.
func (o ChannelOptions) Merge() ChannelSettings {
	s := DefaultChannelSettings()
	if o.Profile != nil {
		s.Profile = *o.Profile
	}
	if o.Role != nil {
		s.Role = *o.Role
	}
	if o.PublishCameraTrack != nil {
		s.PublishCameraTrack = *o.PublishCameraTrack
	}
	if o.PublishMicrophoneTrack != nil {
		s.PublishMicrophoneTrack = *o.PublishMicrophoneTrack
	}
	if o.AutoSubscribeAudio != nil {
		s.AutoSubscribeAudio = *o.AutoSubscribeAudio
	}
	if o.AutoSubscribeVideo != nil {
		s.AutoSubscribeVideo = *o.AutoSubscribeVideo
	}
	return s
}

// EngineEventHandler is the single callback set wired to the engine.
// Registration replaces any previous set wholesale; there is no
// fan-out to multiple handlers.
type EngineEventHandler struct {
	OnJoinSuccess           func(channel string, uid uint32)
	OnUserJoined            func(uid uint32)
	OnUserOffline           func(uid uint32, reason int)
	OnError                 func(code int, msg string)
	OnConnectionStateChange func(state ConnectionState)
	OnTokenWillExpire       func()
}

// CallEngine abstracts the conferencing engine. Initialize reports the
// engine's native status code (0 success, negative failure) which this
// layer passes through without interpreting.
type CallEngine interface {
	Initialize(appID string) int
	JoinChannel(token, channel string, uid uint32, settings ChannelSettings) error
	LeaveChannel() error
	EnableVideo() error
	StartPreview() error
	StopPreview() error
	MuteLocalAudio(mute bool) error
	SwitchCamera() error
	SetEventHandler(h *EngineEventHandler)
	Release()
}
