package app

import "github.com/kweiss/viva/internal/wire"

// ChannelConnectedMsg is sent once the live channel is established.
type ChannelConnectedMsg struct{}

// ChannelConnectErrorMsg is sent when the initial dial fails.
type ChannelConnectErrorMsg struct {
	Err error
}

// ChannelEventMsg wraps one committed frame from the live channel.
type ChannelEventMsg struct {
	Event wire.Message
}

// ChannelClosedMsg is sent when the event stream ends for good.
type ChannelClosedMsg struct{}

// SendErrorMsg carries a rejected outbound command.
type SendErrorMsg struct {
	Err error
}

// VoiceTickMsg drives polling of the capture state machine.
type VoiceTickMsg struct{}

// ClearTransientErrorMsg clears a transient error after a timeout.
type ClearTransientErrorMsg struct{}
