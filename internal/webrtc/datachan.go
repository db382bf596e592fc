package webrtc

import (
	"github.com/pion/webrtc/v4"
)

const (
	// DataChannelLabel is the label used for the terminal bridge data channel.
	DataChannelLabel = "vibe-coder-terminal"
)

// dataChannelConfig returns the pion DataChannelInit for the terminal
// channel: ordered, reliable delivery. Terminal output is a byte stream and
// commands must arrive exactly once, in order, so SCTP retransmission stays
// on.
func dataChannelConfig() *webrtc.DataChannelInit {
	ordered := true
	return &webrtc.DataChannelInit{
		Ordered: &ordered,
	}
}
