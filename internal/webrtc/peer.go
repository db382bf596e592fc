// Package webrtc wraps pion peer connections for the host side of the
// bridge. The host is normally the answerer: the mobile client creates the
// offer and the data channel, and the host answers. CreateOffer exists for
// the symmetric case where the host initiates.
package webrtc

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"
)

// PeerConfig holds configuration for creating a Peer.
type PeerConfig struct {
	// ICE contains the STUN/TURN server configuration.
	ICE ICEConfig

	// API is an optional custom webrtc.API instance. If nil, the default
	// pion API is used.
	API *webrtc.API

	// ConnectionID identifies this peer channel (used for logging).
	ConnectionID string

	// SessionID is the owning session (used for logging).
	SessionID string

	// Logger is the structured logger. If nil, slog.Default() is used.
	Logger *slog.Logger

	// OnICECandidate is called when a local ICE candidate is gathered.
	// The caller relays the candidate string to the remote peer via the
	// rendezvous. A nil is never delivered; end-of-gathering is dropped.
	OnICECandidate func(candidate string)

	// OnDataChannel is called when the data channel opens. For the
	// answerer this fires when the channel created by the client arrives
	// and opens.
	OnDataChannel func(dc *webrtc.DataChannel)

	// OnConnectionStateChange is called when the ICE connection state
	// changes.
	OnConnectionStateChange func(state webrtc.ICEConnectionState)
}

// Peer wraps a pion RTCPeerConnection and manages the SDP offer/answer
// exchange, ICE candidate trickle, and data channel lifecycle. Remote
// candidates that arrive before the remote description are queued and
// flushed once the description is set.
type Peer struct {
	cfg  PeerConfig
	log  *slog.Logger
	pc   *webrtc.PeerConnection
	done chan struct{}

	mu                sync.Mutex
	dc                *webrtc.DataChannel
	pendingCandidates []string
	haveRemote        bool
}

// NewPeer creates a new RTCPeerConnection with the given ICE configuration.
// It does NOT touch SDP — call HandleOffer (answerer) or CreateOffer
// (initiator) to proceed with the signaling exchange.
func NewPeer(cfg PeerConfig) (*Peer, error) {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("connectionId", cfg.ConnectionID, "sessionId", cfg.SessionID)

	rtcConfig := webrtc.Configuration{
		ICEServers: cfg.ICE.pionICEServers(),
	}
	if cfg.ICE.ForceRelay {
		rtcConfig.ICETransportPolicy = webrtc.ICETransportPolicyRelay
		log.Info("ICE transport policy set to relay-only")
	}

	var (
		pc  *webrtc.PeerConnection
		err error
	)
	if cfg.API != nil {
		pc, err = cfg.API.NewPeerConnection(rtcConfig)
	} else {
		pc, err = webrtc.NewPeerConnection(rtcConfig)
	}
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}

	p := &Peer{
		cfg:  cfg,
		log:  log,
		pc:   pc,
		done: make(chan struct{}),
	}

	// Relay gathered candidates to the remote peer via the rendezvous.
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			p.log.Debug("ICE gathering complete")
			return
		}
		p.log.Debug("ICE candidate gathered", "candidate", c.String())
		if p.cfg.OnICECandidate != nil {
			p.cfg.OnICECandidate(c.ToJSON().Candidate)
		}
	})

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		p.log.Info("ICE connection state changed", "state", state.String())
		if p.cfg.OnConnectionStateChange != nil {
			p.cfg.OnConnectionStateChange(state)
		}
		if state == webrtc.ICEConnectionStateFailed ||
			state == webrtc.ICEConnectionStateClosed {
			p.mu.Lock()
			select {
			case <-p.done:
			default:
				close(p.done)
			}
			p.mu.Unlock()
		}
	})

	// For the answerer: handle the data channel created by the client.
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		p.log.Info("remote data channel received", "label", dc.Label())
		p.setupDataChannel(dc)
	})

	return p, nil
}

// HandleOffer sets the remote SDP offer, creates an SDP answer, sets it as
// the local description and flushes any ICE candidates queued before the
// offer arrived. The caller sends the returned SDP string back to the
// offerer via the rendezvous.
func (p *Peer) HandleOffer(sdp string) (string, error) {
	offer := webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  sdp,
	}
	if err := p.pc.SetRemoteDescription(offer); err != nil {
		return "", fmt.Errorf("setting remote offer: %w", err)
	}

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("creating SDP answer: %w", err)
	}

	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("setting local description: %w", err)
	}

	p.flushPendingCandidates()

	p.log.Debug("SDP answer created")
	return answer.SDP, nil
}

// CreateOffer creates a data channel, generates an SDP offer, and sets it
// as the local description. Used in the symmetric case where the host
// initiates (and by tests standing in for the mobile client).
func (p *Peer) CreateOffer() (string, error) {
	dc, err := p.pc.CreateDataChannel(DataChannelLabel, dataChannelConfig())
	if err != nil {
		return "", fmt.Errorf("creating data channel: %w", err)
	}
	p.setupDataChannel(dc)

	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("creating SDP offer: %w", err)
	}

	if err := p.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("setting local description: %w", err)
	}

	p.log.Debug("SDP offer created")
	return offer.SDP, nil
}

// SetAnswer sets the remote SDP answer on the peer connection and flushes
// queued candidates. Called by the initiator after receiving the answer.
func (p *Peer) SetAnswer(sdp string) error {
	answer := webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	}
	if err := p.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("setting remote answer: %w", err)
	}

	p.flushPendingCandidates()

	p.log.Debug("remote SDP answer set")
	return nil
}

// AddICECandidate adds a remote ICE candidate received via the rendezvous.
// Candidates arriving before the remote description are queued; pion
// rejects AddICECandidate calls made earlier.
func (p *Peer) AddICECandidate(candidate string) error {
	p.mu.Lock()
	if !p.haveRemote && p.pc.RemoteDescription() == nil {
		p.pendingCandidates = append(p.pendingCandidates, candidate)
		p.mu.Unlock()
		p.log.Debug("queued early ICE candidate", "candidate", candidate)
		return nil
	}
	p.mu.Unlock()

	if err := p.pc.AddICECandidate(webrtc.ICECandidateInit{Candidate: candidate}); err != nil {
		return fmt.Errorf("adding ICE candidate: %w", err)
	}

	p.log.Debug("remote ICE candidate added", "candidate", candidate)
	return nil
}

// flushPendingCandidates applies candidates queued before the remote
// description was set.
func (p *Peer) flushPendingCandidates() {
	p.mu.Lock()
	p.haveRemote = true
	queued := p.pendingCandidates
	p.pendingCandidates = nil
	p.mu.Unlock()

	for _, candidate := range queued {
		if err := p.pc.AddICECandidate(webrtc.ICECandidateInit{Candidate: candidate}); err != nil {
			p.log.Warn("applying queued ICE candidate", "error", err)
		}
	}
	if len(queued) > 0 {
		p.log.Debug("applied queued ICE candidates", "count", len(queued))
	}
}

// DataChannel returns the current data channel, or nil if not yet
// established.
func (p *Peer) DataChannel() *webrtc.DataChannel {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dc
}

// ICECandidateType returns the type of the selected local ICE candidate
// ("host", "srflx", "relay") or "unknown" if no pair is selected.
func (p *Peer) ICECandidateType() string {
	pair, err := p.pc.SCTP().Transport().ICETransport().GetSelectedCandidatePair()
	if err != nil || pair == nil {
		return "unknown"
	}
	return pair.Local.Typ.String()
}

// ConnectionState returns the current ICE connection state.
func (p *Peer) ConnectionState() webrtc.ICEConnectionState {
	return p.pc.ICEConnectionState()
}

// Done returns a channel that is closed when the peer connection has failed
// or closed.
func (p *Peer) Done() <-chan struct{} {
	return p.done
}

// Close gracefully closes the peer connection and data channel.
func (p *Peer) Close() error {
	p.mu.Lock()
	select {
	case <-p.done:
	default:
		close(p.done)
	}
	dc := p.dc
	p.mu.Unlock()

	if dc != nil {
		if err := dc.Close(); err != nil {
			p.log.Warn("closing data channel", "error", err)
		}
	}

	if err := p.pc.Close(); err != nil {
		return fmt.Errorf("closing peer connection: %w", err)
	}

	p.log.Info("peer connection closed")
	return nil
}

// setupDataChannel registers callbacks on the data channel and stores it.
func (p *Peer) setupDataChannel(dc *webrtc.DataChannel) {
	p.mu.Lock()
	p.dc = dc
	p.mu.Unlock()

	dc.OnOpen(func() {
		p.log.Info("data channel open", "label", dc.Label())
		if p.cfg.OnDataChannel != nil {
			p.cfg.OnDataChannel(dc)
		}
	})

	dc.OnClose(func() {
		p.log.Info("data channel closed", "label", dc.Label())
	})

	dc.OnError(func(err error) {
		p.log.Error("data channel error", "label", dc.Label(), "error", err)
	})
}
