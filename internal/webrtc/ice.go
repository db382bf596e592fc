package webrtc

import (
	"fmt"
	"net/url"

	"github.com/pion/webrtc/v4"
)

// ICEConfig holds the STUN/TURN server configuration for peer connections.
// The bridge must gather both host-local and server-reflexive candidates, so
// at least one STUN server should normally be configured.
type ICEConfig struct {
	// STUNServers is a list of stun:/stuns: URIs.
	STUNServers []string

	// TURNServers is a list of turn:/turns: URIs with embedded credentials,
	// e.g. "turn:user:pass@relay.example.com:3478".
	TURNServers []string

	// ForceRelay restricts ICE to relay candidates only. Normally false.
	ForceRelay bool
}

// pionICEServers converts the configuration to pion's ICEServer list.
// Malformed TURN entries are skipped; config validation reports them before
// the agent gets here.
func (c ICEConfig) pionICEServers() []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, len(c.STUNServers)+len(c.TURNServers))

	if len(c.STUNServers) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: c.STUNServers})
	}

	for _, raw := range c.TURNServers {
		srv, err := parseTURN(raw)
		if err != nil {
			continue
		}
		servers = append(servers, srv)
	}

	return servers
}

// parseTURN splits a turn:user:pass@host:port URI into a pion ICEServer
// with explicit credentials, which is the form pion expects.
func parseTURN(raw string) (webrtc.ICEServer, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return webrtc.ICEServer{}, fmt.Errorf("parsing turn uri: %w", err)
	}
	if u.Scheme != "turn" && u.Scheme != "turns" {
		return webrtc.ICEServer{}, fmt.Errorf("unexpected scheme %q", u.Scheme)
	}

	srv := webrtc.ICEServer{
		URLs: []string{u.Scheme + ":" + u.Host},
	}
	if u.User != nil {
		srv.Username = u.User.Username()
		if pass, ok := u.User.Password(); ok {
			srv.Credential = pass
		}
	}
	return srv, nil
}
