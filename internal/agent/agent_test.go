package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	pionwebrtc "github.com/pion/webrtc/v4"
	"github.com/pquerna/otp/totp"

	"github.com/vibecoder/vibecoder/internal/assistant"
	"github.com/vibecoder/vibecoder/internal/config"
	"github.com/vibecoder/vibecoder/internal/rendezvous"
	"github.com/vibecoder/vibecoder/internal/session"
	vcwebrtc "github.com/vibecoder/vibecoder/internal/webrtc"
	"github.com/vibecoder/vibecoder/pkg/protocol"
)

// echoProcess answers every input line with "ran: <input>" and a prompt.
type echoProcess struct {
	mu     sync.Mutex
	inputs []string
	out    chan string
	exited chan struct{}
	once   sync.Once
}

func newEchoProcess() *echoProcess {
	p := &echoProcess{
		out:    make(chan string, 64),
		exited: make(chan struct{}),
	}
	p.out <- "Welcome\n> "
	return p
}

func (p *echoProcess) Read(buf []byte) (int, error) {
	select {
	case chunk := <-p.out:
		return copy(buf, chunk), nil
	case <-p.exited:
		return 0, io.EOF
	}
}

func (p *echoProcess) Write(buf []byte) (int, error) {
	input := strings.TrimSuffix(string(buf), "\r")
	p.mu.Lock()
	p.inputs = append(p.inputs, input)
	p.mu.Unlock()

	p.out <- "ran: " + input + "\n"
	p.out <- "\n> "
	return len(buf), nil
}

func (p *echoProcess) Close() error { return nil }

func (p *echoProcess) Pid() int { return 31337 }

func (p *echoProcess) Signal(sig os.Signal) error {
	p.once.Do(func() { close(p.exited) })
	return nil
}

func (p *echoProcess) Wait() error {
	<-p.exited
	return nil
}

// testEnv is a full stack: rendezvous, agent (with its admin HTTP on a real
// port) and helpers for playing the mobile client.
type testEnv struct {
	rendezvous *rendezvous.Server
	wsURL      string
	adminURL   string
}

func startEnv(t *testing.T) *testEnv {
	t.Helper()

	srv := rendezvous.NewServer(rendezvous.Config{})
	httpSrv := httptest.NewServer(srv)
	t.Cleanup(func() {
		httpSrv.Close()
		srv.Close()
	})

	// Reserve a port for the admin listener.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserving admin port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	cfg := config.DefaultConfig()
	cfg.WorkspacePath = t.TempDir()
	cfg.Port = port
	cfg.SignalingURL = "ws" + strings.TrimPrefix(httpSrv.URL, "http")
	cfg.CommandTimeout = 10 * time.Second

	agent := New(cfg, nil, "test", Deps{
		StartAssistant: func(string, []string, string) (assistant.ProcessHandle, error) {
			return newEchoProcess(), nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- agent.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("agent.Run() error: %v", err)
			}
		case <-time.After(10 * time.Second):
			t.Error("agent did not shut down in time")
		}
	})

	env := &testEnv{
		rendezvous: srv,
		wsURL:      "ws" + strings.TrimPrefix(httpSrv.URL, "http"),
		adminURL:   fmt.Sprintf("http://127.0.0.1:%d", port),
	}

	// The agent is up once its admin surface answers.
	waitFor(t, 10*time.Second, func() bool {
		resp, err := http.Get(env.adminURL + "/api/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	})

	return env
}

// setupSession drives GET /api/auth/setup and waits until the agent has
// registered the session with the rendezvous.
func (e *testEnv) setupSession(t *testing.T) (sessionID, totpSecret string) {
	t.Helper()

	resp, err := http.Get(e.adminURL + "/api/auth/setup")
	if err != nil {
		t.Fatalf("GET /api/auth/setup error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /api/auth/setup = %d, want 200", resp.StatusCode)
	}

	var body struct {
		SessionID  string `json:"sessionId"`
		TOTPSecret string `json:"totpSecret"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decoding setup response: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		return e.rendezvous.SessionCount() > 0
	})

	return body.SessionID, body.TOTPSecret
}

// mobile is a raw WebSocket client playing the phone's role. A background
// goroutine pumps inbound messages onto msgs so receives can time out
// without cancelling a websocket read.
type mobile struct {
	t    *testing.T
	conn *websocket.Conn
	msgs chan protocol.Message
}

func dialMobile(t *testing.T, wsURL string) *mobile {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dialing rendezvous: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "done") })

	m := &mobile{t: t, conn: conn, msgs: make(chan protocol.Message, 64)}
	go func() {
		for {
			_, data, err := conn.Read(context.Background())
			if err != nil {
				close(m.msgs)
				return
			}
			msg, err := protocol.Unmarshal(data)
			if err != nil {
				continue
			}
			m.msgs <- msg
		}
	}()
	return m
}

func (m *mobile) send(msg protocol.Message) {
	m.t.Helper()
	data, err := protocol.Marshal(msg)
	if err != nil {
		m.t.Fatalf("Marshal(%s) error: %v", msg.MessageType(), err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.conn.Write(ctx, websocket.MessageText, data); err != nil {
		m.t.Fatalf("writing %s: %v", msg.MessageType(), err)
	}
}

// receive returns the next message, failing the test after the timeout.
func (m *mobile) receive(timeout time.Duration) protocol.Message {
	m.t.Helper()
	select {
	case msg, ok := <-m.msgs:
		if !ok {
			m.t.Fatal("rendezvous connection closed")
		}
		return msg
	case <-time.After(timeout):
		m.t.Fatal("no message from rendezvous before timeout")
		return nil
	}
}

// tryReceive returns the next message or nil after the timeout.
func (m *mobile) tryReceive(timeout time.Duration) protocol.Message {
	select {
	case msg := <-m.msgs:
		return msg
	case <-time.After(timeout):
		return nil
	}
}

// receiveType skips messages until one of the wanted type arrives.
func (m *mobile) receiveType(timeout time.Duration, wantType string) protocol.Message {
	m.t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		msg := m.receive(time.Until(deadline))
		if msg.MessageType() == wantType {
			return msg
		}
		m.t.Logf("skipping %s message", msg.MessageType())
	}
	m.t.Fatalf("no %s message before timeout", wantType)
	return nil
}

// authenticate joins the session and completes TOTP verification, retrying
// while the host registration is still in flight.
func (m *mobile) authenticate(t *testing.T, sessionID, secret, clientID string) string {
	t.Helper()

	m.send(&protocol.JoinSessionMessage{SessionID: sessionID, ClientID: clientID})
	m.receiveType(5*time.Second, "session-joined")

	code, err := totp.GenerateCode(secret, time.Now())
	if err != nil {
		t.Fatalf("GenerateCode() error: %v", err)
	}

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		m.send(&protocol.VerifyTOTPMessage{SessionID: sessionID, ClientID: clientID, TOTPCode: code})
		msg := m.receive(5 * time.Second)
		switch v := msg.(type) {
		case *protocol.AuthSuccessMessage:
			if v.Token == "" {
				t.Fatal("auth-success carries no token")
			}
			return v.Token
		case *protocol.ErrorMessage:
			if v.Code == protocol.CodeHostUnavailable {
				time.Sleep(100 * time.Millisecond)
				continue
			}
			t.Fatalf("verify-totp rejected: %s (%s)", v.Error, v.Code)
		default:
			t.Logf("skipping %s message", msg.MessageType())
		}
	}
	t.Fatal("authentication did not complete")
	return ""
}

// openChannel completes the WebRTC handshake over the rendezvous and returns
// the opened data channel plus a stream of inbound terminal frames.
func (m *mobile) openChannel(t *testing.T, sessionID, clientID, token string) (*pionwebrtc.DataChannel, chan protocol.Frame) {
	t.Helper()

	frames := make(chan protocol.Frame, 128)
	dcOpen := make(chan *pionwebrtc.DataChannel, 1)

	peer, err := vcwebrtc.NewPeer(vcwebrtc.PeerConfig{
		ConnectionID: clientID,
		SessionID:    sessionID,
		OnICECandidate: func(candidate string) {
			m.send(&protocol.ICECandidateMessage{
				SessionID: sessionID,
				ClientID:  clientID,
				Candidate: candidate,
				Token:     token,
			})
		},
		OnDataChannel: func(dc *pionwebrtc.DataChannel) {
			dcOpen <- dc
		},
	})
	if err != nil {
		t.Fatalf("NewPeer() error: %v", err)
	}
	t.Cleanup(func() { peer.Close() })

	offer, err := peer.CreateOffer()
	if err != nil {
		t.Fatalf("CreateOffer() error: %v", err)
	}
	m.send(&protocol.OfferMessage{
		SessionID: sessionID,
		ClientID:  clientID,
		Offer:     offer,
		Token:     token,
	})

	// Consume answer and trickled candidates until the channel opens.
	var dc *pionwebrtc.DataChannel
	deadline := time.Now().Add(15 * time.Second)
	for dc == nil {
		if !time.Now().Before(deadline) {
			t.Fatal("data channel did not open")
		}
		select {
		case dc = <-dcOpen:
			continue
		default:
		}

		msg := m.tryReceive(200 * time.Millisecond)
		if msg == nil {
			continue
		}
		switch v := msg.(type) {
		case *protocol.AnswerReceivedMessage:
			if err := peer.SetAnswer(v.Answer); err != nil {
				t.Fatalf("SetAnswer() error: %v", err)
			}
		case *protocol.CandidateReceivedMessage:
			if err := peer.AddICECandidate(v.Candidate); err != nil {
				t.Fatalf("AddICECandidate() error: %v", err)
			}
		case *protocol.ErrorMessage:
			t.Fatalf("signaling error: %s (%s)", v.Error, v.Code)
		default:
			t.Logf("skipping %s message", msg.MessageType())
		}
	}

	dc.OnMessage(func(msg pionwebrtc.DataChannelMessage) {
		frame, err := protocol.UnmarshalFrame(msg.Data)
		if err != nil {
			t.Errorf("unparsable frame: %v", err)
			return
		}
		frames <- frame
	})
	return dc, frames
}

func sendFrame(t *testing.T, dc *pionwebrtc.DataChannel, f protocol.Frame) {
	t.Helper()
	data, err := protocol.MarshalFrame(f)
	if err != nil {
		t.Fatalf("MarshalFrame(%s) error: %v", f.FrameType(), err)
	}
	if err := dc.SendText(string(data)); err != nil {
		t.Fatalf("SendText(%s) error: %v", f.FrameType(), err)
	}
}

func collectFrames(t *testing.T, frames chan protocol.Frame, timeout time.Duration, match func(protocol.Frame) bool) []protocol.Frame {
	t.Helper()
	var got []protocol.Frame
	deadline := time.After(timeout)
	for {
		select {
		case f := <-frames:
			got = append(got, f)
			if match(f) {
				return got
			}
		case <-deadline:
			t.Fatalf("timed out waiting for frame; got %d frames", len(got))
		}
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

// TestAgent_EndToEnd drives the full happy path: session setup over the
// admin API, TOTP authentication over the rendezvous, WebRTC negotiation,
// and a command round trip over the data channel.
func TestAgent_EndToEnd(t *testing.T) {
	env := startEnv(t)
	sessionID, secret := env.setupSession(t)

	m := dialMobile(t, env.wsURL)
	token := m.authenticate(t, sessionID, secret, "mobile-1")

	dc, frames := m.openChannel(t, sessionID, "mobile-1", token)

	sendFrame(t, dc, &protocol.PingFrame{Timestamp: 1})
	collectFrames(t, frames, 5*time.Second, func(f protocol.Frame) bool {
		return f.FrameType() == "pong"
	})

	sendFrame(t, dc, &protocol.CommandFrame{Command: "help"})
	got := collectFrames(t, frames, 10*time.Second, func(f protocol.Frame) bool {
		return f.FrameType() == "completed"
	})

	var sawEcho bool
	for _, f := range got {
		if out, ok := f.(*protocol.OutputFrame); ok && strings.Contains(out.Data, "ran: help") {
			sawEcho = true
		}
	}
	if !sawEcho {
		t.Error("no output frame carrying the command echo")
	}
}

func TestAgent_RejectsDestructiveCommand(t *testing.T) {
	env := startEnv(t)
	sessionID, secret := env.setupSession(t)

	m := dialMobile(t, env.wsURL)
	token := m.authenticate(t, sessionID, secret, "mobile-1")
	dc, frames := m.openChannel(t, sessionID, "mobile-1", token)

	sendFrame(t, dc, &protocol.CommandFrame{Command: "rm -rf /"})
	got := collectFrames(t, frames, 5*time.Second, func(f protocol.Frame) bool {
		return f.FrameType() == "error"
	})
	errFrame := got[len(got)-1].(*protocol.ErrorFrame)
	if errFrame.Code != protocol.CodeSafetyRejected {
		t.Errorf("error code = %q, want %q", errFrame.Code, protocol.CodeSafetyRejected)
	}
}

func TestAgent_RejectsOfferWithBadToken(t *testing.T) {
	env := startEnv(t)
	sessionID, secret := env.setupSession(t)

	m := dialMobile(t, env.wsURL)
	token := m.authenticate(t, sessionID, secret, "mobile-1")

	m.send(&protocol.OfferMessage{
		SessionID: sessionID,
		ClientID:  "mobile-1",
		Offer:     "bogus-sdp",
		Token:     token + "x",
	})

	msg := m.receiveType(5*time.Second, "error")
	errMsg := msg.(*protocol.ErrorMessage)
	if errMsg.Code != protocol.CodeAuthRequired {
		t.Errorf("error code = %q, want %q", errMsg.Code, protocol.CodeAuthRequired)
	}
}

func TestAgent_RejectsWrongTOTPCode(t *testing.T) {
	env := startEnv(t)
	sessionID, secret := env.setupSession(t)

	m := dialMobile(t, env.wsURL)
	m.send(&protocol.JoinSessionMessage{SessionID: sessionID, ClientID: "mobile-1"})
	m.receiveType(5*time.Second, "session-joined")

	// A structurally valid code for a different secret.
	bad, err := totp.GenerateCode("JBSWY3DPEHPK3PXPJBSWY3DPEHPK3PXP", time.Now())
	if err != nil {
		t.Fatalf("GenerateCode() error: %v", err)
	}
	code, err := totp.GenerateCode(secret, time.Now())
	if err != nil {
		t.Fatalf("GenerateCode() error: %v", err)
	}
	if bad == code {
		t.Skip("codes collided")
	}

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		m.send(&protocol.VerifyTOTPMessage{SessionID: sessionID, ClientID: "mobile-1", TOTPCode: bad})
		msg := m.receiveType(5*time.Second, "error")
		errMsg := msg.(*protocol.ErrorMessage)
		if errMsg.Code == protocol.CodeHostUnavailable {
			time.Sleep(100 * time.Millisecond)
			continue
		}
		if errMsg.Code != protocol.CodeInvalidTOTP {
			t.Errorf("error code = %q, want %q", errMsg.Code, protocol.CodeInvalidTOTP)
		}
		return
	}
	t.Fatal("never saw a TOTP rejection")
}

// Unknown session IDs must answer exactly like wrong codes so verify-totp
// cannot be used to probe which IDs exist.
func TestVerifyTOTPErrors_maskUnknownSession(t *testing.T) {
	t.Parallel()

	unknown := authResultCode(session.AuthUnknownSession)
	bad := authResultCode(session.AuthBadCode)
	if unknown != bad {
		t.Fatalf("error codes differ: unknown session %q, bad code %q", unknown, bad)
	}
	if unknown != protocol.CodeInvalidTOTP {
		t.Errorf("authResultCode(AuthUnknownSession) = %q, want %q", unknown, protocol.CodeInvalidTOTP)
	}
	if got := authFailureText(unknown); got != authFailureText(bad) {
		t.Errorf("failure texts differ: %q vs %q", got, authFailureText(bad))
	}
}

// TestAgent_RenewHostIDInvalidatesTokens checks that rotating the host ID
// kills every outstanding session and its tokens.
func TestAgent_RenewHostIDInvalidatesTokens(t *testing.T) {
	env := startEnv(t)
	sessionID, secret := env.setupSession(t)

	m := dialMobile(t, env.wsURL)
	token := m.authenticate(t, sessionID, secret, "mobile-1")

	resp, err := http.Post(env.adminURL+"/api/auth/renew-host-id", "application/json", nil)
	if err != nil {
		t.Fatalf("POST renew-host-id error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST renew-host-id = %d, want 200", resp.StatusCode)
	}

	m.send(&protocol.OfferMessage{
		SessionID: sessionID,
		ClientID:  "mobile-1",
		Offer:     "bogus-sdp",
		Token:     token,
	})

	msg := m.receiveType(5*time.Second, "error")
	errMsg := msg.(*protocol.ErrorMessage)
	if errMsg.Code != protocol.CodeSessionNotFound {
		t.Errorf("error code = %q, want %q", errMsg.Code, protocol.CodeSessionNotFound)
	}
}
