package webrtc

import (
	"sync"
	"testing"
	"time"

	pionwebrtc "github.com/pion/webrtc/v4"
)

// localICEConfig returns an ICE config with no external STUN/TURN servers.
// pion can still establish connections between two local peers using
// host candidates alone.
func localICEConfig() ICEConfig {
	return ICEConfig{}
}

// connectPeers runs the SDP exchange between an offerer and an answerer and
// starts relaying ICE candidates between them. The returned stop function
// shuts the relays down.
func connectPeers(t *testing.T, offerer, answerer *Peer, forOfferer, forAnswerer chan string) func() {
	t.Helper()

	offerSDP, err := offerer.CreateOffer()
	if err != nil {
		t.Fatalf("CreateOffer() error: %v", err)
	}
	answerSDP, err := answerer.HandleOffer(offerSDP)
	if err != nil {
		t.Fatalf("HandleOffer() error: %v", err)
	}
	if err := offerer.SetAnswer(answerSDP); err != nil {
		t.Fatalf("SetAnswer() error: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for c := range forAnswerer {
			_ = answerer.AddICECandidate(c)
		}
	}()
	go func() {
		defer wg.Done()
		for c := range forOfferer {
			_ = offerer.AddICECandidate(c)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(forOfferer)
			close(forAnswerer)
			wg.Wait()
		})
	}
}

// TestPeer_OfferAnswer verifies that an offerer and an answerer can complete
// the SDP exchange and open a data channel using local ICE candidates alone.
func TestPeer_OfferAnswer(t *testing.T) {
	t.Parallel()

	forAnswerer := make(chan string, 32)
	forOfferer := make(chan string, 32)

	dcOpenA := make(chan *pionwebrtc.DataChannel, 1)
	dcOpenB := make(chan *pionwebrtc.DataChannel, 1)

	peerA, err := NewPeer(PeerConfig{
		ICE:          localICEConfig(),
		ConnectionID: "conn-a",
		SessionID:    "AAAA1111",
		OnICECandidate: func(candidate string) {
			forAnswerer <- candidate
		},
		OnDataChannel: func(dc *pionwebrtc.DataChannel) {
			dcOpenA <- dc
		},
	})
	if err != nil {
		t.Fatalf("NewPeer(A) error: %v", err)
	}
	defer peerA.Close()

	peerB, err := NewPeer(PeerConfig{
		ICE:          localICEConfig(),
		ConnectionID: "conn-b",
		SessionID:    "AAAA1111",
		OnICECandidate: func(candidate string) {
			forOfferer <- candidate
		},
		OnDataChannel: func(dc *pionwebrtc.DataChannel) {
			dcOpenB <- dc
		},
	})
	if err != nil {
		t.Fatalf("NewPeer(B) error: %v", err)
	}
	defer peerB.Close()

	stop := connectPeers(t, peerA, peerB, forOfferer, forAnswerer)
	defer stop()

	timeout := time.After(10 * time.Second)

	var dcA, dcB *pionwebrtc.DataChannel
	select {
	case dcA = <-dcOpenA:
	case <-timeout:
		t.Fatal("timed out waiting for data channel on peer A")
	}
	select {
	case dcB = <-dcOpenB:
	case <-timeout:
		t.Fatal("timed out waiting for data channel on peer B")
	}

	if dcA.Label() != DataChannelLabel {
		t.Errorf("peer A data channel label = %q, want %q", dcA.Label(), DataChannelLabel)
	}
	if dcB.Label() != DataChannelLabel {
		t.Errorf("peer B data channel label = %q, want %q", dcB.Label(), DataChannelLabel)
	}
}

// TestPeer_BidirectionalData verifies that two peers can send and receive
// arbitrary bytes over the data channel in both directions.
func TestPeer_BidirectionalData(t *testing.T) {
	t.Parallel()

	forAnswerer := make(chan string, 32)
	forOfferer := make(chan string, 32)
	dcOpenA := make(chan *pionwebrtc.DataChannel, 1)
	dcOpenB := make(chan *pionwebrtc.DataChannel, 1)

	peerA, err := NewPeer(PeerConfig{
		ICE:          localICEConfig(),
		ConnectionID: "conn-a",
		OnICECandidate: func(candidate string) {
			forAnswerer <- candidate
		},
		OnDataChannel: func(dc *pionwebrtc.DataChannel) {
			dcOpenA <- dc
		},
	})
	if err != nil {
		t.Fatalf("NewPeer(A) error: %v", err)
	}
	defer peerA.Close()

	peerB, err := NewPeer(PeerConfig{
		ICE:          localICEConfig(),
		ConnectionID: "conn-b",
		OnICECandidate: func(candidate string) {
			forOfferer <- candidate
		},
		OnDataChannel: func(dc *pionwebrtc.DataChannel) {
			dcOpenB <- dc
		},
	})
	if err != nil {
		t.Fatalf("NewPeer(B) error: %v", err)
	}
	defer peerB.Close()

	stop := connectPeers(t, peerA, peerB, forOfferer, forAnswerer)
	defer stop()

	timeout := time.After(10 * time.Second)

	var dcA, dcB *pionwebrtc.DataChannel
	select {
	case dcA = <-dcOpenA:
	case <-timeout:
		t.Fatal("timed out waiting for data channel on peer A")
	}
	select {
	case dcB = <-dcOpenB:
	case <-timeout:
		t.Fatal("timed out waiting for data channel on peer B")
	}

	msgAtoB := []byte(`{"type":"ping"}`)
	receivedByB := make(chan []byte, 1)
	dcB.OnMessage(func(msg pionwebrtc.DataChannelMessage) {
		receivedByB <- msg.Data
	})

	if err := dcA.Send(msgAtoB); err != nil {
		t.Fatalf("dcA.Send() error: %v", err)
	}

	select {
	case got := <-receivedByB:
		if string(got) != string(msgAtoB) {
			t.Errorf("B received %q, want %q", got, msgAtoB)
		}
	case <-timeout:
		t.Fatal("timed out waiting for message on peer B")
	}

	msgBtoA := []byte(`{"type":"pong"}`)
	receivedByA := make(chan []byte, 1)
	dcA.OnMessage(func(msg pionwebrtc.DataChannelMessage) {
		receivedByA <- msg.Data
	})

	if err := dcB.Send(msgBtoA); err != nil {
		t.Fatalf("dcB.Send() error: %v", err)
	}

	select {
	case got := <-receivedByA:
		if string(got) != string(msgBtoA) {
			t.Errorf("A received %q, want %q", got, msgBtoA)
		}
	case <-timeout:
		t.Fatal("timed out waiting for message on peer A")
	}
}

// TestPeer_DataChannelOrderedReliable verifies that the terminal channel is
// created ordered with retransmission enabled.
func TestPeer_DataChannelOrderedReliable(t *testing.T) {
	t.Parallel()

	peerA, err := NewPeer(PeerConfig{
		ICE:          localICEConfig(),
		ConnectionID: "conn-a",
	})
	if err != nil {
		t.Fatalf("NewPeer(A) error: %v", err)
	}
	defer peerA.Close()

	if _, err := peerA.CreateOffer(); err != nil {
		t.Fatalf("CreateOffer() error: %v", err)
	}

	dcA := peerA.DataChannel()
	if dcA == nil {
		t.Fatal("peer A data channel is nil after CreateOffer")
	}
	if !dcA.Ordered() {
		t.Error("data channel ordered = false, want true")
	}
	if mr := dcA.MaxRetransmits(); mr != nil {
		t.Errorf("data channel maxRetransmits = %d, want unset (reliable)", *mr)
	}
	if ml := dcA.MaxPacketLifeTime(); ml != nil {
		t.Errorf("data channel maxPacketLifeTime = %d, want unset (reliable)", *ml)
	}
}

// TestPeer_QueuesEarlyCandidates verifies that remote candidates delivered
// before the remote description are queued and applied after HandleOffer,
// and the connection still comes up.
func TestPeer_QueuesEarlyCandidates(t *testing.T) {
	t.Parallel()

	forOfferer := make(chan string, 32)
	dcOpenB := make(chan *pionwebrtc.DataChannel, 1)

	var answerer *Peer
	var earlyMu sync.Mutex
	var early []string

	peerA, err := NewPeer(PeerConfig{
		ICE:          localICEConfig(),
		ConnectionID: "conn-a",
		OnICECandidate: func(candidate string) {
			// Deliver the offerer's candidates to the answerer immediately,
			// before the answerer has seen the offer.
			earlyMu.Lock()
			defer earlyMu.Unlock()
			if err := answerer.AddICECandidate(candidate); err != nil {
				t.Errorf("early AddICECandidate() error: %v", err)
			}
			early = append(early, candidate)
		},
	})
	if err != nil {
		t.Fatalf("NewPeer(A) error: %v", err)
	}
	defer peerA.Close()

	peerB, err := NewPeer(PeerConfig{
		ICE:          localICEConfig(),
		ConnectionID: "conn-b",
		OnICECandidate: func(candidate string) {
			forOfferer <- candidate
		},
		OnDataChannel: func(dc *pionwebrtc.DataChannel) {
			dcOpenB <- dc
		},
	})
	if err != nil {
		t.Fatalf("NewPeer(B) error: %v", err)
	}
	defer peerB.Close()

	earlyMu.Lock()
	answerer = peerB
	earlyMu.Unlock()

	offerSDP, err := peerA.CreateOffer()
	if err != nil {
		t.Fatalf("CreateOffer() error: %v", err)
	}

	// Give trickle a moment to deliver candidates ahead of the offer.
	time.Sleep(100 * time.Millisecond)

	answerSDP, err := peerB.HandleOffer(offerSDP)
	if err != nil {
		t.Fatalf("HandleOffer() error: %v", err)
	}
	if err := peerA.SetAnswer(answerSDP); err != nil {
		t.Fatalf("SetAnswer() error: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for c := range forOfferer {
			_ = peerA.AddICECandidate(c)
		}
	}()

	select {
	case <-dcOpenB:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for data channel on answerer")
	}

	close(forOfferer)
	<-done
}

// TestPeer_ConnectionStateCallback verifies that the OnConnectionStateChange
// callback is invoked during the connection lifecycle.
func TestPeer_ConnectionStateCallback(t *testing.T) {
	t.Parallel()

	forAnswerer := make(chan string, 32)
	forOfferer := make(chan string, 32)

	statesA := make(chan pionwebrtc.ICEConnectionState, 8)

	peerA, err := NewPeer(PeerConfig{
		ICE:          localICEConfig(),
		ConnectionID: "conn-a",
		OnICECandidate: func(candidate string) {
			forAnswerer <- candidate
		},
		OnConnectionStateChange: func(state pionwebrtc.ICEConnectionState) {
			statesA <- state
		},
	})
	if err != nil {
		t.Fatalf("NewPeer(A) error: %v", err)
	}
	defer peerA.Close()

	peerB, err := NewPeer(PeerConfig{
		ICE:          localICEConfig(),
		ConnectionID: "conn-b",
		OnICECandidate: func(candidate string) {
			forOfferer <- candidate
		},
	})
	if err != nil {
		t.Fatalf("NewPeer(B) error: %v", err)
	}
	defer peerB.Close()

	stop := connectPeers(t, peerA, peerB, forOfferer, forAnswerer)
	defer stop()

	timeout := time.After(10 * time.Second)
	for {
		select {
		case state := <-statesA:
			if state == pionwebrtc.ICEConnectionStateConnected {
				return
			}
		case <-timeout:
			t.Fatal("timed out waiting for ICEConnectionStateConnected on peer A")
		}
	}
}
