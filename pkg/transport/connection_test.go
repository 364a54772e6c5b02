package transport

import (
	"context"
	"sync"
	"testing"
	"time"
)

// scriptedSocket is a FramedSocket test double: ReceiveFrame serves
// frames from a pre-loaded queue (simulating a scripted peer), and
// SendFrame records whatever the Connection under test sends so the
// test can inspect it.
type scriptedSocket struct {
	recv   chan []byte
	sent   chan []byte
	closed chan struct{}
	once   sync.Once
}

func newScriptedSocket(frames ...[]byte) *scriptedSocket {
	recv := make(chan []byte, len(frames)+1)
	for _, f := range frames {
		recv <- f
	}
	return &scriptedSocket{recv: recv, sent: make(chan []byte, 64), closed: make(chan struct{})}
}

func (s *scriptedSocket) ReceiveFrame(buf []byte) int {
	select {
	case b, ok := <-s.recv:
		if !ok {
			return SocketClosing
		}
		if len(b) > len(buf) {
			return SocketFrameTooLarge
		}
		return copy(buf, b)
	case <-s.closed:
		return SocketClosing
	}
}

func (s *scriptedSocket) SendFrame(buf []byte) {
	cp := append([]byte(nil), buf...)
	select {
	case s.sent <- cp:
	case <-s.closed:
	}
}

func (s *scriptedSocket) Close(reason string, waitForRemote bool) {
	s.once.Do(func() { close(s.closed) })
}

func (s *scriptedSocket) waitSent(t *testing.T) []byte {
	t.Helper()
	select {
	case b := <-s.sent:
		return b
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the connection to send a frame")
		return nil
	}
}

func testConfig() TransportConfig {
	cfg := DefaultConfig()
	cfg.TargetResponsivenessMS = 20
	cfg.PingIntervalMS = 50
	cfg.InitialPingIntervalMS = 50
	return cfg
}

func encodeOrFatal(t *testing.T, cf ControlFrame) []byte {
	t.Helper()
	b, err := EncodeControlFrame(cf)
	if err != nil {
		t.Fatalf("EncodeControlFrame() error = %v", err)
	}
	return b
}

func TestConnectionRespondsToCapabilitiesWhenNotYetSent(t *testing.T) {
	peerCaps := encodeOrFatal(t, ControlFrame{
		Opcode: OpcodeCapabilities,
		Capabilities: CapabilitySet{
			MajorVersion: 1, MinorVersion: 0, CapabilityBits: CapabilitySupported,
		},
	})
	socket := newScriptedSocket(peerCaps)
	defer socket.Close("", false)

	conn, err := New(context.Background(), socket, testConfig(), "", false)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	conn.BeginDispatch()

	b := socket.waitSent(t)
	cf, err := DecodeControlFrame(b)
	if err != nil {
		t.Fatalf("DecodeControlFrame() error = %v", err)
	}
	if cf.Opcode != OpcodeCapabilities {
		t.Fatalf("first frame sent = opcode %v, want capabilities", cf.Opcode)
	}
	if cf.Capabilities != LocalCapabilities() {
		t.Errorf("sent capabilities = %+v, want %+v", cf.Capabilities, LocalCapabilities())
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if conn.NegotiatedCapabilities().CapabilityBits != 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	negotiated := conn.NegotiatedCapabilities()
	if negotiated.CapabilityBits != CapabilitySupported {
		t.Errorf("negotiated bits = %#x, want %#x (cancel not supported by the scripted peer)",
			negotiated.CapabilityBits, CapabilitySupported)
	}
	if negotiated.MinorVersion != 0 {
		t.Errorf("negotiated minor version = %d, want 0 (the lower of 1 and 0)", negotiated.MinorVersion)
	}
}

func TestConnectionDeliversSingleChunkMessage(t *testing.T) {
	payload := []byte("hello, multiplexed world")

	dataFrame := encodeOrFatal(t, ControlFrame{
		Opcode: Opcode(1),
		Descriptors: []DataFrameDescriptor{{
			MessageNumber:      3,
			Offset:             0,
			TotalMessageLength: uint32(len(payload)),
			IsFirst:            true,
			IsLast:             true,
		}},
	})
	socket := newScriptedSocket(dataFrame, payload)
	defer socket.Close("", false)

	conn, err := New(context.Background(), socket, testConfig(), "receiver", false)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	type delivery struct {
		msg    *Message
		events EventMask
	}
	got := make(chan delivery, 1)
	conn.RegisterCallback(func(msg *Message, events EventMask) {
		if events&EventComplete != 0 {
			got <- delivery{msg, events}
		}
	}, EventAll)
	conn.BeginDispatch()

	select {
	case d := <-got:
		if d.events&EventNewMessage == 0 {
			t.Error("expected NewMessage to fire together with Complete for a single-chunk message")
		}
		if string(d.msg.Payload()) != string(payload) {
			t.Errorf("payload = %q, want %q", d.msg.Payload(), payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the message to complete")
	}
}

func TestConnectionRepliesToPing(t *testing.T) {
	ping := encodeOrFatal(t, ControlFrame{Opcode: OpcodePing})
	socket := newScriptedSocket(ping)
	defer socket.Close("", false)

	conn, err := New(context.Background(), socket, testConfig(), "", false)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	conn.BeginDispatch()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		b := socket.waitSent(t)
		cf, err := DecodeControlFrame(b)
		if err != nil {
			t.Fatalf("DecodeControlFrame() error = %v", err)
		}
		if cf.Opcode == OpcodePong {
			return
		}
	}
	t.Fatal("connection never replied with a pong")
}

func TestForceCloseIsIdempotentAndUnblocksWaitClose(t *testing.T) {
	socket := newScriptedSocket()
	defer socket.Close("", false)

	conn, err := New(context.Background(), socket, testConfig(), "", false)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	conn.BeginDispatch()

	conn.ForceClose(CloseReason{Kind: CloseApplicationRequested, Detail: "test teardown"})
	conn.ForceClose(CloseReason{Kind: CloseLivenessTimeout, Detail: "should be ignored"})

	done := make(chan CloseReason, 1)
	go func() { done <- conn.WaitClose() }()

	select {
	case reason := <-done:
		if reason.Kind != CloseApplicationRequested {
			t.Errorf("close reason = %v, want %v (first forceClose call wins)", reason.Kind, CloseApplicationRequested)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("WaitClose() never returned")
	}

	if !conn.IsClosing() {
		t.Error("IsClosing() = false after ForceClose")
	}
}
