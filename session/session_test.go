//go:build linux

package session

import (
	"net"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/euske/fastdet-go/stats"
	"github.com/euske/fastdet-go/wire"
)

func newTestSession(t *testing.T, onMessage OnMessage) (*Session, *net.UDPConn) {
	t.Helper()
	s, _, peer := newTestSessionWithStats(t, onMessage)
	return s, peer
}

func newTestSessionWithStats(t *testing.T, onMessage OnMessage) (*Session, *stats.Registry, *net.UDPConn) {
	t.Helper()
	peer, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	peerPort := peer.LocalAddr().(*net.UDPAddr).Port

	reg := stats.New()
	s, err := New("127.0.0.1", peerPort, [4]byte{0xAB, 0xCD, 0xEF, 0x01}, 50*time.Millisecond, onMessage, nil, reg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close(); peer.Close() })

	// drain the priming datagram so it doesn't interfere with assertions.
	peer.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	buf := make([]byte, 64)
	n, _, _ := peer.ReadFromUDP(buf)
	if n != 12 || buf[0] != 0x80 {
		t.Fatalf("expected 12-byte priming datagram, got % x", buf[:n])
	}
	return s, reg, peer
}

func frame(pt byte, seq uint16, payload []byte) []byte {
	h := wire.Header{Flags: wire.HeaderFlags, PT: pt, Seq: seq}
	return append(wire.Encode(h), payload...)
}

func TestSessionIDHex(t *testing.T) {
	s := &Session{ID: [4]byte{0xAB, 0xCD, 0xEF, 0x01}}
	if s.IDHex() != "abcdef01" {
		t.Fatalf("got %q", s.IDHex())
	}
}

func TestSingleFragmentReassembly(t *testing.T) {
	var delivered []byte
	s, _ := newTestSession(t, func(_ *Session, payload []byte) {
		delivered = append([]byte(nil), payload...)
	})
	s.handleDatagram(frame(96|wire.EndMarker, 0, []byte("hello")))
	if string(delivered) != "hello" {
		t.Fatalf("got %q", delivered)
	}
	if s.recvSeq != 1 {
		t.Fatalf("expected recvSeq=1, got %d", s.recvSeq)
	}
}

func TestMultiFragmentReassembly(t *testing.T) {
	var delivered []byte
	calls := 0
	s, _ := newTestSession(t, func(_ *Session, payload []byte) {
		calls++
		delivered = append([]byte(nil), payload...)
	})
	s.handleDatagram(frame(96, 0, []byte("abc")))
	s.handleDatagram(frame(96, 1, []byte("def")))
	s.handleDatagram(frame(96|wire.EndMarker, 2, []byte("ghi")))
	if calls != 1 {
		t.Fatalf("expected exactly one dispatch, got %d", calls)
	}
	if string(delivered) != "abcdefghi" {
		t.Fatalf("got %q", delivered)
	}
}

func TestSequenceGapPoisonsAndDrops(t *testing.T) {
	calls := 0
	s, _ := newTestSession(t, func(_ *Session, _ []byte) { calls++ })
	s.handleDatagram(frame(96, 0, []byte("aaa")))
	s.handleDatagram(frame(96|wire.EndMarker, 2, []byte("bbb"))) // gap: expected 1, got 2
	if calls != 0 {
		t.Fatalf("expected message to be dropped on sequence gap, got %d deliveries", calls)
	}
	if s.recvSeq != 3 {
		t.Fatalf("expected recvSeq to advance to 3, got %d", s.recvSeq)
	}

	// a subsequent in-order message dispatches normally.
	var delivered []byte
	s.onMessage = func(_ *Session, payload []byte) { delivered = payload }
	s.handleDatagram(frame(96|wire.EndMarker, 3, []byte("ok")))
	if string(delivered) != "ok" {
		t.Fatalf("expected subsequent message to dispatch, got %q", delivered)
	}
}

func TestSequenceWrapIsInOrder(t *testing.T) {
	var delivered []byte
	s, _ := newTestSession(t, func(_ *Session, payload []byte) { delivered = payload })
	s.recvSeq = 65535
	s.handleDatagram(frame(96, 65535, []byte("x")))
	s.handleDatagram(frame(96|wire.EndMarker, 0, []byte("y")))
	if string(delivered) != "xy" {
		t.Fatalf("wraparound should not poison the message, got %q", delivered)
	}
}

func TestShortDatagramDropped(t *testing.T) {
	calls := 0
	s, _ := newTestSession(t, func(_ *Session, _ []byte) { calls++ })
	before := s.recvSeq
	s.handleDatagram([]byte{0x80, 0, 0})
	if calls != 0 || s.recvSeq != before {
		t.Fatalf("expected short datagram to be dropped with no state change")
	}
}

func TestNonDataNonFinalPacketIgnored(t *testing.T) {
	calls := 0
	s, _ := newTestSession(t, func(_ *Session, _ []byte) { calls++ })
	s.handleDatagram(frame(5, 0, []byte("ignored")))
	if calls != 0 {
		t.Fatalf("expected no dispatch for a non-data, non-final packet")
	}
	if s.recvSeq != 1 {
		t.Fatalf("expected recvSeq to still advance, got %d", s.recvSeq)
	}
}

func TestAliveRespectsTimeout(t *testing.T) {
	s, _ := newTestSession(t, nil)
	if !s.Alive() {
		t.Fatalf("expected freshly created session to be alive")
	}
	time.Sleep(80 * time.Millisecond)
	if s.Alive() {
		t.Fatalf("expected session to have timed out")
	}
}

func TestSendFragmentsAndReassemblesAtPeer(t *testing.T) {
	s, peer := newTestSession(t, nil)
	payload := make([]byte, 70000)
	for i := range payload {
		payload[i] = byte(i)
	}
	if err := s.Send(payload, 32768); err != nil {
		t.Fatalf("Send: %v", err)
	}

	var got []byte
	buf := make([]byte, 65536)
	for i := 0; i < 3; i++ {
		peer.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, _, err := peer.ReadFromUDP(buf)
		if err != nil {
			t.Fatalf("ReadFromUDP: %v", err)
		}
		h, err := wire.Decode(buf[:n])
		if err != nil {
			t.Fatalf("decode header: %v", err)
		}
		got = append(got, buf[wire.HeaderLen:n]...)
		if h.Final() {
			break
		}
	}
	if len(got) != len(payload) {
		t.Fatalf("reassembled length %d != %d", len(got), len(payload))
	}
	for i := range payload {
		if got[i] != payload[i] {
			t.Fatalf("byte %d mismatch: got %d want %d", i, got[i], payload[i])
		}
	}
}

func TestStatsCountersIncrement(t *testing.T) {
	s, reg, peer := newTestSessionWithStats(t, func(_ *Session, _ []byte) {})
	defer peer.Close()

	s.handleDatagram(frame(96, 0, []byte("aaa")))
	s.handleDatagram(frame(96|wire.EndMarker, 2, []byte("bbb"))) // gap: expected 1, got 2
	if got := reg.SequenceGaps.Count(); got != 1 {
		t.Fatalf("expected 1 sequence gap counted, got %d", got)
	}

	if err := s.Send([]byte("reply"), 0); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := reg.DatagramsOut.Count(); got != 1 {
		t.Fatalf("expected 1 datagram out counted, got %d", got)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := reg.SessionsClosed.Count(); got != 1 {
		t.Fatalf("expected 1 session closed counted, got %d", got)
	}
	// a second Close must not double-count.
	s.Close()
	if got := reg.SessionsClosed.Count(); got != 1 {
		t.Fatalf("expected SessionsClosed to stay at 1 after repeat Close, got %d", got)
	}
}

func TestAddressFilterDropsUnknownSender(t *testing.T) {
	var delivered []byte
	s, _ := newTestSession(t, func(_ *Session, payload []byte) { delivered = payload })

	stranger, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer stranger.Close()

	saddr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: s.LocalPort()}
	stranger.WriteToUDP(frame(96|wire.EndMarker, 0, []byte("nope")), saddr)

	deadline := time.Now().Add(150 * time.Millisecond)
	for time.Now().Before(deadline) {
		unix.SetNonblock(s.fd, true)
		s.OnReadable()
		if delivered != nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if delivered != nil {
		t.Fatalf("expected datagram from unexpected sender to be dropped")
	}
}
