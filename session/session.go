//go:build linux

// Package session implements the per-client UDP channel: one dedicated,
// non-blocking socket bound to an ephemeral server port, paired with a
// single remote (client) endpoint. It owns receive reassembly (with
// sequence-gap poisoning), fragmented send, and the liveness timer the
// reactor uses to decide when to tear the channel down.
package session

import (
	"encoding/hex"
	"log"
	"net"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/euske/fastdet-go/stats"
	"github.com/euske/fastdet-go/wire"
)

// DefaultTimeout is the liveness window used when none is configured.
// spec.md §9 flags 3s vs 10s as ambiguous across source variants; we
// pick 10s to tolerate CPU-bound inference (DESIGN.md).
const DefaultTimeout = 10 * time.Second

// DefaultChunkSize is the fragment size used by Send when the caller
// doesn't override it.
const DefaultChunkSize = 32768

// primingDatagram is the literal 12-byte packet sent once at session
// creation to open NAT/firewall state toward the client, recovered
// byte-for-byte from original_source/server/server.py and server2.py.
var primingDatagram = []byte{0x80, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}

// OnMessage is invoked once per fully reassembled, unpoisoned up-stream
// application message.
type OnMessage func(s *Session, payload []byte)

// Session is one client's UDP channel. It implements reactor.Channel.
type Session struct {
	ID [4]byte

	fd         int
	localPort  int
	remoteIP   [4]byte
	remotePort int

	recvSeq uint16
	sendSeq uint16

	buf      []byte
	poisoned bool

	lastActivity time.Time
	timeout      time.Duration

	onMessage OnMessage
	logger    *log.Logger
	closed    bool

	stats *stats.Registry
}

// IDHex renders the session identifier as 8 lowercase hex digits, the
// form the control channel's +OK reply carries.
func (s *Session) IDHex() string { return hex.EncodeToString(s.ID[:]) }

// LocalPort is the ephemeral server-side UDP port this session is bound to.
func (s *Session) LocalPort() int { return s.localPort }

// New binds a fresh ephemeral UDP socket, primes the NAT path to
// (remoteHost, remotePort), and returns the session ready for
// registration with a reactor.
func New(remoteHost string, remotePort int, id [4]byte, timeout time.Duration, onMessage OnMessage, logger *log.Logger, reg *stats.Registry) (*Session, error) {
	ip, err := resolveIPv4(remoteHost)
	if err != nil {
		return nil, errors.Wrap(err, "session: resolve remote host")
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = log.Default()
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, unix.IPPROTO_UDP)
	if err != nil {
		return nil, errors.Wrap(err, "session: socket")
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "session: SO_REUSEADDR")
	}
	if err := unix.Bind(fd, &unix.SockaddrInet4{Port: 0}); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "session: bind")
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "session: set non-blocking")
	}
	sa, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "session: getsockname")
	}
	localPort := sa.(*unix.SockaddrInet4).Port

	s := &Session{
		ID:           id,
		fd:           fd,
		localPort:    localPort,
		remoteIP:     ip,
		remotePort:   remotePort,
		lastActivity: time.Now(),
		timeout:      timeout,
		onMessage:    onMessage,
		logger:       logger,
		stats:        reg,
	}
	if err := s.sendRaw(primingDatagram); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "session: priming datagram")
	}
	s.sendSeq++
	return s, nil
}

func resolveIPv4(host string) ([4]byte, error) {
	var out [4]byte
	ips, err := net.LookupIP(host)
	if err != nil {
		return out, err
	}
	for _, ip := range ips {
		if v4 := ip.To4(); v4 != nil {
			copy(out[:], v4)
			return out, nil
		}
	}
	return out, errors.Errorf("no IPv4 address for %q", host)
}

func (s *Session) remoteSockaddr() *unix.SockaddrInet4 {
	return &unix.SockaddrInet4{Port: s.remotePort, Addr: s.remoteIP}
}

func (s *Session) sendRaw(b []byte) error {
	return unix.Sendto(s.fd, b, 0, s.remoteSockaddr())
}

// FD implements reactor.Channel.
func (s *Session) FD() int { return s.fd }

// Alive implements reactor.Channel: true while now < last_activity + timeout.
func (s *Session) Alive() bool {
	return time.Now().Before(s.lastActivity.Add(s.timeout))
}

// Expire forces Alive to report false starting now, so the reactor
// closes this session on its next idle sweep. Used by the control
// channel's best-effort "close session when the TCP channel closes"
// policy (spec.md §4.4) without touching the session's fd directly.
func (s *Session) Expire() {
	s.lastActivity = time.Time{}
}

// Close implements reactor.Channel.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.stats != nil {
		s.stats.SessionsClosed.Inc(1)
	}
	return unix.Close(s.fd)
}

// OnReadable implements reactor.Channel: drains every pending datagram,
// applying spec.md §4.3's reassembly state machine to each.
func (s *Session) OnReadable() {
	buf := make([]byte, 65536)
	for {
		n, from, err := unix.Recvfrom(s.fd, buf, 0)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return
			}
			s.logger.Printf("session %s: recvfrom: %v", s.IDHex(), err)
			return
		}
		if n <= 0 {
			return
		}
		fromAddr, ok := from.(*unix.SockaddrInet4)
		if !ok || fromAddr.Addr != s.remoteIP || fromAddr.Port != s.remotePort {
			continue // not from the expected remote endpoint; silently dropped
		}
		if s.stats != nil {
			s.stats.DatagramsIn.Inc(1)
		}
		s.handleDatagram(append([]byte(nil), buf[:n]...))
	}
}

func (s *Session) handleDatagram(data []byte) {
	if len(data) < wire.HeaderLen {
		return // dropped: shorter than the transport header
	}
	hdr, err := wire.Decode(data)
	if err != nil {
		return
	}
	payload := data[wire.HeaderLen:]

	if hdr.Seq != s.recvSeq {
		s.poisoned = true
		s.buf = nil
		if s.stats != nil {
			s.stats.SequenceGaps.Inc(1)
		}
		s.logger.Printf("session %s: sequence gap: expected %d got %d", s.IDHex(), s.recvSeq, hdr.Seq)
	}
	if hdr.IsData() && !s.poisoned {
		s.buf = append(s.buf, payload...)
	}
	if hdr.Final() {
		if !s.poisoned && s.onMessage != nil {
			msg := s.buf
			s.buf = nil
			s.onMessage(s, msg)
		}
		s.buf = nil
		s.poisoned = false
	}
	s.recvSeq = hdr.Seq + 1
	s.lastActivity = time.Now()
}

// Send fragments payload into chunkSize-byte datagrams (DefaultChunkSize
// when chunkSize <= 0), marking the last one as the final fragment.
func (s *Session) Send(payload []byte, chunkSize int) error {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if len(payload) == 0 {
		return s.sendFragment(nil, true)
	}
	for off := 0; off < len(payload); off += chunkSize {
		end := off + chunkSize
		if end > len(payload) {
			end = len(payload)
		}
		last := end == len(payload)
		if err := s.sendFragment(payload[off:end], last); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) sendFragment(chunk []byte, last bool) error {
	pt := byte(wire.PTData)
	if last {
		pt |= wire.EndMarker
	}
	h := wire.Header{Flags: wire.HeaderFlags, PT: pt, Seq: s.sendSeq}
	s.sendSeq++
	buf := append(wire.Encode(h), chunk...)
	if err := s.sendRaw(buf); err != nil {
		return err
	}
	if s.stats != nil {
		s.stats.DatagramsOut.Inc(1)
	}
	return nil
}
