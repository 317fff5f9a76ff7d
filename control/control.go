//go:build linux

// Package control implements the line-delimited TCP control channel: one
// FEED (or legacy DETECT) command per connection allocates a session and
// hands it to the reactor, replying with the server-side UDP port and a
// session identifier.
package control

import (
	"bytes"
	"crypto/rand"
	"log"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/euske/fastdet-go/reactor"
	"github.com/euske/fastdet-go/session"
)

// NewSession creates a session bound to (remoteHost, remotePort),
// returning the bits the +OK reply needs; the control channel then hands
// it to the reactor through its RegisterChannel. Supplied by the
// caller so control stays decoupled from how a session's messages get
// dispatched (the detector/dispatcher wiring lives in package dispatch).
type NewSession func(remoteHost string, remotePort int) (*session.Session, error)

// RegisterChannel hands a freshly created channel to the reactor.
type RegisterChannel func(reactor.Channel) error

// Listener is the reactor.Channel for the listening TCP socket. It
// accepts connections and wraps each in a Control, registering it with
// the reactor via register.
type Listener struct {
	fd         int
	port       int
	newSession NewSession
	register   RegisterChannel
	logger     *log.Logger
}

// NewListener binds a non-blocking TCP listener on port.
func NewListener(port int, newSession NewSession, register RegisterChannel, logger *log.Logger) (*Listener, error) {
	if logger == nil {
		logger = log.Default()
	}
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, errors.Wrap(err, "control: socket")
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "control: SO_REUSEADDR")
	}
	if err := unix.Bind(fd, &unix.SockaddrInet4{Port: port}); err != nil {
		unix.Close(fd)
		return nil, errors.Wrapf(err, "control: bind port %d", port)
	}
	if err := unix.Listen(fd, 128); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "control: listen")
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "control: set non-blocking")
	}
	sa, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "control: getsockname")
	}
	return &Listener{
		fd:         fd,
		port:       sa.(*unix.SockaddrInet4).Port,
		newSession: newSession,
		register:   register,
		logger:     logger,
	}, nil
}

func (l *Listener) Port() int { return l.port }
func (l *Listener) FD() int   { return l.fd }
func (l *Listener) Alive() bool { return true } // never self-terminates
func (l *Listener) Close() error {
	return unix.Close(l.fd)
}

// OnReadable accepts every pending connection, wrapping each in a
// Control channel and handing it to the reactor.
func (l *Listener) OnReadable() {
	for {
		connFd, sa, err := unix.Accept(l.fd)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return
			}
			l.logger.Printf("control: accept: %v", err)
			return
		}
		if err := unix.SetNonblock(connFd, true); err != nil {
			l.logger.Printf("control: set non-blocking on accepted conn: %v", err)
			unix.Close(connFd)
			continue
		}
		peerHost := "0.0.0.0"
		if in4, ok := sa.(*unix.SockaddrInet4); ok {
			peerHost = ipString(in4.Addr)
		}
		c := &Control{
			fd:         connFd,
			peerHost:   peerHost,
			newSession: l.newSession,
			register:   l.register,
			alive:      true,
			logger:     l.logger,
		}
		if err := l.register(c); err != nil {
			l.logger.Printf("control: register accepted conn: %v", err)
			c.Close()
			continue
		}
	}
}

func ipString(b [4]byte) string {
	return strconv.Itoa(int(b[0])) + "." + strconv.Itoa(int(b[1])) + "." + strconv.Itoa(int(b[2])) + "." + strconv.Itoa(int(b[3]))
}

// Control is one TCP control connection: line-delimited ASCII commands
// in, CRLF-terminated replies out.
type Control struct {
	fd       int
	peerHost string

	newSession NewSession
	register   RegisterChannel

	buf     []byte
	session *session.Session
	alive   bool
	logger  *log.Logger
}

func (c *Control) FD() int      { return c.fd }
func (c *Control) Alive() bool  { return c.alive }
func (c *Control) Close() error {
	if c.session != nil {
		// best-effort: the control channel closing tears down its
		// session too, by making the session non-alive so the reactor
		// sweeps and closes it through the normal path (never close its
		// fd directly here — it may still be registered for epoll).
		c.session.Expire()
	}
	return unix.Close(c.fd)
}

// OnReadable implements reactor.Channel: drains the socket, splitting
// accumulated bytes into LF-terminated lines and feeding each to the
// command parser. A zero-byte read (EOF) flushes any partial line and
// marks the channel dead.
func (c *Control) OnReadable() {
	tmp := make([]byte, 4096)
	for {
		n, err := unix.Read(c.fd, tmp)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return
			}
			c.logger.Printf("control: read: %v", err)
			c.alive = false
			return
		}
		if n == 0 {
			if len(c.buf) > 0 {
				c.feedLine(c.buf)
				c.buf = nil
			}
			c.alive = false
			return
		}
		c.buf = append(c.buf, tmp[:n]...)
		for {
			idx := bytes.IndexByte(c.buf, '\n')
			if idx < 0 {
				break
			}
			line := c.buf[:idx+1]
			c.buf = c.buf[idx+1:]
			c.feedLine(line)
		}
	}
}

func (c *Control) feedLine(line []byte) {
	line = bytes.TrimRight(line, "\r\n")
	fields := strings.Fields(string(line))
	if len(fields) == 0 {
		return
	}
	cmd := strings.ToUpper(fields[0])
	switch cmd {
	case "FEED", "DETECT":
		c.handleFeed(fields[1:])
	default:
		c.reply("!UNKNOWN\r\n")
		c.logger.Printf("control: unknown command %q", cmd)
	}
}

func (c *Control) handleFeed(args []string) {
	if c.session != nil {
		c.reply("!INVALID\r\n")
		return
	}
	if len(args) < 2 {
		c.reply("!INVALID\r\n")
		return
	}
	port, err := strconv.Atoi(args[0])
	if err != nil || port <= 0 || port > 65535 {
		c.reply("!INVALID\r\n")
		return
	}
	path := args[1]
	if !utf8.ValidString(path) {
		c.reply("!INVALID\r\n")
		return
	}

	sess, err := c.newSession(c.peerHost, port)
	if err != nil {
		c.logger.Printf("control: create session for %s:%d: %v", c.peerHost, port, err)
		c.reply("!INVALID\r\n")
		return
	}
	if err := c.register(sess); err != nil {
		c.logger.Printf("control: register session: %v", err)
		sess.Close()
		c.reply("!INVALID\r\n")
		return
	}
	c.session = sess
	c.reply("+OK " + strconv.Itoa(sess.LocalPort()) + " " + sess.IDHex() + "\r\n")
}

func (c *Control) reply(s string) {
	b := []byte(s)
	for written := 0; written < len(b); {
		n, err := unix.Write(c.fd, b[written:])
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				if err := c.waitWritable(); err != nil {
					c.logger.Printf("control: wait writable: %v", err)
					return
				}
				continue
			}
			c.logger.Printf("control: write: %v", err)
			return
		}
		written += n
	}
}

// waitWritable blocks on poll(2) until c.fd can accept more bytes,
// rather than retrying the write in a tight loop. Replies are tiny, so
// this only ever triggers if the peer's receive buffer is backed up.
func (c *Control) waitWritable() error {
	fds := []unix.PollFd{{Fd: int32(c.fd), Events: unix.POLLOUT}}
	for {
		_, err := unix.Poll(fds, -1)
		if err == unix.EINTR {
			continue
		}
		return err
	}
}

// NewSessionID draws 4 random bytes for a session identifier.
func NewSessionID() ([4]byte, error) {
	var id [4]byte
	_, err := rand.Read(id[:])
	return id, err
}
