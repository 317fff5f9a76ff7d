//go:build linux

package control

import (
	"bufio"
	"context"
	"log"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/euske/fastdet-go/reactor"
	"github.com/euske/fastdet-go/session"
)

func startTestServer(t *testing.T) (*reactor.Reactor, *Listener) {
	t.Helper()
	r, err := reactor.New(log.Default())
	if err != nil {
		t.Fatalf("reactor.New: %v", err)
	}
	t.Cleanup(func() { r.Close() })

	newSession := func(remoteHost string, remotePort int) (*session.Session, error) {
		id, err := NewSessionID()
		if err != nil {
			return nil, err
		}
		return session.New(remoteHost, remotePort, id, 10*time.Second, nil, nil, nil)
	}
	lis, err := NewListener(0, newSession, r.Register, nil)
	if err != nil {
		t.Fatalf("NewListener: %v", err)
	}
	if err := r.Register(lis); err != nil {
		t.Fatalf("Register listener: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	go r.Run(ctx, 10*time.Millisecond)
	return r, lis
}

func TestHandshakeOKAndPriming(t *testing.T) {
	_, lis := startTestServer(t)

	udp, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer udp.Close()
	clientPort := udp.LocalAddr().(*net.UDPAddr).Port

	conn, err := net.Dial("tcp4", "127.0.0.1:"+strconv.Itoa(lis.Port()))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("FEED " + strconv.Itoa(clientPort) + " demo\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if len(reply) < 4 || reply[:4] != "+OK " {
		t.Fatalf("unexpected reply: %q", reply)
	}

	udp.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	buf := make([]byte, 32)
	n, _, err := udp.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("expected priming datagram within 500ms: %v", err)
	}
	if n != 12 || buf[0] != 0x80 {
		t.Fatalf("unexpected priming datagram: % x", buf[:n])
	}
}

func TestSecondFeedRejected(t *testing.T) {
	_, lis := startTestServer(t)

	udp, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer udp.Close()
	clientPort := udp.LocalAddr().(*net.UDPAddr).Port

	conn, err := net.Dial("tcp4", "127.0.0.1:"+strconv.Itoa(lis.Port()))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	r := bufio.NewReader(conn)

	conn.Write([]byte("FEED " + strconv.Itoa(clientPort) + " demo\n"))
	if _, err := r.ReadString('\n'); err != nil {
		t.Fatalf("first reply: %v", err)
	}
	conn.Write([]byte("FEED " + strconv.Itoa(clientPort) + " demo\n"))
	reply, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("second reply: %v", err)
	}
	if reply != "!INVALID\r\n" {
		t.Fatalf("expected !INVALID, got %q", reply)
	}
}

func TestInvalidAndUnknown(t *testing.T) {
	_, lis := startTestServer(t)

	conn, err := net.Dial("tcp4", "127.0.0.1:"+strconv.Itoa(lis.Port()))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	r := bufio.NewReader(conn)

	conn.Write([]byte("FEED notaport\n"))
	reply, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if reply != "!INVALID\r\n" {
		t.Fatalf("expected !INVALID, got %q", reply)
	}

	conn.Write([]byte("BOGUS\n"))
	reply, err = r.ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if reply != "!UNKNOWN\r\n" {
		t.Fatalf("expected !UNKNOWN, got %q", reply)
	}
}

