// Package testutil provides fakes shared by tests across packages.
package testutil

import (
	"encoding/binary"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
)

// SOCKS5 reply codes used by SOCKS5Server.
const (
	ReplyGeneralFailure    byte = 0x01
	ReplyHostUnreachable   byte = 0x04
	ReplyConnectionRefused byte = 0x05
)

// SOCKS5Server is a minimal no-auth SOCKS5 CONNECT server standing in for
// the overlay client's local endpoint. It can be told to reject the next
// CONNECT requests with a given reply code.
type SOCKS5Server struct {
	ln net.Listener

	mu         sync.Mutex
	rejectNext int
	replyCode  byte
	attempts   int
	targets    []string
	conns      map[net.Conn]struct{}
}

// NewSOCKS5Server starts a server on a random loopback port. It is closed
// when the test ends.
func NewSOCKS5Server(tb testing.TB) *SOCKS5Server {
	tb.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		tb.Fatalf("socks5 listen: %v", err)
	}
	s := &SOCKS5Server{ln: ln, conns: make(map[net.Conn]struct{})}
	go s.serve()
	tb.Cleanup(s.Close)
	return s
}

// Addr returns the listener address as host:port.
func (s *SOCKS5Server) Addr() string {
	return s.ln.Addr().String()
}

// RejectNext makes the next n CONNECT requests fail with reply.
func (s *SOCKS5Server) RejectNext(n int, reply byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectNext = n
	s.replyCode = reply
}

// Attempts returns the number of CONNECT requests received.
func (s *SOCKS5Server) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// Targets returns the host:port of every CONNECT request, in order.
func (s *SOCKS5Server) Targets() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.targets...)
}

// Close stops the listener and drops open tunnels.
func (s *SOCKS5Server) Close() {
	_ = s.ln.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		_ = c.Close()
	}
}

func (s *SOCKS5Server) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.track(conn, true)
		go s.handle(conn)
	}
}

func (s *SOCKS5Server) track(c net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[c] = struct{}{}
	} else {
		delete(s.conns, c)
	}
}

func (s *SOCKS5Server) handle(conn net.Conn) {
	defer func() {
		s.track(conn, false)
		_ = conn.Close()
	}()

	// Greeting: VER NMETHODS METHODS...
	hdr := make([]byte, 2)
	if _, err := io.ReadFull(conn, hdr); err != nil || hdr[0] != 0x05 {
		return
	}
	if _, err := io.ReadFull(conn, make([]byte, hdr[1])); err != nil {
		return
	}
	if _, err := conn.Write([]byte{0x05, 0x00}); err != nil {
		return
	}

	// Request: VER CMD RSV ATYP DST.ADDR DST.PORT
	req := make([]byte, 4)
	if _, err := io.ReadFull(conn, req); err != nil || req[1] != 0x01 {
		return
	}
	var host string
	switch req[3] {
	case 0x01:
		b := make([]byte, net.IPv4len)
		if _, err := io.ReadFull(conn, b); err != nil {
			return
		}
		host = net.IP(b).String()
	case 0x04:
		b := make([]byte, net.IPv6len)
		if _, err := io.ReadFull(conn, b); err != nil {
			return
		}
		host = net.IP(b).String()
	case 0x03:
		l := make([]byte, 1)
		if _, err := io.ReadFull(conn, l); err != nil {
			return
		}
		b := make([]byte, l[0])
		if _, err := io.ReadFull(conn, b); err != nil {
			return
		}
		host = string(b)
	default:
		return
	}
	pb := make([]byte, 2)
	if _, err := io.ReadFull(conn, pb); err != nil {
		return
	}
	target := net.JoinHostPort(host, strconv.Itoa(int(binary.BigEndian.Uint16(pb))))

	s.mu.Lock()
	s.attempts++
	s.targets = append(s.targets, target)
	reject := s.rejectNext > 0
	code := s.replyCode
	if reject {
		s.rejectNext--
	}
	s.mu.Unlock()

	if reject {
		_, _ = conn.Write(reply(code))
		return
	}

	upstream, err := net.Dial("tcp", target)
	if err != nil {
		_, _ = conn.Write(reply(ReplyConnectionRefused))
		return
	}
	defer func() { _ = upstream.Close() }()

	if _, err := conn.Write(reply(0x00)); err != nil {
		return
	}

	done := make(chan struct{}, 2)
	go func() {
		_, _ = io.Copy(upstream, conn)
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(conn, upstream)
		done <- struct{}{}
	}()
	<-done
}

// reply builds a SOCKS5 reply with an IPv4 zero bind address.
func reply(code byte) []byte {
	return []byte{0x05, code, 0x00, 0x01, 0, 0, 0, 0, 0, 0}
}
