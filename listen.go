package swarmcore

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// ListenAcceptor implements spec.md 4.7's ListenAcceptor: inbound socket
// bind with downward port fallback, and non-blocking accept.
//
// Go's net package doesn't expose the listen(2) backlog argument directly;
// the OS default (itself usually derived from net.core.somaxconn) stands
// in for spec.md's backlog of 5, since the core never needs deep queuing
// of simultaneous inbound handshakes.
type ListenAcceptor struct {
	listener net.Listener
	port     int
}

const listenBindFloor = 1025
const listenFallbackSpan = 600

// NewListenAcceptor binds ip:preferredPort, sweeping downward through
// [preferredPort-600, preferredPort] (floored at 1025) on failure.
func NewListenAcceptor(ctx context.Context, ip net.IP, preferredPort int) (*ListenAcceptor, error) {
	lc := net.ListenConfig{}
	addrFor := func(port int) string {
		return net.JoinHostPort(ip.String(), strconv.Itoa(port))
	}

	boundPort := func(l net.Listener) int {
		if tcp, ok := l.Addr().(*net.TCPAddr); ok {
			return tcp.Port
		}
		return preferredPort
	}

	l, err := lc.Listen(ctx, "tcp", addrFor(preferredPort))
	if err == nil {
		return &ListenAcceptor{listener: l, port: boundPort(l)}, nil
	}

	lowest := preferredPort - listenFallbackSpan
	if lowest < listenBindFloor {
		lowest = listenBindFloor
	}
	var lastErr = err
	for port := preferredPort - 1; port >= lowest; port-- {
		l, lastErr = lc.Listen(ctx, "tcp", addrFor(port))
		if lastErr == nil {
			return &ListenAcceptor{listener: l, port: boundPort(l)}, nil
		}
	}
	return nil, errors.Wrapf(lastErr, "listen: unable to bind any port in [%d,%d]", lowest, preferredPort)
}

func (a *ListenAcceptor) Port() int { return a.port }

func (a *ListenAcceptor) Close() error {
	if a.listener == nil {
		return nil
	}
	return a.listener.Close()
}

// TryAccept performs one non-blocking accept attempt: a short deadline is
// set on the listener so a tick never stalls waiting on a connection that
// never arrives. Returns (nil, nil) when there was nothing to accept.
func (a *ListenAcceptor) TryAccept() (net.Conn, error) {
	if tcp, ok := a.listener.(*net.TCPListener); ok {
		tcp.SetDeadline(time.Now().Add(time.Millisecond))
	}
	conn, err := a.listener.Accept()
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, nil
		}
		return nil, err
	}
	return conn, nil
}
