package tftp

import (
	"context"
	"errors"
	"net"
	"time"
)

// Transport is the minimal collaborator the session engine consumes from
// the UDP layer (spec.md §4.2). It does not reorder or fragment within a
// single datagram; loss and duplication are the caller's problem to retry
// around, which is exactly what the session engine does.
type Transport interface {
	// Send writes b to dst. Implementations must treat the datagram as atomic.
	Send(dst *net.UDPAddr, b []byte) error
	// Recv blocks up to timeout waiting for one datagram, returning the
	// number of bytes read and the sender's address. A zero n with a nil
	// error indicates the timeout elapsed with nothing received.
	Recv(buf []byte, timeout time.Duration) (n int, src *net.UDPAddr, err error)
	// LocalAddr reports the local TID (ip, port) this transport is bound to.
	LocalAddr() *net.UDPAddr
	// Close releases the underlying socket. Safe to call more than once.
	Close() error
}

// udpTransport is the default Transport backed by a real UDP socket.
type udpTransport struct {
	conn *net.UDPConn
}

// NewUDPTransport binds a UDP socket on localPort (0 lets the OS choose an
// ephemeral port) and returns a Transport over it. Per spec.md §5, ephemeral
// port allocation is a property of this collaborator, not of the engine.
func NewUDPTransport(localPort int) (Transport, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: localPort})
	if err != nil {
		return nil, err
	}
	return &udpTransport{conn: conn}, nil
}

func (t *udpTransport) Send(dst *net.UDPAddr, b []byte) error {
	_, err := t.conn.WriteToUDP(b, dst)
	return err
}

func (t *udpTransport) Recv(buf []byte, timeout time.Duration) (int, *net.UDPAddr, error) {
	if timeout > 0 {
		if err := t.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return 0, nil, err
		}
	}
	n, src, err := t.conn.ReadFromUDP(buf)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return 0, nil, nil
		}
		return 0, nil, err
	}
	return n, src, nil
}

func (t *udpTransport) LocalAddr() *net.UDPAddr {
	addr, _ := t.conn.LocalAddr().(*net.UDPAddr)
	return addr
}

func (t *udpTransport) Close() error {
	return t.conn.Close()
}

// recvWithContext checks ctx before each Transport.Recv call, so a
// driver-level cancellation (spec.md §5) is observed at every receive
// boundary. A Recv already in progress is not interrupted; it runs until its
// own timeout or until a datagram arrives.
func recvWithContext(ctx context.Context, tr Transport, buf []byte, timeout time.Duration) (int, *net.UDPAddr, error) {
	select {
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	default:
	}
	return tr.Recv(buf, timeout)
}
