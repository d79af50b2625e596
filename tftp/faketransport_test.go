package tftp

import (
	"errors"
	"net"
	"time"
)

// fakeTransport is an in-memory Transport pair connected by a buffered
// channel, used so session/handshake tests can run the real state machine
// without binding real UDP sockets.
type fakeTransport struct {
	local *net.UDPAddr
	peer  *net.UDPAddr
	inbox chan fakeDatagram
	out   *fakeTransport // set once both ends are linked
	closed bool
}

type fakeDatagram struct {
	from *net.UDPAddr
	data []byte
}

func newFakeTransportPair() (a, b *fakeTransport) {
	addrA := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 10001}
	addrB := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 10002}
	a = &fakeTransport{local: addrA, peer: addrB, inbox: make(chan fakeDatagram, 64)}
	b = &fakeTransport{local: addrB, peer: addrA, inbox: make(chan fakeDatagram, 64)}
	a.out = b
	b.out = a
	return a, b
}

func (t *fakeTransport) Send(dst *net.UDPAddr, b []byte) error {
	if t.closed {
		return errors.New("fake transport closed")
	}
	cp := append([]byte(nil), b...)
	t.out.inbox <- fakeDatagram{from: t.local, data: cp}
	return nil
}

func (t *fakeTransport) Recv(buf []byte, timeout time.Duration) (int, *net.UDPAddr, error) {
	if t.closed {
		return 0, nil, errors.New("fake transport closed")
	}
	select {
	case dgram := <-t.inbox:
		n := copy(buf, dgram.data)
		return n, dgram.from, nil
	case <-time.After(timeout):
		return 0, nil, nil
	}
}

func (t *fakeTransport) LocalAddr() *net.UDPAddr { return t.local }

func (t *fakeTransport) Close() error {
	t.closed = true
	return nil
}
