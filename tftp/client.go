package tftp

import (
	"context"
	"fmt"
	"net"

	"github.com/sirupsen/logrus"
)

// Client drives the two client-side roles (spec.md §4.4: client_reader and
// client_writer) against a single TFTP server. A Client is cheap to create
// and holds no socket of its own - every Get/Put call opens a fresh
// ephemeral Transport, mirroring NewClient/Get/Put in the teacher but
// generalized to use caller-supplied Producer/Consumer callbacks instead of
// an io.ReaderAt/io.WriterAt pair, per spec.md §6.
type Client struct {
	RemoteAddr *net.UDPAddr
	Config     Config
	Log        *logrus.Entry
	Metrics    *Metrics
}

// NewClient resolves addr (host:port) and returns a Client configured with
// cfg. Pass the zero Config for spec.md §3 defaults.
func NewClient(addr string, cfg Config) (*Client, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	return &Client{RemoteAddr: raddr, Config: cfg}, nil
}

func (c *Client) newSession(role Role) (*Session, error) {
	tr, err := NewUDPTransport(0)
	if err != nil {
		return nil, err
	}
	s := newSession(role, c.RemoteAddr, false, tr, c.Config.effective(), c.Config.retries(), c.Log, c.Metrics)
	return s, nil
}

// Get performs a client_reader transfer: it requests filename from the
// server in mode (ModeOctet or ModeNetASCII) and hands every received block
// to consume in order. It returns the total number of payload bytes
// delivered to consume.
func (c *Client) Get(ctx context.Context, filename, mode string, consume Consumer) (int64, error) {
	if !IsOctetOrNetASCII(mode) {
		return 0, errUnsupportedMode
	}
	s, err := c.newSession(RoleClientReader)
	if err != nil {
		return 0, err
	}
	defer s.Close()

	req := &RequestPacket{Op: OpRRQ, Filename: filename, Mode: mode, Options: requestOptions(s.Options)}
	wire, err := Encode(req, MaxDatagramSize(MaxBlockSize))
	if err != nil {
		return 0, err
	}

	done, n, err := s.clientNegotiateRead(ctx, wire, consume)
	if err != nil {
		s.metrics.incTransfer(RoleClientReader, "error")
		return n, fmt.Errorf("tftp: GET %q: %w", filename, err)
	}
	if done {
		return n, nil
	}
	more, err := s.runReceiver(ctx, consume)
	if err != nil {
		return n + more, fmt.Errorf("tftp: GET %q: %w", filename, err)
	}
	return n + more, nil
}

// Put performs a client_writer transfer: it offers filename to the server
// in mode, pulling outbound blocks from produce until produce signals EOF
// with a short (or zero) read. It returns the total number of payload bytes
// sent.
func (c *Client) Put(ctx context.Context, filename, mode string, produce Producer) (int64, error) {
	if !IsOctetOrNetASCII(mode) {
		return 0, errUnsupportedMode
	}
	s, err := c.newSession(RoleClientWriter)
	if err != nil {
		return 0, err
	}
	defer s.Close()

	req := &RequestPacket{Op: OpWRQ, Filename: filename, Mode: mode, Options: requestOptions(s.Options)}
	wire, err := Encode(req, MaxDatagramSize(MaxBlockSize))
	if err != nil {
		return 0, err
	}

	if err := s.clientNegotiateWrite(ctx, wire); err != nil {
		s.metrics.incTransfer(RoleClientWriter, "error")
		return 0, fmt.Errorf("tftp: PUT %q: %w", filename, err)
	}
	n, err := s.runSender(ctx, produce)
	if err != nil {
		return n, fmt.Errorf("tftp: PUT %q: %w", filename, err)
	}
	return n, nil
}
