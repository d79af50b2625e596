package tftp

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Handler supplies the server's filesystem-facing side (spec.md §6's
// "Server side file callbacks"): OnRead opens filename for a server_reader
// (RRQ) transfer, OnWrite opens it for a server_writer (WRQ) transfer. Both
// return an io.Closer alongside the callback - the server closes it once
// the transfer ends, success or failure - since neither Producer nor
// Consumer is told when the last block has been handled. An error returned
// as *PeerError is relayed to the client verbatim (e.g. ErrCodeFileExists
// on a WRQ overwrite guard); any other error becomes
// ERROR(2, "Access violation").
type Handler interface {
	OnRead(ctx context.Context, remoteAddr net.Addr, filename string) (Producer, io.Closer, error)
	OnWrite(ctx context.Context, remoteAddr net.Addr, filename string) (Consumer, io.Closer, error)
}

// Server listens on a well-known UDP port and dispatches each inbound
// RRQ/WRQ to a fresh session on its own ephemeral Transport, the same
// one-goroutine-per-peer shape as the teacher's Server.work/removeClientPeer,
// generalized from a buffered-channel/sync.Pool pipeline to one goroutine
// per accepted request (a TFTP server's peer count is bounded by concurrent
// transfers, not by packet rate, so the extra dispatch machinery isn't
// needed here).
type Server struct {
	Addr    string
	Handler Handler
	Config  Config
	Log     *logrus.Entry
	Metrics *Metrics

	listener Transport
	wg       sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*Session
	closed   chan struct{}
	closeOnce sync.Once
}

// NewServer binds addr and returns a Server ready for Run.
func NewServer(addr string, handler Handler, cfg Config) (*Server, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	tr, err := NewUDPTransport(udpAddr.Port)
	if err != nil {
		return nil, err
	}
	return &Server{
		Addr:     addr,
		Handler:  handler,
		Config:   cfg,
		listener: tr,
		sessions: make(map[string]*Session),
		closed:   make(chan struct{}),
	}, nil
}

func (s *Server) log() *logrus.Entry {
	if s.Log == nil {
		return logrus.NewEntry(logrus.StandardLogger())
	}
	return s.Log
}

// Close stops Run and releases the listening socket; in-flight sessions are
// given no grace period beyond their own retry budgets.
func (s *Server) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	err := s.listener.Close()
	s.wg.Wait()
	return err
}

// Run accepts RRQ/WRQ datagrams on the well-known port until ctx is
// canceled or Close is called, dispatching each to its own session
// goroutine on a fresh ephemeral Transport (spec.md §5).
func (s *Server) Run(ctx context.Context) error {
	buf := make([]byte, MaxDatagramSize(MaxBlockSize))
	for {
		select {
		case <-s.closed:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, src, err := s.listener.Recv(buf, 500*time.Millisecond)
		if err != nil {
			select {
			case <-s.closed:
				return nil
			default:
			}
			return err
		}
		if n == 0 {
			continue
		}

		pkt, err := Decode(buf[:n])
		if err != nil {
			s.log().WithError(err).Debug("discarded malformed datagram")
			continue
		}
		req, ok := pkt.(*RequestPacket)
		if !ok {
			s.replyIllegalOp(src)
			continue
		}
		if !IsOctetOrNetASCII(req.Mode) {
			s.replyUnsupportedMode(src)
			continue
		}

		s.wg.Add(1)
		go s.serve(ctx, req, src)
	}
}

func (s *Server) replyIllegalOp(dst *net.UDPAddr) {
	wire, err := Encode(&ErrorPacket{Code: ErrCodeIllegalOp, Message: "Illegal TFTP operation"}, MaxDatagramSize(MaxBlockSize))
	if err != nil {
		return
	}
	_ = s.listener.Send(dst, wire)
}

func (s *Server) replyUnsupportedMode(dst *net.UDPAddr) {
	wire, err := Encode(&ErrorPacket{Code: ErrCodeIllegalOp, Message: "unsupported transfer mode"}, MaxDatagramSize(MaxBlockSize))
	if err != nil {
		return
	}
	_ = s.listener.Send(dst, wire)
}

func (s *Server) serve(ctx context.Context, req *RequestPacket, src *net.UDPAddr) {
	defer s.wg.Done()

	tr, err := NewUDPTransport(0)
	if err != nil {
		s.log().WithError(err).Error("failed to allocate session transport")
		return
	}

	var role Role
	if req.Op == OpRRQ {
		role = RoleServerReader
	} else {
		role = RoleServerWriter
	}
	eff := s.Config.effective()
	sess := newSession(role, src, true, tr, eff, s.Config.retries(), s.Log, s.Metrics)
	defer sess.Close()

	key := src.String()
	s.mu.Lock()
	s.sessions[key] = sess
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.sessions, key)
		s.mu.Unlock()
	}()

	if req.Op == OpRRQ {
		s.serveRead(ctx, sess, req, src)
	} else {
		s.serveWrite(ctx, sess, req, src)
	}
}

func (s *Server) serveRead(ctx context.Context, sess *Session, req *RequestPacket, src *net.UDPAddr) {
	produce, closer, err := s.Handler.OnRead(ctx, src, req.Filename)
	if err != nil {
		sess.sendError(peerErrorCode(err, ErrCodeAccessViolation), peerErrorMessage(err))
		sess.metrics.incTransfer(RoleServerReader, "error")
		return
	}
	defer closer.Close()
	if err := sess.serverNegotiateSend(ctx, req.Options); err != nil {
		sess.log.WithError(err).Warn("RRQ negotiation failed")
		return
	}
	if _, err := sess.runSender(ctx, produce); err != nil {
		sess.log.WithError(err).Warn("RRQ transfer failed")
	}
}

func (s *Server) serveWrite(ctx context.Context, sess *Session, req *RequestPacket, src *net.UDPAddr) {
	consume, closer, err := s.Handler.OnWrite(ctx, src, req.Filename)
	if err != nil {
		sess.sendError(peerErrorCode(err, ErrCodeAccessViolation), peerErrorMessage(err))
		sess.metrics.incTransfer(RoleServerWriter, "error")
		return
	}
	defer closer.Close()
	if err := sess.serverNegotiateReceive(ctx, req.Options); err != nil {
		sess.log.WithError(err).Warn("WRQ negotiation failed")
		return
	}
	if _, err := sess.runReceiver(ctx, consume); err != nil {
		sess.log.WithError(err).Warn("WRQ transfer failed")
	}
}

func peerErrorCode(err error, fallback uint16) uint16 {
	if pe, ok := err.(*PeerError); ok {
		return pe.Code
	}
	return fallback
}

func peerErrorMessage(err error) string {
	if pe, ok := err.(*PeerError); ok {
		return pe.Message
	}
	return "Access violation"
}
