/*
 * Copyright (c) 2013 author: LiTao
 * All rights reserved.
 *
 * Redistribution and use in source and binary forms, with or without
 * modification, are permitted provided that the following conditions
 * are met:
 * 1. Redistributions of source code must retain the above copyright
 *    notice, this list of conditions and the following disclaimer.
 * 2. Redistributions in binary form must reproduce the above copyright
 *    notice, this list of conditions and the following disclaimer in the
 *    documentation and/or other materials provided with the distribution.
 * 3. All advertising materials mentioning features or use of this software
 *    must display the following acknowledgement:
 *	This product includes software developed by the University of
 *	California, Berkeley and its contributors.
 * 4. Neither the name of the University nor the names of its contributors
 *    may be used to endorse or promote products derived from this software
 *    without specific prior written permission.
 *
 * THIS SOFTWARE IS PROVIDED BY THE REGENTS AND CONTRIBUTORS ``AS IS'' AND
 * ANY EXPRESS OR IMPLIED WARRANTIES, INCLUDING, BUT NOT LIMITED TO, THE
 * IMPLIED WARRANTIES OF MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE
 * ARE DISCLAIMED.  IN NO EVENT SHALL THE REGENTS OR CONTRIBUTORS BE LIABLE
 * FOR ANY DIRECT, INDIRECT, INCIDENTAL, SPECIAL, EXEMPLARY, OR CONSEQUENTIAL
 * DAMAGES (INCLUDING, BUT NOT LIMITED TO, PROCUREMENT OF SUBSTITUTE GOODS
 * OR SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS INTERRUPTION)
 * HOWEVER CAUSED AND ON ANY THEORY OF LIABILITY, WHETHER IN CONTRACT, STRICT
 * LIABILITY, OR TORT (INCLUDING NEGLIGENCE OR OTHERWISE) ARISING IN ANY WAY
 * OUT OF THE USE OF THIS SOFTWARE, EVEN IF ADVISED OF THE POSSIBILITY OF
 * SUCH DAMAGE.
 */

package tftp

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Role names one of the four symmetric entry points spec.md §4.4 describes.
// For the server roles the name reflects what the role does to local storage
// (reads/writes a file), not the direction data moves on the wire - a
// server_reader reads a file and is therefore a network *sender*. For the
// client roles the name follows the request sent: a client_reader issues an
// RRQ and receives DATA, a client_writer issues a WRQ and sends DATA.
type Role int

const (
	RoleClientReader Role = iota // client GET: receives DATA, sends ACK
	RoleClientWriter              // client PUT: sends DATA, receives ACK
	RoleServerReader               // server RRQ: reads a file, sends DATA
	RoleServerWriter               // server WRQ: writes a file, receives DATA
)

func (r Role) String() string {
	switch r {
	case RoleClientReader:
		return "client_reader"
	case RoleClientWriter:
		return "client_writer"
	case RoleServerReader:
		return "server_reader"
	case RoleServerWriter:
		return "server_writer"
	default:
		return "unknown"
	}
}

// Producer supplies one block of outbound payload. n < max (including 0)
// signals EOF; the engine calls Producer at most once per block and never
// retries a call, so Producer need not be idempotent.
type Producer func(buf []byte) (n int, err error)

// Consumer accepts one inbound block in block-number order. It is called
// exactly once per accepted block; an error aborts the transfer with
// ERROR(2, "Access violation") sent to the peer.
type Consumer func(payload []byte) error

// errRetryPending is an internal sentinel: the per-attempt deadline elapsed
// with no accepted packet, so the caller should retransmit and try again.
var errRetryPending = errors.New("tftp: waiting for reply timed out")

// Session is the per-transfer state described in spec.md §3. A Session is
// created by a role driver (Client.Get/Put, or the server dispatcher) with
// Role and PeerAddr filled in, driven to completion by one of the run*
// methods, and never reused.
type Session struct {
	Role          Role
	PeerAddr      *net.UDPAddr
	ExpectedBlock uint16
	RetryCount    int
	Options       EffectiveOptions
	Retries       int
	TraceID       string

	transport       Transport
	peerLocked      bool
	lastControlWire []byte
	initialRequest  []byte

	log     *logrus.Entry
	metrics *Metrics
}

func newSession(role Role, peer *net.UDPAddr, lockedFromStart bool, transport Transport, eff EffectiveOptions, retries int, log *logrus.Entry, metrics *Metrics) *Session {
	if retries <= 0 {
		retries = DefaultRetries
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Session{
		Role:          role,
		PeerAddr:      peer,
		ExpectedBlock: 1,
		Options:       eff,
		Retries:       retries,
		TraceID:       uuid.NewString(),
		transport:     transport,
		peerLocked:    lockedFromStart,
		metrics:       metrics,
	}
	s.log = log.WithFields(logrus.Fields{"role": role.String(), "trace": s.TraceID, "peer": peer.String()})
	return s
}

// Close releases the session's transport (its local TID), per spec.md §5's
// resource-scoping rule that every session must release its TID on all exit paths.
func (s *Session) Close() error {
	return s.transport.Close()
}

func (s *Session) peerMatches(src *net.UDPAddr) bool {
	if !s.peerLocked {
		return true
	}
	return s.PeerAddr.IP.Equal(src.IP) && s.PeerAddr.Port == src.Port
}

func (s *Session) lockPeer(src *net.UDPAddr) {
	if !s.peerLocked {
		s.PeerAddr = src
		s.peerLocked = true
		s.log = s.log.WithField("peer", src.String())
	}
}

func (s *Session) replyUnknownTID(src *net.UDPAddr) {
	wire, err := Encode(&ErrorPacket{Code: ErrCodeUnknownTID, Message: "Unknown transfer ID"}, MaxDatagramSize(MaxBlockSize))
	if err != nil {
		return
	}
	_ = s.transport.Send(src, wire)
	s.metrics.incUnknownTID()
	s.log.WithField("stray", src.String()).Warn("rejected datagram from unknown TID")
}

func (s *Session) sendError(code uint16, msg string) {
	wire, err := Encode(&ErrorPacket{Code: code, Message: msg}, MaxDatagramSize(MaxBlockSize))
	if err != nil {
		return
	}
	_ = s.transport.Send(s.PeerAddr, wire)
	s.log.WithFields(logrus.Fields{"code": code, "msg": msg}).Warn("sent ERROR")
}

func (s *Session) sendAck(block uint16) error {
	wire, err := Encode(&AckPacket{Block: block}, MaxDatagramSize(s.Options.BlockSize))
	if err != nil {
		return err
	}
	if err := s.transport.Send(s.PeerAddr, wire); err != nil {
		return err
	}
	s.lastControlWire = wire
	s.log.WithField("block", block).Debug("sent ACK")
	return nil
}

func (s *Session) sendOack(opts Options) error {
	wire, err := Encode(&OackPacket{Options: opts}, MaxDatagramSize(MaxBlockSize))
	if err != nil {
		return err
	}
	if err := s.transport.Send(s.PeerAddr, wire); err != nil {
		return err
	}
	s.lastControlWire = wire
	s.log.WithField("options", opts).Debug("sent OACK")
	return nil
}

func (s *Session) resendLastControl() error {
	if s.lastControlWire != nil {
		return s.transport.Send(s.PeerAddr, s.lastControlWire)
	}
	if s.initialRequest != nil {
		return s.transport.Send(s.PeerAddr, s.initialRequest)
	}
	return nil
}

// recvFromPeer loops on the transport until deadline, filtering stray
// senders (ERROR(5) reply, no state change) and malformed datagrams
// (discarded), handing every well-formed packet from the locked peer to
// accept. A received ERROR packet always terminates with *PeerError.
func (s *Session) recvFromPeer(ctx context.Context, deadline time.Time, accept func(Packet) (bool, error)) error {
	buf := make([]byte, MaxDatagramSize(MaxBlockSize))
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return errRetryPending
		}
		n, src, err := recvWithContext(ctx, s.transport, buf, remaining)
		if err != nil {
			return err
		}
		if n == 0 {
			return errRetryPending
		}
		if !s.peerMatches(src) {
			s.replyUnknownTID(src)
			continue
		}
		s.lockPeer(src)

		pkt, err := Decode(buf[:n])
		if err != nil {
			s.log.WithError(err).Debug("discarded malformed datagram")
			continue
		}
		if ep, ok := pkt.(*ErrorPacket); ok {
			return &PeerError{Code: ep.Code, Message: ep.Message}
		}
		done, err := accept(pkt)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

// exchange drives one "send, wait, retransmit on timeout" round per
// spec.md §4.3.2/§4.3.1. When sendFirst is true, resend is invoked once
// before the first wait (the sender and handshake cases); when false, the
// first wait happens with nothing (re)sent, and resend is only invoked on
// each subsequent timeout (the receiver case, which must not re-send its
// last ACK merely because it is about to wait for the next block).
func (s *Session) exchange(ctx context.Context, sendFirst bool, resend func() error, accept func(Packet) (bool, error)) error {
	s.RetryCount = 0
	if sendFirst {
		if err := resend(); err != nil {
			return err
		}
	}
	for {
		deadline := time.Now().Add(time.Duration(s.Options.TimeoutMs) * time.Millisecond)
		err := s.recvFromPeer(ctx, deadline, accept)
		if err == nil {
			return nil
		}
		if !errors.Is(err, errRetryPending) {
			return err
		}
		s.RetryCount++
		if s.RetryCount > s.Retries {
			return ErrTimeout
		}
		s.metrics.incRetransmit()
		s.log.WithField("attempt", s.RetryCount).Debug("retransmitting after timeout")
		if err := resend(); err != nil {
			return err
		}
	}
}

func (s *Session) consumeDataBlock(dp *DataPacket, consume Consumer) (terminal bool, n int, err error) {
	if err := consume(dp.Payload); err != nil {
		s.sendError(ErrCodeAccessViolation, "Access violation")
		return false, 0, &CallerRejectedError{Err: err}
	}
	return len(dp.Payload) < int(s.Options.BlockSize), len(dp.Payload), nil
}

// runSender drives the writer half (spec.md §4.3.2 "Writer half"), used
// both by Client.Put and by the server serving an RRQ.
func (s *Session) runSender(ctx context.Context, produce Producer) (int64, error) {
	var total int64
	buf := make([]byte, s.Options.BlockSize)
	for {
		n, perr := produce(buf)
		if perr != nil {
			return total, &CallerRejectedError{Err: perr}
		}
		block := s.ExpectedBlock
		terminal := n < int(s.Options.BlockSize)
		payload := append([]byte(nil), buf[:n]...)

		wire, err := Encode(&DataPacket{Block: block, Payload: payload}, MaxDatagramSize(s.Options.BlockSize))
		if err != nil {
			return total, err
		}

		resend := func() error {
			s.log.WithFields(logrus.Fields{"block": block, "bytes": len(payload)}).Debug("sent DATA")
			return s.transport.Send(s.PeerAddr, wire)
		}
		accept := func(pkt Packet) (bool, error) {
			ap, ok := pkt.(*AckPacket)
			if !ok {
				return false, newProtocolError("unexpected opcode waiting for ACK")
			}
			if ap.Block != block {
				return false, nil // stale/foreign ack: discard
			}
			return true, nil
		}
		if err := s.exchange(ctx, true, resend, accept); err != nil {
			return total, err
		}

		total += int64(n)
		s.metrics.addBytes("tx", n)
		if terminal {
			s.metrics.incTransfer(s.Role, "ok")
			return total, nil
		}
		s.ExpectedBlock = block + 1
	}
}

// runReceiver drives the reader half (spec.md §4.3.2 "Reader half"), used
// both by Client.Get and by the server serving a WRQ.
func (s *Session) runReceiver(ctx context.Context, consume Consumer) (int64, error) {
	var total int64
	for {
		block := s.ExpectedBlock
		var terminal bool
		var gotBytes int

		accept := func(pkt Packet) (bool, error) {
			dp, ok := pkt.(*DataPacket)
			if !ok {
				return false, newProtocolError("unexpected opcode waiting for DATA")
			}
			switch {
			case dp.Block == block:
				t, n, err := s.consumeDataBlock(dp, consume)
				if err != nil {
					return false, err
				}
				terminal, gotBytes = t, n
				return true, nil
			case dp.Block == block-1:
				// Duplicate of the block we already advanced past: resend
				// the ACK we sent for it (Sorcerer's Apprentice-safe per
				// spec.md §9), never re-consume it.
				_ = s.sendAck(block - 1)
				return false, nil
			default:
				return false, nil // unrelated block: discard silently
			}
		}
		if err := s.exchange(ctx, false, s.resendLastControl, accept); err != nil {
			return total, err
		}

		if err := s.sendAck(block); err != nil {
			return total, err
		}
		total += int64(gotBytes)
		s.metrics.addBytes("rx", gotBytes)
		if terminal {
			s.metrics.incTransfer(s.Role, "ok")
			return total, nil
		}
		s.ExpectedBlock = block + 1
	}
}
