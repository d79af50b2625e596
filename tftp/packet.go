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

// Package tftp implements the core TFTP (RFC 1350) protocol engine: packet
// framing, option negotiation (RFC 2347/2348/2349), and the stop-and-wait
// session state machine shared by both client and server roles.
package tftp

import (
	"encoding/binary"
)

// Opcode identifies one of the six TFTP packet types on the wire.
type Opcode uint16

// Wire opcodes, RFC 1350 §5 plus RFC 2347's OACK.
const (
	OpRRQ   Opcode = 1
	OpWRQ   Opcode = 2
	OpDATA  Opcode = 3
	OpACK   Opcode = 4
	OpERROR Opcode = 5
	OpOACK  Opcode = 6
)

func (op Opcode) String() string {
	switch op {
	case OpRRQ:
		return "RRQ"
	case OpWRQ:
		return "WRQ"
	case OpDATA:
		return "DATA"
	case OpACK:
		return "ACK"
	case OpERROR:
		return "ERROR"
	case OpOACK:
		return "OACK"
	default:
		return "UNKNOWN"
	}
}

// Transfer modes recognized by the codec. The engine never transforms
// payload bytes for either mode - it is mode-agnostic by design.
const (
	ModeOctet    = "octet"
	ModeNetASCII = "netascii"
)

// Packet is the tagged-variant interface implemented by all six packet
// types. Decode returns a concrete type satisfying this interface; Encode
// accepts any of them.
type Packet interface {
	Opcode() Opcode
}

// RequestPacket is an RRQ or WRQ: a client's request to read or write a
// file, carrying the optional RFC 2347 options segment.
type RequestPacket struct {
	Op       Opcode // OpRRQ or OpWRQ
	Filename string
	Mode     string
	Options  Options
}

func (p *RequestPacket) Opcode() Opcode { return p.Op }

// DataPacket carries up to the negotiated block size of payload for one block.
type DataPacket struct {
	Block   uint16
	Payload []byte
}

func (p *DataPacket) Opcode() Opcode { return OpDATA }

// AckPacket acknowledges receipt of the given block (0 acknowledges OACK).
type AckPacket struct {
	Block uint16
}

func (p *AckPacket) Opcode() Opcode { return OpACK }

// ErrorPacket is fire-and-forget; it terminates whichever side receives it.
type ErrorPacket struct {
	Code    uint16
	Message string
}

func (p *ErrorPacket) Opcode() Opcode { return OpERROR }

// OackPacket confirms the subset of requested options the receiver accepted.
type OackPacket struct {
	Options Options
}

func (p *OackPacket) Opcode() Opcode { return OpOACK }

// MaxDatagramSize returns the largest datagram the wire format can produce
// for the given negotiated block size: a 4-byte DATA header plus payload.
func MaxDatagramSize(blockSize uint16) int {
	return 4 + int(blockSize)
}

// Encode serializes p into its RFC 1350/2347 wire form. maxLen bounds the
// output (typically 4+blksize); Encode fails with errBufferTooSmall if the
// packet would not fit, per the codec's buffer-overflow invariant.
func Encode(p Packet, maxLen int) ([]byte, error) {
	switch pkt := p.(type) {
	case *RequestPacket:
		return encodeRequest(pkt, maxLen)
	case *DataPacket:
		return encodeData(pkt, maxLen)
	case *AckPacket:
		return encodeAck(maxLen, pkt)
	case *ErrorPacket:
		return encodeError(pkt, maxLen)
	case *OackPacket:
		return encodeOack(pkt, maxLen)
	default:
		return nil, errInvalidPacket
	}
}

func encodeRequest(p *RequestPacket, maxLen int) ([]byte, error) {
	buf := make([]byte, 2, maxLen)
	binary.BigEndian.PutUint16(buf, uint16(p.Op))
	buf = appendCString(buf, p.Filename)
	buf = appendCString(buf, p.Mode)
	if len(buf) > maxLen {
		return nil, errBufferTooSmall
	}
	return buildOptionsSegment(buf, p.Options, maxLen)
}

func encodeData(p *DataPacket, maxLen int) ([]byte, error) {
	if 4+len(p.Payload) > maxLen {
		return nil, errBufferTooSmall
	}
	buf := make([]byte, 4+len(p.Payload))
	binary.BigEndian.PutUint16(buf[0:2], uint16(OpDATA))
	binary.BigEndian.PutUint16(buf[2:4], p.Block)
	copy(buf[4:], p.Payload)
	return buf, nil
}

func encodeAck(maxLen int, p *AckPacket) ([]byte, error) {
	if maxLen < 4 {
		return nil, errBufferTooSmall
	}
	buf := make([]byte, 4)
	binary.BigEndian.PutUint16(buf[0:2], uint16(OpACK))
	binary.BigEndian.PutUint16(buf[2:4], p.Block)
	return buf, nil
}

func encodeError(p *ErrorPacket, maxLen int) ([]byte, error) {
	buf := make([]byte, 4, maxLen)
	binary.BigEndian.PutUint16(buf[0:2], uint16(OpERROR))
	binary.BigEndian.PutUint16(buf[2:4], p.Code)
	buf = appendCString(buf, p.Message)
	if len(buf) > maxLen {
		return nil, errBufferTooSmall
	}
	return buf, nil
}

func encodeOack(p *OackPacket, maxLen int) ([]byte, error) {
	buf := make([]byte, 2, maxLen)
	binary.BigEndian.PutUint16(buf, uint16(OpOACK))
	return buildOptionsSegment(buf, p.Options, maxLen)
}

func appendCString(buf []byte, s string) []byte {
	buf = append(buf, s...)
	return append(buf, 0)
}

// Decode parses a single received datagram into its Packet variant.
// Malformed or truncated input, or an unrecognized opcode, yields
// errInvalidPacket.
func Decode(data []byte) (Packet, error) {
	if len(data) < 2 {
		return nil, errInvalidPacket
	}
	op := Opcode(binary.BigEndian.Uint16(data[0:2]))
	body := data[2:]
	switch op {
	case OpRRQ, OpWRQ:
		return decodeRequest(op, body)
	case OpDATA:
		return decodeData(body)
	case OpACK:
		return decodeAck(body)
	case OpERROR:
		return decodeError(body)
	case OpOACK:
		return &OackPacket{Options: parseOptions(body)}, nil
	default:
		return nil, errInvalidPacket
	}
}

func decodeRequest(op Opcode, body []byte) (*RequestPacket, error) {
	nameEnd := indexByte(body, 0)
	if nameEnd < 0 {
		return nil, errInvalidPacket
	}
	filename := string(body[:nameEnd])
	rest := body[nameEnd+1:]

	modeEnd := indexByte(rest, 0)
	if modeEnd < 0 {
		return nil, errInvalidPacket
	}
	mode := string(rest[:modeEnd])
	rest = rest[modeEnd+1:]

	if filename == "" || mode == "" {
		return nil, errInvalidPacket
	}

	return &RequestPacket{
		Op:       op,
		Filename: filename,
		Mode:     mode,
		Options:  parseOptions(rest),
	}, nil
}

func decodeData(body []byte) (*DataPacket, error) {
	if len(body) < 2 {
		return nil, errInvalidPacket
	}
	p := &DataPacket{Block: binary.BigEndian.Uint16(body[0:2])}
	if len(body) > 2 {
		p.Payload = append([]byte(nil), body[2:]...)
	}
	return p, nil
}

func decodeAck(body []byte) (*AckPacket, error) {
	if len(body) < 2 {
		return nil, errInvalidPacket
	}
	return &AckPacket{Block: binary.BigEndian.Uint16(body[0:2])}, nil
}

func decodeError(body []byte) (*ErrorPacket, error) {
	if len(body) < 2 {
		return nil, errInvalidPacket
	}
	code := binary.BigEndian.Uint16(body[0:2])
	rest := body[2:]
	msgEnd := indexByte(rest, 0)
	msg := string(rest)
	if msgEnd >= 0 {
		msg = string(rest[:msgEnd])
	}
	return &ErrorPacket{Code: code, Message: msg}, nil
}

// IsOctetOrNetASCII reports whether mode is a recognized, ASCII-case-insensitive
// transfer mode. The engine accepts both but never transcodes payload bytes.
func IsOctetOrNetASCII(mode string) bool {
	return equalFoldASCII(mode, ModeOctet) || equalFoldASCII(mode, ModeNetASCII)
}

func equalFoldASCII(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}
