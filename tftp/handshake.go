package tftp

import "context"

// clientNegotiateRead drives spec.md §4.3.1 for a client GET: send the RRQ,
// then accept either an OACK (adopt options, ACK(0)) or a bare DATA#1 (the
// server refused negotiation; continue with defaults). Returns done=true if
// the first reply was already the terminal block, in which case n is the
// whole transfer; otherwise n is the bytes consumed so far and the caller
// must continue with runReceiver.
func (s *Session) clientNegotiateRead(ctx context.Context, requestWire []byte, consume Consumer) (done bool, n int64, err error) {
	s.initialRequest = requestWire

	var oackPkt *OackPacket
	var firstData *DataPacket
	accept := func(pkt Packet) (bool, error) {
		switch p := pkt.(type) {
		case *OackPacket:
			oackPkt = p
			return true, nil
		case *DataPacket:
			firstData = p
			return true, nil
		default:
			return false, newProtocolError("unexpected opcode in initial RRQ reply")
		}
	}
	resend := func() error { return s.transport.Send(s.PeerAddr, requestWire) }
	if err := s.exchange(ctx, true, resend, accept); err != nil {
		return false, 0, err
	}

	if oackPkt != nil {
		eff, err := applyServerOack(s.Options, oackPkt.Options)
		if err != nil {
			return false, 0, err
		}
		s.Options = eff
		if err := s.sendAck(0); err != nil {
			return false, 0, err
		}
		s.ExpectedBlock = 1
		return false, 0, nil
	}

	// Server refused negotiation: firstData IS block 1, already in hand.
	s.Options = DefaultEffectiveOptions()
	terminal, bytes, err := s.consumeDataBlock(firstData, consume)
	if err != nil {
		return true, 0, err
	}
	if err := s.sendAck(firstData.Block); err != nil {
		return true, int64(bytes), err
	}
	if terminal {
		return true, int64(bytes), nil
	}
	s.ExpectedBlock = firstData.Block + 1
	return false, int64(bytes), nil
}

// clientNegotiateWrite drives spec.md §4.3.1 for a client PUT: send the
// WRQ, then accept either an OACK (adopt options, ACK(0) per SPEC_FULL.md's
// WRQ-symmetry resolution, then DATA#1 is next) or a bare ACK(0) (server
// refused negotiation).
func (s *Session) clientNegotiateWrite(ctx context.Context, requestWire []byte) error {
	s.initialRequest = requestWire

	var oackPkt *OackPacket
	accept := func(pkt Packet) (bool, error) {
		switch p := pkt.(type) {
		case *OackPacket:
			oackPkt = p
			return true, nil
		case *AckPacket:
			if p.Block != 0 {
				return false, nil // stale, discard
			}
			return true, nil
		default:
			return false, newProtocolError("unexpected opcode in initial WRQ reply")
		}
	}
	resend := func() error { return s.transport.Send(s.PeerAddr, requestWire) }
	if err := s.exchange(ctx, true, resend, accept); err != nil {
		return err
	}

	if oackPkt != nil {
		eff, err := applyServerOack(s.Options, oackPkt.Options)
		if err != nil {
			return err
		}
		s.Options = eff
		if err := s.sendAck(0); err != nil {
			return err
		}
	}
	s.ExpectedBlock = 1
	return nil
}

// serverNegotiateSend drives the server side of an RRQ (role server_reader,
// acting as the network sender): it optionally issues an OACK and, per
// SPEC_FULL.md's resolution, waits for the client's ACK(0) before the
// caller starts runSender.
func (s *Session) serverNegotiateSend(ctx context.Context, requested Options) error {
	accepted, eff := negotiate(s.Options, requested)
	s.Options = eff
	if len(accepted) == 0 {
		s.ExpectedBlock = 1
		return nil
	}
	resend := func() error { return s.sendOack(accepted) }
	accept := func(pkt Packet) (bool, error) {
		ap, ok := pkt.(*AckPacket)
		if !ok {
			return false, newProtocolError("expected ACK(0) after OACK")
		}
		if ap.Block != 0 {
			return false, nil
		}
		return true, nil
	}
	if err := s.exchange(ctx, true, resend, accept); err != nil {
		return err
	}
	s.ExpectedBlock = 1
	return nil
}

// serverNegotiateReceive drives the server side of a WRQ (role
// server_writer, acting as the network receiver): it either ACKs block 0
// immediately (no usable options) or issues an OACK and waits for the
// client's ACK(0) before the caller starts runReceiver.
func (s *Session) serverNegotiateReceive(ctx context.Context, requested Options) error {
	accepted, eff := negotiate(s.Options, requested)
	s.Options = eff
	if len(accepted) == 0 {
		if err := s.sendAck(0); err != nil {
			return err
		}
		s.ExpectedBlock = 1
		return nil
	}
	resend := func() error { return s.sendOack(accepted) }
	accept := func(pkt Packet) (bool, error) {
		ap, ok := pkt.(*AckPacket)
		if !ok {
			return false, newProtocolError("expected ACK(0) after OACK")
		}
		if ap.Block != 0 {
			return false, nil
		}
		return true, nil
	}
	if err := s.exchange(ctx, true, resend, accept); err != nil {
		return err
	}
	s.ExpectedBlock = 1
	return nil
}
