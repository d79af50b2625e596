package tftp

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOptions() EffectiveOptions {
	return EffectiveOptions{BlockSize: 8, TimeoutMs: 50}
}

func newTestSessionPair(t *testing.T) (sender, receiver *Session) {
	t.Helper()
	a, b := newFakeTransportPair()
	sender = newSession(RoleClientWriter, b.local, true, a, testOptions(), 3, nil, nil)
	receiver = newSession(RoleServerWriter, a.local, true, b, testOptions(), 3, nil, nil)
	return sender, receiver
}

func TestTransferTerminatesOnShortBlock(t *testing.T) {
	sender, receiver := newTestSessionPair(t)
	payload := []byte("hello") // shorter than block size 8: one block, terminal
	producer := staticProducer(payload)

	var received bytes.Buffer
	consumer := func(p []byte) error {
		received.Write(p)
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	recvDone := make(chan result, 1)
	go func() {
		n, err := receiver.runReceiver(ctx, consumer)
		recvDone <- result{n, err}
	}()

	n, err := sender.runSender(ctx, producer)
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), n)

	r := <-recvDone
	require.NoError(t, r.err)
	assert.Equal(t, int64(len(payload)), r.n)
	assert.Equal(t, payload, received.Bytes())
}

func TestTransferMultipleBlocksExactMultiple(t *testing.T) {
	sender, receiver := newTestSessionPair(t)
	// Exactly one full block (8 bytes) followed by a zero-length terminal block.
	payload := []byte("12345678")
	producer := staticProducer(payload)

	var received bytes.Buffer
	consumer := func(p []byte) error {
		received.Write(p)
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	recvDone := make(chan result, 1)
	go func() {
		n, err := receiver.runReceiver(ctx, consumer)
		recvDone <- result{n, err}
	}()

	n, err := sender.runSender(ctx, producer)
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), n)

	r := <-recvDone
	require.NoError(t, r.err)
	assert.Equal(t, payload, received.Bytes())
}

func TestReceiverResendsAckOnDuplicateData(t *testing.T) {
	a, b := newFakeTransportPair()
	receiver := newSession(RoleServerWriter, a.local, true, b, testOptions(), 3, nil, nil)

	var consumeCount int
	consumer := func(p []byte) error {
		consumeCount++
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	recvDone := make(chan result, 1)
	go func() {
		n, err := receiver.runReceiver(ctx, consumer)
		recvDone <- result{n, err}
	}()

	// Simulate sender: send a full (non-terminal) block 1, see the ACK, then
	// resend block 1 again (as if the ACK was lost in flight) and confirm a
	// fresh ACK(1) arrives without the payload being consumed twice. Finally
	// send the terminal block 2 to let the receiver return.
	dp1, err := Encode(&DataPacket{Block: 1, Payload: []byte("12345678")}, MaxDatagramSize(8))
	require.NoError(t, err)
	require.NoError(t, a.Send(b.local, dp1))

	ackWire, _, err := recvFrom(t, a, time.Second)
	require.NoError(t, err)
	ackPkt, err := Decode(ackWire)
	require.NoError(t, err)
	assert.Equal(t, uint16(1), ackPkt.(*AckPacket).Block)

	require.NoError(t, a.Send(b.local, dp1))
	ackWire2, _, err := recvFrom(t, a, time.Second)
	require.NoError(t, err)
	ackPkt2, err := Decode(ackWire2)
	require.NoError(t, err)
	assert.Equal(t, uint16(1), ackPkt2.(*AckPacket).Block)

	dp2, err := Encode(&DataPacket{Block: 2, Payload: []byte("bye")}, MaxDatagramSize(8))
	require.NoError(t, err)
	require.NoError(t, a.Send(b.local, dp2))
	_, _, err = recvFrom(t, a, time.Second) // final ACK(2)
	require.NoError(t, err)

	r := <-recvDone
	require.NoError(t, r.err)
	assert.Equal(t, 2, consumeCount, "block 1 and block 2 each consumed exactly once")
}

func TestSessionRejectsStrayTID(t *testing.T) {
	a, b := newFakeTransportPair()
	receiver := newSession(RoleServerWriter, a.local, true, b, testOptions(), 1, nil, nil)

	stray := &net.UDPAddr{IP: a.local.IP, Port: 54321}
	strayWire, err := Encode(&DataPacket{Block: 1, Payload: []byte("x")}, MaxDatagramSize(8))
	require.NoError(t, err)
	b.inbox <- fakeDatagram{from: stray, data: strayWire}

	var consumed bool
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err = receiver.runReceiver(ctx, func(p []byte) error {
		consumed = true
		return nil
	})
	assert.False(t, consumed)
	assert.Error(t, err) // retry budget exhausted: the stray never satisfies recvFromPeer
}

func TestRunSenderRetransmitsOnLostAck(t *testing.T) {
	a, b := newFakeTransportPair()
	sender := newSession(RoleClientWriter, b.local, true, a, testOptions(), 3, nil, nil)
	payload := []byte("hi")
	producer := staticProducer(payload)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := sender.runSender(ctx, producer)
		done <- err
	}()

	// Drain and drop the first DATA (simulated ACK loss by simply not
	// replying to the first arrival), then reply to the retransmit.
	first, _, err := recvFrom(t, b, time.Second)
	require.NoError(t, err)
	dp, err := Decode(first)
	require.NoError(t, err)
	require.Equal(t, uint16(1), dp.(*DataPacket).Block)

	// Wait for the retransmit of the same block before acking.
	second, _, err := recvFrom(t, b, time.Second)
	require.NoError(t, err)
	dp2, err := Decode(second)
	require.NoError(t, err)
	require.Equal(t, uint16(1), dp2.(*DataPacket).Block)

	ackWire, err := Encode(&AckPacket{Block: 1}, MaxDatagramSize(8))
	require.NoError(t, err)
	require.NoError(t, b.Send(a.local, ackWire))

	require.NoError(t, <-done)
}

type result struct {
	n   int64
	err error
}

func staticProducer(data []byte) Producer {
	offset := 0
	return func(buf []byte) (int, error) {
		n := copy(buf, data[offset:])
		offset += n
		return n, nil
	}
}

func recvFrom(t *testing.T, tr *fakeTransport, timeout time.Duration) ([]byte, *net.UDPAddr, error) {
	t.Helper()
	buf := make([]byte, MaxDatagramSize(MaxBlockSize))
	n, src, err := tr.Recv(buf, timeout)
	if err != nil {
		return nil, nil, err
	}
	return buf[:n], src, nil
}
