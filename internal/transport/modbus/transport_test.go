package modbus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePort is an in-memory stand-in for a serial.Port. Queue replies with
// queueReply before making a call that expects one.
type fakePort struct {
	writes  [][]byte
	replies chan []byte
	current []byte
}

func newFakePort() *fakePort {
	return &fakePort{replies: make(chan []byte, 4)}
}

func (f *fakePort) queueReply(b []byte) { f.replies <- b }

func (f *fakePort) Write(p []byte) (int, error) {
	f.writes = append(f.writes, append([]byte(nil), p...))
	return len(p), nil
}

func (f *fakePort) Read(p []byte) (int, error) {
	if len(f.current) == 0 {
		f.current = <-f.replies
	}
	n := copy(p, f.current)
	f.current = f.current[n:]
	return n, nil
}

func (f *fakePort) Close() error { return nil }

func replyWriteSingleCoil(slave, coil int, on bool) []byte {
	value := coilOff
	if on {
		value = coilOn
	}
	frame := []byte{byte(slave), funcWriteSingleCoil, byte(coil >> 8), byte(coil), byte(value >> 8), byte(value)}
	return appendCRC(frame)
}

func TestWriteSingleCoil_Success(t *testing.T) {
	port := newFakePort()
	port.queueReply(replyWriteSingleCoil(1, 1, true))

	tr := NewWithPort(port, Config{ReadTimeout: time.Second})
	err := tr.WriteSingleCoil(context.Background(), 1, 1, true, time.Second)
	require.NoError(t, err)
	assert.False(t, tr.ConnectionLost())
}

func TestWriteSingleCoil_CRCMismatch(t *testing.T) {
	port := newFakePort()
	bad := replyWriteSingleCoil(1, 1, true)
	bad[len(bad)-1] ^= 0xFF // corrupt CRC
	port.queueReply(bad)

	tr := NewWithPort(port, Config{ReadTimeout: time.Second})
	err := tr.WriteSingleCoil(context.Background(), 1, 1, true, time.Second)
	require.ErrorIs(t, err, ErrCRCMismatch)
}

func TestWriteSingleCoil_ExceptionCode(t *testing.T) {
	port := newFakePort()
	frame := []byte{1, funcWriteSingleCoil | 0x80, 0x02}
	port.queueReply(appendCRC(frame))

	tr := NewWithPort(port, Config{ReadTimeout: time.Second})
	err := tr.WriteSingleCoil(context.Background(), 1, 1, true, time.Second)
	require.Error(t, err)
	var exc *ExceptionError
	require.ErrorAs(t, err, &exc)
	assert.Equal(t, 2, exc.Code)
}

func TestWriteSingleCoil_Timeout(t *testing.T) {
	port := newFakePort()
	// Reply arrives too late to matter; buffered channel prevents a leak.
	time.AfterFunc(100*time.Millisecond, func() {
		port.queueReply(replyWriteSingleCoil(1, 1, true))
	})

	tr := NewWithPort(port, Config{ReadTimeout: time.Second})
	err := tr.WriteSingleCoil(context.Background(), 1, 1, true, 20*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
}

func TestTransport_ConnectionLostAfterThreeFailures(t *testing.T) {
	port := newFakePort()
	for i := 0; i < 3; i++ {
		time.AfterFunc(500*time.Millisecond, func() {
			port.queueReply(replyWriteSingleCoil(1, 1, true))
		})
	}

	tr := NewWithPort(port, Config{ReadTimeout: time.Second})
	for i := 0; i < 3; i++ {
		err := tr.WriteSingleCoil(context.Background(), 1, 1, true, 5*time.Millisecond)
		require.ErrorIs(t, err, ErrTimeout)
	}
	assert.True(t, tr.ConnectionLost())
}

func TestTransport_SuccessResetsFailureCounter(t *testing.T) {
	port := newFakePort()
	time.AfterFunc(50*time.Millisecond, func() { port.queueReply(replyWriteSingleCoil(1, 1, true)) })

	tr := NewWithPort(port, Config{ReadTimeout: time.Second})
	_ = tr.WriteSingleCoil(context.Background(), 1, 1, true, 5*time.Millisecond) // times out

	port.queueReply(replyWriteSingleCoil(1, 1, true))
	err := tr.WriteSingleCoil(context.Background(), 1, 1, true, time.Second)
	require.NoError(t, err)
	assert.False(t, tr.ConnectionLost())
}

func TestReadCoils_DecodesBits(t *testing.T) {
	port := newFakePort()
	// 3 coils: on, off, on -> byte 0b00000101
	frame := []byte{1, funcReadCoils, 0x01, 0x05}
	port.queueReply(appendCRC(frame))

	tr := NewWithPort(port, Config{ReadTimeout: time.Second})
	bits, err := tr.ReadCoils(context.Background(), 1, 1, 3, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []bool{true, false, true}, bits)
}

func TestCRC16_RoundTrip(t *testing.T) {
	frame := []byte{0x01, 0x05, 0x00, 0x01, 0xFF, 0x00}
	framed := appendCRC(append([]byte(nil), frame...))
	assert.True(t, verifyCRC(framed))

	framed[0] ^= 0xFF
	assert.False(t, verifyCRC(framed))
}
