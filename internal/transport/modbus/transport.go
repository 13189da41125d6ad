// Package modbus implements a minimal Modbus RTU master over a single
// serial port: function codes 0x01 (read coils), 0x05 (write single coil),
// and 0x0F (write multiple coils), with CRC-16 framing and a serialized
// per-port dispatcher enforcing the inter-frame idle gap.
package modbus

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/lockergw/gateway/internal/log"
	"github.com/tarm/serial"
)

const (
	funcReadCoils         = 0x01
	funcWriteSingleCoil   = 0x05
	funcWriteMultipleCoils = 0x0F

	coilOn  = 0xFF00
	coilOff = 0x0000

	// minInterFrameIdle is the minimum silence enforced on the wire between
	// frames. The protocol requires >= 3.5 character times (~4ms at 9600
	// baud); 50ms is used to stay safe across USB-serial adapter latency.
	minInterFrameIdle = 50 * time.Millisecond
)

// Port is the minimal serial port contract the transport depends on,
// satisfied by *serial.Port. Tests substitute an in-memory fake.
type Port interface {
	io.ReadWriteCloser
}

// Config configures the serial line and default timeouts.
type Config struct {
	Device      string
	BaudRate    int
	ReadTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Device:      "/dev/ttyUSB0",
		BaudRate:    9600,
		ReadTimeout: 2 * time.Second,
	}
}

// Transport owns one serial port and serializes all requests through a
// single dispatcher goroutine-free mutex: callers block until their frame
// has been sent, the reply read (or timed out), and the inter-frame idle
// has elapsed.
type Transport struct {
	mu   sync.Mutex
	port Port
	cfg  Config

	consecutiveFailures int
	lastFrameAt         time.Time
}

// Open opens the configured serial port using github.com/tarm/serial.
func Open(cfg Config) (*Transport, error) {
	sc := &serial.Config{
		Name:        cfg.Device,
		Baud:        cfg.BaudRate,
		ReadTimeout: cfg.ReadTimeout,
	}
	p, err := serial.OpenPort(sc)
	if err != nil {
		return nil, fmt.Errorf("modbus: open %s: %w", cfg.Device, err)
	}
	return NewWithPort(p, cfg), nil
}

// NewWithPort builds a Transport around an already-open Port, used by tests
// and by Open.
func NewWithPort(p Port, cfg Config) *Transport {
	return &Transport{port: p, cfg: cfg}
}

func (t *Transport) Close() error {
	return t.port.Close()
}

// ConnectionLost reports whether the last three consecutive requests all
// failed. The transport still accepts new requests in this state; they are
// sent as usual and wait out their full timeout (there is no fail-fast
// path), and the next success clears the counter.
func (t *Transport) ConnectionLost() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.consecutiveFailures >= 3
}

// WriteSingleCoil sends function 0x05 to set one coil on slave on or off.
func (t *Transport) WriteSingleCoil(ctx context.Context, slave, coil int, on bool, timeout time.Duration) error {
	value := coilOff
	if on {
		value = coilOn
	}
	req := []byte{
		byte(slave),
		funcWriteSingleCoil,
		byte(coil >> 8), byte(coil),
		byte(value >> 8), byte(value),
	}
	_, err := t.roundTrip(ctx, req, 8, timeout)
	return err
}

// WriteMultipleCoils sends function 0x0F, used for emergency all-off/on.
func (t *Transport) WriteMultipleCoils(ctx context.Context, slave, firstCoil int, bits []bool, timeout time.Duration) error {
	byteCount := (len(bits) + 7) / 8
	payload := make([]byte, byteCount)
	for i, b := range bits {
		if b {
			payload[i/8] |= 1 << uint(i%8)
		}
	}

	req := make([]byte, 0, 7+byteCount)
	req = append(req,
		byte(slave),
		funcWriteMultipleCoils,
		byte(firstCoil>>8), byte(firstCoil),
		byte(len(bits)>>8), byte(len(bits)),
		byte(byteCount),
	)
	req = append(req, payload...)

	_, err := t.roundTrip(ctx, req, 8, timeout)
	return err
}

// ReadCoils sends function 0x01 and returns the requested coil states.
func (t *Transport) ReadCoils(ctx context.Context, slave, firstCoil, count int, timeout time.Duration) ([]bool, error) {
	req := []byte{
		byte(slave),
		funcReadCoils,
		byte(firstCoil >> 8), byte(firstCoil),
		byte(count >> 8), byte(count),
	}
	byteCount := (count + 7) / 8
	expectedLen := 3 + byteCount + 2

	reply, err := t.roundTrip(ctx, req, expectedLen, timeout)
	if err != nil {
		return nil, err
	}

	data := reply[3 : 3+byteCount]
	out := make([]bool, count)
	for i := 0; i < count; i++ {
		out[i] = data[i/8]&(1<<uint(i%8)) != 0
	}
	return out, nil
}

// roundTrip serializes one request/reply exchange: enforce the inter-frame
// idle, write the CRC-framed request, read the reply, validate it, and
// update the consecutive-failure counter.
func (t *Transport) roundTrip(ctx context.Context, payload []byte, expectedLen int, timeout time.Duration) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.waitInterFrameIdleLocked()

	if timeout <= 0 {
		timeout = t.cfg.ReadTimeout
	}

	frame := appendCRC(append([]byte(nil), payload...))

	reply, err := t.exchangeLocked(ctx, frame, expectedLen, timeout)
	t.lastFrameAt = time.Now()

	if err != nil {
		t.consecutiveFailures++
		if t.consecutiveFailures == 3 {
			log.L().Error().Str("component", "modbus_transport").Msg("connection lost: 3 consecutive failures")
		}
		return nil, err
	}

	t.consecutiveFailures = 0
	return reply, nil
}

func (t *Transport) waitInterFrameIdleLocked() {
	if t.lastFrameAt.IsZero() {
		return
	}
	elapsed := time.Since(t.lastFrameAt)
	if elapsed < minInterFrameIdle {
		time.Sleep(minInterFrameIdle - elapsed)
	}
}

func (t *Transport) exchangeLocked(ctx context.Context, frame []byte, expectedLen int, timeout time.Duration) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if _, err := t.port.Write(frame); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBusError, err)
	}

	type result struct {
		buf []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		buf := make([]byte, expectedLen)
		// Read the 3-byte header first: an exception reply (function code
		// with the high bit set) is only 5 bytes long.
		n, err := io.ReadFull(t.port, buf[:3])
		if err == nil {
			if buf[1]&0x80 != 0 {
				buf = buf[:5]
			}
			var m int
			m, err = io.ReadFull(t.port, buf[3:])
			n += m
		}
		done <- result{buf: buf[:n], err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(timeout):
		return nil, ErrTimeout
	case res := <-done:
		if res.err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTimeout, res.err)
		}
		return t.validateReply(res.buf)
	}
}

func (t *Transport) validateReply(reply []byte) ([]byte, error) {
	if len(reply) < 3 {
		return nil, ErrShortFrame
	}
	if !verifyCRC(reply) {
		return nil, ErrCRCMismatch
	}
	function := reply[1]
	if function&0x80 != 0 {
		code := 0
		if len(reply) >= 3 {
			code = int(reply[2])
		}
		return nil, &ExceptionError{Function: int(function & 0x7F), Code: code}
	}
	return reply, nil
}
