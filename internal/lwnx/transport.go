package lwnx

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/banshee-data/rangefinder/internal/serialport"
)

type timeoutError struct{}

func (timeoutError) Error() string   { return "lwnx: response timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

var (
	// ErrTimeout is returned when no matching response arrives in time. It
	// reports Timeout() == true.
	ErrTimeout error = timeoutError{}

	// ErrClosed is returned by every call after Close, and when the port
	// reports end of stream.
	ErrClosed = errors.New("lwnx: transport closed")

	// ErrShortResponse is returned when a response carries fewer data bytes
	// than the requested type needs.
	ErrShortResponse = errors.New("lwnx: response too short")
)

const (
	// DefaultTimeout bounds a single request/response round trip.
	DefaultTimeout = time.Second

	// StringSize is the fixed width of string registers.
	StringSize = 16

	readSlice = 50 * time.Millisecond
)

// Options tunes a Transport.
type Options struct {
	// Timeout applies to register reads and writes. Zero means DefaultTimeout.
	Timeout time.Duration
	// Retries is the number of extra attempts after a timed out request.
	Retries int
}

// Stats counts protocol level anomalies seen on the link.
type Stats struct {
	CRCErrors  int
	Unexpected int
}

// Transport runs LWNX request/response exchanges over a serial port. Only one
// exchange is in flight at a time; concurrent callers queue on an internal
// mutex.
type Transport struct {
	mu     sync.Mutex
	port   serialport.SerialPorter
	opts   Options
	parser Parser
	inbox  []Packet
	buf    []byte
	stats  Stats
	closed bool
}

// NewTransport wraps port. The transport owns the port from here on.
func NewTransport(port serialport.SerialPorter, opts Options) *Transport {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	return &Transport{
		port: port,
		opts: opts,
		buf:  make([]byte, 512),
	}
}

// Request sends a command and waits for the response with the same command id.
// Responses to other commands received meanwhile are discarded.
func (t *Transport) Request(ctx context.Context, cmd uint8, data []byte, write bool, timeout time.Duration) (Packet, error) {
	frame, err := Encode(cmd, data, write)
	if err != nil {
		return Packet{}, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return Packet{}, ErrClosed
	}

	attempts := 1 + t.opts.Retries
	for i := 0; ; i++ {
		if _, err := t.port.Write(frame); err != nil {
			return Packet{}, fmt.Errorf("lwnx: write command %d: %w", cmd, err)
		}
		pkt, err := t.await(ctx, cmd, timeout)
		if err == nil {
			return pkt, nil
		}
		if !errors.Is(err, ErrTimeout) || i+1 >= attempts {
			return Packet{}, err
		}
	}
}

// Receive waits for an unsolicited packet with the given command id, as pushed
// by the device while streaming.
func (t *Transport) Receive(ctx context.Context, cmd uint8, timeout time.Duration) (Packet, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return Packet{}, ErrClosed
	}
	return t.await(ctx, cmd, timeout)
}

func (t *Transport) await(ctx context.Context, cmd uint8, timeout time.Duration) (Packet, error) {
	deadline := time.Now().Add(timeout)
	timed, canTimeout := t.port.(serialport.TimeoutSerialPorter)

	for {
		for len(t.inbox) > 0 {
			pkt := t.inbox[0]
			t.inbox = t.inbox[1:]
			if pkt.Command() == cmd {
				return pkt, nil
			}
			t.stats.Unexpected++
		}

		if err := ctx.Err(); err != nil {
			return Packet{}, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return Packet{}, fmt.Errorf("command %d: %w", cmd, ErrTimeout)
		}
		if canTimeout {
			if err := timed.SetReadTimeout(min(remaining, readSlice)); err != nil {
				return Packet{}, fmt.Errorf("lwnx: set read timeout: %w", err)
			}
		}

		n, err := t.port.Read(t.buf)
		if n > 0 {
			before := t.parser.CRCErrors
			t.inbox = append(t.inbox, t.parser.Push(t.buf[:n])...)
			t.stats.CRCErrors += t.parser.CRCErrors - before
		}
		if err != nil {
			if isTimeout(err) {
				continue
			}
			if errors.Is(err, io.EOF) {
				return Packet{}, fmt.Errorf("lwnx: read: %w", ErrClosed)
			}
			return Packet{}, fmt.Errorf("lwnx: read: %w", err)
		}
	}
}

func isTimeout(err error) bool {
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}

// Stats returns a snapshot of link anomaly counters.
func (t *Transport) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

// Close closes the underlying port. It waits for an in-flight exchange.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	return t.port.Close()
}

func (t *Transport) read(ctx context.Context, id uint8, size int) ([]byte, error) {
	pkt, err := t.Request(ctx, id, nil, false, t.opts.Timeout)
	if err != nil {
		return nil, err
	}
	data := pkt.Data()
	if len(data) < size {
		return nil, fmt.Errorf("command %d: got %d bytes, want %d: %w", id, len(data), size, ErrShortResponse)
	}
	return data, nil
}

func (t *Transport) write(ctx context.Context, id uint8, data []byte) error {
	_, err := t.Request(ctx, id, data, true, t.opts.Timeout)
	return err
}

// ReadString reads a fixed width string register, trimmed at the first NUL.
func (t *Transport) ReadString(ctx context.Context, id uint8) (string, error) {
	data, err := t.read(ctx, id, 0)
	if err != nil {
		return "", err
	}
	if len(data) > StringSize {
		data = data[:StringSize]
	}
	if i := bytes.IndexByte(data, 0); i >= 0 {
		data = data[:i]
	}
	return string(data), nil
}

func (t *Transport) ReadUint8(ctx context.Context, id uint8) (uint8, error) {
	data, err := t.read(ctx, id, 1)
	if err != nil {
		return 0, err
	}
	return data[0], nil
}

func (t *Transport) ReadUint16(ctx context.Context, id uint8) (uint16, error) {
	data, err := t.read(ctx, id, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(data), nil
}

func (t *Transport) ReadUint32(ctx context.Context, id uint8) (uint32, error) {
	data, err := t.read(ctx, id, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(data), nil
}

func (t *Transport) ReadFloat32(ctx context.Context, id uint8) (float32, error) {
	bits, err := t.ReadUint32(ctx, id)
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(bits), nil
}

func (t *Transport) WriteUint8(ctx context.Context, id uint8, v uint8) error {
	return t.write(ctx, id, []byte{v})
}

func (t *Transport) WriteUint16(ctx context.Context, id uint8, v uint16) error {
	return t.write(ctx, id, binary.LittleEndian.AppendUint16(nil, v))
}

func (t *Transport) WriteUint32(ctx context.Context, id uint8, v uint32) error {
	return t.write(ctx, id, binary.LittleEndian.AppendUint32(nil, v))
}

func (t *Transport) WriteFloat32(ctx context.Context, id uint8, v float32) error {
	return t.WriteUint32(ctx, id, math.Float32bits(v))
}

// ReadFrame requests command id and returns the whole response packet, header
// included, without the CRC.
func (t *Transport) ReadFrame(ctx context.Context, id uint8, timeout time.Duration) ([]byte, error) {
	pkt, err := t.Request(ctx, id, nil, false, timeout)
	if err != nil {
		return nil, err
	}
	return pkt.Raw, nil
}

// RecvFrame waits for the next pushed packet for command id and returns it
// like ReadFrame.
func (t *Transport) RecvFrame(ctx context.Context, id uint8, timeout time.Duration) ([]byte, error) {
	pkt, err := t.Receive(ctx, id, timeout)
	if err != nil {
		return nil, err
	}
	return pkt.Raw, nil
}
