package sf45

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// timeoutErr mimics a transport timeout.
type timeoutErr struct{}

func (timeoutErr) Error() string { return "spy: timeout" }
func (timeoutErr) Timeout() bool { return true }

var errLinkDown = errors.New("spy: link down")

type spyWrite struct {
	ID    uint8
	Value any
}

// spyTransport is an in-memory register file that records every call and
// detects overlapping calls.
type spyTransport struct {
	mu     sync.Mutex
	regs   map[uint8]any
	writes []spyWrite
	calls  int

	readErr  map[uint8]error
	writeErr map[uint8]error

	// frame feeds ReadFrame and RecvFrame; nil behaves like a silent device.
	frame     func(n int) ([]byte, error)
	frameMode []string
	frames    int
	delay     time.Duration

	active     atomic.Int32
	overlapped atomic.Bool
	closed     bool
}

func newSpy() *spyTransport {
	return &spyTransport{
		regs: map[uint8]any{
			RegProductName:     "SF45",
			RegHardwareVersion: uint32(7),
			RegFirmwareVersion: uint32(NewFirmwareVersion(2, 1, 3)),
			RegSerialNumber:    "A1B2C3",
			RegOutputFields:    uint32(OutputFieldsAll),
			RegSampleRate:      uint8(5),
			RegScanSpeed:       uint16(15),
			RegScanLowAngle:    float32(-45),
			RegScanHighAngle:   float32(45),
			RegScanPosition:    float32(0),
		},
		readErr:  map[uint8]error{},
		writeErr: map[uint8]error{},
	}
}

func (s *spyTransport) enter() func() {
	if s.active.Add(1) > 1 {
		s.overlapped.Store(true)
	}
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	return func() { s.active.Add(-1) }
}

func (s *spyTransport) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *spyTransport) Writes() []spyWrite {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]spyWrite(nil), s.writes...)
}

func (s *spyTransport) read(ctx context.Context, id uint8) (any, error) {
	defer s.enter()()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.readErr[id]; err != nil {
		return nil, err
	}
	v, ok := s.regs[id]
	if !ok {
		return nil, fmt.Errorf("spy: no register %d", id)
	}
	return v, nil
}

func (s *spyTransport) write(ctx context.Context, id uint8, v any) error {
	defer s.enter()()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.writeErr[id]; err != nil {
		return err
	}
	s.regs[id] = v
	s.writes = append(s.writes, spyWrite{ID: id, Value: v})
	return nil
}

func (s *spyTransport) ReadString(ctx context.Context, id uint8) (string, error) {
	v, err := s.read(ctx, id)
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (s *spyTransport) ReadUint8(ctx context.Context, id uint8) (uint8, error) {
	v, err := s.read(ctx, id)
	if err != nil {
		return 0, err
	}
	return v.(uint8), nil
}

func (s *spyTransport) ReadUint16(ctx context.Context, id uint8) (uint16, error) {
	v, err := s.read(ctx, id)
	if err != nil {
		return 0, err
	}
	return v.(uint16), nil
}

func (s *spyTransport) ReadUint32(ctx context.Context, id uint8) (uint32, error) {
	v, err := s.read(ctx, id)
	if err != nil {
		return 0, err
	}
	return v.(uint32), nil
}

func (s *spyTransport) ReadFloat32(ctx context.Context, id uint8) (float32, error) {
	v, err := s.read(ctx, id)
	if err != nil {
		return 0, err
	}
	return v.(float32), nil
}

func (s *spyTransport) WriteUint8(ctx context.Context, id uint8, v uint8) error {
	return s.write(ctx, id, v)
}

func (s *spyTransport) WriteUint16(ctx context.Context, id uint8, v uint16) error {
	return s.write(ctx, id, v)
}

func (s *spyTransport) WriteUint32(ctx context.Context, id uint8, v uint32) error {
	return s.write(ctx, id, v)
}

func (s *spyTransport) WriteFloat32(ctx context.Context, id uint8, v float32) error {
	return s.write(ctx, id, v)
}

func (s *spyTransport) nextFrame(ctx context.Context, mode string, timeout time.Duration) ([]byte, error) {
	defer s.enter()()
	s.mu.Lock()
	s.calls++
	s.frames++
	n := s.frames
	s.frameMode = append(s.frameMode, mode)
	src := s.frame
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if src == nil {
		// Behave like a silent device: wait out the timeout or the context.
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(timeout):
			return nil, timeoutErr{}
		}
	}
	return src(n)
}

func (s *spyTransport) ReadFrame(ctx context.Context, id uint8, timeout time.Duration) ([]byte, error) {
	return s.nextFrame(ctx, "read", timeout)
}

func (s *spyTransport) RecvFrame(ctx context.Context, id uint8, timeout time.Duration) ([]byte, error) {
	return s.nextFrame(ctx, "recv", timeout)
}

func (s *spyTransport) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// sampleFrame encodes a full frame whose first raw distance is n.
func sampleFrame(n int) []byte {
	return EncodePointSample(nil, PointSample{
		FirstDistRaw: uint16(n),
		Angle:        float64(n%100) - 50,
		Temperature:  25,
	})
}
