package sf45

import (
	"context"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/banshee-data/rangefinder/internal/lwnx"
	"github.com/banshee-data/rangefinder/internal/serialport"
)

// RegisterTransport performs typed register reads and writes against the
// device. Errors whose Timeout() method reports true are treated as timeouts.
type RegisterTransport interface {
	ReadString(ctx context.Context, id uint8) (string, error)
	ReadUint8(ctx context.Context, id uint8) (uint8, error)
	ReadUint16(ctx context.Context, id uint8) (uint16, error)
	ReadUint32(ctx context.Context, id uint8) (uint32, error)
	ReadFloat32(ctx context.Context, id uint8) (float32, error)
	WriteUint8(ctx context.Context, id uint8, v uint8) error
	WriteUint16(ctx context.Context, id uint8, v uint16) error
	WriteUint32(ctx context.Context, id uint8, v uint32) error
	WriteFloat32(ctx context.Context, id uint8, v float32) error
	// ReadFrame requests one frame of register id.
	ReadFrame(ctx context.Context, id uint8, timeout time.Duration) ([]byte, error)
	// RecvFrame waits for the next unsolicited frame of register id.
	RecvFrame(ctx context.Context, id uint8, timeout time.Duration) ([]byte, error)
}

var _ RegisterTransport = (*lwnx.Transport)(nil)

// Option configures a Session.
type Option func(*Session)

// WithPollTimeout bounds each PollOnce.
func WithPollTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.pollTimeout = d
		}
	}
}

// Session is the single authoritative handle on one SF45 unit. All transport
// calls are serialised by one lock, so concurrent callers never interleave
// request/response exchanges.
type Session struct {
	mu     sync.Mutex
	tr     RegisterTransport
	closed bool

	pollTimeout time.Duration

	identityMu  sync.RWMutex
	identity    UnitIdentity
	hasIdentity bool

	cacheMu     sync.Mutex
	rate        SampleRate
	rateKnown   bool
	fields      OutputFields
	fieldsKnown bool
	streaming   bool

	ctrlMu sync.Mutex
	ctrl   *Controller
}

// NewSession wraps an existing transport.
func NewSession(tr RegisterTransport, opts ...Option) *Session {
	s := &Session{
		tr:          tr,
		pollTimeout: DefaultPollTimeout,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Connect opens the serial port at path and returns a Session speaking LWNX
// over it.
func Connect(path string, portOpts serialport.PortOptions, opts ...Option) (*Session, error) {
	port, err := serialport.Open(path, portOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	return NewSession(lwnx.NewTransport(port, lwnx.Options{}), opts...), nil
}

// Transport returns the underlying register transport.
func (s *Session) Transport() RegisterTransport { return s.tr }

// do runs fn holding the transport lock.
func (s *Session) do(fn func(tr RegisterTransport) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return fn(s.tr)
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close stops an attached Controller, waiting for its worker, then closes the
// transport if it is closable. Further calls are no-ops.
func (s *Session) Close() error {
	s.ctrlMu.Lock()
	ctrl := s.ctrl
	s.ctrlMu.Unlock()
	if ctrl != nil {
		ctrl.Stop()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if c, ok := s.tr.(io.Closer); ok {
		if err := c.Close(); err != nil {
			return fmt.Errorf("failed to close transport: %w", err)
		}
	}
	return nil
}

func (s *Session) attach(c *Controller) error {
	s.ctrlMu.Lock()
	defer s.ctrlMu.Unlock()
	if s.ctrl != nil {
		return fmt.Errorf("%w: session already has a controller", ErrState)
	}
	s.ctrl = c
	return nil
}

// Controller returns the attached controller, if any.
func (s *Session) Controller() *Controller {
	s.ctrlMu.Lock()
	defer s.ctrlMu.Unlock()
	return s.ctrl
}

// RefreshIdentity reads model, hardware version, firmware version and serial
// number. The identity is published only if all four reads succeed.
func (s *Session) RefreshIdentity(ctx context.Context) (UnitIdentity, error) {
	var id UnitIdentity
	err := s.do(func(tr RegisterTransport) error {
		var err error
		if id.Model, err = tr.ReadString(ctx, RegProductName); err != nil {
			return wrapTransport("read model", err)
		}
		if id.HardwareVersion, err = tr.ReadUint32(ctx, RegHardwareVersion); err != nil {
			return wrapTransport("read hardware version", err)
		}
		fw, err := tr.ReadUint32(ctx, RegFirmwareVersion)
		if err != nil {
			return wrapTransport("read firmware version", err)
		}
		id.FirmwareVersion = FirmwareVersion(fw)
		if id.SerialNumber, err = tr.ReadString(ctx, RegSerialNumber); err != nil {
			return wrapTransport("read serial number", err)
		}
		return nil
	})
	if err != nil {
		return UnitIdentity{}, err
	}

	s.identityMu.Lock()
	s.identity = id
	s.hasIdentity = true
	s.identityMu.Unlock()
	return id, nil
}

// Identity returns the last published identity.
func (s *Session) Identity() (UnitIdentity, bool) {
	s.identityMu.RLock()
	defer s.identityMu.RUnlock()
	return s.identity, s.hasIdentity
}

func checkRange(field string, v, lo, hi float64) error {
	if math.IsNaN(v) || v < lo || v > hi {
		return &RangeError{Field: field, Value: v, Min: lo, Max: hi}
	}
	return nil
}

// ScanSpeed reads the scan speed register.
func (s *Session) ScanSpeed(ctx context.Context) (uint16, error) {
	var v uint16
	err := s.do(func(tr RegisterTransport) error {
		var err error
		v, err = tr.ReadUint16(ctx, RegScanSpeed)
		return wrapTransport("read scan speed", err)
	})
	return v, err
}

// SetScanSpeed writes the scan speed, which must be in [5, 2000].
func (s *Session) SetScanSpeed(ctx context.Context, speed int) error {
	if err := checkRange("scan speed", float64(speed), MinScanSpeed, MaxScanSpeed); err != nil {
		return err
	}
	return s.do(func(tr RegisterTransport) error {
		return wrapTransport("write scan speed", tr.WriteUint16(ctx, RegScanSpeed, uint16(speed)))
	})
}

// SampleRate reads the update rate register.
func (s *Session) SampleRate(ctx context.Context) (SampleRate, error) {
	var raw uint8
	err := s.do(func(tr RegisterTransport) error {
		var err error
		raw, err = tr.ReadUint8(ctx, RegSampleRate)
		return wrapTransport("read sample rate", err)
	})
	if err != nil {
		return 0, err
	}
	r, ok := sampleRateFromRegister(raw)
	if !ok {
		return 0, &DecodeError{Reason: fmt.Sprintf("unknown sample rate register value %d", raw)}
	}
	s.cacheRate(r)
	return r, nil
}

// SetSampleRate writes the update rate.
func (s *Session) SetSampleRate(ctx context.Context, r SampleRate) error {
	if !r.Valid() {
		return &RangeError{Field: "sample rate index", Value: float64(r), Min: 0, Max: float64(len(sampleRateHz) - 1)}
	}
	err := s.do(func(tr RegisterTransport) error {
		return wrapTransport("write sample rate", tr.WriteUint8(ctx, RegSampleRate, r.register()))
	})
	if err == nil {
		s.cacheRate(r)
	}
	return err
}

func (s *Session) readAngle(ctx context.Context, id uint8, op string) (float64, error) {
	var v float32
	err := s.do(func(tr RegisterTransport) error {
		var err error
		v, err = tr.ReadFloat32(ctx, id)
		return wrapTransport(op, err)
	})
	return float64(v), err
}

// LowAngle reads the lower scan limit in degrees.
func (s *Session) LowAngle(ctx context.Context) (float64, error) {
	return s.readAngle(ctx, RegScanLowAngle, "read low angle")
}

// SetLowAngle writes the lower scan limit, which must be in [-170, -5].
func (s *Session) SetLowAngle(ctx context.Context, deg float64) error {
	if err := checkRange("low angle", deg, MinLowAngle, MaxLowAngle); err != nil {
		return err
	}
	return s.do(func(tr RegisterTransport) error {
		return wrapTransport("write low angle", tr.WriteFloat32(ctx, RegScanLowAngle, float32(deg)))
	})
}

// HighAngle reads the upper scan limit in degrees.
func (s *Session) HighAngle(ctx context.Context) (float64, error) {
	return s.readAngle(ctx, RegScanHighAngle, "read high angle")
}

// SetHighAngle writes the upper scan limit, which must be in [5, 170].
func (s *Session) SetHighAngle(ctx context.Context, deg float64) error {
	if err := checkRange("high angle", deg, MinHighAngle, MaxHighAngle); err != nil {
		return err
	}
	return s.do(func(tr RegisterTransport) error {
		return wrapTransport("write high angle", tr.WriteFloat32(ctx, RegScanHighAngle, float32(deg)))
	})
}

// Angle reads the fixed scan position used while scanning is disabled.
func (s *Session) Angle(ctx context.Context) (float64, error) {
	return s.readAngle(ctx, RegScanPosition, "read angle")
}

// SetAngle writes the fixed scan position, which must be in [-170, 170].
func (s *Session) SetAngle(ctx context.Context, deg float64) error {
	if err := checkRange("angle", deg, MinFixedAngle, MaxFixedAngle); err != nil {
		return err
	}
	return s.do(func(tr RegisterTransport) error {
		return wrapTransport("write angle", tr.WriteFloat32(ctx, RegScanPosition, float32(deg)))
	})
}

// FieldOfView returns high minus low angle. Both registers are read without
// releasing the transport lock.
func (s *Session) FieldOfView(ctx context.Context) (float64, error) {
	var hi, lo float32
	err := s.do(func(tr RegisterTransport) error {
		var err error
		if hi, err = tr.ReadFloat32(ctx, RegScanHighAngle); err != nil {
			return wrapTransport("read high angle", err)
		}
		if lo, err = tr.ReadFloat32(ctx, RegScanLowAngle); err != nil {
			return wrapTransport("read low angle", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return float64(hi) - float64(lo), nil
}

// SetFieldOfView centres a symmetric scan window of fov degrees, which must be
// in [10, 340]. The high limit is written first. If the low limit write then
// fails the device is left with the new high limit and a *PartialWriteError
// is returned.
func (s *Session) SetFieldOfView(ctx context.Context, fov float64) error {
	if err := checkRange("field of view", fov, MinFieldOfView, MaxFieldOfView); err != nil {
		return err
	}
	half := float32(fov / 2)
	return s.do(func(tr RegisterTransport) error {
		if err := tr.WriteFloat32(ctx, RegScanHighAngle, half); err != nil {
			return wrapTransport("write high angle", err)
		}
		if err := tr.WriteFloat32(ctx, RegScanLowAngle, -half); err != nil {
			return &PartialWriteError{
				Written: []string{"high angle"},
				Failed:  "low angle",
				Err:     wrapTransport("write low angle", err),
			}
		}
		return nil
	})
}

// OutputFields reads the distance output bitmap.
func (s *Session) OutputFields(ctx context.Context) (OutputFields, error) {
	var raw uint32
	err := s.do(func(tr RegisterTransport) error {
		var err error
		raw, err = tr.ReadUint32(ctx, RegOutputFields)
		return wrapTransport("read output fields", err)
	})
	if err != nil {
		return 0, err
	}
	f := OutputFields(raw)
	if f.Valid() {
		s.cacheFields(f)
	}
	return f, nil
}

// SetOutputFields writes the distance output bitmap. Bits above 8 are
// rejected.
func (s *Session) SetOutputFields(ctx context.Context, f OutputFields) error {
	if !f.Valid() {
		return &RangeError{Field: "output fields", Value: float64(f), Detail: fmt.Sprintf("bitmap %#x", uint32(OutputFieldsAll))}
	}
	err := s.do(func(tr RegisterTransport) error {
		return wrapTransport("write output fields", tr.WriteUint32(ctx, RegOutputFields, uint32(f)))
	})
	if err == nil {
		s.cacheFields(f)
	}
	return err
}

// EnableScanning starts or stops the scan motor sweep.
func (s *Session) EnableScanning(ctx context.Context, on bool) error {
	var v uint8
	if on {
		v = 1
	}
	return s.do(func(tr RegisterTransport) error {
		return wrapTransport("write scan enable", tr.WriteUint8(ctx, RegScanEnable, v))
	})
}

// EnableStream turns unsolicited distance frames on or off. While on, PollOnce
// waits for pushed frames instead of requesting them.
func (s *Session) EnableStream(ctx context.Context, on bool) error {
	v := streamOff
	if on {
		v = streamDistance
	}
	err := s.do(func(tr RegisterTransport) error {
		return wrapTransport("write stream", tr.WriteUint32(ctx, RegStream, v))
	})
	if err == nil {
		s.cacheMu.Lock()
		s.streaming = on
		s.cacheMu.Unlock()
	}
	return err
}

// PollOnce obtains one distance sample, bounded by the poll timeout.
func (s *Session) PollOnce(ctx context.Context) (PointSample, error) {
	streaming := s.Streaming()
	var frame []byte
	err := s.do(func(tr RegisterTransport) error {
		var err error
		if streaming {
			frame, err = tr.RecvFrame(ctx, RegDistanceOutput, s.pollTimeout)
		} else {
			frame, err = tr.ReadFrame(ctx, RegDistanceOutput, s.pollTimeout)
		}
		return wrapTransport("poll distance", err)
	})
	if err != nil {
		return PointSample{}, err
	}
	return DecodeFields(frame, s.decodeFields())
}

// Streaming reports whether this session enabled device streaming.
func (s *Session) Streaming() bool {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	return s.streaming
}

// CachedSampleRate returns the last sample rate read or written.
func (s *Session) CachedSampleRate() (SampleRate, bool) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	return s.rate, s.rateKnown
}

// CachedOutputFields returns the last output bitmap read or written.
func (s *Session) CachedOutputFields() (OutputFields, bool) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	return s.fields, s.fieldsKnown
}

func (s *Session) decodeFields() OutputFields {
	if f, ok := s.CachedOutputFields(); ok {
		return f
	}
	return OutputFieldsAll
}

func (s *Session) cacheRate(r SampleRate) {
	s.cacheMu.Lock()
	s.rate, s.rateKnown = r, true
	s.cacheMu.Unlock()
}

func (s *Session) cacheFields(f OutputFields) {
	s.cacheMu.Lock()
	s.fields, s.fieldsKnown = f, true
	s.cacheMu.Unlock()
}
