package sf45

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRefreshIdentity(t *testing.T) {
	spy := newSpy()
	s := NewSession(spy)

	if _, ok := s.Identity(); ok {
		t.Fatal("identity published before refresh")
	}

	id, err := s.RefreshIdentity(context.Background())
	require.NoError(t, err)

	want := UnitIdentity{
		Model:           "SF45",
		HardwareVersion: 7,
		FirmwareVersion: NewFirmwareVersion(2, 1, 3),
		SerialNumber:    "A1B2C3",
	}
	if diff := cmp.Diff(want, id); diff != "" {
		t.Errorf("identity mismatch (-want +got):\n%s", diff)
	}
	got, ok := s.Identity()
	assert.True(t, ok)
	assert.Equal(t, want, got)
	assert.Equal(t, "2.1.3", got.FirmwareVersion.String())
	assert.Contains(t, got.Header(), "SF45")
}

func TestRefreshIdentity_PartialFailureKeepsPrevious(t *testing.T) {
	spy := newSpy()
	s := NewSession(spy)
	ctx := context.Background()

	first, err := s.RefreshIdentity(ctx)
	require.NoError(t, err)

	spy.regs[RegProductName] = "SF45-NEW"
	spy.readErr[RegSerialNumber] = errLinkDown
	_, err = s.RefreshIdentity(ctx)
	require.ErrorIs(t, err, ErrTransport)

	got, ok := s.Identity()
	assert.True(t, ok)
	assert.Equal(t, first, got, "failed refresh must not publish a partial identity")
}

func TestSetScanSpeed_Domain(t *testing.T) {
	tests := []struct {
		speed int
		ok    bool
	}{
		{math.MinInt32, false},
		{-1, false},
		{0, false},
		{4, false},
		{5, true},
		{15, true},
		{1000, true},
		{2000, true},
		{2001, false},
		{65535, false},
	}
	for _, tt := range tests {
		spy := newSpy()
		s := NewSession(spy)
		err := s.SetScanSpeed(context.Background(), tt.speed)
		if tt.ok {
			if err != nil {
				t.Errorf("SetScanSpeed(%d) = %v, want nil", tt.speed, err)
			}
			if diff := cmp.Diff([]spyWrite{{RegScanSpeed, uint16(tt.speed)}}, spy.Writes()); diff != "" {
				t.Errorf("SetScanSpeed(%d) writes (-want +got):\n%s", tt.speed, diff)
			}
			continue
		}
		var rerr *RangeError
		if !errors.As(err, &rerr) || !errors.Is(err, ErrValidation) {
			t.Errorf("SetScanSpeed(%d) = %v, want RangeError", tt.speed, err)
		}
		if spy.Calls() != 0 {
			t.Errorf("SetScanSpeed(%d) made %d transport calls, want 0", tt.speed, spy.Calls())
		}
	}
}

func TestScanSpeedRead(t *testing.T) {
	s := NewSession(newSpy())
	v, err := s.ScanSpeed(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint16(15), v)
}

func TestSetAngles_Independent(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name  string
		set   func(*Session, float64) error
		reg   uint8
		other uint8
		bad   []float64
		good  []float64
	}{
		{
			name:  "low",
			set:   func(s *Session, v float64) error { return s.SetLowAngle(ctx, v) },
			reg:   RegScanLowAngle,
			other: RegScanHighAngle,
			bad:   []float64{-170.01, -4.99, 0, 5, 90, math.NaN(), math.Inf(-1)},
			good:  []float64{-170, -90, -5},
		},
		{
			name:  "high",
			set:   func(s *Session, v float64) error { return s.SetHighAngle(ctx, v) },
			reg:   RegScanHighAngle,
			other: RegScanLowAngle,
			bad:   []float64{4.99, 170.01, 0, -5, math.NaN(), math.Inf(1)},
			good:  []float64{5, 60.5, 170},
		},
		{
			name:  "fixed",
			set:   func(s *Session, v float64) error { return s.SetAngle(ctx, v) },
			reg:   RegScanPosition,
			other: RegScanLowAngle,
			bad:   []float64{-170.5, 170.5, math.NaN()},
			good:  []float64{-170, 0, 170},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, v := range tt.bad {
				spy := newSpy()
				before := spy.regs[tt.other]
				err := tt.set(NewSession(spy), v)
				assert.ErrorIs(t, err, ErrValidation, "value %v", v)
				assert.Zero(t, spy.Calls(), "value %v reached the transport", v)
				assert.Equal(t, before, spy.regs[tt.other])
			}
			for _, v := range tt.good {
				spy := newSpy()
				before := spy.regs[tt.other]
				require.NoError(t, tt.set(NewSession(spy), v), "value %v", v)
				assert.Equal(t, []spyWrite{{tt.reg, float32(v)}}, spy.Writes())
				assert.Equal(t, before, spy.regs[tt.other])
			}
		})
	}
}

func TestAngleReads(t *testing.T) {
	s := NewSession(newSpy())
	ctx := context.Background()

	lo, err := s.LowAngle(ctx)
	require.NoError(t, err)
	hi, err := s.HighAngle(ctx)
	require.NoError(t, err)
	pos, err := s.Angle(ctx)
	require.NoError(t, err)
	assert.Equal(t, -45.0, lo)
	assert.Equal(t, 45.0, hi)
	assert.Equal(t, 0.0, pos)
}

func TestSetFieldOfView_RoundTrip(t *testing.T) {
	ctx := context.Background()
	for _, fov := range []float64{10, 33.3, 100, 179.9, 250, 340} {
		spy := newSpy()
		s := NewSession(spy)
		require.NoError(t, s.SetFieldOfView(ctx, fov))

		w := spy.Writes()
		require.Len(t, w, 2)
		assert.Equal(t, RegScanHighAngle, w[0].ID, "high angle is written first")
		assert.Equal(t, RegScanLowAngle, w[1].ID)

		hi, err := s.HighAngle(ctx)
		require.NoError(t, err)
		lo, err := s.LowAngle(ctx)
		require.NoError(t, err)
		assert.InDelta(t, fov, hi-lo, 1e-4)

		got, err := s.FieldOfView(ctx)
		require.NoError(t, err)
		assert.InDelta(t, fov, got, 1e-4)
	}
}

func TestSetFieldOfView_RejectsWithoutWrites(t *testing.T) {
	for _, fov := range []float64{-10, 0, 9.99, 340.01, 360, math.NaN()} {
		spy := newSpy()
		err := NewSession(spy).SetFieldOfView(context.Background(), fov)
		assert.ErrorIs(t, err, ErrValidation, "fov %v", fov)
		assert.Zero(t, spy.Calls(), "fov %v", fov)
	}
}

func TestSetFieldOfView_FirstWriteFails(t *testing.T) {
	spy := newSpy()
	spy.writeErr[RegScanHighAngle] = errLinkDown
	err := NewSession(spy).SetFieldOfView(context.Background(), 100)

	assert.ErrorIs(t, err, ErrTransport)
	assert.NotErrorIs(t, err, ErrPartialWrite)
	assert.Empty(t, spy.Writes())
}

func TestSetFieldOfView_SecondWriteFails(t *testing.T) {
	spy := newSpy()
	spy.writeErr[RegScanLowAngle] = timeoutErr{}
	err := NewSession(spy).SetFieldOfView(context.Background(), 100)

	var pw *PartialWriteError
	require.ErrorAs(t, err, &pw)
	assert.ErrorIs(t, err, ErrPartialWrite)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, []string{"high angle"}, pw.Written)
	assert.Equal(t, "low angle", pw.Failed)
	assert.Equal(t, float32(50), spy.regs[RegScanHighAngle])
	assert.Equal(t, float32(-45), spy.regs[RegScanLowAngle])
}

func TestFieldOfView_HoldsLockAcrossBothWrites(t *testing.T) {
	spy := newSpy()
	spy.delay = 2 * time.Millisecond
	s := NewSession(spy)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			s.SetFieldOfView(ctx, 100)
		}()
		go func() {
			defer wg.Done()
			s.SetScanSpeed(ctx, 20)
		}()
	}
	wg.Wait()

	assert.False(t, spy.overlapped.Load(), "transport calls overlapped")
	w := spy.Writes()
	for i, wr := range w {
		if wr.ID == RegScanHighAngle {
			require.Less(t, i+1, len(w))
			assert.Equal(t, RegScanLowAngle, w[i+1].ID, "write %d interleaved", i+1)
		}
	}
}

func TestSetOutputFields(t *testing.T) {
	t.Run("bit 9 rejected", func(t *testing.T) {
		spy := newSpy()
		err := NewSession(spy).SetOutputFields(context.Background(), 0x2FF)
		assert.ErrorIs(t, err, ErrValidation)
		assert.Zero(t, spy.Calls())
	})
	t.Run("all bits one write", func(t *testing.T) {
		spy := newSpy()
		s := NewSession(spy)
		require.NoError(t, s.SetOutputFields(context.Background(), 0x1FF))
		assert.Equal(t, []spyWrite{{RegOutputFields, uint32(0x1FF)}}, spy.Writes())
		f, ok := s.CachedOutputFields()
		assert.True(t, ok)
		assert.Equal(t, OutputFieldsAll, f)
	})
	t.Run("read", func(t *testing.T) {
		spy := newSpy()
		spy.regs[RegOutputFields] = uint32(FieldFirstRaw | FieldAngle)
		f, err := NewSession(spy).OutputFields(context.Background())
		require.NoError(t, err)
		assert.Equal(t, FieldFirstRaw|FieldAngle, f)
	})
}

func TestSession_SampleRate(t *testing.T) {
	ctx := context.Background()
	spy := newSpy()
	s := NewSession(spy)

	r, err := s.SampleRate(ctx)
	require.NoError(t, err)
	assert.Equal(t, Rate500Hz, r, "register value 5 is the fifth table entry")

	require.NoError(t, s.SetSampleRate(ctx, Rate5000Hz))
	assert.Equal(t, []spyWrite{{RegSampleRate, uint8(12)}}, spy.Writes())
	cached, ok := s.CachedSampleRate()
	assert.True(t, ok)
	assert.Equal(t, Rate5000Hz, cached)

	assert.ErrorIs(t, s.SetSampleRate(ctx, SampleRate(12)), ErrValidation)
	assert.Len(t, spy.Writes(), 1)

	for _, raw := range []uint8{0, 13, 255} {
		spy.regs[RegSampleRate] = raw
		_, err := s.SampleRate(ctx)
		assert.ErrorIs(t, err, ErrDecode, "register value %d", raw)
	}
}

func TestEnableScanningAndStream(t *testing.T) {
	ctx := context.Background()
	spy := newSpy()
	s := NewSession(spy)

	require.NoError(t, s.EnableScanning(ctx, true))
	require.NoError(t, s.EnableScanning(ctx, false))
	require.NoError(t, s.EnableStream(ctx, true))
	assert.True(t, s.Streaming())
	require.NoError(t, s.EnableStream(ctx, false))
	assert.False(t, s.Streaming())

	want := []spyWrite{
		{RegScanEnable, uint8(1)},
		{RegScanEnable, uint8(0)},
		{RegStream, uint32(5)},
		{RegStream, uint32(0)},
	}
	if diff := cmp.Diff(want, spy.Writes()); diff != "" {
		t.Errorf("writes (-want +got):\n%s", diff)
	}
}

func TestEnableStream_FailureKeepsMode(t *testing.T) {
	spy := newSpy()
	spy.writeErr[RegStream] = errLinkDown
	s := NewSession(spy)
	assert.Error(t, s.EnableStream(context.Background(), true))
	assert.False(t, s.Streaming())
}

func TestPollOnce(t *testing.T) {
	spy := newSpy()
	spy.frame = func(n int) ([]byte, error) { return sampleFrame(100 + n), nil }
	s := NewSession(spy)
	ctx := context.Background()

	got, err := s.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint16(101), got.FirstDistRaw)
	assert.Equal(t, 25.0, got.Temperature)

	require.NoError(t, s.EnableStream(ctx, true))
	_, err = s.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"read", "recv"}, spy.frameMode)
}

func TestPollOnce_Errors(t *testing.T) {
	tests := []struct {
		name  string
		frame func(int) ([]byte, error)
		want  error
		fatal bool
	}{
		{"timeout", func(int) ([]byte, error) { return nil, timeoutErr{} }, ErrTimeout, false},
		{"deadline", func(int) ([]byte, error) { return nil, context.DeadlineExceeded }, ErrTimeout, false},
		{"short", func(int) ([]byte, error) { return make([]byte, 21), nil }, ErrDecode, false},
		{"link", func(int) ([]byte, error) { return nil, errLinkDown }, ErrTransport, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spy := newSpy()
			spy.frame = tt.frame
			got, err := NewSession(spy).PollOnce(context.Background())
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, tt.fatal, IsFatal(err))
			assert.Equal(t, PointSample{}, got)
		})
	}
}

func TestPollOnce_SilentDeviceTimesOut(t *testing.T) {
	s := NewSession(newSpy(), WithPollTimeout(20*time.Millisecond))
	start := time.Now()
	_, err := s.PollOnce(context.Background())
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestPollOnce_PackedFields(t *testing.T) {
	spy := newSpy()
	spy.regs[RegOutputFields] = uint32(FieldFirstRaw | FieldAngle)
	spy.frame = func(int) ([]byte, error) {
		return []byte{0, 0, 0, 0, 0x2C, 0x01, 0x18, 0xFC}, nil
	}
	s := NewSession(spy)
	ctx := context.Background()
	_, err := s.OutputFields(ctx)
	require.NoError(t, err)

	got, err := s.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint16(300), got.FirstDistRaw)
	assert.Equal(t, -10.0, got.Angle)
	assert.Equal(t, FieldFirstRaw|FieldAngle, got.Fields)
}

func TestPollOnce_CanceledContext(t *testing.T) {
	spy := newSpy()
	spy.frame = func(int) ([]byte, error) { return sampleFrame(1), nil }
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewSession(spy).PollOnce(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, IsFatal(err))
}

func TestSession_Close(t *testing.T) {
	spy := newSpy()
	s := NewSession(spy)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.True(t, spy.closed)
	assert.True(t, s.Closed())

	calls := spy.Calls()
	assert.ErrorIs(t, s.SetScanSpeed(context.Background(), 20), ErrClosed)
	_, err := s.PollOnce(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.True(t, IsFatal(err))
	assert.Equal(t, calls, spy.Calls())
}
