// Package emulator simulates an SF45/B on the device end of a serial link. It
// answers LWNX register reads and writes, moves a virtual scan head and pushes
// distance frames while streaming is enabled. Used by tests and --dev.
package emulator

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/banshee-data/rangefinder/internal/lwnx"
	"github.com/banshee-data/rangefinder/internal/monitoring"
	"github.com/banshee-data/rangefinder/internal/serialport"
	"github.com/banshee-data/rangefinder/internal/sf45"
	"github.com/banshee-data/rangefinder/internal/timeutil"
)

// Scene returns the distance in centimetres seen at a yaw angle in degrees.
// Zero means no return.
type Scene func(angle float64) float64

// Wall is a flat surface d centimetres in front of the unit.
func Wall(d float64) Scene {
	return func(angle float64) float64 {
		c := math.Cos(angle * math.Pi / 180)
		if c <= 0 {
			return 0
		}
		return d / c
	}
}

// degreesPerSecondPerSpeed scales the scan speed register to head motion.
const degreesPerSecondPerSpeed = 10

// maxPushRate bounds frame pushes so a fast sample rate cannot overrun the
// host's receive buffer.
const maxPushRate = 1000

// streamDistance is the stream register value that enables distance pushes.
const streamDistance = 5

// Options describe the emulated unit.
type Options struct {
	Model           string
	HardwareVersion uint32
	FirmwareVersion sf45.FirmwareVersion
	SerialNumber    string
	Temperature     float64
	Scene           Scene
	Clock           timeutil.Clock
}

func (o *Options) defaults() {
	if o.Model == "" {
		o.Model = "SF45"
	}
	if o.HardwareVersion == 0 {
		o.HardwareVersion = 1
	}
	if o.FirmwareVersion == 0 {
		o.FirmwareVersion = sf45.NewFirmwareVersion(2, 1, 3)
	}
	if o.SerialNumber == "" {
		o.SerialNumber = "EMU00001"
	}
	if o.Temperature == 0 {
		o.Temperature = 32.5
	}
	if o.Scene == nil {
		o.Scene = Wall(500)
	}
	if o.Clock == nil {
		o.Clock = timeutil.RealClock{}
	}
}

// Device is an emulated SF45/B. Create it with New and drive it with Run.
type Device struct {
	port serialport.SerialPorter
	opts Options

	writeMu sync.Mutex // one packet on the wire at a time

	mu       sync.Mutex
	regs     map[uint8][]byte
	angle    float64
	dir      float64
	moved    time.Time
	silent   map[uint8]int
	requests int
}

// New returns a device answering on port.
func New(port serialport.SerialPorter, opts Options) *Device {
	opts.defaults()
	d := &Device{
		port:   port,
		opts:   opts,
		regs:   make(map[uint8][]byte),
		dir:    1,
		moved:  opts.Clock.Now(),
		silent: make(map[uint8]int),
	}
	d.regs[sf45.RegProductName] = stringReg(opts.Model)
	d.regs[sf45.RegHardwareVersion] = binary.LittleEndian.AppendUint32(nil, opts.HardwareVersion)
	d.regs[sf45.RegFirmwareVersion] = binary.LittleEndian.AppendUint32(nil, uint32(opts.FirmwareVersion))
	d.regs[sf45.RegSerialNumber] = stringReg(opts.SerialNumber)
	d.regs[sf45.RegOutputFields] = binary.LittleEndian.AppendUint32(nil, uint32(sf45.FieldFirstRaw))
	d.regs[sf45.RegStream] = binary.LittleEndian.AppendUint32(nil, 0)
	d.regs[sf45.RegSampleRate] = []byte{1}
	d.regs[sf45.RegScanSpeed] = binary.LittleEndian.AppendUint16(nil, 15)
	d.regs[sf45.RegScanEnable] = []byte{0}
	d.regs[sf45.RegScanPosition] = float32Reg(0)
	d.regs[sf45.RegScanLowAngle] = float32Reg(-45)
	d.regs[sf45.RegScanHighAngle] = float32Reg(45)
	return d
}

// NewLoopback wires a device to one end of an in-memory link and returns the
// host end. The caller still has to Run the device.
func NewLoopback(opts Options) (*Device, *serialport.LoopbackPort) {
	host, dev := serialport.NewLoopback()
	return New(dev, opts), host
}

func stringReg(s string) []byte {
	b := make([]byte, lwnx.StringSize)
	copy(b, s)
	return b
}

func float32Reg(v float32) []byte {
	return binary.LittleEndian.AppendUint32(nil, math.Float32bits(v))
}

// Silence makes the device ignore the next n requests for cmd.
func (d *Device) Silence(cmd uint8, n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.silent[cmd] = n
}

// Requests returns the number of packets received.
func (d *Device) Requests() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.requests
}

// Register returns a copy of the raw register contents.
func (d *Device) Register(id uint8) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]byte(nil), d.regs[id]...)
}

// Run answers requests and pushes frames until ctx ends or the link closes.
func (d *Device) Run(ctx context.Context) error {
	if tp, ok := d.port.(serialport.TimeoutSerialPorter); ok {
		if err := tp.SetReadTimeout(20 * time.Millisecond); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.pushLoop(ctx)
	}()
	defer wg.Wait()

	var parser lwnx.Parser
	buf := make([]byte, 512)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := d.port.Read(buf)
		for _, pkt := range parser.Push(buf[:n]) {
			if err := d.handle(pkt); err != nil {
				return err
			}
		}
		if err != nil {
			if errors.Is(err, serialport.ErrPortClosed) {
				return nil
			}
			return err
		}
	}
}

func (d *Device) handle(pkt lwnx.Packet) error {
	cmd := pkt.Command()

	d.mu.Lock()
	d.requests++
	if d.silent[cmd] > 0 {
		d.silent[cmd]--
		d.mu.Unlock()
		return nil
	}

	var data []byte
	switch {
	case pkt.Write():
		// Settle the head under the old settings before they change.
		d.advanceLocked()
		d.regs[cmd] = append([]byte(nil), pkt.Data()...)
		data = d.regs[cmd]
	case cmd == sf45.RegDistanceOutput:
		data = d.frameLocked()
	default:
		data = d.regs[cmd]
	}
	d.mu.Unlock()

	return d.send(cmd, data)
}

func (d *Device) send(cmd uint8, data []byte) error {
	frame, err := lwnx.Encode(cmd, data, false)
	if err != nil {
		return err
	}
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	_, err = d.port.Write(frame)
	return err
}

func (d *Device) u32Locked(id uint8) uint32 {
	if b := d.regs[id]; len(b) >= 4 {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (d *Device) u16Locked(id uint8) uint16 {
	if b := d.regs[id]; len(b) >= 2 {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

func (d *Device) f32Locked(id uint8) float64 {
	return float64(math.Float32frombits(d.u32Locked(id)))
}

func (d *Device) scanningLocked() bool {
	b := d.regs[sf45.RegScanEnable]
	return len(b) > 0 && b[0] != 0
}

func (d *Device) rateLocked() int {
	b := d.regs[sf45.RegSampleRate]
	rates := sf45.SampleRates()
	if len(b) == 0 || b[0] == 0 || int(b[0]) > len(rates) {
		return rates[0].Hz()
	}
	return rates[b[0]-1].Hz()
}

// advanceLocked moves the head to the current time, bouncing between the low
// and high angles.
func (d *Device) advanceLocked() {
	now := d.opts.Clock.Now()
	dt := now.Sub(d.moved).Seconds()
	d.moved = now
	if !d.scanningLocked() {
		d.angle = d.f32Locked(sf45.RegScanPosition)
		return
	}
	low, high := d.f32Locked(sf45.RegScanLowAngle), d.f32Locked(sf45.RegScanHighAngle)
	if low >= high {
		d.angle = low
		return
	}
	step := float64(d.u16Locked(sf45.RegScanSpeed)) * degreesPerSecondPerSpeed * dt
	d.angle = math.Max(low, math.Min(high, d.angle))
	span := high - low
	step = math.Mod(step, 2*span)
	for step > 0 {
		target := high
		if d.dir < 0 {
			target = low
		}
		room := math.Abs(target - d.angle)
		if step < room {
			d.angle += d.dir * step
			break
		}
		d.angle = target
		d.dir = -d.dir
		step -= room
	}
	d.angle = math.Max(low, math.Min(high, d.angle))
}

func (d *Device) frameLocked() []byte {
	d.advanceLocked()
	dist := d.opts.Scene(d.angle)
	s := sf45.PointSample{
		Noise:       3,
		Temperature: d.opts.Temperature,
		Angle:       d.angle,
	}
	if dist > 0 && dist < math.MaxUint16 {
		cm := uint16(dist + 0.5)
		s.FirstDistRaw, s.FirstDistFiltered, s.FirstStrength = cm, cm, 80
		s.LastDistRaw, s.LastDistFiltered, s.LastStrength = cm, cm, 80
	}
	fields := sf45.OutputFields(d.u32Locked(sf45.RegOutputFields))
	return sf45.EncodeFields(nil, s, fields)[4:]
}

func (d *Device) pushLoop(ctx context.Context) {
	ticker := d.opts.Clock.NewTicker(time.Second / maxPushRate)
	defer ticker.Stop()

	var owed float64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
		}

		d.mu.Lock()
		if d.u32Locked(sf45.RegStream) != streamDistance {
			owed = 0
			d.mu.Unlock()
			continue
		}
		owed += float64(min(d.rateLocked(), maxPushRate)) / maxPushRate
		var frames [][]byte
		for ; owed >= 1; owed-- {
			frames = append(frames, d.frameLocked())
		}
		d.mu.Unlock()

		for _, data := range frames {
			if err := d.send(sf45.RegDistanceOutput, data); err != nil {
				if !errors.Is(err, serialport.ErrPortClosed) {
					monitoring.Logf("emulator: push failed: %v", err)
				}
				return
			}
		}
	}
}
