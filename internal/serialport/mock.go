package serialport

import (
	"bytes"
	"errors"
	"sync"
	"time"
)

// ErrPortClosed is returned by the in-memory ports once closed.
var ErrPortClosed = errors.New("serial port closed")

// TestableSerialPort implements TimeoutSerialPorter with scripted reads and
// captured writes. Reads never block: an empty read buffer yields (0, nil), as
// a real port does when its read timeout expires.
type TestableSerialPort struct {
	mu sync.Mutex

	// ReadBuffer holds data to be returned by Read calls
	ReadBuffer *bytes.Buffer

	// WriteBuffer captures data written to the port
	WriteBuffer *bytes.Buffer

	// ReadError is returned by the next Read call if set
	ReadError error

	// WriteError is returned by the next Write call if set
	WriteError error

	// CloseError is returned by Close if set
	CloseError error

	// OnWrite, when set, is called with each written chunk after it is
	// captured. It runs without the port lock held so it may call AddReadData.
	OnWrite func(p []byte)

	Closed      bool
	ReadCalls   int
	WriteCalls  int
	ReadTimeout time.Duration
}

// NewTestableSerialPort creates a new TestableSerialPort for testing.
func NewTestableSerialPort() *TestableSerialPort {
	return &TestableSerialPort{
		ReadBuffer:  bytes.NewBuffer(nil),
		WriteBuffer: bytes.NewBuffer(nil),
	}
}

// Read reads from the read buffer, returning any scripted error first.
func (t *TestableSerialPort) Read(p []byte) (n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadCalls++

	if t.Closed {
		return 0, ErrPortClosed
	}
	if t.ReadError != nil {
		err := t.ReadError
		t.ReadError = nil
		return 0, err
	}
	if t.ReadBuffer.Len() == 0 {
		return 0, nil
	}
	return t.ReadBuffer.Read(p)
}

// Write captures p, returning any scripted error first.
func (t *TestableSerialPort) Write(p []byte) (n int, err error) {
	t.mu.Lock()
	t.WriteCalls++
	if t.Closed {
		t.mu.Unlock()
		return 0, ErrPortClosed
	}
	if t.WriteError != nil {
		err := t.WriteError
		t.WriteError = nil
		t.mu.Unlock()
		return 0, err
	}
	n, err = t.WriteBuffer.Write(p)
	hook := t.OnWrite
	t.mu.Unlock()

	if hook != nil {
		hook(append([]byte(nil), p...))
	}
	return n, err
}

// Close marks the port as closed.
func (t *TestableSerialPort) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.Closed = true
	return t.CloseError
}

// SetReadTimeout implements TimeoutSerialPorter.
func (t *TestableSerialPort) SetReadTimeout(timeout time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadTimeout = timeout
	return nil
}

// AddReadData adds data to be returned by subsequent Read calls.
func (t *TestableSerialPort) AddReadData(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadBuffer.Write(data)
}

// GetWrittenData returns a copy of all data written to the port.
func (t *TestableSerialPort) GetWrittenData() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	return append([]byte(nil), t.WriteBuffer.Bytes()...)
}

// LoopbackPort is one end of an in-memory full-duplex link created by
// NewLoopback. Writes land in the peer's receive buffer and never block; bytes
// beyond the buffer capacity are dropped, like an overflowing UART FIFO.
type LoopbackPort struct {
	mu       sync.Mutex
	rx       bytes.Buffer
	notify   chan struct{}
	closed   chan struct{}
	once     sync.Once
	timeout  time.Duration
	capacity int
	dropped  int
	peer     *LoopbackPort
}

// DefaultLoopbackCapacity bounds each direction of a loopback link.
const DefaultLoopbackCapacity = 64 * 1024

// NewLoopback returns the two connected ends of an in-memory serial link.
func NewLoopback() (*LoopbackPort, *LoopbackPort) {
	a := newLoopbackPort()
	b := newLoopbackPort()
	a.peer, b.peer = b, a
	return a, b
}

func newLoopbackPort() *LoopbackPort {
	return &LoopbackPort{
		notify:   make(chan struct{}, 1),
		closed:   make(chan struct{}),
		capacity: DefaultLoopbackCapacity,
	}
}

// Read returns buffered bytes, waiting up to the read timeout for data. A zero
// timeout blocks until data arrives or either end is closed.
func (l *LoopbackPort) Read(p []byte) (int, error) {
	l.mu.Lock()
	timeout := l.timeout
	l.mu.Unlock()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		l.mu.Lock()
		if l.rx.Len() > 0 {
			n, err := l.rx.Read(p)
			l.mu.Unlock()
			return n, err
		}
		l.mu.Unlock()

		select {
		case <-l.closed:
			return 0, ErrPortClosed
		case <-l.peer.closed:
			return 0, ErrPortClosed
		case <-l.notify:
		case <-expired:
			return 0, nil
		}
	}
}

// Write delivers p to the peer.
func (l *LoopbackPort) Write(p []byte) (int, error) {
	select {
	case <-l.closed:
		return 0, ErrPortClosed
	case <-l.peer.closed:
		return 0, ErrPortClosed
	default:
	}
	l.peer.deliver(p)
	return len(p), nil
}

func (l *LoopbackPort) deliver(p []byte) {
	l.mu.Lock()
	room := l.capacity - l.rx.Len()
	if room < len(p) {
		if room < 0 {
			room = 0
		}
		l.dropped += len(p) - room
		p = p[:room]
	}
	l.rx.Write(p)
	l.mu.Unlock()

	select {
	case l.notify <- struct{}{}:
	default:
	}
}

// Dropped reports how many inbound bytes were discarded on overflow.
func (l *LoopbackPort) Dropped() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}

// Buffered reports how many inbound bytes are waiting to be read.
func (l *LoopbackPort) Buffered() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rx.Len()
}

// SetReadTimeout implements TimeoutSerialPorter.
func (l *LoopbackPort) SetReadTimeout(timeout time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.timeout = timeout
	return nil
}

// Close closes this end. Reads on either end fail afterwards.
func (l *LoopbackPort) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

var (
	_ TimeoutSerialPorter = (*TestableSerialPort)(nil)
	_ TimeoutSerialPorter = (*LoopbackPort)(nil)
)
