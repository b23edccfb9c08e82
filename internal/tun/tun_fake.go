package tun

import (
	"sync"
	"sync/atomic"
)

// FakeDevice is an in-memory Device used by tests. Frames written with
// Write are available
// to a test via Outbound; frames queued with Inject become visible to a
// caller's Read, mimicking inbound network delivery.
type FakeDevice struct {
	mu          sync.Mutex
	open        bool
	closed      bool
	name        string
	mtu         int
	addr, mask  uint32
	up          bool
	nonBlocking atomic.Bool

	inbound  chan []byte
	Outbound chan []byte
}

// NewFakeDevice returns an unopened FakeDevice.
func NewFakeDevice() *FakeDevice {
	return &FakeDevice{
		inbound:  make(chan []byte, 256),
		Outbound: make(chan []byte, 256),
	}
}

func (d *FakeDevice) Open(name string, mtu int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.open {
		return ErrAlreadyOpen
	}
	d.open = true
	d.closed = false
	d.inbound = make(chan []byte, 256)
	d.mtu = mtu
	if name == "" {
		name = "fake0"
	}
	d.name = name
	return nil
}

func (d *FakeDevice) SetIP(addr, mask uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.addr, d.mask = addr, mask
	return nil
}

func (d *FakeDevice) SetUp() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.up = true
	return nil
}

func (d *FakeDevice) SetNonBlocking(nonBlocking bool) error {
	d.nonBlocking.Store(nonBlocking)
	return nil
}

// Inject makes frame visible as the next Read result, as if it arrived from
// the kernel network stack.
func (d *FakeDevice) Inject(frame []byte) {
	cp := make([]byte, len(frame))
	copy(cp, frame)
	d.inbound <- cp
}

func (d *FakeDevice) Read(buf []byte) (int, error) {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return 0, ErrClosed
	}

	if d.nonBlocking.Load() {
		select {
		case frame := <-d.inbound:
			return copy(buf, frame), nil
		default:
			return 0, nil
		}
	}
	frame, ok := <-d.inbound
	if !ok {
		return 0, ErrClosed
	}
	return copy(buf, frame), nil
}

func (d *FakeDevice) Write(buf []byte) (int, error) {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return 0, ErrClosed
	}

	cp := make([]byte, len(buf))
	copy(cp, buf)
	select {
	case d.Outbound <- cp:
		return len(buf), nil
	default:
		if d.nonBlocking.Load() {
			return 0, nil
		}
		d.Outbound <- cp
		return len(buf), nil
	}
}

func (d *FakeDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	d.open = false
	close(d.inbound)
	return nil
}

func (d *FakeDevice) DeviceName() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.name
}
