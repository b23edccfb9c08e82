//go:build linux || darwin

package tun

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/vishvananda/netlink"
	wgtun "golang.zx2c4.com/wireguard/tun"
)

// wgDevice backs Device with golang.zx2c4.com/wireguard/tun, the same
// userspace TUN driver the rest of the pack uses for WireGuard interfaces.
// It deals in the library's batched Read/Write API internally but presents
// callers with the single-frame Device contract.
type wgDevice struct {
	mu          sync.Mutex
	dev         wgtun.Device
	name        string
	mtu         int
	nonBlocking atomic.Bool
	closed      atomic.Bool

	readBufs  [][]byte
	readSizes []int
	writeBufs [][]byte
}

// NewDevice returns a Device backed by the real platform TUN driver.
func NewDevice() Device { return &wgDevice{} }

const offset = 4

func (d *wgDevice) Open(name string, mtu int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dev != nil {
		return ErrAlreadyOpen
	}
	d.closed.Store(false)

	dev, err := wgtun.CreateTUN(name, mtu)
	if err != nil {
		return &PlatformError{Op: "create", Err: err}
	}
	actualName, err := dev.Name()
	if err != nil {
		dev.Close()
		return &PlatformError{Op: "name", Err: err}
	}

	d.dev = dev
	d.name = actualName
	d.mtu = mtu
	d.readBufs = [][]byte{make([]byte, offset+mtu)}
	d.readSizes = []int{0}
	d.writeBufs = [][]byte{make([]byte, offset+mtu)}
	return nil
}

func (d *wgDevice) SetIP(addr, mask uint32) error {
	d.mu.Lock()
	name, mtu := d.name, d.mtu
	d.mu.Unlock()
	if name == "" {
		return ErrClosed
	}

	link, err := netlinkByName(name)
	if err != nil {
		return &PlatformError{Op: "find-link", Err: err}
	}

	ip := net.IPv4(byte(addr>>24), byte(addr>>16), byte(addr>>8), byte(addr))
	ones := maskOnes(mask)
	ipNet := &net.IPNet{IP: ip, Mask: net.CIDRMask(ones, 32)}

	if err := netlink.AddrReplace(link, &netlink.Addr{IPNet: ipNet}); err != nil {
		return &PlatformError{Op: "set-address", Err: err}
	}
	if err := netlink.LinkSetMTU(link, mtu); err != nil {
		return &PlatformError{Op: "set-mtu", Err: err}
	}
	return nil
}

func (d *wgDevice) SetUp() error {
	d.mu.Lock()
	name := d.name
	d.mu.Unlock()
	if name == "" {
		return ErrClosed
	}

	link, err := netlinkByName(name)
	if err != nil {
		return &PlatformError{Op: "find-link", Err: err}
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return &PlatformError{Op: "set-up", Err: err}
	}
	return nil
}

func (d *wgDevice) SetNonBlocking(nonBlocking bool) error {
	d.nonBlocking.Store(nonBlocking)
	return nil
}

func (d *wgDevice) Read(buf []byte) (int, error) {
	if d.closed.Load() {
		return 0, ErrClosed
	}
	d.mu.Lock()
	dev := d.dev
	d.mu.Unlock()
	if dev == nil {
		return 0, ErrClosed
	}

	n, err := dev.Read(d.readBufs, d.readSizes, offset)
	if err != nil {
		if d.nonBlocking.Load() {
			return 0, nil
		}
		return 0, &PlatformError{Op: "read", Err: err}
	}
	if n == 0 {
		return 0, nil
	}
	size := d.readSizes[0]
	copy(buf, d.readBufs[0][offset:offset+size])
	return size, nil
}

func (d *wgDevice) Write(buf []byte) (int, error) {
	if d.closed.Load() {
		return 0, ErrClosed
	}
	d.mu.Lock()
	dev := d.dev
	d.mu.Unlock()
	if dev == nil {
		return 0, ErrClosed
	}

	frame := d.writeBufs[0]
	if offset+len(buf) > len(frame) {
		frame = make([]byte, offset+len(buf))
	}
	copy(frame[offset:], buf)
	d.writeBufs[0] = frame[:offset+len(buf)]

	if _, err := dev.Write(d.writeBufs, offset); err != nil {
		if d.nonBlocking.Load() {
			return 0, nil
		}
		return 0, &PlatformError{Op: "write", Err: err}
	}
	return len(buf), nil
}

func (d *wgDevice) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	d.mu.Lock()
	dev := d.dev
	d.dev = nil
	d.name = ""
	d.mu.Unlock()
	if dev == nil {
		return nil
	}
	if err := dev.Close(); err != nil {
		return &PlatformError{Op: "close", Err: err}
	}
	return nil
}

func (d *wgDevice) DeviceName() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.name
}

func netlinkByName(name string) (netlink.Link, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return nil, fmt.Errorf("lookup interface %q: %w", name, err)
	}
	return link, nil
}

func maskOnes(mask uint32) int {
	n := 0
	for i := 31; i >= 0; i-- {
		if mask&(1<<uint(i)) == 0 {
			break
		}
		n++
	}
	return n
}
