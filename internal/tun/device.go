// Package tun wraps a platform TUN device behind a single, uniform
// interface: create/open, configure IP and MTU, bring up, and
// blocking/non-blocking read and write of raw IPv4 datagrams. Real backends
// are golang.zx2c4.com/wireguard/tun (Linux, Darwin) and
// golang.zx2c4.com/wintun (Windows); a fake in-process backend exists for
// tests. NewDevice is provided for Linux, Darwin and Windows only.
package tun

import "errors"

// ErrAlreadyOpen is returned by Open when called a second time on the same
// Device.
var ErrAlreadyOpen = errors.New("tun: device already open")

// ErrClosed is returned by any operation attempted after Close.
var ErrClosed = errors.New("tun: device closed")

// PlatformError wraps an OS-level failure encountered while creating,
// configuring, or operating a TUN device.
type PlatformError struct {
	Op  string
	Err error
}

func (e *PlatformError) Error() string { return "tun: " + e.Op + ": " + e.Err.Error() }
func (e *PlatformError) Unwrap() error { return e.Err }

// DefaultMTU is the datagram size the bridge configures by default,
// chosen to leave headroom for overlay framing overhead.
const DefaultMTU = 1400

// Device is the uniform contract every backend satisfies. Implementations
// must strip/add any platform framing (e.g. Darwin's 4-byte address-family
// prefix) internally — callers never see it.
type Device interface {
	// Open creates or attaches the device. name is a hint; backends that
	// assign their own names may ignore it. Calling Open twice returns
	// ErrAlreadyOpen.
	Open(name string, mtu int) error

	// SetIP configures the interface's address and netmask, applying the
	// MTU captured at Open.
	SetIP(addr, mask uint32) error

	// SetUp brings the interface administratively up.
	SetUp() error

	// SetNonBlocking toggles whether Read returns (0, nil) rather than
	// blocking when no frame is currently available.
	SetNonBlocking(nonBlocking bool) error

	// Read copies one frame into buf, which must be at least MTU-sized.
	// Returns 0 if non-blocking and no frame is available.
	Read(buf []byte) (int, error)

	// Write submits one frame. In non-blocking mode with a full send
	// queue, returns (0, nil) rather than an error.
	Write(buf []byte) (int, error)

	// Close is idempotent; Read and Write after Close return ErrClosed.
	// A closed device can be opened again with Open.
	Close() error

	// DeviceName returns the name the OS assigned, non-empty once Open
	// has succeeded.
	DeviceName() string
}
