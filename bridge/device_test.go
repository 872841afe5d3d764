package bridge

import (
	"sync"

	"github.com/MatthiasValvekens/usbip-hid-bridge/usbip"
	"github.com/efficientgo/core/errors"
)

// fakeDevice records writes and serves queued reads.
type fakeDevice struct {
	mu       sync.Mutex
	writes   [][]byte
	reads    [][]byte
	writeErr error
	readErr  error
	closed   int
}

func (d *fakeDevice) Write(b []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.writeErr != nil {
		return d.writeErr
	}
	d.writes = append(d.writes, append([]byte(nil), b...))
	return nil
}

func (d *fakeDevice) Read(maxLength int) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.readErr != nil {
		return nil, d.readErr
	}
	if len(d.reads) == 0 {
		return nil, nil
	}
	r := d.reads[0]
	d.reads = d.reads[1:]
	if len(r) > maxLength {
		r = r[:maxLength]
	}
	return r, nil
}

func (d *fakeDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed++
	return nil
}

func (d *fakeDevice) Writes() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writes
}

func (d *fakeDevice) Closed() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func (d *fakeDevice) opener() DeviceOpener {
	return func(string) (Device, error) { return d, nil }
}

func failingOpener(path string) (Device, error) {
	return nil, usbip.DeviceError(errors.New("no such device"), "failed to open HID device "+path)
}
