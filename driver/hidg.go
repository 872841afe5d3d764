// SPDX-License-Identifier: GPL-2.0-only

package driver

import (
	baseerrors "errors"
	"io"
	"os"
	"sync"

	"github.com/MatthiasValvekens/usbip-hid-bridge/usbip"
)

// DefaultHIDDevicePath is the character device of the first HID gadget function.
const DefaultHIDDevicePath = "/dev/hidg0"

// HIDDevice is a blocking channel to a HID gadget character device. Writes
// deliver reports to the USB host, reads return reports the host sent.
type HIDDevice struct {
	path string

	mu   sync.Mutex
	file *os.File
}

// OpenHIDDevice opens path for reading and writing.
func OpenHIDDevice(path string) (*HIDDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, usbip.DeviceError(err, "failed to open HID device "+path)
	}
	return &HIDDevice{path: path, file: f}, nil
}

func (d *HIDDevice) Path() string {
	return d.path
}

func (d *HIDDevice) handle() (*os.File, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.file == nil {
		return nil, usbip.DeviceError(os.ErrClosed, "HID device "+d.path+" is closed")
	}
	return d.file, nil
}

// Write blocks until all of b has been written.
func (d *HIDDevice) Write(b []byte) error {
	f, err := d.handle()
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		return usbip.DeviceError(err, "failed to write to HID device "+d.path)
	}
	return nil
}

// Read blocks for a single read of at most maxLength bytes. The result may
// be shorter than maxLength, and is empty if the device has nothing more.
func (d *HIDDevice) Read(maxLength int) ([]byte, error) {
	f, err := d.handle()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, maxLength)
	n, err := f.Read(buf)
	if err != nil && !baseerrors.Is(err, io.EOF) {
		return nil, usbip.DeviceError(err, "failed to read from HID device "+d.path)
	}
	return buf[:n], nil
}

// Close is idempotent.
func (d *HIDDevice) Close() error {
	d.mu.Lock()
	f := d.file
	d.file = nil
	d.mu.Unlock()
	if f == nil {
		return nil
	}
	if err := f.Close(); err != nil {
		return usbip.DeviceError(err, "failed to close HID device "+d.path)
	}
	return nil
}
