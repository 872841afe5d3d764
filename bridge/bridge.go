// SPDX-License-Identifier: GPL-2.0-only

// Package bridge forwards a device imported from a USB/IP peer to a local
// HID gadget. A Bridge runs exactly one session: it connects to both ends,
// imports the remote device, then answers the peer's SUBMIT and UNLINK
// frames one at a time until either side goes away.
//
// Reads on the socket and the device carry no deadline once the handshake
// is done, so a stalled peer or an idle device blocks the message loop until
// Cleanup is called from another goroutine.
package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/MatthiasValvekens/usbip-hid-bridge/driver"
	"github.com/MatthiasValvekens/usbip-hid-bridge/usbip"
	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
)

// Device is the local end of the bridge.
type Device interface {
	Write(b []byte) error
	Read(maxLength int) ([]byte, error)
	Close() error
}

// DeviceOpener opens the local device at path.
type DeviceOpener func(path string) (Device, error)

// OpenHIDDevice is the DeviceOpener for HID gadget character devices.
func OpenHIDDevice(path string) (Device, error) {
	dev, err := driver.OpenHIDDevice(path)
	if err != nil {
		return nil, err
	}
	return dev, nil
}

// session holds the resources of one run; they are owned by the Bridge and
// only released through Cleanup.
type session struct {
	state  State
	conn   *usbip.Connection
	device Device
}

type Bridge struct {
	cfg        Config
	dialer     usbip.Dialer
	openDevice DeviceOpener
	logger     log.Logger
	metrics    *metrics

	mu          sync.Mutex
	session     session
	cleanupOnce sync.Once

	inflight *inflightTable
	// retained holds device replies captured after OUT writes until an IN
	// transfer collects them. Only the message loop touches it.
	retained [][]byte
}

// New creates a Bridge in the disconnected state. A nil dialer dials over
// TCP with the handshake timeout as connect timeout, a nil opener opens HID
// gadget devices and a nil registerer disables metrics registration.
func New(cfg Config, dialer usbip.Dialer, openDevice DeviceOpener, logger log.Logger, reg prometheus.Registerer) *Bridge {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if dialer == nil {
		dialer = usbip.NetDialer{Timeout: cfg.HandshakeTimeout}
	}
	if openDevice == nil {
		openDevice = OpenHIDDevice
	}
	if cfg.InflightCapacity <= 0 {
		cfg.InflightCapacity = DefaultInflightCapacity
	}
	if cfg.PacketSize <= 0 {
		cfg.PacketSize = DefaultPacketSize
	}
	b := &Bridge{
		cfg:        cfg,
		dialer:     dialer,
		openDevice: openDevice,
		logger:     logger,
		metrics:    newMetrics(reg),
		inflight:   newInflightTable(cfg.InflightCapacity),
	}
	b.metrics.sessionState.Set(float64(StateDisconnected))
	return b
}

func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.session.state
}

// transition moves the session from one state to the next, failing if the
// session is not in the expected state.
func (b *Bridge) transition(op string, from, to State) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.session.state != from {
		return invalidState(op, from, b.session.state)
	}
	b.session.state = to
	b.metrics.sessionState.Set(float64(to))
	return nil
}

// acquire is transition for operations that go on to use the connection.
// The state check and the resource read happen under one lock, so a
// concurrent Cleanup cannot leave the caller with a released connection.
func (b *Bridge) acquire(op string, from, to State) (*usbip.Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.session.state != from || b.session.conn == nil {
		return nil, invalidState(op, from, b.session.state)
	}
	b.session.state = to
	b.metrics.sessionState.Set(float64(to))
	return b.session.conn, nil
}

func (b *Bridge) resources() (*usbip.Connection, Device) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.session.conn, b.session.device
}

func (b *Bridge) closed() bool {
	return b.State() == StateClosed
}

// Connect opens the connection to the USB/IP peer and the local device. If
// either fails, whatever was opened is released and the session stays
// disconnected.
func (b *Bridge) Connect() error {
	if state := b.State(); state != StateDisconnected {
		return invalidState("connect", StateDisconnected, state)
	}

	conn, err := b.dialer.Dial(b.cfg.Target)
	if err != nil {
		_ = level.Error(b.logger).Log("msg", "connection error", "target", b.cfg.Target, "err", err)
		return err
	}
	_ = level.Info(b.logger).Log("msg", "connected to USB/IP server", "target", b.cfg.Target)

	dev, err := b.openDevice(b.cfg.DevicePath)
	if err != nil {
		conn.Close()
		_ = level.Error(b.logger).Log("msg", "failed to open HID device", "path", b.cfg.DevicePath, "err", err)
		return err
	}
	_ = level.Info(b.logger).Log("msg", "opened HID device", "path", b.cfg.DevicePath)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.session.state != StateDisconnected {
		// Cleanup ran while we were dialing
		conn.Close()
		_ = dev.Close()
		return invalidState("connect", StateDisconnected, b.session.state)
	}
	b.session = session{state: StateConnected, conn: conn, device: dev}
	b.metrics.sessionState.Set(float64(StateConnected))
	return nil
}

// AttachDevice lists the peer's devices and imports one of them. The session
// stays connected if the handshake fails.
func (b *Bridge) AttachDevice() error {
	conn, err := b.acquire("attach", StateConnected, StateConnected)
	if err != nil {
		return err
	}

	if b.cfg.HandshakeTimeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(b.cfg.HandshakeTimeout)); err != nil {
			return err
		}
		defer func() { _ = conn.SetReadDeadline(time.Time{}) }()
	}

	devices, err := conn.ListRequest()
	if err != nil {
		_ = level.Error(b.logger).Log("msg", "failed to list devices", "err", err)
		return err
	}
	_ = level.Info(b.logger).Log("msg", "listed devices", "count", len(devices))

	busId, err := b.selectBusId(devices)
	if err != nil {
		_ = level.Error(b.logger).Log("msg", "no device to attach", "err", err)
		return err
	}

	dev, err := conn.ImportRequest(busId)
	if err != nil {
		_ = level.Error(b.logger).Log("msg", "failed to import device", "bus_id", busId, "err", err)
		return err
	}

	if err := b.transition("attach", StateConnected, StateAttached); err != nil {
		return err
	}
	_ = level.Info(b.logger).Log(
		"msg", "device attached",
		"bus_id", busId,
		"vendor", hexID(dev.Vendor),
		"product", hexID(dev.Product),
	)
	return nil
}

func (b *Bridge) selectBusId(devices []usbip.DeviceDescriptor) (string, error) {
	if len(devices) == 0 {
		return "", usbip.ProtocolError("no devices available")
	}
	if b.cfg.BusId != "" {
		for _, d := range devices {
			if d.BusId == b.cfg.BusId {
				return d.BusId, nil
			}
		}
		return "", usbip.ProtocolError("device %s not listed by peer", b.cfg.BusId)
	}
	if devices[0].BusId == "" {
		return "", usbip.ProtocolError("first listed device has no bus id")
	}
	return devices[0].BusId, nil
}

// Cleanup releases the connection and the device and marks the session
// closed. It is safe to call repeatedly, from any state and any goroutine;
// a message loop blocked on either resource returns once it runs. Callers
// that race with a release in progress wait until both resources are closed.
func (b *Bridge) Cleanup() {
	b.cleanupOnce.Do(b.release)
}

func (b *Bridge) release() {
	b.mu.Lock()
	s := b.session
	b.session = session{state: StateClosed}
	b.mu.Unlock()

	if s.conn != nil {
		s.conn.Close()
	}
	if s.device != nil {
		if err := s.device.Close(); err != nil {
			_ = level.Warn(b.logger).Log("msg", "failed to close HID device", "err", err)
		}
	}
	b.inflight.Reset()
	b.metrics.inflight.Set(0)
	b.metrics.sessionState.Set(float64(StateClosed))
	if s.state != StateClosed {
		_ = level.Info(b.logger).Log("msg", "session closed", "from", s.state)
	}
}

// Run connects, attaches and processes messages until the peer disconnects,
// an error ends the session or ctx is cancelled. Cancellation is not an
// error. The session is always cleaned up on return.
func (b *Bridge) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, b.Cleanup)
	defer stop()
	defer b.Cleanup()

	err := b.Connect()
	if err == nil {
		err = b.AttachDevice()
	}
	if err == nil {
		err = b.ProcessMessages()
	}
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		_ = level.Info(b.logger).Log("msg", "interrupted", "err", err)
		return nil
	}
	return errors.Wrap(err, "bridge session failed")
}

func hexID(id usbip.USBID) string {
	return fmt.Sprintf("%04x", uint16(id))
}
