// SPDX-License-Identifier: GPL-2.0-only

package bridge

import (
	"time"

	"github.com/MatthiasValvekens/usbip-hid-bridge/driver"
	"github.com/MatthiasValvekens/usbip-hid-bridge/usbip"
	"github.com/efficientgo/core/errors"
)

const (
	// DefaultPacketSize is the full-speed interrupt packet size of a HID report.
	DefaultPacketSize       = 64
	DefaultMaxPayloadLength = 64 * 1024
	DefaultHandshakeTimeout = 5 * time.Second
	DefaultInflightCapacity = 32
	// retainedReportCapacity bounds the device replies kept for IN transfers.
	retainedReportCapacity = 16
)

// Config is everything a Bridge needs to know about its two peers.
type Config struct {
	Target     usbip.Target `mapstructure:",squash"`
	DevicePath string       `mapstructure:"hid-device"`
	// BusId selects the remote device to import; empty selects the first
	// listed device.
	BusId            string        `mapstructure:"bus-id"`
	PacketSize       int           `mapstructure:"packet-size"`
	MaxPayloadLength uint32        `mapstructure:"max-payload"`
	HandshakeTimeout time.Duration `mapstructure:"handshake-timeout"`
	InflightCapacity int           `mapstructure:"inflight-capacity"`
}

func DefaultConfig() Config {
	return Config{
		Target:           usbip.Target{Host: "127.0.0.1", Port: usbip.DefaultPort},
		DevicePath:       driver.DefaultHIDDevicePath,
		PacketSize:       DefaultPacketSize,
		MaxPayloadLength: DefaultMaxPayloadLength,
		HandshakeTimeout: DefaultHandshakeTimeout,
		InflightCapacity: DefaultInflightCapacity,
	}
}

func (c Config) Validate() error {
	if c.Target.Host == "" {
		return errors.New("USB/IP host must be set")
	}
	if c.DevicePath == "" {
		return errors.New("HID device path must be set")
	}
	if c.PacketSize <= 0 {
		return errors.Newf("packet size must be positive, got %d", c.PacketSize)
	}
	if len(c.BusId) > usbip.BusIdSize {
		return errors.Newf("bus id %q exceeds %d bytes", c.BusId, usbip.BusIdSize)
	}
	if c.InflightCapacity <= 0 {
		return errors.Newf("in-flight capacity must be positive, got %d", c.InflightCapacity)
	}
	if c.HandshakeTimeout < 0 {
		return errors.New("handshake timeout must not be negative")
	}
	return nil
}
