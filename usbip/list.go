// SPDX-License-Identifier: GPL-2.0-only

package usbip

import (
	baseerrors "errors"
	"io"
)

// maxListedDevices bounds the device count accepted from a devlist reply.
const maxListedDevices = 256

// receiveReply reads a handshake frame; in the handshake a closed stream is
// always a protocol failure.
func (c *Connection) receiveReply(n int, what string) ([]byte, error) {
	b, err := c.ReceiveExact(n)
	if baseerrors.Is(err, io.EOF) {
		return nil, ProtocolError("connection closed while reading %s", what)
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

// ListRequest sends a devlist request and returns the devices the peer
// exports. An empty list is not an error here.
func (c *Connection) ListRequest() ([]DeviceDescriptor, error) {
	if err := c.Send(EncodeDevlistRequest()); err != nil {
		return nil, err
	}

	b, err := c.receiveReply(ReplyHeaderSize, "devlist reply header")
	if err != nil {
		return nil, err
	}
	hdr, err := DecodeDevlistReplyHeader(b)
	if err != nil {
		return nil, err
	}
	if hdr.Status != 0 {
		return nil, ProtocolError("devlist command returned status %d", hdr.Status)
	}

	if b, err = c.receiveReply(DeviceCountSize, "device count"); err != nil {
		return nil, err
	}
	numDevices, err := DecodeDeviceCount(b)
	if err != nil {
		return nil, err
	}
	if numDevices > maxListedDevices {
		return nil, ProtocolError("unexpected number of devices in devlist response: %d", numDevices)
	}

	devices := make([]DeviceDescriptor, numDevices)
	for devIx := range devices {
		if b, err = c.receiveReply(DeviceRecordSize, "devlist entry"); err != nil {
			return nil, err
		}
		dev, err := DecodeDeviceDescriptor(b)
		if err != nil {
			return nil, err
		}
		if dev.NumInterfaces > 0 {
			n := int(dev.NumInterfaces)
			if b, err = c.receiveReply(n*InterfaceRecordSize, "devlist interfaces"); err != nil {
				return nil, err
			}
			if dev.Interfaces, err = DecodeInterfaces(b, n); err != nil {
				return nil, err
			}
		}
		devices[devIx] = dev
	}

	return devices, nil
}
