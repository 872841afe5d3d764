// SPDX-License-Identifier: GPL-2.0-only

package usbip

// ImportRequest asks the peer to export busId over this connection and
// returns the device record from its reply.
func (c *Connection) ImportRequest(busId string) (*DeviceDescriptor, error) {
	req, err := EncodeImportRequest(busId)
	if err != nil {
		return nil, err
	}
	if err = c.Send(req); err != nil {
		return nil, err
	}

	b, err := c.receiveReply(ReplyHeaderSize, "import reply header")
	if err != nil {
		return nil, err
	}
	hdr, err := DecodeImportReplyHeader(b)
	if err != nil {
		return nil, err
	}
	if hdr.Status != 0 {
		return nil, ProtocolError("import command returned status %d", hdr.Status)
	}

	if b, err = c.receiveReply(DeviceRecordSize, "import reply data"); err != nil {
		return nil, err
	}
	dev, err := DecodeDeviceDescriptor(b)
	if err != nil {
		return nil, err
	}
	// peers that leave the record's bus id blank are tolerated
	if dev.BusId != "" && dev.BusId != busId {
		return nil, ProtocolError("import command returned unexpected bus id %q", dev.BusId)
	}
	return &dev, nil
}
