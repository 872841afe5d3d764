// SPDX-License-Identifier: GPL-2.0-only

package usbip

import (
	"bytes"
	"encoding/binary"
)

// All multi-byte fields are big-endian. Decoders read exactly the fixed size
// of their frame and fail with a KindProtocol error on shorter input.

func encode(size int, v interface{}) []byte {
	buf := bytes.NewBuffer(make([]byte, 0, size))
	// writes to a bytes.Buffer of fixed-size data cannot fail
	_ = binary.Write(buf, binary.BigEndian, v)
	return buf.Bytes()
}

func decode(b []byte, size int, what string, v interface{}) error {
	if len(b) < size {
		return ProtocolError("%s: need %d bytes, got %d", what, size, len(b))
	}
	if err := binary.Read(bytes.NewReader(b[:size]), binary.BigEndian, v); err != nil {
		return WrapProtocolError(err, "failed to decode "+what)
	}
	return nil
}

// EncodeDevlistRequest returns the 8-byte device list request.
func EncodeDevlistRequest() []byte {
	return encode(RequestHeaderSize, requestHeader{tagDevlist, opcodeDevlist})
}

// EncodeImportRequest returns the import request for busId, zero-padded to
// the fixed bus id width.
func EncodeImportRequest(busId string) ([]byte, error) {
	if len(busId) > BusIdSize {
		return nil, EncodingError("bus id %q exceeds %d bytes", busId, BusIdSize)
	}
	req := importRequest{requestHeader: requestHeader{tagImport, opcodeImport}}
	copy(req.BusId[:], busId)
	return encode(ImportRequestSize, req), nil
}

func DecodeDevlistReplyHeader(b []byte) (ReplyHeader, error) {
	var hdr ReplyHeader
	err := decode(b, ReplyHeaderSize, "devlist reply header", &hdr)
	return hdr, err
}

func DecodeImportReplyHeader(b []byte) (ReplyHeader, error) {
	var hdr ReplyHeader
	err := decode(b, ReplyHeaderSize, "import reply header", &hdr)
	return hdr, err
}

func EncodeReplyHeader(hdr ReplyHeader) []byte {
	return encode(ReplyHeaderSize, hdr)
}

func DecodeDeviceCount(b []byte) (uint32, error) {
	var n uint32
	err := decode(b, DeviceCountSize, "device count", &n)
	return n, err
}

func EncodeDeviceCount(n uint32) []byte {
	return encode(DeviceCountSize, n)
}

// DecodeDeviceDescriptor decodes the fixed part of a device record. The
// interface records that follow it in a devlist reply are decoded with
// DecodeInterfaces.
func DecodeDeviceDescriptor(b []byte) (DeviceDescriptor, error) {
	var rec deviceRecord
	if err := decode(b, DeviceRecordSize, "device record", &rec); err != nil {
		return DeviceDescriptor{}, err
	}
	return DeviceDescriptor{
		Path:               cString(rec.Path[:]),
		BusId:              cString(rec.BusId[:]),
		BusNum:             rec.BusNum,
		DevNum:             rec.DevNum,
		Speed:              rec.Speed,
		Vendor:             USBID(rec.Vendor),
		Product:            USBID(rec.Product),
		BCDDevice:          rec.BCDDevice,
		DeviceClass:        rec.DeviceClass,
		DeviceSubClass:     rec.DeviceSubClass,
		DeviceProtocol:     rec.DeviceProtocol,
		ConfigurationValue: rec.DeviceConfigurationValue,
		NumConfigurations:  rec.NumConfigurations,
		NumInterfaces:      rec.NumInterfaces,
	}, nil
}

// EncodeDeviceDescriptor encodes d's fixed part. Over-long path or bus id
// strings are an encoding error.
func EncodeDeviceDescriptor(d DeviceDescriptor) ([]byte, error) {
	rec := deviceRecord{
		BusNum:                   d.BusNum,
		DevNum:                   d.DevNum,
		Speed:                    d.Speed,
		Vendor:                   uint16(d.Vendor),
		Product:                  uint16(d.Product),
		BCDDevice:                d.BCDDevice,
		DeviceClass:              d.DeviceClass,
		DeviceSubClass:           d.DeviceSubClass,
		DeviceProtocol:           d.DeviceProtocol,
		DeviceConfigurationValue: d.ConfigurationValue,
		NumConfigurations:        d.NumConfigurations,
		NumInterfaces:            d.NumInterfaces,
	}
	if len(d.Path) > len(rec.Path) {
		return nil, EncodingError("device path exceeds %d bytes", len(rec.Path))
	}
	if len(d.BusId) > BusIdSize {
		return nil, EncodingError("bus id %q exceeds %d bytes", d.BusId, BusIdSize)
	}
	copy(rec.Path[:], d.Path)
	copy(rec.BusId[:], d.BusId)
	return encode(DeviceRecordSize, rec), nil
}

func DecodeInterfaces(b []byte, n int) ([]InterfaceDescription, error) {
	ifaces := make([]InterfaceDescription, n)
	if err := decode(b, n*InterfaceRecordSize, "interface records", ifaces); err != nil {
		return nil, err
	}
	return ifaces, nil
}

func EncodeInterfaces(ifaces []InterfaceDescription) []byte {
	return encode(len(ifaces)*InterfaceRecordSize, ifaces)
}

// DecodeMessageHeader decodes all 24 header bytes of a message-loop frame.
func DecodeMessageHeader(b []byte) (MessageHeader, error) {
	var hdr MessageHeader
	err := decode(b, MessageHeaderSize, "message header", &hdr)
	return hdr, err
}

func EncodeMessageHeader(hdr MessageHeader) []byte {
	return encode(MessageHeaderSize, hdr)
}

func DecodePayloadLength(b []byte) (uint32, error) {
	var n uint32
	err := decode(b, PayloadLengthSize, "payload length", &n)
	return n, err
}

func EncodePayloadLength(n uint32) []byte {
	return encode(PayloadLengthSize, n)
}

// EncodeSubmitReply builds a SUBMIT reply. payload is appended verbatim and
// must be nil unless the request direction was IN.
func EncodeSubmitReply(sequenceNumber uint32, status uint32, actualLength uint32, payload []byte) []byte {
	out := encode(ReplySize+len(payload), ReturnHeader{
		Command:        RetSubmit,
		SequenceNumber: sequenceNumber,
		Status:         status,
		ActualLength:   actualLength,
	})
	return append(out, payload...)
}

// EncodeUnlinkReply builds the 24-byte UNLINK reply for sequenceNumber.
func EncodeUnlinkReply(sequenceNumber uint32) []byte {
	return encode(ReplySize, ReturnHeader{
		Command:        RetUnlink,
		SequenceNumber: sequenceNumber,
	})
}

func DecodeReturnHeader(b []byte) (ReturnHeader, error) {
	var hdr ReturnHeader
	err := decode(b, ReplySize, "reply header", &hdr)
	return hdr, err
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}
