// SPDX-License-Identifier: GPL-2.0-only

package usbip

import (
	"net"
	"strconv"
)

// DefaultPort is the IANA-assigned USB/IP port.
const DefaultPort = 3240

// Handshake request tags and opcodes. Each request header is two big-endian
// u32 words: the tag word followed by the opcode word.
const (
	tagDevlist    uint32 = 0x8005
	opcodeDevlist uint32 = 0x00000001
	tagImport     uint32 = 0x8003
	opcodeImport  uint32 = 0x00000003
)

// Fixed sizes of the frames exchanged with the peer.
const (
	RequestHeaderSize   = 8
	ReplyHeaderSize     = 8
	DeviceCountSize     = 4
	BusIdSize           = 32
	ImportRequestSize   = RequestHeaderSize + BusIdSize
	DeviceRecordSize    = 312
	InterfaceRecordSize = 4
	MessageHeaderSize   = 24
	SetupPacketSize     = 8
	PayloadLengthSize   = 4
	ReplySize           = 24
)

// Command is the command word of a message-loop frame.
type Command uint32

const (
	CmdSubmit Command = 0x00000001
	CmdUnlink Command = 0x00000002
	RetSubmit Command = 0x00000003
	RetUnlink Command = 0x00000004
)

func (c Command) String() string {
	switch c {
	case CmdSubmit:
		return "submit"
	case CmdUnlink:
		return "unlink"
	case RetSubmit:
		return "ret_submit"
	case RetUnlink:
		return "ret_unlink"
	default:
		return "unknown"
	}
}

// Direction is the transfer direction as seen from the host.
type Direction uint32

const (
	DirOut Direction = 0
	DirIn  Direction = 1
)

func (d Direction) String() string {
	if d == DirIn {
		return "in"
	}
	return "out"
}

// Endpoint numbers used by the HID function.
const (
	EndpointControl uint32 = 0
	EndpointOut     uint32 = 1
	EndpointIn      uint32 = 2
)

// USBID is a representation of a platform or vendor ID under the USB standard (see gousb.ID)
type USBID uint16

type Target struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

func (t Target) String() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// ReplyHeader is the header of a devlist or import reply.
type ReplyHeader struct {
	Version   uint16
	ReplyCode uint16
	Status    uint32
}

// MessageHeader is the fixed header of every message-loop frame.
type MessageHeader struct {
	Command        Command
	SequenceNumber uint32
	Reserved       [2]uint32
	Direction      Direction
	Endpoint       uint32
}

// SetupPacket is the opaque control setup block carried by every SUBMIT.
type SetupPacket [SetupPacketSize]byte

// ReturnHeader is the header of a SUBMIT or UNLINK reply. For UNLINK replies
// the last two words are padding.
type ReturnHeader struct {
	Command        Command
	SequenceNumber uint32
	Status         uint32
	ActualLength   uint32
	StartFrame     uint32
	ErrorCount     uint32
}

type InterfaceDescription struct {
	InterfaceClass    uint8
	InterfaceSubClass uint8
	InterfaceProtocol uint8
	_                 uint8
}

// DeviceDescriptor describes a device exported by the peer.
type DeviceDescriptor struct {
	Path               string
	BusId              string
	BusNum             uint32
	DevNum             uint32
	Speed              uint32
	Vendor             USBID
	Product            USBID
	BCDDevice          uint16
	DeviceClass        uint8
	DeviceSubClass     uint8
	DeviceProtocol     uint8
	ConfigurationValue uint8
	NumConfigurations  uint8
	NumInterfaces      uint8
	Interfaces         []InterfaceDescription
}

// deviceRecord is the packed wire form of a DeviceDescriptor.
type deviceRecord struct {
	Path                     [256]byte
	BusId                    [BusIdSize]byte
	BusNum                   uint32
	DevNum                   uint32
	Speed                    uint32
	Vendor                   uint16
	Product                  uint16
	BCDDevice                uint16
	DeviceClass              uint8
	DeviceSubClass           uint8
	DeviceProtocol           uint8
	DeviceConfigurationValue uint8
	NumConfigurations        uint8
	NumInterfaces            uint8
}

type requestHeader struct {
	Tag    uint32
	Opcode uint32
}

type importRequest struct {
	requestHeader
	BusId [BusIdSize]byte
}
