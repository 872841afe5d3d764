// SPDX-License-Identifier: GPL-2.0-only

// Package ctaphid frames CTAPHID reports, the transport FIDO authenticators
// use on top of 64-byte HID reports.
package ctaphid

import (
	"encoding/binary"
	"fmt"

	"github.com/efficientgo/core/errors"
)

type ChannelID uint32

const BroadcastChannel ChannelID = 0xFFFFFFFF

type Command uint8

const (
	CommandPing      Command = 0x81
	CommandMsg       Command = 0x83
	CommandLock      Command = 0x84
	CommandInit      Command = 0x86
	CommandWink      Command = 0x88
	CommandCBOR      Command = 0x90
	CommandCancel    Command = 0x91
	CommandKeepalive Command = 0xBB
	CommandError     Command = 0xBF
)

var commandNames = map[Command]string{
	CommandPing:      "ping",
	CommandMsg:       "msg",
	CommandLock:      "lock",
	CommandInit:      "init",
	CommandWink:      "wink",
	CommandCBOR:      "cbor",
	CommandCancel:    "cancel",
	CommandKeepalive: "keepalive",
	CommandError:     "error",
}

func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("0x%02x", uint8(c))
}

const (
	// ReportSize is the full-speed HID report size used by authenticators.
	ReportSize = 64
	// InitHeaderSize is channel id, command and payload length.
	InitHeaderSize = 7
	// ContHeaderSize is channel id and sequence number.
	ContHeaderSize = 5
	NonceSize      = 8

	initResponseSize = NonceSize + 4 + 5
	commandFlag      = 0x80
)

// Header is the decoded header of a single report. Command and Length are
// only meaningful for initialization packets; Sequence only for
// continuation packets.
type Header struct {
	ChannelID ChannelID
	Init      bool
	Command   Command
	Length    uint16
	Sequence  uint8
}

func (h Header) String() string {
	if h.Init {
		return fmt.Sprintf("cid=0x%08x cmd=%s len=%d", uint32(h.ChannelID), h.Command, h.Length)
	}
	return fmt.Sprintf("cid=0x%08x seq=%d", uint32(h.ChannelID), h.Sequence)
}

// ParseHeader decodes the header of a report.
func ParseHeader(report []byte) (Header, error) {
	if len(report) < ContHeaderSize {
		return Header{}, errors.Newf("report too short: %d bytes", len(report))
	}
	h := Header{ChannelID: ChannelID(binary.BigEndian.Uint32(report[0:4]))}
	if report[4]&commandFlag == 0 {
		h.Sequence = report[4]
		return h, nil
	}
	if len(report) < InitHeaderSize {
		return Header{}, errors.Newf("initialization packet too short: %d bytes", len(report))
	}
	h.Init = true
	h.Command = Command(report[4])
	h.Length = binary.BigEndian.Uint16(report[5:7])
	return h, nil
}

// NewInitPacket builds a single zero-padded initialization report. Payloads
// that need continuation packets are rejected.
func NewInitPacket(cid ChannelID, cmd Command, payload []byte) ([]byte, error) {
	if len(payload) > ReportSize-InitHeaderSize {
		return nil, errors.Newf("payload of %d bytes does not fit a single report", len(payload))
	}
	report := make([]byte, ReportSize)
	binary.BigEndian.PutUint32(report[0:4], uint32(cid))
	report[4] = byte(cmd) | commandFlag
	binary.BigEndian.PutUint16(report[5:7], uint16(len(payload)))
	copy(report[InitHeaderSize:], payload)
	return report, nil
}

// InitResponse is the payload of a CTAPHID_INIT reply.
type InitResponse struct {
	Nonce           [NonceSize]byte
	ChannelID       ChannelID
	ProtocolVersion uint8
	MajorVersion    uint8
	MinorVersion    uint8
	BuildVersion    uint8
	Capabilities    uint8
}

// ParseInitResponse decodes an INIT reply report sent on the broadcast channel.
func ParseInitResponse(report []byte) (*InitResponse, error) {
	h, err := ParseHeader(report)
	if err != nil {
		return nil, err
	}
	if !h.Init || h.Command != CommandInit {
		return nil, errors.Newf("not an init reply: %s", h)
	}
	if h.ChannelID != BroadcastChannel {
		return nil, errors.Newf("init reply on unexpected channel 0x%08x", uint32(h.ChannelID))
	}
	payload := report[InitHeaderSize:]
	if int(h.Length) < initResponseSize || len(payload) < initResponseSize {
		return nil, errors.Newf("init reply too short: %d bytes", h.Length)
	}
	resp := &InitResponse{
		ChannelID:       ChannelID(binary.BigEndian.Uint32(payload[8:12])),
		ProtocolVersion: payload[12],
		MajorVersion:    payload[13],
		MinorVersion:    payload[14],
		BuildVersion:    payload[15],
		Capabilities:    payload[16],
	}
	copy(resp.Nonce[:], payload[:NonceSize])
	return resp, nil
}
