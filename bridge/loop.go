// SPDX-License-Identifier: GPL-2.0-only

package bridge

import (
	"encoding/hex"
	baseerrors "errors"
	"io"
	"time"

	"github.com/MatthiasValvekens/usbip-hid-bridge/ctaphid"
	"github.com/MatthiasValvekens/usbip-hid-bridge/usbip"
	"github.com/go-kit/log/level"
)

// request is one decoded message-loop frame.
type request struct {
	Header  usbip.MessageHeader
	Setup   usbip.SetupPacket
	Payload []byte
	// ActualLength is the number of OUT payload bytes received.
	ActualLength uint32
}

// ProcessMessages answers the peer's frames until the peer closes the
// connection, a frame cannot be read, a reply cannot be sent or Cleanup is
// called. A clean close by the peer or a Cleanup from another goroutine
// returns nil. The session is closed on return.
func (b *Bridge) ProcessMessages() error {
	conn, err := b.acquire("process messages", StateAttached, StateRunning)
	if err != nil {
		return err
	}
	defer b.Cleanup()

	for {
		req, err := b.readRequest(conn)
		if baseerrors.Is(err, io.EOF) {
			_ = level.Info(b.logger).Log("msg", "connection closed by server")
			break
		}
		if err != nil {
			if b.closed() {
				break
			}
			_ = level.Error(b.logger).Log("msg", "failed to read message", "err", err)
			return err
		}

		reply := b.handleMessage(req)
		if len(reply) == 0 {
			continue
		}
		if err := conn.Send(reply); err != nil {
			if b.closed() {
				break
			}
			_ = level.Error(b.logger).Log("msg", "failed to send reply", "seq", req.Header.SequenceNumber, "err", err)
			return err
		}
	}

	_ = level.Info(b.logger).Log("msg", "stopped processing USB/IP messages")
	return nil
}

// readFrame reads the remainder of a frame whose header has been read; a
// close at this point truncates the frame.
func readFrame(conn *usbip.Connection, n int, what string) ([]byte, error) {
	buf, err := conn.ReceiveExact(n)
	if baseerrors.Is(err, io.EOF) {
		return nil, usbip.ProtocolError("connection closed before %s", what)
	}
	return buf, err
}

// readRequest reads one frame. It returns io.EOF if the peer closed the
// connection between frames.
func (b *Bridge) readRequest(conn *usbip.Connection) (*request, error) {
	buf, err := conn.ReceiveExact(usbip.MessageHeaderSize)
	if err != nil {
		return nil, err
	}
	hdr, err := usbip.DecodeMessageHeader(buf)
	if err != nil {
		return nil, err
	}
	req := &request{Header: hdr}
	_ = level.Debug(b.logger).Log("msg", "received USB/IP message", "cmd", hdr.Command, "seq", hdr.SequenceNumber, "dir", hdr.Direction, "ep", hdr.Endpoint)

	if hdr.Command != usbip.CmdSubmit {
		return req, nil
	}

	if buf, err = readFrame(conn, usbip.SetupPacketSize, "setup packet"); err != nil {
		return nil, err
	}
	copy(req.Setup[:], buf)

	if hdr.Direction != usbip.DirOut {
		return req, nil
	}
	if buf, err = readFrame(conn, usbip.PayloadLengthSize, "payload length"); err != nil {
		return nil, err
	}
	length, err := usbip.DecodePayloadLength(buf)
	if err != nil {
		return nil, err
	}
	if b.cfg.MaxPayloadLength > 0 && length > b.cfg.MaxPayloadLength {
		return nil, usbip.ProtocolError("payload of %d bytes exceeds limit of %d", length, b.cfg.MaxPayloadLength)
	}
	if length > 0 {
		if req.Payload, err = readFrame(conn, int(length), "payload"); err != nil {
			return nil, err
		}
	}
	req.ActualLength = uint32(len(req.Payload))
	return req, nil
}

// handleMessage builds the reply to req, or nil if req gets no reply.
func (b *Bridge) handleMessage(req *request) []byte {
	seq := req.Header.SequenceNumber
	b.metrics.frames.WithLabelValues(req.Header.Command.String()).Inc()

	switch req.Header.Command {
	case usbip.CmdSubmit:
		err := b.inflight.Insert(seq, inflightRequest{
			Command:   req.Header.Command,
			Direction: req.Header.Direction,
			Endpoint:  req.Header.Endpoint,
			Received:  time.Now(),
		})
		if err != nil {
			_ = level.Warn(b.logger).Log("msg", "not tracking request", "seq", seq, "err", err)
		}
		b.metrics.inflight.Set(float64(b.inflight.Len()))
		reply := b.handleSubmit(req)
		b.inflight.Remove(seq)
		b.metrics.inflight.Set(float64(b.inflight.Len()))
		return reply
	case usbip.CmdUnlink:
		return usbip.EncodeUnlinkReply(seq)
	default:
		_ = level.Warn(b.logger).Log("msg", "unknown command", "cmd", uint32(req.Header.Command), "seq", seq)
		return nil
	}
}

func (b *Bridge) handleSubmit(req *request) []byte {
	hdr := req.Header
	var payload []byte

	switch {
	case hdr.Endpoint == usbip.EndpointControl:
		// acknowledged without touching the device
	case hdr.Direction == usbip.DirOut && hdr.Endpoint == usbip.EndpointOut && len(req.Payload) > 0:
		if resp := b.forwardToDevice(req.Payload); len(resp) > 0 {
			b.retain(resp)
		}
	case hdr.Direction == usbip.DirIn && hdr.Endpoint == usbip.EndpointIn:
		payload = b.takeRetained()
	}

	if hdr.Direction == usbip.DirIn {
		if len(payload) > 0 {
			b.metrics.forwardedBytes.WithLabelValues(usbip.DirIn.String()).Add(float64(len(payload)))
		}
		return usbip.EncodeSubmitReply(hdr.SequenceNumber, 0, uint32(len(payload)), payload)
	}
	return usbip.EncodeSubmitReply(hdr.SequenceNumber, 0, req.ActualLength, nil)
}

// forwardToDevice writes a report to the device and reads its immediate
// reply. Device failures are logged and yield no reply.
func (b *Bridge) forwardToDevice(data []byte) []byte {
	_, dev := b.resources()
	if dev == nil {
		_ = level.Error(b.logger).Log("msg", "not connected to HID device")
		return nil
	}

	if err := dev.Write(data); err != nil {
		b.metrics.deviceErrors.WithLabelValues("write").Inc()
		_ = level.Error(b.logger).Log("msg", "HID communication error", "op", "write", "err", err)
		return nil
	}
	b.metrics.deviceWrites.Inc()
	b.metrics.forwardedBytes.WithLabelValues(usbip.DirOut.String()).Add(float64(len(data)))
	b.logReport("wrote report to HID device", data)

	resp, err := dev.Read(b.cfg.PacketSize)
	if err != nil {
		b.metrics.deviceErrors.WithLabelValues("read").Inc()
		_ = level.Error(b.logger).Log("msg", "HID communication error", "op", "read", "err", err)
		return nil
	}
	b.logReport("read report from HID device", resp)
	return resp
}

func (b *Bridge) logReport(msg string, report []byte) {
	keyvals := []interface{}{"msg", msg, "len", len(report), "data", hex.EncodeToString(report)}
	if hdr, err := ctaphid.ParseHeader(report); err == nil {
		keyvals = append(keyvals, "ctaphid", hdr.String())
	}
	_ = level.Debug(b.logger).Log(keyvals...)
}

// retain queues a device reply for the next IN transfer, dropping the oldest
// reply when the queue is full.
func (b *Bridge) retain(report []byte) {
	if len(b.retained) >= retainedReportCapacity {
		_ = level.Warn(b.logger).Log("msg", "dropping unclaimed device reply", "len", len(b.retained[0]))
		b.retained = b.retained[1:]
	}
	b.retained = append(b.retained, report)
}

func (b *Bridge) takeRetained() []byte {
	if len(b.retained) == 0 {
		return nil
	}
	report := b.retained[0]
	b.retained = b.retained[1:]
	return report
}
