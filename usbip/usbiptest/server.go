// SPDX-License-Identifier: GPL-2.0-only

// Package usbiptest provides a scripted USB/IP peer for tests. It serves a
// single connection: it answers devlist and import requests, then writes the
// scripted message-loop frames one at a time and collects the replies.
package usbiptest

import (
	"bytes"
	baseerrors "errors"
	"io"
	"net"
	"strconv"
	"sync"

	"github.com/MatthiasValvekens/usbip-hid-bridge/usbip"
	"github.com/efficientgo/core/errors"
)

// Request is a message-loop frame sent to the client under test.
type Request struct {
	Header  usbip.MessageHeader
	Setup   usbip.SetupPacket
	Payload []byte
}

// Step is one scripted frame. Raw bytes are written verbatim and never
// answered; a Request expects a reply when it is a SUBMIT or an UNLINK.
type Step struct {
	Request *Request
	Raw     []byte
}

// Reply is a reply received from the client under test.
type Reply struct {
	Header  usbip.ReturnHeader
	Payload []byte
}

type Config struct {
	Devices       []usbip.DeviceDescriptor
	DevlistStatus uint32
	ImportStatus  uint32
	// DevlistTrailer is written after the device count, whatever the count.
	DevlistTrailer []byte
	// DevlistRaw and ImportRaw replace the respective reply with the given
	// bytes, after which the connection is closed.
	DevlistRaw []byte
	ImportRaw  []byte
	Script     []Step
	// HoldOpen keeps the connection open after the script until Close.
	HoldOpen bool
}

type Server struct {
	cfg      Config
	listener net.Listener

	mu         sync.Mutex
	conn       net.Conn
	importedId string
	replies    []Reply

	done chan struct{}
	err  error
	stop chan struct{}
	once sync.Once
}

// EncodeRequest serializes r the way a USB/IP peer frames it.
func EncodeRequest(r Request) []byte {
	var buf bytes.Buffer
	buf.Write(usbip.EncodeMessageHeader(r.Header))
	if r.Header.Command == usbip.CmdSubmit {
		buf.Write(r.Setup[:])
		if r.Header.Direction == usbip.DirOut {
			buf.Write(usbip.EncodePayloadLength(uint32(len(r.Payload))))
			buf.Write(r.Payload)
		}
	}
	return buf.Bytes()
}

// NewServer starts listening on a loopback port.
func NewServer(cfg Config) (*Server, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, errors.Wrap(err, "failed to listen")
	}
	s := &Server{
		cfg:      cfg,
		listener: l,
		done:     make(chan struct{}),
		stop:     make(chan struct{}),
	}
	go func() {
		defer close(s.done)
		s.err = s.serve()
	}()
	return s, nil
}

func (s *Server) Target() usbip.Target {
	addr := s.listener.Addr().(*net.TCPAddr)
	return usbip.Target{Host: addr.IP.String(), Port: addr.Port}
}

func (s *Server) Addr() string {
	t := s.Target()
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// ImportedBusId is the bus id of the last import request.
func (s *Server) ImportedBusId() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.importedId
}

// Wait blocks until the connection has been served and returns the replies
// collected from the client.
func (s *Server) Wait() ([]Reply, error) {
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replies, s.err
}

// Close stops the listener and drops the connection.
func (s *Server) Close() {
	s.once.Do(func() {
		close(s.stop)
		_ = s.listener.Close()
		s.mu.Lock()
		if s.conn != nil {
			_ = s.conn.Close()
		}
		s.mu.Unlock()
	})
	<-s.done
}

func (s *Server) serve() error {
	conn, err := s.listener.Accept()
	if err != nil {
		return nil
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	defer func() { _ = conn.Close() }()

	imported, err := s.handshake(conn)
	if err != nil || !imported {
		return err
	}

	for _, step := range s.cfg.Script {
		if step.Request == nil {
			if _, err := conn.Write(step.Raw); err != nil {
				return errors.Wrap(err, "failed to write raw frame")
			}
			continue
		}
		if _, err := conn.Write(EncodeRequest(*step.Request)); err != nil {
			return errors.Wrap(err, "failed to write request")
		}
		cmd := step.Request.Header.Command
		if cmd != usbip.CmdSubmit && cmd != usbip.CmdUnlink {
			continue
		}
		reply, err := readReply(conn, step.Request.Header)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.replies = append(s.replies, reply)
		s.mu.Unlock()
	}

	if s.cfg.HoldOpen {
		<-s.stop
	}
	return nil
}

func (s *Server) handshake(conn net.Conn) (bool, error) {
	for {
		var req [usbip.RequestHeaderSize]byte
		if _, err := io.ReadFull(conn, req[:]); err != nil {
			if baseerrors.Is(err, io.EOF) {
				return false, nil
			}
			return false, errors.Wrap(err, "failed to read handshake request")
		}
		switch {
		case bytes.Equal(req[:], usbip.EncodeDevlistRequest()):
			if s.cfg.DevlistRaw != nil {
				_, err := conn.Write(s.cfg.DevlistRaw)
				return false, errors.Wrap(err, "failed to write devlist reply")
			}
			if err := s.writeDevlist(conn); err != nil {
				return false, err
			}
		default:
			var busId [usbip.BusIdSize]byte
			if _, err := io.ReadFull(conn, busId[:]); err != nil {
				return false, errors.Wrap(err, "failed to read import bus id")
			}
			full := append(req[:], busId[:]...)
			id := string(bytes.TrimRight(busId[:], "\x00"))
			if expected, _ := usbip.EncodeImportRequest(id); !bytes.Equal(full, expected) {
				return false, errors.Newf("unexpected handshake request %x", req)
			}
			s.mu.Lock()
			s.importedId = id
			s.mu.Unlock()
			return s.writeImport(conn, id)
		}
	}
}

func (s *Server) writeDevlist(conn net.Conn) error {
	var buf bytes.Buffer
	buf.Write(usbip.EncodeReplyHeader(usbip.ReplyHeader{Version: 0x0111, ReplyCode: 0x0005, Status: s.cfg.DevlistStatus}))
	buf.Write(usbip.EncodeDeviceCount(uint32(len(s.cfg.Devices))))
	buf.Write(s.cfg.DevlistTrailer)
	for _, d := range s.cfg.Devices {
		rec, err := usbip.EncodeDeviceDescriptor(d)
		if err != nil {
			return err
		}
		buf.Write(rec)
		buf.Write(usbip.EncodeInterfaces(d.Interfaces))
	}
	_, err := conn.Write(buf.Bytes())
	return errors.Wrap(err, "failed to write devlist reply")
}

func (s *Server) writeImport(conn net.Conn, busId string) (bool, error) {
	if s.cfg.ImportRaw != nil {
		_, err := conn.Write(s.cfg.ImportRaw)
		return false, errors.Wrap(err, "failed to write import reply")
	}
	status := s.cfg.ImportStatus
	var dev *usbip.DeviceDescriptor
	for i := range s.cfg.Devices {
		if s.cfg.Devices[i].BusId == busId {
			dev = &s.cfg.Devices[i]
			break
		}
	}
	if dev == nil && status == 0 {
		status = 1
	}

	var buf bytes.Buffer
	buf.Write(usbip.EncodeReplyHeader(usbip.ReplyHeader{Version: 0x0111, ReplyCode: 0x0003, Status: status}))
	if status == 0 {
		rec, err := usbip.EncodeDeviceDescriptor(*dev)
		if err != nil {
			return false, err
		}
		buf.Write(rec)
	}
	if _, err := conn.Write(buf.Bytes()); err != nil {
		return false, errors.Wrap(err, "failed to write import reply")
	}
	return status == 0, nil
}

func readReply(conn net.Conn, req usbip.MessageHeader) (Reply, error) {
	var b [usbip.ReplySize]byte
	if _, err := io.ReadFull(conn, b[:]); err != nil {
		return Reply{}, errors.Wrapf(err, "failed to read reply to sequence number %d", req.SequenceNumber)
	}
	hdr, err := usbip.DecodeReturnHeader(b[:])
	if err != nil {
		return Reply{}, err
	}
	reply := Reply{Header: hdr}
	if hdr.Command == usbip.RetSubmit && req.Direction == usbip.DirIn && hdr.ActualLength > 0 {
		reply.Payload = make([]byte, hdr.ActualLength)
		if _, err := io.ReadFull(conn, reply.Payload); err != nil {
			return Reply{}, errors.Wrap(err, "failed to read reply payload")
		}
	}
	return reply, nil
}
