// SPDX-License-Identifier: GPL-2.0-only

package usbip

import (
	baseerrors "errors"
	"io"
	"net"
	"sync"
	"time"
)

// Dialer opens a Connection to a USB/IP peer.
type Dialer interface {
	Dial(t Target) (*Connection, error)
}

// NetDialer dials over TCP. A zero Timeout means no connect timeout.
type NetDialer struct {
	Timeout time.Duration
}

func (d NetDialer) Dial(t Target) (*Connection, error) {
	return t.DialTimeout(d.Timeout)
}

// Connection is a blocking stream to a USB/IP peer.
type Connection struct {
	Target     Target
	connection net.Conn

	closeOnce sync.Once
}

func (t Target) Dial() (usbipConn *Connection, err error) {
	return t.DialTimeout(0)
}

func (t Target) DialTimeout(timeout time.Duration) (*Connection, error) {
	targetString := t.String()
	conn, err := net.DialTimeout("tcp", targetString, timeout)
	if err != nil {
		return nil, ConnectionError(err, "failed to connect to USB/IP target at "+targetString)
	}
	return NewConnection(t, conn), nil
}

// NewConnection wraps an established stream.
func NewConnection(t Target, conn net.Conn) *Connection {
	return &Connection{
		Target:     t,
		connection: conn,
	}
}

func (c *Connection) GetTarget() Target {
	return c.Target
}

// Send blocks until all of b has been written.
func (c *Connection) Send(b []byte) error {
	// net.Conn.Write only returns early together with an error
	if _, err := c.connection.Write(b); err != nil {
		return ConnectionError(err, "failed to send to USB/IP target")
	}
	return nil
}

// ReceiveExact blocks until exactly n bytes have been read. It returns io.EOF
// if the peer closed the stream before sending any of them, and a
// KindProtocol error if it closed mid-frame.
func (c *Connection) ReceiveExact(n int) ([]byte, error) {
	buf := make([]byte, n)
	read, err := io.ReadFull(c.connection, buf)
	switch {
	case err == nil:
		return buf, nil
	case baseerrors.Is(err, io.EOF):
		return nil, io.EOF
	case baseerrors.Is(err, io.ErrUnexpectedEOF):
		return buf[:read], ProtocolError("truncated frame: got %d of %d bytes", read, n)
	default:
		return buf[:read], ConnectionError(err, "failed to receive from USB/IP target")
	}
}

// SetReadDeadline bounds subsequent receives. A zero t clears the deadline.
func (c *Connection) SetReadDeadline(t time.Time) error {
	if err := c.connection.SetReadDeadline(t); err != nil {
		return ConnectionError(err, "failed to set read deadline")
	}
	return nil
}

// Close is idempotent.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		_ = c.connection.Close()
	})
}
