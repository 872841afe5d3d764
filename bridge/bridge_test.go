package bridge

import (
	"bytes"
	"context"
	baseerrors "errors"
	"testing"
	"time"

	"github.com/MatthiasValvekens/usbip-hid-bridge/ctaphid"
	"github.com/MatthiasValvekens/usbip-hid-bridge/usbip"
	"github.com/MatthiasValvekens/usbip-hid-bridge/usbip/usbiptest"
	"github.com/efficientgo/core/testutil"
	"github.com/prometheus/client_golang/prometheus"
)

func fidoDevice(busId string) usbip.DeviceDescriptor {
	return usbip.DeviceDescriptor{
		Path:              "/sys/devices/platform/vhci_hcd.0/usb2/" + busId,
		BusId:             busId,
		BusNum:            2,
		DevNum:            2,
		Speed:             2,
		Vendor:            0x18d1,
		Product:           0x5022,
		NumConfigurations: 1,
		NumInterfaces:     1,
		Interfaces:        []usbip.InterfaceDescription{{InterfaceClass: 0x03}},
	}
}

func startServer(t *testing.T, cfg usbiptest.Config) *usbiptest.Server {
	t.Helper()
	srv, err := usbiptest.NewServer(cfg)
	testutil.Ok(t, err)
	t.Cleanup(srv.Close)
	return srv
}

func newBridge(srv *usbiptest.Server, dev *fakeDevice, mutate func(*Config)) *Bridge {
	cfg := DefaultConfig()
	cfg.Target = srv.Target()
	cfg.DevicePath = "/dev/hidg-test"
	if mutate != nil {
		mutate(&cfg)
	}
	return New(cfg, nil, dev.opener(), nil, prometheus.NewRegistry())
}

func outRequest(seq uint32, payload []byte) *usbiptest.Request {
	return &usbiptest.Request{
		Header: usbip.MessageHeader{
			Command:        usbip.CmdSubmit,
			SequenceNumber: seq,
			Direction:      usbip.DirOut,
			Endpoint:       usbip.EndpointOut,
		},
		Payload: payload,
	}
}

func TestEndToEnd(t *testing.T) {
	payload := append([]byte("TEST_OUT_DATA"), make([]byte, 51)...)
	srv := startServer(t, usbiptest.Config{
		Devices: []usbip.DeviceDescriptor{fidoDevice("2-2")},
		Script:  []usbiptest.Step{{Request: outRequest(123, payload)}},
	})
	dev := &fakeDevice{reads: [][]byte{append([]byte("RESPONSE"), make([]byte, 56)...)}}
	b := newBridge(srv, dev, nil)

	testutil.Ok(t, b.Run(context.Background()))

	replies, err := srv.Wait()
	testutil.Ok(t, err)
	testutil.Equals(t, "2-2", srv.ImportedBusId())
	testutil.Equals(t, [][]byte{payload}, dev.Writes())
	testutil.Equals(t, 1, len(replies))
	testutil.Equals(t, usbip.ReturnHeader{
		Command:        usbip.RetSubmit,
		SequenceNumber: 123,
		ActualLength:   64,
	}, replies[0].Header)
	testutil.Equals(t, 0, len(replies[0].Payload))

	testutil.Equals(t, StateClosed, b.State())
	testutil.Equals(t, 1, dev.Closed())
}

func TestMessageLoopScript(t *testing.T) {
	unknown := usbiptest.EncodeRequest(usbiptest.Request{Header: usbip.MessageHeader{Command: 0xFFFF, SequenceNumber: 126}})
	srv := startServer(t, usbiptest.Config{
		Devices: []usbip.DeviceDescriptor{fidoDevice("2-2")},
		Script: []usbiptest.Step{
			{Request: outRequest(1, []byte("ping"))},
			{Raw: unknown},
			{Request: &usbiptest.Request{Header: usbip.MessageHeader{
				Command: usbip.CmdSubmit, SequenceNumber: 2, Direction: usbip.DirIn, Endpoint: usbip.EndpointIn,
			}}},
			{Request: &usbiptest.Request{Header: usbip.MessageHeader{
				Command: usbip.CmdSubmit, SequenceNumber: 3, Direction: usbip.DirOut, Endpoint: usbip.EndpointControl,
			}, Payload: []byte{0x21, 0x09}}},
			{Request: &usbiptest.Request{Header: usbip.MessageHeader{Command: usbip.CmdUnlink, SequenceNumber: 4}}},
		},
	})
	dev := &fakeDevice{reads: [][]byte{[]byte("pong")}}
	b := newBridge(srv, dev, nil)

	testutil.Ok(t, b.Run(context.Background()))

	replies, err := srv.Wait()
	testutil.Ok(t, err)
	testutil.Equals(t, 4, len(replies))
	testutil.Equals(t, uint32(1), replies[0].Header.SequenceNumber)
	testutil.Equals(t, uint32(2), replies[1].Header.SequenceNumber)
	testutil.Equals(t, []byte("pong"), replies[1].Payload)
	testutil.Equals(t, uint32(2), replies[2].Header.ActualLength)
	testutil.Equals(t, usbip.ReturnHeader{Command: usbip.RetUnlink, SequenceNumber: 4}, replies[3].Header)
	testutil.Equals(t, [][]byte{[]byte("ping")}, dev.Writes())
}

func TestAttachFailsWithoutDevices(t *testing.T) {
	srv := startServer(t, usbiptest.Config{
		// whatever follows a zero count must not matter
		DevlistTrailer: bytes.Repeat([]byte{0xff}, usbip.DeviceRecordSize),
	})
	dev := &fakeDevice{}
	b := newBridge(srv, dev, nil)

	testutil.Ok(t, b.Connect())
	err := b.AttachDevice()
	testutil.NotOk(t, err)
	testutil.Equals(t, usbip.KindProtocol, usbip.KindOf(err))
	testutil.Equals(t, StateConnected, b.State())

	b.Cleanup()
	testutil.Equals(t, StateClosed, b.State())
	testutil.Equals(t, 1, dev.Closed())
}

func TestAttachSelectsBusId(t *testing.T) {
	devices := []usbip.DeviceDescriptor{fidoDevice("2-1"), fidoDevice("2-2")}

	t.Run("first listed", func(t *testing.T) {
		srv := startServer(t, usbiptest.Config{Devices: devices, HoldOpen: true})
		b := newBridge(srv, &fakeDevice{}, nil)
		defer b.Cleanup()
		testutil.Ok(t, b.Connect())
		testutil.Ok(t, b.AttachDevice())
		testutil.Equals(t, StateAttached, b.State())
		testutil.Equals(t, "2-1", srv.ImportedBusId())
	})
	t.Run("configured", func(t *testing.T) {
		srv := startServer(t, usbiptest.Config{Devices: devices, HoldOpen: true})
		b := newBridge(srv, &fakeDevice{}, func(c *Config) { c.BusId = "2-2" })
		defer b.Cleanup()
		testutil.Ok(t, b.Connect())
		testutil.Ok(t, b.AttachDevice())
		testutil.Equals(t, "2-2", srv.ImportedBusId())
	})
	t.Run("configured but not listed", func(t *testing.T) {
		srv := startServer(t, usbiptest.Config{Devices: devices})
		b := newBridge(srv, &fakeDevice{}, func(c *Config) { c.BusId = "9-9" })
		defer b.Cleanup()
		testutil.Ok(t, b.Connect())
		err := b.AttachDevice()
		testutil.Equals(t, usbip.KindProtocol, usbip.KindOf(err))
		testutil.Equals(t, StateConnected, b.State())
	})
}

func TestStateOrdering(t *testing.T) {
	srv := startServer(t, usbiptest.Config{Devices: []usbip.DeviceDescriptor{fidoDevice("2-2")}})
	b := newBridge(srv, &fakeDevice{}, nil)

	testutil.Assert(t, baseerrors.Is(b.AttachDevice(), ErrInvalidState))
	testutil.Assert(t, baseerrors.Is(b.ProcessMessages(), ErrInvalidState))
	testutil.Ok(t, b.Connect())
	testutil.Assert(t, baseerrors.Is(b.Connect(), ErrInvalidState))
	testutil.Assert(t, baseerrors.Is(b.ProcessMessages(), ErrInvalidState))

	b.Cleanup()
	b.Cleanup()
	testutil.Assert(t, baseerrors.Is(b.Connect(), ErrInvalidState))
}

func TestConnectReleasesOnPartialFailure(t *testing.T) {
	srv := startServer(t, usbiptest.Config{Devices: []usbip.DeviceDescriptor{fidoDevice("2-2")}})
	cfg := DefaultConfig()
	cfg.Target = srv.Target()
	b := New(cfg, nil, failingOpener, nil, nil)

	err := b.Connect()
	testutil.Equals(t, usbip.KindDevice, usbip.KindOf(err))
	testutil.Equals(t, StateDisconnected, b.State())

	// the server sees the connection go away without a request
	_, err = srv.Wait()
	testutil.Ok(t, err)
}

func TestConnectRefused(t *testing.T) {
	srv := startServer(t, usbiptest.Config{})
	target := srv.Target()
	srv.Close()

	dev := &fakeDevice{}
	cfg := DefaultConfig()
	cfg.Target = target
	b := New(cfg, nil, dev.opener(), nil, nil)

	err := b.Run(context.Background())
	testutil.Equals(t, usbip.KindConnection, usbip.KindOf(err))
	testutil.Equals(t, 0, dev.Closed())
}

func TestTruncatedHeaderEndsLoop(t *testing.T) {
	srv := startServer(t, usbiptest.Config{
		Devices: []usbip.DeviceDescriptor{fidoDevice("2-2")},
		Script:  []usbiptest.Step{{Raw: []byte{0, 0, 0, 1, 0, 0}}},
	})
	dev := &fakeDevice{}
	b := newBridge(srv, dev, nil)

	err := b.Run(context.Background())
	testutil.Equals(t, usbip.KindProtocol, usbip.KindOf(err))
	testutil.Equals(t, StateClosed, b.State())
	testutil.Equals(t, 1, dev.Closed())
}

func TestOversizedPayloadEndsLoop(t *testing.T) {
	srv := startServer(t, usbiptest.Config{
		Devices: []usbip.DeviceDescriptor{fidoDevice("2-2")},
		Script:  []usbiptest.Step{{Request: outRequest(1, make([]byte, 65))}},
	})
	dev := &fakeDevice{}
	b := newBridge(srv, dev, func(c *Config) { c.MaxPayloadLength = 64 })

	err := b.Run(context.Background())
	testutil.Equals(t, usbip.KindProtocol, usbip.KindOf(err))
	testutil.Equals(t, 0, len(dev.Writes()))
}

func TestRunInterrupted(t *testing.T) {
	srv := startServer(t, usbiptest.Config{
		Devices:  []usbip.DeviceDescriptor{fidoDevice("2-2")},
		HoldOpen: true,
	})
	dev := &fakeDevice{}
	b := newBridge(srv, dev, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for b.State() != StateRunning {
		testutil.Assert(t, time.Now().Before(deadline), "bridge never started processing messages")
		time.Sleep(10 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		testutil.Ok(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("bridge did not stop after cancellation")
	}
	testutil.Equals(t, StateClosed, b.State())
	testutil.Equals(t, 1, dev.Closed())
}

func TestPreflight(t *testing.T) {
	for _, tc := range []struct {
		name    string
		devices []usbip.DeviceDescriptor
		opener  func(dev *fakeDevice) DeviceOpener
		kind    usbip.Kind
	}{
		{
			name:    "device and server ready",
			devices: []usbip.DeviceDescriptor{fidoDevice("2-2")},
			opener:  (*fakeDevice).opener,
		},
		{
			name:    "server exports nothing",
			devices: nil,
			opener:  (*fakeDevice).opener,
			kind:    usbip.KindProtocol,
		},
		{
			name:    "device missing",
			devices: []usbip.DeviceDescriptor{fidoDevice("2-2")},
			opener:  func(*fakeDevice) DeviceOpener { return failingOpener },
			kind:    usbip.KindDevice,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			srv := startServer(t, usbiptest.Config{Devices: tc.devices})
			cfg := DefaultConfig()
			cfg.Target = srv.Target()

			dev := &fakeDevice{}
			err := Preflight(cfg, tc.opener(dev), nil)
			if tc.kind == usbip.KindUnknown {
				testutil.Ok(t, err)
				testutil.Equals(t, 1, dev.Closed())
				return
			}
			testutil.NotOk(t, err)
			testutil.Equals(t, tc.kind, usbip.KindOf(err))
		})
	}
}

func TestAttachFailsOnShortHandshake(t *testing.T) {
	devlistHeader := usbip.EncodeReplyHeader(usbip.ReplyHeader{Version: 0x0111, ReplyCode: 0x0005})
	importHeader := usbip.EncodeReplyHeader(usbip.ReplyHeader{Version: 0x0111, ReplyCode: 0x0003})

	for _, tc := range []struct {
		name string
		cfg  usbiptest.Config
	}{
		{
			name: "truncated devlist header",
			cfg:  usbiptest.Config{DevlistRaw: devlistHeader[:3]},
		},
		{
			name: "closed before device count",
			cfg:  usbiptest.Config{DevlistRaw: devlistHeader},
		},
		{
			name: "closed before import reply",
			cfg: usbiptest.Config{
				Devices:   []usbip.DeviceDescriptor{fidoDevice("2-2")},
				ImportRaw: []byte{},
			},
		},
		{
			name: "truncated import record",
			cfg: usbiptest.Config{
				Devices:   []usbip.DeviceDescriptor{fidoDevice("2-2")},
				ImportRaw: append(importHeader, make([]byte, 100)...),
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			srv := startServer(t, tc.cfg)
			b := newBridge(srv, &fakeDevice{}, nil)
			defer b.Cleanup()

			testutil.Ok(t, b.Connect())
			err := b.AttachDevice()
			testutil.NotOk(t, err)
			testutil.Equals(t, usbip.KindProtocol, usbip.KindOf(err))
			testutil.Equals(t, StateConnected, b.State())
		})
	}
}

// slowCloseDevice blocks in Close until released.
type slowCloseDevice struct {
	fakeDevice
	closing chan struct{}
	release chan struct{}
}

func (d *slowCloseDevice) Close() error {
	close(d.closing)
	<-d.release
	return d.fakeDevice.Close()
}

func TestCleanupWaitsForRelease(t *testing.T) {
	dev := &slowCloseDevice{closing: make(chan struct{}), release: make(chan struct{})}
	b := New(DefaultConfig(), nil, nil, nil, nil)
	b.session = session{state: StateRunning, device: dev}

	go b.Cleanup()
	<-dev.closing

	second := make(chan struct{})
	go func() {
		b.Cleanup()
		close(second)
	}()
	select {
	case <-second:
		t.Fatal("cleanup returned while the device was still being closed")
	case <-time.After(50 * time.Millisecond):
	}

	close(dev.release)
	select {
	case <-second:
	case <-time.After(5 * time.Second):
		t.Fatal("cleanup did not return after the device closed")
	}
	testutil.Equals(t, 1, dev.Closed())
	testutil.Equals(t, StateClosed, b.State())
}

func TestOperationsWithoutConnectionAreRejected(t *testing.T) {
	dev := &fakeDevice{}
	b := New(DefaultConfig(), nil, dev.opener(), nil, nil)

	b.session = session{state: StateConnected, device: dev}
	testutil.Assert(t, baseerrors.Is(b.AttachDevice(), ErrInvalidState))

	b.session = session{state: StateAttached, device: dev}
	testutil.Assert(t, baseerrors.Is(b.ProcessMessages(), ErrInvalidState))
	testutil.Equals(t, StateAttached, b.State())
}

// echoAuthenticator answers a CTAPHID INIT with its own nonce.
type echoAuthenticator struct {
	fakeDevice
	corrupt bool
}

func (a *echoAuthenticator) Write(b []byte) error {
	if err := a.fakeDevice.Write(b); err != nil {
		return err
	}
	payload := make([]byte, 17)
	copy(payload, b[ctaphid.InitHeaderSize:ctaphid.InitHeaderSize+ctaphid.NonceSize])
	if a.corrupt {
		payload[0] ^= 0xff
	}
	copy(payload[8:12], []byte{0, 0, 0, 1})
	reply, err := ctaphid.NewInitPacket(ctaphid.BroadcastChannel, ctaphid.CommandInit, payload)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.reads = append(a.reads, reply)
	a.mu.Unlock()
	return nil
}

func TestProbe(t *testing.T) {
	resp, err := Probe(&echoAuthenticator{}, DefaultPacketSize, nil)
	testutil.Ok(t, err)
	testutil.Equals(t, ctaphid.ChannelID(1), resp.ChannelID)

	_, err = Probe(&echoAuthenticator{corrupt: true}, DefaultPacketSize, nil)
	testutil.Equals(t, usbip.KindProtocol, usbip.KindOf(err))

	_, err = Probe(&fakeDevice{}, DefaultPacketSize, nil)
	testutil.Equals(t, usbip.KindProtocol, usbip.KindOf(err))
}
