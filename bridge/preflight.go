// SPDX-License-Identifier: GPL-2.0-only

package bridge

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	baseerrors "errors"
	"time"

	"github.com/MatthiasValvekens/usbip-hid-bridge/ctaphid"
	"github.com/MatthiasValvekens/usbip-hid-bridge/usbip"
	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// PreflightDialTimeout bounds the reachability check of the USB/IP peer.
const PreflightDialTimeout = 2 * time.Second

// Preflight checks that the HID device can be opened for reading and writing
// and that the USB/IP peer accepts connections and lists at least one device. It does not touch the
// session; both resources are released before it returns.
func Preflight(cfg Config, openDevice DeviceOpener, logger log.Logger) error {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if openDevice == nil {
		openDevice = OpenHIDDevice
	}

	var deviceErr error
	if dev, err := openDevice(cfg.DevicePath); err != nil {
		deviceErr = err
		_ = level.Error(logger).Log("msg", "HID device test failed", "path", cfg.DevicePath, "err", err)
	} else {
		_ = dev.Close()
		_ = level.Info(logger).Log("msg", "HID device is accessible", "path", cfg.DevicePath)
	}

	peerErr := checkPeer(cfg.Target)
	if peerErr != nil {
		_ = level.Error(logger).Log("msg", "USB/IP server test failed", "target", cfg.Target, "err", peerErr)
	} else {
		_ = level.Info(logger).Log("msg", "USB/IP server exports devices", "target", cfg.Target)
	}

	if err := baseerrors.Join(deviceErr, peerErr); err != nil {
		return errors.Wrap(err, "preflight checks failed")
	}
	_ = level.Info(logger).Log("msg", "all preflight checks passed")
	return nil
}

// checkPeer dials target and sends a devlist request, all within
// PreflightDialTimeout.
func checkPeer(target usbip.Target) error {
	conn, err := (usbip.NetDialer{Timeout: PreflightDialTimeout}).Dial(target)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.SetReadDeadline(time.Now().Add(PreflightDialTimeout)); err != nil {
		return err
	}
	devices, err := conn.ListRequest()
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		return usbip.ProtocolError("no devices available")
	}
	return nil
}

// Probe sends a CTAPHID INIT request to an authenticator behind dev and
// checks that it echoes the nonce on the broadcast channel.
func Probe(dev Device, packetSize int, logger log.Logger) (*ctaphid.InitResponse, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	var nonce [ctaphid.NonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, errors.Wrap(err, "failed to generate nonce")
	}
	report, err := ctaphid.NewInitPacket(ctaphid.BroadcastChannel, ctaphid.CommandInit, nonce[:])
	if err != nil {
		return nil, err
	}
	if len(report) > packetSize {
		return nil, errors.Newf("packet size %d is smaller than a CTAPHID report", packetSize)
	}

	_ = level.Info(logger).Log("msg", "writing probe report", "nonce", hex.EncodeToString(nonce[:]))
	if err := dev.Write(report); err != nil {
		return nil, err
	}
	reply, err := dev.Read(packetSize)
	if err != nil {
		return nil, err
	}
	resp, err := ctaphid.ParseInitResponse(reply)
	if err != nil {
		return nil, usbip.WrapProtocolError(err, "unexpected probe reply")
	}
	if !bytes.Equal(resp.Nonce[:], nonce[:]) {
		return nil, usbip.ProtocolError("probe reply nonce mismatch")
	}
	_ = level.Info(logger).Log("msg", "probe successful", "cid", uint32(resp.ChannelID), "version", resp.ProtocolVersion)
	return resp, nil
}
