// SPDX-License-Identifier: GPL-2.0-only

package main

// This project is GPL-2.0, but this file contains code from generic-device-plugin.
// Original license notice below.
//
// Copyright 2020 the generic-device-plugin authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

import (
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/MatthiasValvekens/usbip-hid-bridge/bridge"
	"github.com/MatthiasValvekens/usbip-hid-bridge/driver"
	"github.com/MatthiasValvekens/usbip-hid-bridge/usbip"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/mitchellh/mapstructure"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
	"k8s.io/apimachinery/pkg/util/validation"
)

// initConfig defines config flags, config file, and envs
func initConfig() error {
	defaults := bridge.DefaultConfig()

	cfgFile := flag.String("config", "", "Path to the config file.")
	flag.String("host", defaults.Target.Host, "Host name or address of the USB/IP server.")
	flag.Int("port", defaults.Target.Port, "TCP port of the USB/IP server.")
	flag.String("hid-device", defaults.DevicePath, "Path to the HID gadget character device.")
	flag.String("gadget", "", "Name of a configfs USB gadget; when set, the HID device and packet size are taken from its first HID function.")
	flag.String("configfs-root", driver.ConfigFS, "Mount point of configfs.")
	flag.String("bus-id", "", "Bus id of the remote device to import. Defaults to the first listed device.")
	flag.Int("packet-size", defaults.PacketSize, "Maximum number of bytes read from the HID device per report.")
	flag.Uint32("max-payload", defaults.MaxPayloadLength, "Largest OUT payload accepted from the USB/IP server.")
	flag.Duration("handshake-timeout", defaults.HandshakeTimeout, "Deadline for connecting and for each handshake reply.")
	flag.Int("inflight-capacity", defaults.InflightCapacity, "Maximum number of tracked in-flight requests.")
	flag.String("log-level", logLevelInfo, fmt.Sprintf("Log level to use. Possible values: %s", availableLogLevels))
	flag.String("listen", ":8080", "The address at which to listen for health and metrics. Empty disables the server.")
	flag.Bool("check", false, "Check that the HID device and the USB/IP server are reachable, then exit.")
	flag.Bool("probe", false, "Send a CTAPHID INIT request to the HID device and check the reply, then exit.")

	flag.Parse()
	if err := viper.BindPFlags(flag.CommandLine); err != nil {
		return fmt.Errorf("failed to bind config: %w", err)
	}

	if *cfgFile != "" {
		viper.SetConfigFile(*cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath("/etc/usbip-hid-bridge/")
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found; ignore error
		} else {
			// Config file was found but another error was produced
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return nil
}

// decodeBridgeConfig turns a flat settings map into a bridge configuration.
// Keys that are absent keep their default.
func decodeBridgeConfig(settings map[string]interface{}) (bridge.Config, error) {
	cfg := bridge.DefaultConfig()
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cfg,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return cfg, err
	}
	if err := decoder.Decode(settings); err != nil {
		return cfg, fmt.Errorf("failed to decode bridge configuration: %w", err)
	}

	if errs := validation.IsValidPortNum(cfg.Target.Port); len(errs) > 0 {
		return cfg, fmt.Errorf("invalid port %d: %s", cfg.Target.Port, strings.Join(errs, ", "))
	}
	if net.ParseIP(cfg.Target.Host) == nil {
		if errs := validation.IsDNS1123Subdomain(cfg.Target.Host); len(errs) > 0 {
			return cfg, fmt.Errorf("failed to parse host %q: %s", cfg.Target.Host, strings.Join(errs, ", "))
		}
	}
	if len(cfg.BusId) > usbip.BusIdSize {
		return cfg, fmt.Errorf("bus id %q is longer than %d bytes", cfg.BusId, usbip.BusIdSize)
	}
	return cfg, cfg.Validate()
}

// resolveGadget points cfg at the first HID function of the named gadget.
func resolveGadget(cfg *bridge.Config, configfsRoot string, gadgetName string, logger log.Logger) error {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	inspector := driver.NewGadgetInspector(os.DirFS(configfsRoot), logger)
	fn, err := inspector.ResolveHIDFunction(gadgetName, "")
	if err != nil {
		return err
	}
	cfg.DevicePath = fn.DevPath
	if fn.ReportLength > 0 {
		cfg.PacketSize = fn.ReportLength
	}
	_ = level.Info(logger).Log(
		"msg", "resolved HID gadget function",
		"gadget", gadgetName,
		"function", fn.Instance,
		"device", fn.DevPath,
		"report_length", fn.ReportLength,
	)
	return nil
}
