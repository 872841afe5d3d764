// SPDX-License-Identifier: Apache-2.0

package driver

import "github.com/MatthiasValvekens/usbip-hid-bridge/usbip"

const (
	ConfigFS          = "/sys/kernel/config"
	usbGadgetDir      = "usb_gadget"
	functionsDir      = "functions"
	hidFunctionPrefix = "hid."
)

// HIDFunction is a HID function instance of a configfs USB gadget.
type HIDFunction struct {
	Instance     string
	Protocol     uint8
	Subclass     uint8
	ReportLength int
	Major        uint32
	Minor        uint32
	// DevPath is the character device backing the function.
	DevPath string
}

// Gadget describes a configfs USB gadget.
type Gadget struct {
	Name    string
	Vendor  usbip.USBID
	Product usbip.USBID
	// UDC is the controller the gadget is bound to, empty when unbound.
	UDC       string
	Functions []HIDFunction
}

func (g *Gadget) IsBound() bool {
	return g.UDC != ""
}
