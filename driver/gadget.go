// SPDX-License-Identifier: Apache-2.0

package driver

import (
	baseerrors "errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"github.com/MatthiasValvekens/usbip-hid-bridge/usbip"
	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
)

// GadgetInspector reads HID gadget configuration from a configfs tree.
type GadgetInspector struct {
	fsys   fs.FS
	logger log.Logger
}

func gadgetPath(name string) string {
	return path.Join(usbGadgetDir, name)
}

func (d *GadgetInspector) readAttribute(dir string, attributeName string) (string, error) {
	content, err := fs.ReadFile(d.fsys, path.Join(dir, attributeName))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(content)), nil
}

func (d *GadgetInspector) readUint8Attribute(dir string, attributeName string) (uint8, error) {
	attrStr, err := d.readAttribute(dir, attributeName)
	if err != nil {
		return 0, err
	}
	var result uint8 = 0
	_, err = fmt.Sscanf(attrStr, "%d", &result)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to read attribute %s", attributeName)
	}
	return result, nil
}

func (d *GadgetInspector) readIntAttribute(dir string, attributeName string) (int, error) {
	attrStr, err := d.readAttribute(dir, attributeName)
	if err != nil {
		return 0, err
	}
	var result = 0
	_, err = fmt.Sscanf(attrStr, "%d", &result)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to read attribute %s", attributeName)
	}
	return result, nil
}

func (d *GadgetInspector) readUint16HexAttribute(dir string, attributeName string) (uint16, error) {
	attrStr, err := d.readAttribute(dir, attributeName)
	if err != nil {
		return 0, err
	}
	var result uint16 = 0
	_, err = fmt.Sscanf(strings.TrimPrefix(attrStr, "0x"), "%x", &result)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to read attribute %s", attributeName)
	}
	return result, nil
}

func (d *GadgetInspector) describeFunction(dir string, instance string) (HIDFunction, error) {
	protocol, protoErr := d.readUint8Attribute(dir, "protocol")
	subclass, subErr := d.readUint8Attribute(dir, "subclass")
	reportLength, lenErr := d.readIntAttribute(dir, "report_length")

	devStr, devErr := d.readAttribute(dir, "dev")
	var major, minor uint32
	if devErr == nil {
		if _, err := fmt.Sscanf(devStr, "%d:%d", &major, &minor); err != nil {
			devErr = errors.Wrapf(err, "failed to parse device number %q", devStr)
		}
	}

	totalErr := baseerrors.Join(protoErr, subErr, lenErr, devErr)
	if totalErr != nil {
		return HIDFunction{}, errors.Wrapf(totalErr, "failed to describe HID function %s", instance)
	}

	return HIDFunction{
		Instance:     instance,
		Protocol:     protocol,
		Subclass:     subclass,
		ReportLength: reportLength,
		Major:        major,
		Minor:        minor,
		DevPath:      fmt.Sprintf("/dev/hidg%d", minor),
	}, nil
}

// DescribeGadget reads the identity, UDC binding and HID functions of the
// named gadget.
func (d *GadgetInspector) DescribeGadget(name string) (*Gadget, error) {
	dir := gadgetPath(name)

	vendor, vendErr := d.readUint16HexAttribute(dir, "idVendor")
	product, prodErr := d.readUint16HexAttribute(dir, "idProduct")
	if err := baseerrors.Join(vendErr, prodErr); err != nil {
		return nil, usbip.DeviceError(err, "failed to describe gadget "+name)
	}
	// an unbound gadget may lack the attribute altogether
	udc, _ := d.readAttribute(dir, "UDC")

	gadget := &Gadget{
		Name:    name,
		Vendor:  usbip.USBID(vendor),
		Product: usbip.USBID(product),
		UDC:     udc,
	}

	entries, err := fs.ReadDir(d.fsys, path.Join(dir, functionsDir))
	if err != nil {
		return nil, usbip.DeviceError(err, "failed to list functions of gadget "+name)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	for _, entry := range entries {
		if !strings.HasPrefix(entry.Name(), hidFunctionPrefix) {
			continue
		}
		instance := strings.TrimPrefix(entry.Name(), hidFunctionPrefix)
		fn, err := d.describeFunction(path.Join(dir, functionsDir, entry.Name()), instance)
		if err != nil {
			return nil, usbip.DeviceError(err, "failed to describe gadget "+name)
		}
		_ = d.logger.Log("msg", "found HID function", "gadget", name, "instance", instance, "dev", fn.DevPath, "report_length", fn.ReportLength)
		gadget.Functions = append(gadget.Functions, fn)
	}

	return gadget, nil
}

// ResolveHIDFunction returns the named HID function of a bound gadget, or its
// first HID function if instance is empty.
func (d *GadgetInspector) ResolveHIDFunction(gadgetName string, instance string) (*HIDFunction, error) {
	gadget, err := d.DescribeGadget(gadgetName)
	if err != nil {
		return nil, err
	}
	if !gadget.IsBound() {
		return nil, usbip.DeviceError(errors.Newf("gadget %s is not bound to a UDC", gadgetName), "gadget unusable")
	}
	for i := range gadget.Functions {
		if instance == "" || gadget.Functions[i].Instance == instance {
			return &gadget.Functions[i], nil
		}
	}
	if instance == "" {
		return nil, usbip.DeviceError(errors.Newf("gadget %s has no HID function", gadgetName), "gadget unusable")
	}
	return nil, usbip.DeviceError(errors.Newf("gadget %s has no HID function %s", gadgetName, instance), "gadget unusable")
}

// NewGadgetInspector reads gadgets from fsys, which is rooted at the configfs
// mount point.
func NewGadgetInspector(fsys fs.FS, logger log.Logger) *GadgetInspector {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &GadgetInspector{
		fsys:   fsys,
		logger: logger,
	}
}
