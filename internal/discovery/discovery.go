// Package discovery enumerates candidate bootload-target devices
// exposed as Linux tty nodes, for a CLI "list devices" command. It
// queries udev for attached character devices the way the teacher's
// deviceid.go queries a small well-known data source (tocalls.yaml) at
// startup and returns a typed list built from it — same "ask the
// platform, build a slice of structs" shape, swapped from a static
// device-id table to a live udev enumeration.
package discovery

import (
	"sort"

	"github.com/jochenvg/go-udev"
)

// Device describes one candidate serial device.
type Device struct {
	Path         string // e.g. /dev/ttyUSB0
	VendorID     string
	ProductID    string
	Serial       string
	Manufacturer string
}

// List enumerates tty devices backed by a USB-serial adapter (the
// common case for a bench bootload rig); tty devices without a USB
// parent device are skipped since they are unlikely to be bootload
// targets.
func List() ([]Device, error) {
	u := udev.Udev{}
	enum := u.NewEnumerate()

	if err := enum.AddMatchSubsystem("tty"); err != nil {
		return nil, err
	}

	devices, err := enum.Devices()
	if err != nil {
		return nil, err
	}

	var out []Device
	for _, d := range devices {
		path := d.Devnode()
		if path == "" {
			continue
		}

		parent := d.ParentWithSubsystemDevtype("usb", "usb_device")
		if parent == nil {
			continue
		}

		out = append(out, Device{
			Path:         path,
			VendorID:     parent.PropertyValue("ID_VENDOR_ID"),
			ProductID:    parent.PropertyValue("ID_MODEL_ID"),
			Serial:       parent.PropertyValue("ID_SERIAL_SHORT"),
			Manufacturer: parent.PropertyValue("ID_VENDOR"),
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}
