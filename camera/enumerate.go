package camera

import "fmt"

// Device describes an attached capture device.
type Device struct {
	// ID is the device path, usable with PreferDevice.
	ID string
	// Label is the driver-reported name, or a numbered placeholder
	// when labels were not probed or could not be read.
	Label string
}

// ListDevices enumerates attached capture devices. With probeLabels
// set, each device is briefly opened to read its real label; without
// it (or when a device refuses to open) entries carry placeholder
// labels so callers still get stable, display-ready names.
func (a *Acquirer) ListDevices(probeLabels bool) ([]Device, error) {
	paths, err := a.list()
	if err != nil {
		return nil, err
	}

	devices := make([]Device, 0, len(paths))
	for i, path := range paths {
		label := ""
		if probeLabels {
			label = a.label(path)
		}
		if label == "" {
			if i == 0 {
				label = "Default Camera"
			} else {
				label = fmt.Sprintf("Camera %d", i+1)
			}
		}
		devices = append(devices, Device{ID: path, Label: label})
	}
	return devices, nil
}
