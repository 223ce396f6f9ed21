package camera

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/vladimirvivien/go4vl/device"
	"github.com/vladimirvivien/go4vl/v4l2"
)

const (
	// V4L2_CID_FLASH_LED_MODE and its torch/none mode values.
	ctrlFlashLEDMode  = 0x009c0901
	flashLEDModeNone  = 0
	flashLEDModeTorch = 2

	captureFPS        = 30
	captureBufferSize = 4
)

// v4l2Handle wraps an opened go4vl device behind the handle seam.
type v4l2Handle struct {
	dev    *device.Device
	label  string
	width  int
	height int
}

// openV4L2 opens path requesting RGB24 at the tier's minimum width
// (0 requests the driver default) and records what the driver
// actually settled on.
func openV4L2(path string, minWidth int) (handle, error) {
	opts := []device.Option{
		device.WithIOType(v4l2.IOTypeMMAP),
		device.WithFPS(captureFPS),
		device.WithBufferSize(captureBufferSize),
	}
	if minWidth > 0 {
		opts = append(opts, device.WithPixFormat(v4l2.PixFormat{
			PixelFormat: v4l2.PixelFmtRGB24,
			Width:       uint32(minWidth),
			Height:      uint32(minWidth * 3 / 4),
		}))
	} else {
		opts = append(opts, device.WithPixFormat(v4l2.PixFormat{
			PixelFormat: v4l2.PixelFmtRGB24,
		}))
	}

	dev, err := device.Open(path, opts...)
	if err != nil {
		return nil, fmt.Errorf("camera: open %s: %w", path, err)
	}

	format, err := dev.GetPixFormat()
	if err != nil {
		_ = dev.Close()
		return nil, fmt.Errorf("camera: read negotiated format for %s: %w", path, err)
	}
	if format.PixelFormat != v4l2.PixelFmtRGB24 {
		_ = dev.Close()
		return nil, fmt.Errorf("camera: %s does not support RGB24 capture", path)
	}

	label := path
	if caps := dev.Capability(); caps.Card != "" {
		label = caps.Card
	}

	return &v4l2Handle{
		dev:    dev,
		label:  label,
		width:  int(format.Width),
		height: int(format.Height),
	}, nil
}

func (h *v4l2Handle) Label() string          { return h.label }
func (h *v4l2Handle) Negotiated() (int, int) { return h.width, h.height }
func (h *v4l2Handle) Close() error           { return h.dev.Close() }

func (h *v4l2Handle) Start(ctx context.Context) (<-chan []byte, error) {
	if err := h.dev.Start(ctx); err != nil {
		return nil, err
	}
	return h.dev.GetOutput(), nil
}

// SupportsTorch probes the flash LED control by reading it.
func (h *v4l2Handle) SupportsTorch() bool {
	_, err := h.dev.GetControl(ctrlFlashLEDMode)
	return err == nil
}

func (h *v4l2Handle) SetTorch(on bool) error {
	value := int32(flashLEDModeNone)
	if on {
		value = flashLEDModeTorch
	}
	return h.dev.SetControlValue(ctrlFlashLEDMode, value)
}

// listV4L2Paths enumerates /dev/video* nodes in numeric order.
func listV4L2Paths() ([]string, error) {
	entries, err := os.ReadDir("/dev")
	if err != nil {
		return nil, fmt.Errorf("camera: list devices: %w", err)
	}
	var paths []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "video") {
			paths = append(paths, "/dev/"+e.Name())
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// readV4L2Label reads a device's driver name without streaming.
// Returns "" when the device cannot be opened.
func readV4L2Label(path string) string {
	dev, err := device.Open(path)
	if err != nil {
		return ""
	}
	defer dev.Close()
	return dev.Capability().Card
}
