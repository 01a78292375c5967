package gpuadapter

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/wlcapture/bridge/internal/dmabuf"
	"github.com/wlcapture/bridge/internal/format"
	"github.com/wlcapture/bridge/internal/logging"
)

func init() {
	registerHardwareFactory("dmabuf-passthrough", newPassthroughAdapter)
}

// passthroughAdapter is the AMD/Intel VA-API path: it never imports
// into a separate GPU context at all. Each plane fd is wrapped as a
// downstream-pipeline memory block with DONT_CLOSE semantics — the fd
// stays owned by the DMA-BUF Descriptor carried inside the returned
// Frame, so releasing it is the caller's job, same as every other
// Frame kind.
type passthroughAdapter struct {
	log *slog.Logger
}

// newPassthroughAdapter only succeeds when the render node exists and
// its vendor is not NVIDIA — NVIDIA GPUs are routed to the CUDA
// adapter instead since their DMA-BUF exports aren't reliably
// importable by non-NVIDIA VA-API consumers.
func newPassthroughAdapter(renderNode string, deviceID int) (Adapter, error) {
	if renderNode == "" {
		return nil, fmt.Errorf("gpuadapter: passthrough requires a render node")
	}
	if _, err := os.Stat(renderNode); err != nil {
		return nil, fmt.Errorf("gpuadapter: render node %s: %w", renderNode, err)
	}
	if vendor, err := renderNodeVendor(renderNode); err == nil && vendor == vendorNVIDIA {
		return nil, fmt.Errorf("gpuadapter: render node %s is NVIDIA, prefer CUDA adapter", renderNode)
	}
	return &passthroughAdapter{log: logging.L("gpuadapter.passthrough")}, nil
}

func (a *passthroughAdapter) Name() string { return "dmabuf-passthrough" }

func (a *passthroughAdapter) Close() error { return nil }

func (a *passthroughAdapter) Import(desc *dmabuf.Descriptor, pf format.PipelineFormat) (*Frame, error) {
	planes := desc.Planes()
	if len(planes) == 0 {
		return nil, &AdapterError{Kind: ErrorImport, Err: fmt.Errorf("descriptor has no planes")}
	}

	strides := make([]uint32, len(planes))
	offsets := make([]uint32, len(planes))
	for i, p := range planes {
		strides[i] = p.Stride
		offsets[i] = p.Offset
	}

	return &Frame{
		Kind:   FrameKindDMABuf,
		DMABuf: desc,
		Meta: VideoMeta{
			Format:    pf,
			Width:     desc.Width,
			Height:    desc.Height,
			DRMFourCC: desc.FourCC,
			Modifier:  desc.Modifier,
			Strides:   strides,
			Offsets:   offsets,
		},
	}, nil
}

type gpuVendor int

const (
	vendorUnknown gpuVendor = iota
	vendorNVIDIA
	vendorAMD
	vendorIntel
)

// renderNodeVendor reads the PCI vendor id backing a DRM render node
// via sysfs, the same lightweight probing style as the teacher's raw
// ioctl/sysfs reads for hardware capability checks.
func renderNodeVendor(renderNode string) (gpuVendor, error) {
	name := filepath.Base(renderNode)
	vendorPath := filepath.Join("/sys/class/drm", name, "device", "vendor")
	raw, err := os.ReadFile(vendorPath)
	if err != nil {
		return vendorUnknown, err
	}
	switch strings.TrimSpace(string(raw)) {
	case "0x10de":
		return vendorNVIDIA, nil
	case "0x1002":
		return vendorAMD, nil
	case "0x8086":
		return vendorIntel, nil
	default:
		return vendorUnknown, nil
	}
}
