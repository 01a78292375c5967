package gpuadapter

import (
	"fmt"
	"log/slog"

	"golang.org/x/sys/unix"

	"github.com/wlcapture/bridge/internal/dmabuf"
	"github.com/wlcapture/bridge/internal/format"
	"github.com/wlcapture/bridge/internal/logging"
)

// systemMemoryAdapter is the adapter with no GPU interop requirement:
// it mmaps the producer's DMA-BUF read-only and copies pixels into a
// newly allocated pipeline buffer. Always available, used as the last
// resort when neither CUDA nor DMA-BUF passthrough can be selected.
type systemMemoryAdapter struct {
	log *slog.Logger
}

func newSystemMemoryAdapter(renderNode string) (Adapter, error) {
	return &systemMemoryAdapter{log: logging.L("gpuadapter.system")}, nil
}

func (a *systemMemoryAdapter) Name() string { return "system-memory" }

func (a *systemMemoryAdapter) Close() error { return nil }

func (a *systemMemoryAdapter) Import(desc *dmabuf.Descriptor, pf format.PipelineFormat) (*Frame, error) {
	planes := desc.Planes()
	if len(planes) == 0 {
		return nil, &AdapterError{Kind: ErrorImport, Err: fmt.Errorf("descriptor has no planes")}
	}

	// Single-plane formats only: the non-GPU path has no interop step
	// to resolve multi-plane layouts, so anything beyond plane 0 is
	// rejected rather than silently dropped.
	if len(planes) > 1 {
		return nil, &AdapterError{Kind: ErrorImport, Err: fmt.Errorf("system-memory adapter does not support %d-plane formats", len(planes))}
	}
	plane := planes[0]

	size := int(plane.Stride) * desc.Height
	mapped, err := unix.Mmap(plane.FD, int64(plane.Offset), size, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, &AdapterError{Kind: ErrorImport, Err: fmt.Errorf("mmap dmabuf fd %d: %w", plane.FD, err)}
	}
	defer unix.Munmap(mapped)

	pixels := make([]byte, size)
	n := copy(pixels, mapped)
	if n != size {
		return nil, &AdapterError{Kind: ErrorCopy, Err: fmt.Errorf("short copy: got %d want %d bytes", n, size)}
	}

	return &Frame{
		Kind:   FrameKindSystemMemory,
		Pixels: pixels,
		Meta: VideoMeta{
			Format:    pf,
			Width:     desc.Width,
			Height:    desc.Height,
			DRMFourCC: desc.FourCC,
			Modifier:  desc.Modifier,
			Strides:   []uint32{plane.Stride},
			Offsets:   []uint32{plane.Offset},
		},
	}, nil
}
