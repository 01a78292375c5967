// Package gpuadapter implements the GPU-Context Adapter: it turns a
// DMA-BUF Descriptor into a downstream-ready Typed Frame, synchronously,
// never returning before the downstream buffer is filled.
//
// Three concrete adapters exist (CUDA, DMA-BUF passthrough,
// system-memory) behind one narrow interface, selected at engine
// startup the same way the teacher repo picks a hardware video-encoder
// backend: an init()-populated registry of factories, tried in
// preference order, falling back to the one variant with no hardware
// dependency.
package gpuadapter

import (
	"fmt"

	"github.com/wlcapture/bridge/internal/dmabuf"
	"github.com/wlcapture/bridge/internal/format"
)

// VideoMeta is the metadata record attached to every Frame: format,
// dimensions, and the per-plane offsets/strides it was built from.
type VideoMeta struct {
	Format   format.PipelineFormat
	Width    int
	Height   int
	DRMFourCC format.FourCC
	Modifier  format.Modifier
	Strides   []uint32
	Offsets   []uint32
}

// Frame is the Typed Frame this package hands back to the engine: one
// of three kinds depending on which adapter produced it.
type Frame struct {
	Meta VideoMeta

	// Kind identifies which payload field is valid.
	Kind FrameKind

	// GPUHandle is an opaque downstream GPU-buffer reference, valid
	// when Kind == FrameKindGPU.
	GPUHandle any

	// DMABuf is the passthrough descriptor, valid when Kind ==
	// FrameKindDMABuf. The adapter does not take ownership of fd
	// lifetime beyond wrapping it DONT_CLOSE; the descriptor itself
	// remains owned by whoever built it.
	DMABuf *dmabuf.Descriptor

	// Pixels is a heap-allocated copy of the frame's pixel data,
	// valid when Kind == FrameKindSystemMemory.
	Pixels []byte
}

type FrameKind int

const (
	FrameKindGPU FrameKind = iota
	FrameKindDMABuf
	FrameKindSystemMemory
)

// ErrorKind distinguishes the three failure categories an adapter can report.
type ErrorKind int

const (
	ErrorImport ErrorKind = iota
	ErrorPool
	ErrorCopy
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorImport:
		return "import failure"
	case ErrorPool:
		return "pool failure"
	case ErrorCopy:
		return "copy failure"
	default:
		return "unknown adapter error"
	}
}

// AdapterError wraps one of the three adapter failure kinds.
type AdapterError struct {
	Kind ErrorKind
	Err  error
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("gpuadapter: %s: %v", e.Kind, e.Err)
}

func (e *AdapterError) Unwrap() error { return e.Err }

// Adapter imports a DMA-BUF Descriptor into the downstream-appropriate
// representation. Import must not return before the downstream buffer
// (if any) has been filled — this is the ordering GPU-buffer reuse
// safety depends on (I2).
type Adapter interface {
	// Import converts a producer DMA-BUF Descriptor into a Frame.
	// The descriptor remains owned by the caller; Import must not
	// close any of its plane fds.
	Import(desc *dmabuf.Descriptor, pf format.PipelineFormat) (*Frame, error)

	// Name identifies the adapter variant for logging/diagnostics.
	Name() string

	// Close releases any adapter-held GPU context/pool resources.
	Close() error
}

// factory constructs an Adapter for a given render node and device id,
// or reports that this variant's hardware isn't present.
type factory func(renderNode string, deviceID int) (Adapter, error)

var hardwareFactories []namedFactory

type namedFactory struct {
	name string
	fn   factory
}

// registerHardwareFactory is called unconditionally from each hardware
// variant's init() (no build tags), mirroring the teacher's
// registerHardwareFactory for video-encoder backends.
func registerHardwareFactory(name string, fn factory) {
	hardwareFactories = append(hardwareFactories, namedFactory{name: name, fn: fn})
}

// Select probes every registered hardware adapter in registration
// order and falls back to the system-memory adapter if none are
// available. Mirrors the engine's startup discovery: try hardware,
// accept the first one that constructs cleanly.
func Select(renderNode string, deviceID int) (Adapter, error) {
	for _, hf := range hardwareFactories {
		a, err := hf.fn(renderNode, deviceID)
		if err == nil {
			return a, nil
		}
	}
	return newSystemMemoryAdapter(renderNode)
}

// SelectNamed forces a specific adapter variant by name, used when
// output-mode is pinned via configuration instead of auto-detected.
func SelectNamed(name, renderNode string, deviceID int) (Adapter, error) {
	if name == "system-memory" || name == "" {
		return newSystemMemoryAdapter(renderNode)
	}
	for _, hf := range hardwareFactories {
		if hf.name != name {
			continue
		}
		return hf.fn(renderNode, deviceID)
	}
	return nil, fmt.Errorf("gpuadapter: no adapter registered for %q", name)
}
