// Package format is a pure function surface that translates between the
// three format namespaces at the system's boundaries: the capture
// producer's own format enum, the DRM fourcc/modifier pair that
// identifies a GPU buffer's layout, and the downstream pipeline's pixel
// format enum.
//
// Every mapping here is an explicit table, never a native-endian
// shortcut: DRM fourccs describe byte order in memory, and the
// pipeline formats named below are defined the same way regardless of
// host architecture.
package format

import (
	"fmt"
	"log/slog"
)

// FourCC is a 32-bit DRM format code, e.g. the four ASCII bytes "XR24"
// packed little-endian.
type FourCC uint32

// Modifier is a 64-bit DRM tiling/layout identifier.
type Modifier uint64

const (
	// ModifierLinear is the reserved "no tiling" modifier.
	ModifierLinear Modifier = 0
	// ModifierInvalid is the reserved sentinel meaning "no modifier negotiated".
	ModifierInvalid Modifier = (1 << 56) - 1
)

// PipelineFormat is the downstream pipeline's own pixel-format enum,
// one entry per distinct in-memory byte layout.
type PipelineFormat string

const (
	PipelineXRGB PipelineFormat = "xrgb" // memory order [X,R,G,B]
	PipelineXBGR PipelineFormat = "xbgr" // memory order [X,B,G,R]
	PipelineARGB PipelineFormat = "argb" // memory order [A,R,G,B]
	PipelineABGR PipelineFormat = "abgr" // memory order [A,B,G,R]
	PipelineRGBX PipelineFormat = "rgbx" // memory order [R,G,B,X]
	PipelineBGRX PipelineFormat = "bgrx" // memory order [B,G,R,X]
	PipelineRGBA PipelineFormat = "rgba" // memory order [R,G,B,A]
	PipelineBGRA PipelineFormat = "bgra" // memory order [B,G,R,A]
	PipelineRGB  PipelineFormat = "rgb"  // 24-bit, memory order [R,G,B]
	PipelineBGR  PipelineFormat = "bgr"  // 24-bit, memory order [B,G,R]
)

// ProducerFormat identifies a pixel format as the capture producer
// names it (PipeWire's SPA_VIDEO_FORMAT_* enum, or the wl_shm /
// zwlr_screencopy DRM-fourcc-passthrough value). PipeWire delivers its
// own enum; the wlroots protocols all speak DRM fourcc directly, so
// ProducerFormat is only meaningful for the PipeWire variant.
type ProducerFormat int32

// SPA video format values this bridge accepts from a PipeWire stream,
// mirroring libspa's spa/param/video/format.h subset needed for RGB
// screen content.
const (
	SPAFormatUnknown ProducerFormat = 0
	SPAFormatRGBx    ProducerFormat = 7
	SPAFormatBGRx    ProducerFormat = 8
	SPAFormatxRGB    ProducerFormat = 9
	SPAFormatxBGR    ProducerFormat = 10
	SPAFormatRGBA    ProducerFormat = 11
	SPAFormatBGRA    ProducerFormat = 12
	SPAFormatARGB    ProducerFormat = 13
	SPAFormatABGR    ProducerFormat = 14
	SPAFormatRGB     ProducerFormat = 15
	SPAFormatBGR     ProducerFormat = 16
)

// well-known DRM fourcc codes, spelled the way the kernel headers spell them.
var (
	FourCCXR24 = makeFourCC('X', 'R', '2', '4') // XRGB8888
	FourCCXB24 = makeFourCC('X', 'B', '2', '4') // XBGR8888
	FourCCAR24 = makeFourCC('A', 'R', '2', '4') // ARGB8888
	FourCCAB24 = makeFourCC('A', 'B', '2', '4') // ABGR8888
	FourCCRX24 = makeFourCC('R', 'X', '2', '4') // RGBX8888
	FourCCBX24 = makeFourCC('B', 'X', '2', '4') // BGRX8888
	FourCCRA24 = makeFourCC('R', 'A', '2', '4') // RGBA8888
	FourCCBA24 = makeFourCC('B', 'A', '2', '4') // BGRA8888
	FourCCBG24 = makeFourCC('B', 'G', '2', '4') // BGR888 (24-bit)
	FourCCRG24 = makeFourCC('R', 'G', '2', '4') // RGB888 (24-bit)
)

func makeFourCC(a, b, c, d byte) FourCC {
	return FourCC(uint32(a) | uint32(b)<<8 | uint32(c)<<16 | uint32(d)<<24)
}

var producerToFourCC = map[ProducerFormat]FourCC{
	SPAFormatxRGB: FourCCXR24,
	SPAFormatxBGR: FourCCXB24,
	SPAFormatARGB: FourCCAR24,
	SPAFormatABGR: FourCCAB24,
	SPAFormatRGBx: FourCCRX24,
	SPAFormatBGRx: FourCCBX24,
	SPAFormatRGBA: FourCCRA24,
	SPAFormatBGRA: FourCCBA24,
	SPAFormatBGR:  FourCCBG24,
	SPAFormatRGB:  FourCCRG24,
}

// fourccToPipeline maps each supported DRM fourcc to the pipeline
// format describing its exact in-memory byte order. DRM BGR888 has B
// in the high bits, so little-endian memory is [R,G,B] — the
// pipeline's "rgb" — and conversely DRM RGB888 maps to pipeline "bgr".
var fourccToPipeline = map[FourCC]PipelineFormat{
	FourCCXR24: PipelineBGRX,
	FourCCXB24: PipelineRGBX,
	FourCCAR24: PipelineBGRA,
	FourCCAB24: PipelineRGBA,
	FourCCRX24: PipelineXBGR,
	FourCCBX24: PipelineXRGB,
	FourCCRA24: PipelineABGR,
	FourCCBA24: PipelineARGB,
	FourCCBG24: PipelineRGB,
	FourCCRG24: PipelineBGR,
}

// ProducerToFourCC translates a PipeWire SPA video format to its DRM
// fourcc. Per the Format Registry's fallback rule, an unrecognized
// input never fails: it resolves to 32-bit BGRA8888 and logs a
// warning.
func ProducerToFourCC(p ProducerFormat) FourCC {
	fc, ok := producerToFourCC[p]
	if !ok {
		slog.Warn("format: unsupported producer format, falling back to BGRA", "producerFormat", p)
		return FourCCBA24
	}
	return fc
}

// FourCCToPipeline translates a DRM fourcc to the pipeline's explicit
// byte-order format, never a native-endian shortcut. Per the Format
// Registry's fallback rule, an unrecognized input never fails: it
// resolves to PipelineBGRA and logs a warning.
func FourCCToPipeline(fc FourCC) PipelineFormat {
	pf, ok := fourccToPipeline[fc]
	if !ok {
		slog.Warn("format: unsupported fourcc, falling back to BGRA", "fourcc", fc.String())
		return PipelineBGRA
	}
	return pf
}

// String renders a FourCC as its 4-character code, space-padded on the
// right if fewer than 4 printable bytes are present.
func (fc FourCC) String() string {
	b := [4]byte{
		byte(fc),
		byte(fc >> 8),
		byte(fc >> 16),
		byte(fc >> 24),
	}
	for i, c := range b {
		if c == 0 {
			b[i] = ' '
		}
	}
	return string(b[:])
}

// FormatSpecToDRMString renders the wire-level "drm-format" caps field:
// "{FOURCC}:0x{16-hex-digit modifier}" for any non-LINEAR modifier, or
// the bare 4-character fourcc (space-padded) for LINEAR.
func FormatSpecToDRMString(fc FourCC, mod Modifier) string {
	if mod == ModifierLinear {
		return fc.String()
	}
	return fmt.Sprintf("%s:0x%016x", fc.String(), uint64(mod))
}
