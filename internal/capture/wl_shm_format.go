package capture

import "github.com/wlcapture/bridge/internal/format"

// wlShmFormatToFourCC translates a wl_shm/zwlr_screencopy format code
// to its DRM fourcc. Per the wl_shm protocol, only the two original
// values (argb8888, xrgb8888) use small enum numbers; every other
// format code is defined to equal its DRM fourcc value directly
// (wl_shm's own fourcc_code() convention), so this is a two-entry
// special case over an identity mapping, not a lookup table the way
// PipeWire's SPA enum needs.
func wlShmFormatToFourCC(wlFormat uint32) format.FourCC {
	switch wlFormat {
	case 0:
		return format.FourCCAR24
	case 1:
		return format.FourCCXR24
	default:
		return format.FourCC(wlFormat)
	}
}
