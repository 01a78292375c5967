package capture

import "github.com/wlcapture/bridge/internal/format"

// gpuVendor identifies the local render node's GPU vendor, detected
// from the top 8 bits of modifiers the local driver reports — the
// input to §4.5.2's modifier-selection rule.
type gpuVendor int

const (
	vendorUnknown gpuVendor = iota
	vendorNVIDIA
	vendorAMD
	vendorIntel
)

// vendorFromModifier extracts the vendor from a DRM modifier's top 8
// bits, matching the fourcc.mod_code() vendor-namespace convention.
func vendorFromModifier(m format.Modifier) gpuVendor {
	switch uint64(m) >> 56 {
	case 0x03:
		return vendorNVIDIA
	case 0x02:
		return vendorAMD
	case 0x01:
		return vendorIntel
	default:
		return vendorUnknown
	}
}
