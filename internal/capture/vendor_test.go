package capture

import (
	"testing"

	"github.com/wlcapture/bridge/internal/format"
)

func TestVendorFromModifierTopByteNamespaces(t *testing.T) {
	cases := []struct {
		mod  format.Modifier
		want gpuVendor
	}{
		{0x0300000000000001, vendorNVIDIA},
		{0x0200000000000001, vendorAMD},
		{0x0100000000000001, vendorIntel},
		{0x0900000000000001, vendorUnknown},
	}
	for _, c := range cases {
		if got := vendorFromModifier(c.mod); got != c.want {
			t.Errorf("vendorFromModifier(%#x) = %v, want %v", c.mod, got, c.want)
		}
	}
}
