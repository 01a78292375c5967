package gpuadapter

import (
	"testing"

	"golang.org/x/sys/unix"

	"github.com/wlcapture/bridge/internal/dmabuf"
	"github.com/wlcapture/bridge/internal/format"
)

func newTestDescriptor(t *testing.T, width, height int, stride uint32) *dmabuf.Descriptor {
	t.Helper()
	fd, err := unix.MemfdCreate("gpuadapter-test", 0)
	if err != nil {
		t.Fatalf("memfd_create: %v", err)
	}
	size := int64(stride) * int64(height)
	if err := unix.Ftruncate(fd, size); err != nil {
		t.Fatalf("ftruncate: %v", err)
	}

	d, err := dmabuf.NewBuilder(width, height, format.FourCCXR24, format.ModifierLinear, 0).
		AddPlane(fd, 0, 0, stride).
		Build()
	if err != nil {
		t.Fatalf("build descriptor: %v", err)
	}
	return d
}
