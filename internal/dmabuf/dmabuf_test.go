package dmabuf

import (
	"testing"

	"golang.org/x/sys/unix"

	"github.com/wlcapture/bridge/internal/format"
)

func pipeFD(t *testing.T) int {
	t.Helper()
	fds := make([]int, 2)
	if err := unix.Pipe(fds); err != nil {
		t.Fatalf("pipe: %v", err)
	}
	t.Cleanup(func() { unix.Close(fds[1]) })
	return fds[0]
}

func TestBuildFailsWithZeroPlanes(t *testing.T) {
	_, err := NewBuilder(1920, 1080, format.FourCCXR24, format.ModifierLinear, 0).Build()
	if err == nil {
		t.Fatal("expected error building descriptor with zero planes")
	}
}

func TestBuildSucceedsWithPlanes(t *testing.T) {
	fd := pipeFD(t)
	d, err := NewBuilder(1920, 1080, format.FourCCXR24, format.ModifierLinear, 0).
		AddPlane(fd, 0, 0, 7680).
		Build()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer d.Close()

	if len(d.Planes()) != 1 {
		t.Fatalf("got %d planes, want 1", len(d.Planes()))
	}
	if d.DRMFormatString() != "XR24" {
		t.Fatalf("got %q, want XR24", d.DRMFormatString())
	}
}

func TestCloseIsIdempotentAndReleasesFD(t *testing.T) {
	fd := pipeFD(t)
	d, err := NewBuilder(1, 1, format.FourCCXR24, format.ModifierLinear, 0).
		AddPlane(fd, 0, 0, 4).
		Build()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := d.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("second close should be a no-op, got: %v", err)
	}

	// fd must actually be closed now.
	if err := unix.Close(fd); err == nil {
		t.Fatal("expected fd to already be closed")
	}
}

func TestDupCreatesIndependentOwner(t *testing.T) {
	fd := pipeFD(t)
	d, err := NewBuilder(1, 1, format.FourCCXR24, format.ModifierLinear, 0).
		AddPlane(fd, 0, 0, 4).
		Build()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer d.Close()

	dup, err := d.Dup()
	if err != nil {
		t.Fatalf("dup: %v", err)
	}
	defer dup.Close()

	if dup.Planes()[0].FD == d.Planes()[0].FD {
		t.Fatal("dup must own a distinct fd, not alias the original")
	}

	// Closing the original must not invalidate the dup's fd.
	if err := d.Close(); err != nil {
		t.Fatalf("close original: %v", err)
	}
	if err := unix.Close(dup.Planes()[0].FD); err != nil {
		t.Fatalf("dup fd should still be open after original closed: %v", err)
	}
	dup.planes = nil // already closed the fd by hand above
}

func TestDupAfterCloseFails(t *testing.T) {
	fd := pipeFD(t)
	d, err := NewBuilder(1, 1, format.FourCCXR24, format.ModifierLinear, 0).
		AddPlane(fd, 0, 0, 4).
		Build()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	d.Close()

	if _, err := d.Dup(); err == nil {
		t.Fatal("expected dup of closed descriptor to fail")
	}
}

func TestBuildRejectsTooManyPlanes(t *testing.T) {
	b := NewBuilder(1, 1, format.FourCCXR24, format.ModifierLinear, 0)
	for i := 0; i < maxPlanes+1; i++ {
		b.AddPlane(pipeFD(t), i, 0, 4)
	}
	if _, err := b.Build(); err == nil {
		t.Fatal("expected error for too many planes")
	}
}
