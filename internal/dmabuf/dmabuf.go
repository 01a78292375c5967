// Package dmabuf implements the owned, send-safe bundle of per-plane
// DMA-BUF file descriptors plus the geometric/format metadata that
// describes them.
package dmabuf

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/wlcapture/bridge/internal/format"
)

const maxPlanes = 4

// Plane is one plane's file descriptor, offset and stride. The fd is
// exclusively owned by the Descriptor that holds it — moved, never
// shared, satisfying the single-owner invariant every Plane Descriptor
// must uphold.
type Plane struct {
	FD     int
	Index  int
	Offset uint32
	Stride uint32
}

// Descriptor is an owning handle set: 1-4 planes, one fourcc, one
// modifier, width and height. Close releases every plane fd exactly
// once; it is safe to call Close more than once.
type Descriptor struct {
	Width    int
	Height   int
	FourCC   format.FourCC
	Modifier format.Modifier
	Flags    uint32

	planes []Plane

	mu     sync.Mutex
	closed bool
}

// Builder accumulates planes before Build validates and finalizes a
// Descriptor. Mirrors the producer-side wire order: planes must be
// added in plane-index order as they arrive off the wire.
type Builder struct {
	width, height int
	fourcc        format.FourCC
	modifier      format.Modifier
	flags         uint32
	planes        []Plane
}

// NewBuilder starts building a Descriptor for the given geometry and format.
func NewBuilder(width, height int, fc format.FourCC, mod format.Modifier, flags uint32) *Builder {
	return &Builder{width: width, height: height, fourcc: fc, modifier: mod, flags: flags}
}

// AddPlane appends one plane. The fd is taken over by the eventual
// Descriptor; the caller must not close it independently.
func (b *Builder) AddPlane(fd int, index int, offset, stride uint32) *Builder {
	b.planes = append(b.planes, Plane{FD: fd, Index: index, Offset: offset, Stride: stride})
	return b
}

// Build finalizes the descriptor. Fails if no planes were added.
func (b *Builder) Build() (*Descriptor, error) {
	if len(b.planes) == 0 {
		return nil, fmt.Errorf("dmabuf: build with zero planes")
	}
	if len(b.planes) > maxPlanes {
		return nil, fmt.Errorf("dmabuf: %d planes exceeds maximum %d", len(b.planes), maxPlanes)
	}
	return &Descriptor{
		Width:    b.width,
		Height:   b.height,
		FourCC:   b.fourcc,
		Modifier: b.modifier,
		Flags:    b.flags,
		planes:   b.planes,
	}, nil
}

// Planes returns the descriptor's plane list in plane-index order.
func (d *Descriptor) Planes() []Plane {
	return d.planes
}

// DRMFormatString is the wire-level "drm-format" caps value for this descriptor.
func (d *Descriptor) DRMFormatString() string {
	return format.FormatSpecToDRMString(d.FourCC, d.Modifier)
}

// Dup duplicates every plane fd into a brand new Descriptor with an
// independent lifetime, satisfying I1 ("duplication must create a new
// owned descriptor"). Used when a frame needs to outlive the producer
// buffer it was built from.
func (d *Descriptor) Dup() (*Descriptor, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, fmt.Errorf("dmabuf: dup of closed descriptor")
	}

	dup := &Descriptor{
		Width:    d.Width,
		Height:   d.Height,
		FourCC:   d.FourCC,
		Modifier: d.Modifier,
		Flags:    d.Flags,
		planes:   make([]Plane, 0, len(d.planes)),
	}
	for _, p := range d.planes {
		newFD, err := unix.Dup(p.FD)
		if err != nil {
			dup.Close()
			return nil, fmt.Errorf("dmabuf: dup plane %d fd: %w", p.Index, err)
		}
		dup.planes = append(dup.planes, Plane{FD: newFD, Index: p.Index, Offset: p.Offset, Stride: p.Stride})
	}
	return dup, nil
}

// Close releases every plane fd. Safe to call multiple times; only
// the first call has effect.
func (d *Descriptor) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true

	var firstErr error
	for _, p := range d.planes {
		if err := unix.Close(p.FD); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("dmabuf: close plane %d fd %d: %w", p.Index, p.FD, err)
		}
	}
	return firstErr
}
