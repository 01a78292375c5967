package gpuadapter

import (
	"testing"

	"github.com/wlcapture/bridge/internal/format"
)

func TestPassthroughAdapterWrapsPlanesDontClose(t *testing.T) {
	a := &passthroughAdapter{}
	b := newTestDescriptor(t, 1920, 1080, 7680)
	defer b.Close()

	frame, err := a.Import(b, format.PipelineBGRX)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if frame.Kind != FrameKindDMABuf {
		t.Fatalf("got kind %v, want FrameKindDMABuf", frame.Kind)
	}
	if frame.DMABuf != b {
		t.Fatal("passthrough must carry the original descriptor, not a copy")
	}
	if frame.Meta.Width != 1920 || frame.Meta.Height != 1080 {
		t.Fatalf("unexpected meta geometry: %+v", frame.Meta)
	}
}

func TestSystemMemoryAdapterCopiesPixels(t *testing.T) {
	a := &systemMemoryAdapter{}
	b := newTestDescriptor(t, 4, 4, 16)
	defer b.Close()

	frame, err := a.Import(b, format.PipelineRGB)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if frame.Kind != FrameKindSystemMemory {
		t.Fatalf("got kind %v, want FrameKindSystemMemory", frame.Kind)
	}
	if len(frame.Pixels) != 16*4 {
		t.Fatalf("got %d pixel bytes, want %d", len(frame.Pixels), 16*4)
	}
}

func TestBufferPoolRejectsGeometryChangeMidSession(t *testing.T) {
	p := newBufferPool()
	if _, err := p.acquire(1920, 1080, format.PipelineBGRX); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := p.acquire(1280, 720, format.PipelineBGRX); err == nil {
		t.Fatal("expected error on geometry change without reconfiguration")
	}
}

func TestBufferPoolReleaseReusesBuffer(t *testing.T) {
	p := newBufferPool()
	buf, err := p.acquire(640, 480, format.PipelineBGRX)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	before := len(p.free)
	p.release(buf)
	if len(p.free) != before+1 {
		t.Fatalf("expected released buffer to return to free list")
	}
}
