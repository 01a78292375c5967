package engine

import (
	"errors"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/wlcapture/bridge/internal/capture"
	"github.com/wlcapture/bridge/internal/config"
	"github.com/wlcapture/bridge/internal/dmabuf"
	"github.com/wlcapture/bridge/internal/format"
	"github.com/wlcapture/bridge/internal/gpuadapter"
)

// fakeSource is a minimal capture.Source for exercising Pull's
// control flow without any real producer.
type fakeSource struct {
	frames  chan *capture.Frame
	errs    chan error
	closed  bool
}

func newFakeSource() *fakeSource {
	return &fakeSource{frames: make(chan *capture.Frame, 8), errs: make(chan error, 1)}
}

func (f *fakeSource) RecvTimeout(timeout time.Duration) (*capture.Frame, error) {
	select {
	case fr := <-f.frames:
		return fr, nil
	case err := <-f.errs:
		return nil, err
	case <-time.After(timeout):
		return nil, capture.ErrTimeout
	}
}

func (f *fakeSource) Close() error { f.closed = true; return nil }

// fakeAdapter never touches real hardware; Import just echoes back a
// system-memory frame tagged with the descriptor's geometry.
type fakeAdapter struct {
	imports int
	fail    bool
}

func (a *fakeAdapter) Name() string { return "fake" }
func (a *fakeAdapter) Close() error { return nil }
func (a *fakeAdapter) Import(desc *dmabuf.Descriptor, pf format.PipelineFormat) (*gpuadapter.Frame, error) {
	a.imports++
	if a.fail {
		return nil, &gpuadapter.AdapterError{Kind: gpuadapter.ErrorImport, Err: errors.New("forced failure")}
	}
	return &gpuadapter.Frame{
		Kind: gpuadapter.FrameKindSystemMemory,
		Meta: gpuadapter.VideoMeta{Format: pf, Width: desc.Width, Height: desc.Height, DRMFourCC: desc.FourCC, Modifier: desc.Modifier},
	}, nil
}

func newTestEngine(t *testing.T, src capture.Source, ad gpuadapter.Adapter) *Engine {
	t.Helper()
	return &Engine{
		cfg:         &config.Config{KeepaliveMS: 50, ResendLastOnEOS: true, TargetFPS: 60},
		source:      src,
		adapter:     ad,
		capsUpdates: make(chan CapsUpdate, 1),
		firstPull:   true,
	}
}

func shmFrame(w, h int, fc format.FourCC) *capture.Frame {
	return &capture.Frame{Kind: capture.FrameKindShm, Shm: make([]byte, w*h*4), Width: w, Height: h, FourCC: fc}
}

func TestPullReturnsFrameAndPublishesCapsOnFirstFrame(t *testing.T) {
	src := newFakeSource()
	e := newTestEngine(t, src, &fakeAdapter{})
	src.frames <- shmFrame(1920, 1080, format.FourCCBX24)

	got, err := e.Pull()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.FrameIndex != 1 {
		t.Fatalf("got frame index %d, want 1", got.FrameIndex)
	}

	select {
	case update := <-e.CapsUpdates():
		if update.Width != 1920 || update.Height != 1080 {
			t.Fatalf("got caps %+v, want 1920x1080", update)
		}
	default:
		t.Fatal("expected a caps update on first frame")
	}
}

func TestPullDoesNotRepublishCapsOnUnchangedGeometry(t *testing.T) {
	src := newFakeSource()
	e := newTestEngine(t, src, &fakeAdapter{})
	src.frames <- shmFrame(1920, 1080, format.FourCCBX24)
	src.frames <- shmFrame(1920, 1080, format.FourCCBX24)

	if _, err := e.Pull(); err != nil {
		t.Fatalf("first pull: %v", err)
	}
	<-e.CapsUpdates() // drain the first republish

	if _, err := e.Pull(); err != nil {
		t.Fatalf("second pull: %v", err)
	}
	select {
	case update := <-e.CapsUpdates():
		t.Fatalf("expected no caps update for unchanged geometry, got %+v", update)
	default:
	}
}

func TestPullTimeoutWithoutKeepaliveSlotIsRetryable(t *testing.T) {
	src := newFakeSource()
	e := newTestEngine(t, src, &fakeAdapter{})
	e.cfg.KeepaliveMS = 1 // fast timeout for the test
	e.firstPull = false   // the first pull would otherwise wait firstFrameTimeout

	_, err := e.Pull()
	if !errors.Is(err, ErrRetryable) {
		t.Fatalf("got %v, want ErrRetryable", err)
	}
}

func TestPullTimeoutWithKeepaliveSlotRebroadcasts(t *testing.T) {
	src := newFakeSource()
	e := newTestEngine(t, src, &fakeAdapter{})
	e.cfg.KeepaliveMS = 1
	src.frames <- shmFrame(640, 480, format.FourCCBX24)

	first, err := e.Pull()
	if err != nil {
		t.Fatalf("first pull: %v", err)
	}

	second, err := e.Pull()
	if err != nil {
		t.Fatalf("keepalive pull: %v", err)
	}
	if !second.IsKeepalive {
		t.Fatal("expected keepalive rebroadcast")
	}
	if second.Meta.Width != first.Meta.Width || second.Meta.Height != first.Meta.Height {
		t.Fatal("keepalive rebroadcast must not fabricate geometry")
	}
	if second.FrameIndex != first.FrameIndex {
		t.Fatalf("keepalive rebroadcast changed frame index: %d -> %d", first.FrameIndex, second.FrameIndex)
	}
}

func TestPullReturnsEOSOnDisconnect(t *testing.T) {
	src := newFakeSource()
	e := newTestEngine(t, src, &fakeAdapter{})
	src.errs <- capture.ErrDisconnected

	if _, err := e.Pull(); !errors.Is(err, ErrEOS) {
		t.Fatalf("got %v, want ErrEOS", err)
	}
}

func TestPullTimeoutRebroadcastsRegardlessOfResendLastOnEOS(t *testing.T) {
	src := newFakeSource()
	e := newTestEngine(t, src, &fakeAdapter{})
	e.cfg.KeepaliveMS = 1
	e.cfg.ResendLastOnEOS = false
	src.frames <- shmFrame(640, 480, format.FourCCBX24)

	if _, err := e.Pull(); err != nil {
		t.Fatalf("first pull: %v", err)
	}
	got, err := e.Pull()
	if err != nil {
		t.Fatalf("keepalive pull: %v", err)
	}
	if !got.IsKeepalive {
		t.Fatal("expected keepalive rebroadcast even with ResendLastOnEOS disabled")
	}
}

func TestPullEOSRebroadcastsLastFrameOnceWhenResendLastOnEOSEnabled(t *testing.T) {
	src := newFakeSource()
	e := newTestEngine(t, src, &fakeAdapter{})
	e.cfg.ResendLastOnEOS = true
	src.frames <- shmFrame(640, 480, format.FourCCBX24)

	if _, err := e.Pull(); err != nil {
		t.Fatalf("first pull: %v", err)
	}

	src.errs <- capture.ErrDisconnected
	got, err := e.Pull()
	if err != nil {
		t.Fatalf("expected one final rebroadcast before EOS, got error: %v", err)
	}
	if !got.IsKeepalive {
		t.Fatal("expected the terminal rebroadcast to be marked IsKeepalive")
	}

	src.errs <- capture.ErrDisconnected
	if _, err := e.Pull(); !errors.Is(err, ErrEOS) {
		t.Fatalf("expected ErrEOS on the second disconnect, got %v", err)
	}
}

func TestPullEOSWithResendLastOnEOSDisabledReturnsErrEOSImmediately(t *testing.T) {
	src := newFakeSource()
	e := newTestEngine(t, src, &fakeAdapter{})
	e.cfg.ResendLastOnEOS = false
	src.frames <- shmFrame(640, 480, format.FourCCBX24)

	if _, err := e.Pull(); err != nil {
		t.Fatalf("first pull: %v", err)
	}

	src.errs <- capture.ErrDisconnected
	if _, err := e.Pull(); !errors.Is(err, ErrEOS) {
		t.Fatalf("got %v, want ErrEOS", err)
	}
}

func TestHandleFrameClosesDmabufWhenAdapterIsNotPassthrough(t *testing.T) {
	src := newFakeSource()
	ad := &fakeAdapter{}
	e := newTestEngine(t, src, ad)

	fd, err := unix.MemfdCreate("engine-test", 0)
	if err != nil {
		t.Fatalf("memfd_create: %v", err)
	}
	desc, err := dmabuf.NewBuilder(1920, 1080, format.FourCCBX24, format.ModifierLinear, 0).AddPlane(fd, 0, 0, 7680).Build()
	if err != nil {
		t.Fatalf("build descriptor: %v", err)
	}
	src.frames <- &capture.Frame{Kind: capture.FrameKindDMABuf, DMABuf: desc, Width: 1920, Height: 1080, FourCC: format.FourCCBX24}

	if _, err := e.Pull(); err != nil {
		t.Fatalf("pull: %v", err)
	}
	if err := unix.Close(fd); err == nil {
		t.Fatal("expected the dmabuf fd to be closed by the engine, but it was still open")
	}
	if err := desc.Close(); err != nil {
		t.Fatalf("expected double-close to be a no-op, got %v", err)
	}
}
