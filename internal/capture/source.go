// Package capture implements the four Capture Source variants
// (PipeWire, wlroots export-dmabuf, wlroots screencopy SHM, and
// ext-image-copy-capture) plus the PipeWire-only Format Negotiator.
//
// Every variant owns a dedicated goroutine, a bounded try-send queue,
// and a shutdown flag, following the same per-session lifecycle shape
// as the teacher's remote-desktop capture loops: one goroutine per
// source, a sync.Once-guarded Stop, and a WaitGroup the owner waits on
// before tearing down adapter/pool state.
package capture

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wlcapture/bridge/internal/dmabuf"
	"github.com/wlcapture/bridge/internal/format"
)

// FrameKind distinguishes the two Typed Frame payloads a Capture
// Source can deposit on its queue, ahead of GPU-Context Adapter import.
type FrameKind int

const (
	FrameKindDMABuf FrameKind = iota
	FrameKindShm
)

// CursorInfo is the shape of optional cursor metadata on a Frame. No
// Capture Source variant fills it in: the PipeWire variant does not
// parse SPA_META_Cursor, so Frame.Cursor is always nil.
type CursorInfo struct {
	X, Y               int32
	HotspotX, HotspotY int32
	Bitmap             []byte
	BitmapWidth        int
	BitmapHeight       int
}

// Frame is the Typed Frame a Capture Source hands to the engine,
// before GPU-Context Adapter import.
type Frame struct {
	Kind     FrameKind
	DMABuf   *dmabuf.Descriptor // valid when Kind == FrameKindDMABuf
	Shm      []byte             // valid when Kind == FrameKindShm
	Width    int
	Height   int
	Stride   int
	FourCC   format.FourCC
	Modifier format.Modifier

	// PTS is the producer-reported presentation timestamp, read from
	// the metadata header when present. Diagnostic only — the engine
	// stamps its own monotonic timestamp on the handoff frame.
	PTS    time.Duration
	Cursor *CursorInfo
}

// Sentinel recv outcomes, mirrored from §4.4's common contract.
var (
	ErrTimeout      = errors.New("capture: recv timed out")
	ErrDisconnected = errors.New("capture: source disconnected")
)

// Source is the common interface all four Capture Source variants implement.
type Source interface {
	// RecvTimeout blocks up to timeout for the next frame. Returns
	// ErrTimeout, ErrDisconnected, or any other error verbatim.
	RecvTimeout(timeout time.Duration) (*Frame, error)

	// Close signals shutdown and joins the producer goroutine.
	Close() error
}

const queueCapacity = 8

// base provides the shared goroutine-lifecycle and bounded-queue
// plumbing every variant embeds. It never constructs itself — each
// variant's connect function starts the producer goroutine and wires
// base.queue/base.done.
type base struct {
	queue  chan *Frame
	done   chan struct{}
	closed chan struct{}
	errCh  chan error
}

func newBase() *base {
	return &base{
		queue:  make(chan *Frame, queueCapacity),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
		errCh:  make(chan error, 1),
	}
}

// trySend deposits a frame on the queue without blocking. If the
// queue is full, the newest arrival is dropped and the oldest queued
// frame is kept — matching the bounded-queue "newest dropped, oldest
// kept" ordering guarantee.
func (b *base) trySend(f *Frame) bool {
	select {
	case b.queue <- f:
		return true
	default:
		return false
	}
}

// recvTimeout implements the common RecvTimeout contract against the
// embedded queue and done channel.
func (b *base) recvTimeout(timeout time.Duration) (*Frame, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	select {
	case f := <-b.queue:
		return f, nil
	case err := <-b.errCh:
		return nil, err
	case <-b.closed:
		return nil, ErrDisconnected
	case <-ctx.Done():
		return nil, ErrTimeout
	}
}

// signalShutdown marks the source as shutting down; safe to call more than once.
func (b *base) signalShutdown() {
	select {
	case <-b.done:
	default:
		close(b.done)
	}
}

// signalClosed marks the producer goroutine as having exited.
func (b *base) signalClosed() {
	select {
	case <-b.closed:
	default:
		close(b.closed)
	}
}

// shuttingDown reports whether shutdown has been signaled, for the
// producer goroutine's per-iteration check.
func (b *base) shuttingDown() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

// connectTimeout is the ≈200ms window connect() waits for either a
// fatal startup error or confirmed running state, per §4.4's common
// contract.
const connectTimeout = 200 * time.Millisecond

// waitForStartup blocks up to connectTimeout for either running
// confirmation or a fatal error, matching every variant's connect().
func waitForStartup(errCh <-chan error, running <-chan struct{}) error {
	select {
	case err := <-errCh:
		return err
	case <-running:
		return nil
	case <-time.After(connectTimeout):
		return nil // producer may still be negotiating; not fatal
	}
}

func backoffCancel() time.Duration { return 100 * time.Millisecond }

func rateLimitSleep(targetInterval, elapsed time.Duration) time.Duration {
	remaining := targetInterval - elapsed
	if remaining < 0 {
		return 0
	}
	return remaining
}

func fmtErr(op string, err error) error {
	return fmt.Errorf("capture: %s: %w", op, err)
}
