package engine

import (
	"errors"
	"time"

	"github.com/wlcapture/bridge/internal/capture"
	"github.com/wlcapture/bridge/internal/format"
	"github.com/wlcapture/bridge/internal/gpuadapter"
)

// ErrEOS is returned when the capture source has disconnected
// terminally (§4.6.3 step 2's "Disconnected -> terminal EOS").
var ErrEOS = errors.New("engine: end of stream")

// ErrRetryable is returned when a pull times out with no keepalive
// slot to fall back on; the caller should retry the pull.
var ErrRetryable = errors.New("engine: pull timed out, no keepalive available")

// firstFrameTimeout is generous because producers take time to
// negotiate a format on the first connection.
const firstFrameTimeout = 30 * time.Second

// Pull implements §4.6.3. It blocks for at most one timeout window,
// returning either a freshly imported frame, a keepalive rebroadcast,
// or a terminal/retryable error.
func (e *Engine) Pull() (*HandoffFrame, error) {
	timeout := e.pullTimeout()

	raw, err := e.source.RecvTimeout(timeout)
	switch {
	case err == nil:
		return e.handleFrame(raw)
	case errors.Is(err, capture.ErrTimeout):
		return e.handleTimeout()
	case errors.Is(err, capture.ErrDisconnected):
		return e.handleEOS()
	default:
		return nil, err
	}
}

func (e *Engine) pullTimeout() time.Duration {
	e.mu.Lock()
	first := e.firstPull
	e.mu.Unlock()

	if first {
		return firstFrameTimeout
	}
	if e.cfg.KeepaliveMS > 0 {
		return time.Duration(e.cfg.KeepaliveMS) * time.Millisecond
	}
	return firstFrameTimeout
}

func (e *Engine) handleTimeout() (*HandoffFrame, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cfg.KeepaliveMS <= 0 || e.keepaliveSlot == nil {
		return nil, ErrRetryable
	}

	rebroadcast := *e.keepaliveSlot
	rebroadcast.IsKeepalive = true
	rebroadcast.PTS = monotonicRunningTime()
	return &rebroadcast, nil
}

// handleEOS implements the terminal-EOS path of §4.6.3 step 2. Unlike
// handleTimeout's ordinary keepalive replay (gated on KeepaliveMS), a
// disconnect is terminal: ResendLastOnEOS controls whether the last
// frame is rebroadcast once more before ErrEOS is reported, regardless
// of whether keepalive replay is otherwise enabled. Every call after
// the first disconnect returns ErrEOS.
func (e *Engine) handleEOS() (*HandoffFrame, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.cfg.ResendLastOnEOS || e.keepaliveSlot == nil || e.eosResent {
		return nil, ErrEOS
	}

	e.eosResent = true
	rebroadcast := *e.keepaliveSlot
	rebroadcast.IsKeepalive = true
	rebroadcast.PTS = monotonicRunningTime()
	return &rebroadcast, nil
}

// handleFrame invokes the adapter (for DMA-BUF-kind frames) or wraps
// SHM bytes directly (no GPU interop needed — the capture source
// already produced a system-memory payload), then applies the caps
// and keepalive bookkeeping common to both paths.
func (e *Engine) handleFrame(raw *capture.Frame) (*HandoffFrame, error) {
	var out gpuadapter.Frame

	switch raw.Kind {
	case capture.FrameKindDMABuf:
		pf := format.FourCCToPipeline(raw.FourCC)
		imported, err := e.adapter.Import(raw.DMABuf, pf)
		if err != nil {
			raw.DMABuf.Close()
			return nil, err
		}

		// I2: the producer buffer may only be released once any GPU
		// import referencing it has been dropped and the downstream
		// copy has completed. The CUDA and system-memory adapters have
		// already copied out of it by the time Import returns, so it's
		// safe to close here. The passthrough adapter instead hands
		// the same descriptor back inside the Frame with DONT_CLOSE
		// semantics — closing it here would sever the very fd the
		// downstream pipeline still needs.
		if imported.Kind != gpuadapter.FrameKindDMABuf {
			if err := raw.DMABuf.Close(); err != nil {
				e.log.Warn("dmabuf close after import failed", "error", err)
			}
		}
		out = *imported

	case capture.FrameKindShm:
		pf := format.FourCCToPipeline(raw.FourCC)
		out = gpuadapter.Frame{
			Kind:   gpuadapter.FrameKindSystemMemory,
			Pixels: raw.Shm,
			Meta: gpuadapter.VideoMeta{
				Format: pf,
				Width:  raw.Width,
				Height: raw.Height,
			},
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.firstPull = false
	e.frameCount++

	e.maybePublishCapsLocked(out.Meta)

	handoff := &HandoffFrame{Frame: out, FrameIndex: e.frameCount, PTS: monotonicRunningTime()}

	if e.cfg.KeepaliveMS > 0 {
		cp := *handoff
		e.keepaliveSlot = &cp
	}

	return handoff, nil
}

// maybePublishCapsLocked implements §4.6.3 step 4: compare the
// observed geometry/format against Published Caps and, on
// divergence, try-send a caps update before the frame is returned to
// the caller (the caller always receives the frame after this
// function returns, preserving the "before returning the frame"
// ordering).
func (e *Engine) maybePublishCapsLocked(meta gpuadapter.VideoMeta) {
	if e.haveCaps && meta.Format == e.publishedFmt && meta.Width == e.publishedW && meta.Height == e.publishedH {
		return
	}

	e.publishedFmt, e.publishedW, e.publishedH, e.haveCaps = meta.Format, meta.Width, meta.Height, true

	update := CapsUpdate{
		Format:    meta.Format,
		Width:     meta.Width,
		Height:    meta.Height,
		FrameRate: [2]int{defaultFPS(e.cfg.TargetFPS), 1},
	}
	if meta.DRMFourCC != 0 {
		update.DRMFormat = format.FormatSpecToDRMString(meta.DRMFourCC, meta.Modifier)
	}

	select {
	case e.capsUpdates <- update:
	default:
		// A republish is already pending; I3/§4.7 allow at most one
		// outstanding republish per transition, so the stale entry is
		// simply superseded in place.
		select {
		case <-e.capsUpdates:
		default:
		}
		e.capsUpdates <- update
	}
}

func defaultFPS(targetFPS int) int {
	if targetFPS <= 0 {
		return 60
	}
	return targetFPS
}

// monotonicRunningTime stands in for the downstream clock's current
// running time, which a real pipeline integration supplies. Frames
// carry this for diagnostic ordering only; nothing in this package
// depends on its absolute value.
func monotonicRunningTime() time.Duration {
	return time.Duration(time.Now().UnixNano())
}
