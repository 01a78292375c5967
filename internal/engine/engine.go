// Package engine implements the Frame Pipeline Engine: the
// consumer-facing object that owns one Capture Source, one
// GPU-Context Adapter, the buffer pool state, and the keepalive/caps
// republish state.
package engine

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unsafe"

	"github.com/wlcapture/bridge/internal/capture"
	"github.com/wlcapture/bridge/internal/config"
	"github.com/wlcapture/bridge/internal/env"
	"github.com/wlcapture/bridge/internal/format"
	"github.com/wlcapture/bridge/internal/gpuadapter"
	"github.com/wlcapture/bridge/internal/logging"
)

// HandoffFrame is the value Pull returns: a post-adapter frame plus
// the engine-level bookkeeping a consumer needs (sequence number,
// whether this is a keepalive rebroadcast).
type HandoffFrame struct {
	gpuadapter.Frame
	FrameIndex  uint64
	IsKeepalive bool
	PTS         time.Duration
}

// CapsUpdate is pushed to a consumer before the frame that triggered
// it, per §4.6.3 step 4's "before returning the frame" ordering rule.
type CapsUpdate struct {
	Format     format.PipelineFormat
	Width      int
	Height     int
	FrameRate  [2]int
	DRMFormat  string // set when the frame came from a DMA-BUF; empty for SHM frames
}

// Engine is the consumer-facing pipeline object.
type Engine struct {
	cfg *config.Config
	log *slog.Logger

	source  capture.Source
	adapter gpuadapter.Adapter

	dmabufCapable bool

	capsUpdates chan CapsUpdate

	mu            sync.Mutex
	keepaliveSlot *HandoffFrame
	publishedFmt  format.PipelineFormat
	publishedW    int
	publishedH    int
	haveCaps      bool
	firstPull     bool
	frameCount    uint64
	eosResent     bool

	ctxMu      sync.Mutex
	sharedCtx  unsafe.Pointer
	ctxAdopted bool
}

// New implements §4.6.1's startup discovery and §4.6.2's capture
// source selection, returning a ready-to-Pull Engine.
func New(cfg *config.Config) (*Engine, error) {
	log := logging.L("engine")

	localModifiers, dmabufCapable := probeLocalModifiers(cfg.RenderNode)

	adapter, err := selectAdapter(cfg, dmabufCapable)
	if err != nil {
		return nil, fmt.Errorf("engine: adapter selection: %w", err)
	}

	src, err := selectCaptureSource(cfg, dmabufCapable, localModifiers)
	if err != nil {
		adapter.Close()
		return nil, fmt.Errorf("engine: capture source selection: %w", err)
	}

	return &Engine{
		cfg:           cfg,
		log:           log,
		source:        src,
		adapter:       adapter,
		dmabufCapable: dmabufCapable,
		capsUpdates:   make(chan CapsUpdate, 1),
		firstPull:     true,
	}, nil
}

// CapsUpdates returns the channel caps-change events are pushed to.
// A consumer should drain it before or interleaved with Pull calls;
// the channel has capacity 1, matching the "at most one pending
// republish" semantics of I3/§4.7.
func (e *Engine) CapsUpdates() <-chan CapsUpdate { return e.capsUpdates }

// Close releases the capture source and adapter, in that order so no
// frame reaches the adapter after the adapter has been closed.
func (e *Engine) Close() error {
	var firstErr error
	if err := e.source.Close(); err != nil {
		firstErr = err
	}
	if err := e.adapter.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// selectAdapter implements §4.6.1: CUDA if requested/auto and it
// succeeds, else passthrough if a render node is configured, else
// system memory.
func selectAdapter(cfg *config.Config, dmabufCapable bool) (gpuadapter.Adapter, error) {
	switch cfg.OutputMode {
	case config.OutputModeCUDA:
		return gpuadapter.SelectNamed("cuda", cfg.RenderNode, cfg.GPUDeviceID)
	case config.OutputModeDmabuf:
		return gpuadapter.SelectNamed("dmabuf-passthrough", cfg.RenderNode, cfg.GPUDeviceID)
	case config.OutputModeSystemMemory:
		return gpuadapter.SelectNamed("system-memory", cfg.RenderNode, cfg.GPUDeviceID)
	default: // auto
		return gpuadapter.Select(cfg.RenderNode, cfg.GPUDeviceID)
	}
}

// probeLocalModifiers only resolves whether a render node is usable at
// all, which answers "is DMA-BUF available" for capture-source and
// negotiator construction. When one resolves it reports the single
// modifier LINEAR; the render node's own modifier list is not queried
// (no EGL eglQueryDmaBufModifiersEXT call is made here or by any
// adapter).
func probeLocalModifiers(configuredRenderNode string) ([]format.Modifier, bool) {
	node, err := env.DefaultRenderNode(configuredRenderNode)
	if err != nil {
		return nil, false
	}
	_ = node
	return []format.Modifier{format.ModifierLinear}, true
}

// selectCaptureSource implements §4.6.2's runtime probe: modern
// session protocol first, then SHM screencopy, then PipeWire in
// whichever mode the DMA-BUF capability allows. PipeWire requires
// producer identity (node id or session fd) to mean anything, so it
// is only attempted when one is configured.
func selectCaptureSource(cfg *config.Config, dmabufCapable bool, localModifiers []format.Modifier) (capture.Source, error) {
	if cfg.CaptureSourceOverride == "export-dmabuf" {
		return capture.ConnectWlrExportDmabuf(cfg.TargetFPS)
	}

	compositor := env.DetectCompositor()

	if compositor == env.CompositorWlroots {
		if src, err := capture.ConnectExtImageCopyCapture(cfg.TargetFPS); err == nil {
			return src, nil
		}
		if src, err := capture.ConnectWlrScreencopy(cfg.TargetFPS); err == nil {
			return src, nil
		}
	}

	if cfg.ProducerNodeID != 0 || cfg.ProducerSessionFD != 0 {
		wantDmabuf := dmabufCapable && cfg.OutputMode != config.OutputModeSystemMemory
		return capture.ConnectPipeWire(capture.PipeWireConfig{
			NodeID:         cfg.ProducerNodeID,
			SessionFD:      cfg.ProducerSessionFD,
			DMABufCapable:  wantDmabuf,
			LocalModifiers: localModifiers,
			TargetFPS:      cfg.TargetFPS,
		})
	}

	return nil, fmt.Errorf("engine: no usable capture source (compositor=%s, no producer identity configured)", compositor)
}
