//go:build linux

package capture

/*
#cgo pkg-config: libpipewire-0.3 libspa-0.2
#include <pipewire/pipewire.h>
#include <spa/param/video/format-utils.h>
#include <spa/param/props.h>
#include <spa/pod/parser.h>
#include <spa/buffer/buffer.h>
#include <spa/buffer/meta.h>
#include <spa/utils/result.h>
#include <spa/pod/builder.h>
#include <stdlib.h>
#include <string.h>

struct pw_bridge_data {
	struct pw_thread_loop *loop;
	struct pw_stream *stream;
	struct spa_hook stream_listener;
	int session_id; // opaque Go-side handle, passed through to callbacks
};

extern void goOnProcess(int sessionID);
extern void goOnParamChanged(int sessionID, uint32_t id, const struct spa_pod *param);
extern void goOnStateChanged(int sessionID, int oldState, int newState);

static void on_process(void *data) {
	struct pw_bridge_data *d = (struct pw_bridge_data *)data;
	goOnProcess(d->session_id);
}

static void on_param_changed(void *data, uint32_t id, const struct spa_pod *param) {
	struct pw_bridge_data *d = (struct pw_bridge_data *)data;
	goOnParamChanged(d->session_id, id, param);
}

static void on_state_changed(void *data, enum pw_stream_state old, enum pw_stream_state state, const char *error) {
	struct pw_bridge_data *d = (struct pw_bridge_data *)data;
	goOnStateChanged(d->session_id, (int)old, (int)state);
}

static const struct pw_stream_events stream_events = {
	PW_VERSION_STREAM_EVENTS,
	.state_changed = on_state_changed,
	.param_changed = on_param_changed,
	.process = on_process,
};

static struct pw_bridge_data *bridge_init(int session_id) {
	struct pw_bridge_data *d = calloc(1, sizeof(struct pw_bridge_data));
	d->session_id = session_id;
	d->loop = pw_thread_loop_new("wlcapture-pipewire", NULL);
	return d;
}

static int bridge_connect(struct pw_bridge_data *d, uint32_t node_id, int session_fd) {
	pw_thread_loop_lock(d->loop);

	struct pw_context *ctx = pw_context_new(pw_thread_loop_get_loop(d->loop), NULL, 0);
	struct pw_core *core;
	if (session_fd >= 0) {
		core = pw_context_connect_fd(ctx, session_fd, NULL, 0);
	} else {
		core = pw_context_connect(ctx, NULL, 0);
	}
	if (core == NULL) {
		pw_thread_loop_unlock(d->loop);
		return -1;
	}

	struct pw_properties *props = pw_properties_new(
		PW_KEY_MEDIA_TYPE, "Video",
		PW_KEY_MEDIA_CATEGORY, "Capture",
		PW_KEY_MEDIA_ROLE, "Screen",
		NULL);

	d->stream = pw_stream_new(core, "wlcapture", props);
	pw_stream_add_listener(d->stream, &d->stream_listener, &stream_events, d);

	pw_thread_loop_unlock(d->loop);
	return 0;
}

static int bridge_connect_stream(struct pw_bridge_data *d, uint32_t node_id,
                                  const struct spa_pod **params, int n_params) {
	pw_thread_loop_lock(d->loop);
	enum pw_stream_flags flags = PW_STREAM_FLAG_AUTOCONNECT | PW_STREAM_FLAG_MAP_BUFFERS;
	int rc = pw_stream_connect(d->stream, PW_DIRECTION_INPUT, node_id, flags,
	                            params, (uint32_t)n_params);
	pw_thread_loop_unlock(d->loop);
	return rc;
}

static void bridge_set_active(struct pw_bridge_data *d, int active) {
	pw_thread_loop_lock(d->loop);
	pw_stream_set_active(d->stream, active ? true : false);
	pw_thread_loop_unlock(d->loop);
}

static void bridge_update_params(struct pw_bridge_data *d, const struct spa_pod **params, int n_params) {
	pw_thread_loop_lock(d->loop);
	pw_stream_update_params(d->stream, params, (uint32_t)n_params);
	pw_thread_loop_unlock(d->loop);
}

static void bridge_start(struct pw_bridge_data *d) {
	pw_thread_loop_start(d->loop);
}

static void bridge_destroy(struct pw_bridge_data *d) {
	if (d->loop != NULL) {
		pw_thread_loop_stop(d->loop);
	}
	if (d->stream != NULL) {
		pw_stream_destroy(d->stream);
	}
	free(d);
}

// bridge_parse_format extracts the negotiated format, geometry and
// (if present) DMA-BUF modifier out of a SPA_PARAM_Format pod. The
// modifier is not part of spa_format_video_raw_parse's output; it is
// a separate fixated SPA_FORMAT_VIDEO_modifier property on the same
// pod when the stream negotiated a DMA-BUF buffer type.
static int bridge_parse_format(const struct spa_pod *param, uint32_t *fmt,
                                int32_t *width, int32_t *height,
                                uint64_t *modifier, int *has_modifier) {
	struct spa_video_info_raw info;
	spa_zero(info);
	if (spa_format_video_raw_parse(param, &info) < 0) {
		return -1;
	}
	*fmt = info.format;
	*width = info.size.width;
	*height = info.size.height;

	*has_modifier = 0;
	*modifier = 0;
	const struct spa_pod_prop *prop = spa_pod_find_prop(param, NULL, SPA_FORMAT_VIDEO_modifier);
	if (prop != NULL) {
		int64_t m;
		if (spa_pod_get_long(&prop->value, &m) == 0) {
			*modifier = (uint64_t)m;
			*has_modifier = 1;
		}
	}
	return 0;
}

static struct pw_buffer *bridge_dequeue_buffer(struct pw_bridge_data *d) {
	return pw_stream_dequeue_buffer(d->stream);
}

static void bridge_queue_buffer(struct pw_bridge_data *d, struct pw_buffer *b) {
	pw_stream_queue_buffer(d->stream, b);
}

static int bridge_buffer_n_datas(struct pw_buffer *b) {
	return (int)b->buffer->n_datas;
}

static uint32_t bridge_buffer_data_type(struct pw_buffer *b, int i) {
	return b->buffer->datas[i].type;
}

static int bridge_buffer_data_fd(struct pw_buffer *b, int i) {
	return (int)b->buffer->datas[i].fd;
}

static uint32_t bridge_buffer_data_offset(struct pw_buffer *b, int i) {
	return b->buffer->datas[i].chunk->offset;
}

static uint32_t bridge_buffer_data_size(struct pw_buffer *b, int i) {
	return b->buffer->datas[i].chunk->size;
}

static uint32_t bridge_buffer_data_stride(struct pw_buffer *b, int i) {
	return b->buffer->datas[i].chunk->stride;
}

static void *bridge_buffer_data_ptr(struct pw_buffer *b, int i) {
	return b->buffer->datas[i].data;
}

// bridge_buffer_pts returns the producer's presentation timestamp in
// nanoseconds from the buffer's spa_meta_header, or -1 if the producer
// attached none.
static int64_t bridge_buffer_pts(struct pw_buffer *b) {
	struct spa_meta_header *h = spa_buffer_find_meta_data(b->buffer, SPA_META_Header, sizeof(*h));
	if (h != NULL) {
		return (int64_t)h->pts;
	}
	return -1;
}
*/
import "C"

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/wlcapture/bridge/internal/dmabuf"
	"github.com/wlcapture/bridge/internal/format"
	"github.com/wlcapture/bridge/internal/logging"
)

func init() {
	var once sync.Once
	once.Do(func() { C.pw_init(nil, nil) })
}

// PipeWireConfig is the input to the PipeWire variant, per §4.4.1.
type PipeWireConfig struct {
	NodeID         uint32
	SessionFD      int // -1 if not portal-granted
	DMABufCapable  bool
	LocalModifiers []format.Modifier
	TargetFPS      int
}

// pipewireSource implements Source against a libpipewire stream.
type pipewireSource struct {
	*base
	cfg  PipeWireConfig
	neg  *negotiator
	data *C.struct_pw_bridge_data
	log  *slog.Logger

	closeOnce sync.Once
}

var pipewireSessions sync.Map // int sessionID -> *pipewireSource
var nextSessionID int64

// ConnectPipeWire constructs the source, spawns the PipeWire thread
// loop, and waits briefly for either a fatal startup error or running
// state, matching every variant's common connect() contract.
func ConnectPipeWire(cfg PipeWireConfig) (Source, error) {
	vendor := vendorUnknown
	if len(cfg.LocalModifiers) > 0 {
		vendor = vendorFromModifier(cfg.LocalModifiers[0])
	}

	s := &pipewireSource{
		base: newBase(),
		cfg:  cfg,
		neg:  newNegotiator(cfg.DMABufCapable, cfg.LocalModifiers, vendor),
		log:  logging.L("capture.pipewire"),
	}

	sessionID := int(atomicAddSessionID())
	pipewireSessions.Store(sessionID, s)

	s.data = C.bridge_init(C.int(sessionID))
	sessionFD := C.int(-1)
	if cfg.SessionFD > 0 {
		sessionFD = C.int(cfg.SessionFD)
	}
	if rc := C.bridge_connect(s.data, C.uint32_t(cfg.NodeID), sessionFD); rc != 0 {
		C.bridge_destroy(s.data)
		pipewireSessions.Delete(sessionID)
		return nil, fmt.Errorf("capture: pipewire connect failed: code %d", int(rc))
	}

	if rc := C.bridge_connect_stream(s.data, C.uint32_t(cfg.NodeID), nil, 0); rc != 0 {
		C.bridge_destroy(s.data)
		pipewireSessions.Delete(sessionID)
		return nil, fmt.Errorf("capture: pipewire stream connect failed: code %d", int(rc))
	}

	C.bridge_start(s.data)

	running := make(chan struct{})
	close(running) // thread-loop start is itself the running signal; param negotiation proceeds asynchronously
	if err := waitForStartup(s.errCh, running); err != nil {
		s.Close()
		return nil, err
	}

	return s, nil
}

func atomicAddSessionID() int64 {
	nextSessionID++
	return nextSessionID
}

func (s *pipewireSource) RecvTimeout(timeout time.Duration) (*Frame, error) {
	return s.recvTimeout(timeout)
}

func (s *pipewireSource) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.signalShutdown()
		if s.data != nil {
			C.bridge_destroy(s.data)
		}
		s.signalClosed()
	})
	return err
}

//export goOnStateChanged
func goOnStateChanged(sessionID C.int, oldState, newState C.int) {
	v, ok := pipewireSessions.Load(int(sessionID))
	if !ok {
		return
	}
	s := v.(*pipewireSource)

	const pwStreamStatePaused = 2 // PW_STREAM_STATE_PAUSED
	if int(newState) == pwStreamStatePaused {
		// Entry to paused state: call set_active(true) exactly once
		// to trigger format negotiation, per §4.4.1.
		if alreadyActivated := s.neg.MarkActivated(); !alreadyActivated {
			C.bridge_set_active(s.data, 1)
		}
	}
}

//export goOnParamChanged
func goOnParamChanged(sessionID C.int, id C.uint32_t, param *C.struct_spa_pod) {
	v, ok := pipewireSessions.Load(int(sessionID))
	if !ok || param == nil {
		return
	}
	s := v.(*pipewireSource)

	const spaParamFormat = 4 // SPA_PARAM_Format
	if int(id) != spaParamFormat {
		return
	}

	pf, width, height, mod, err := decodeVideoFormatPod(param)
	if err != nil {
		s.log.Warn("format-changed pod parse failed", "error", err)
		return
	}

	shouldPublish, shouldActivate, err := s.neg.HandleFormatChanged(pf, width, height, mod)
	if err != nil {
		s.log.Warn("format-changed decode failed", "error", err)
		return
	}
	if shouldPublish {
		s.republishParams()
	}
	if shouldActivate {
		C.bridge_set_active(s.data, 1)
	}
}

//export goOnProcess
func goOnProcess(sessionID C.int) {
	v, ok := pipewireSessions.Load(int(sessionID))
	if !ok {
		return
	}
	s := v.(*pipewireSource)
	s.handleBufferReady()
}

// decodeVideoFormatPod parses a SPA_PARAM_Format pod via
// spa_format_video_raw_parse, plus the fixated SPA_FORMAT_VIDEO_modifier
// property when the producer negotiated a DMA-BUF buffer type. A
// pod with no modifier property (SHM negotiation) maps to
// ModifierLinear, matching the negotiator's SHM offer which never
// carries a modifier field at all.
func decodeVideoFormatPod(pod *C.struct_spa_pod) (format.ProducerFormat, int, int, format.Modifier, error) {
	var cFmt C.uint32_t
	var cWidth, cHeight C.int32_t
	var cModifier C.uint64_t
	var cHasModifier C.int

	if rc := C.bridge_parse_format(pod, &cFmt, &cWidth, &cHeight, &cModifier, &cHasModifier); rc < 0 {
		return 0, 0, 0, 0, fmt.Errorf("capture: pipewire: spa_format_video_raw_parse failed")
	}

	mod := format.ModifierLinear
	if cHasModifier != 0 {
		mod = format.Modifier(cModifier)
	}
	return format.ProducerFormat(cFmt), int(cWidth), int(cHeight), mod, nil
}

// republishParams is the post-format-change param update — it never
// re-sends the offered format itself, to avoid perpetual
// re-negotiation.
func (s *pipewireSource) republishParams() {
	s.log.Debug("republishing buffer-requirements params", "state", s.neg.State())
	// The update is sent with an empty param list: no ParamBuffers or
	// ParamMeta (Header, Cursor) pods are built, so buffer data types
	// and metadata are left to the producer's defaults.
	C.bridge_update_params(s.data, nil, 0)
}

// SPA data types, mirroring spa/buffer/buffer.h's enum spa_data_type.
const (
	spaDataInvalid = 0
	spaDataMemPtr  = 1
	spaDataMemFd   = 2
	spaDataDmaBuf  = 3
)

// handleBufferReady implements the per-buffer step of §4.4.1: dequeue
// the ready pw_buffer, build a Typed Frame straight out of its
// spa_buffer datas (duplicating DMA-BUF plane fds so the Descriptor
// outlives this pw_buffer), try-send it, then re-queue the pw_buffer
// back to the producer. Re-queueing happens via the deferred call
// below regardless of outcome: holding a dequeued buffer back from
// the producer any longer than necessary to copy its plane fds would
// stall the producer's own buffer pool, and the downstream GPU copy
// this source hands off to runs against the duplicated descriptor,
// never against the producer's original fd.
func (s *pipewireSource) handleBufferReady() {
	if s.shuttingDown() {
		return
	}

	buf := C.bridge_dequeue_buffer(s.data)
	if buf == nil {
		return
	}
	defer C.bridge_queue_buffer(s.data, buf)

	nDatas := int(C.bridge_buffer_n_datas(buf))
	if nDatas == 0 {
		return
	}

	params := s.neg.Params()

	var pts time.Duration
	if ptsNanos := int64(C.bridge_buffer_pts(buf)); ptsNanos >= 0 {
		pts = time.Duration(ptsNanos)
	}

	var frame *Frame
	switch C.bridge_buffer_data_type(buf, 0) {
	case spaDataDmaBuf:
		builder := dmabuf.NewBuilder(params.Width, params.Height, params.FourCC, params.Modifier, 0)
		for i := 0; i < nDatas; i++ {
			fd := int(C.bridge_buffer_data_fd(buf, C.int(i)))
			dupFD, err := unix.Dup(fd)
			if err != nil {
				s.log.Warn("dmabuf plane dup failed", "plane", i, "error", err)
				return
			}
			offset := uint32(C.bridge_buffer_data_offset(buf, C.int(i)))
			stride := uint32(C.bridge_buffer_data_stride(buf, C.int(i)))
			builder = builder.AddPlane(dupFD, i, offset, stride)
		}
		desc, err := builder.Build()
		if err != nil {
			s.log.Warn("dmabuf descriptor build failed", "error", err)
			return
		}
		frame = &Frame{Kind: FrameKindDMABuf, DMABuf: desc, Width: params.Width, Height: params.Height, FourCC: params.FourCC, Modifier: params.Modifier, PTS: pts}

	case spaDataMemFd, spaDataMemPtr:
		size := int(C.bridge_buffer_data_size(buf, 0))
		stride := uint32(C.bridge_buffer_data_stride(buf, 0))
		ptr := C.bridge_buffer_data_ptr(buf, 0)
		if ptr == nil || size == 0 {
			return
		}
		cp := C.GoBytes(ptr, C.int(size))
		frame = &Frame{Kind: FrameKindShm, Shm: cp, Width: params.Width, Height: params.Height, Stride: int(stride), FourCC: params.FourCC, PTS: pts}

	default:
		s.log.Warn("unsupported spa data type", "type", int(C.bridge_buffer_data_type(buf, 0)))
		return
	}

	s.trySend(frame)
}
