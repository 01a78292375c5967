//go:build linux

package capture

/*
#cgo pkg-config: wayland-client
#include <wayland-client.h>
#include <stdint.h>
#include <stdlib.h>

extern const struct wl_interface zwlr_screencopy_manager_v1_interface;
extern const struct wl_interface zwlr_screencopy_frame_v1_interface;

struct zwlr_screencopy_frame_v1_listener {
	void (*buffer)(void *data, struct zwlr_screencopy_frame_v1 *frame,
	               uint32_t format, uint32_t width, uint32_t height, uint32_t stride);
	void (*flags)(void *data, struct zwlr_screencopy_frame_v1 *frame, uint32_t flags);
	void (*ready)(void *data, struct zwlr_screencopy_frame_v1 *frame,
	              uint32_t tv_sec_hi, uint32_t tv_sec_lo, uint32_t tv_nsec);
	void (*failed)(void *data, struct zwlr_screencopy_frame_v1 *frame);
	void (*damage)(void *data, struct zwlr_screencopy_frame_v1 *frame,
	               uint32_t x, uint32_t y, uint32_t width, uint32_t height);
	void (*linux_dmabuf)(void *data, struct zwlr_screencopy_frame_v1 *frame,
	                      uint32_t format, uint32_t width, uint32_t height);
	void (*buffer_done)(void *data, struct zwlr_screencopy_frame_v1 *frame);
};

extern void goScreencopyBufferEvent(void *data, uint32_t format, uint32_t width, uint32_t height, uint32_t stride);
extern void goScreencopyBufferDone(void *data);
extern void goScreencopyReadyEvent(void *data, uint32_t tv_sec_hi, uint32_t tv_sec_lo, uint32_t tv_nsec);
extern void goScreencopyFailedEvent(void *data);
extern void goScreencopyRegistryGlobal(void *data, struct wl_registry *registry, uint32_t name, const char *interface, uint32_t version);

static void sc_buffer_cb(void *data, struct zwlr_screencopy_frame_v1 *f,
                          uint32_t format, uint32_t width, uint32_t height, uint32_t stride) {
	goScreencopyBufferEvent(data, format, width, height, stride);
}
static void sc_flags_cb(void *data, struct zwlr_screencopy_frame_v1 *f, uint32_t flags) {}
static void sc_ready_cb(void *data, struct zwlr_screencopy_frame_v1 *f,
                         uint32_t tv_sec_hi, uint32_t tv_sec_lo, uint32_t tv_nsec) {
	goScreencopyReadyEvent(data, tv_sec_hi, tv_sec_lo, tv_nsec);
}
static void sc_failed_cb(void *data, struct zwlr_screencopy_frame_v1 *f) {
	goScreencopyFailedEvent(data);
}
static void sc_damage_cb(void *data, struct zwlr_screencopy_frame_v1 *f,
                          uint32_t x, uint32_t y, uint32_t width, uint32_t height) {}
static void sc_linux_dmabuf_cb(void *data, struct zwlr_screencopy_frame_v1 *f,
                                uint32_t format, uint32_t width, uint32_t height) {}
static void sc_buffer_done_cb(void *data, struct zwlr_screencopy_frame_v1 *f) {
	goScreencopyBufferDone(data);
}

static const struct zwlr_screencopy_frame_v1_listener screencopy_frame_listener = {
	.buffer       = sc_buffer_cb,
	.flags        = sc_flags_cb,
	.ready        = sc_ready_cb,
	.failed       = sc_failed_cb,
	.damage       = sc_damage_cb,
	.linux_dmabuf = sc_linux_dmabuf_cb,
	.buffer_done  = sc_buffer_done_cb,
};

static void sc_registry_global(void *data, struct wl_registry *registry,
                                uint32_t name, const char *interface, uint32_t version) {
	goScreencopyRegistryGlobal(data, registry, name, interface, version);
}
static void sc_registry_global_remove(void *data, struct wl_registry *registry, uint32_t name) {}

static const struct wl_registry_listener screencopy_registry_listener = {
	.global = sc_registry_global,
	.global_remove = sc_registry_global_remove,
};

static struct wl_display *sc_connect(void) { return wl_display_connect(NULL); }

static struct wl_registry *sc_get_registry(struct wl_display *d, void *data) {
	struct wl_registry *r = wl_display_get_registry(d);
	wl_registry_add_listener(r, &screencopy_registry_listener, data);
	return r;
}

static void sc_roundtrip(struct wl_display *d) { wl_display_roundtrip(d); }
static void sc_dispatch(struct wl_display *d) { wl_display_dispatch(d); }

static void *sc_registry_bind(struct wl_registry *r, uint32_t name, const struct wl_interface *iface, uint32_t version) {
	return wl_registry_bind(r, name, iface, version);
}

static struct zwlr_screencopy_frame_v1 *sc_capture_output(
		struct zwlr_screencopy_manager_v1 *mgr, int32_t overlay_cursor,
		struct wl_output *output, void *data) {
	struct wl_proxy *p = wl_proxy_marshal_constructor(
		(struct wl_proxy *)mgr, 0, &zwlr_screencopy_frame_v1_interface, NULL, overlay_cursor, output);
	wl_proxy_add_listener(p, (void (**)(void))&screencopy_frame_listener, data);
	return (struct zwlr_screencopy_frame_v1 *)p;
}

static void sc_frame_copy(struct zwlr_screencopy_frame_v1 *f, struct wl_buffer *buffer) {
	wl_proxy_marshal((struct wl_proxy *)f, 0, buffer);
}

static void sc_frame_destroy(struct zwlr_screencopy_frame_v1 *f) {
	wl_proxy_marshal((struct wl_proxy *)f, 1);
	wl_proxy_destroy((struct wl_proxy *)f);
}

static struct wl_shm_pool *sc_shm_create_pool(struct wl_shm *shm, int32_t fd, int32_t size) {
	return wl_shm_create_pool(shm, fd, size);
}

static struct wl_buffer *sc_pool_create_buffer(struct wl_shm_pool *pool, int32_t offset,
                                                int32_t width, int32_t height, int32_t stride, uint32_t format) {
	return wl_shm_pool_create_buffer(pool, offset, width, height, stride, format);
}
*/
import "C"

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/wlcapture/bridge/internal/format"
	"github.com/wlcapture/bridge/internal/logging"
)

// shmPoolBuffer is one reusable memfd-backed SHM buffer, recreated
// only when the negotiated geometry changes — avoids a mmap/munmap
// churn on every captured frame.
type shmPoolBuffer struct {
	fd       int
	size     int
	mapped   []byte
	wlPool   *C.struct_wl_shm_pool
	wlBuffer *C.struct_wl_buffer
}

type screencopySession struct {
	log *slog.Logger

	display *C.struct_wl_display
	manager *C.struct_zwlr_screencopy_manager_v1
	shm     *C.struct_wl_shm
	output  *C.struct_wl_output

	targetInterval time.Duration
	lastFrameTime  time.Time

	mu         sync.Mutex
	width      uint32
	height     uint32
	stride     uint32
	fourcc     format.FourCC
	buf        *shmPoolBuffer
	frame      *C.struct_zwlr_screencopy_frame_v1
	waitingFor string // "buffer" or "ready"
	failed     bool
}

type wlrScreencopySource struct {
	*base
	sess *screencopySession

	closeOnce sync.Once
	wg        sync.WaitGroup
}

var screencopySessions sync.Map

// ConnectWlrScreencopy implements §4.4.3: SHM-based capture via
// zwlr_screencopy_manager_v1, reusing one memfd-backed wl_buffer
// across frames unless geometry changes.
func ConnectWlrScreencopy(targetFPS int) (Source, error) {
	log := logging.L("capture.wlr_screencopy")

	display := C.sc_connect()
	if display == nil {
		return nil, fmt.Errorf("capture: wlr_screencopy: wl_display_connect failed")
	}

	s := &wlrScreencopySource{
		base: newBase(),
		sess: &screencopySession{log: log, display: display, targetInterval: fpsToInterval(targetFPS)},
	}

	token := registerScreencopySession(s)
	registry := C.sc_get_registry(display, unsafe.Pointer(token))
	C.sc_roundtrip(display)
	C.sc_roundtrip(display)

	if s.sess.manager == nil || s.sess.shm == nil {
		C.wl_registry_destroy(registry)
		C.wl_display_disconnect(display)
		unregisterScreencopySession(token)
		return nil, fmt.Errorf("capture: wlr_screencopy: compositor does not support zwlr_screencopy_manager_v1")
	}
	if s.sess.output == nil {
		C.wl_registry_destroy(registry)
		C.wl_display_disconnect(display)
		unregisterScreencopySession(token)
		return nil, fmt.Errorf("capture: wlr_screencopy: no wl_output available")
	}

	s.wg.Add(1)
	go s.run(token)

	return s, nil
}

func registerScreencopySession(s *wlrScreencopySource) uintptr {
	exportTokenSeq++
	token := exportTokenSeq
	screencopySessions.Store(token, s)
	return token
}

func unregisterScreencopySession(token uintptr) { screencopySessions.Delete(token) }

func (s *wlrScreencopySource) RecvTimeout(timeout time.Duration) (*Frame, error) {
	return s.recvTimeout(timeout)
}

func (s *wlrScreencopySource) Close() error {
	s.closeOnce.Do(func() {
		s.signalShutdown()
		s.wg.Wait()
		s.sess.releaseBuffer()
		C.wl_display_disconnect(s.sess.display)
		s.signalClosed()
	})
	return nil
}

func (s *wlrScreencopySource) run(token uintptr) {
	defer s.wg.Done()
	defer unregisterScreencopySession(token)

	for !s.shuttingDown() {
		s.requestCapture(token)

		for s.sess.awaiting() && !s.shuttingDown() {
			if C.sc_dispatch(s.sess.display) < 0 {
				s.errCh <- ErrDisconnected
				return
			}
		}

		elapsed := time.Since(s.sess.lastFrameTime)
		if sleepFor := rateLimitSleep(s.sess.targetInterval, elapsed); sleepFor > 0 {
			time.Sleep(sleepFor)
		}
		s.sess.lastFrameTime = time.Now()
	}
}

func (s *wlrScreencopySource) requestCapture(token uintptr) {
	s.sess.mu.Lock()
	s.sess.waitingFor = "buffer"
	s.sess.failed = false
	s.sess.mu.Unlock()

	const overlayCursor = 0
	frame := C.sc_capture_output(s.sess.manager, overlayCursor, s.sess.output, unsafe.Pointer(token))
	s.sess.mu.Lock()
	s.sess.frame = frame
	s.sess.mu.Unlock()
}

func (sess *screencopySession) awaiting() bool {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.waitingFor != ""
}

// ensureBuffer lazily allocates or resizes the reusable memfd-backed
// SHM buffer, matching the "recreate only the SHM pool on geometry
// change" strategy from the reference implementation.
func (sess *screencopySession) ensureBuffer(width, height, stride uint32, wlFormat uint32) (*shmPoolBuffer, error) {
	size := int(stride * height)
	if sess.buf != nil && sess.buf.size == size {
		return sess.buf, nil
	}
	sess.releaseBuffer()

	fd, err := unix.MemfdCreate("wlr-screencopy", unix.MFD_ALLOW_SEALING)
	if err != nil {
		return nil, fmt.Errorf("capture: wlr_screencopy: memfd_create: %w", err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("capture: wlr_screencopy: ftruncate: %w", err)
	}
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_ADD_SEALS, unix.F_SEAL_SHRINK|unix.F_SEAL_SEAL); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("capture: wlr_screencopy: add seals: %w", err)
	}
	mapped, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("capture: wlr_screencopy: mmap: %w", err)
	}

	pool := C.sc_shm_create_pool(sess.shm, C.int32_t(fd), C.int32_t(size))
	buffer := C.sc_pool_create_buffer(pool, 0, C.int32_t(width), C.int32_t(height), C.int32_t(stride), C.uint32_t(wlFormat))

	sess.buf = &shmPoolBuffer{fd: fd, size: size, mapped: mapped, wlPool: pool, wlBuffer: buffer}
	return sess.buf, nil
}

func (sess *screencopySession) releaseBuffer() {
	if sess.buf == nil {
		return
	}
	if sess.buf.wlBuffer != nil {
		C.wl_buffer_destroy(sess.buf.wlBuffer)
	}
	if sess.buf.wlPool != nil {
		C.wl_shm_pool_destroy(sess.buf.wlPool)
	}
	if sess.buf.mapped != nil {
		unix.Munmap(sess.buf.mapped)
	}
	if sess.buf.fd > 0 {
		unix.Close(sess.buf.fd)
	}
	sess.buf = nil
}

//export goScreencopyRegistryGlobal
func goScreencopyRegistryGlobal(data unsafe.Pointer, registry *C.struct_wl_registry, name C.uint32_t, iface *C.char, version C.uint32_t) {
	s, ok := lookupScreencopySession(data)
	if !ok {
		return
	}
	switch C.GoString(iface) {
	case "zwlr_screencopy_manager_v1":
		bound := C.sc_registry_bind(registry, name, &C.zwlr_screencopy_manager_v1_interface, 1)
		s.sess.manager = (*C.struct_zwlr_screencopy_manager_v1)(bound)
	case "wl_shm":
		bound := C.sc_registry_bind(registry, name, &C.wl_shm_interface, 1)
		s.sess.shm = (*C.struct_wl_shm)(bound)
	case "wl_output":
		if s.sess.output == nil {
			bound := C.sc_registry_bind(registry, name, &C.wl_output_interface, 1)
			s.sess.output = (*C.struct_wl_output)(bound)
		}
	}
}

//export goScreencopyBufferEvent
func goScreencopyBufferEvent(data unsafe.Pointer, wlFormat, width, height, stride C.uint32_t) {
	s, ok := lookupScreencopySession(data)
	if !ok {
		return
	}
	fc := wlShmFormatToFourCC(uint32(wlFormat))

	s.sess.mu.Lock()
	s.sess.width, s.sess.height, s.sess.stride, s.sess.fourcc = uint32(width), uint32(height), uint32(stride), fc
	s.sess.mu.Unlock()

	buf, err := s.sess.ensureBuffer(uint32(width), uint32(height), uint32(stride), uint32(wlFormat))
	if err != nil {
		s.sess.log.Warn("buffer allocation failed", "error", err)
		s.sess.mu.Lock()
		s.sess.waitingFor = ""
		s.sess.mu.Unlock()
		return
	}

	s.sess.mu.Lock()
	frame := s.sess.frame
	s.sess.mu.Unlock()
	if frame != nil {
		C.sc_frame_copy(frame, buf.wlBuffer)
	}
}

//export goScreencopyBufferDone
func goScreencopyBufferDone(data unsafe.Pointer) {
	s, ok := lookupScreencopySession(data)
	if !ok {
		return
	}
	s.sess.mu.Lock()
	s.sess.waitingFor = "ready"
	s.sess.mu.Unlock()
}

//export goScreencopyReadyEvent
func goScreencopyReadyEvent(data unsafe.Pointer, tvSecHi, tvSecLo, tvNsec C.uint32_t) {
	s, ok := lookupScreencopySession(data)
	if !ok {
		return
	}
	pts := time.Duration(uint64(tvSecHi)<<32|uint64(tvSecLo))*time.Second + time.Duration(tvNsec)

	s.sess.mu.Lock()
	buf := s.sess.buf
	width, height, stride, fc := s.sess.width, s.sess.height, s.sess.stride, s.sess.fourcc
	frame := s.sess.frame
	s.sess.frame = nil
	s.sess.waitingFor = ""
	s.sess.mu.Unlock()

	if frame != nil {
		C.sc_frame_destroy(frame)
	}
	if buf == nil {
		return
	}

	cp := make([]byte, len(buf.mapped))
	copy(cp, buf.mapped)
	s.trySend(&Frame{Kind: FrameKindShm, Shm: cp, Width: int(width), Height: int(height), Stride: int(stride), FourCC: fc, PTS: pts})
}

//export goScreencopyFailedEvent
func goScreencopyFailedEvent(data unsafe.Pointer) {
	s, ok := lookupScreencopySession(data)
	if !ok {
		return
	}
	s.sess.log.Warn("screencopy frame failed")
	s.sess.mu.Lock()
	if s.sess.frame != nil {
		C.sc_frame_destroy(s.sess.frame)
		s.sess.frame = nil
	}
	s.sess.waitingFor = ""
	s.sess.failed = true
	s.sess.mu.Unlock()
}

func lookupScreencopySession(data unsafe.Pointer) (*wlrScreencopySource, bool) {
	v, ok := screencopySessions.Load(uintptr(data))
	if !ok {
		return nil, false
	}
	return v.(*wlrScreencopySource), true
}
