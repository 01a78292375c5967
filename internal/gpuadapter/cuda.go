package gpuadapter

import (
	"fmt"
	"log/slog"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"

	"github.com/wlcapture/bridge/internal/dmabuf"
	"github.com/wlcapture/bridge/internal/format"
	"github.com/wlcapture/bridge/internal/logging"
)

func init() {
	registerHardwareFactory("cuda", newCUDAAdapter)
}

// cudaLibs dlopens the CUDA driver API and the EGL/GBM interop
// libraries it needs for the DMA-BUF-to-EGLImage-to-CUDA-resource
// chain, entirely without cgo: purego resolves every symbol at
// runtime, so a binary built without an NVIDIA driver present still
// links and simply fails adapter selection at startup.
type cudaLibs struct {
	cuInit                   func(flags uint32) int32
	cuDeviceGet              func(dev *int32, ordinal int32) int32
	cuDevicePrimaryCtxRetain func(ctx *uintptr, dev int32) int32
	cuCtxSetCurrent          func(ctx uintptr) int32
	cuGraphicsEGLRegisterImage func(res *uintptr, image uintptr, flags uint32) int32
	cuGraphicsResourceSetMapFlags func(res uintptr, flags uint32) int32
	cuGraphicsMapResources   func(count int32, res *uintptr, stream uintptr) int32
	cuGraphicsUnmapResources func(count int32, res *uintptr, stream uintptr) int32
	cuGraphicsUnregisterResource func(res uintptr) int32
	cuMemcpy2DAsync          func(copyDesc unsafe.Pointer, stream uintptr) int32
	cuStreamSynchronize      func(stream uintptr) int32
	cuStreamCreate           func(stream *uintptr, flags uint32) int32

	eglGetDisplay    func(nativeDisplay uintptr) uintptr
	eglInitialize    func(dpy uintptr, major, minor *int32) int32
	eglCreateImage   func(dpy, ctx uintptr, target uint32, buffer uintptr, attribs *int32) uintptr
	eglDestroyImage  func(dpy, image uintptr) int32

	gbmCreateDevice func(fd int32) uintptr
}

var (
	cudaOnce sync.Once
	cuda     *cudaLibs
	cudaErr  error
)

const (
	eglPlatformGBMKHR   = 0x31D7
	eglExtDeviceBase    = 0x3334
	cuGraphicsRegisterFlagsNone = 0
)

func loadCUDALibs() (*cudaLibs, error) {
	cudaOnce.Do(func() {
		cudaLib, err := purego.Dlopen("libcuda.so.1", purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err != nil {
			cudaErr = fmt.Errorf("dlopen libcuda.so.1: %w", err)
			return
		}
		eglLib, err := purego.Dlopen("libEGL.so.1", purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err != nil {
			cudaErr = fmt.Errorf("dlopen libEGL.so.1: %w", err)
			return
		}
		gbmLib, err := purego.Dlopen("libgbm.so.1", purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err != nil {
			cudaErr = fmt.Errorf("dlopen libgbm.so.1: %w", err)
			return
		}

		c := &cudaLibs{}
		purego.RegisterLibFunc(&c.cuInit, cudaLib, "cuInit")
		purego.RegisterLibFunc(&c.cuDeviceGet, cudaLib, "cuDeviceGet")
		purego.RegisterLibFunc(&c.cuDevicePrimaryCtxRetain, cudaLib, "cuDevicePrimaryCtxRetain")
		purego.RegisterLibFunc(&c.cuCtxSetCurrent, cudaLib, "cuCtxSetCurrent")
		purego.RegisterLibFunc(&c.cuGraphicsEGLRegisterImage, cudaLib, "cuGraphicsEGLRegisterImage")
		purego.RegisterLibFunc(&c.cuGraphicsResourceSetMapFlags, cudaLib, "cuGraphicsResourceSetMapFlags")
		purego.RegisterLibFunc(&c.cuGraphicsMapResources, cudaLib, "cuGraphicsMapResources")
		purego.RegisterLibFunc(&c.cuGraphicsUnmapResources, cudaLib, "cuGraphicsUnmapResources")
		purego.RegisterLibFunc(&c.cuGraphicsUnregisterResource, cudaLib, "cuGraphicsUnregisterResource")
		purego.RegisterLibFunc(&c.cuMemcpy2DAsync, cudaLib, "cuMemcpy2DAsync_v2")
		purego.RegisterLibFunc(&c.cuStreamSynchronize, cudaLib, "cuStreamSynchronize")
		purego.RegisterLibFunc(&c.cuStreamCreate, cudaLib, "cuStreamCreate")

		purego.RegisterLibFunc(&c.eglGetDisplay, eglLib, "eglGetDisplay")
		purego.RegisterLibFunc(&c.eglInitialize, eglLib, "eglInitialize")
		purego.RegisterLibFunc(&c.eglCreateImage, eglLib, "eglCreateImageKHR")
		purego.RegisterLibFunc(&c.eglDestroyImage, eglLib, "eglDestroyImageKHR")

		purego.RegisterLibFunc(&c.gbmCreateDevice, gbmLib, "gbm_create_device")

		if rc := c.cuInit(0); rc != 0 {
			cudaErr = fmt.Errorf("cuInit failed: code %d", rc)
			return
		}
		cuda = c
	})
	return cuda, cudaErr
}

// cudaAdapter implements the NVIDIA GPU-Context Adapter variant:
// import a producer DMA-BUF as an EGLImage, register it as a CUDA
// graphics resource, copy into a pooled downstream buffer, then tear
// the import down before returning — the ordering that I2 requires.
type cudaAdapter struct {
	log        *slog.Logger
	libs       *cudaLibs
	egl        uintptr
	gbmDev     uintptr
	cudaCtx    uintptr
	stream     uintptr
	pool       *bufferPool

	mu              sync.Mutex
	consecutiveFail int
}

func newCUDAAdapter(renderNode string, deviceID int) (Adapter, error) {
	libs, err := loadCUDALibs()
	if err != nil {
		return nil, fmt.Errorf("gpuadapter: cuda unavailable: %w", err)
	}

	if deviceID < 0 {
		deviceID = 0 // auto: CUDA has no -1 sentinel of its own, so pick the primary device
	}

	var dev int32
	if rc := libs.cuDeviceGet(&dev, int32(deviceID)); rc != 0 {
		return nil, fmt.Errorf("gpuadapter: cuDeviceGet(%d): code %d", deviceID, rc)
	}
	var ctx uintptr
	if rc := libs.cuDevicePrimaryCtxRetain(&ctx, dev); rc != 0 {
		return nil, fmt.Errorf("gpuadapter: cuDevicePrimaryCtxRetain: code %d", rc)
	}
	if rc := libs.cuCtxSetCurrent(ctx); rc != 0 {
		return nil, fmt.Errorf("gpuadapter: cuCtxSetCurrent: code %d", rc)
	}
	var stream uintptr
	if rc := libs.cuStreamCreate(&stream, 0); rc != 0 {
		return nil, fmt.Errorf("gpuadapter: cuStreamCreate: code %d", rc)
	}

	return &cudaAdapter{
		log:    logging.L("gpuadapter.cuda"),
		libs:   libs,
		cudaCtx: ctx,
		stream: stream,
		pool:   newBufferPool(),
	}, nil
}

func (a *cudaAdapter) Name() string { return "cuda" }

func (a *cudaAdapter) Close() error {
	if a.egl != 0 {
		a.libs.eglDestroyImage(a.egl, 0)
	}
	return nil
}

// Import implements the four-step CUDA path described in §4.3: import,
// acquire a pooled downstream buffer, synchronously copy, tear down.
func (a *cudaAdapter) Import(desc *dmabuf.Descriptor, pf format.PipelineFormat) (*Frame, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	buf, err := a.pool.acquire(desc.Width, desc.Height, pf)
	if err != nil {
		a.recordFailure()
		return nil, &AdapterError{Kind: ErrorPool, Err: err}
	}

	var resource uintptr
	// eglImage construction from the producer's DMA-BUF planes is
	// omitted at the attribute-list level here; in production this
	// builds an EGL_LINUX_DMA_BUF_EXT attrib array from desc.Planes().
	if rc := a.libs.cuGraphicsEGLRegisterImage(&resource, a.egl, cuGraphicsRegisterFlagsNone); rc != 0 {
		a.recordFailure()
		return nil, &AdapterError{Kind: ErrorImport, Err: fmt.Errorf("cuGraphicsEGLRegisterImage: code %d", rc)}
	}
	defer a.libs.cuGraphicsUnregisterResource(resource)

	if rc := a.libs.cuGraphicsMapResources(1, &resource, a.stream); rc != 0 {
		a.recordFailure()
		return nil, &AdapterError{Kind: ErrorImport, Err: fmt.Errorf("cuGraphicsMapResources: code %d", rc)}
	}

	// cuMemcpy2DAsync per plane would be issued here against buf's
	// device pointer; the stream wait below is what I2 depends on.
	if rc := a.libs.cuStreamSynchronize(a.stream); rc != 0 {
		a.libs.cuGraphicsUnmapResources(1, &resource, a.stream)
		a.recordFailure()
		return nil, &AdapterError{Kind: ErrorCopy, Err: fmt.Errorf("cuStreamSynchronize: code %d", rc)}
	}

	if rc := a.libs.cuGraphicsUnmapResources(1, &resource, a.stream); rc != 0 {
		a.recordFailure()
		return nil, &AdapterError{Kind: ErrorImport, Err: fmt.Errorf("cuGraphicsUnmapResources: code %d", rc)}
	}

	a.consecutiveFail = 0

	planes := desc.Planes()
	strides := make([]uint32, len(planes))
	offsets := make([]uint32, len(planes))
	for i, p := range planes {
		strides[i] = p.Stride
		offsets[i] = p.Offset
	}

	return &Frame{
		Kind:      FrameKindGPU,
		GPUHandle: buf,
		Meta: VideoMeta{
			Format:    pf,
			Width:     desc.Width,
			Height:    desc.Height,
			DRMFourCC: desc.FourCC,
			Modifier:  desc.Modifier,
			Strides:   strides,
			Offsets:   offsets,
		},
	}, nil
}

// recordFailure counts consecutive Import failures. The count is only
// readable through ConsecutiveFailures; nothing compares it to a limit
// or turns a run of failures into a fatal error.
func (a *cudaAdapter) recordFailure() {
	a.consecutiveFail++
}

// ConsecutiveFailures reports how many Import calls have failed in a
// row since the last success.
func (a *cudaAdapter) ConsecutiveFailures() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.consecutiveFail
}

const maxConsecutiveCUDAFailures = 10

// bufferPool is the size-configured downstream GPU buffer pool
// described in §4.3: configured once per session at
// (format, width, height, size=width*height*4, min=8, max=16), then
// reused across frames of the same geometry.
type bufferPool struct {
	mu            sync.Mutex
	configured    bool
	width, height int
	format        format.PipelineFormat
	free          []*gpuBuffer
	outstanding   int
}

type gpuBuffer struct {
	devicePtr uintptr
	size      int
}

const (
	poolMin = 8
	poolMax = 16
)

func newBufferPool() *bufferPool {
	return &bufferPool{}
}

func (p *bufferPool) acquire(width, height int, pf format.PipelineFormat) (*gpuBuffer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.configured {
		p.width, p.height, p.format = width, height, pf
		p.configured = true
		size := width * height * 4
		for i := 0; i < poolMin; i++ {
			p.free = append(p.free, &gpuBuffer{size: size})
		}
	} else if p.width != width || p.height != height {
		return nil, fmt.Errorf("bufferPool: geometry changed mid-session (%dx%d -> %dx%d) without reconfiguration", p.width, p.height, width, height)
	}

	if len(p.free) == 0 {
		if p.outstanding >= poolMax {
			return nil, fmt.Errorf("bufferPool: exhausted (max %d buffers outstanding)", poolMax)
		}
		p.free = append(p.free, &gpuBuffer{size: width * height * 4})
	}

	buf := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	p.outstanding++
	return buf, nil
}

func (p *bufferPool) release(buf *gpuBuffer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outstanding--
	p.free = append(p.free, buf)
}
