package capture

import (
	"log/slog"
	"sync"

	"github.com/wlcapture/bridge/internal/format"
	"github.com/wlcapture/bridge/internal/logging"
)

// bufferType is the negotiator's accepted-buffer-type state.
type bufferType int

const (
	bufferUnnegotiated bufferType = iota
	bufferShm
	bufferDmabuf
)

func (b bufferType) String() string {
	switch b {
	case bufferShm:
		return "shm"
	case bufferDmabuf:
		return "dmabuf"
	default:
		return "unnegotiated"
	}
}

// VideoParams is the negotiated (width, height, fourcc, modifier)
// tuple, shared between the negotiator and whoever reads it to build
// republished caps.
type VideoParams struct {
	Width    int
	Height   int
	FourCC   format.FourCC
	Modifier format.Modifier
}

// FormatProposal is one Format Proposal, per §4.5.1. ConnectPipeWire
// connects the stream with an empty param list, so these proposals are
// not sent to the producer during connect.
type FormatProposal struct {
	Formats           []format.ProducerFormat
	Modifiers         []format.Modifier
	ModifierMandatory bool
	NoModifierField   bool
	MinSize, MaxSize, DefaultSize [2]int
	MinFPS, MaxFPS, DefaultFPS    [2]int
	MaxFrameRateMin               [2]int // must be 0/1 so the pacer can be disabled
}

// negotiator drives the small PipeWire-only state machine keyed by the
// currently accepted buffer type.
type negotiator struct {
	log *slog.Logger

	dmabufCapable   bool
	localModifiers  []format.Modifier
	vendor          gpuVendor

	mu               sync.Mutex
	state            bufferType
	params           VideoParams
	activatedOnce    bool
	firstRepublished bool
}

func newNegotiator(dmabufCapable bool, localModifiers []format.Modifier, vendor gpuVendor) *negotiator {
	return &negotiator{
		log:            logging.L("capture.negotiator"),
		dmabufCapable:  dmabufCapable,
		localModifiers: localModifiers,
		vendor:         vendor,
		state:          bufferUnnegotiated,
	}
}

// BuildOffers implements §4.5.1: one proposal when DMA-BUF is
// available, two when it's not.
func (n *negotiator) BuildOffers() []FormatProposal {
	if n.dmabufCapable {
		return []FormatProposal{{
			Formats:           []format.ProducerFormat{format.SPAFormatBGRA, format.SPAFormatRGBA, format.SPAFormatBGRx, format.SPAFormatRGBx},
			Modifiers:         n.modifierOffer(),
			ModifierMandatory: true,
			MinSize:           [2]int{1, 1},
			MaxSize:           [2]int{8192, 4320},
			DefaultSize:       [2]int{1920, 1080},
			MinFPS:            [2]int{0, 1},
			MaxFPS:            [2]int{360, 1},
			DefaultFPS:        [2]int{60, 1},
			MaxFrameRateMin:   [2]int{0, 1},
		}}
	}

	return []FormatProposal{
		{
			Formats:     []format.ProducerFormat{format.SPAFormatBGRx, format.SPAFormatBGRA, format.SPAFormatRGBx, format.SPAFormatRGBA},
			Modifiers:   []format.Modifier{format.ModifierLinear, format.ModifierInvalid},
			MinSize:     [2]int{1, 1},
			MaxSize:     [2]int{8192, 4320},
			DefaultSize: [2]int{1920, 1080},
		},
		{
			Formats:         []format.ProducerFormat{format.SPAFormatRGB, format.SPAFormatBGR, format.SPAFormatBGRx, format.SPAFormatBGRA, format.SPAFormatRGBx, format.SPAFormatRGBA},
			NoModifierField: true,
			MinSize:         [2]int{1, 1},
			MaxSize:         [2]int{8192, 4320},
			DefaultSize:     [2]int{1920, 1080},
		},
	}
}

// modifierOffer implements §4.5.2's vendor-dependent modifier selection.
func (n *negotiator) modifierOffer() []format.Modifier {
	switch {
	case n.vendor == vendorNVIDIA:
		// The locally reported render-format modifiers and the
		// producer's screen-cast output modifiers are different
		// families on NVIDIA; offering only the local ones makes
		// the producer fall back to LINEAR, which the allocator
		// then refuses. Offer the known screen-cast tiled family
		// instead, with LINEAR as a terminal fallback.
		return append(append([]format.Modifier{}, nvidiaScreenCastModifiers...), format.ModifierLinear)
	case len(n.localModifiers) > 0:
		return append(append([]format.Modifier{}, n.localModifiers...), format.ModifierInvalid)
	default:
		return []format.Modifier{format.ModifierInvalid}
	}
}

// nvidiaScreenCastModifiers is the hard-coded family of NVIDIA
// screen-cast tiled modifiers offered instead of the locally reported
// render-format modifiers. Open question per the governing design
// notes: the exact enumerated family is driver-version-dependent and
// intentionally not guessed beyond this representative set.
var nvidiaScreenCastModifiers = []format.Modifier{
	0x0300000000000001,
	0x0300000000000002,
	0x0300000000000003,
}

// HandleFormatChanged implements §4.5.3. It returns (shouldPublish,
// shouldActivate) describing what the PipeWire stream's param-changed
// handler must do next.
func (n *negotiator) HandleFormatChanged(pf format.ProducerFormat, width, height int, mod format.Modifier) (shouldPublish, shouldActivate bool, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	fc := format.ProducerToFourCC(pf)
	n.params = VideoParams{Width: width, Height: height, FourCC: fc, Modifier: mod}

	required := bufferShm
	if n.dmabufCapable {
		required = bufferDmabuf
	}

	if required == n.state {
		// Same buffer type as last accepted: republishing would
		// just loop the negotiation, so skip it.
		return false, false, nil
	}

	n.state = required
	shouldActivate = !n.activatedOnce
	n.activatedOnce = true
	n.firstRepublished = true
	return true, shouldActivate, nil
}

// Params returns the last negotiated video parameters.
func (n *negotiator) Params() VideoParams {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.params
}

// State returns the negotiator's current accepted buffer type.
func (n *negotiator) State() bufferType {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// MarkActivated records that set_active(true) has been issued once,
// for callers that must trigger the initial activation themselves
// (before any format-changed event exists to drive it).
func (n *negotiator) MarkActivated() (alreadyActivated bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	alreadyActivated = n.activatedOnce
	n.activatedOnce = true
	return alreadyActivated
}
