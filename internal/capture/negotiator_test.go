package capture

import (
	"testing"

	"github.com/wlcapture/bridge/internal/format"
)

func TestBuildOffersDmabufCapableOffersOneProposal(t *testing.T) {
	n := newNegotiator(true, []format.Modifier{0x0100000000000001}, vendorIntel)
	offers := n.BuildOffers()
	if len(offers) != 1 {
		t.Fatalf("got %d proposals, want 1", len(offers))
	}
	if !offers[0].ModifierMandatory {
		t.Fatal("dmabuf-capable proposal must flag modifier mandatory")
	}
}

func TestBuildOffersNonDmabufOffersTwoProposals(t *testing.T) {
	n := newNegotiator(false, nil, vendorUnknown)
	offers := n.BuildOffers()
	if len(offers) != 2 {
		t.Fatalf("got %d proposals, want 2", len(offers))
	}
	if !offers[1].NoModifierField {
		t.Fatal("second fallback proposal must omit the modifier field entirely")
	}
}

func TestModifierOfferNVIDIAIgnoresLocalModifiers(t *testing.T) {
	n := newNegotiator(true, []format.Modifier{0x0100000000000099}, vendorNVIDIA)
	got := n.modifierOffer()

	for _, m := range got[:len(got)-1] {
		if m == 0x0100000000000099 {
			t.Fatal("NVIDIA offer must not include the locally reported Intel modifier")
		}
	}
	if got[len(got)-1] != format.ModifierLinear {
		t.Fatalf("NVIDIA offer must terminate with LINEAR fallback, got %#x", got[len(got)-1])
	}
}

func TestModifierOfferAMDPassesThroughLocalModifiers(t *testing.T) {
	local := format.Modifier(0x0200000000000042)
	n := newNegotiator(true, []format.Modifier{local}, vendorAMD)
	got := n.modifierOffer()

	if got[0] != local {
		t.Fatalf("got %#x, want local modifier first", got[0])
	}
	if got[len(got)-1] != format.ModifierInvalid {
		t.Fatalf("got terminal %#x, want INVALID fallback", got[len(got)-1])
	}
}

func TestHandleFormatChangedSkipsRepublishOnSameBufferType(t *testing.T) {
	n := newNegotiator(true, nil, vendorUnknown)

	_, activate1, err := n.HandleFormatChanged(format.SPAFormatBGRx, 1920, 1080, format.ModifierLinear)
	if err != nil {
		t.Fatalf("first format change: %v", err)
	}
	if !activate1 {
		t.Fatal("first transition must request activation")
	}

	republish, activate2, err := n.HandleFormatChanged(format.SPAFormatBGRA, 1280, 720, format.ModifierLinear)
	if err != nil {
		t.Fatalf("second format change: %v", err)
	}
	if republish {
		t.Fatal("same accepted buffer type must not trigger a republish")
	}
	if activate2 {
		t.Fatal("activation must only be requested once per session")
	}
	if n.Params().Width != 1280 {
		t.Fatal("video params must still update even without a republish")
	}
}

func TestHandleFormatChangedFallsBackToBGRAOnUnknownProducerFormat(t *testing.T) {
	n := newNegotiator(true, nil, vendorUnknown)
	if _, _, err := n.HandleFormatChanged(format.SPAFormatUnknown, 1920, 1080, format.ModifierLinear); err != nil {
		t.Fatalf("unmapped producer format must not fail: %v", err)
	}
	if got := n.Params().FourCC; got != format.FourCCBA24 {
		t.Fatalf("expected fallback fourcc %v, got %v", format.FourCCBA24, got)
	}
}

func TestMarkActivatedIsIdempotent(t *testing.T) {
	n := newNegotiator(true, nil, vendorUnknown)
	if already := n.MarkActivated(); already {
		t.Fatal("first call must report not-already-activated")
	}
	if already := n.MarkActivated(); !already {
		t.Fatal("second call must report already-activated")
	}
}
