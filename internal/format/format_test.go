package format

import "testing"

func TestFormatSpecToDRMStringLinear(t *testing.T) {
	got := FormatSpecToDRMString(FourCCXR24, ModifierLinear)
	if got != "XR24" {
		t.Fatalf("got %q, want %q", got, "XR24")
	}
}

func TestFormatSpecToDRMStringTiled(t *testing.T) {
	got := FormatSpecToDRMString(FourCCXR24, Modifier(0x300000000e08010))
	want := "XR24:0x0300000000e08010"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestFormatSpecToDRMStringPadsShortFourCC(t *testing.T) {
	short := makeFourCC('A', 'B', 0, 0)
	got := FormatSpecToDRMString(short, ModifierLinear)
	if len(got) != 4 {
		t.Fatalf("got %q (len %d), want length 4", got, len(got))
	}
	if got != "AB  " {
		t.Fatalf("got %q, want %q", got, "AB  ")
	}
}

func TestFourCCToPipelineByteOrder(t *testing.T) {
	cases := []struct {
		name string
		fc   FourCC
		want PipelineFormat
	}{
		{"BGR888 -> rgb", FourCCBG24, PipelineRGB},
		{"RGB888 -> bgr", FourCCRG24, PipelineBGR},
		{"BGRX8888 -> xrgb", FourCCBX24, PipelineXRGB},
		{"RGBX8888 -> xbgr", FourCCRX24, PipelineXBGR},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := FourCCToPipeline(c.fc)
			if got != c.want {
				t.Fatalf("got %s, want %s", got, c.want)
			}
		})
	}
}

func TestFourCCToPipelineNeverNativeEndianAlias(t *testing.T) {
	known := map[PipelineFormat]bool{
		PipelineXRGB: true, PipelineXBGR: true, PipelineARGB: true, PipelineABGR: true,
		PipelineRGBX: true, PipelineBGRX: true, PipelineRGBA: true, PipelineBGRA: true,
		PipelineRGB: true, PipelineBGR: true,
	}
	for fc := range fourccToPipeline {
		pf := FourCCToPipeline(fc)
		if !known[pf] {
			t.Fatalf("fourcc %s mapped to unrecognized pipeline format %s", fc, pf)
		}
	}
}

func TestProducerToFourCCUnsupportedFallsBackToBGRA(t *testing.T) {
	got := ProducerToFourCC(SPAFormatUnknown)
	if got != FourCCBA24 {
		t.Fatalf("got %s, want fallback %s", got, FourCCBA24)
	}
}

func TestFourCCToPipelineUnsupportedFallsBackToBGRA(t *testing.T) {
	got := FourCCToPipeline(FourCC(0xdeadbeef))
	if got != PipelineBGRA {
		t.Fatalf("got %s, want fallback %s", got, PipelineBGRA)
	}
}

func TestProducerToFourCCRoundTripsToPipeline(t *testing.T) {
	fc := ProducerToFourCC(SPAFormatxRGB)
	if fc != FourCCXR24 {
		t.Fatalf("got %s, want XR24", fc)
	}
	pf := FourCCToPipeline(fc)
	if pf != PipelineBGRX {
		t.Fatalf("got %s, want bgrx", pf)
	}
}
