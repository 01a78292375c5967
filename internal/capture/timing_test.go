package capture

import (
	"testing"
	"time"
)

func TestFpsToIntervalDividesASecond(t *testing.T) {
	if got := fpsToInterval(60); got != time.Second/60 {
		t.Fatalf("got %v, want %v", got, time.Second/60)
	}
	if got := fpsToInterval(0); got != 16*time.Millisecond {
		t.Fatalf("got %v, want 16ms fallback for non-positive fps", got)
	}
	if got := fpsToInterval(-5); got != 16*time.Millisecond {
		t.Fatalf("got %v, want 16ms fallback for negative fps", got)
	}
}

func TestBackoffCancelIsFixed100ms(t *testing.T) {
	if got := backoffCancel(); got != 100*time.Millisecond {
		t.Fatalf("got %v, want 100ms", got)
	}
}
