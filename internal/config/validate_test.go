package config

import (
	"strings"
	"testing"
)

func TestValidateUnknownLogLevelIsWarning(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "verbose"
	errs := cfg.Validate()

	found := false
	for _, err := range errs {
		if strings.Contains(err.Error(), "log_level") {
			found = true
		}
	}
	if !found {
		t.Fatal("expected warning about unknown log level")
	}
}

func TestValidateInvalidOutputModeIsWarning(t *testing.T) {
	cfg := Default()
	cfg.OutputMode = "vulkan"
	errs := cfg.Validate()

	found := false
	for _, err := range errs {
		if strings.Contains(err.Error(), "output_mode") {
			found = true
		}
	}
	if !found {
		t.Fatal("expected warning about unknown output_mode")
	}
}

func TestValidateNegativeKeepaliveIsClamped(t *testing.T) {
	cfg := Default()
	cfg.KeepaliveMS = -500
	cfg.Validate()
	if cfg.KeepaliveMS != 0 {
		t.Fatalf("KeepaliveMS = %d, want 0 (clamped)", cfg.KeepaliveMS)
	}
}

func TestValidateTargetFPSClamping(t *testing.T) {
	cfg := Default()
	cfg.TargetFPS = 0
	cfg.Validate()
	if cfg.TargetFPS != 1 {
		t.Fatalf("TargetFPS = %d, want 1 (clamped)", cfg.TargetFPS)
	}

	cfg.TargetFPS = 1000
	cfg.Validate()
	if cfg.TargetFPS != 240 {
		t.Fatalf("TargetFPS = %d, want 240 (clamped)", cfg.TargetFPS)
	}
}

func TestValidateMutuallyExclusiveProducerIdentity(t *testing.T) {
	cfg := Default()
	cfg.ProducerNodeID = 7
	cfg.ProducerSessionFD = 12
	errs := cfg.Validate()

	if len(errs) == 0 {
		t.Fatal("expected warning about mutually exclusive producer identity")
	}
	if cfg.ProducerSessionFD != 0 {
		t.Fatalf("expected ProducerSessionFD cleared in favor of ProducerNodeID, got %d", cfg.ProducerSessionFD)
	}
}

func TestValidateUnknownCaptureSourceOverrideIsWarning(t *testing.T) {
	cfg := Default()
	cfg.CaptureSourceOverride = "x11-fallback"
	errs := cfg.Validate()

	found := false
	for _, err := range errs {
		if strings.Contains(err.Error(), "capture_source") {
			found = true
		}
	}
	if !found {
		t.Fatal("expected warning about unknown capture_source override")
	}
	if cfg.CaptureSourceOverride != "" {
		t.Fatalf("CaptureSourceOverride = %q, want cleared", cfg.CaptureSourceOverride)
	}
}

func TestValidConfigHasNoErrors(t *testing.T) {
	cfg := Default()
	cfg.ProducerNodeID = 42
	errs := cfg.Validate()
	if len(errs) > 0 {
		t.Fatalf("valid config has errors: %v", errs)
	}
}
