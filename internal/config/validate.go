package config

import (
	"fmt"
	"strings"
)

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"warning": true,
	"error": true,
}

var validOutputModes = map[OutputMode]bool{
	OutputModeAuto:         true,
	OutputModeCUDA:         true,
	OutputModeDmabuf:       true,
	OutputModeSystemMemory: true,
}

var validCaptureSourceOverrides = map[string]bool{
	"":              true,
	"export-dmabuf": true,
}

// Validate checks the config for invalid values and returns all errors
// found. Dangerous zero-values that would cause panics downstream are
// clamped to safe defaults rather than left to fail later.
func (c *Config) Validate() []error {
	var errs []error

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Errorf("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel))
	}

	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format %q is not valid (use text or json)", c.LogFormat))
	}

	if c.OutputMode != "" && !validOutputModes[c.OutputMode] {
		errs = append(errs, fmt.Errorf("output_mode %q is not valid (use auto, cuda, dmabuf, system-memory)", c.OutputMode))
	}

	if !validCaptureSourceOverrides[c.CaptureSourceOverride] {
		errs = append(errs, fmt.Errorf("capture_source %q is not valid (use \"\" or export-dmabuf)", c.CaptureSourceOverride))
		c.CaptureSourceOverride = ""
	}

	if c.KeepaliveMS < 0 {
		errs = append(errs, fmt.Errorf("keepalive_ms %d must be >= 0, clamping to 0 (disabled)", c.KeepaliveMS))
		c.KeepaliveMS = 0
	}

	if c.TargetFPS < 1 {
		errs = append(errs, fmt.Errorf("target_fps %d is below minimum 1, clamping", c.TargetFPS))
		c.TargetFPS = 1
	} else if c.TargetFPS > 240 {
		errs = append(errs, fmt.Errorf("target_fps %d exceeds maximum 240, clamping", c.TargetFPS))
		c.TargetFPS = 240
	}

	if c.ProducerNodeID != 0 && c.ProducerSessionFD != 0 {
		errs = append(errs, fmt.Errorf("producer_node_id and producer_session_fd are mutually exclusive, preferring producer_node_id"))
		c.ProducerSessionFD = 0
	}

	return errs
}
