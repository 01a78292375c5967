package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/viper"
)

// OutputMode selects which downstream representation the engine hands
// frames to a consumer in, per the engine's Pull operation.
type OutputMode string

const (
	OutputModeAuto        OutputMode = "auto"
	OutputModeCUDA        OutputMode = "cuda"
	OutputModeDmabuf      OutputMode = "dmabuf"
	OutputModeSystemMemory OutputMode = "system-memory"
)

// Config holds every externally settable option of the capture bridge.
type Config struct {
	// Producer identity: exactly one of these selects the capture source.
	ProducerNodeID    uint32 `mapstructure:"producer_node_id"`
	ProducerSessionFD int    `mapstructure:"producer_session_fd"`

	// GPU adapter selection. GPUDeviceID of -1 means auto (the adapter
	// picks a device itself rather than requiring one to be named).
	RenderNode  string     `mapstructure:"render_node"`
	OutputMode  OutputMode `mapstructure:"output_mode"`
	GPUDeviceID int        `mapstructure:"gpu_device_id"`

	// CaptureSourceOverride forces a specific Capture Source variant,
	// bypassing the §4.6.2 runtime probe entirely. Empty means auto.
	// Exists for compositors that advertise the legacy
	// zwlr_export_dmabuf_manager_v1 protocol but neither of the two
	// protocols the auto-probe otherwise checks.
	CaptureSourceOverride string `mapstructure:"capture_source"`

	// Pipeline pacing.
	KeepaliveMS      int  `mapstructure:"keepalive_ms"`
	ResendLastOnEOS  bool `mapstructure:"resend_last_on_eos"`
	TargetFPS        int  `mapstructure:"target_fps"`

	// Ambient logging configuration.
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
}

func Default() *Config {
	return &Config{
		RenderNode:      "",
		OutputMode:      OutputModeAuto,
		GPUDeviceID:     -1,
		KeepaliveMS:     100,
		ResendLastOnEOS: false,
		TargetFPS:       60,
		LogLevel:        "info",
		LogFormat:       "text",
	}
}

func Load(cfgFile string) (*Config, error) {
	cfg := Default()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("wlcapture")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(configDir())
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("WLCAPTURE")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, err
	}

	result := cfg.Validate()
	for _, err := range result {
		slog.Warn("config validation", "error", err)
	}

	if cfg.ProducerNodeID == 0 && cfg.ProducerSessionFD == 0 {
		return nil, fmt.Errorf("config: one of producer_node_id or producer_session_fd must be set")
	}

	return cfg, nil
}

func configDir() string {
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(os.Getenv("HOME"), ".config", "wlcapture")
	default:
		return "/etc/wlcapture"
	}
}
