package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wlcapture/bridge/internal/config"
	"github.com/wlcapture/bridge/internal/engine"
	"github.com/wlcapture/bridge/internal/logging"
)

var (
	version = "0.1.0"
	cfgFile string
)

var log = logging.L("main")

var rootCmd = &cobra.Command{
	Use:   "wlcapture",
	Short: "Wayland zero-copy screen capture bridge",
	Long:  `wlcapture negotiates a zero-copy DMA-BUF (or SHM fallback) handoff between a Wayland compositor and a downstream GPU consumer.`,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the capture bridge and stream frame/caps events to stdout",
	Run: func(cmd *cobra.Command, args []string) {
		runBridge()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("wlcapture v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is /etc/wlcapture/wlcapture.yaml)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// initLogging sets up structured logging from config. Call after config.Load().
func initLogging(cfg *config.Config) {
	logging.Init(cfg.LogFormat, cfg.LogLevel, os.Stdout)
	log = logging.L("main")
}

// runBridge implements the run subcommand: build the engine from
// config, then pull frames and caps updates until EOS or a signal.
func runBridge() {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	initLogging(cfg)

	eng, err := engine.New(cfg)
	if err != nil {
		log.Error("failed to start engine", "error", err)
		os.Exit(1)
	}
	defer eng.Close()

	log.Info("bridge started", "version", version, "outputMode", cfg.OutputMode)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		defer close(done)
		pullLoop(eng)
	}()

	select {
	case <-sigCh:
		log.Info("shutdown requested")
	case <-done:
		log.Info("capture source ended stream")
	}
}

// pullLoop drains both the caps-update side channel and the frame
// stream, logging each. It implements the consumer side of §4.6.3's
// "publish caps before the frame that triggered the change" ordering
// by always checking for a pending caps update before logging a frame.
func pullLoop(eng *engine.Engine) {
	for {
		frame, err := eng.Pull()
		if err != nil {
			if errors.Is(err, engine.ErrRetryable) {
				continue
			}
			if errors.Is(err, engine.ErrEOS) {
				return
			}
			log.Error("pull failed", "error", err)
			return
		}

		select {
		case caps := <-eng.CapsUpdates():
			log.Info("caps changed",
				"format", caps.Format,
				"width", caps.Width,
				"height", caps.Height,
				"frameRate", caps.FrameRate,
				"drmFormat", caps.DRMFormat,
			)
		default:
		}

		log.Info("frame",
			"index", frame.FrameIndex,
			"kind", frame.Kind,
			"width", frame.Meta.Width,
			"height", frame.Meta.Height,
			"keepalive", frame.IsKeepalive,
			"pts", frame.PTS,
		)
	}
}
