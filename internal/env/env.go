// Package env implements the small environment probes the spec calls
// for: render-node auto-discovery and a compositor-identity heuristic.
// Neither talks to a portal or D-Bus session — that negotiation is an
// external collaborator this bridge only consumes the result of.
package env

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Compositor is the coarse compositor-family heuristic derived from
// XDG_CURRENT_DESKTOP (WAYLAND_DISPLAY is not read), used only to pick a sensible
// default Capture Source variant (§4.6.2) — never for session
// negotiation.
type Compositor string

const (
	CompositorUnknown Compositor = "unknown"
	CompositorGNOME   Compositor = "gnome"
	CompositorKDE     Compositor = "kde"
	CompositorWlroots Compositor = "wlroots"
)

// DetectCompositor inspects XDG_CURRENT_DESKTOP for a coarse compositor family.
func DetectCompositor() Compositor {
	desktop := strings.ToLower(os.Getenv("XDG_CURRENT_DESKTOP"))
	switch {
	case strings.Contains(desktop, "gnome"):
		return CompositorGNOME
	case strings.Contains(desktop, "kde"), strings.Contains(desktop, "plasma"):
		return CompositorKDE
	case desktop == "":
		return CompositorUnknown
	default:
		// sway, river, hyprland, wayfire and most other compositors
		// outside GNOME/KDE are wlroots-based.
		return CompositorWlroots
	}
}

// WaylandSocketPath returns the first present Wayland socket under the
// runtime directory, checking wayland-1 before wayland-0 as documented
// in §6's environment-probes interface.
func WaylandSocketPath() (string, error) {
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir == "" {
		return "", fmt.Errorf("env: XDG_RUNTIME_DIR not set")
	}
	for _, name := range []string{"wayland-1", "wayland-0"} {
		path := filepath.Join(runtimeDir, name)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("env: no wayland socket found under %s", runtimeDir)
}

// DefaultRenderNode implements the render-node default-search order:
// the configured path (if non-empty), then /dev/dri/renderD128, then
// the first renderD* found under /dev/dri.
func DefaultRenderNode(configured string) (string, error) {
	if configured != "" {
		if _, err := os.Stat(configured); err == nil {
			return configured, nil
		}
		return "", fmt.Errorf("env: configured render node %s not found", configured)
	}

	const preferred = "/dev/dri/renderD128"
	if _, err := os.Stat(preferred); err == nil {
		return preferred, nil
	}

	entries, err := os.ReadDir("/dev/dri")
	if err != nil {
		return "", fmt.Errorf("env: reading /dev/dri: %w", err)
	}
	var candidates []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "renderD") {
			candidates = append(candidates, e.Name())
		}
	}
	if len(candidates) == 0 {
		return "", fmt.Errorf("env: no renderD* node found under /dev/dri")
	}
	sort.Strings(candidates)
	return filepath.Join("/dev/dri", candidates[0]), nil
}
