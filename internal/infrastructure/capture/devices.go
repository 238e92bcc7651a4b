package capture

import (
	"context"
	"os/exec"
	"regexp"
	"runtime"
	"strconv"
	"strings"

	"castrelay/internal/core/domain"

	"go.uber.org/zap"
)

// DeviceInventory enumerates capture devices through the external tool.
// Enumeration is an enhancement: any failure yields empty lists so a stream
// can still be started with default device indices.
type DeviceInventory struct {
	binary string
	logger *zap.SugaredLogger
}

func NewDeviceInventory(binary string, logger *zap.SugaredLogger) *DeviceInventory {
	return &DeviceInventory{binary: binary, logger: logger}
}

// Available reports whether the capture tool resolves on PATH.
func (d *DeviceInventory) Available() bool {
	_, err := exec.LookPath(d.binary)
	return err == nil
}

// ListDevices re-enumerates on every call; devices appear and disappear, so
// descriptors are never cached.
func (d *DeviceInventory) ListDevices(ctx context.Context) (video, audio []domain.DeviceDescriptor, err error) {
	if !d.Available() {
		return nil, nil, nil
	}

	args := enumerationArgs(runtime.GOOS)
	if args == nil {
		return nil, nil, nil
	}

	cmd := exec.CommandContext(ctx, d.binary, args...)
	// The tool writes the device listing to stderr and exits non-zero
	// because the listing invocation names no real input.
	out, _ := cmd.CombinedOutput()

	switch runtime.GOOS {
	case "darwin":
		video, audio = parseAVFoundation(string(out))
	case "windows":
		video, audio = parseDShow(string(out))
	default:
		video, audio = parseSources(string(out))
	}

	d.logger.Debugw("enumerated capture devices", "video", len(video), "audio", len(audio))
	return video, audio, nil
}

func enumerationArgs(goos string) []string {
	switch goos {
	case "darwin":
		return []string{"-hide_banner", "-f", "avfoundation", "-list_devices", "true", "-i", ""}
	case "windows":
		return []string{"-hide_banner", "-list_devices", "true", "-f", "dshow", "-i", "dummy"}
	case "linux":
		return []string{"-hide_banner", "-sources", "v4l2"}
	default:
		return nil
	}
}

var avfDeviceRe = regexp.MustCompile(`\[(\d+)\]\s+(.+)$`)

// parseAVFoundation reads the avfoundation listing: a "video devices" header,
// indexed entries, then an "audio devices" header with its own entries.
func parseAVFoundation(out string) (video, audio []domain.DeviceDescriptor) {
	kind := domain.DeviceKind("")
	for _, line := range strings.Split(out, "\n") {
		switch {
		case strings.Contains(line, "video devices"):
			kind = domain.DeviceVideo
			continue
		case strings.Contains(line, "audio devices"):
			kind = domain.DeviceAudio
			continue
		}
		if kind == "" {
			continue
		}
		m := avfDeviceRe.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		idx, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		desc := domain.DeviceDescriptor{Index: idx, Name: strings.TrimSpace(m[2]), Kind: kind}
		if kind == domain.DeviceVideo {
			video = append(video, desc)
		} else {
			audio = append(audio, desc)
		}
	}
	return video, audio
}

var dshowDeviceRe = regexp.MustCompile(`"([^"]+)"\s+\((video|audio)\)`)

// parseDShow reads the dshow listing. dshow names devices rather than
// indexing them; indices are assigned in order of appearance per kind.
func parseDShow(out string) (video, audio []domain.DeviceDescriptor) {
	for _, line := range strings.Split(out, "\n") {
		m := dshowDeviceRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		if m[2] == "video" {
			video = append(video, domain.DeviceDescriptor{Index: len(video), Name: m[1], Kind: domain.DeviceVideo})
		} else {
			audio = append(audio, domain.DeviceDescriptor{Index: len(audio), Name: m[1], Kind: domain.DeviceAudio})
		}
	}
	return video, audio
}

// parseSources reads "-sources" output lines of the form
// "  /dev/video0 [Integrated Camera] (device)". Video only; audio devices on
// linux come from the default capture source.
func parseSources(out string) (video, audio []domain.DeviceDescriptor) {
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "/dev/video") {
			continue
		}
		name := line
		if open := strings.Index(line, "["); open >= 0 {
			if end := strings.Index(line[open:], "]"); end > 0 {
				name = line[open+1 : open+end]
			}
		}
		video = append(video, domain.DeviceDescriptor{Index: len(video), Name: name, Kind: domain.DeviceVideo})
	}
	return video, audio
}
