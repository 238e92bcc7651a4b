package capture

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"time"

	"castrelay/internal/core/domain"
	"castrelay/internal/core/ports"
	"castrelay/internal/infrastructure/monitoring"

	"go.uber.org/zap"
)

// PlaylistName is the rolling playlist the embedded endpoint serves.
const PlaylistName = "stream.m3u8"

const stderrTailSize = 4 * 1024

// Options configures the supervisor. Zero values are filled with defaults.
type Options struct {
	Binary       string
	OutputRoot   string // empty: a temp directory is created per start
	SegmentTime  time.Duration
	PlaylistSize int
	StartTimeout time.Duration
	StopGrace    time.Duration
	Framerate    int
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.Binary == "" {
		out.Binary = "ffmpeg"
	}
	if out.SegmentTime <= 0 {
		out.SegmentTime = 2 * time.Second
	}
	if out.PlaylistSize <= 0 {
		out.PlaylistSize = 5
	}
	if out.StartTimeout <= 0 {
		out.StartTimeout = 15 * time.Second
	}
	if out.StopGrace <= 0 {
		out.StopGrace = 3 * time.Second
	}
	if out.Framerate <= 0 {
		out.Framerate = 30
	}
	return out
}

// newCommand builds the capture process. Overridable so tests can substitute
// a harmless command for the real encode tool.
var newCommand = func(binary string, args ...string) *exec.Cmd {
	return exec.Command(binary, args...)
}

// process is the live state behind a StreamProcess snapshot. Owned
// exclusively by the supervisor; nothing else signals or reaps it.
type process struct {
	snapshot      domain.StreamProcess
	cmd           *exec.Cmd
	stderr        *tailBuffer
	done          chan struct{}
	stopRequested bool
}

// Supervisor launches and observes one capture/encode process per streaming
// session, and reconstructs its status from exit observations so callers can
// tell a crash from a graceful stop.
type Supervisor struct {
	opts      Options
	inventory ports.DeviceInventory
	metrics   *monitoring.PrometheusCollector
	logger    *zap.SugaredLogger

	procs map[domain.SessionCode]*process
	mu    sync.Mutex
}

func NewSupervisor(opts Options, inventory ports.DeviceInventory, metrics *monitoring.PrometheusCollector, logger *zap.SugaredLogger) *Supervisor {
	return &Supervisor{
		opts:      opts.withDefaults(),
		inventory: inventory,
		metrics:   metrics,
		logger:    logger,
		procs:     make(map[domain.SessionCode]*process),
	}
}

// Start launches the capture process for a session code. Idempotent: a
// second start for a code whose process is starting or running returns the
// existing snapshot. Startup is supervised asynchronously; the returned
// snapshot is typically still in the starting state.
func (s *Supervisor) Start(ctx context.Context, code domain.SessionCode, devices domain.DeviceSpec) (*domain.StreamProcess, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.procs[code]; ok {
		switch p.snapshot.Status {
		case domain.ProcessStarting, domain.ProcessRunning:
			snap := p.snapshot
			return &snap, nil
		}
		// earlier run failed or stopped; clear it before relaunching
		s.removeLocked(code, p)
	}

	if _, err := exec.LookPath(s.opts.Binary); err != nil {
		return nil, domain.ErrCaptureToolUnavailable
	}

	names, err := s.resolveDeviceNames(ctx, runtime.GOOS, devices)
	if err != nil {
		return nil, err
	}

	outputDir, err := s.outputDir(code)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare output directory: %w", err)
	}

	args := captureArgs(runtime.GOOS, devices, names, s.opts, outputDir)
	cmd := newCommand(s.opts.Binary, args...)
	tail := &tailBuffer{limit: stderrTailSize}
	cmd.Stderr = tail

	if err := cmd.Start(); err != nil {
		os.RemoveAll(outputDir)
		return nil, fmt.Errorf("failed to start capture process: %w", err)
	}

	p := &process{
		snapshot: domain.StreamProcess{
			SessionCode: code,
			Devices:     devices,
			PID:         cmd.Process.Pid,
			OutputDir:   outputDir,
			Status:      domain.ProcessStarting,
			StartedAt:   time.Now(),
		},
		cmd:    cmd,
		stderr: tail,
		done:   make(chan struct{}),
	}
	s.procs[code] = p

	if s.metrics != nil {
		s.metrics.ProcessTransition(string(domain.ProcessStarting))
	}
	s.logger.Infow("capture process started",
		"code", code, "pid", p.snapshot.PID, "video", devices.Video, "audio", devices.Audio)

	go s.reap(code, p)
	go s.probeReadiness(code, p)

	snap := p.snapshot
	return &snap, nil
}

// reap waits for the process and records how it ended. An exit nobody asked
// for is a failure, never a success.
func (s *Supervisor) reap(code domain.SessionCode, p *process) {
	err := p.cmd.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()

	if p.stopRequested {
		p.snapshot.Status = domain.ProcessStopped
	} else {
		p.snapshot.Status = domain.ProcessFailed
		p.snapshot.LastError = domain.ErrProcessFailure.Error()
		if tail := p.stderr.String(); tail != "" {
			p.snapshot.LastError = tail
		}
		s.logger.Warnw("capture process exited unexpectedly",
			"code", code, "error", err, "stderr_tail", p.stderr.String())
	}
	if s.metrics != nil {
		s.metrics.ProcessTransition(string(p.snapshot.Status))
	}
	close(p.done)
}

// probeReadiness polls for the playlist file; its appearance is the process
// reporting it is producing output. A probe timeout is treated as a failed
// start and the process is put down.
func (s *Supervisor) probeReadiness(code domain.SessionCode, p *process) {
	playlist := filepath.Join(p.snapshot.OutputDir, PlaylistName)
	deadline := time.Now().Add(s.opts.StartTimeout)

	for time.Now().Before(deadline) {
		select {
		case <-p.done:
			return
		case <-time.After(200 * time.Millisecond):
		}

		if _, err := os.Stat(playlist); err == nil {
			s.mu.Lock()
			if p.snapshot.Status == domain.ProcessStarting {
				p.snapshot.Status = domain.ProcessRunning
				if s.metrics != nil {
					s.metrics.ProcessTransition(string(domain.ProcessRunning))
				}
				s.logger.Infow("capture process producing output", "code", code)
			}
			s.mu.Unlock()
			return
		}
	}

	s.mu.Lock()
	stillStarting := p.snapshot.Status == domain.ProcessStarting
	s.mu.Unlock()
	if stillStarting {
		s.logger.Warnw("capture process produced no output before deadline", "code", code)
		p.cmd.Process.Kill()
	}
}

// Stop terminates the process for a code and removes its output directory so
// a restarted stream can never serve stale segments. Unknown codes are a
// no-op: teardown is raced from several triggers and must not fail any.
func (s *Supervisor) Stop(ctx context.Context, code domain.SessionCode) error {
	s.mu.Lock()
	p, ok := s.procs[code]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	alreadyDone := p.snapshot.Status == domain.ProcessFailed || p.snapshot.Status == domain.ProcessStopped
	p.stopRequested = true
	s.mu.Unlock()

	if !alreadyDone {
		// Interrupt lets the tool finalize the playlist; escalate after the
		// grace period.
		if err := p.cmd.Process.Signal(os.Interrupt); err != nil {
			p.cmd.Process.Kill()
		}
		select {
		case <-p.done:
		case <-time.After(s.opts.StopGrace):
			p.cmd.Process.Kill()
			select {
			case <-p.done:
			case <-ctx.Done():
				return ctx.Err()
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(code, p)
	s.logger.Infow("capture process stopped", "code", code)
	return nil
}

// Status returns a snapshot for the code, and whether the supervisor knows
// about it at all. Never-started codes report (nil, false); failed processes
// keep reporting failed until stopped or restarted.
func (s *Supervisor) Status(code domain.SessionCode) (*domain.StreamProcess, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.procs[code]
	if !ok {
		return nil, false
	}
	snap := p.snapshot
	return &snap, true
}

// ServeDir returns the output directory for a running stream, validating the
// presented code against it. This is the capability check for the embedded
// endpoint.
func (s *Supervisor) ServeDir(code domain.SessionCode) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.procs[code]
	if !ok {
		return "", false
	}
	if p.snapshot.Status != domain.ProcessStarting && p.snapshot.Status != domain.ProcessRunning {
		return "", false
	}
	return p.snapshot.OutputDir, true
}

func (s *Supervisor) removeLocked(code domain.SessionCode, p *process) {
	if p.snapshot.OutputDir != "" {
		if err := os.RemoveAll(p.snapshot.OutputDir); err != nil {
			s.logger.Warnw("failed to remove output directory",
				"code", code, "dir", p.snapshot.OutputDir, "error", err)
		}
	}
	delete(s.procs, code)
}

func (s *Supervisor) outputDir(code domain.SessionCode) (string, error) {
	if s.opts.OutputRoot == "" {
		return os.MkdirTemp("", "castrelay-"+string(code)+"-")
	}
	dir := filepath.Join(s.opts.OutputRoot, string(code))
	// Remove leftovers from any prior run of this code before reuse.
	if err := os.RemoveAll(dir); err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// deviceNames carries the resolved input names for platforms whose input
// specifiers open devices by name instead of index.
type deviceNames struct {
	video string
	audio string
}

// resolveDeviceNames maps enumeration indices to device names where needed.
// dshow input specifiers take names, so the indices the listing handed out
// are resolved back through the inventory before the invocation is built.
func (s *Supervisor) resolveDeviceNames(ctx context.Context, goos string, devices domain.DeviceSpec) (deviceNames, error) {
	if goos != "windows" {
		return deviceNames{}, nil
	}
	if s.inventory == nil {
		return deviceNames{}, fmt.Errorf("device name resolution needs an inventory")
	}

	video, audio, err := s.inventory.ListDevices(ctx)
	if err != nil {
		return deviceNames{}, fmt.Errorf("failed to enumerate devices: %w", err)
	}

	var names deviceNames
	for _, d := range video {
		if d.Index == devices.Video {
			names.video = d.Name
		}
	}
	for _, d := range audio {
		if d.Index == devices.Audio {
			names.audio = d.Name
		}
	}
	if names.video == "" || names.audio == "" {
		return deviceNames{}, fmt.Errorf("no capture device at index video=%d audio=%d", devices.Video, devices.Audio)
	}
	return names, nil
}

// captureArgs assembles the tool invocation: read the selected devices,
// encode for low-latency playback and emit a rolling segmented playlist.
func captureArgs(goos string, devices domain.DeviceSpec, names deviceNames, opts Options, outputDir string) []string {
	segSeconds := strconv.Itoa(int(opts.SegmentTime.Seconds()))
	if opts.SegmentTime < time.Second {
		segSeconds = "1"
	}

	var in []string
	switch goos {
	case "darwin":
		in = []string{
			"-f", "avfoundation",
			"-framerate", strconv.Itoa(opts.Framerate),
			"-capture_cursor", "1",
			"-i", fmt.Sprintf("%d:%d", devices.Video, devices.Audio),
		}
	case "windows":
		in = []string{
			"-f", "dshow",
			"-framerate", strconv.Itoa(opts.Framerate),
			"-i", fmt.Sprintf("video=%s:audio=%s", names.video, names.audio),
		}
	default:
		in = []string{
			"-f", "x11grab",
			"-framerate", strconv.Itoa(opts.Framerate),
			"-i", fmt.Sprintf(":%d", devices.Video),
			"-f", "pulse",
			"-i", strconv.Itoa(devices.Audio),
		}
	}

	args := []string{"-nostdin", "-hide_banner", "-loglevel", "error"}
	args = append(args, in...)
	args = append(args,
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-tune", "zerolatency",
		"-pix_fmt", "yuv420p",
		"-g", strconv.Itoa(opts.Framerate*2),
		"-c:a", "aac",
		"-f", "hls",
		"-hls_time", segSeconds,
		"-hls_list_size", strconv.Itoa(opts.PlaylistSize),
		"-hls_flags", "delete_segments+independent_segments",
		"-hls_segment_filename", filepath.Join(outputDir, "seg%05d.ts"),
		// Playlist entries resolve against the /segments/ route.
		"-hls_base_url", "segments/",
		filepath.Join(outputDir, PlaylistName),
	)
	return args
}

// tailBuffer keeps the last limit bytes written, for failure diagnosis.
type tailBuffer struct {
	mu    sync.Mutex
	buf   []byte
	limit int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.limit {
		t.buf = t.buf[len(t.buf)-t.limit:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
