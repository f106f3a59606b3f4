package capture

import (
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"strconv"
	"sync"
	"syscall"
)

// FFmpegSource captures microphone audio through an ffmpeg subprocess
// streaming raw PCM on stdout. It is the default Source on systems without a
// native audio binding; the engine only sees the Source interface.
type FFmpegSource struct {
	Binary string // default "ffmpeg"
	Device string // default per-OS capture device

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdout io.ReadCloser
}

// Start launches the capture subprocess with the requested profile.
func (s *FFmpegSource) Start(profile QualityProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cmd != nil {
		return newError(KindEngineFailure, "source already started", nil)
	}

	bin := s.Binary
	if bin == "" {
		bin = "ffmpeg"
	}
	if _, err := exec.LookPath(bin); err != nil {
		return newError(KindEngineFailure, "ffmpeg not found", err)
	}

	inFmt, device := s.inputArgs()
	cmd := exec.Command(bin,
		"-loglevel", "quiet",
		"-f", inFmt, "-i", device,
		"-ac", strconv.Itoa(profile.Channels),
		"-ar", strconv.Itoa(profile.SampleRate),
		"-f", "s16le",
		"pipe:1",
	)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return newError(KindEngineFailure, "open capture pipe", err)
	}
	if err := cmd.Start(); err != nil {
		return newError(KindEngineFailure, "start capture subprocess", err)
	}

	s.cmd = cmd
	s.stdout = stdout
	return nil
}

// Read blocks for the next PCM chunk. Stop releases it with an error.
func (s *FFmpegSource) Read(p []byte) (int, error) {
	s.mu.Lock()
	stdout := s.stdout
	s.mu.Unlock()
	if stdout == nil {
		return 0, fmt.Errorf("source not started")
	}
	return stdout.Read(p)
}

// Stop kills the subprocess tree and closes the pipe.
func (s *FFmpegSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil {
		return nil
	}
	_ = syscall.Kill(-s.cmd.Process.Pid, syscall.SIGKILL)
	_ = s.cmd.Wait()
	s.cmd = nil
	s.stdout = nil
	return nil
}

// inputArgs picks the ffmpeg input format and device for the platform.
func (s *FFmpegSource) inputArgs() (string, string) {
	device := s.Device
	if runtime.GOOS == "darwin" {
		if device == "" {
			device = ":0"
		}
		return "avfoundation", device
	}
	if device == "" {
		device = "default"
	}
	return "alsa", device
}
