package transcriber

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Converter prepares a segment's raw audio for upload. ToWire returns the
// path to upload and a cleanup func for any temporary file it produced.
type Converter interface {
	ToWire(ctx context.Context, filePath string) (string, func(), error)
}

// Passthrough uploads the raw segment audio unchanged.
type Passthrough struct{}

// ToWire returns filePath as-is.
func (Passthrough) ToWire(_ context.Context, filePath string) (string, func(), error) {
	return filePath, func() {}, nil
}

// FFmpeg transcodes segments to mono 16 kHz WAV, the format the transcription
// service ingests cheapest.
type FFmpeg struct {
	Binary string // default "ffmpeg"
	TmpDir string // default os.TempDir()
}

// NewConverter returns an FFmpeg converter when the binary is available and a
// Passthrough otherwise. A missing ffmpeg must not fail transcription.
func NewConverter(tmpDir string) Converter {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return Passthrough{}
	}
	return &FFmpeg{Binary: "ffmpeg", TmpDir: tmpDir}
}

// ToWire writes the converted file into TmpDir and returns its path.
func (c *FFmpeg) ToWire(ctx context.Context, filePath string) (string, func(), error) {
	bin := c.Binary
	if bin == "" {
		bin = "ffmpeg"
	}
	tmpDir := c.TmpDir
	if tmpDir == "" {
		tmpDir = os.TempDir()
	}

	base := strings.TrimSuffix(filepath.Base(filePath), filepath.Ext(filePath))
	out := filepath.Join(tmpDir, base+"_wire_16k.wav")

	cmd := exec.CommandContext(ctx, bin,
		"-y", "-i", filePath,
		"-ac", "1", "-ar", "16000",
		"-f", "wav",
		out,
	)
	if err := cmd.Run(); err != nil {
		return "", func() {}, fmt.Errorf("ffmpeg: %w", err)
	}
	return out, func() { _ = os.Remove(out) }, nil
}
