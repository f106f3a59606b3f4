package transcriber

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

// LocalConfig configures the on-device recognizer.
type LocalConfig struct {
	BinaryPath     string // path to the recognizer CLI
	ModelPath      string // optional model file passed with --model
	Language       string // optional language hint
	TimeoutSeconds int    // default 300
}

// Local shells out to an on-device recognizer binary. It has no network
// dependency; the pipeline uses it when the remote path is exhausted or the
// device is offline.
type Local struct {
	cfg LocalConfig
}

// NewLocal creates the on-device recognizer backend.
func NewLocal(cfg LocalConfig) *Local {
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = 300
	}
	return &Local{cfg: cfg}
}

// Name returns the backend identifier.
func (l *Local) Name() string {
	return "local"
}

// recognizerOutput is the JSON the recognizer CLI writes to stdout.
type recognizerOutput struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// Transcribe runs the recognizer subprocess against the raw segment audio.
func (l *Local) Transcribe(ctx context.Context, filePath string) (*Result, error) {
	info, err := os.Stat(l.cfg.BinaryPath)
	if err != nil {
		return nil, newError(KindUnavailable, fmt.Sprintf("recognizer not found at %q", l.cfg.BinaryPath), err)
	}
	if info.Mode()&0111 == 0 {
		return nil, newError(KindNotAuthorized, fmt.Sprintf("recognizer at %q is not executable", l.cfg.BinaryPath), nil)
	}

	runCtx, cancel := context.WithTimeout(ctx, time.Duration(l.cfg.TimeoutSeconds)*time.Second)
	defer cancel()

	cmd := exec.CommandContext(runCtx, l.cfg.BinaryPath, l.buildArgs(filePath)...)
	// Own process group so a timeout kill takes the whole tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	if err := cmd.Run(); err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return nil, newError(KindUnavailable,
				fmt.Sprintf("recognition timed out after %d seconds", l.cfg.TimeoutSeconds), nil)
		}
		return nil, newError(KindUnavailable, "recognizer subprocess failed", err)
	}

	var out recognizerOutput
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return nil, newError(KindUnavailable, "parse recognizer output", err)
	}

	text := strings.TrimSpace(out.Text)
	if text == "" {
		return nil, newError(KindEmptyResult, "no speech detected", nil)
	}

	conf := out.Confidence
	if conf <= 0 || conf > 1 {
		conf = 0.5 // recognizer omits confidence; report middling certainty
	}
	return &Result{Text: text, Confidence: conf}, nil
}

// buildArgs constructs the CLI arguments for the recognizer binary.
func (l *Local) buildArgs(filePath string) []string {
	var args []string
	if l.cfg.ModelPath != "" {
		args = append(args, "--model", l.cfg.ModelPath)
	}
	args = append(args, "--output-json")
	if l.cfg.Language != "" {
		args = append(args, "--language", l.cfg.Language)
	}
	args = append(args, filePath)
	return args
}
