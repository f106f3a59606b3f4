package transcriber

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tiroq/voxlog/internal/diaglog"
)

const transcribePath = "/v1/transcriptions"

// RemoteConfig configures the remote transcription client.
type RemoteConfig struct {
	BaseURL        string
	Secret         string // HMAC-SHA256 signing secret
	Token          string // optional auth token, sent as Bearer
	TimeoutSeconds int    // default 120
	Retries        int    // attempts beyond the first, default 2 (3 calls total)
}

// Remote is a Backend that uploads audio to the transcription service as a
// signed multipart request. It retries transient failures up to three calls
// with 1s/2s/4s backoff; non-429 4xx responses are never retried. This retry
// loop is per HTTP call and independent of the pipeline's own retry ladder.
type Remote struct {
	cfg         RemoteConfig
	client      *http.Client
	converter   Converter
	backoffBase time.Duration // default time.Second; tests override to 1ms
	now         func() time.Time
	nonce       func() string

	logger   *diaglog.Logger
	loggerMu sync.RWMutex
}

// NewRemote creates a remote transcription client.
func NewRemote(cfg RemoteConfig, conv Converter) *Remote {
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = 120
	}
	if cfg.Retries <= 0 {
		cfg.Retries = 2
	}
	if conv == nil {
		conv = Passthrough{}
	}
	return &Remote{
		cfg:         cfg,
		converter:   conv,
		backoffBase: time.Second,
		now:         time.Now,
		nonce:       uuid.NewString,
		client: &http.Client{
			Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		},
	}
}

// SetLogger injects a diaglog.Logger for debug logging.
func (r *Remote) SetLogger(l *diaglog.Logger) {
	r.loggerMu.Lock()
	r.logger = l
	r.loggerMu.Unlock()
}

func (r *Remote) log(entry diaglog.LogEntry) {
	r.loggerMu.RLock()
	l := r.logger
	r.loggerMu.RUnlock()
	if l == nil {
		return
	}
	if entry.Component == "" {
		entry.Component = diaglog.ComponentRemote
	}
	l.Log(entry)
}

// Name returns the backend identifier.
func (r *Remote) Name() string {
	return "remote"
}

// Transcribe converts the segment audio to the wire codec and uploads it.
func (r *Remote) Transcribe(ctx context.Context, filePath string) (*Result, error) {
	wirePath, cleanup, err := r.converter.ToWire(ctx, filePath)
	if err != nil {
		// Conversion failure is local and transient (ffmpeg hiccup, tmp
		// space); let the pipeline's retry ladder handle it.
		return nil, newError(KindNetwork, "convert audio", err)
	}
	defer cleanup()

	var lastErr error
	for attempt := 0; attempt <= r.cfg.Retries; attempt++ {
		if attempt > 0 {
			backoff := r.backoffBase << (attempt - 1) // 1s, 2s, 4s
			r.log(diaglog.LogEntry{
				Event:   diaglog.EventRemoteAttempt,
				Payload: map[string]interface{}{"attempt": attempt, "backoff_ms": backoff.Milliseconds()},
			})
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, newError(KindNetwork, "canceled", ctx.Err())
			}
		}

		result, err := r.doTranscribe(ctx, wirePath)
		if err == nil {
			return result, nil
		}
		if !IsRetryable(err) {
			return nil, err
		}
		lastErr = err
	}

	return nil, newError(KindNetwork,
		fmt.Sprintf("upload %s: all %d attempts failed", filepath.Base(filePath), r.cfg.Retries+1), lastErr)
}

// doTranscribe performs a single signed multipart POST.
func (r *Remote) doTranscribe(ctx context.Context, filePath string) (*Result, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, newError(KindClient, "open audio file", err)
	}
	defer f.Close()

	pr, pw := io.Pipe()
	writer := multipart.NewWriter(pw)

	errCh := make(chan error, 1)
	go func() {
		defer pw.Close()

		part, err := writer.CreateFormFile("file", filepath.Base(filePath))
		if err != nil {
			errCh <- fmt.Errorf("create form file: %w", err)
			return
		}
		if _, err := io.Copy(part, f); err != nil {
			errCh <- fmt.Errorf("copy audio data: %w", err)
			return
		}
		errCh <- writer.Close()
	}()

	endpoint := strings.TrimRight(r.cfg.BaseURL, "/") + transcribePath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, pr)
	if err != nil {
		return nil, newError(KindClient, "create request", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	r.sign(req)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, newError(KindNetwork, "http request", err)
	}
	defer resp.Body.Close()

	// Drain the multipart writer goroutine.
	if writeErr := <-errCh; writeErr != nil {
		return nil, newError(KindClient, "multipart write", writeErr)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, newError(KindNetwork, "read response body", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		// Fall through to decode.
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, newError(KindNetwork, fmt.Sprintf("http %d: %s", resp.StatusCode, truncate(body, 200)), nil)
	default:
		// Remaining 4xx (and anything else unexpected) will not improve on
		// retry.
		return nil, newError(KindClient, fmt.Sprintf("http %d: %s", resp.StatusCode, truncate(body, 200)), nil)
	}

	var parsed struct {
		Text       string  `json:"text"`
		Confidence float64 `json:"confidence"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, newError(KindClient, "decode response", err)
	}

	conf := parsed.Confidence
	if conf == 0 {
		conf = 1.0 // service omits confidence on high-certainty results
	}
	return &Result{Text: parsed.Text, Confidence: conf}, nil
}

// sign adds the timestamp/nonce/HMAC headers the service authenticates with.
// The signature covers "timestamp:nonce:path" so a captured request cannot be
// replayed against another endpoint.
func (r *Remote) sign(req *http.Request) {
	ts := strconv.FormatInt(r.now().Unix(), 10)
	nonce := r.nonce()

	mac := hmac.New(sha256.New, []byte(r.cfg.Secret))
	mac.Write([]byte(ts + ":" + nonce + ":" + requestPath(req.URL)))

	req.Header.Set("X-Timestamp", ts)
	req.Header.Set("X-Nonce", nonce)
	req.Header.Set("X-Signature", hex.EncodeToString(mac.Sum(nil)))
	if r.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+r.cfg.Token)
	}
}

func requestPath(u *url.URL) string {
	if u.Path == "" {
		return "/"
	}
	return u.Path
}

// truncate returns the first n bytes of body as a string.
func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
