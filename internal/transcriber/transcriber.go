// Package transcriber holds the speech-to-text backends: a remote HTTP
// service reached through signed multipart uploads, and an on-device CLI
// recognizer used when the remote path is exhausted or the network is down.
package transcriber

import "context"

// Result is the outcome of one successful transcription attempt.
type Result struct {
	Text       string
	Confidence float64 // 0.0–1.0
}

// Backend transcribes a local audio file. Implementations must honor ctx
// cancellation; attempts may be abandoned when the process shuts down.
type Backend interface {
	Name() string
	Transcribe(ctx context.Context, filePath string) (*Result, error)
}
