package capture

import "github.com/tiroq/voxlog/internal/model"

// QualityProfile selects the capture format. The profile is re-applied on
// every resume because the hardware route may have changed underneath.
type QualityProfile struct {
	Name       string
	SampleRate int
	Channels   int
	BitDepth   int
}

// Standard profiles.
var (
	ProfileVoice = QualityProfile{Name: "voice", SampleRate: 16000, Channels: 1, BitDepth: 16}
	ProfileHigh  = QualityProfile{Name: "high", SampleRate: 44100, Channels: 1, BitDepth: 16}
)

// Format returns the persisted sample format descriptor.
func (p QualityProfile) Format() model.SampleFormat {
	return model.SampleFormat{SampleRate: p.SampleRate, Channels: p.Channels, BitDepth: p.BitDepth}
}

// bytesPerSecond returns the PCM data rate for the profile.
func (p QualityProfile) bytesPerSecond() int {
	return p.SampleRate * p.Channels * p.BitDepth / 8
}

// Source is the OS audio input stream. Implementations deliver raw
// little-endian PCM matching the started profile. Read may block until a
// buffer is available; it must return promptly after Stop.
//
// Start errors should be classified: return a *Error with
// KindPermissionDenied when microphone access is refused, KindEngineFailure
// otherwise.
type Source interface {
	Start(profile QualityProfile) error
	Read(p []byte) (int, error)
	Stop() error
}
