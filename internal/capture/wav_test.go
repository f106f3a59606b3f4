package capture

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/tiroq/voxlog/testutil"
)

func TestWAVWriter_HeaderAndSizes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.wav")
	profile := QualityProfile{Name: "test", SampleRate: 16000, Channels: 1, BitDepth: 16}

	w, err := newWAVWriter(path, profile)
	testutil.AssertNoError(t, err, "create writer")

	pcm := make([]byte, 320)
	for i := range pcm {
		pcm[i] = byte(i)
	}
	_, err = w.Write(pcm)
	testutil.AssertNoError(t, err, "write pcm")
	testutil.AssertNoError(t, w.Close(), "close")

	data, err := os.ReadFile(path)
	testutil.AssertNoError(t, err, "read file")
	testutil.AssertEqual(t, wavHeaderSize+len(pcm), len(data), "file size")

	testutil.AssertEqual(t, "RIFF", string(data[0:4]), "riff magic")
	testutil.AssertEqual(t, "WAVE", string(data[8:12]), "wave magic")
	testutil.AssertEqual(t, uint32(36+len(pcm)), binary.LittleEndian.Uint32(data[4:8]), "riff size patched")
	testutil.AssertEqual(t, uint16(1), binary.LittleEndian.Uint16(data[20:22]), "pcm format")
	testutil.AssertEqual(t, uint16(1), binary.LittleEndian.Uint16(data[22:24]), "channels")
	testutil.AssertEqual(t, uint32(16000), binary.LittleEndian.Uint32(data[24:28]), "sample rate")
	testutil.AssertEqual(t, uint32(32000), binary.LittleEndian.Uint32(data[28:32]), "byte rate")
	testutil.AssertEqual(t, uint16(16), binary.LittleEndian.Uint16(data[34:36]), "bit depth")
	testutil.AssertEqual(t, "data", string(data[36:40]), "data magic")
	testutil.AssertEqual(t, uint32(len(pcm)), binary.LittleEndian.Uint32(data[40:44]), "data size patched")

	for i, b := range data[wavHeaderSize:] {
		if b != byte(i) {
			t.Fatalf("pcm byte %d corrupted: got %d", i, b)
		}
	}
}

func TestWAVWriter_CloseIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.wav")
	w, err := newWAVWriter(path, QualityProfile{SampleRate: 16000, Channels: 1, BitDepth: 16})
	testutil.AssertNoError(t, err, "create writer")
	testutil.AssertNoError(t, w.Close(), "first close")
	testutil.AssertNoError(t, w.Close(), "second close")
}

func TestAmplitude(t *testing.T) {
	silence := make([]byte, 64)
	testutil.AssertEqual(t, 0.0, amplitude(silence), "silence is zero")

	// Full-scale square wave.
	loud := make([]byte, 64)
	for i := 0; i+1 < len(loud); i += 2 {
		binary.LittleEndian.PutUint16(loud[i:], uint16(int16(32767)))
	}
	testutil.AssertInRange(t, amplitude(loud), 0.99, 1.0, "full-scale near one")

	testutil.AssertEqual(t, 0.0, amplitude(nil), "empty buffer")
}

func TestSanitizeTitle(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", "Session"},
		{"Standup notes", "Standup-notes"},
		{"a/b\\c:d", "a-b-c-d"},
		{"   ", "Session"},
		{"trailing---", "trailing"},
	}
	for _, tt := range tests {
		testutil.AssertEqual(t, tt.want, sanitizeTitle(tt.in), tt.in)
	}
}
