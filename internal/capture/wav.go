package capture

import (
	"encoding/binary"
	"fmt"
	"os"
)

// wavWriter streams PCM to a RIFF/WAVE file. The header is written with zero
// sizes up front and patched on close, so a crash mid-write leaves a file
// that repair tooling can still salvage from the data chunk.
type wavWriter struct {
	f         *os.File
	format    QualityProfile
	dataBytes int64
	closed    bool
}

const wavHeaderSize = 44

// newWAVWriter creates path and writes the provisional header.
func newWAVWriter(path string, format QualityProfile) (*wavWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}
	w := &wavWriter{f: f, format: format}
	if err := w.writeHeader(); err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	return w, nil
}

func (w *wavWriter) writeHeader() error {
	var hdr [wavHeaderSize]byte
	copy(hdr[0:4], "RIFF")
	// hdr[4:8] riff size, patched on close
	copy(hdr[8:12], "WAVE")
	copy(hdr[12:16], "fmt ")
	binary.LittleEndian.PutUint32(hdr[16:20], 16) // PCM fmt chunk size
	binary.LittleEndian.PutUint16(hdr[20:22], 1)  // PCM
	binary.LittleEndian.PutUint16(hdr[22:24], uint16(w.format.Channels))
	binary.LittleEndian.PutUint32(hdr[24:28], uint32(w.format.SampleRate))
	binary.LittleEndian.PutUint32(hdr[28:32], uint32(w.format.bytesPerSecond()))
	blockAlign := w.format.Channels * w.format.BitDepth / 8
	binary.LittleEndian.PutUint16(hdr[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(hdr[34:36], uint16(w.format.BitDepth))
	copy(hdr[36:40], "data")
	// hdr[40:44] data size, patched on close

	_, err := w.f.Write(hdr[:])
	return err
}

// Write appends PCM bytes to the data chunk.
func (w *wavWriter) Write(p []byte) (int, error) {
	n, err := w.f.Write(p)
	w.dataBytes += int64(n)
	return n, err
}

// Close patches the chunk sizes, flushes, and closes. Idempotent.
func (w *wavWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	var size [4]byte
	binary.LittleEndian.PutUint32(size[:], uint32(36+w.dataBytes))
	if _, err := w.f.WriteAt(size[:], 4); err != nil {
		w.f.Close()
		return fmt.Errorf("patch riff size: %w", err)
	}
	binary.LittleEndian.PutUint32(size[:], uint32(w.dataBytes))
	if _, err := w.f.WriteAt(size[:], 40); err != nil {
		w.f.Close()
		return fmt.Errorf("patch data size: %w", err)
	}
	if err := w.f.Sync(); err != nil {
		w.f.Close()
		return err
	}
	return w.f.Close()
}
