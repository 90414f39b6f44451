package audio

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/kanpelabs/kanpe-core/internal/protocol"
)

// Recorder archives a session's normalized PCM to per-source WAV files so a
// session can be re-listened to or re-transcribed later. It is optional; a
// nil Recorder is a no-op.
type Recorder struct {
	mu       sync.Mutex
	encoders map[protocol.Source]*wav.Encoder
	files    map[protocol.Source]*os.File
	rate     int
	closed   bool
}

// NewRecorder opens one WAV file per source under dir.
func NewRecorder(dir, sessionID string, sources []protocol.Source, rate int) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	r := &Recorder{
		encoders: make(map[protocol.Source]*wav.Encoder),
		files:    make(map[protocol.Source]*os.File),
		rate:     rate,
	}
	for _, src := range sources {
		path := filepath.Join(dir, fmt.Sprintf("%s-%s.wav", sessionID, src))
		f, err := os.Create(path)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("create archive file: %w", err)
		}
		r.files[src] = f
		r.encoders[src] = wav.NewEncoder(f, rate, 16, 1, 1)
	}
	return r, nil
}

// Write appends one mono frame to the source's archive.
func (r *Recorder) Write(f Frame) error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	enc, ok := r.encoders[f.Source]
	if !ok {
		return nil
	}

	samples := make([]int, len(f.Data)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(f.Data[2*i:])))
	}
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: r.rate},
		Data:           samples,
		SourceBitDepth: 16,
	}
	return enc.Write(buf)
}

// Close finalizes the WAV headers.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	var firstErr error
	for _, enc := range r.encoders {
		if err := enc.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, f := range r.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
