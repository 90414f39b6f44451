package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/kanpelabs/kanpe-core/internal/config"
	"github.com/kanpelabs/kanpe-core/internal/protocol"
)

var (
	// ErrDeviceUnavailable means the source could not be opened at all.
	ErrDeviceUnavailable = errors.New("audio device unavailable")
	// ErrPermissionDenied means the OS refused capture access.
	ErrPermissionDenied = errors.New("audio capture permission denied")
	// ErrCaptureInterrupted means a running source died mid-stream.
	ErrCaptureInterrupted = errors.New("audio capture interrupted")
)

// Frame is one chunk of signed 16-bit little-endian PCM from a single source.
type Frame struct {
	Source   protocol.Source
	Time     time.Time
	Data     []byte
	Rate     int
	Channels int
}

// Capturer produces a stream of PCM frames from one audio source. Start may be
// called once; Frames is closed after Close or when the source ends. Dropped
// reports how many frames backpressure has discarded so far.
type Capturer interface {
	Start(ctx context.Context) error
	Frames() <-chan Frame
	Dropped() int64
	Close() error
}

// NewCapturer builds the configured backend for one source. rate and channels
// describe the PCM the backend emits; exec helpers are expected to honor the
// format their command line requests.
func NewCapturer(source protocol.Source, cfg config.SourceConfig, queueDepth, rate, channels int, log *slog.Logger) (Capturer, error) {
	switch cfg.Mode {
	case "exec":
		return newExecCapturer(source, cfg.Command, queueDepth, rate, channels, log)
	case "mock":
		return newMockCapturer(source, queueDepth, rate, log), nil
	case "off":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown capture mode %q for %s", cfg.Mode, source)
	}
}

// frameQueue is a bounded buffer between a producer goroutine and the
// pipeline. When the consumer falls behind, the oldest frame is dropped so the
// stream stays near real time.
type frameQueue struct {
	ch      chan Frame
	dropped atomic.Int64
}

func newFrameQueue(depth int) *frameQueue {
	if depth <= 0 {
		depth = 64
	}
	return &frameQueue{ch: make(chan Frame, depth)}
}

func (q *frameQueue) push(f Frame) {
	for {
		select {
		case q.ch <- f:
			return
		default:
		}
		select {
		case <-q.ch:
			q.dropped.Add(1)
		default:
		}
	}
}

func (q *frameQueue) frames() <-chan Frame { return q.ch }

func (q *frameQueue) close() { close(q.ch) }

// Dropped reports how many frames have been discarded due to backpressure.
func (q *frameQueue) droppedCount() int64 { return q.dropped.Load() }
