package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/kanpelabs/kanpe-core/internal/protocol"
	"github.com/mattn/go-shellwords"
)

// execCapturer runs a helper process that writes raw s16le PCM to stdout. The
// helper owns the platform audio API; this side only reads frames.
type execCapturer struct {
	source   protocol.Source
	cmd      []string
	rate     int
	channels int
	queue    *frameQueue
	log      *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func newExecCapturer(source protocol.Source, command string, queueDepth, rate, channels int, log *slog.Logger) (*execCapturer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse capture command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("capture command empty")
	}
	return &execCapturer{
		source:   source,
		cmd:      args,
		rate:     rate,
		channels: channels,
		queue:    newFrameQueue(queueDepth),
		log:      log,
	}, nil
}

func (e *execCapturer) Start(ctx context.Context) error {
	ctx, e.cancel = context.WithCancel(ctx)

	base := e.cmd[0]
	args := append([]string{}, e.cmd[1:]...)
	cmd := exec.CommandContext(ctx, base, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		cause := ErrDeviceUnavailable
		if errors.Is(err, fs.ErrPermission) {
			cause = ErrPermissionDenied
		}
		return fmt.Errorf("%w: start capture helper for %s: %v", cause, e.source, err)
	}

	e.log.Info("capture helper started",
		slog.String("source", string(e.source)),
		slog.String("command", base))

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.queue.close()
		e.readLoop(ctx, stdout)
		if err := cmd.Wait(); err != nil && ctx.Err() == nil {
			cause := ErrCaptureInterrupted
			if permissionFailure(err, stderr.String()) {
				cause = ErrPermissionDenied
			}
			e.log.Warn("capture helper exited",
				slog.String("source", string(e.source)),
				slog.String("error", fmt.Errorf("%w: %v", cause, err).Error()))
		}
	}()
	return nil
}

// permissionFailure recognizes a helper that died because the OS refused
// capture access, by exit error or its stderr complaint.
func permissionFailure(err error, stderr string) bool {
	if errors.Is(err, fs.ErrPermission) {
		return true
	}
	msg := strings.ToLower(stderr)
	return strings.Contains(msg, "permission denied") ||
		strings.Contains(msg, "not permitted") ||
		strings.Contains(msg, "not authorized")
}

// readLoop slices stdout into 20ms frames.
func (e *execCapturer) readLoop(ctx context.Context, stdout io.Reader) {
	frameBytes := e.rate * e.channels * 2 / 50
	buf := make([]byte, frameBytes)
	for {
		if _, err := io.ReadFull(stdout, buf); err != nil {
			if ctx.Err() == nil {
				e.log.Warn("capture interrupted",
					slog.String("source", string(e.source)),
					slog.String("error", fmt.Errorf("%w: %v", ErrCaptureInterrupted, err).Error()))
			}
			return
		}
		frame := Frame{
			Source:   e.source,
			Time:     time.Now(),
			Data:     append([]byte(nil), buf...),
			Rate:     e.rate,
			Channels: e.channels,
		}
		e.queue.push(frame)
		if ctx.Err() != nil {
			return
		}
	}
}

func (e *execCapturer) Frames() <-chan Frame { return e.queue.frames() }

func (e *execCapturer) Dropped() int64 { return e.queue.droppedCount() }

func (e *execCapturer) Close() error {
	e.once.Do(func() {
		if e.cancel != nil {
			e.cancel()
		}
		e.wg.Wait()
		if n := e.queue.droppedCount(); n > 0 {
			e.log.Info("capture frames dropped under backpressure",
				slog.String("source", string(e.source)),
				slog.Int64("count", n))
		}
	})
	return nil
}
