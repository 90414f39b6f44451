package audio

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/kanpelabs/kanpe-core/internal/protocol"
)

// mockCapturer emits a low-amplitude sine wave at a steady cadence. Useful for
// development machines with no capture helper installed.
type mockCapturer struct {
	source protocol.Source
	rate   int
	queue  *frameQueue
	log    *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func newMockCapturer(source protocol.Source, queueDepth, rate int, log *slog.Logger) *mockCapturer {
	return &mockCapturer{
		source: source,
		rate:   rate,
		queue:  newFrameQueue(queueDepth),
		log:    log,
	}
}

func (m *mockCapturer) Start(ctx context.Context) error {
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.queue.close()

		const frameDur = 20 * time.Millisecond
		samples := m.rate / 50
		ticker := time.NewTicker(frameDur)
		defer ticker.Stop()

		phase := 0.0
		step := 2 * math.Pi * 440 / float64(m.rate)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			data := make([]byte, samples*2)
			for i := 0; i < samples; i++ {
				v := int16(math.Sin(phase) * 2000)
				data[2*i] = byte(v)
				data[2*i+1] = byte(v >> 8)
				phase += step
			}
			m.queue.push(Frame{
				Source:   m.source,
				Time:     time.Now(),
				Data:     data,
				Rate:     m.rate,
				Channels: 1,
			})
		}
	}()
	m.log.Info("mock capture started", slog.String("source", string(m.source)))
	return nil
}

func (m *mockCapturer) Frames() <-chan Frame { return m.queue.frames() }

func (m *mockCapturer) Dropped() int64 { return m.queue.droppedCount() }

func (m *mockCapturer) Close() error {
	m.once.Do(func() {
		if m.cancel != nil {
			m.cancel()
		}
		m.wg.Wait()
	})
	return nil
}
