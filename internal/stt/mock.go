package stt

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kanpelabs/kanpe-core/internal/config"
	"github.com/kanpelabs/kanpe-core/internal/protocol"
)

// mockProvider turns every second of received audio into one synthetic
// utterance, preceded by an interim when interim results are enabled.
type mockProvider struct {
	cfg config.STTConfig
	log *slog.Logger
}

func newMockProvider(cfg config.STTConfig, log *slog.Logger) *mockProvider {
	return &mockProvider{cfg: cfg, log: log}
}

func (p *mockProvider) Open(_ context.Context, opts Options) (Stream, error) {
	return &mockStream{
		opts:      opts,
		byteGoal:  p.cfg.SampleRate * 2,
		results:   make(chan Result, 32),
		status:    make(chan protocol.ConnectionStatus, 4),
		closeCh:   make(chan struct{}),
		connected: true,
	}, nil
}

type mockStream struct {
	opts     Options
	byteGoal int

	mu        sync.Mutex
	pending   int
	utterance int
	closed    bool
	connected bool

	results chan Result
	status  chan protocol.ConnectionStatus
	closeCh chan struct{}
}

func (s *mockStream) Send(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("stream closed")
	}
	if s.connected {
		s.connected = false
		s.status <- protocol.ConnectionConnected
	}
	s.pending += len(pcm)
	if s.opts.InterimResults && s.pending >= s.byteGoal/2 && s.pending-len(pcm) < s.byteGoal/2 {
		s.emit(Result{Text: fmt.Sprintf("mock utterance %d", s.utterance+1), IsFinal: false, Time: time.Now()})
	}
	for s.pending >= s.byteGoal {
		s.pending -= s.byteGoal
		s.utterance++
		s.emit(Result{Text: fmt.Sprintf("mock utterance %d.", s.utterance), IsFinal: true, Time: time.Now()})
	}
	return nil
}

func (s *mockStream) emit(r Result) {
	select {
	case s.results <- r:
	default:
	}
}

func (s *mockStream) Results() <-chan Result { return s.results }

func (s *mockStream) Status() <-chan protocol.ConnectionStatus { return s.status }

func (s *mockStream) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.results)
	select {
	case s.status <- protocol.ConnectionDisconnected:
	default:
	}
	close(s.closeCh)
	return nil
}
