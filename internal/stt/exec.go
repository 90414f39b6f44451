package stt

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/kanpelabs/kanpe-core/internal/config"
	"github.com/kanpelabs/kanpe-core/internal/protocol"
	"github.com/mattn/go-shellwords"
)

// execProvider streams recognition through a helper process: raw s16le PCM on
// stdin, one JSON object per line on stdout.
type execProvider struct {
	cmd []string
	cfg config.STTConfig
	log *slog.Logger
}

type execLine struct {
	Text  string `json:"text"`
	Final bool   `json:"final"`
}

func newExecProvider(cfg config.STTConfig, log *slog.Logger) (*execProvider, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("stt command empty")
	}
	return &execProvider{cmd: args, cfg: cfg, log: log}, nil
}

func (p *execProvider) Open(ctx context.Context, opts Options) (Stream, error) {
	streamCtx, cancel := context.WithCancel(context.Background())

	base := p.cmd[0]
	args := append([]string{}, p.cmd[1:]...)
	args = append(args,
		"--sample-rate", strconv.Itoa(p.cfg.SampleRate),
		"--language", opts.Language)
	if opts.InterimResults {
		args = append(args, "--partial")
	}

	cmd := exec.CommandContext(streamCtx, base, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start stt helper: %w", err)
	}

	s := &execStream{
		stdin:   stdin,
		results: make(chan Result, 32),
		status:  make(chan protocol.ConnectionStatus, 4),
		cancel:  cancel,
		log:     p.log.With(slog.String("source", string(opts.Source))),
	}
	s.status <- protocol.ConnectionConnected

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(s.results)
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var out execLine
			if err := json.Unmarshal(line, &out); err != nil {
				s.log.Warn("unparsable stt helper line", slog.String("error", err.Error()))
				continue
			}
			if out.Text == "" {
				continue
			}
			s.results <- Result{Text: out.Text, IsFinal: out.Final, Time: time.Now()}
		}
		cmd.Wait()
		select {
		case s.status <- protocol.ConnectionDisconnected:
		default:
		}
	}()

	return s, nil
}

type execStream struct {
	stdin   io.WriteCloser
	results chan Result
	status  chan protocol.ConnectionStatus
	cancel  context.CancelFunc
	log     *slog.Logger

	mu        sync.Mutex
	closed    bool
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func (s *execStream) Send(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("stream closed")
	}
	_, err := s.stdin.Write(pcm)
	return err
}

func (s *execStream) Results() <-chan Result { return s.results }

func (s *execStream) Status() <-chan protocol.ConnectionStatus { return s.status }

func (s *execStream) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.stdin.Close()
		s.mu.Unlock()

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			s.cancel()
			<-done
		}
		s.cancel()
	})
	return nil
}
