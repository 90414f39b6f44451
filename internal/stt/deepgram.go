package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/kanpelabs/kanpe-core/internal/config"
	"github.com/kanpelabs/kanpe-core/internal/protocol"
)

type deepgramProvider struct {
	cfg    config.STTConfig
	apiKey string
	log    *slog.Logger
}

func newDeepgramProvider(cfg config.STTConfig, apiKey string, log *slog.Logger) *deepgramProvider {
	return &deepgramProvider{cfg: cfg, apiKey: apiKey, log: log}
}

func (p *deepgramProvider) Open(ctx context.Context, opts Options) (Stream, error) {
	pendingLimit := p.cfg.SampleRate * 2 * p.cfg.Reconnect.ReplayWindMS / 1000
	// The send queue covers the replay window in 20ms frames, so audio keeps
	// accumulating while the link is being re-established.
	depth := 64
	if d := p.cfg.Reconnect.ReplayWindMS / 20; d > depth {
		depth = d
	}
	s := &deepgramStream{
		cfg:      p.cfg,
		opts:     opts,
		apiKey:   p.apiKey,
		log:      p.log.With(slog.String("source", string(opts.Source))),
		send:     make(chan []byte, depth),
		finalize: make(chan struct{}, 1),
		results:  make(chan Result, 32),
		status:   make(chan protocol.ConnectionStatus, 8),
		pending:  newPendingBuffer(pendingLimit),
	}

	conn, err := s.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("open deepgram stream: %w", err)
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.wg.Add(1)
	go s.run(conn)
	return s, nil
}

type deepgramStream struct {
	cfg    config.STTConfig
	opts   Options
	apiKey string
	log    *slog.Logger

	send     chan []byte
	finalize chan struct{}
	results  chan Result
	status   chan protocol.ConnectionStatus
	pending  *pendingBuffer
	dropped  atomic.Int64

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func (s *deepgramStream) dial(ctx context.Context) (*websocket.Conn, error) {
	endpoint, err := s.streamURL()
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("Authorization", "Token "+s.apiKey)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial deepgram: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial deepgram: %w", err)
	}
	return conn, nil
}

func (s *deepgramStream) streamURL() (string, error) {
	u, err := url.Parse(s.cfg.Endpoint)
	if err != nil {
		return "", fmt.Errorf("parse stt endpoint: %w", err)
	}
	q := u.Query()
	q.Set("encoding", "linear16")
	q.Set("channels", "1")
	q.Set("sample_rate", strconv.Itoa(s.cfg.SampleRate))
	q.Set("model", s.opts.Model)
	q.Set("language", s.opts.Language)
	q.Set("interim_results", strconv.FormatBool(s.opts.InterimResults))
	q.Set("endpointing", strconv.Itoa(s.opts.EndpointingMS))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// run owns the connection for the stream's whole lifetime, reconnecting with
// backoff when the link drops. Chunks that never reached the server are resent
// first on each fresh connection so in-flight speech is not lost.
func (s *deepgramStream) run(conn *websocket.Conn) {
	defer s.wg.Done()
	defer close(s.results)

	for {
		s.setStatus(protocol.ConnectionConnected)
		err := s.flushPending(conn)
		if err == nil {
			err = s.pump(conn)
		}
		conn.Close()

		if s.ctx.Err() != nil || err == nil {
			s.setStatus(protocol.ConnectionDisconnected)
			return
		}

		s.log.Warn("stt link lost", slog.String("error", err.Error()))
		s.setStatus(protocol.ConnectionReconnecting)
		conn = s.redial()
		if conn == nil {
			s.setStatus(protocol.ConnectionDisconnected)
			return
		}
	}
}

// flushPending resends audio held over from the previous link. Written chunks
// leave the buffer, so a healthy connection never repeats them.
func (s *deepgramStream) flushPending(conn *websocket.Conn) error {
	held := s.pending.drain()
	for i, chunk := range held {
		if err := conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
			s.pending.restore(held[i:])
			return err
		}
	}
	return nil
}

// pump drives one connection: audio and keepalives out, transcripts in. A nil
// return means a deliberate shutdown; an error triggers reconnection.
func (s *deepgramStream) pump(conn *websocket.Conn) error {
	readErr := make(chan error, 1)
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			s.handleMessage(data)
		}
	}()

	keepAlive := time.Duration(s.cfg.KeepAliveS) * time.Second
	if keepAlive <= 0 {
		keepAlive = 3 * time.Second
	}
	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return nil
		case chunk := <-s.send:
			if err := conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
				// The chunk may not have reached the server; hold it for the
				// next connection.
				s.pending.add(chunk)
				return err
			}
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"KeepAlive"}`)); err != nil {
				return err
			}
		case <-s.finalize:
			conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"Finalize"}`))
			conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"CloseStream"}`))
			// Drain remaining finals until the server closes or we give up.
			select {
			case <-readErr:
			case <-time.After(2 * time.Second):
			}
			return nil
		case err := <-readErr:
			return err
		}
	}
}

func (s *deepgramStream) redial() *websocket.Conn {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Duration(s.cfg.Reconnect.BaseDelayMS) * time.Millisecond
	bo.MaxInterval = time.Duration(s.cfg.Reconnect.MaxDelayMS) * time.Millisecond
	bo.Multiplier = 2

	for attempt := 1; s.cfg.Reconnect.MaxAttempts <= 0 || attempt <= s.cfg.Reconnect.MaxAttempts; attempt++ {
		select {
		case <-s.ctx.Done():
			return nil
		case <-time.After(bo.NextBackOff()):
		}
		conn, err := s.dial(s.ctx)
		if err == nil {
			s.log.Info("stt reconnected", slog.Int("attempt", attempt))
			return conn
		}
		s.log.Warn("stt reconnect attempt failed",
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()))
	}
	return nil
}

type deepgramMessage struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"channel"`
}

func (s *deepgramStream) handleMessage(data []byte) {
	var msg deepgramMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.log.Warn("unparsable stt message", slog.String("error", err.Error()))
		return
	}
	if msg.Type != "Results" || len(msg.Channel.Alternatives) == 0 {
		return
	}
	text := msg.Channel.Alternatives[0].Transcript
	if strings.TrimSpace(text) == "" {
		return
	}
	select {
	case s.results <- Result{Text: text, IsFinal: msg.IsFinal, Time: time.Now()}:
	case <-s.ctx.Done():
	}
}

// Send queues audio without blocking the capture path; the oldest queued chunk
// is dropped, and counted as lost, if the writer has fallen behind.
func (s *deepgramStream) Send(pcm []byte) error {
	if s.ctx.Err() != nil {
		return errors.New("stream closed")
	}
	chunk := append([]byte(nil), pcm...)
	select {
	case s.send <- chunk:
		return nil
	default:
	}
	select {
	case <-s.send:
		s.dropped.Add(1)
	default:
	}
	select {
	case s.send <- chunk:
	default:
		s.dropped.Add(1)
	}
	return nil
}

func (s *deepgramStream) Results() <-chan Result { return s.results }

func (s *deepgramStream) Status() <-chan protocol.ConnectionStatus { return s.status }

func (s *deepgramStream) setStatus(status protocol.ConnectionStatus) {
	for {
		select {
		case s.status <- status:
			return
		default:
		}
		select {
		case <-s.status:
		default:
		}
	}
}

// Close asks the server to finalize in-flight audio, then tears down. The
// context bounds how long the graceful path may take.
func (s *deepgramStream) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		select {
		case s.finalize <- struct{}{}:
		default:
		}
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
		if n := s.dropped.Load() + s.pending.evictions(); n > 0 {
			s.log.Info("audio chunks lost while the link was down", slog.Int64("count", n))
		}
	})
	return nil
}
