package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kanpelabs/kanpe-core/internal/config"
	"github.com/kanpelabs/kanpe-core/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testSTTConfig(endpoint string) config.STTConfig {
	return config.STTConfig{
		Provider:   "deepgram",
		Endpoint:   endpoint,
		SampleRate: 16000,
		KeepAliveS: 3,
		Reconnect: config.ReconnectConfig{
			BaseDelayMS:  10,
			MaxDelayMS:   50,
			MaxAttempts:  5,
			ReplayWindMS: 3000,
		},
	}
}

func TestPendingBufferHonorsByteBudget(t *testing.T) {
	b := newPendingBuffer(10)
	b.add([]byte("aaaa"))
	b.add([]byte("bbbb"))
	b.add([]byte("cccc"))
	chunks := b.drain()
	if len(chunks) != 2 {
		t.Fatalf("expected oldest chunk evicted, got %d chunks", len(chunks))
	}
	if string(chunks[0]) != "bbbb" || string(chunks[1]) != "cccc" {
		t.Fatalf("unexpected chunks: %q %q", chunks[0], chunks[1])
	}
	if b.evictions() != 1 {
		t.Fatalf("expected 1 counted eviction, got %d", b.evictions())
	}
	if len(b.drain()) != 0 {
		t.Fatal("drain must clear the buffer")
	}
}

func TestPendingBufferRestoresUnwrittenTail(t *testing.T) {
	b := newPendingBuffer(100)
	b.add([]byte("one"))
	b.add([]byte("two"))
	held := b.drain()
	b.add([]byte("three"))

	// "one" was written before the link failed again; "two" was not.
	b.restore(held[1:])
	chunks := b.drain()
	if len(chunks) != 2 || string(chunks[0]) != "two" || string(chunks[1]) != "three" {
		t.Fatalf("unexpected order after restore: %q", chunks)
	}
}

func TestStreamURLCarriesSessionOptions(t *testing.T) {
	s := &deepgramStream{
		cfg: testSTTConfig("wss://api.deepgram.com/v1/listen"),
		opts: Options{
			Model:          "nova-3",
			Language:       "en",
			InterimResults: true,
			EndpointingMS:  300,
		},
	}
	raw, err := s.streamURL()
	if err != nil {
		t.Fatalf("stream url: %v", err)
	}
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	q := u.Query()
	for key, want := range map[string]string{
		"encoding":        "linear16",
		"channels":        "1",
		"sample_rate":     "16000",
		"model":           "nova-3",
		"language":        "en",
		"interim_results": "true",
		"endpointing":     "300",
	} {
		if got := q.Get(key); got != want {
			t.Fatalf("param %s: got %q want %q", key, got, want)
		}
	}
}

func TestHandleMessageSkipsEmptyTranscripts(t *testing.T) {
	s := &deepgramStream{
		results: make(chan Result, 4),
		log:     testLogger(),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	defer s.cancel()

	s.handleMessage([]byte(`{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"  "}]}}`))
	s.handleMessage([]byte(`{"type":"Metadata"}`))
	s.handleMessage([]byte(`{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"hello there"}]}}`))

	select {
	case r := <-s.results:
		if r.Text != "hello there" || r.IsFinal {
			t.Fatalf("unexpected result: %+v", r)
		}
	default:
		t.Fatal("expected one result")
	}
	select {
	case r := <-s.results:
		t.Fatalf("unexpected extra result: %+v", r)
	default:
	}
}

func TestDeepgramStreamReconnectsWithoutDuplicatingAudio(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var conns atomic.Int32
	delivered := []byte("pcm-before-outage")
	queued := []byte("pcm-during-outage")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Token test-key" {
			t.Errorf("missing auth header, got %q", got)
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		n := conns.Add(1)
		if n == 1 {
			// Accept one audio frame, then drop the link.
			conn.ReadMessage()
			return
		}

		// Second connection: only audio queued during the outage may arrive.
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if mt == websocket.BinaryMessage {
				if bytes.Equal(data, delivered) {
					t.Error("audio delivered before the outage was sent again")
				}
				if bytes.Equal(data, queued) {
					resp := `{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"after reconnect"}]}}`
					conn.WriteMessage(websocket.TextMessage, []byte(resp))
				}
				continue
			}
			var ctrl struct {
				Type string `json:"type"`
			}
			if json.Unmarshal(data, &ctrl) == nil && ctrl.Type == "CloseStream" {
				return
			}
		}
	}))
	defer srv.Close()

	endpoint := "ws" + strings.TrimPrefix(srv.URL, "http")
	provider := newDeepgramProvider(testSTTConfig(endpoint), "test-key", testLogger())

	stream, err := provider.Open(context.Background(), Options{
		Source: protocol.SourceMic, Model: "nova-3", Language: "en", InterimResults: true, EndpointingMS: 300,
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if err := stream.Send(delivered); err != nil {
		t.Fatalf("send: %v", err)
	}

	// Wait for the drop to be noticed, then queue audio mid-outage.
	waitForStatus(t, stream, protocol.ConnectionReconnecting)
	if err := stream.Send(queued); err != nil {
		t.Fatalf("send during outage: %v", err)
	}

	select {
	case r, ok := <-stream.Results():
		if !ok {
			t.Fatal("results closed before transcript arrived")
		}
		if r.Text != "after reconnect" || !r.IsFinal {
			t.Fatalf("unexpected result: %+v", r)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no transcript after reconnect")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := stream.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if conns.Load() < 2 {
		t.Fatalf("expected a reconnect, got %d connections", conns.Load())
	}
}

func waitForStatus(t *testing.T, stream Stream, want protocol.ConnectionStatus) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case status := <-stream.Status():
			if status == want {
				return
			}
		case <-deadline:
			t.Fatalf("status %s never reported", want)
		}
	}
}

func TestMockStreamEmitsInterimThenFinal(t *testing.T) {
	p := newMockProvider(config.STTConfig{SampleRate: 16000}, testLogger())
	stream, err := p.Open(context.Background(), Options{Source: protocol.SourceSys, InterimResults: true})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	second := make([]byte, 16000*2)
	if err := stream.Send(second[:len(second)/2]); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := stream.Send(second[len(second)/2:]); err != nil {
		t.Fatalf("send: %v", err)
	}

	first := <-stream.Results()
	if first.IsFinal {
		t.Fatalf("expected interim first, got %+v", first)
	}
	final := <-stream.Results()
	if !final.IsFinal {
		t.Fatalf("expected final, got %+v", final)
	}
	if err := stream.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, ok := <-stream.Results(); ok {
		t.Fatal("expected results closed")
	}
}

func TestNewProviderRejectsUnknown(t *testing.T) {
	cfg := config.STTConfig{Provider: "hosted"}
	if _, err := NewProvider(cfg, testLogger()); err == nil {
		t.Fatal("expected error for unknown provider")
	}
}
