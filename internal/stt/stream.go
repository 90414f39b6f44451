package stt

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/kanpelabs/kanpe-core/internal/config"
	"github.com/kanpelabs/kanpe-core/internal/protocol"
)

// Result is one transcript hypothesis from a streaming recognizer. Interim
// results may be superseded; final results are stable.
type Result struct {
	Text    string
	IsFinal bool
	Time    time.Time
}

// Stream is a live recognition session bound to one audio source. Send feeds
// PCM; Results delivers hypotheses until the stream ends; Status reports
// connection transitions. Close flushes pending audio and tears down.
type Stream interface {
	Send(pcm []byte) error
	Results() <-chan Result
	Status() <-chan protocol.ConnectionStatus
	Close(ctx context.Context) error
}

// Options carry the per-session recognition settings.
type Options struct {
	Source         protocol.Source
	Model          string
	Language       string
	InterimResults bool
	EndpointingMS  int
}

// Provider opens streams against one STT backend.
type Provider interface {
	Open(ctx context.Context, opts Options) (Stream, error)
}

// NewProvider builds the configured backend.
func NewProvider(cfg config.STTConfig, log *slog.Logger) (Provider, error) {
	switch cfg.Provider {
	case "deepgram":
		apiKey := os.Getenv("DEEPGRAM_API_KEY")
		if apiKey == "" {
			return nil, fmt.Errorf("DEEPGRAM_API_KEY must be set when stt.provider=deepgram")
		}
		return newDeepgramProvider(cfg, apiKey, log), nil
	case "exec":
		return newExecProvider(cfg, log)
	case "mock":
		return newMockProvider(cfg, log), nil
	default:
		return nil, fmt.Errorf("unknown stt provider %q", cfg.Provider)
	}
}
