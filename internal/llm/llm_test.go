package llm

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kanpelabs/kanpe-core/internal/config"
)

func testLLMConfig(endpoint string) config.LLMConfig {
	return config.LLMConfig{
		Provider:          "openai",
		OpenAIModel:       "gpt-5-mini",
		AnthropicModel:    "claude-haiku-4-5",
		OpenAIEndpoint:    endpoint,
		AnthropicEndpoint: endpoint,
		MaxTokens:         900,
		TimeoutS:          5,
	}
}

func TestOpenAIGeneratorParsesOutput(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/responses" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("missing auth header, got %q", got)
		}
		var req openAIRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Model != "gpt-5-mini" || req.MaxOutputTokens != 900 || len(req.Input) != 2 {
			t.Errorf("unexpected request: %+v", req)
		}
		if req.Input[0].Role != "system" || req.Input[0].Content[0].Type != "input_text" {
			t.Errorf("unexpected system block: %+v", req.Input[0])
		}
		io.WriteString(w, `{"output":[{"type":"reasoning","content":[]},{"type":"message","content":[{"type":"output_text","text":"Here is a recap."}]}]}`)
	}))
	defer srv.Close()

	g := &openAIGenerator{
		cfg:    testLLMConfig(srv.URL),
		apiKey: "test-key",
		client: &http.Client{Timeout: 5 * time.Second},
		log:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	out, err := g.Generate(context.Background(), Request{System: "Be brief.", Prompt: "Recap the talk."})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if out != "Here is a recap." {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestOpenAIGeneratorSurfacesHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, `{"error":{"message":"rate limited"}}`)
	}))
	defer srv.Close()

	g := &openAIGenerator{
		cfg:    testLLMConfig(srv.URL),
		apiKey: "test-key",
		client: &http.Client{Timeout: 5 * time.Second},
	}
	if _, err := g.Generate(context.Background(), Request{Prompt: "x"}); err == nil {
		t.Fatal("expected error for 429")
	}
}

func TestAnthropicGeneratorParsesContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "test-key" || r.Header.Get("anthropic-version") != "2023-06-01" {
			t.Errorf("missing anthropic headers")
		}
		var req anthropicRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Model != "claude-haiku-4-5" || req.System != "Be brief." {
			t.Errorf("unexpected request: %+v", req)
		}
		io.WriteString(w, `{"content":[{"type":"text","text":"Short answer."}]}`)
	}))
	defer srv.Close()

	g := &anthropicGenerator{
		cfg:    testLLMConfig(srv.URL),
		apiKey: "test-key",
		client: &http.Client{Timeout: 5 * time.Second},
	}
	out, err := g.Generate(context.Background(), Request{System: "Be brief.", Prompt: "Answer."})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if out != "Short answer." {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestNewGeneratorMockAndUnknown(t *testing.T) {
	cfg := testLLMConfig("http://localhost")
	g, err := NewGenerator(cfg, "mock", nil)
	if err != nil {
		t.Fatalf("mock generator: %v", err)
	}
	if _, err := g.Generate(context.Background(), Request{Prompt: "hi"}); err != nil {
		t.Fatalf("mock generate: %v", err)
	}
	if _, err := NewGenerator(cfg, "palm", nil); err == nil {
		t.Fatal("expected error for unknown provider")
	}
}
