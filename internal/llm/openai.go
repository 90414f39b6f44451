package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/kanpelabs/kanpe-core/internal/config"
)

// openAIGenerator calls the OpenAI Responses API.
type openAIGenerator struct {
	cfg    config.LLMConfig
	apiKey string
	client *http.Client
	log    *slog.Logger
}

type openAIContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type openAIInput struct {
	Role    string          `json:"role"`
	Content []openAIContent `json:"content"`
}

type openAIRequest struct {
	Model           string        `json:"model"`
	MaxOutputTokens int           `json:"max_output_tokens"`
	Input           []openAIInput `json:"input"`
}

type openAIResponse struct {
	Output []struct {
		Type    string `json:"type"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"output"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (g *openAIGenerator) Generate(ctx context.Context, req Request) (string, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = g.cfg.MaxTokens
	}

	var input []openAIInput
	if req.System != "" {
		input = append(input, openAIInput{
			Role:    "system",
			Content: []openAIContent{{Type: "input_text", Text: req.System}},
		})
	}
	input = append(input, openAIInput{
		Role:    "user",
		Content: []openAIContent{{Type: "input_text", Text: req.Prompt}},
	})

	body, err := json.Marshal(openAIRequest{
		Model:           g.cfg.OpenAIModel,
		MaxOutputTokens: maxTokens,
		Input:           input,
	})
	if err != nil {
		return "", err
	}

	url := strings.TrimRight(g.cfg.OpenAIEndpoint, "/") + "/v1/responses"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("openai request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("openai status %d: %s", resp.StatusCode, truncateBody(raw))
	}

	var decoded openAIResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", fmt.Errorf("decode openai response: %w", err)
	}
	if decoded.Error != nil {
		return "", fmt.Errorf("openai error: %s", decoded.Error.Message)
	}

	var out strings.Builder
	for _, item := range decoded.Output {
		if item.Type != "message" {
			continue
		}
		for _, c := range item.Content {
			if c.Type == "output_text" {
				out.WriteString(c.Text)
			}
		}
	}
	text := strings.TrimSpace(out.String())
	if text == "" {
		return "", fmt.Errorf("openai response contained no text")
	}
	return text, nil
}

func truncateBody(raw []byte) string {
	const limit = 512
	if len(raw) > limit {
		return string(raw[:limit]) + "..."
	}
	return string(raw)
}
