package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kanpelabs/kanpe-core/internal/caption"
	"github.com/kanpelabs/kanpe-core/internal/config"
	"github.com/kanpelabs/kanpe-core/internal/llm"
	"github.com/kanpelabs/kanpe-core/internal/store"
)

const titleMaxLen = 42

// Finalizer produces a session's stored title and summary at stop time. The
// generator is asked for strict JSON; any failure falls back to deriving the
// title from the transcript so stop never blocks on the model.
type Finalizer struct {
	cfg config.LLMConfig
	log *slog.Logger

	newGenerator func(provider string) (llm.Generator, error)
}

func NewFinalizer(cfg config.LLMConfig, log *slog.Logger) *Finalizer {
	f := &Finalizer{cfg: cfg, log: log}
	f.newGenerator = func(provider string) (llm.Generator, error) {
		return llm.NewGenerator(cfg, provider, log)
	}
	return f
}

type finalizeResult struct {
	Title   string `json:"title"`
	Summary string `json:"summary"`
}

// TitleSummary never returns an error; a failed generation degrades to the
// transcript-derived fallback.
func (f *Finalizer) TitleSummary(ctx context.Context, settings store.Settings, lines []caption.Line) (string, string) {
	if len(lines) == 0 {
		return "New Session", ""
	}

	title, summary, err := f.generate(ctx, settings, lines)
	if err != nil {
		f.log.Warn("session finalize generation failed, using fallback",
			slog.String("error", err.Error()))
		return fallbackTitle(lines), ""
	}
	return title, summary
}

func (f *Finalizer) generate(ctx context.Context, settings store.Settings, lines []caption.Line) (string, string, error) {
	gen, err := f.newGenerator(settings.LLMProvider)
	if err != nil {
		return "", "", err
	}

	transcript := make([]string, 0, len(lines))
	for _, line := range lines {
		transcript = append(transcript, fmt.Sprintf("[%s] %s", line.Source, line.Text))
	}

	language := settings.LLMLanguage
	if language == "" {
		language = "en"
	}

	callCtx, cancel := context.WithTimeout(ctx, time.Duration(f.cfg.TimeoutS)*time.Second)
	defer cancel()
	raw, err := gen.Generate(callCtx, llm.Request{
		System:    fmt.Sprintf(`You summarize finished conversations. Respond with strict JSON only, no prose, matching {"title":"...","summary":"..."}. The title is at most 6 words; the summary is a short paragraph. Write both in the language %q.`, language),
		Prompt:    "Transcript:\n" + strings.Join(transcript, "\n"),
		MaxTokens: f.cfg.SummaryMaxTokens,
	})
	if err != nil {
		return "", "", err
	}

	var decoded finalizeResult
	if err := json.Unmarshal([]byte(stripCodeFence(raw)), &decoded); err != nil {
		return "", "", fmt.Errorf("decode finalize response: %w", err)
	}
	title := clampTitle(decoded.Title)
	if title == "" {
		title = fallbackTitle(lines)
	}
	return title, strings.TrimSpace(decoded.Summary), nil
}

// fallbackTitle derives a title from the first committed line.
func fallbackTitle(lines []caption.Line) string {
	for _, line := range lines {
		if t := clampTitle(line.Text); t != "" {
			return t
		}
	}
	return "New Session"
}

func clampTitle(raw string) string {
	title := strings.TrimSpace(raw)
	runes := []rune(title)
	if len(runes) > titleMaxLen {
		title = strings.TrimSpace(string(runes[:titleMaxLen-1])) + "…"
	}
	return title
}

// stripCodeFence unwraps ```json fences some models insist on.
func stripCodeFence(raw string) string {
	out := strings.TrimSpace(raw)
	if !strings.HasPrefix(out, "```") {
		return out
	}
	out = strings.TrimPrefix(out, "```json")
	out = strings.TrimPrefix(out, "```")
	out = strings.TrimSuffix(strings.TrimSpace(out), "```")
	return strings.TrimSpace(out)
}
