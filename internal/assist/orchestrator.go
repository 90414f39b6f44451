package assist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kanpelabs/kanpe-core/internal/config"
	"github.com/kanpelabs/kanpe-core/internal/llm"
	"github.com/kanpelabs/kanpe-core/internal/protocol"
	"github.com/kanpelabs/kanpe-core/internal/store"
)

const (
	contextCaptionLimit = 40
	contextCharLimit    = 8000
)

// ErrPromptRequired rejects freeform assist calls with an empty prompt.
var ErrPromptRequired = errors.New("freeform assist requires a prompt")

// Publisher is the slice of the event bus the orchestrator needs.
type Publisher interface {
	PublishAIResponse(evt protocol.AIResponseEvent) error
}

// Orchestrator runs quick-action and freeform assist requests against the
// session transcript: build context, call the generator, persist the exchange
// and broadcast the response.
type Orchestrator struct {
	store *store.Store
	bus   Publisher
	cfg   config.LLMConfig
	log   *slog.Logger

	// newGenerator is swappable in tests.
	newGenerator func(provider string) (llm.Generator, error)
}

func New(st *store.Store, bus Publisher, cfg config.LLMConfig, log *slog.Logger) *Orchestrator {
	o := &Orchestrator{store: st, bus: bus, cfg: cfg, log: log}
	o.newGenerator = func(provider string) (llm.Generator, error) {
		return llm.NewGenerator(cfg, provider, log)
	}
	return o
}

// Run executes one assist request and returns the generated content. action
// selects a quick-action prompt; anything unrecognized is treated as freeform
// and requires a custom prompt.
func (o *Orchestrator) Run(ctx context.Context, sessionID, action, customPrompt string) (string, error) {
	if _, err := o.store.SessionByID(ctx, sessionID); err != nil {
		return "", err
	}
	settings, err := o.store.Settings(ctx)
	if err != nil {
		return "", err
	}

	transcript, err := o.transcriptContext(ctx, sessionID)
	if err != nil {
		return "", err
	}

	instruction, logType := actionPrompt(action, customPrompt)
	if instruction == "" {
		return "", ErrPromptRequired
	}

	gen, err := o.newGenerator(settings.LLMProvider)
	if err != nil {
		return "", err
	}

	callCtx, cancel := context.WithTimeout(ctx, time.Duration(o.cfg.TimeoutS)*time.Second)
	defer cancel()

	start := time.Now()
	content, err := gen.Generate(callCtx, llm.Request{
		System: systemPrompt(settings.LLMLanguage),
		Prompt: fmt.Sprintf("Conversation so far:\n%s\n\n%s", transcript, instruction),
	})
	if err != nil {
		return "", fmt.Errorf("assist generation: %w", err)
	}
	o.log.Info("assist completed",
		slog.String("session_id", sessionID),
		slog.String("type", logType),
		slog.Duration("elapsed", time.Since(start)))

	if err := o.store.RecordAssist(ctx, store.AiLog{
		SessionID: sessionID,
		Time:      start,
		Type:      logType,
		Prompt:    instruction,
		Response:  content,
	}); err != nil {
		return "", err
	}

	if err := o.bus.PublishAIResponse(protocol.AIResponseEvent{SessionID: sessionID, Content: content}); err != nil {
		o.log.Warn("failed to publish ai response", slog.String("error", err.Error()))
	}
	return content, nil
}

// transcriptContext renders the most recent final captions, newest last,
// trimmed from the front to stay under the character budget.
func (o *Orchestrator) transcriptContext(ctx context.Context, sessionID string) (string, error) {
	captions, err := o.store.RecentFinalCaptions(ctx, sessionID, contextCaptionLimit)
	if err != nil {
		return "", err
	}
	if len(captions) == 0 {
		return "(no transcript yet)", nil
	}

	lines := make([]string, 0, len(captions))
	for _, c := range captions {
		lines = append(lines, fmt.Sprintf("[%s] %s", c.Source, c.Text))
	}
	joined := strings.Join(lines, "\n")
	for len(joined) > contextCharLimit && len(lines) > 1 {
		lines = lines[1:]
		joined = strings.Join(lines, "\n")
	}
	return joined, nil
}

func systemPrompt(language string) string {
	if language == "" {
		language = "en"
	}
	return fmt.Sprintf("You are a live conversation copilot. You see a rolling transcript where [MIC] lines are the user speaking and [SYS] lines are other participants. Be concise and concrete. Respond in the language %q.", language)
}

// actionPrompt maps a quick action to its instruction and its log type.
func actionPrompt(action, customPrompt string) (string, string) {
	switch action {
	case "recap":
		return "Give a brief recap of the conversation so far: the topic, the key points, and any decisions made.", "recap"
	case "assist":
		return "Suggest what the user ([MIC]) should say next to move the conversation forward. Give one or two short options.", "next-speak"
	case "question":
		return "List the most useful clarifying questions the user could ask right now.", "questions"
	case "action":
		return "List the concrete follow-up action items mentioned or implied so far, each with an owner if one is clear.", "followup"
	default:
		return strings.TrimSpace(customPrompt), "freeform"
	}
}
