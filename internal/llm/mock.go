package llm

import (
	"context"
	"fmt"
	"strings"
)

// mockGenerator answers every prompt deterministically. When the system
// prompt demands JSON it returns a minimal valid object so finalize paths
// work offline.
type mockGenerator struct{}

func (m *mockGenerator) Generate(_ context.Context, req Request) (string, error) {
	if strings.Contains(req.System, "JSON") {
		return `{"title":"Mock Session","summary":"A mock summary of the conversation."}`, nil
	}
	return fmt.Sprintf("mock response (%d prompt chars)", len(req.Prompt)), nil
}
