package suggest

import (
	"fmt"
	"strings"

	"github.com/filedex/filedex/internal/engine"
)

const systemPrompt = `You are a file tagging assistant. Given a file path and a sample of
its content, suggest 3 to 5 relevant tags. Tags must be concise (1-2 words),
descriptive of the content or purpose, and lowercase with hyphens
(e.g. "machine-learning", "python", "personal").`

// BuildPrompt assembles the chat messages for tag suggestion. Existing
// tags are offered so the model reuses vocabulary instead of inventing
// near-duplicates.
func BuildPrompt(path, sample string, existing []string) []engine.Message {
	var b strings.Builder
	fmt.Fprintf(&b, "File: %s\n\nContent:\n%s\n", path, sample)
	if len(existing) > 0 {
		if len(existing) > 20 {
			existing = existing[:20]
		}
		fmt.Fprintf(&b, "\nExisting tags in the system: %s\n", strings.Join(existing, ", "))
		b.WriteString("Prefer existing tags when appropriate, but suggest new ones if needed.\n")
	}

	return []engine.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: b.String()},
	}
}

// tagSchema returns the JSON schema forcing structured tag output.
func tagSchema() *engine.Schema {
	return &engine.Schema{
		Type: "object",
		Properties: map[string]engine.SchemaProperty{
			"tags": {
				Type:        "array",
				Description: "3-5 lowercase hyphenated tags",
				Items:       &engine.SchemaProperty{Type: "string"},
			},
		},
		Required: []string{"tags"},
	}
}
