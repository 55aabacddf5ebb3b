// Package suggest proposes tags for a file from its content sample,
// using a small local model with a deterministic heuristic fallback.
package suggest

import (
	"context"
	"encoding/json"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/filedex/filedex/internal/engine"
)

const (
	suggestTimeout = 10 * time.Second
	maxTags        = 5
)

// Chatter is the structured chat interface the suggester needs.
type Chatter interface {
	Chat(ctx context.Context, model string, messages []engine.Message, schema *engine.Schema) (string, error)
}

// Suggester asks a local model for tag suggestions.
type Suggester struct {
	client Chatter
	model  string
}

// New creates a Suggester using the given chat client and model name.
func New(client Chatter, model string) *Suggester {
	return &Suggester{client: client, model: model}
}

// SuggestTags returns 3-5 normalized tags for a file. On any model
// failure (timeout, malformed JSON, empty output) it falls back to
// heuristics so the caller always gets something usable.
func (s *Suggester) SuggestTags(ctx context.Context, filePath, category, sample string, existing []string) []string {
	tags := s.fromModel(ctx, filePath, sample, existing)
	if len(tags) == 0 {
		tags = heuristicTags(filePath, category, sample)
	}
	if len(tags) > maxTags {
		tags = tags[:maxTags]
	}
	return tags
}

func (s *Suggester) fromModel(ctx context.Context, filePath, sample string, existing []string) []string {
	if s.client == nil || sample == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, suggestTimeout)
	defer cancel()

	raw, err := s.client.Chat(ctx, s.model, BuildPrompt(filePath, sample, existing), tagSchema())
	if err != nil {
		slog.Warn("tag suggestion chat failed", "path", filePath, "error", err)
		return nil
	}

	var result struct {
		Tags []string `json:"tags"`
	}
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		slog.Warn("failed to unmarshal tag suggestions", "error", err, "response", raw)
		return nil
	}
	return normalizeAll(result.Tags)
}

// extTags maps well-known extensions to a language or format tag.
var extTags = map[string]string{
	".py": "python", ".go": "go", ".js": "javascript", ".ts": "typescript",
	".java": "java", ".rb": "ruby", ".rs": "rust", ".sh": "shell",
	".sql": "sql", ".md": "markdown", ".pdf": "pdf", ".html": "html",
	".htm": "html", ".css": "css", ".json": "json", ".yaml": "yaml",
	".yml": "yaml",
}

// keywordTags maps content keywords to a topic tag. Matched against the
// lowercased sample.
var keywordTags = []struct{ keyword, tag string }{
	{"machine learning", "machine-learning"},
	{"neural", "machine-learning"},
	{"meeting", "meeting"},
	{"invoice", "finance"},
	{"budget", "finance"},
	{"recipe", "cooking"},
	{"todo", "todo"},
	{"test", "testing"},
}

// heuristicTags derives tags without a model: the file's category, a tag
// for its extension, and topic tags from a keyword scan of the sample.
func heuristicTags(filePath, category, sample string) []string {
	var tags []string
	if category != "" {
		tags = append(tags, category)
	}
	if t, ok := extTags[strings.ToLower(path.Ext(filePath))]; ok {
		tags = append(tags, t)
	}
	lower := strings.ToLower(sample)
	for _, kw := range keywordTags {
		if len(tags) >= maxTags {
			break
		}
		if strings.Contains(lower, kw.keyword) {
			tags = append(tags, kw.tag)
		}
	}
	return normalizeAll(tags)
}

// normalizeAll lowercases, hyphenates, and deduplicates tags, preserving
// first-seen order and dropping empties.
func normalizeAll(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	var out []string
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		t = strings.Join(strings.Fields(t), "-")
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}
