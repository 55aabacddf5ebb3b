package engine

import (
	"context"
	"fmt"
	"io"
)

// EnsureReady checks that the inference backend is running and that the
// embedding and suggestion models are available, pulling missing ones with
// progress output written to w. Returns a non-nil error if the backend is
// unreachable or a pull fails.
func EnsureReady(ctx context.Context, e Engine, embedModel, suggestModel string, w io.Writer) error {
	if !e.IsRunning(ctx) {
		return fmt.Errorf("Ollama is not running. Start it with: ollama serve")
	}

	for _, model := range []string{embedModel, suggestModel} {
		if model == "" {
			continue
		}
		if e.HasModel(ctx, model) {
			fmt.Fprintf(w, "model %s: ready\n", model)
			continue
		}

		fmt.Fprintf(w, "model %s: pulling...\n", model)
		err := e.PullModel(ctx, model, func(p PullProgress) {
			if p.Total > 0 {
				pct := float64(p.Completed) / float64(p.Total) * 100
				fmt.Fprintf(w, "  %s %.0f%%\n", p.Status, pct)
			} else {
				fmt.Fprintf(w, "  %s\n", p.Status)
			}
		})
		if err != nil {
			return fmt.Errorf("pulling model %s: %w", model, err)
		}
		fmt.Fprintf(w, "model %s: ready\n", model)
	}

	return nil
}
