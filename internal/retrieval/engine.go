// Package retrieval answers queries against the dual store: semantic
// search with optional tag narrowing, tag lookups, and collections. It
// only reads; all writes go through the indexer.
package retrieval

import (
	"context"
	"errors"
	"fmt"

	"github.com/filedex/filedex/internal/storage"
	"github.com/filedex/filedex/internal/suggest"
	"github.com/filedex/filedex/internal/vectorindex"
)

// ErrEmptyQuery is returned when a search has neither query text nor a
// tag filter.
var ErrEmptyQuery = errors.New("search needs query text or a tag filter")

// Result is one enriched search hit.
type Result struct {
	Path          string   `json:"path"`
	Similarity    float32  `json:"similarity"`
	Tags          []string `json:"tags"`
	ContentSample string   `json:"content_sample"`
}

// Engine is the query-side facade over the metadata store and the
// vector index.
type Engine struct {
	store     *storage.Store
	index     *vectorindex.Index
	suggester *suggest.Suggester
}

// New creates an Engine. The suggester may be nil, in which case
// SuggestTags uses heuristics only.
func New(store *storage.Store, index *vectorindex.Index, suggester *suggest.Suggester) *Engine {
	return &Engine{store: store, index: index, suggester: suggester}
}

// Search runs a semantic query narrowed by tags. With query text the
// vector index ranks and truncates to topK first, then the tag filter
// intersects; ranking stays authoritative and tags only narrow it. With
// an empty query and a tag filter the metadata store answers alone, no
// embedding call. Hits whose file record vanished between search and
// enrichment are dropped, not errors.
func (e *Engine) Search(ctx context.Context, query string, tagFilter []string, category string, topK int) ([]Result, error) {
	if topK <= 0 {
		return nil, fmt.Errorf("top_k must be positive, got %d", topK)
	}
	if query == "" && len(tagFilter) == 0 {
		return nil, ErrEmptyQuery
	}

	if query == "" {
		return e.searchByTags(ctx, tagFilter, topK)
	}

	matches, err := e.index.Search(ctx, query, category, topK)
	if err != nil {
		return nil, err
	}

	want := make(map[string]bool, len(tagFilter))
	for _, t := range tagFilter {
		want[storage.NormalizeTag(t)] = true
	}

	results := make([]Result, 0, len(matches))
	for _, m := range matches {
		rec, err := e.store.GetFileRecord(m.Path)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		tags, err := e.store.GetTags(m.Path)
		if err != nil {
			return nil, err
		}
		if len(want) > 0 && !intersects(tags, want) {
			continue
		}
		results = append(results, Result{
			Path:          m.Path,
			Similarity:    m.Score,
			Tags:          tags,
			ContentSample: rec.TextSample,
		})
	}
	return results, nil
}

func (e *Engine) searchByTags(ctx context.Context, tagFilter []string, topK int) ([]Result, error) {
	paths, err := e.store.FilesWithAnyTag(tagFilter)
	if err != nil {
		return nil, err
	}
	if len(paths) > topK {
		paths = paths[:topK]
	}

	results := make([]Result, 0, len(paths))
	for _, path := range paths {
		rec, err := e.store.GetFileRecord(path)
		if errors.Is(err, storage.ErrNotFound) {
			// Tags can outlive their file record in permissive mode.
			rec = storage.FileRecord{Path: path}
		} else if err != nil {
			return nil, err
		}
		tags, err := e.store.GetTags(path)
		if err != nil {
			return nil, err
		}
		results = append(results, Result{
			Path:          path,
			Tags:          tags,
			ContentSample: rec.TextSample,
		})
	}
	return results, nil
}

func intersects(tags []string, want map[string]bool) bool {
	for _, t := range tags {
		if want[t] {
			return true
		}
	}
	return false
}

// SuggestTags proposes tags for a tracked file from its stored text
// sample, offering the existing tag vocabulary for reuse.
func (e *Engine) SuggestTags(ctx context.Context, path string) ([]string, error) {
	rec, err := e.store.GetFileRecord(path)
	if err != nil {
		return nil, err
	}
	existing, err := e.store.ListTags()
	if err != nil {
		return nil, err
	}

	s := e.suggester
	if s == nil {
		s = suggest.New(nil, "")
	}
	return s.SuggestTags(ctx, rec.Path, rec.Category, rec.TextSample, existing), nil
}

// ApplyTags attaches tags to a file, creating missing ones.
func (e *Engine) ApplyTags(path string, tags []string) ([]string, error) {
	return e.store.ApplyTags(path, tags)
}

// GetTags returns a file's tags in alphabetical order.
func (e *Engine) GetTags(path string) ([]string, error) {
	return e.store.GetTags(path)
}

// ListAllTags returns the full tag vocabulary in alphabetical order.
func (e *Engine) ListAllTags() ([]string, error) {
	return e.store.ListTags()
}

// CreateCollection creates a named collection.
func (e *Engine) CreateCollection(name, description string) (storage.Collection, error) {
	return e.store.CreateCollection(name, description)
}

// AddToCollection adds paths to a collection, returning how many were new.
func (e *Engine) AddToCollection(name string, paths []string) (int, error) {
	return e.store.AddToCollection(name, paths)
}

// GetCollectionFiles returns a collection's paths in insertion order.
func (e *Engine) GetCollectionFiles(name string) ([]string, error) {
	return e.store.ListCollectionFiles(name)
}

// ListCollections returns all collections.
func (e *Engine) ListCollections() ([]storage.Collection, error) {
	return e.store.ListCollections()
}

// Stats reports store counts for the status surface.
func (e *Engine) Stats(ctx context.Context) (storage.Stats, int, error) {
	st, err := e.store.Stats()
	if err != nil {
		return storage.Stats{}, 0, err
	}
	vectors, err := e.index.Count(ctx)
	if err != nil {
		return st, 0, err
	}
	return st, vectors, nil
}
