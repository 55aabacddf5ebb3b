// Package indexer keeps the metadata store and the vector index in step
// with the files on disk. It is the only writer of either store.
package indexer

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/filedex/filedex/internal/extract"
	"github.com/filedex/filedex/internal/storage"
	"github.com/filedex/filedex/internal/vectorindex"
)

// Outcome reports what IndexFile did for one path.
type Outcome string

const (
	OutcomeIndexed Outcome = "indexed"
	OutcomeSkipped Outcome = "skipped"
	OutcomeRemoved Outcome = "removed"
)

// FileError pairs a path with the error that stopped its indexing.
type FileError struct {
	Path string
	Err  error
}

// Report summarizes an IndexTree run. Failed files do not abort the run.
type Report struct {
	Indexed int
	Skipped int
	Removed int
	Failed  []FileError
}

// Indexer orchestrates extraction, embedding, and dual-store writes.
// A single mutex serializes all mutations; reads elsewhere go straight
// to the stores.
type Indexer struct {
	store     *storage.Store
	index     *vectorindex.Index
	extractor *extract.Extractor
	root      string
	logger    *slog.Logger

	mu sync.Mutex
}

// New creates an Indexer over the given stores, reading files from root.
func New(store *storage.Store, index *vectorindex.Index, ex *extract.Extractor, root string) *Indexer {
	return &Indexer{
		store:     store,
		index:     index,
		extractor: ex,
		root:      root,
		logger:    slog.Default(),
	}
}

// normalizePath cleans a caller-supplied relative path into the canonical
// forward-slash form used as the identity key in both stores.
func normalizePath(rel string) string {
	return filepath.ToSlash(filepath.Clean(filepath.FromSlash(rel)))
}

// IndexFile indexes one workspace-relative path. A file whose size and
// modification time match its stored record is skipped unless force is
// set. A tracked file that no longer exists on disk is removed from both
// stores. Indexing an unknown path that does not exist is an error.
func (ix *Indexer) IndexFile(ctx context.Context, rel string, force bool) (Outcome, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.indexFileLocked(ctx, normalizePath(rel), force)
}

func (ix *Indexer) indexFileLocked(ctx context.Context, path string, force bool) (Outcome, error) {
	// Stat alone decides the unchanged transition; the file is only
	// opened on the new, changed, and forced paths.
	meta, err := ix.extractor.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		if _, gerr := ix.store.GetFileRecord(path); gerr == nil {
			if rerr := ix.removeLocked(ctx, path); rerr != nil {
				return "", rerr
			}
			return OutcomeRemoved, nil
		}
		return "", err
	}
	if err != nil {
		return "", err
	}

	existing, err := ix.store.GetFileRecord(path)
	switch {
	case err == nil:
		if !force && unchanged(existing, meta) {
			ix.logger.Debug("skipping unchanged file", "path", path)
			return OutcomeSkipped, nil
		}
	case errors.Is(err, storage.ErrNotFound):
		// New file.
	default:
		return "", err
	}

	rec, err := ix.extractor.Extract(path)
	if err != nil {
		return "", err
	}

	// The vector goes in first so a record carrying an indexed_at always
	// has a matching embedding entry.
	embeddingID, err := ix.index.Upsert(ctx, path, rec.TextSample, string(rec.Category), rec.Name)
	if err != nil {
		return "", err
	}

	if err := ix.store.UpsertFileRecord(fileRecord(rec, path, embeddingID)); err != nil {
		return "", err
	}

	ix.logger.Info("indexed file", "path", path, "category", rec.Category, "size", rec.Size)
	return OutcomeIndexed, nil
}

// unchanged reports whether the stored record still matches a fresh stat,
// meaning extraction and embedding can be skipped entirely.
func unchanged(existing storage.FileRecord, meta extract.Record) bool {
	return existing.Size == meta.Size &&
		existing.ModifiedAt.Equal(meta.ModifiedAt) &&
		!existing.IndexedAt.IsZero()
}

func fileRecord(rec extract.Record, path, embeddingID string) storage.FileRecord {
	return storage.FileRecord{
		Path:        path,
		Name:        rec.Name,
		Category:    string(rec.Category),
		Size:        rec.Size,
		CreatedAt:   rec.CreatedAt,
		ModifiedAt:  rec.ModifiedAt,
		IndexedAt:   time.Now().UTC(),
		TextSample:  rec.TextSample,
		EmbeddingID: embeddingID,
	}
}

// removeLocked drops a file from both stores. The embedding goes first;
// a leftover record without an embedding is healed by Reconcile, the
// reverse would be an orphan vector with no owner.
func (ix *Indexer) removeLocked(ctx context.Context, path string) error {
	if err := ix.index.Delete(ctx, path); err != nil {
		return err
	}
	if err := ix.store.DeleteFileRecord(path); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	ix.logger.Info("removed vanished file", "path", path)
	return nil
}

// IndexTree walks the workspace subtree at dir (or the whole workspace
// when dir is empty), indexing files in lexicographic path order and
// removing tracked files the walk no longer finds. Individual file
// failures are collected in the report and do not stop the run.
func (ix *Indexer) IndexTree(ctx context.Context, dir string, force bool) (Report, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	var report Report

	if dir != "" {
		dir = normalizePath(dir)
		if dir == "." {
			dir = ""
		}
	}

	paths, err := ix.scanTree(dir)
	if err != nil {
		return report, err
	}
	ix.logger.Info("starting index run", "dir", dir, "files", len(paths))

	// First pass: stat every file and extract the new and changed ones.
	seen := make(map[string]bool, len(paths))
	var pending []extract.Record
	for _, path := range paths {
		select {
		case <-ctx.Done():
			return report, ctx.Err()
		default:
		}
		seen[path] = true

		meta, err := ix.extractor.Stat(path)
		if errors.Is(err, fs.ErrNotExist) {
			// Vanished since the walk; the tracked case is cleaned up here,
			// the untracked case has nothing to do.
			if _, gerr := ix.store.GetFileRecord(path); gerr == nil {
				if rerr := ix.removeLocked(ctx, path); rerr != nil {
					report.Failed = append(report.Failed, FileError{Path: path, Err: rerr})
					continue
				}
				report.Removed++
			}
			continue
		}
		if err != nil {
			report.Failed = append(report.Failed, FileError{Path: path, Err: err})
			ix.logger.Error("failed to stat file", "path", path, "error", err)
			continue
		}

		existing, err := ix.store.GetFileRecord(path)
		switch {
		case err == nil:
			if !force && unchanged(existing, meta) {
				report.Skipped++
				continue
			}
		case errors.Is(err, storage.ErrNotFound):
			// New file.
		default:
			report.Failed = append(report.Failed, FileError{Path: path, Err: err})
			continue
		}

		rec, err := ix.extractor.Extract(path)
		if err != nil {
			report.Failed = append(report.Failed, FileError{Path: path, Err: err})
			ix.logger.Error("failed to extract file", "path", path, "error", err)
			continue
		}
		pending = append(pending, rec)
	}

	// Second pass: embed the changed files as one concurrent batch, then
	// write both stores in path order, vectors first.
	if len(pending) > 0 {
		entries := make([]vectorindex.Entry, len(pending))
		for i, rec := range pending {
			entries[i] = vectorindex.Entry{
				Path:     rec.Path,
				Text:     rec.TextSample,
				Category: string(rec.Category),
				Name:     rec.Name,
			}
		}
		ids, err := ix.index.UpsertBatch(ctx, entries)
		if err != nil {
			for _, rec := range pending {
				report.Failed = append(report.Failed, FileError{Path: rec.Path, Err: err})
			}
			ix.logger.Error("failed to embed batch", "files", len(pending), "error", err)
		} else {
			for i, rec := range pending {
				if err := ix.store.UpsertFileRecord(fileRecord(rec, rec.Path, ids[i])); err != nil {
					report.Failed = append(report.Failed, FileError{Path: rec.Path, Err: err})
					continue
				}
				report.Indexed++
			}
		}
	}

	// Tracked files the walk did not see have been deleted or moved.
	known, err := ix.store.ListFileRecordsUnder(dir)
	if err != nil {
		return report, err
	}
	for _, rec := range known {
		if seen[rec.Path] {
			continue
		}
		if err := ix.removeLocked(ctx, rec.Path); err != nil {
			report.Failed = append(report.Failed, FileError{Path: rec.Path, Err: err})
			continue
		}
		report.Removed++
	}

	ix.logger.Info("index run completed",
		"indexed", report.Indexed, "skipped", report.Skipped,
		"removed", report.Removed, "errors", len(report.Failed))
	return report, nil
}

// scanTree collects regular files under dir, sorted by their full
// relative path so runs are order-stable regardless of directory layout.
// Dot-prefixed directories and files are not scanned.
func (ix *Indexer) scanTree(dir string) ([]string, error) {
	start, err := extract.ResolvePath(ix.root, firstNonEmpty(dir, "."))
	if err != nil {
		return nil, err
	}

	var paths []string
	err = filepath.WalkDir(start, func(abs string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() {
			if abs != start && len(name) > 0 && name[0] == '.' {
				return filepath.SkipDir
			}
			return nil
		}
		if len(name) > 0 && name[0] == '.' {
			return nil
		}
		info, err := d.Info()
		if err != nil || !info.Mode().IsRegular() {
			return err
		}
		rel, err := filepath.Rel(ix.root, abs)
		if err != nil {
			return err
		}
		paths = append(paths, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && dir != "" {
			// An empty or missing subtree just means nothing to index.
			return nil, nil
		}
		return nil, err
	}
	sort.Strings(paths)
	return paths, nil
}

// Reconcile repairs drift between the two stores: vectors whose file
// record is gone are deleted, and records claiming an embedding that no
// longer exists lose their indexed state so the next run re-embeds them.
// Returns the number of orphan vectors and orphan records healed.
func (ix *Indexer) Reconcile(ctx context.Context) (int, int, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	indexed, err := ix.index.Paths(ctx)
	if err != nil {
		return 0, 0, err
	}

	var orphanVectors int
	for _, path := range indexed {
		_, err := ix.store.GetFileRecord(path)
		if errors.Is(err, storage.ErrNotFound) {
			if derr := ix.index.Delete(ctx, path); derr != nil {
				return orphanVectors, 0, derr
			}
			orphanVectors++
			continue
		}
		if err != nil {
			return orphanVectors, 0, err
		}
	}

	records, err := ix.store.ListFileRecords()
	if err != nil {
		return orphanVectors, 0, err
	}
	var orphanRecords int
	for _, rec := range records {
		if rec.IndexedAt.IsZero() {
			continue
		}
		_, ok, err := ix.index.EmbeddingID(ctx, rec.Path)
		if err != nil {
			return orphanVectors, orphanRecords, err
		}
		if ok {
			continue
		}
		rec.IndexedAt = time.Time{}
		rec.EmbeddingID = ""
		if err := ix.store.UpsertFileRecord(rec); err != nil {
			return orphanVectors, orphanRecords, err
		}
		orphanRecords++
	}

	if orphanVectors > 0 || orphanRecords > 0 {
		ix.logger.Warn("healed store drift", "orphan_vectors", orphanVectors, "orphan_records", orphanRecords)
	}
	return orphanVectors, orphanRecords, nil
}

// RemoveFile drops one tracked path from both stores regardless of its
// state on disk.
func (ix *Indexer) RemoveFile(ctx context.Context, rel string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	path := normalizePath(rel)
	if _, err := ix.store.GetFileRecord(path); err != nil {
		return err
	}
	return ix.removeLocked(ctx, path)
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
