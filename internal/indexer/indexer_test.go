package indexer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/filedex/filedex/internal/extract"
	"github.com/filedex/filedex/internal/storage"
	"github.com/filedex/filedex/internal/vectorindex"
)

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	// Any non-empty text maps to a fixed unit vector; content does not
	// matter for indexing behavior.
	return []float32{1, 0, 0}, nil
}

func newTestIndexer(t *testing.T) (*Indexer, *storage.Store, *vectorindex.Index, string) {
	t.Helper()
	root := t.TempDir()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	ix := vectorindex.New(s.DB(), fakeEmbedder{})
	ex := extract.New(root, 2000)
	return New(s, ix, ex, root), s, ix, root
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	abs := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestIndexFileNew(t *testing.T) {
	idx, s, vix, root := newTestIndexer(t)
	writeFile(t, root, "notes/plan.txt", "quarterly plan")
	ctx := context.Background()

	outcome, err := idx.IndexFile(ctx, "notes/plan.txt", false)
	if err != nil {
		t.Fatalf("IndexFile: %v", err)
	}
	if outcome != OutcomeIndexed {
		t.Errorf("outcome = %s, want indexed", outcome)
	}

	rec, err := s.GetFileRecord("notes/plan.txt")
	if err != nil {
		t.Fatal(err)
	}
	if rec.IndexedAt.IsZero() || rec.EmbeddingID == "" {
		t.Errorf("record not marked indexed: %+v", rec)
	}
	if rec.Category != "note" || rec.TextSample != "quarterly plan" {
		t.Errorf("record = %+v", rec)
	}

	n, err := vix.Count(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("vector count = %d, want 1", n)
	}
}

func TestIndexFileUnchangedSkipped(t *testing.T) {
	idx, s, _, root := newTestIndexer(t)
	writeFile(t, root, "a.txt", "hello")
	ctx := context.Background()

	if _, err := idx.IndexFile(ctx, "a.txt", false); err != nil {
		t.Fatal(err)
	}
	first, _ := s.GetFileRecord("a.txt")

	outcome, err := idx.IndexFile(ctx, "a.txt", false)
	if err != nil {
		t.Fatal(err)
	}
	if outcome != OutcomeSkipped {
		t.Errorf("outcome = %s, want skipped", outcome)
	}

	second, _ := s.GetFileRecord("a.txt")
	if second.EmbeddingID != first.EmbeddingID {
		t.Error("skip must not re-embed")
	}
	if !second.IndexedAt.Equal(first.IndexedAt) {
		t.Error("skip must not advance indexed_at")
	}
}

// Change detection is stat-based: equal size and mtime mean no re-extraction,
// even if the bytes differ.
func TestIndexFileStatOnlyChangeDetection(t *testing.T) {
	idx, s, _, root := newTestIndexer(t)
	writeFile(t, root, "a.txt", "aaaaa")
	ctx := context.Background()

	if _, err := idx.IndexFile(ctx, "a.txt", false); err != nil {
		t.Fatal(err)
	}
	rec, err := s.GetFileRecord("a.txt")
	if err != nil {
		t.Fatal(err)
	}

	// Same size, same mtime, different bytes. A skip that still read the
	// file would pick up the new sample.
	writeFile(t, root, "a.txt", "bbbbb")
	abs := filepath.Join(root, "a.txt")
	if err := os.Chtimes(abs, rec.ModifiedAt, rec.ModifiedAt); err != nil {
		t.Fatal(err)
	}

	outcome, err := idx.IndexFile(ctx, "a.txt", false)
	if err != nil {
		t.Fatal(err)
	}
	if outcome != OutcomeSkipped {
		t.Fatalf("outcome = %s, want skipped", outcome)
	}
	after, _ := s.GetFileRecord("a.txt")
	if after.TextSample != "aaaaa" {
		t.Errorf("sample = %q; the skip path must not re-extract", after.TextSample)
	}
}

func TestIndexFileSkipDoesNotOpenFile(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root bypasses file permissions")
	}
	idx, _, _, root := newTestIndexer(t)
	writeFile(t, root, "a.txt", "hello")
	ctx := context.Background()

	if _, err := idx.IndexFile(ctx, "a.txt", false); err != nil {
		t.Fatal(err)
	}

	// An unreadable but statable file: the unchanged path must succeed
	// without trying to open it.
	abs := filepath.Join(root, "a.txt")
	if err := os.Chmod(abs, 0o000); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chmod(abs, 0o644) })

	outcome, err := idx.IndexFile(ctx, "a.txt", false)
	if err != nil {
		t.Fatalf("IndexFile: %v", err)
	}
	if outcome != OutcomeSkipped {
		t.Errorf("outcome = %s, want skipped", outcome)
	}
}

func TestIndexFileForceReindexes(t *testing.T) {
	idx, s, _, root := newTestIndexer(t)
	writeFile(t, root, "a.txt", "hello")
	ctx := context.Background()

	if _, err := idx.IndexFile(ctx, "a.txt", false); err != nil {
		t.Fatal(err)
	}
	first, _ := s.GetFileRecord("a.txt")

	outcome, err := idx.IndexFile(ctx, "a.txt", true)
	if err != nil {
		t.Fatal(err)
	}
	if outcome != OutcomeIndexed {
		t.Errorf("outcome = %s, want indexed", outcome)
	}
	second, _ := s.GetFileRecord("a.txt")
	if second.EmbeddingID == first.EmbeddingID {
		t.Error("force should mint a fresh embedding")
	}
}

func TestIndexFileDetectsModification(t *testing.T) {
	idx, _, _, root := newTestIndexer(t)
	writeFile(t, root, "a.txt", "v1")
	ctx := context.Background()

	if _, err := idx.IndexFile(ctx, "a.txt", false); err != nil {
		t.Fatal(err)
	}

	writeFile(t, root, "a.txt", "v2 longer")
	// Nudge mtime forward for filesystems with coarse timestamps.
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(filepath.Join(root, "a.txt"), future, future); err != nil {
		t.Fatal(err)
	}

	outcome, err := idx.IndexFile(ctx, "a.txt", false)
	if err != nil {
		t.Fatal(err)
	}
	if outcome != OutcomeIndexed {
		t.Errorf("outcome = %s, want indexed after modification", outcome)
	}
}

func TestIndexFileRemovesVanishedSource(t *testing.T) {
	idx, s, vix, root := newTestIndexer(t)
	writeFile(t, root, "a.txt", "hello")
	ctx := context.Background()

	if _, err := idx.IndexFile(ctx, "a.txt", false); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(filepath.Join(root, "a.txt")); err != nil {
		t.Fatal(err)
	}

	outcome, err := idx.IndexFile(ctx, "a.txt", false)
	if err != nil {
		t.Fatal(err)
	}
	if outcome != OutcomeRemoved {
		t.Errorf("outcome = %s, want removed", outcome)
	}

	if _, err := s.GetFileRecord("a.txt"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("record survived removal: %v", err)
	}
	n, _ := vix.Count(ctx)
	if n != 0 {
		t.Errorf("vector count = %d, want 0", n)
	}
}

func TestIndexFileUnknownMissingPath(t *testing.T) {
	idx, _, _, _ := newTestIndexer(t)
	if _, err := idx.IndexFile(context.Background(), "ghost.txt", false); err == nil {
		t.Error("expected error for untracked missing file")
	}
}

func TestIndexFileRejectsEscapingPath(t *testing.T) {
	idx, _, _, _ := newTestIndexer(t)
	if _, err := idx.IndexFile(context.Background(), "../outside.txt", false); !errors.Is(err, extract.ErrPathEscape) {
		t.Errorf("err = %v, want ErrPathEscape", err)
	}
}

func TestIndexTree(t *testing.T) {
	idx, s, _, root := newTestIndexer(t)
	writeFile(t, root, "code/a.py", "print('a')")
	writeFile(t, root, "code/b.py", "print('b')")
	writeFile(t, root, "notes/c.md", "# c")
	writeFile(t, root, ".git/config", "[core]")
	writeFile(t, root, ".hidden.txt", "secret")
	ctx := context.Background()

	report, err := idx.IndexTree(ctx, "", false)
	if err != nil {
		t.Fatalf("IndexTree: %v", err)
	}
	if report.Indexed != 3 || report.Skipped != 0 || len(report.Failed) != 0 {
		t.Errorf("report = %+v", report)
	}

	if _, err := s.GetFileRecord(".git/config"); !errors.Is(err, storage.ErrNotFound) {
		t.Error("hidden directory should not be indexed")
	}

	// Second run skips everything.
	report, err = idx.IndexTree(ctx, "", false)
	if err != nil {
		t.Fatal(err)
	}
	if report.Indexed != 0 || report.Skipped != 3 {
		t.Errorf("second run report = %+v", report)
	}
}

type batchEmbedder struct {
	fakeEmbedder
	batches [][]string
}

func (b *batchEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	b.batches = append(b.batches, texts)
	vecs := make([][]float32, len(texts))
	for i := range texts {
		vecs[i] = []float32{1, 0, 0}
	}
	return vecs, nil
}

func TestIndexTreeEmbedsChangedFilesAsBatch(t *testing.T) {
	root := t.TempDir()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	be := &batchEmbedder{}
	vix := vectorindex.New(s.DB(), be)
	idx := New(s, vix, extract.New(root, 2000), root)

	writeFile(t, root, "a.txt", "alpha")
	writeFile(t, root, "b.txt", "beta")
	ctx := context.Background()

	report, err := idx.IndexTree(ctx, "", false)
	if err != nil {
		t.Fatal(err)
	}
	if report.Indexed != 2 {
		t.Fatalf("report = %+v", report)
	}
	if len(be.batches) != 1 || len(be.batches[0]) != 2 {
		t.Errorf("batches = %v, want one batch of 2 texts", be.batches)
	}

	// Nothing changed, so no further embed calls.
	if _, err := idx.IndexTree(ctx, "", false); err != nil {
		t.Fatal(err)
	}
	if len(be.batches) != 1 {
		t.Errorf("unchanged run issued embed batches: %v", be.batches[1:])
	}
}

func TestIndexTreeSubdirScope(t *testing.T) {
	idx, s, _, root := newTestIndexer(t)
	writeFile(t, root, "code/a.py", "print('a')")
	writeFile(t, root, "notes/c.md", "# c")
	ctx := context.Background()

	report, err := idx.IndexTree(ctx, "code", false)
	if err != nil {
		t.Fatal(err)
	}
	if report.Indexed != 1 {
		t.Errorf("report = %+v", report)
	}
	if _, err := s.GetFileRecord("notes/c.md"); !errors.Is(err, storage.ErrNotFound) {
		t.Error("out-of-scope file was indexed")
	}
}

func TestIndexTreeRemovesVanished(t *testing.T) {
	idx, _, vix, root := newTestIndexer(t)
	writeFile(t, root, "a.txt", "hello")
	writeFile(t, root, "b.txt", "world")
	ctx := context.Background()

	if _, err := idx.IndexTree(ctx, "", false); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(filepath.Join(root, "b.txt")); err != nil {
		t.Fatal(err)
	}

	report, err := idx.IndexTree(ctx, "", false)
	if err != nil {
		t.Fatal(err)
	}
	if report.Removed != 1 || report.Skipped != 1 {
		t.Errorf("report = %+v", report)
	}
	n, _ := vix.Count(ctx)
	if n != 1 {
		t.Errorf("vector count = %d, want 1", n)
	}
}

func TestReconcileHealsDrift(t *testing.T) {
	idx, s, vix, root := newTestIndexer(t)
	writeFile(t, root, "ok.txt", "fine")
	ctx := context.Background()
	if _, err := idx.IndexFile(ctx, "ok.txt", false); err != nil {
		t.Fatal(err)
	}

	// An embedding with no file record.
	if _, err := vix.Upsert(ctx, "orphan-vec.txt", "stray", "note", "orphan-vec.txt"); err != nil {
		t.Fatal(err)
	}
	// A record claiming an embedding that does not exist.
	now := time.Now().UTC().Truncate(time.Second)
	if err := s.UpsertFileRecord(storage.FileRecord{
		Path: "orphan-rec.txt", Name: "orphan-rec.txt", Category: "note",
		CreatedAt: now, ModifiedAt: now, IndexedAt: now, EmbeddingID: "gone",
	}); err != nil {
		t.Fatal(err)
	}

	vecs, recs, err := idx.Reconcile(ctx)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if vecs != 1 || recs != 1 {
		t.Errorf("healed (%d, %d), want (1, 1)", vecs, recs)
	}

	if _, ok, _ := vix.EmbeddingID(ctx, "orphan-vec.txt"); ok {
		t.Error("orphan vector survived")
	}
	rec, err := s.GetFileRecord("orphan-rec.txt")
	if err != nil {
		t.Fatal(err)
	}
	if !rec.IndexedAt.IsZero() || rec.EmbeddingID != "" {
		t.Errorf("orphan record not cleared: %+v", rec)
	}

	// The healthy file is untouched.
	ok, err := s.GetFileRecord("ok.txt")
	if err != nil || ok.IndexedAt.IsZero() {
		t.Errorf("healthy record disturbed: %+v %v", ok, err)
	}
}

func TestRemoveFile(t *testing.T) {
	idx, s, _, root := newTestIndexer(t)
	writeFile(t, root, "a.txt", "hello")
	ctx := context.Background()
	if _, err := idx.IndexFile(ctx, "a.txt", false); err != nil {
		t.Fatal(err)
	}

	if err := idx.RemoveFile(ctx, "a.txt"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetFileRecord("a.txt"); !errors.Is(err, storage.ErrNotFound) {
		t.Error("record survived RemoveFile")
	}

	if err := idx.RemoveFile(ctx, "a.txt"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("second RemoveFile err = %v, want ErrNotFound", err)
	}
}
