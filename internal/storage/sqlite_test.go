package storage

import (
	"errors"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testRecord(path string) FileRecord {
	now := time.Now().UTC().Truncate(time.Second)
	return FileRecord{
		Path:        path,
		Name:        path,
		Category:    "note",
		Size:        42,
		CreatedAt:   now,
		ModifiedAt:  now,
		IndexedAt:   now,
		TextSample:  "sample text",
		EmbeddingID: "emb-" + path,
	}
}

func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}

	if len(v1) == 0 || len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

func TestUpsertFileRecordRoundTrip(t *testing.T) {
	s := openTestStore(t)

	rec := testRecord("notes/ideas.txt")
	if err := s.UpsertFileRecord(rec); err != nil {
		t.Fatalf("UpsertFileRecord: %v", err)
	}

	got, err := s.GetFileRecord("notes/ideas.txt")
	if err != nil {
		t.Fatalf("GetFileRecord: %v", err)
	}
	if got.Name != rec.Name || got.Category != rec.Category || got.Size != rec.Size {
		t.Errorf("got %+v, want %+v", got, rec)
	}
	if !got.IndexedAt.Equal(rec.IndexedAt) {
		t.Errorf("IndexedAt = %v, want %v", got.IndexedAt, rec.IndexedAt)
	}
	if got.TextSample != "sample text" || got.EmbeddingID != rec.EmbeddingID {
		t.Errorf("sample/embedding mismatch: %+v", got)
	}
}

func TestUpsertReplacesExisting(t *testing.T) {
	s := openTestStore(t)

	rec := testRecord("a.txt")
	if err := s.UpsertFileRecord(rec); err != nil {
		t.Fatal(err)
	}
	rec.Size = 99
	rec.IndexedAt = rec.IndexedAt.Add(time.Minute)
	if err := s.UpsertFileRecord(rec); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetFileRecord("a.txt")
	if err != nil {
		t.Fatal(err)
	}
	if got.Size != 99 {
		t.Errorf("Size = %d, want 99", got.Size)
	}
	if !got.IndexedAt.Equal(rec.IndexedAt) {
		t.Errorf("IndexedAt not advanced: %v", got.IndexedAt)
	}

	all, err := s.ListFileRecords()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Errorf("expected exactly one record per path, got %d", len(all))
	}
}

func TestGetFileRecordNotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.GetFileRecord("missing.txt"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestListFileRecordsUnder(t *testing.T) {
	s := openTestStore(t)
	for _, p := range []string{"code/a.py", "code/b.py", "notes/c.txt"} {
		if err := s.UpsertFileRecord(testRecord(p)); err != nil {
			t.Fatal(err)
		}
	}

	under, err := s.ListFileRecordsUnder("code")
	if err != nil {
		t.Fatal(err)
	}
	if len(under) != 2 || under[0].Path != "code/a.py" || under[1].Path != "code/b.py" {
		t.Errorf("ListFileRecordsUnder(code) = %+v", under)
	}

	all, err := s.ListFileRecordsUnder("")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 records, got %d", len(all))
	}
}

func TestDeleteFileRecordCascadesTags(t *testing.T) {
	s := openTestStore(t)
	if err := s.UpsertFileRecord(testRecord("a.txt")); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ApplyTags("a.txt", []string{"work", "draft"}); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteFileRecord("a.txt"); err != nil {
		t.Fatalf("DeleteFileRecord: %v", err)
	}

	tags, err := s.GetTags("a.txt")
	if err != nil {
		t.Fatal(err)
	}
	if len(tags) != 0 {
		t.Errorf("tag associations survived delete: %v", tags)
	}

	// The tags themselves remain; only associations cascade.
	all, err := s.ListTags()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Errorf("tags should remain after cascade, got %v", all)
	}

	if err := s.DeleteFileRecord("a.txt"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete err = %v, want ErrNotFound", err)
	}
}

func TestApplyTagsIdempotentCaseInsensitive(t *testing.T) {
	s := openTestStore(t)

	applied, err := s.ApplyTags("doc.txt", []string{"a", "a", "A"})
	if err != nil {
		t.Fatalf("ApplyTags: %v", err)
	}
	if len(applied) != 1 || applied[0] != "a" {
		t.Errorf("applied = %v, want [a]", applied)
	}

	// Re-applying is a no-op.
	if _, err := s.ApplyTags("doc.txt", []string{"A"}); err != nil {
		t.Fatal(err)
	}

	tags, err := s.GetTags("doc.txt")
	if err != nil {
		t.Fatal(err)
	}
	if len(tags) != 1 || tags[0] != "a" {
		t.Errorf("tags = %v, want exactly [a]", tags)
	}
}

func TestGetTagsAlphabetical(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.ApplyTags("doc.txt", []string{"zebra", "apple", "mango"}); err != nil {
		t.Fatal(err)
	}

	tags, err := s.GetTags("doc.txt")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"apple", "mango", "zebra"}
	for i, w := range want {
		if tags[i] != w {
			t.Fatalf("tags = %v, want %v", tags, want)
		}
	}
}

func TestApplyTagsStrictMode(t *testing.T) {
	s := openTestStore(t)
	s.SetStrictRefs(true)

	if _, err := s.ApplyTags("ghost.txt", []string{"x"}); !errors.Is(err, ErrUnknownFile) {
		t.Errorf("err = %v, want ErrUnknownFile", err)
	}

	if err := s.UpsertFileRecord(testRecord("real.txt")); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ApplyTags("real.txt", []string{"x"}); err != nil {
		t.Errorf("strict apply to known file failed: %v", err)
	}
}

func TestFilesWithAnyTag(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.ApplyTags("b.txt", []string{"work"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ApplyTags("a.txt", []string{"work", "draft"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ApplyTags("c.txt", []string{"personal"}); err != nil {
		t.Fatal(err)
	}

	paths, err := s.FilesWithAnyTag([]string{"WORK", "missing"})
	if err != nil {
		t.Fatal(err)
	}
	if len(paths) != 2 || paths[0] != "a.txt" || paths[1] != "b.txt" {
		t.Errorf("paths = %v, want [a.txt b.txt]", paths)
	}
}

func TestCollectionRoundTrip(t *testing.T) {
	s := openTestStore(t)

	coll, err := s.CreateCollection("ML", "machine learning files")
	if err != nil {
		t.Fatalf("CreateCollection: %v", err)
	}
	if coll.Name != "ML" || coll.ID == 0 {
		t.Errorf("collection = %+v", coll)
	}

	added, err := s.AddToCollection("ML", []string{"code/x.py"})
	if err != nil {
		t.Fatalf("AddToCollection: %v", err)
	}
	if added != 1 {
		t.Errorf("added = %d, want 1", added)
	}

	files, err := s.ListCollectionFiles("ML")
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 || files[0] != "code/x.py" {
		t.Errorf("files = %v, want [code/x.py]", files)
	}
}

func TestCreateCollectionDuplicate(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.CreateCollection("ML", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CreateCollection("ML", "again"); !errors.Is(err, ErrDuplicateName) {
		t.Errorf("err = %v, want ErrDuplicateName", err)
	}
}

func TestAddToCollectionDeduplicatesAndOrders(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.CreateCollection("ML", ""); err != nil {
		t.Fatal(err)
	}

	if _, err := s.AddToCollection("ML", []string{"z.py", "a.py"}); err != nil {
		t.Fatal(err)
	}
	added, err := s.AddToCollection("ML", []string{"a.py", "m.py"})
	if err != nil {
		t.Fatal(err)
	}
	if added != 1 {
		t.Errorf("added = %d, want 1 (duplicate skipped)", added)
	}

	files, err := s.ListCollectionFiles("ML")
	if err != nil {
		t.Fatal(err)
	}
	// Insertion order, not alphabetical.
	want := []string{"z.py", "a.py", "m.py"}
	if len(files) != len(want) {
		t.Fatalf("files = %v, want %v", files, want)
	}
	for i := range want {
		if files[i] != want[i] {
			t.Fatalf("files = %v, want %v", files, want)
		}
	}
}

func TestUnknownCollection(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.AddToCollection("nope", []string{"a.txt"}); !errors.Is(err, ErrUnknownCollection) {
		t.Errorf("AddToCollection err = %v, want ErrUnknownCollection", err)
	}
	if _, err := s.ListCollectionFiles("nope"); !errors.Is(err, ErrUnknownCollection) {
		t.Errorf("ListCollectionFiles err = %v, want ErrUnknownCollection", err)
	}
}

func TestAddToCollectionStrictMode(t *testing.T) {
	s := openTestStore(t)
	s.SetStrictRefs(true)
	if _, err := s.CreateCollection("ML", ""); err != nil {
		t.Fatal(err)
	}

	if _, err := s.AddToCollection("ML", []string{"ghost.py"}); !errors.Is(err, ErrUnknownFile) {
		t.Errorf("err = %v, want ErrUnknownFile", err)
	}

	// Nothing was added.
	files, err := s.ListCollectionFiles("ML")
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 0 {
		t.Errorf("strict failure must not mutate: %v", files)
	}
}

func TestStats(t *testing.T) {
	s := openTestStore(t)
	if err := s.UpsertFileRecord(testRecord("a.txt")); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ApplyTags("a.txt", []string{"x", "y"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CreateCollection("ML", ""); err != nil {
		t.Fatal(err)
	}

	st, err := s.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if st.Files != 1 || st.Tags != 2 || st.Collections != 1 {
		t.Errorf("stats = %+v", st)
	}
}
