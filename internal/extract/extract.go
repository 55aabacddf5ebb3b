// Package extract turns workspace files into structured records: stat
// metadata, a content category from a closed set, and a bounded text sample
// used for embedding and display.
package extract

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"
)

// Category classifies a file by its extension. The set is closed: anything
// unrecognized is CategoryOther and still gets a text sample when the
// content decodes as text.
type Category string

const (
	CategoryDocument Category = "document"
	CategoryCode     Category = "code"
	CategoryNote     Category = "note"
	CategoryOther    Category = "other"
)

// Categories lists all valid categories, for filter validation.
var Categories = []Category{CategoryDocument, CategoryCode, CategoryNote, CategoryOther}

// ErrPathEscape is returned when a relative path resolves outside the
// workspace root.
var ErrPathEscape = errors.New("path escapes workspace root")

// Record is the extracted form of one file. Path is relative to the
// workspace root with forward slashes; it is the identity key across both
// stores.
type Record struct {
	Path       string
	Name       string
	Category   Category
	Size       int64
	CreatedAt  time.Time
	ModifiedAt time.Time
	TextSample string
}

var categoryByExt = map[string]Category{
	".pdf": CategoryDocument, ".doc": CategoryDocument, ".docx": CategoryDocument,
	".rtf": CategoryDocument, ".odt": CategoryDocument, ".html": CategoryDocument,
	".htm": CategoryDocument,

	".py": CategoryCode, ".go": CategoryCode, ".js": CategoryCode, ".ts": CategoryCode,
	".java": CategoryCode, ".c": CategoryCode, ".cpp": CategoryCode, ".h": CategoryCode,
	".rb": CategoryCode, ".rs": CategoryCode, ".sh": CategoryCode, ".sql": CategoryCode,
	".json": CategoryCode, ".yaml": CategoryCode, ".yml": CategoryCode, ".toml": CategoryCode,
	".xml": CategoryCode, ".css": CategoryCode,

	".md": CategoryNote, ".txt": CategoryNote, ".rst": CategoryNote, ".org": CategoryNote,
	".log": CategoryNote,
}

// CategoryOf returns the category for a path based on its extension.
func CategoryOf(path string) Category {
	if c, ok := categoryByExt[strings.ToLower(filepath.Ext(path))]; ok {
		return c
	}
	return CategoryOther
}

// ResolvePath joins a workspace-relative path onto root, rejecting any path
// that would escape the root. The returned path is absolute.
func ResolvePath(root, rel string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(rel))
	if filepath.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%q: %w", rel, ErrPathEscape)
	}
	return filepath.Join(root, cleaned), nil
}

// Extractor reads files from a workspace root and produces Records.
// Extraction is a pure function of the file's current bytes and stat
// metadata; it never writes.
type Extractor struct {
	root       string
	sampleSize int
}

// New creates an Extractor rooted at root, sampling up to sampleSize
// characters of text per file.
func New(root string, sampleSize int) *Extractor {
	return &Extractor{root: root, sampleSize: sampleSize}
}

// Stat produces the metadata-only Record for one workspace-relative path
// without opening the file. Modification time is truncated to whole
// seconds, the resolution the store persists, so a fresh Stat of an
// untouched file compares equal to its stored record.
func (e *Extractor) Stat(rel string) (Record, error) {
	abs, err := ResolvePath(e.root, rel)
	if err != nil {
		return Record{}, err
	}

	info, err := os.Stat(abs)
	if err != nil {
		return Record{}, fmt.Errorf("stat %s: %w", rel, err)
	}
	if info.IsDir() {
		return Record{}, fmt.Errorf("%s: is a directory", rel)
	}

	mod := info.ModTime().UTC().Truncate(time.Second)
	return Record{
		Path:     filepath.ToSlash(rel),
		Name:     filepath.Base(abs),
		Category: CategoryOf(rel),
		Size:     info.Size(),
		// Creation time is not portably available; modification time is the
		// closest stable stand-in and is what the index compares anyway.
		CreatedAt:  mod,
		ModifiedAt: mod,
	}, nil
}

// Extract produces the full Record for one workspace-relative path,
// including the text sample. Read errors (missing file, permissions) are
// returned to the caller; undecodable or binary content is not an error
// and yields an empty TextSample.
func (e *Extractor) Extract(rel string) (Record, error) {
	rec, err := e.Stat(rel)
	if err != nil {
		return Record{}, err
	}

	abs, err := ResolvePath(e.root, rel)
	if err != nil {
		return Record{}, err
	}
	sample, err := e.sample(abs, rec.Category)
	if err != nil {
		return Record{}, fmt.Errorf("reading %s: %w", rel, err)
	}
	rec.TextSample = sample

	return rec, nil
}

// sample dispatches to the extraction function for the category. Each
// category has an explicit function; there is no runtime type inspection.
func (e *Extractor) sample(abs string, cat Category) (string, error) {
	switch cat {
	case CategoryDocument:
		switch strings.ToLower(filepath.Ext(abs)) {
		case ".pdf":
			return e.samplePDF(abs)
		case ".html", ".htm":
			return e.sampleHTML(abs)
		default:
			return e.sampleText(abs)
		}
	case CategoryCode, CategoryNote:
		return e.sampleText(abs)
	default:
		return e.sampleText(abs)
	}
}

// sampleText reads up to the sample budget from a plain file. Content that
// does not decode as text yields an empty sample, not an error.
func (e *Extractor) sampleText(abs string) (string, error) {
	f, err := os.Open(abs)
	if err != nil {
		return "", err
	}
	defer f.Close()

	// Read a few bytes per character of budget so multi-byte text still
	// fills the sample.
	buf := make([]byte, e.sampleSize*4)
	n, err := io.ReadFull(f, buf)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return "", err
	}
	return decodeSample(buf[:n], e.sampleSize), nil
}

// decodeSample validates raw bytes as text and truncates to limit
// characters. Binary content (NUL bytes or invalid UTF-8) yields "".
func decodeSample(raw []byte, limit int) string {
	if len(raw) == 0 {
		return ""
	}
	if bytes.IndexByte(raw, 0) >= 0 {
		return ""
	}
	// A read may end mid-rune; trim up to three trailing partial bytes
	// before deciding the content is binary.
	for i := 0; i < 3 && len(raw) > 0 && !utf8.Valid(raw); i++ {
		raw = raw[:len(raw)-1]
	}
	if !utf8.Valid(raw) {
		return ""
	}
	return truncateRunes(string(raw), limit)
}

func truncateRunes(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit])
}
