package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrUnknownFile is returned in strict mode when a mutation references a
// path with no file record.
var ErrUnknownFile = errors.New("unknown file")

// ErrUnknownCollection is returned when a collection name does not exist.
var ErrUnknownCollection = errors.New("unknown collection")

// ErrDuplicateName is returned when creating a collection whose name is taken.
var ErrDuplicateName = errors.New("duplicate name")

// FileRecord is one indexed file's metadata row. Path is the unique key,
// relative to the workspace root. IndexedAt is zero until the file has been
// successfully indexed and only advances on reindex.
type FileRecord struct {
	Path        string
	Name        string
	Category    string
	Size        int64
	CreatedAt   time.Time
	ModifiedAt  time.Time
	IndexedAt   time.Time
	TextSample  string
	EmbeddingID string
}

// Tag is a normalized, case-insensitively unique label.
type Tag struct {
	ID        int64
	Name      string
	CreatedAt time.Time
}

// Collection is a named, user-curated set of file paths.
type Collection struct {
	ID          int64
	Name        string
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Stats summarizes store contents for status reporting.
type Stats struct {
	Files       int
	Tags        int
	Collections int
}
