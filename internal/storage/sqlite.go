package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database with methods for file metadata, tags, and
// collections. The same database also carries the embeddings table used by
// the vector index; both stores share one file so backup is a single copy.
type Store struct {
	db     *sql.DB
	strict bool
}

// Open opens (or creates) a SQLite database in dataDir and runs pending
// migrations. Pass ":memory:" as dataDir for an in-memory database (used by
// tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "filedex.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying connection so the vector index can share it.
func (s *Store) DB() *sql.DB {
	return s.db
}

// SetStrictRefs toggles strict referential integrity: when on, ApplyTags and
// AddToCollection reject paths that have no file record.
func (s *Store) SetStrictRefs(strict bool) {
	s.strict = strict
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	// Ensure schema_version table exists (bootstrap).
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}

// --- File records ---

// UpsertFileRecord inserts or replaces the metadata row for rec.Path.
func (s *Store) UpsertFileRecord(rec FileRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO file_metadata (path, name, type, size, created_at, modified_at, indexed_at, text_sample, embedding_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			name = excluded.name,
			type = excluded.type,
			size = excluded.size,
			created_at = excluded.created_at,
			modified_at = excluded.modified_at,
			indexed_at = excluded.indexed_at,
			text_sample = excluded.text_sample,
			embedding_id = excluded.embedding_id`,
		rec.Path, rec.Name, rec.Category, rec.Size,
		formatTime(rec.CreatedAt), formatTime(rec.ModifiedAt), formatTime(rec.IndexedAt),
		rec.TextSample, rec.EmbeddingID,
	)
	return err
}

func scanFileRecord(scan func(dest ...any) error) (FileRecord, error) {
	var rec FileRecord
	var createdAt, modifiedAt, indexedAt string
	if err := scan(&rec.Path, &rec.Name, &rec.Category, &rec.Size,
		&createdAt, &modifiedAt, &indexedAt, &rec.TextSample, &rec.EmbeddingID); err != nil {
		return FileRecord{}, err
	}
	var err error
	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return FileRecord{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if rec.ModifiedAt, err = parseTime(modifiedAt); err != nil {
		return FileRecord{}, fmt.Errorf("parsing modified_at: %w", err)
	}
	if rec.IndexedAt, err = parseTime(indexedAt); err != nil {
		return FileRecord{}, fmt.Errorf("parsing indexed_at: %w", err)
	}
	return rec, nil
}

const fileRecordColumns = "path, name, type, size, created_at, modified_at, indexed_at, text_sample, embedding_id"

// GetFileRecord returns the metadata row for path, or ErrNotFound.
func (s *Store) GetFileRecord(path string) (FileRecord, error) {
	row := s.db.QueryRow("SELECT "+fileRecordColumns+" FROM file_metadata WHERE path = ?", path)
	rec, err := scanFileRecord(row.Scan)
	if err == sql.ErrNoRows {
		return FileRecord{}, ErrNotFound
	}
	return rec, err
}

// ListFileRecords returns all metadata rows ordered by path.
func (s *Store) ListFileRecords() ([]FileRecord, error) {
	return s.listFileRecords("SELECT " + fileRecordColumns + " FROM file_metadata ORDER BY path ASC")
}

// ListFileRecordsUnder returns metadata rows whose path is inside dir
// (or all rows when dir is empty), ordered by path.
func (s *Store) ListFileRecordsUnder(dir string) ([]FileRecord, error) {
	if dir == "" || dir == "." {
		return s.ListFileRecords()
	}
	prefix := strings.TrimSuffix(dir, "/") + "/"
	return s.listFileRecords(
		"SELECT "+fileRecordColumns+" FROM file_metadata WHERE path LIKE ? ESCAPE '\\' ORDER BY path ASC",
		escapeLike(prefix)+"%",
	)
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	return strings.ReplaceAll(s, "_", `\_`)
}

func (s *Store) listFileRecords(query string, args ...any) ([]FileRecord, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []FileRecord
	for rows.Next() {
		rec, err := scanFileRecord(rows.Scan)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// DeleteFileRecord removes a metadata row and cascades its tag
// associations. Returns ErrNotFound when no row exists for path.
func (s *Store) DeleteFileRecord(path string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning delete transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM file_tags WHERE path = ?", path); err != nil {
		return fmt.Errorf("deleting tag associations: %w", err)
	}

	res, err := tx.Exec("DELETE FROM file_metadata WHERE path = ?", path)
	if err != nil {
		return fmt.Errorf("deleting metadata: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}

	return tx.Commit()
}

// --- Tags ---

// NormalizeTag lowercases and trims a tag name; tag identity is
// case-insensitive.
func NormalizeTag(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// GetOrCreateTag returns the id of the named tag, creating it if absent.
// Creation is idempotent on the normalized name.
func (s *Store) GetOrCreateTag(name string) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("beginning tag transaction: %w", err)
	}
	defer tx.Rollback()

	id, err := getOrCreateTagTx(tx, name)
	if err != nil {
		return 0, err
	}
	return id, tx.Commit()
}

func getOrCreateTagTx(tx *sql.Tx, name string) (int64, error) {
	norm := NormalizeTag(name)
	if norm == "" {
		return 0, fmt.Errorf("empty tag name")
	}

	if _, err := tx.Exec(`INSERT OR IGNORE INTO tags (name, created_at) VALUES (?, ?)`,
		norm, formatTime(time.Now())); err != nil {
		return 0, fmt.Errorf("inserting tag %q: %w", norm, err)
	}

	var id int64
	if err := tx.QueryRow("SELECT id FROM tags WHERE name = ?", norm).Scan(&id); err != nil {
		return 0, fmt.Errorf("looking up tag %q: %w", norm, err)
	}
	return id, nil
}

// ApplyTags associates the given tag names with path, creating missing tags
// and skipping associations that already exist. The whole call commits or
// rolls back as one unit. Returns the normalized, deduplicated tag names
// the path now carries from this call.
func (s *Store) ApplyTags(path string, tagNames []string) ([]string, error) {
	if s.strict {
		if _, err := s.GetFileRecord(path); err != nil {
			if err == ErrNotFound {
				return nil, fmt.Errorf("%s: %w", path, ErrUnknownFile)
			}
			return nil, err
		}
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning apply transaction: %w", err)
	}
	defer tx.Rollback()

	now := formatTime(time.Now())
	seen := make(map[string]bool, len(tagNames))
	var applied []string

	for _, name := range tagNames {
		norm := NormalizeTag(name)
		if norm == "" || seen[norm] {
			continue
		}
		seen[norm] = true

		id, err := getOrCreateTagTx(tx, norm)
		if err != nil {
			return nil, err
		}

		if _, err := tx.Exec(`INSERT OR IGNORE INTO file_tags (path, tag_id, applied_at) VALUES (?, ?, ?)`,
			path, id, now); err != nil {
			return nil, fmt.Errorf("associating tag %q: %w", norm, err)
		}
		applied = append(applied, norm)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing tag application: %w", err)
	}
	return applied, nil
}

// GetTags returns the tag names applied to path, alphabetically.
func (s *Store) GetTags(path string) ([]string, error) {
	rows, err := s.db.Query(`
		SELECT t.name FROM tags t
		JOIN file_tags ft ON t.id = ft.tag_id
		WHERE ft.path = ?
		ORDER BY t.name ASC`, path)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanStrings(rows)
}

// ListTags returns all tag names, alphabetically.
func (s *Store) ListTags() ([]string, error) {
	rows, err := s.db.Query("SELECT name FROM tags ORDER BY name ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanStrings(rows)
}

// FilesWithAnyTag returns the paths carrying at least one of the given tags,
// ordered by path. Unknown tag names simply match nothing.
func (s *Store) FilesWithAnyTag(tagNames []string) ([]string, error) {
	if len(tagNames) == 0 {
		return nil, nil
	}

	norms := make([]any, 0, len(tagNames))
	for _, name := range tagNames {
		if norm := NormalizeTag(name); norm != "" {
			norms = append(norms, norm)
		}
	}
	if len(norms) == 0 {
		return nil, nil
	}

	query := `
		SELECT DISTINCT ft.path FROM file_tags ft
		JOIN tags t ON ft.tag_id = t.id
		WHERE t.name IN (?` + strings.Repeat(",?", len(norms)-1) + `)
		ORDER BY ft.path ASC`

	rows, err := s.db.Query(query, norms...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanStrings(rows)
}

func scanStrings(rows *sql.Rows) ([]string, error) {
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// --- Collections ---

// CreateCollection creates a named collection. Returns ErrDuplicateName if
// the name is already taken.
func (s *Store) CreateCollection(name, description string) (Collection, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Collection{}, fmt.Errorf("empty collection name")
	}

	var exists int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM collections WHERE name = ?", name).Scan(&exists); err != nil {
		return Collection{}, err
	}
	if exists > 0 {
		return Collection{}, fmt.Errorf("collection %q: %w", name, ErrDuplicateName)
	}

	now := time.Now().UTC().Truncate(time.Second)
	res, err := s.db.Exec(`
		INSERT INTO collections (name, description, created_at, updated_at)
		VALUES (?, ?, ?, ?)`,
		name, description, formatTime(now), formatTime(now))
	if err != nil {
		return Collection{}, fmt.Errorf("inserting collection: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Collection{}, err
	}

	return Collection{ID: id, Name: name, Description: description, CreatedAt: now, UpdatedAt: now}, nil
}

// GetCollection returns the collection with the given name, or
// ErrUnknownCollection.
func (s *Store) GetCollection(name string) (Collection, error) {
	var c Collection
	var createdAt, updatedAt string
	err := s.db.QueryRow(`
		SELECT id, name, description, created_at, updated_at
		FROM collections WHERE name = ?`, name,
	).Scan(&c.ID, &c.Name, &c.Description, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return Collection{}, fmt.Errorf("collection %q: %w", name, ErrUnknownCollection)
	}
	if err != nil {
		return Collection{}, err
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return Collection{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Collection{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return c, nil
}

// AddToCollection adds paths to the named collection, silently skipping
// pairs that are already members. Returns the number of newly added paths.
// The whole call commits or rolls back together.
func (s *Store) AddToCollection(name string, paths []string) (int, error) {
	coll, err := s.GetCollection(name)
	if err != nil {
		return 0, err
	}

	if s.strict {
		for _, p := range paths {
			if _, err := s.GetFileRecord(p); err != nil {
				if err == ErrNotFound {
					return 0, fmt.Errorf("%s: %w", p, ErrUnknownFile)
				}
				return 0, err
			}
		}
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("beginning collection transaction: %w", err)
	}
	defer tx.Rollback()

	now := formatTime(time.Now())
	added := 0
	for _, p := range paths {
		res, err := tx.Exec(`INSERT OR IGNORE INTO collection_files (collection_id, path, added_at) VALUES (?, ?, ?)`,
			coll.ID, p, now)
		if err != nil {
			return 0, fmt.Errorf("adding %s: %w", p, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		added += int(n)
	}

	if _, err := tx.Exec("UPDATE collections SET updated_at = ? WHERE id = ?", now, coll.ID); err != nil {
		return 0, fmt.Errorf("touching collection: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing collection update: %w", err)
	}
	return added, nil
}

// ListCollectionFiles returns the member paths of the named collection in
// insertion order, or ErrUnknownCollection.
func (s *Store) ListCollectionFiles(name string) ([]string, error) {
	coll, err := s.GetCollection(name)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.Query(`
		SELECT path FROM collection_files
		WHERE collection_id = ?
		ORDER BY id ASC`, coll.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanStrings(rows)
}

// ListCollections returns all collections ordered by name.
func (s *Store) ListCollections() ([]Collection, error) {
	rows, err := s.db.Query(`
		SELECT id, name, description, created_at, updated_at
		FROM collections ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Collection
	for rows.Next() {
		var c Collection
		var createdAt, updatedAt string
		if err := rows.Scan(&c.ID, &c.Name, &c.Description, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		if c.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, fmt.Errorf("parsing updated_at: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Stats returns row counts for status reporting.
func (s *Store) Stats() (Stats, error) {
	var st Stats
	if err := s.db.QueryRow("SELECT COUNT(*) FROM file_metadata").Scan(&st.Files); err != nil {
		return Stats{}, err
	}
	if err := s.db.QueryRow("SELECT COUNT(*) FROM tags").Scan(&st.Tags); err != nil {
		return Stats{}, err
	}
	if err := s.db.QueryRow("SELECT COUNT(*) FROM collections").Scan(&st.Collections); err != nil {
		return Stats{}, err
	}
	return st, nil
}
