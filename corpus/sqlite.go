package corpus

import (
	"context"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	aidetect "github.com/anatolykoptev/go-aidetect"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS corpus (
	id        TEXT PRIMARY KEY,
	label     TEXT NOT NULL DEFAULT '',
	embedding BLOB NOT NULL
)`

// sqliteRow maps a corpus row; embedding is an EncodeVector blob.
type sqliteRow struct {
	ID        string `db:"id"`
	Label     string `db:"label"`
	Embedding []byte `db:"embedding"`
}

// SQLiteStore keeps the corpus in a SQLite table.
type SQLiteStore struct {
	db *sqlx.DB
}

// OpenSQLite opens (or creates) the database at path and ensures the schema.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sqlx.ConnectContext(ctx, "sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "open sqlite corpus %s", path)
	}
	s, err := NewSQLite(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLite wraps an open connection and ensures the schema.
func NewSQLite(ctx context.Context, db *sqlx.DB) (*SQLiteStore, error) {
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		return nil, errors.Wrap(err, "create corpus table")
	}
	return &SQLiteStore{db: db}, nil
}

// Load implements aidetect.CorpusLoader.
func (s *SQLiteStore) Load(ctx context.Context) ([]aidetect.CorpusEntry, error) {
	var rows []sqliteRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT id, label, embedding FROM corpus ORDER BY id`); err != nil {
		return nil, errors.Wrap(err, "load sqlite corpus")
	}
	entries := make([]aidetect.CorpusEntry, 0, len(rows))
	for _, r := range rows {
		vec, err := DecodeVector(r.Embedding)
		if err != nil {
			return nil, errors.Wrapf(err, "corpus entry %q", r.ID)
		}
		entries = append(entries, aidetect.CorpusEntry{ID: r.ID, Vector: vec, Label: r.Label})
	}
	return entries, nil
}

// Add implements Store.
func (s *SQLiteStore) Add(ctx context.Context, entries ...aidetect.CorpusEntry) error {
	if err := checkEntries(entries); err != nil {
		return err
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin corpus insert")
	}
	defer func() { _ = tx.Rollback() }()

	for _, e := range entries {
		_, err := tx.NamedExecContext(ctx,
			`INSERT INTO corpus (id, label, embedding) VALUES (:id, :label, :embedding)
			 ON CONFLICT(id) DO UPDATE SET label = excluded.label, embedding = excluded.embedding`,
			sqliteRow{ID: e.ID, Label: e.Label, Embedding: EncodeVector(e.Vector)})
		if err != nil {
			return errors.Wrapf(err, "insert corpus entry %q", e.ID)
		}
	}
	return errors.Wrap(tx.Commit(), "commit corpus insert")
}

// Close closes the connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
