package corpus

import (
	"context"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // registers the "postgres" driver
	"github.com/pgvector/pgvector-go"
	"github.com/pkg/errors"

	aidetect "github.com/anatolykoptev/go-aidetect"
)

var postgresSchema = []string{
	`CREATE EXTENSION IF NOT EXISTS vector`,
	`CREATE TABLE IF NOT EXISTS ai_corpus (
		id        TEXT PRIMARY KEY,
		label     TEXT NOT NULL DEFAULT '',
		embedding vector NOT NULL
	)`,
}

// postgresRow maps an ai_corpus row.
type postgresRow struct {
	ID        string          `db:"id"`
	Label     string          `db:"label"`
	Embedding pgvector.Vector `db:"embedding"`
}

// PostgresStore keeps the corpus in a pgvector column.
type PostgresStore struct {
	db *sqlx.DB
}

// OpenPostgres connects with lib/pq and ensures the schema.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "connect postgres corpus")
	}
	s, err := NewPostgres(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgres wraps an open connection and ensures the schema.
func NewPostgres(ctx context.Context, db *sqlx.DB) (*PostgresStore, error) {
	for _, stmt := range postgresSchema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, errors.Wrap(err, "migrate postgres corpus")
		}
	}
	return &PostgresStore{db: db}, nil
}

// Load implements aidetect.CorpusLoader.
func (s *PostgresStore) Load(ctx context.Context) ([]aidetect.CorpusEntry, error) {
	var rows []postgresRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT id, label, embedding FROM ai_corpus ORDER BY id`); err != nil {
		return nil, errors.Wrap(err, "load postgres corpus")
	}
	entries := make([]aidetect.CorpusEntry, 0, len(rows))
	for _, r := range rows {
		entries = append(entries, aidetect.CorpusEntry{
			ID:     r.ID,
			Vector: aidetect.Vector(r.Embedding.Slice()),
			Label:  r.Label,
		})
	}
	return entries, nil
}

// Add implements Store.
func (s *PostgresStore) Add(ctx context.Context, entries ...aidetect.CorpusEntry) error {
	if err := checkEntries(entries); err != nil {
		return err
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin corpus insert")
	}
	defer func() { _ = tx.Rollback() }()

	for _, e := range entries {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO ai_corpus (id, label, embedding) VALUES ($1, $2, $3)
			 ON CONFLICT (id) DO UPDATE SET label = EXCLUDED.label, embedding = EXCLUDED.embedding`,
			e.ID, e.Label, pgvector.NewVector(e.Vector))
		if err != nil {
			return errors.Wrapf(err, "insert corpus entry %q", e.ID)
		}
	}
	return errors.Wrap(tx.Commit(), "commit corpus insert")
}

// Close closes the connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
