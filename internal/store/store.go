// Package store keeps named galleries in PostgreSQL with pgvector. A
// gallery round-trips through the store with its ids and position order
// intact.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/andresmejia3/biomatch/internal/gallery"
	"github.com/andresmejia3/biomatch/internal/types"
)

// Store manages the PostgreSQL connection and pgvector operations.
type Store struct {
	conn *pgx.Conn
}

// GalleryInfo summarizes one stored gallery.
type GalleryInfo struct {
	Name      string
	Dimension int
	Count     int
	UpdatedAt time.Time
}

// Match is one row of a server-side nearest neighbour query.
type Match struct {
	ID    uint64
	Score float64 // cosine similarity
}

// New establishes a connection to the database and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %v: %w", err, types.ErrIO)
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to initialize database schema: %v: %w", err, types.ErrIO)
	}

	return &Store{conn: conn}, nil
}

// initSchema creates the necessary tables and vector extension if they don't exist (Auto-Migration).
func initSchema(ctx context.Context, conn *pgx.Conn) error {
	query := `
		CREATE EXTENSION IF NOT EXISTS vector;
		CREATE TABLE IF NOT EXISTS galleries (
			name TEXT PRIMARY KEY,
			dimension INT NOT NULL,
			item_count INT NOT NULL,
			updated_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS gallery_templates (
			gallery TEXT NOT NULL REFERENCES galleries(name) ON DELETE CASCADE,
			template_id BIGINT NOT NULL,
			position INT NOT NULL,
			embedding VECTOR NOT NULL,
			PRIMARY KEY (gallery, template_id)
		);
		CREATE INDEX IF NOT EXISTS gallery_templates_position_idx ON gallery_templates (gallery, position);
	`
	_, err := conn.Exec(ctx, query)
	return err
}

// Close terminates the database connection.
func (s *Store) Close(ctx context.Context) {
	s.conn.Close(ctx)
}

// ids are uint64 but BIGINT is signed; the bit pattern is stored unchanged.
func toDB(id uint64) int64   { return int64(id) }
func fromDB(id int64) uint64 { return uint64(id) }

// SaveGallery replaces the stored gallery called name with g.
func (s *Store) SaveGallery(ctx context.Context, name string, g *gallery.Gallery) error {
	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %v: %w", err, types.ErrIO)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "DELETE FROM galleries WHERE name = $1", name); err != nil {
		return fmt.Errorf("clearing gallery %q: %v: %w", name, err, types.ErrIO)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO galleries (name, dimension, item_count, updated_at)
		VALUES ($1, $2, $3, NOW())
	`, name, g.Dimension(), g.Len()); err != nil {
		return fmt.Errorf("saving gallery %q: %v: %w", name, err, types.ErrIO)
	}

	batch := &pgx.Batch{}
	for pos, id := range g.IDs() {
		batch.Queue(`
			INSERT INTO gallery_templates (gallery, template_id, position, embedding)
			VALUES ($1, $2, $3, $4)
		`, name, toDB(id), pos, pgvector.NewVector(g.Vector(pos)))
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("saving templates of %q: %v: %w", name, err, types.ErrIO)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %v: %w", err, types.ErrIO)
	}
	return nil
}

// LoadGallery rebuilds the gallery called name in its stored position order.
func (s *Store) LoadGallery(ctx context.Context, name string) (*gallery.Gallery, error) {
	var count int
	err := s.conn.QueryRow(ctx, "SELECT item_count FROM galleries WHERE name = $1", name).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("gallery %q: %w", name, types.ErrMissingID)
	}
	if err != nil {
		return nil, fmt.Errorf("loading gallery %q: %v: %w", name, err, types.ErrIO)
	}

	rows, err := s.conn.Query(ctx, `
		SELECT template_id, embedding
		FROM gallery_templates
		WHERE gallery = $1
		ORDER BY position
	`, name)
	if err != nil {
		return nil, fmt.Errorf("loading templates of %q: %v: %w", name, err, types.ErrIO)
	}
	defer rows.Close()

	templates := make([]types.Template, 0, count)
	ids := make([]uint64, 0, count)
	for rows.Next() {
		var id int64
		var vec pgvector.Vector
		if err := rows.Scan(&id, &vec); err != nil {
			return nil, fmt.Errorf("scanning template of %q: %v: %w", name, err, types.ErrFailureToDeserialize)
		}
		templates = append(templates, types.Template{Vector: vec.Slice(), Role: types.SearchGallery})
		ids = append(ids, fromDB(id))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("loading templates of %q: %v: %w", name, err, types.ErrIO)
	}
	if len(ids) != count {
		return nil, fmt.Errorf("gallery %q lists %d templates but has %d: %w", name, count, len(ids), types.ErrFailureToDeserialize)
	}
	return gallery.Create(templates, ids)
}

// ListGalleries returns every stored gallery, by name.
func (s *Store) ListGalleries(ctx context.Context) ([]GalleryInfo, error) {
	rows, err := s.conn.Query(ctx, "SELECT name, dimension, item_count, updated_at FROM galleries ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("listing galleries: %v: %w", err, types.ErrIO)
	}
	defer rows.Close()

	var out []GalleryInfo
	for rows.Next() {
		var gi GalleryInfo
		if err := rows.Scan(&gi.Name, &gi.Dimension, &gi.Count, &gi.UpdatedAt); err != nil {
			return nil, fmt.Errorf("listing galleries: %v: %w", err, types.ErrIO)
		}
		out = append(out, gi)
	}
	return out, rows.Err()
}

// DeleteGallery removes a stored gallery and its templates.
func (s *Store) DeleteGallery(ctx context.Context, name string) error {
	tag, err := s.conn.Exec(ctx, "DELETE FROM galleries WHERE name = $1", name)
	if err != nil {
		return fmt.Errorf("deleting gallery %q: %v: %w", name, err, types.ErrIO)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("gallery %q: %w", name, types.ErrMissingID)
	}
	return nil
}

// Nearest runs an exact cosine search inside the database and returns at
// most k matches, best first.
func (s *Store) Nearest(ctx context.Context, name string, probe []float32, k int) ([]Match, error) {
	if len(probe) == 0 || k < 0 {
		return nil, fmt.Errorf("empty probe or k=%d: %w", k, types.ErrBadArgument)
	}
	// LIMIT NULL returns every row
	var limit any
	if k > 0 {
		limit = k
	}
	// <=> is the cosine distance operator in pgvector
	rows, err := s.conn.Query(ctx, `
		SELECT template_id, 1 - (embedding <=> $2) AS score
		FROM gallery_templates
		WHERE gallery = $1
		ORDER BY embedding <=> $2 ASC, template_id DESC
		LIMIT $3
	`, name, pgvector.NewVector(probe), limit)
	if err != nil {
		return nil, fmt.Errorf("searching %q: %v: %w", name, err, types.ErrIO)
	}
	defer rows.Close()

	var out []Match
	for rows.Next() {
		var id int64
		var m Match
		if err := rows.Scan(&id, &m.Score); err != nil {
			return nil, fmt.Errorf("searching %q: %v: %w", name, err, types.ErrIO)
		}
		m.ID = fromDB(id)
		out = append(out, m)
	}
	return out, rows.Err()
}

// Reset drops all application tables to clear the database state.
// This is useful for development to force a schema refresh without migrations.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.conn.Exec(ctx, `
		DROP TABLE IF EXISTS gallery_templates CASCADE;
		DROP TABLE IF EXISTS galleries CASCADE;
	`)
	if err != nil {
		return fmt.Errorf("reset: %v: %w", err, types.ErrIO)
	}
	return nil
}
