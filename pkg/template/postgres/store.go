// Package postgres provides a PostgreSQL-backed [template.Store] with a
// pgvector column for voiceprint embeddings.
//
// The pgvector extension must be available in the target database; [NewStore]
// installs it automatically via CREATE EXTENSION IF NOT EXISTS. Exemplars are
// stored flat in a companion table so the 2-D feature sequences can be
// rebuilt on load.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn, 256)
//	if err != nil { … }
//	prints, _ := store.List(ctx)
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/ycxom/voicegate/pkg/dsp"
	"github.com/ycxom/voicegate/pkg/template"
)

// Compile-time interface check.
var _ template.Store = (*Store)(nil)

const ddlVoiceprints = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS voiceprints (
    user_id      TEXT         PRIMARY KEY,
    display_name TEXT         NOT NULL,
    embedding    vector(%d)   NOT NULL,
    wake_phrase  TEXT         NOT NULL DEFAULT '',
    created_at   TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS wake_exemplars (
    id         BIGSERIAL    PRIMARY KEY,
    user_id    TEXT         NOT NULL REFERENCES voiceprints (user_id) ON DELETE CASCADE,
    features   FLOAT8[]     NOT NULL,
    frames     INT          NOT NULL,
    bands      INT          NOT NULL,
    duration   FLOAT8       NOT NULL DEFAULT 0,
    condition  TEXT         NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_wake_exemplars_user_id
    ON wake_exemplars (user_id);
`

// Store is a PostgreSQL-backed voiceprint store. All operations are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore establishes a connection pool to dsn, registers pgvector types on
// every connection, and ensures the schema exists. embeddingDimensions must
// match the speaker-embedding model's output dimension; changing it after the
// first migration requires a manual schema change.
func NewStore(ctx context.Context, dsn string, embeddingDimensions int) (*Store, error) {
	if embeddingDimensions <= 0 {
		return nil, fmt.Errorf("postgres template store: embedding dimensions must be positive")
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres template store: parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres template store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres template store: ping: %w", err)
	}

	if _, err := pool.Exec(ctx, fmt.Sprintf(ddlVoiceprints, embeddingDimensions)); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres template store: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Save implements [template.Store]. The voiceprint row and all its exemplars
// are replaced in one transaction.
func (s *Store) Save(ctx context.Context, vp template.Voiceprint) error {
	if vp.UserID == "" {
		return fmt.Errorf("postgres template store: user id must not be empty")
	}
	createdAt := vp.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres template store: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	const upsert = `
		INSERT INTO voiceprints (user_id, display_name, embedding, wake_phrase, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id) DO UPDATE SET
		    display_name = EXCLUDED.display_name,
		    embedding    = EXCLUDED.embedding,
		    wake_phrase  = EXCLUDED.wake_phrase,
		    created_at   = EXCLUDED.created_at`

	if _, err := tx.Exec(ctx, upsert,
		vp.UserID, vp.DisplayName, pgvector.NewVector(vp.Embedding), vp.WakePhrase, createdAt,
	); err != nil {
		return fmt.Errorf("postgres template store: upsert voiceprint: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM wake_exemplars WHERE user_id = $1`, vp.UserID); err != nil {
		return fmt.Errorf("postgres template store: clear exemplars: %w", err)
	}
	const insertExemplar = `
		INSERT INTO wake_exemplars (user_id, features, frames, bands, duration, condition)
		VALUES ($1, $2, $3, $4, $5, $6)`
	for _, ex := range vp.Exemplars {
		flat := make([]float64, 0, len(ex.Frames)*ex.NumBands)
		for _, fr := range ex.Frames {
			flat = append(flat, fr...)
		}
		if _, err := tx.Exec(ctx, insertExemplar,
			vp.UserID, flat, ex.FrameCount(), ex.NumBands, ex.Duration, ex.Condition,
		); err != nil {
			return fmt.Errorf("postgres template store: insert exemplar: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres template store: commit: %w", err)
	}
	return nil
}

// Delete implements [template.Store]. Exemplars cascade.
func (s *Store) Delete(ctx context.Context, userID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM voiceprints WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("postgres template store: delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return template.ErrNotFound
	}
	return nil
}

// List implements [template.Store]. Voiceprints come back in enrollment
// order.
func (s *Store) List(ctx context.Context) ([]template.Voiceprint, error) {
	const q = `
		SELECT user_id, display_name, embedding, wake_phrase, created_at
		FROM   voiceprints
		ORDER  BY created_at`

	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("postgres template store: list: %w", err)
	}
	prints, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (template.Voiceprint, error) {
		var (
			vp  template.Voiceprint
			vec pgvector.Vector
		)
		if err := row.Scan(&vp.UserID, &vp.DisplayName, &vec, &vp.WakePhrase, &vp.CreatedAt); err != nil {
			return template.Voiceprint{}, err
		}
		vp.Embedding = vec.Slice()
		return vp, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres template store: scan: %w", err)
	}

	for i := range prints {
		exemplars, err := s.loadExemplars(ctx, prints[i].UserID)
		if err != nil {
			return nil, err
		}
		prints[i].Exemplars = exemplars
	}
	return prints, nil
}

// BestMatch returns the enrolled voiceprint whose embedding is closest (by
// cosine distance) to query, along with the cosine similarity. Useful when
// the enrolled set is too large to scan in process; returns
// [template.ErrNotFound] when nothing is enrolled.
func (s *Store) BestMatch(ctx context.Context, query []float32) (template.Voiceprint, float64, error) {
	const q = `
		SELECT user_id, display_name, embedding, wake_phrase, created_at,
		       embedding <=> $1 AS distance
		FROM   voiceprints
		ORDER  BY distance
		LIMIT  1`

	var (
		vp       template.Voiceprint
		vec      pgvector.Vector
		distance float64
	)
	err := s.pool.QueryRow(ctx, q, pgvector.NewVector(query)).Scan(
		&vp.UserID, &vp.DisplayName, &vec, &vp.WakePhrase, &vp.CreatedAt, &distance,
	)
	if err == pgx.ErrNoRows {
		return template.Voiceprint{}, 0, template.ErrNotFound
	}
	if err != nil {
		return template.Voiceprint{}, 0, fmt.Errorf("postgres template store: best match: %w", err)
	}
	vp.Embedding = vec.Slice()
	// Cosine distance is 1 − similarity.
	return vp, 1 - distance, nil
}

// loadExemplars fetches and rebuilds the exemplar sequences for one user.
// Exemplars whose flat array does not match frames×bands are skipped.
func (s *Store) loadExemplars(ctx context.Context, userID string) ([]dsp.MelSequence, error) {
	const q = `
		SELECT features, frames, bands, duration, condition
		FROM   wake_exemplars
		WHERE  user_id = $1
		ORDER  BY id`

	rows, err := s.pool.Query(ctx, q, userID)
	if err != nil {
		return nil, fmt.Errorf("postgres template store: load exemplars: %w", err)
	}
	defer rows.Close()

	var out []dsp.MelSequence
	for rows.Next() {
		var (
			flat          []float64
			frames, bands int
			duration      float64
			condition     string
		)
		if err := rows.Scan(&flat, &frames, &bands, &duration, &condition); err != nil {
			return nil, fmt.Errorf("postgres template store: scan exemplar: %w", err)
		}
		if bands <= 0 || frames*bands != len(flat) {
			continue
		}
		seq := dsp.MelSequence{
			NumBands:  bands,
			Duration:  duration,
			Condition: condition,
			Frames:    make([][]float64, frames),
		}
		for f := 0; f < frames; f++ {
			seq.Frames[f] = append([]float64(nil), flat[f*bands:(f+1)*bands]...)
		}
		out = append(out, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres template store: iterate exemplars: %w", err)
	}
	return out, nil
}
