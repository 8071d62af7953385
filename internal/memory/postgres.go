package memory

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists summaries in PostgreSQL with pgvector embeddings.
type PostgresStore struct {
	pool *pgxpool.Pool
	dim  int
}

func NewPostgresStore(ctx context.Context, databaseURL string, embeddingDim int) (*PostgresStore, error) {
	if embeddingDim <= 0 {
		embeddingDim = 1536
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool, embeddingDim); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool, dim: embeddingDim}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool, dim int) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector;`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS memory_summaries (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			room_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			text TEXT NOT NULL,
			embedding vector(%d),
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`, dim),
		`CREATE INDEX IF NOT EXISTS idx_memory_summaries_user_created ON memory_summaries (user_id, created_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) SaveSummary(ctx context.Context, rec Summary) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Kind == "" {
		rec.Kind = KindSummary
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	var embedding *string
	if len(rec.Embedding) > 0 {
		lit := vectorLiteral(rec.Embedding)
		embedding = &lit
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO memory_summaries (id, user_id, room_id, kind, text, embedding, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::vector, $7)
		 ON CONFLICT (id) DO UPDATE SET
			text = EXCLUDED.text,
			embedding = EXCLUDED.embedding,
			created_at = EXCLUDED.created_at`,
		rec.ID,
		rec.UserID,
		rec.RoomID,
		rec.Kind,
		rec.Text,
		embedding,
		rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save summary: %w", err)
	}
	return nil
}

func (s *PostgresStore) SearchSimilar(ctx context.Context, userID, roomID string, embedding []float32, limit int) ([]Summary, error) {
	if limit <= 0 {
		limit = 5
	}
	if len(embedding) == 0 {
		return s.Recent(ctx, userID, roomID, limit)
	}

	query := `SELECT id, user_id, room_id, kind, text, created_at
		 FROM memory_summaries
		 WHERE user_id=$1 AND embedding IS NOT NULL
		 ORDER BY embedding <=> $2::vector
		 LIMIT $3`
	args := []any{userID, vectorLiteral(embedding), limit}
	if roomID != "" {
		query = `SELECT id, user_id, room_id, kind, text, created_at
		 FROM memory_summaries
		 WHERE user_id=$1 AND room_id=$2 AND embedding IS NOT NULL
		 ORDER BY embedding <=> $3::vector
		 LIMIT $4`
		args = []any{userID, roomID, vectorLiteral(embedding), limit}
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query similar summaries: %w", err)
	}
	defer rows.Close()
	return scanSummaries(rows)
}

func (s *PostgresStore) Recent(ctx context.Context, userID, roomID string, limit int) ([]Summary, error) {
	if limit <= 0 {
		limit = 5
	}

	query := `SELECT id, user_id, room_id, kind, text, created_at
		 FROM memory_summaries WHERE user_id=$1 ORDER BY created_at DESC LIMIT $2`
	args := []any{userID, limit}
	if roomID != "" {
		query = `SELECT id, user_id, room_id, kind, text, created_at
		 FROM memory_summaries WHERE user_id=$1 AND room_id=$2 ORDER BY created_at DESC LIMIT $3`
		args = []any{userID, roomID, limit}
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query recent summaries: %w", err)
	}
	defer rows.Close()
	return scanSummaries(rows)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

type summaryRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanSummaries(rows summaryRows) ([]Summary, error) {
	var items []Summary
	for rows.Next() {
		var r Summary
		if err := rows.Scan(&r.ID, &r.UserID, &r.RoomID, &r.Kind, &r.Text, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan summary row: %w", err)
		}
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate summary rows: %w", err)
	}
	return items, nil
}

// vectorLiteral renders the pgvector input format, e.g. "[0.1,0.2]".
func vectorLiteral(v []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}
