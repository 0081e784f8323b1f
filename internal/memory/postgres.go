package memory

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps memories in the Supabase Postgres database and
// searches them with pgvector's cosine distance operator.
type PostgresStore struct {
	pool *pgxpool.Pool
	dim  int
}

// NewPostgresStore reuses pool and makes sure the schema exists.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool, dim int) (*PostgresStore, error) {
	if pool == nil {
		return nil, errors.New("postgres pool is required")
	}
	if err := initSchema(ctx, pool, dim); err != nil {
		return nil, err
	}
	return &PostgresStore{pool: pool, dim: dim}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool, dim int) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector;`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS user_memories (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			category TEXT NOT NULL,
			content TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			importance DOUBLE PRECISION NOT NULL DEFAULT 0.5,
			metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
			embedding vector(%d) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`, dim),
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_user_memories_owner_hash ON user_memories (user_id, content_hash);`,
		`CREATE INDEX IF NOT EXISTS idx_user_memories_owner_created ON user_memories (user_id, created_at DESC);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

func (s *PostgresStore) Backend() string { return "postgres" }

func (s *PostgresStore) Insert(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.Metadata == nil {
		rec.Metadata = map[string]any{}
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO user_memories (id, user_id, category, content, content_hash, importance, metadata, embedding, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::vector, $9)`,
		rec.ID,
		rec.OwnerID,
		rec.Category,
		rec.Content,
		rec.ContentHash,
		rec.Importance,
		rec.Metadata,
		vectorLiteral(rec.Embedding),
		rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert memory: %w", err)
	}
	return nil
}

const recordColumns = `id, user_id, category, content, content_hash, importance, metadata, created_at`

func (s *PostgresStore) FindByHash(ctx context.Context, ownerID, hash string) (Record, bool, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM user_memories WHERE user_id=$1 AND content_hash=$2`,
		ownerID, hash)
	var r Record
	err := row.Scan(&r.ID, &r.OwnerID, &r.Category, &r.Content, &r.ContentHash, &r.Importance, &r.Metadata, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("find memory by hash: %w", err)
	}
	return r, true, nil
}

func (s *PostgresStore) Search(ctx context.Context, q SearchQuery) ([]Match, error) {
	limit := q.TopK
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+recordColumns+`, 1 - (embedding <=> $1::vector) AS score
		 FROM user_memories
		 WHERE user_id = $2 AND ($3 = '' OR category = $3)
		   AND 1 - (embedding <=> $1::vector) >= $4
		 ORDER BY score DESC, created_at DESC
		 LIMIT $5`,
		vectorLiteral(q.Vector), q.OwnerID, q.Category, q.MinScore, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("search memories: %w", err)
	}
	defer rows.Close()

	out := make([]Match, 0, limit)
	for rows.Next() {
		var m Match
		if err := rows.Scan(&m.ID, &m.OwnerID, &m.Category, &m.Content, &m.ContentHash, &m.Importance, &m.Metadata, &m.CreatedAt, &m.Score); err != nil {
			return nil, fmt.Errorf("scan memory row: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memory rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) List(ctx context.Context, ownerID, category string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+recordColumns+` FROM user_memories
		 WHERE user_id=$1 AND ($2 = '' OR category = $2)
		 ORDER BY created_at DESC LIMIT $3`,
		ownerID, category, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, limit)
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.OwnerID, &r.Category, &r.Content, &r.ContentHash, &r.Importance, &r.Metadata, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan memory row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memory rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Delete(ctx context.Context, ownerID, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM user_memories WHERE user_id=$1 AND id=$2`, ownerID, id)
	if err != nil {
		return false, fmt.Errorf("delete memory: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close is a no-op: the pool belongs to the Supabase client.
func (s *PostgresStore) Close() error { return nil }

// vectorLiteral renders v in pgvector's text format.
func vectorLiteral(v []float32) string {
	var b strings.Builder
	b.Grow(len(v) * 10)
	b.WriteByte('[')
	for i, x := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(x), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
