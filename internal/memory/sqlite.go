package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

func init() {
	// Registers vec0 and the vec_* functions with every new sqlite3 connection.
	sqlite_vec.Auto()
}

// SQLiteStore is a single-file store backed by the sqlite-vec extension.
type SQLiteStore struct {
	db  *sql.DB
	dim int
}

func NewSQLiteStore(ctx context.Context, path string, dim int) (*SQLiteStore, error) {
	if dim <= 0 {
		return nil, errors.New("embedding dimension must be positive")
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create memory dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, dim: dim}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			category TEXT NOT NULL,
			content TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			importance REAL NOT NULL DEFAULT 0.5,
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at INTEGER NOT NULL
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_memories_owner_hash ON memories (owner_id, content_hash);`,
		`CREATE INDEX IF NOT EXISTS idx_memories_owner_created ON memories (owner_id, created_at);`,
		fmt.Sprintf(`CREATE VIRTUAL TABLE IF NOT EXISTS memory_vectors USING vec0(
			memory_id TEXT PRIMARY KEY,
			embedding float[%d] distance_metric=cosine
		);`, s.dim),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init sqlite schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Backend() string { return "sqlite" }

func (s *SQLiteStore) Insert(ctx context.Context, rec Record) error {
	if len(rec.Embedding) != s.dim {
		return fmt.Errorf("embedding has %d dimensions, want %d", len(rec.Embedding), s.dim)
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	meta, err := json.Marshal(orEmpty(rec.Metadata))
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	vec, err := json.Marshal(rec.Embedding)
	if err != nil {
		return fmt.Errorf("marshal embedding: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO memories (id, owner_id, category, content, content_hash, importance, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.OwnerID, rec.Category, rec.Content, rec.ContentHash, rec.Importance, string(meta), rec.CreatedAt.UnixNano(),
	); err != nil {
		return fmt.Errorf("insert memory: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO memory_vectors (memory_id, embedding) VALUES (?, ?)`,
		rec.ID, string(vec),
	); err != nil {
		return fmt.Errorf("insert memory vector: %w", err)
	}
	return tx.Commit()
}

const sqliteColumns = `m.id, m.owner_id, m.category, m.content, m.content_hash, m.importance, m.metadata, m.created_at`

func (s *SQLiteStore) FindByHash(ctx context.Context, ownerID, hash string) (Record, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteColumns+` FROM memories m WHERE m.owner_id = ? AND m.content_hash = ?`,
		ownerID, hash)
	r, err := scanSQLiteRecord(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	return r, true, nil
}

func (s *SQLiteStore) Search(ctx context.Context, q SearchQuery) ([]Match, error) {
	limit := q.TopK
	if limit <= 0 {
		limit = 5
	}
	vec, err := json.Marshal(q.Vector)
	if err != nil {
		return nil, fmt.Errorf("marshal query vector: %w", err)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteColumns+`, vec_distance_cosine(v.embedding, ?) AS distance
		 FROM memories m JOIN memory_vectors v ON v.memory_id = m.id
		 WHERE m.owner_id = ? AND (? = '' OR m.category = ?)
		 ORDER BY distance ASC, m.created_at DESC`,
		string(vec), q.OwnerID, q.Category, q.Category,
	)
	if err != nil {
		return nil, fmt.Errorf("search memories: %w", err)
	}
	defer rows.Close()

	out := make([]Match, 0, limit)
	for rows.Next() {
		var distance float64
		r, err := scanSQLiteRecord(func(dest ...any) error {
			return rows.Scan(append(dest, &distance)...)
		})
		if err != nil {
			return nil, err
		}
		score := 1 - distance
		if score < q.MinScore {
			// Rows arrive nearest first, so nothing after this qualifies.
			break
		}
		out = append(out, Match{Record: r, Score: score})
		if len(out) == limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memory rows: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) List(ctx context.Context, ownerID, category string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteColumns+` FROM memories m
		 WHERE m.owner_id = ? AND (? = '' OR m.category = ?)
		 ORDER BY m.created_at DESC LIMIT ?`,
		ownerID, category, category, limit)
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, limit)
	for rows.Next() {
		r, err := scanSQLiteRecord(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memory rows: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, ownerID, id string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM memories WHERE owner_id = ? AND id = ?`, ownerID, id)
	if err != nil {
		return false, fmt.Errorf("delete memory: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return false, nil
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM memory_vectors WHERE memory_id = ?`, id); err != nil {
		return false, fmt.Errorf("delete memory vector: %w", err)
	}
	return true, tx.Commit()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func scanSQLiteRecord(scan func(dest ...any) error) (Record, error) {
	var (
		r       Record
		meta    string
		created int64
	)
	if err := scan(&r.ID, &r.OwnerID, &r.Category, &r.Content, &r.ContentHash, &r.Importance, &meta, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, err
		}
		return Record{}, fmt.Errorf("scan memory row: %w", err)
	}
	if meta != "" && meta != "{}" {
		if err := json.Unmarshal([]byte(meta), &r.Metadata); err != nil {
			return Record{}, fmt.Errorf("decode metadata: %w", err)
		}
	}
	r.CreatedAt = time.Unix(0, created).UTC()
	return r, nil
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
