// Package policy stores company policy documents as overlapping text chunks
// in SQLite and ranks them against customer questions.
package policy

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/voice-agent-lab/internal/dedup"
	"github.com/voice-agent-lab/internal/logging"
)

const (
	ChunkSize    = 500
	ChunkOverlap = 50
)

const schema = `
	CREATE TABLE IF NOT EXISTS chunks (
		id TEXT PRIMARY KEY,
		source TEXT NOT NULL,
		chunk_index INTEGER NOT NULL,
		text TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS chunks_source ON chunks(source);
`

// Hit is one ranked chunk.
type Hit struct {
	ID     string  `json:"id"`
	Source string  `json:"source"`
	Text   string  `json:"text"`
	Score  float64 `json:"score"`
}

// Store is a SQLite-backed policy knowledge base.
type Store struct {
	db *sql.DB
}

// Open opens or creates the store at path. ":memory:" gives a private
// in-memory database.
func Open(path string) (*Store, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// Every pooled connection to :memory: would see its own empty database.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Chunk splits text into ChunkSize-character pieces that overlap by
// ChunkOverlap characters. Blank pieces are dropped.
func Chunk(text string) []string {
	runes := []rune(text)
	var out []string
	for start := 0; start < len(runes); start += ChunkSize - ChunkOverlap {
		end := min(start+ChunkSize, len(runes))
		if c := strings.TrimSpace(string(runes[start:end])); c != "" {
			out = append(out, c)
		}
		if end == len(runes) {
			break
		}
	}
	return out
}

// Ingest replaces the chunks of source with the chunks of text and returns
// how many were stored.
func (s *Store) Ingest(ctx context.Context, source, text string) (int, error) {
	chunks := Chunk(text)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE source = ?`, source); err != nil {
		return 0, fmt.Errorf("clear source: %w", err)
	}
	for i, c := range chunks {
		id := fmt.Sprintf("%s_chunk_%d", source, i)
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO chunks (id, source, chunk_index, text) VALUES (?, ?, ?, ?)`,
			id, source, i, c); err != nil {
			return 0, fmt.Errorf("insert chunk: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	logging.Infow("policy: ingested", "source", source, "chunks", len(chunks))
	return len(chunks), nil
}

// IngestDir ingests every *.md and *.txt file in dir, using the file name
// without extension as the source.
func (s *Store) IngestDir(ctx context.Context, dir string) (int, error) {
	var files []string
	for _, pattern := range []string{"*.md", "*.txt"} {
		m, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return 0, err
		}
		files = append(files, m...)
	}
	if len(files) == 0 {
		logging.Warnw("policy: no documents found", "dir", dir)
		return 0, nil
	}
	total := 0
	for _, f := range files {
		b, err := os.ReadFile(f)
		if err != nil {
			return total, fmt.Errorf("read %s: %w", f, err)
		}
		source := strings.TrimSuffix(filepath.Base(f), filepath.Ext(f))
		n, err := s.Ingest(ctx, source, string(b))
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// Count returns the number of stored chunks.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count chunks: %w", err)
	}
	return n, nil
}

var stopWords = map[string]bool{
	"a": true, "an": true, "the": true, "is": true, "are": true, "was": true,
	"what": true, "how": true, "do": true, "does": true, "can": true, "i": true,
	"you": true, "your": true, "my": true, "me": true, "of": true, "to": true,
	"for": true, "in": true, "on": true, "and": true, "or": true, "it": true,
	"about": true, "with": true, "if": true, "be": true, "we": true, "our": true,
}

// Terms returns the normalized, stop-word-free terms of a query.
func Terms(query string) []string {
	var out []string
	for w := range dedup.WordSet(query) {
		if !stopWords[w] {
			out = append(out, w)
		}
	}
	sort.Strings(out)
	return out
}

// Search ranks chunks by the fraction of query terms they contain and
// returns up to k hits with a positive score, best first.
func (s *Store) Search(ctx context.Context, query string, k int) ([]Hit, error) {
	terms := Terms(query)
	if len(terms) == 0 || k <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, source, text FROM chunks ORDER BY source, chunk_index`)
	if err != nil {
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var h Hit
		if err := rows.Scan(&h.ID, &h.Source, &h.Text); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		words := dedup.WordSet(h.Text)
		matched := 0
		for _, t := range terms {
			if _, ok := words[t]; ok {
				matched++
			}
		}
		if matched == 0 {
			continue
		}
		h.Score = float64(matched) / float64(len(terms))
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}
