package policy

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const returnsDoc = `# Returns
Items may be returned within 30 days of delivery for a full refund.
Refunds are issued to the original payment method.`

const shippingDoc = `# Shipping
Standard shipping takes 3 to 5 business days. Express shipping arrives next day.`

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestChunkOverlap(t *testing.T) {
	text := strings.Repeat("abcdefghij", 100) // 1000 characters
	chunks := Chunk(text)
	if len(chunks) != 3 {
		t.Fatalf("chunks = %d, want 3", len(chunks))
	}
	if len([]rune(chunks[0])) != ChunkSize {
		t.Fatalf("first chunk len = %d", len([]rune(chunks[0])))
	}
	// The second chunk starts 50 characters before the first one ends.
	if chunks[0][ChunkSize-ChunkOverlap:] != chunks[1][:ChunkOverlap] {
		t.Fatal("chunks do not overlap")
	}
	if Chunk("   ") != nil {
		t.Fatal("blank text produced chunks")
	}
}

func TestIngestAndSearch(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	if _, err := s.Ingest(ctx, "returns", returnsDoc); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Ingest(ctx, "shipping", shippingDoc); err != nil {
		t.Fatal(err)
	}

	hits, err := s.Search(ctx, "What is your return policy for a refund?", 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].Source != "returns" {
		t.Fatalf("hits = %+v", hits)
	}
	if hits[0].ID != "returns_chunk_0" || hits[0].Score <= 0 || hits[0].Score > 1 {
		t.Fatalf("hit = %+v", hits[0])
	}

	hits, err = s.Search(ctx, "how long does express shipping take", 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) == 0 || hits[0].Source != "shipping" {
		t.Fatalf("hits = %+v", hits)
	}

	if hits, _ := s.Search(ctx, "what is the", 3); hits != nil {
		t.Fatalf("stop-word query returned %+v", hits)
	}
}

func TestIngestReplacesSource(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	s.Ingest(ctx, "returns", strings.Repeat("refund policy text ", 100))
	s.Ingest(ctx, "returns", returnsDoc)
	n, err := s.Count(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("count = %d, want 1", n)
	}
}

func TestIngestDir(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "returns.md"), []byte(returnsDoc), 0o644)
	os.WriteFile(filepath.Join(dir, "shipping.txt"), []byte(shippingDoc), 0o644)
	os.WriteFile(filepath.Join(dir, "notes.json"), []byte(`{}`), 0o644)

	s := openTestStore(t)
	n, err := s.IngestDir(context.Background(), dir)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("ingested %d chunks, want 2", n)
	}
	hits, _ := s.Search(context.Background(), "payment method", 5)
	if len(hits) != 1 || hits[0].Source != "returns" {
		t.Fatalf("hits = %+v", hits)
	}
}
