package store

import (
	"context"
	"testing"

	"flowtrader/internal/config"
)

func newMemoryStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewSQLite(config.DatabaseConfig{InMemory: true, MaxOpenConns: 1})
	if err != nil {
		t.Fatalf("NewSQLite returned error: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

type sampleDoc struct {
	Name    string                 `json:"name"`
	Price   float64                `json:"price"`
	Enabled bool                   `json:"enabled"`
	Tags    []string               `json:"tags"`
	Nested  map[string]interface{} `json:"nested"`
}

func TestDocuments_RoundTrip(t *testing.T) {
	docs, err := NewDocuments(newMemoryStore(t))
	if err != nil {
		t.Fatalf("NewDocuments returned error: %v", err)
	}
	ctx := context.Background()

	in := sampleDoc{
		Name:    "eurusd",
		Price:   1.08375,
		Enabled: true,
		Tags:    []string{"a", "b"},
		Nested:  map[string]interface{}{"depth": 2.0, "label": "x"},
	}
	if err := docs.Save(ctx, "sample", in); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}

	var out sampleDoc
	found, err := docs.Load(ctx, "sample", &out)
	if err != nil || !found {
		t.Fatalf("Load returned found=%v err=%v", found, err)
	}
	if out.Name != in.Name || out.Price != in.Price || !out.Enabled || len(out.Tags) != 2 {
		t.Errorf("round trip mismatch: %+v", out)
	}
	if out.Nested["depth"] != 2.0 || out.Nested["label"] != "x" {
		t.Errorf("nested mismatch: %+v", out.Nested)
	}
}

func TestDocuments_OverwriteAndMissing(t *testing.T) {
	docs, err := NewDocuments(newMemoryStore(t))
	if err != nil {
		t.Fatalf("NewDocuments returned error: %v", err)
	}
	ctx := context.Background()

	var out sampleDoc
	found, err := docs.Load(ctx, "absent", &out)
	if err != nil || found {
		t.Fatalf("expected absent document, found=%v err=%v", found, err)
	}

	_ = docs.Save(ctx, "k", sampleDoc{Name: "first"})
	_ = docs.Save(ctx, "k", sampleDoc{Name: "second"})
	if _, err := docs.Load(ctx, "k", &out); err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if out.Name != "second" {
		t.Errorf("expected overwrite, got %q", out.Name)
	}
}
