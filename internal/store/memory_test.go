package store

import (
	"context"
	"testing"
	"time"
)

func TestMemoryStoreImageRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	img := &Image{ImageID: "img1", UserID: "u1", Provider: "openai", URL: "https://example.com/a.png", CreatedAt: time.Now()}
	if err := s.InsertImage(ctx, img); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := s.GetImage(ctx, "img1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.URL != img.URL {
		t.Fatalf("expected url %q, got %q", img.URL, got.URL)
	}

	// Mutating the returned pointer must not affect stored state.
	got.URL = "mutated"
	again, _ := s.GetImage(ctx, "img1")
	if again.URL != "https://example.com/a.png" {
		t.Fatalf("expected defensive copy, got mutated value %q", again.URL)
	}
}

func TestMemoryStoreListImagesByUser(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	s.InsertImage(ctx, &Image{ImageID: "1", UserID: "u1"})
	s.InsertImage(ctx, &Image{ImageID: "2", UserID: "u1"})
	s.InsertImage(ctx, &Image{ImageID: "3", UserID: "u2"})

	imgs, err := s.ListImagesByUser(ctx, "u1", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(imgs) != 2 {
		t.Fatalf("expected 2 images for u1, got %d", len(imgs))
	}
}

func TestMemoryStoreGetImageNotFound(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.GetImage(context.Background(), "missing")
	if err == nil {
		t.Fatal("expected error for missing image")
	}
}
