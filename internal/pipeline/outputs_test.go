package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/Rickard-E-Strawbay/invoice-scanner/internal/domain"
	"github.com/Rickard-E-Strawbay/invoice-scanner/internal/storage"
)

func TestOutputStore_InlineRoundTrip(t *testing.T) {
	blobs := newMemoryBlobs()
	store := NewOutputStore(blobs, 1024)
	ctx := context.Background()

	payload := []byte(`{"text":"hello","confidence":0.9}`)
	envelope, err := store.Put(ctx, "doc-1", StageExtractText, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var env Envelope
	if err := json.Unmarshal(envelope, &env); err != nil {
		t.Fatalf("failed to decode envelope: %v", err)
	}
	if env.Inline == nil || env.Ref != "" {
		t.Fatalf("expected inline envelope, got %+v", env)
	}
	if len(blobs.objects) != 0 {
		t.Errorf("expected nothing offloaded, got %d objects", len(blobs.objects))
	}

	got, err := store.Get(ctx, domain.StageOutputs{StageExtractText: envelope}, StageExtractText)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("round trip mismatch: got %s", got)
	}
}

func TestOutputStore_OffloadsLargePayloads(t *testing.T) {
	blobs := newMemoryBlobs()
	store := NewOutputStore(blobs, 32)
	ctx := context.Background()

	payload := []byte(`{"text":"` + string(bytes.Repeat([]byte("x"), 100)) + `"}`)
	envelope, err := store.Put(ctx, "doc-1", StageExtractText, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var env Envelope
	if err := json.Unmarshal(envelope, &env); err != nil {
		t.Fatalf("failed to decode envelope: %v", err)
	}
	wantKey := storage.OutputKey("doc-1", StageExtractText)
	if env.Ref != wantKey {
		t.Fatalf("ref = %q, want %q", env.Ref, wantKey)
	}
	if env.Inline != nil {
		t.Error("expected no inline payload")
	}
	if _, ok := blobs.objects[wantKey]; !ok {
		t.Fatalf("expected object at %s", wantKey)
	}

	got, err := store.Get(ctx, domain.StageOutputs{StageExtractText: envelope}, StageExtractText)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("round trip mismatch: got %d bytes", len(got))
	}

	// Re-running the stage overwrites the same key.
	if _, err := store.Put(ctx, "doc-1", StageExtractText, payload); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(blobs.objects) != 1 {
		t.Errorf("expected a single object after re-run, got %d", len(blobs.objects))
	}
}

func TestOutputStore_RejectsInvalidJSON(t *testing.T) {
	store := NewOutputStore(newMemoryBlobs(), 1024)
	if _, err := store.Put(context.Background(), "doc-1", StagePredict, []byte("not json")); err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestOutputStore_GetMissingStage(t *testing.T) {
	store := NewOutputStore(newMemoryBlobs(), 1024)
	if _, err := store.Get(context.Background(), domain.StageOutputs{}, StagePredict); err == nil {
		t.Error("expected error for missing output")
	}
}
