package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/Rickard-E-Strawbay/invoice-scanner/internal/domain"
	"github.com/Rickard-E-Strawbay/invoice-scanner/internal/storage"
)

// Envelope is the stored form of one stage's output: small payloads are
// kept inline in the status store, larger ones live in object storage
// under a key derived from the document and stage, so a re-run of the
// same stage overwrites the same object instead of leaking copies.
type Envelope struct {
	Inline json.RawMessage `json:"inline,omitempty"`
	Ref    string          `json:"ref,omitempty"`
}

// OutputStore encodes and resolves stage output envelopes.
type OutputStore struct {
	blobs       storage.ObjectStorage
	inlineLimit int
}

// NewOutputStore creates an OutputStore that offloads payloads larger
// than inlineLimit bytes to blob storage.
func NewOutputStore(blobs storage.ObjectStorage, inlineLimit int) *OutputStore {
	if inlineLimit <= 0 {
		inlineLimit = 16 * 1024
	}
	return &OutputStore{blobs: blobs, inlineLimit: inlineLimit}
}

// Put stores a stage's output and returns the envelope to record in the
// document's stage outputs. The payload must be valid JSON.
func (s *OutputStore) Put(ctx context.Context, documentID, stage string, output []byte) (json.RawMessage, error) {
	if !json.Valid(output) {
		return nil, fmt.Errorf("stage %s produced invalid JSON output", stage)
	}

	var env Envelope
	if len(output) <= s.inlineLimit {
		env.Inline = output
	} else {
		key := storage.OutputKey(documentID, stage)
		if err := s.blobs.Upload(ctx, key, bytes.NewReader(output), int64(len(output)), "application/json"); err != nil {
			return nil, fmt.Errorf("failed to offload %s output for document %s: %w", stage, documentID, err)
		}
		env.Ref = key
	}
	return json.Marshal(env)
}

// Get resolves the recorded envelope for a stage back to the raw output.
func (s *OutputStore) Get(ctx context.Context, outputs domain.StageOutputs, stage string) ([]byte, error) {
	raw, ok := outputs[stage]
	if !ok {
		return nil, fmt.Errorf("no recorded output for stage %s", stage)
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("failed to decode %s output envelope: %w", stage, err)
	}
	if env.Inline != nil {
		return env.Inline, nil
	}
	if env.Ref == "" {
		return nil, fmt.Errorf("empty output envelope for stage %s", stage)
	}
	rc, err := s.blobs.Download(ctx, env.Ref)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch offloaded %s output: %w", stage, err)
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
