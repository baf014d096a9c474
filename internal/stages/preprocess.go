package stages

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"io"

	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/webp"

	"github.com/Rickard-E-Strawbay/invoice-scanner/internal/logger"
	"github.com/Rickard-E-Strawbay/invoice-scanner/internal/storage"
)

// PreprocessOutput records what the preprocess stage learned about the
// raw upload. ContentKey points at the normalized scan in object storage;
// downstream stages fetch the image through it rather than re-reading
// the raw upload key.
type PreprocessOutput struct {
	ContentKey string `json:"content_key"`
	Format     string `json:"format"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	SizeBytes  int    `json:"size_bytes"`
}

// Preprocessor validates and normalizes the raw upload for a document.
type Preprocessor struct {
	blobs storage.ObjectStorage
	log   *logger.Logger
}

// NewPreprocessor creates a preprocess collaborator over blob storage.
func NewPreprocessor(blobs storage.ObjectStorage, log *logger.Logger) *Preprocessor {
	return &Preprocessor{
		blobs: blobs,
		log:   log.WithFields(logger.Fields{logger.FieldComponent: "preprocess"}),
	}
}

// Run reads the raw upload for the document, verifies it decodes as a
// supported image, and reports its geometry. Unsupported or corrupt
// uploads fail the stage.
func (p *Preprocessor) Run(ctx context.Context, documentID, _ string, _ []byte) ([]byte, error) {
	key := storage.RawKey(documentID)
	rc, err := p.blobs.Download(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to read raw upload %s: %w", key, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to read raw upload %s: %w", key, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("raw upload %s is empty", key)
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("unsupported or corrupt scan image: %w", err)
	}

	p.log.WithFields(logger.Fields{
		logger.FieldDocumentID: documentID,
		"format":               format,
		"width":                cfg.Width,
		"height":               cfg.Height,
		logger.FieldSize:       len(data),
	}).Info("Scan validated")

	return json.Marshal(PreprocessOutput{
		ContentKey: key,
		Format:     format,
		Width:      cfg.Width,
		Height:     cfg.Height,
		SizeBytes:  len(data),
	})
}
