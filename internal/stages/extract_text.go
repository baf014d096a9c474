package stages

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/Rickard-E-Strawbay/invoice-scanner/internal/config"
	"github.com/Rickard-E-Strawbay/invoice-scanner/internal/storage"
)

// ExtractTextOutput is the OCR result for one document.
type ExtractTextOutput struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

type ocrRequest struct {
	DocumentID string `json:"document_id"`
	Image      string `json:"image"`
	Format     string `json:"format"`
}

type ocrResponse struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Error      *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// TextExtractor calls the external OCR service with the normalized scan.
type TextExtractor struct {
	client   *resty.Client
	endpoint string
	blobs    storage.ObjectStorage
}

// NewTextExtractor creates an extract_text collaborator against the
// configured OCR service.
func NewTextExtractor(cfg *config.OCRConfig, blobs storage.ObjectStorage) *TextExtractor {
	client := resty.New()
	client.SetHeader("Content-Type", "application/json")
	if cfg.APIKey != "" {
		client.SetHeader("Authorization", "Bearer "+cfg.APIKey)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	client.SetTimeout(timeout)

	return &TextExtractor{
		client:   client,
		endpoint: cfg.BaseURL + "/v1/ocr",
		blobs:    blobs,
	}
}

// Run fetches the scan referenced by the preprocess output and sends it
// to the OCR service.
func (t *TextExtractor) Run(ctx context.Context, documentID, _ string, input []byte) ([]byte, error) {
	var pre PreprocessOutput
	if err := json.Unmarshal(input, &pre); err != nil {
		return nil, fmt.Errorf("failed to decode preprocess output: %w", err)
	}

	rc, err := t.blobs.Download(ctx, pre.ContentKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read scan %s: %w", pre.ContentKey, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to read scan %s: %w", pre.ContentKey, err)
	}

	req := ocrRequest{
		DocumentID: documentID,
		Image:      base64.StdEncoding.EncodeToString(data),
		Format:     pre.Format,
	}

	var resp ocrResponse
	httpResp, err := t.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&resp).
		Post(t.endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to call OCR API: %w", err)
	}

	if httpResp.StatusCode() < 200 || httpResp.StatusCode() >= 300 {
		errorMsg := fmt.Sprintf("HTTP %d", httpResp.StatusCode())
		if resp.Error != nil {
			errorMsg = fmt.Sprintf("HTTP %d: %s", httpResp.StatusCode(), resp.Error.Message)
		} else if len(httpResp.Body()) > 0 {
			errorMsg = fmt.Sprintf("HTTP %d: %s", httpResp.StatusCode(), string(httpResp.Body()))
		}
		return nil, fmt.Errorf("OCR API returned error: %s", errorMsg)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("OCR API error: %s", resp.Error.Message)
	}

	return json.Marshal(ExtractTextOutput{
		Text:       resp.Text,
		Confidence: resp.Confidence,
	})
}
