package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/Rickard-E-Strawbay/invoice-scanner/internal/config"
	"github.com/Rickard-E-Strawbay/invoice-scanner/internal/prompts"
)

// PredictOutput carries the model's field predictions for a document.
// Fields is the raw predicted object; structuring happens downstream.
type PredictOutput struct {
	Fields     json.RawMessage `json:"fields"`
	Confidence float64         `json:"confidence"`
	Model      string          `json:"model"`
}

// OpenAI-compatible Chat Completion API request/response structures
type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// predictedPayload is the shape the extraction prompt asks the model for.
type predictedPayload struct {
	Fields     json.RawMessage `json:"fields"`
	Confidence *float64        `json:"confidence"`
}

// Predictor extracts invoice fields from OCR text through an
// OpenAI-compatible chat completion endpoint.
type Predictor struct {
	client   *resty.Client
	model    string
	endpoint string
}

// NewPredictor creates a predict collaborator against the configured LLM.
func NewPredictor(cfg *config.LLMConfig) *Predictor {
	client := resty.New()
	client.SetHeader("Authorization", "Bearer "+cfg.APIKey)
	client.SetHeader("Content-Type", "application/json")
	client.SetTimeout(60 * time.Second)

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}

	return &Predictor{
		client:   client,
		model:    cfg.Model,
		endpoint: baseURL + "/chat/completions",
	}
}

// Run sends the extracted text to the model and returns its field
// predictions. Output the model cannot shape as JSON fails the attempt.
func (p *Predictor) Run(ctx context.Context, _, _ string, input []byte) ([]byte, error) {
	var extracted ExtractTextOutput
	if err := json.Unmarshal(input, &extracted); err != nil {
		return nil, fmt.Errorf("failed to decode extract_text output: %w", err)
	}
	if strings.TrimSpace(extracted.Text) == "" {
		return nil, fmt.Errorf("no text extracted from document")
	}

	req := chatRequest{
		Model: p.model,
		Messages: []chatMessage{
			{Role: "system", Content: prompts.ExtractionSystemPrompt},
			{Role: "user", Content: prompts.ExtractionUserPrompt + extracted.Text},
		},
		MaxTokens: 1500,
	}

	var resp chatResponse
	httpResp, err := p.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&resp).
		Post(p.endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to call LLM API: %w", err)
	}

	if httpResp.StatusCode() < 200 || httpResp.StatusCode() >= 300 {
		errorMsg := fmt.Sprintf("HTTP %d", httpResp.StatusCode())
		if resp.Error != nil {
			errorMsg = fmt.Sprintf("HTTP %d: %s", httpResp.StatusCode(), resp.Error.Message)
		} else if len(httpResp.Body()) > 0 {
			errorMsg = fmt.Sprintf("HTTP %d: %s", httpResp.StatusCode(), string(httpResp.Body()))
		}
		return nil, fmt.Errorf("LLM API returned error: %s", errorMsg)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("LLM API error: %s", resp.Error.Message)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no response from LLM API (status: %d)", httpResp.StatusCode())
	}

	fields, confidence, err := parsePrediction(resp.Choices[0].Message.Content)
	if err != nil {
		return nil, err
	}
	if confidence == 0 {
		// Model omitted its own confidence; fall back to OCR confidence.
		confidence = extracted.Confidence
	}

	return json.Marshal(PredictOutput{
		Fields:     fields,
		Confidence: confidence,
		Model:      p.model,
	})
}

// parsePrediction decodes the model output, tolerating markdown code
// fences and a missing {"fields": ...} wrapper.
func parsePrediction(content string) (json.RawMessage, float64, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	var payload predictedPayload
	if err := json.Unmarshal([]byte(content), &payload); err != nil {
		return nil, 0, fmt.Errorf("model output is not valid JSON: %w", err)
	}

	if payload.Fields == nil {
		// The model answered with a bare field object.
		payload.Fields = json.RawMessage(content)
	}
	confidence := 0.0
	if payload.Confidence != nil {
		confidence = *payload.Confidence
	}
	return payload.Fields, confidence, nil
}
