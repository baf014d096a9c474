package stages

import (
	"context"
	"encoding/json"
	"testing"
)

func mustPredictInput(t *testing.T, fields string, confidence float64) []byte {
	t.Helper()
	b, err := json.Marshal(PredictOutput{
		Fields:     json.RawMessage(fields),
		Confidence: confidence,
		Model:      "test-model",
	})
	if err != nil {
		t.Fatalf("failed to build input: %v", err)
	}
	return b
}

func TestStructurer_Run_CompleteInvoice(t *testing.T) {
	s := NewStructurer()
	input := mustPredictInput(t, `{
		"invoice_number": "INV-2024-001",
		"invoice_date": "2024-03-15",
		"due_date": "2024-04-14",
		"currency": "sek",
		"total_amount": 1250.50,
		"vat_amount": 250.10,
		"supplier_name": "Acme AB",
		"supplier_org_number": "556677-8899",
		"line_items": [
			{"description": "Consulting", "quantity": 10, "unit_price": 100, "amount": 1000}
		]
	}`, 0.9)

	out, err := s.Run(context.Background(), "doc-1", "co-1", input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result StructureOutput
	if err := json.Unmarshal(out, &result); err != nil {
		t.Fatalf("failed to decode output: %v", err)
	}

	if result.Completeness != 1.0 {
		t.Errorf("expected completeness 1.0, got %v", result.Completeness)
	}
	if result.Confidence != 0.9 {
		t.Errorf("expected confidence 0.9, got %v", result.Confidence)
	}
	if result.Invoice.Currency != "SEK" {
		t.Errorf("expected currency uppercased to SEK, got %q", result.Invoice.Currency)
	}
	if result.Invoice.TotalAmount != 1250.50 {
		t.Errorf("expected total 1250.50, got %v", result.Invoice.TotalAmount)
	}
	if len(result.Invoice.LineItems) != 1 || result.Invoice.LineItems[0].Amount != 1000 {
		t.Errorf("unexpected line items: %+v", result.Invoice.LineItems)
	}
}

func TestStructurer_Run_LenientAmountCoercion(t *testing.T) {
	tests := []struct {
		name   string
		fields string
		want   float64
	}{
		{"string with comma decimal", `{"total_amount": "1250,50"}`, 1250.50},
		{"string with spaces", `{"total_amount": "1 250.50"}`, 1250.50},
		{"plain number", `{"total_amount": 99}`, 99},
		{"garbage string", `{"total_amount": "n/a"}`, 0},
		{"null", `{"total_amount": null}`, 0},
	}

	s := NewStructurer()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := s.Run(context.Background(), "doc-1", "co-1", mustPredictInput(t, tt.fields, 0.5))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			var result StructureOutput
			if err := json.Unmarshal(out, &result); err != nil {
				t.Fatalf("failed to decode output: %v", err)
			}
			if result.Invoice.TotalAmount != tt.want {
				t.Errorf("total_amount = %v, want %v", result.Invoice.TotalAmount, tt.want)
			}
		})
	}
}

func TestStructurer_Run_PartialCompleteness(t *testing.T) {
	s := NewStructurer()
	// 2 of 5 required fields present.
	input := mustPredictInput(t, `{"invoice_number": "INV-1", "currency": "EUR"}`, 0.5)

	out, err := s.Run(context.Background(), "doc-1", "co-1", input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var result StructureOutput
	if err := json.Unmarshal(out, &result); err != nil {
		t.Fatalf("failed to decode output: %v", err)
	}
	if result.Completeness != 0.4 {
		t.Errorf("expected completeness 0.4, got %v", result.Completeness)
	}
}

func TestStructurer_Run_RejectsNonObjectFields(t *testing.T) {
	s := NewStructurer()
	if _, err := s.Run(context.Background(), "doc-1", "co-1", mustPredictInput(t, `[1,2,3]`, 0.5)); err == nil {
		t.Error("expected error for non-object fields")
	}
	if _, err := s.Run(context.Background(), "doc-1", "co-1", []byte("not json")); err == nil {
		t.Error("expected error for invalid input")
	}
}
