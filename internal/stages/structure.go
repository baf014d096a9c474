package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Party identifies one side of an invoice.
type Party struct {
	Name      string `json:"name,omitempty"`
	OrgNumber string `json:"org_number,omitempty"`
}

// LineItem is one row of an invoice.
type LineItem struct {
	Description string  `json:"description,omitempty"`
	Quantity    float64 `json:"quantity,omitempty"`
	UnitPrice   float64 `json:"unit_price,omitempty"`
	Amount      float64 `json:"amount,omitempty"`
}

// Invoice is the canonical structured form of a scanned invoice.
type Invoice struct {
	InvoiceNumber string     `json:"invoice_number,omitempty"`
	InvoiceDate   string     `json:"invoice_date,omitempty"`
	DueDate       string     `json:"due_date,omitempty"`
	Currency      string     `json:"currency,omitempty"`
	TotalAmount   float64    `json:"total_amount,omitempty"`
	VATAmount     float64    `json:"vat_amount,omitempty"`
	Supplier      Party      `json:"supplier,omitempty"`
	Customer      Party      `json:"customer,omitempty"`
	LineItems     []LineItem `json:"line_items,omitempty"`
}

// StructureOutput is the canonical invoice plus the completeness measure
// the evaluate stage scores against.
type StructureOutput struct {
	Invoice      Invoice `json:"invoice"`
	Completeness float64 `json:"completeness"`
	Confidence   float64 `json:"confidence"`
}

// Structurer shapes raw field predictions into the canonical invoice
// form. It runs locally with no external calls: predicted values are
// coerced leniently (string numbers, comma decimals) and measured for
// completeness, never corrected.
type Structurer struct{}

// NewStructurer creates a structure collaborator.
func NewStructurer() *Structurer {
	return &Structurer{}
}

// requiredFields are the fields completeness is measured over.
var requiredFields = []string{"invoice_number", "invoice_date", "currency", "total_amount", "supplier_name"}

// Run shapes the predict output into a canonical invoice.
func (s *Structurer) Run(_ context.Context, _, _ string, input []byte) ([]byte, error) {
	var predicted PredictOutput
	if err := json.Unmarshal(input, &predicted); err != nil {
		return nil, fmt.Errorf("failed to decode predict output: %w", err)
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(predicted.Fields, &raw); err != nil {
		return nil, fmt.Errorf("predicted fields are not an object: %w", err)
	}

	inv := Invoice{
		InvoiceNumber: asString(raw["invoice_number"]),
		InvoiceDate:   asString(raw["invoice_date"]),
		DueDate:       asString(raw["due_date"]),
		Currency:      strings.ToUpper(asString(raw["currency"])),
		TotalAmount:   asFloat(raw["total_amount"]),
		VATAmount:     asFloat(raw["vat_amount"]),
		Supplier: Party{
			Name:      asString(raw["supplier_name"]),
			OrgNumber: asString(raw["supplier_org_number"]),
		},
		Customer: Party{
			Name: asString(raw["customer_name"]),
		},
		LineItems: asLineItems(raw["line_items"]),
	}

	present := 0
	for _, field := range requiredFields {
		if hasValue(raw[field]) {
			present++
		}
	}
	completeness := float64(present) / float64(len(requiredFields))

	return json.Marshal(StructureOutput{
		Invoice:      inv,
		Completeness: completeness,
		Confidence:   predicted.Confidence,
	})
}

func hasValue(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return false
	case string:
		return strings.TrimSpace(t) != ""
	case float64:
		return t != 0
	default:
		return true
	}
}

func asString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}

// asFloat coerces predicted amounts, tolerating string numbers with
// spaces and comma decimal separators.
func asFloat(v interface{}) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case string:
		cleaned := strings.NewReplacer(" ", "", " ", "", ",", ".").Replace(strings.TrimSpace(t))
		f, err := strconv.ParseFloat(cleaned, 64)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}

func asLineItems(v interface{}) []LineItem {
	rows, ok := v.([]interface{})
	if !ok {
		return nil
	}
	var items []LineItem
	for _, r := range rows {
		m, ok := r.(map[string]interface{})
		if !ok {
			continue
		}
		items = append(items, LineItem{
			Description: asString(m["description"]),
			Quantity:    asFloat(m["quantity"]),
			UnitPrice:   asFloat(m["unit_price"]),
			Amount:      asFloat(m["amount"]),
		})
	}
	return items
}
