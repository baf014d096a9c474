package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// StageOutputs maps a stage name to the output envelope that stage
// produced, stored as JSON in the database. Each entry is written exactly
// once by the stage that produced it and cleared only on restart.
type StageOutputs map[string]json.RawMessage

// Value implements the driver.Valuer interface for database serialization.
// Parameters: none.
// Returns:
//   - driver.Value: JSON-encoded representation of the map.
//   - error: non-nil if marshaling fails.
func (o StageOutputs) Value() (driver.Value, error) {
	if o == nil {
		return "{}", nil
	}
	b, err := json.Marshal(o)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements the sql.Scanner interface for database deserialization.
// Parameters:
//   - value: raw database value to decode.
// Returns:
//   - error: non-nil if decoding fails or the type is unexpected.
func (o *StageOutputs) Scan(value interface{}) error {
	if value == nil {
		*o = StageOutputs{}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		str, ok := value.(string)
		if !ok {
			return errors.New("failed to scan StageOutputs")
		}
		bytes = []byte(str)
	}
	return json.Unmarshal(bytes, o)
}

// StageError is one entry of a document's append-only error history.
type StageError struct {
	Stage     string    `json:"stage"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Attempt   int       `json:"attempt"`
}

// ErrorHistory is the ordered sequence of stage failures for a document,
// stored as a JSON array in the database.
type ErrorHistory []StageError

// Value implements the driver.Valuer interface for database serialization.
func (h ErrorHistory) Value() (driver.Value, error) {
	if h == nil {
		return "[]", nil
	}
	b, err := json.Marshal(h)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements the sql.Scanner interface for database deserialization.
func (h *ErrorHistory) Scan(value interface{}) error {
	if value == nil {
		*h = ErrorHistory{}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		str, ok := value.(string)
		if !ok {
			return errors.New("failed to scan ErrorHistory")
		}
		bytes = []byte(str)
	}
	return json.Unmarshal(bytes, h)
}

// Document is the processing record for one scanned document. It is the
// single source of truth for where the document sits in the pipeline.
// The ID is assigned by the upload collaborator and never changed;
// CompanyID is carried through every stage untouched.
type Document struct {
	ID           string       `gorm:"type:text;primaryKey" json:"document_id"`
	CompanyID    string       `gorm:"type:text;not null;index:idx_documents_company" json:"company_id"`
	Status       Status       `gorm:"type:text;index:idx_documents_status;default:queued" json:"status"`
	StageOutputs StageOutputs `gorm:"type:text" json:"stage_outputs"`
	QualityScore *float64     `json:"quality_score,omitempty"`
	ErrorHistory ErrorHistory `gorm:"type:text" json:"error_history"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// TableName returns the database table name for Document.
// Parameters: none.
// Returns:
//   - string: table name for GORM mapping.
func (Document) TableName() string {
	return "documents"
}
