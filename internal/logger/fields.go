package logger

// Fields is an alias for map[string]interface{} for convenience.
type Fields map[string]interface{}

// ============================================
// Standard Tracing Fields (Context level)
// These fields are propagated through the call chain
// ============================================

const (
	// FieldRequestID is the HTTP request ID (UUID)
	FieldRequestID = "request_id"

	// FieldDocumentID is the document being processed
	FieldDocumentID = "document_id"

	// FieldCompanyID is the tenant identifier carried through every stage
	FieldCompanyID = "company_id"

	// FieldStage is the pipeline stage name
	FieldStage = "stage"

	// FieldDispatchID is the dispatch handle of the unit of work
	FieldDispatchID = "dispatch_id"

	// FieldComponent is the component/module name
	FieldComponent = "component"
)

// ============================================
// Standard Metric Fields (Entry level)
// These fields are used for aggregation and alerting
// ============================================

const (
	// FieldDurationMs is the execution duration in milliseconds
	FieldDurationMs = "duration_ms"

	// FieldAttempt is the retry attempt number for a stage invocation
	FieldAttempt = "attempt"

	// FieldCount is a generic count field
	FieldCount = "count"

	// FieldSize is the data size in bytes
	FieldSize = "size"

	// FieldStatus is the operation status
	FieldStatus = "status"
)
