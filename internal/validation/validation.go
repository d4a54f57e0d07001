package validation

import "fmt"

// Severity is the level of one validation message.
type Severity string

const (
	SeverityError   Severity = "ERROR"   // blocks the operation
	SeverityWarning Severity = "WARNING" // proceeds, flagged for review
	SeverityInfo    Severity = "INFO"    // informational only
)

// Result accumulates every message raised while checking one attribute set
// or one de-identification pass — not fail-fast, so a caller sees every
// violation in one report instead of just the first.
type Result struct {
	Messages []Message `json:"messages"`
}

// Message is a single validation finding.
type Message struct {
	Severity Severity               `json:"severity"`
	Code     string                 `json:"code"`
	Text     string                 `json:"text"`
	Context  map[string]interface{} `json:"context,omitempty"`
}

// NewResult returns an empty Result.
func NewResult() *Result {
	return &Result{Messages: []Message{}}
}

// AddError records a blocking violation.
func (r *Result) AddError(code, text string) *Result {
	return r.Add(SeverityError, code, text, nil)
}

// AddErrorWithContext records a blocking violation with structured context
// (e.g. the tag and value involved), surfaced in diagnostics.
func (r *Result) AddErrorWithContext(code, text string, context map[string]interface{}) *Result {
	return r.Add(SeverityError, code, text, context)
}

// AddWarning records a non-blocking finding.
func (r *Result) AddWarning(code, text string) *Result {
	return r.Add(SeverityWarning, code, text, nil)
}

// AddInfo records an informational finding.
func (r *Result) AddInfo(code, text string) *Result {
	return r.Add(SeverityInfo, code, text, nil)
}

// Add appends one message of the given severity.
func (r *Result) Add(severity Severity, code, text string, context map[string]interface{}) *Result {
	r.Messages = append(r.Messages, Message{
		Severity: severity,
		Code:     code,
		Text:     text,
		Context:  context,
	})
	return r
}

// ErrorCount returns the number of ERROR messages.
func (r *Result) ErrorCount() int {
	count := 0
	for _, msg := range r.Messages {
		if msg.Severity == SeverityError {
			count++
		}
	}
	return count
}

// WarningCount returns the number of WARNING messages.
func (r *Result) WarningCount() int {
	count := 0
	for _, msg := range r.Messages {
		if msg.Severity == SeverityWarning {
			count++
		}
	}
	return count
}

// InfoCount returns the number of INFO messages.
func (r *Result) InfoCount() int {
	count := 0
	for _, msg := range r.Messages {
		if msg.Severity == SeverityInfo {
			count++
		}
	}
	return count
}

// HasErrors reports whether any ERROR message was recorded. The de-id
// executor and the routing engine both treat this as the hard
// block-the-operation signal.
func (r *Result) HasErrors() bool {
	return r.ErrorCount() > 0
}

// HasWarnings reports whether any WARNING message was recorded.
func (r *Result) HasWarnings() bool {
	return r.WarningCount() > 0
}

// MessagesBySeverity returns every message at the given severity, in order.
func (r *Result) MessagesBySeverity(severity Severity) []Message {
	var result []Message
	for _, msg := range r.Messages {
		if msg.Severity == severity {
			result = append(result, msg)
		}
	}
	return result
}

// Summary renders a human-readable report, used in verification-failure and
// validation-rejection diagnostics.
func (r *Result) Summary() string {
	if len(r.Messages) == 0 {
		return "Validation passed: no errors"
	}

	errorCount := r.ErrorCount()
	warningCount := r.WarningCount()
	infoCount := r.InfoCount()

	summary := fmt.Sprintf("Validation result: %d errors, %d warnings, %d info messages",
		errorCount, warningCount, infoCount)

	if errorCount > 0 {
		summary += "\n\nErrors:"
		for _, msg := range r.MessagesBySeverity(SeverityError) {
			summary += fmt.Sprintf("\n  - %s: %s", msg.Code, msg.Text)
		}
	}

	if warningCount > 0 {
		summary += "\n\nWarnings:"
		for _, msg := range r.MessagesBySeverity(SeverityWarning) {
			summary += fmt.Sprintf("\n  - %s: %s", msg.Code, msg.Text)
		}
	}

	return summary
}

// Codes raised by the routing engine's rule evaluation (ValidationRule
// dispositions) and by the de-identification verifier.
const (
	CodeRequiredTagMissing  = "REQUIRED_TAG_MISSING"
	CodeTagValueMismatch    = "TAG_VALUE_MISMATCH"
	CodeTagLengthViolation  = "TAG_LENGTH_VIOLATION"
	CodeUIDNotChanged       = "UID_NOT_CHANGED"
	CodePatientIDNotChanged = "PATIENT_ID_NOT_CHANGED"
	CodeDateCleared         = "DATE_CLEARED"
	CodeDateShiftMismatch   = "DATE_SHIFT_MISMATCH"
)
