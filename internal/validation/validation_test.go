package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidationResultCreation(t *testing.T) {
	result := NewResult()

	assert.NotNil(t, result)
	assert.Empty(t, result.Messages)
	assert.False(t, result.HasErrors())
}

func TestAddError(t *testing.T) {
	result := NewResult()

	result.AddError(CodeRequiredTagMissing, "PatientID is required but absent")

	assert.Len(t, result.Messages, 1)
	assert.True(t, result.HasErrors())
	assert.Equal(t, 1, result.ErrorCount())
}

func TestAddWarning(t *testing.T) {
	result := NewResult()

	result.AddWarning(CodeTagValueMismatch, "Modality CT does not match rule value MR")

	assert.Len(t, result.Messages, 1)
	assert.False(t, result.HasErrors())
	assert.True(t, result.HasWarnings())
	assert.Equal(t, 1, result.WarningCount())
}

func TestAddInfo(t *testing.T) {
	result := NewResult()

	result.AddInfo("INFO_CODE", "This is informational")

	assert.Len(t, result.Messages, 1)
	assert.False(t, result.HasErrors())
	assert.False(t, result.HasWarnings())
	assert.Equal(t, 1, result.InfoCount())
}

func TestMultipleMessages(t *testing.T) {
	result := NewResult()

	result.
		AddError(CodeUIDNotChanged, "StudyInstanceUID unchanged after anonymization").
		AddWarning(CodeDateCleared, "StudyDate missing in anonymized output").
		AddInfo("INFO_CODE", "Processing completed with warnings")

	assert.Len(t, result.Messages, 3)
	assert.Equal(t, 1, result.ErrorCount())
	assert.Equal(t, 1, result.WarningCount())
	assert.Equal(t, 1, result.InfoCount())
	assert.True(t, result.HasErrors())
}

func TestMessagesBySeverity(t *testing.T) {
	result := NewResult()

	result.
		AddError(CodeUIDNotChanged, "Error 1").
		AddError(CodeUIDNotChanged, "Error 2").
		AddWarning(CodeDateCleared, "Warning 1").
		AddInfo("CODE", "Info 1")

	errors := result.MessagesBySeverity(SeverityError)
	warnings := result.MessagesBySeverity(SeverityWarning)
	infos := result.MessagesBySeverity(SeverityInfo)

	assert.Len(t, errors, 2)
	assert.Len(t, warnings, 1)
	assert.Len(t, infos, 1)
}

func TestHasErrorsAndWarnings(t *testing.T) {
	resultClean := NewResult()
	assert.False(t, resultClean.HasErrors())
	assert.False(t, resultClean.HasWarnings())

	resultWithError := NewResult().AddError("CODE", "Error")
	assert.True(t, resultWithError.HasErrors())
	assert.False(t, resultWithError.HasWarnings())

	resultWithWarning := NewResult().AddWarning("CODE", "Warning")
	assert.False(t, resultWithWarning.HasErrors())
	assert.True(t, resultWithWarning.HasWarnings())

	resultWithBoth := NewResult().
		AddError("ERR", "Error").
		AddWarning("WARN", "Warning")
	assert.True(t, resultWithBoth.HasErrors())
	assert.True(t, resultWithBoth.HasWarnings())
}

func TestWithContext(t *testing.T) {
	result := NewResult()

	context := map[string]interface{}{
		"tag":   "(0010,0020)",
		"study": "1.2.3",
	}

	result.AddErrorWithContext(CodeRequiredTagMissing, "PatientID missing", context)

	assert.Len(t, result.Messages, 1)
	msg := result.Messages[0]
	assert.Equal(t, context, msg.Context)
	assert.Equal(t, "1.2.3", msg.Context["study"])
}

func TestSummary(t *testing.T) {
	result := NewResult()
	result.
		AddError(CodeUIDNotChanged, "StudyInstanceUID unchanged").
		AddWarning(CodeDateCleared, "StudyDate missing").
		AddInfo("INFO", "Done")

	summary := result.Summary()

	assert.Contains(t, summary, "1 errors")
	assert.Contains(t, summary, "1 warnings")
	assert.Contains(t, summary, "1 info")
	assert.Contains(t, summary, "UID_NOT_CHANGED")
	assert.Contains(t, summary, "DATE_CLEARED")
}

func TestChaining(t *testing.T) {
	result := NewResult().
		AddError("CODE1", "Error 1").
		AddWarning("CODE2", "Warning 1").
		AddInfo("CODE3", "Info 1")

	assert.Len(t, result.Messages, 3)
	assert.Equal(t, 1, result.ErrorCount())
	assert.Equal(t, 1, result.WarningCount())
	assert.Equal(t, 1, result.InfoCount())
}

func TestVerificationScenario(t *testing.T) {
	result := NewResult()

	result.AddErrorWithContext(
		CodeUIDNotChanged,
		"SOPInstanceUID unchanged after anonymization",
		map[string]interface{}{
			"sopInstanceUID": "1.2.840.10008.1.1",
		},
	)

	result.AddErrorWithContext(
		CodePatientIDNotChanged,
		"PatientID unchanged",
		map[string]interface{}{
			"patientID": "P1",
		},
	)

	result.AddWarning(
		CodeDateShiftMismatch,
		"SeriesDate shift differs from allocated date-shift by 1 day",
	)

	result.AddInfo(
		"CHECKS_RUN",
		"Ran 3 verification checks",
	)

	assert.True(t, result.HasErrors())
	assert.True(t, result.HasWarnings())
}
