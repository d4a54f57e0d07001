package deident

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/dicomgw/gateway/internal/tagmodel"
	"github.com/dicomgw/gateway/internal/validation"
)

// anonymousNamePatterns are the patterns PatientName may match post
// anonymization without being flagged as a residual identifier.
var anonymousNamePatterns = []*regexp.Regexp{
	regexp.MustCompile(`^Anonymous$`),
	regexp.MustCompile(`^ANON$`),
	regexp.MustCompile(`^Subject_\d+$`),
	regexp.MustCompile(`^[A-Z0-9_]+$`),
}

// Checks toggles which verification checks run; all default to enabled.
type Checks struct {
	UIDsChanged         bool
	PatientIDModified   bool
	DateShiftCorrectness bool
}

// DefaultChecks enables every check, per §4.E.
func DefaultChecks() Checks {
	return Checks{UIDsChanged: true, PatientIDModified: true, DateShiftCorrectness: true}
}

// dateShiftTag pairs a date tag with its expected shift, supplied by the
// caller (the forward pipeline knows the broker's allocated shift, if any).
type dateShiftTag struct {
	tag   tagmodel.Tag
	label string
}

var dateShiftTags = []dateShiftTag{
	{tagmodel.StudyDate, "StudyDate"},
	{tagmodel.SeriesDate, "SeriesDate"},
	{tagmodel.PatientBirthDate, "PatientBirthDate"},
}

// Verify runs the pre-write verification gate comparing the original and
// anonymized attribute sets. expectedShiftDays is the number of days dates
// are expected to have moved (0 if the script declares no shift). cleared is
// the script's declared clear-intent (script.Expectations.Removed) — a date
// tag the script explicitly clears is exempt from the missing-date error,
// since that's the script's intent rather than a verification failure. The
// executor MUST NOT write output when the returned Result has any errors.
func Verify(original, anonymized *tagmodel.AttributeSet, expectedShiftDays int, checks Checks, cleared map[tagmodel.Tag]bool) *validation.Result {
	result := validation.NewResult()

	if checks.UIDsChanged {
		verifyUIDsChanged(original, anonymized, result)
	}
	if checks.PatientIDModified {
		verifyPatientIdentifiers(original, anonymized, result)
	}
	if checks.DateShiftCorrectness {
		verifyDateShift(original, anonymized, expectedShiftDays, cleared, result)
	}

	return result
}

func verifyUIDsChanged(original, anonymized *tagmodel.AttributeSet, result *validation.Result) {
	uidTags := []struct {
		tag   tagmodel.Tag
		label string
	}{
		{tagmodel.StudyInstanceUID, "StudyInstanceUID"},
		{tagmodel.SeriesInstanceUID, "SeriesInstanceUID"},
		{tagmodel.SOPInstanceUID, "SOPInstanceUID"},
	}
	for _, ut := range uidTags {
		before := original.Value(ut.tag)
		after := anonymized.Value(ut.tag)
		if before != "" && before == after {
			result.AddErrorWithContext(
				validation.CodeUIDNotChanged,
				fmt.Sprintf("%s unchanged after anonymization (PHI-LEAK-RISK)", ut.label),
				map[string]interface{}{"tag": ut.label, "value": before},
			)
		}
	}
}

func verifyPatientIdentifiers(original, anonymized *tagmodel.AttributeSet, result *validation.Result) {
	beforeName := original.Value(tagmodel.PatientName)
	afterName := anonymized.Value(tagmodel.PatientName)
	if beforeName != "" && beforeName == afterName {
		result.AddError(validation.CodePatientIDNotChanged, "PatientName unchanged after anonymization")
	} else if afterName != "" && !matchesAnonymousPattern(afterName) {
		result.AddWarning(validation.CodePatientIDNotChanged, fmt.Sprintf("PatientName %q does not match a documented anonymous pattern", afterName))
	}

	beforeID := original.Value(tagmodel.PatientID)
	afterID := anonymized.Value(tagmodel.PatientID)
	if beforeID != "" && beforeID == afterID {
		result.AddError(validation.CodePatientIDNotChanged, "PatientID unchanged after anonymization")
	}
}

func matchesAnonymousPattern(name string) bool {
	for _, re := range anonymousNamePatterns {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}

func verifyDateShift(original, anonymized *tagmodel.AttributeSet, expectedShiftDays int, cleared map[tagmodel.Tag]bool, result *validation.Result) {
	for _, dt := range dateShiftTags {
		before := original.Value(dt.tag)
		if before == "" {
			continue
		}
		after := anonymized.Value(dt.tag)
		if after == "" {
			if cleared[dt.tag] {
				continue
			}
			result.AddError(validation.CodeDateCleared, fmt.Sprintf("%s missing in anonymized output", dt.label))
			continue
		}

		beforeT, err1 := time.Parse("20060102", before[:min(8, len(before))])
		afterT, err2 := time.Parse("20060102", after[:min(8, len(after))])
		if err1 != nil || err2 != nil {
			result.AddWarning(validation.CodeDateShiftMismatch, fmt.Sprintf("%s is not parseable as yyyymmdd", dt.label))
			continue
		}

		actualShift := int(afterT.Sub(beforeT).Hours() / 24)
		if abs(actualShift-expectedShiftDays) > 1 {
			result.AddErrorWithContext(
				validation.CodeDateShiftMismatch,
				fmt.Sprintf("%s shifted by %d days, expected %d", dt.label, actualShift, expectedShiftDays),
				map[string]interface{}{"tag": dt.label, "actualShift": strconv.Itoa(actualShift)},
			)
		}
	}
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
