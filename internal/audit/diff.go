// Package audit implements the original-vs-anonymized comparison (§4.F):
// per-tag change labelling, residual-PHI detection, and conformance
// checking against a script's declared expectations.
package audit

import (
	"fmt"
	"regexp"

	"github.com/dicomgw/gateway/internal/script"
	"github.com/dicomgw/gateway/internal/tagmodel"
)

// Action labels what happened to one tag between the original and
// anonymized snapshots.
type Action string

const (
	ActionRemoved  Action = "removed"
	ActionAdded    Action = "added"
	ActionHashed   Action = "hashed"
	ActionReplaced Action = "replaced"
	ActionKept     Action = "kept"
)

// TagChange is one pair's per-tag comparison result.
type TagChange struct {
	Tag    tagmodel.Tag
	Action Action
	PHI    bool
	Before string
	After  string
}

// ResidualPHIWarning flags a PHI tag that still looks identifiable after
// anonymization.
type ResidualPHIWarning struct {
	Tag    tagmodel.Tag
	Value  string
	Reason string
}

// ConformanceIssue records one statement from the declaring script whose
// expected effect was not observed in the anonymized output.
type ConformanceIssue struct {
	Tag      tagmodel.Tag
	Expected string
	Got      string
}

// PairReport is the per-file comparison between one original and its
// anonymized counterpart.
type PairReport struct {
	Filename             string
	Changes              []TagChange
	ResidualPHIWarnings  []ResidualPHIWarning
	ConformanceIssues    []ConformanceIssue
	PatientIdentityMarker bool
	DeidentificationMethod string
	Conformant           bool
}

// Report aggregates every pair's comparison for one study.
type Report struct {
	Pairs              []PairReport
	ChangesByTag        map[tagmodel.Tag]int
	NonConformantFiles  int
	FullyConformant     bool
}

var (
	anonymousNamePatterns = []*regexp.Regexp{
		regexp.MustCompile(`^Anonymous$`),
		regexp.MustCompile(`^ANON$`),
		regexp.MustCompile(`^Subject_\d+$`),
		regexp.MustCompile(`^[A-Z0-9_]+$`),
	}
	eightDigitDate = regexp.MustCompile(`^\d{8}$`)
)

// ComparePair compares one original/anonymized attribute-set pair, filename
// being the shared basename used to match the two snapshots, and exp the
// ScriptExpectations extracted from the declaring anonymization script (nil
// if no script is known, which skips conformance checking).
func ComparePair(filename string, original, anonymized *tagmodel.AttributeSet, exp *script.Expectations) PairReport {
	report := PairReport{Filename: filename}

	for _, d := range tagmodel.Compare(original, anonymized) {
		phi := tagmodel.IsPHI(d.Tag)
		switch {
		case d.BeforeExist && !d.AfterExist:
			report.Changes = append(report.Changes, TagChange{Tag: d.Tag, Action: ActionRemoved, PHI: phi, Before: d.Before})
		case !d.BeforeExist && d.AfterExist:
			report.Changes = append(report.Changes, TagChange{Tag: d.Tag, Action: ActionAdded, PHI: phi, After: d.After})
		case d.Changed() && looksHashed(d.Tag, d.After):
			report.Changes = append(report.Changes, TagChange{Tag: d.Tag, Action: ActionHashed, PHI: phi, Before: d.Before, After: d.After})
		case d.Changed():
			report.Changes = append(report.Changes, TagChange{Tag: d.Tag, Action: ActionReplaced, PHI: phi, Before: d.Before, After: d.After})
		case phi:
			report.Changes = append(report.Changes, TagChange{Tag: d.Tag, Action: ActionKept, PHI: phi, Before: d.Before, After: d.After})
		}
	}

	for _, tag := range anonymized.Tags() {
		if !tagmodel.IsPHI(tag) {
			continue
		}
		attr, _ := anonymized.Get(tag)
		if attr.Value == "" {
			continue
		}
		if w, flagged := residualPHI(tag, attr.Value); flagged {
			report.ResidualPHIWarnings = append(report.ResidualPHIWarnings, w)
		}
	}

	if exp != nil {
		report.ConformanceIssues = checkConformance(anonymized, exp)
	}

	report.PatientIdentityMarker = anonymized.Value(tagmodel.PatientIdentityRemoved) == "YES"
	report.DeidentificationMethod = anonymized.Value(tagmodel.DeidentificationMethod)

	report.Conformant = len(report.ConformanceIssues) == 0 &&
		report.PatientIdentityMarker &&
		report.DeidentificationMethod != ""

	return report
}

// looksHashed reports whether a UID-family tag's value resembles the
// hashUID operator's output shape rather than a hand-set literal.
func looksHashed(tag tagmodel.Tag, after string) bool {
	if tag != tagmodel.StudyInstanceUID && tag != tagmodel.SeriesInstanceUID && tag != tagmodel.SOPInstanceUID {
		return false
	}
	return len(after) > 4 && after[:4] == "2.25"
}

func residualPHI(tag tagmodel.Tag, value string) (ResidualPHIWarning, bool) {
	switch tag {
	case tagmodel.PatientName, tagmodel.OtherPatientNames, tagmodel.ReferringPhysician:
		if matchesAnonymousPattern(value) {
			return ResidualPHIWarning{}, false
		}
		return ResidualPHIWarning{Tag: tag, Value: value, Reason: "name does not match a documented anonymous pattern"}, true
	case tagmodel.PatientBirthDate:
		if eightDigitDate.MatchString(value) {
			return ResidualPHIWarning{Tag: tag, Value: value, Reason: "remains an 8-digit date"}, true
		}
		return ResidualPHIWarning{}, false
	default:
		return ResidualPHIWarning{}, false
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

func checkConformance(anonymized *tagmodel.AttributeSet, exp *script.Expectations) []ConformanceIssue {
	var issues []ConformanceIssue

	for tag := range exp.Removed {
		if v := anonymized.Value(tag); v != "" {
			issues = append(issues, ConformanceIssue{Tag: tag, Expected: "removed", Got: v})
		}
	}
	for tag, want := range exp.Replaced {
		if got := anonymized.Value(tag); got != want {
			issues = append(issues, ConformanceIssue{Tag: tag, Expected: fmt.Sprintf("replaced with %q", want), Got: got})
		}
	}
	for tag := range exp.Hashed {
		if !looksHashed(tag, anonymized.Value(tag)) {
			issues = append(issues, ConformanceIssue{Tag: tag, Expected: "hashed", Got: anonymized.Value(tag)})
		}
	}
	for tag := range exp.Kept {
		if !anonymized.Has(tag) {
			issues = append(issues, ConformanceIssue{Tag: tag, Expected: "kept", Got: ""})
		}
	}

	return issues
}

// BuildReport aggregates a slice of already-computed PairReports (one per
// original/anonymized file pair in a study) into a study-level Report.
func BuildReport(pairs []PairReport) *Report {
	report := &Report{Pairs: pairs, ChangesByTag: make(map[tagmodel.Tag]int)}

	for _, p := range pairs {
		if !p.Conformant {
			report.NonConformantFiles++
		}
		for _, c := range p.Changes {
			report.ChangesByTag[c.Tag]++
		}
	}

	report.FullyConformant = report.NonConformantFiles == 0
	return report
}
