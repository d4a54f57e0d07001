package audit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dicomgw/gateway/internal/script"
	"github.com/dicomgw/gateway/internal/tagmodel"
)

func originalSet() *tagmodel.AttributeSet {
	set := tagmodel.NewAttributeSet()
	set.Set(tagmodel.PatientName, "PN", "Doe^John")
	set.Set(tagmodel.PatientID, "LO", "PAT1")
	set.Set(tagmodel.PatientBirthDate, "DA", "19800101")
	set.Set(tagmodel.StudyInstanceUID, "UI", "1.2.3")
	set.Set(tagmodel.Modality, "CS", "CT")
	return set
}

func TestComparePair_RemovedAndReplaced(t *testing.T) {
	original := originalSet()
	anonymized := tagmodel.NewAttributeSet()
	anonymized.Set(tagmodel.PatientName, "PN", "Anonymous")
	anonymized.Set(tagmodel.StudyInstanceUID, "UI", "2.25.123456")
	anonymized.Set(tagmodel.Modality, "CS", "CT")
	anonymized.Set(tagmodel.PatientIdentityRemoved, "CS", "YES")
	anonymized.Set(tagmodel.DeidentificationMethod, "LO", "basic-deidentify")

	report := ComparePair("1.dcm", original, anonymized, nil)

	var sawRemoved, sawReplaced, sawHashed, sawKept bool
	for _, c := range report.Changes {
		switch {
		case c.Tag == tagmodel.PatientID && c.Action == ActionRemoved:
			sawRemoved = true
		case c.Tag == tagmodel.PatientName && c.Action == ActionReplaced:
			sawReplaced = true
		case c.Tag == tagmodel.StudyInstanceUID && c.Action == ActionHashed:
			sawHashed = true
		case c.Tag == tagmodel.Modality && c.Action == ActionKept:
			sawKept = true
		}
	}
	assert.True(t, sawRemoved, "PatientBirthDate and PatientID dropped entirely should be removed")
	assert.True(t, sawReplaced, "PatientName literal replacement should be labelled replaced")
	assert.True(t, sawHashed, "StudyInstanceUID hashUID-shaped output should be labelled hashed")
	assert.False(t, sawKept, "Modality is not a PHI tag and should produce no kept entry")
	assert.True(t, report.PatientIdentityMarker)
	assert.Equal(t, "basic-deidentify", report.DeidentificationMethod)
}

func TestComparePair_ResidualPHIWarnings(t *testing.T) {
	original := originalSet()
	anonymized := tagmodel.NewAttributeSet()
	anonymized.Set(tagmodel.PatientName, "PN", "Doe^John") // left unchanged, not anonymous-shaped
	anonymized.Set(tagmodel.PatientBirthDate, "DA", "19800101") // still an 8-digit date
	anonymized.Set(tagmodel.StudyInstanceUID, "UI", "2.25.999")

	report := ComparePair("2.dcm", original, anonymized, nil)

	require.NotEmpty(t, report.ResidualPHIWarnings)
	var sawName, sawDate bool
	for _, w := range report.ResidualPHIWarnings {
		if w.Tag == tagmodel.PatientName {
			sawName = true
		}
		if w.Tag == tagmodel.PatientBirthDate {
			sawDate = true
		}
	}
	assert.True(t, sawName)
	assert.True(t, sawDate)
	assert.False(t, report.Conformant, "no PatientIdentityRemoved marker means non-conformant")
}

func TestComparePair_AnonymousPatternSuppressesWarning(t *testing.T) {
	original := originalSet()
	anonymized := tagmodel.NewAttributeSet()
	anonymized.Set(tagmodel.PatientName, "PN", "Anonymous")

	report := ComparePair("3.dcm", original, anonymized, nil)

	for _, w := range report.ResidualPHIWarnings {
		assert.NotEqual(t, tagmodel.PatientName, w.Tag, "documented anonymous pattern should not warn")
	}
}

func TestComparePair_ConformanceAgainstScriptExpectations(t *testing.T) {
	sc, err := script.Parse("t", `
(0010,0010) := "Anonymous"
(0008,0060) keep
(0020,000d) := hashUID[(0020,000d)]
`)
	require.NoError(t, err)
	exp := sc.Expect()

	original := originalSet()

	t.Run("conformant", func(t *testing.T) {
		anonymized := tagmodel.NewAttributeSet()
		anonymized.Set(tagmodel.PatientName, "PN", "Anonymous")
		anonymized.Set(tagmodel.Modality, "CS", "CT")
		anonymized.Set(tagmodel.StudyInstanceUID, "UI", "2.25.123")
		anonymized.Set(tagmodel.PatientIdentityRemoved, "CS", "YES")
		anonymized.Set(tagmodel.DeidentificationMethod, "LO", "basic-deidentify")

		report := ComparePair("conformant.dcm", original, anonymized, exp)
		assert.Empty(t, report.ConformanceIssues)
		assert.True(t, report.Conformant)
	})

	t.Run("non-conformant: replacement not applied", func(t *testing.T) {
		anonymized := tagmodel.NewAttributeSet()
		anonymized.Set(tagmodel.PatientName, "PN", "Doe^John")
		anonymized.Set(tagmodel.Modality, "CS", "CT")
		anonymized.Set(tagmodel.StudyInstanceUID, "UI", "2.25.123")
		anonymized.Set(tagmodel.PatientIdentityRemoved, "CS", "YES")
		anonymized.Set(tagmodel.DeidentificationMethod, "LO", "basic-deidentify")

		report := ComparePair("nonconformant.dcm", original, anonymized, exp)
		require.NotEmpty(t, report.ConformanceIssues)
		assert.False(t, report.Conformant)
	})

	t.Run("non-conformant: kept tag missing", func(t *testing.T) {
		anonymized := tagmodel.NewAttributeSet()
		anonymized.Set(tagmodel.PatientName, "PN", "Anonymous")
		anonymized.Set(tagmodel.StudyInstanceUID, "UI", "2.25.123")
		anonymized.Set(tagmodel.PatientIdentityRemoved, "CS", "YES")
		anonymized.Set(tagmodel.DeidentificationMethod, "LO", "basic-deidentify")

		report := ComparePair("missing-keep.dcm", original, anonymized, exp)
		require.NotEmpty(t, report.ConformanceIssues)
		assert.Equal(t, tagmodel.Modality, report.ConformanceIssues[0].Tag)
	})
}

func TestBuildReport_Aggregation(t *testing.T) {
	conformant := PairReport{Filename: "a.dcm", Conformant: true, Changes: []TagChange{{Tag: tagmodel.PatientName, Action: ActionReplaced}}}
	nonConformant := PairReport{Filename: "b.dcm", Conformant: false, Changes: []TagChange{{Tag: tagmodel.PatientName, Action: ActionReplaced}, {Tag: tagmodel.PatientID, Action: ActionRemoved}}}

	report := BuildReport([]PairReport{conformant, nonConformant})

	assert.Equal(t, 1, report.NonConformantFiles)
	assert.False(t, report.FullyConformant)
	assert.Equal(t, 2, report.ChangesByTag[tagmodel.PatientName])
	assert.Equal(t, 1, report.ChangesByTag[tagmodel.PatientID])
}

func TestBuildReport_FullyConformantWhenNoIssues(t *testing.T) {
	report := BuildReport([]PairReport{
		{Filename: "a.dcm", Conformant: true},
		{Filename: "b.dcm", Conformant: true},
	})
	assert.True(t, report.FullyConformant)
	assert.Zero(t, report.NonConformantFiles)
}
