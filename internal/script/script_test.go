package script

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dicomgw/gateway/internal/entity"
	"github.com/dicomgw/gateway/internal/tagmodel"
)

func TestParse_AllOperators(t *testing.T) {
	content := `
// strip patient name
(0010,0010) := "Anonymous"

// clear birth date
(0010,0030) := ""

(0020,000d) := hashUID[(0020,000d)]

(0008,0020) := shiftDateTimeByIncrement[(0008,0020), "-5", "days"]

(0008,0060) keep
`
	sc, err := Parse("test", content)
	require.NoError(t, err)
	require.Len(t, sc.Statements, 5)

	assert.Equal(t, OpAssignLiteral, sc.Statements[0].Op)
	assert.Equal(t, "Anonymous", sc.Statements[0].Literal)

	assert.Equal(t, OpClear, sc.Statements[1].Op)

	assert.Equal(t, OpHashUID, sc.Statements[2].Op)
	assert.Equal(t, tagmodel.StudyInstanceUID, sc.Statements[2].Source)

	assert.Equal(t, OpShiftDate, sc.Statements[3].Op)
	assert.Equal(t, -5, sc.Statements[3].Amount)

	assert.Equal(t, OpKeep, sc.Statements[4].Op)
}

func TestParse_UnknownOperator(t *testing.T) {
	_, err := Parse("bad", "(0010,0010) := frobnicate[foo]")
	require.Error(t, err)
	assert.True(t, entity.IsKind(err, entity.KindScriptSyntaxError))
}

func TestParse_MalformedTagRef(t *testing.T) {
	_, err := Parse("bad", `not-a-tag-line`)
	require.Error(t, err)
	assert.True(t, entity.IsKind(err, entity.KindScriptSyntaxError))
}

func TestExecute_AssignAndClear(t *testing.T) {
	set := tagmodel.NewAttributeSet()
	set.Set(tagmodel.PatientName, "PN", "Doe^John")
	set.Set(tagmodel.PatientBirthDate, "DA", "19800101")

	sc, err := Parse("t", `
(0010,0010) := "Anonymous"
(0010,0030) := ""
`)
	require.NoError(t, err)

	require.NoError(t, Execute(sc, set, "salt", nil))

	assert.Equal(t, "Anonymous", set.Value(tagmodel.PatientName))
	assert.Equal(t, "", set.Value(tagmodel.PatientBirthDate))
}

func TestExecute_HashUIDDeterministic(t *testing.T) {
	set := tagmodel.NewAttributeSet()
	set.Set(tagmodel.StudyInstanceUID, "UI", "1.2.3.4")

	sc, err := Parse("t", `(0020,000d) := hashUID[(0020,000d)]`)
	require.NoError(t, err)

	set2 := set.Clone()

	require.NoError(t, Execute(sc, set, "brokerA", nil))
	require.NoError(t, Execute(sc, set2, "brokerA", nil))

	assert.Equal(t, set.Value(tagmodel.StudyInstanceUID), set2.Value(tagmodel.StudyInstanceUID))
	assert.NotEqual(t, "1.2.3.4", set.Value(tagmodel.StudyInstanceUID))
}

func TestExecute_HashUIDSaltChangesOutput(t *testing.T) {
	mk := func(salt string) string {
		set := tagmodel.NewAttributeSet()
		set.Set(tagmodel.StudyInstanceUID, "UI", "1.2.3.4")
		sc, _ := Parse("t", `(0020,000d) := hashUID[(0020,000d)]`)
		_ = Execute(sc, set, salt, nil)
		return set.Value(tagmodel.StudyInstanceUID)
	}
	assert.NotEqual(t, mk("brokerA"), mk("brokerB"))
}

func TestExecute_ShiftDate(t *testing.T) {
	set := tagmodel.NewAttributeSet()
	set.Set(tagmodel.StudyDate, "DA", "20240115")

	sc, err := Parse("t", `(0008,0020) := shiftDateTimeByIncrement[(0008,0020), "10", "days"]`)
	require.NoError(t, err)

	require.NoError(t, Execute(sc, set, "", nil))
	assert.Equal(t, "20240125", set.Value(tagmodel.StudyDate))
}

func TestExecute_ShiftDateInvalidValue(t *testing.T) {
	set := tagmodel.NewAttributeSet()
	set.Set(tagmodel.StudyDate, "DA", "not-a-date")

	sc, err := Parse("t", `(0008,0020) := shiftDateTimeByIncrement[(0008,0020), "10", "days"]`)
	require.NoError(t, err)

	err = Execute(sc, set, "", nil)
	require.Error(t, err)
	assert.True(t, entity.IsKind(err, entity.KindInvalidDateValue))
}

func TestExpect_Summarizes(t *testing.T) {
	sc, err := Parse("t", `
(0010,0010) := "Anonymous"
(0010,0030) := ""
(0020,000d) := hashUID[(0020,000d)]
(0008,0020) := shiftDateTimeByIncrement[(0008,0020), "5", "days"]
(0008,0060) keep
`)
	require.NoError(t, err)

	exp := sc.Expect()
	assert.Equal(t, "Anonymous", exp.Replaced[tagmodel.PatientName])
	assert.True(t, exp.Removed[tagmodel.PatientBirthDate])
	assert.True(t, exp.Hashed[tagmodel.StudyInstanceUID])
	assert.Equal(t, 5, exp.DateShift[tagmodel.StudyDate])
	assert.True(t, exp.Kept[tagmodel.Modality])
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(`(0010,0010) := "Anonymous"`))
	assert.Error(t, Validate(`(0010,0010) := bogus[]`))
}
