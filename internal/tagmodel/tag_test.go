package tagmodel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTag_String(t *testing.T) {
	tag := NewTag(0x0010, 0x0010)
	assert.Equal(t, "(0010,0010)", tag.String())
	assert.Equal(t, uint16(0x0010), tag.Group())
	assert.Equal(t, uint16(0x0010), tag.Element())
}

func TestTag_IsGroupLength(t *testing.T) {
	assert.True(t, NewTag(0x0008, 0x0000).IsGroupLength())
	assert.False(t, NewTag(0x0008, 0x0010).IsGroupLength())
}

func TestTag_IsFileMetaGroup(t *testing.T) {
	assert.True(t, NewTag(0x0002, 0x0010).IsFileMetaGroup())
	assert.False(t, NewTag(0x0008, 0x0010).IsFileMetaGroup())
}

func TestParseRef_WellKnownName(t *testing.T) {
	tag, ok := ParseRef("PatientID")
	require.True(t, ok)
	assert.Equal(t, PatientID, tag)
}

func TestParseRef_HexPair(t *testing.T) {
	tag, ok := ParseRef("0010,0020")
	require.True(t, ok)
	assert.Equal(t, PatientID, tag)

	tag, ok = ParseRef("(0010,0020)")
	require.True(t, ok)
	assert.Equal(t, PatientID, tag)
}

func TestParseRef_Invalid(t *testing.T) {
	_, ok := ParseRef("not-a-tag")
	assert.False(t, ok)
}

func TestAttributeSet_SetGetRemove(t *testing.T) {
	s := NewAttributeSet()
	s.Set(PatientID, "LO", "P1")
	assert.Equal(t, "P1", s.Value(PatientID))
	assert.True(t, s.Has(PatientID))

	s.Remove(PatientID)
	assert.False(t, s.Has(PatientID))
	assert.Equal(t, "", s.Value(PatientID))
}

func TestAttributeSet_Clone_IsIndependent(t *testing.T) {
	s := NewAttributeSet()
	s.Set(PatientName, "PN", "Doe^John")

	clone := s.Clone()
	clone.Set(PatientName, "PN", "Anonymous")

	assert.Equal(t, "Doe^John", s.Value(PatientName))
	assert.Equal(t, "Anonymous", clone.Value(PatientName))
}

func TestAttributeSet_TagsAscending(t *testing.T) {
	s := NewAttributeSet()
	s.Set(SeriesInstanceUID, "UI", "1.2")
	s.Set(PatientID, "LO", "P1")
	s.Set(StudyInstanceUID, "UI", "1.1")

	tags := s.Tags()
	require.Len(t, tags, 3)
	for i := 1; i < len(tags); i++ {
		assert.Less(t, tags[i-1], tags[i])
	}
}

func TestCompare_DetectsChanges(t *testing.T) {
	before := NewAttributeSet()
	before.Set(PatientID, "LO", "P1")
	before.Set(PatientName, "PN", "Doe^John")

	after := NewAttributeSet()
	after.Set(PatientID, "LO", "SUBJ-00001")

	diffs := Compare(before, after)

	var found bool
	for _, d := range diffs {
		if d.Tag == PatientID {
			found = true
			assert.True(t, d.Changed())
			assert.Equal(t, "P1", d.Before)
			assert.Equal(t, "SUBJ-00001", d.After)
		}
		if d.Tag == PatientName {
			assert.True(t, d.Changed())
			assert.False(t, d.AfterExist)
		}
	}
	assert.True(t, found)
}
