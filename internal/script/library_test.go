package script

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLibrary_SeedsBuiltins(t *testing.T) {
	lib := NewLibrary()
	entries := lib.List()
	require.Len(t, entries, 2)

	entry, parsed, ok := lib.Get("basic-deidentify")
	require.True(t, ok)
	assert.True(t, entry.Builtin)
	assert.NotEmpty(t, parsed.Statements)
}

func TestLibrary_Add(t *testing.T) {
	lib := NewLibrary()

	entry, err := lib.Add(Entry{
		Name:    "custom-1",
		Content: `(0010,0010) := "Anonymous"`,
	})
	require.NoError(t, err)
	assert.Equal(t, "custom-1", entry.Name)

	_, _, ok := lib.Get("custom-1")
	assert.True(t, ok)
}

func TestLibrary_AddDuplicateRejected(t *testing.T) {
	lib := NewLibrary()
	_, err := lib.Add(Entry{Name: "basic-deidentify", Content: `(0010,0010) := ""`})
	assert.Error(t, err)
}

func TestLibrary_AddInvalidScriptRejected(t *testing.T) {
	lib := NewLibrary()
	_, err := lib.Add(Entry{Name: "bad", Content: `not valid`})
	require.Error(t, err)

	_, _, ok := lib.Get("bad")
	assert.False(t, ok)
}

func TestLibrary_UpdateAndDelete(t *testing.T) {
	lib := NewLibrary()
	_, err := lib.Add(Entry{Name: "custom-1", Content: `(0010,0010) := "X"`})
	require.NoError(t, err)

	updated, err := lib.Update("custom-1", `(0010,0010) := "Y"`)
	require.NoError(t, err)
	assert.Equal(t, `(0010,0010) := "Y"`, updated.Content)
	_, parsed, _ := lib.Get("custom-1")
	assert.Equal(t, "Y", parsed.Statements[0].Literal)
	assert.NotZero(t, updated.UpdatedAt)

	require.NoError(t, lib.Delete("custom-1"))
	_, _, ok := lib.Get("custom-1")
	assert.False(t, ok)
}

func TestLibrary_BuiltinCannotBeModified(t *testing.T) {
	lib := NewLibrary()
	_, err := lib.Update("basic-deidentify", `(0010,0010) := "X"`)
	assert.Error(t, err)

	err = lib.Delete("basic-deidentify")
	assert.Error(t, err)
}

func TestLibrary_ManifestJSON(t *testing.T) {
	lib := NewLibrary()
	data, err := lib.ManifestJSON()
	require.NoError(t, err)
	assert.Contains(t, string(data), "basic-deidentify")
}
