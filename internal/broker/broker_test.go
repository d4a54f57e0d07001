package broker

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dicomgw/gateway/internal/crosswalk"
)

func newTestBroker(t *testing.T, cfg Config) (*Broker, *crosswalk.Store) {
	t.Helper()
	dir := t.TempDir()
	store, err := crosswalk.Open(filepath.Join(dir, "crosswalk.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	cfg.Name = "testBroker"
	return New(cfg, store, 42), store
}

func TestPseudonymize_CacheHitReturnsSameValue(t *testing.T) {
	b, _ := newTestBroker(t, Config{Scheme: SchemeSequential, Prefix: "SUBJ"})
	ctx := context.Background()

	first, err := b.Pseudonymize(ctx, "PAT1", "patientId")
	require.NoError(t, err)

	second, err := b.Pseudonymize(ctx, "PAT1", "patientId")
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestPseudonymize_SequentialScheme(t *testing.T) {
	b, _ := newTestBroker(t, Config{Scheme: SchemeSequential, Prefix: "SUBJ"})
	ctx := context.Background()

	first, err := b.Pseudonymize(ctx, "PAT1", "patientId")
	require.NoError(t, err)
	assert.Equal(t, "SUBJ-00001", first)

	second, err := b.Pseudonymize(ctx, "PAT2", "patientId")
	require.NoError(t, err)
	assert.Equal(t, "SUBJ-00002", second)
}

func TestPseudonymize_HashScheme(t *testing.T) {
	b, _ := newTestBroker(t, Config{Scheme: SchemeHash, Prefix: "SUBJ"})
	ctx := context.Background()

	out, err := b.Pseudonymize(ctx, "PAT1", "patientId")
	require.NoError(t, err)
	assert.Regexp(t, `^SUBJ-[0-9A-F]{6}$`, out)
}

func TestPseudonymize_AdjectiveAnimalDeterministic(t *testing.T) {
	b1, _ := newTestBroker(t, Config{Scheme: SchemeAdjectiveAnimal})
	b2, _ := newTestBroker(t, Config{Scheme: SchemeAdjectiveAnimal})
	ctx := context.Background()

	out1, err := b1.Pseudonymize(ctx, "PAT-SAME-INPUT", "patientId")
	require.NoError(t, err)
	out2, err := b2.Pseudonymize(ctx, "PAT-SAME-INPUT", "patientId")
	require.NoError(t, err)

	assert.Equal(t, out1, out2, "same idIn must map to the same dictionary words regardless of store history")
}

func TestPseudonymize_SequentialCountsExistingMappings(t *testing.T) {
	b, store := newTestBroker(t, Config{Scheme: SchemeSequential, Prefix: "SUBJ"})
	ctx := context.Background()

	// Pre-seed a mapping under a different idIn so MappingCount moves past
	// zero before the real allocation happens.
	_, err := store.Store(ctx, "testBroker", "SEED", "SUBJ-00001", "patientId")
	require.NoError(t, err)

	out, err := b.Pseudonymize(ctx, "PAT1", "patientId")
	require.NoError(t, err)
	assert.Equal(t, "SUBJ-00002", out)
}

func TestPseudonymize_SequentialScheme_SkipsExistingIDOut(t *testing.T) {
	b, store := newTestBroker(t, Config{Scheme: SchemeSequential, Prefix: "SUBJ"})
	ctx := context.Background()

	// Pre-seed SUBJ-00002 under an unrelated idIn: with one mapping on
	// record, the naive count+1 computation would hand out SUBJ-00002 again.
	// The allocator must detect the collision and walk past it.
	_, err := store.Store(ctx, "testBroker", "SEED", "SUBJ-00002", "patientId")
	require.NoError(t, err)

	out, err := b.Pseudonymize(ctx, "PAT1", "patientId")
	require.NoError(t, err)
	assert.Equal(t, "SUBJ-00003", out, "allocator must skip an idOut already taken by another mapping")
}

func TestDateShift_DisabledReturnsZero(t *testing.T) {
	b, _ := newTestBroker(t, Config{Scheme: SchemeSequential, DateShift: DateShiftConfig{Enabled: false}})
	shift, err := b.DateShift(context.Background(), "PAT1")
	require.NoError(t, err)
	assert.Equal(t, 0, shift)
}

func TestDateShift_PersistsAcrossCalls(t *testing.T) {
	b, _ := newTestBroker(t, Config{
		Scheme:    SchemeSequential,
		DateShift: DateShiftConfig{Enabled: true, MinDays: -30, MaxDays: 30},
	})
	ctx := context.Background()

	first, err := b.DateShift(ctx, "PAT1")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, first, -30)
	assert.LessOrEqual(t, first, 30)

	second, err := b.DateShift(ctx, "PAT1")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestPseudonymize_ScriptSchemeFallsBackOnError(t *testing.T) {
	b, _ := newTestBroker(t, Config{
		Scheme:     SchemeScript,
		ScriptBody: `this is not valid CEL +++`,
	})
	out, err := b.Pseudonymize(context.Background(), "PAT1", "patientId")
	require.NoError(t, err, "a broken script must fall back to adjective_animal rather than error")
	assert.NotEmpty(t, out)
}

func TestPseudonymize_ScriptSchemeValidExpression(t *testing.T) {
	b, _ := newTestBroker(t, Config{
		Scheme:     SchemeScript,
		ScriptBody: `prefix + "-" + idIn`,
		Prefix:     "SUBJ",
	})
	out, err := b.Pseudonymize(context.Background(), "PAT1", "patientId")
	require.NoError(t, err)
	assert.Equal(t, "SUBJ-PAT1", out)
}
