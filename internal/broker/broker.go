// Package broker implements the honest-broker pseudonymization service
// (§4.C): deterministic pseudonym generation across six schemes, a
// persisted date-shift allocator, and UID-hash reversal bookkeeping, backed
// by the crosswalk store.
package broker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/rand"

	"github.com/dicomgw/gateway/internal/crosswalk"
	"github.com/dicomgw/gateway/internal/entity"
)

// Scheme names one of the six deterministic pseudonym generators.
type Scheme string

const (
	SchemeAdjectiveAnimal Scheme = "adjective_animal"
	SchemeColorAnimal     Scheme = "color_animal"
	SchemeNATOPhonetic    Scheme = "nato_phonetic"
	SchemeSequential      Scheme = "sequential"
	SchemeHash            Scheme = "hash"
	SchemeScript          Scheme = "script"
)

// DateShiftConfig bounds a broker's random per-patient date shift.
type DateShiftConfig struct {
	Enabled bool
	MinDays int
	MaxDays int
}

// Config describes one configured broker instance.
type Config struct {
	Name       string
	Scheme     Scheme
	Prefix     string
	DateShift  DateShiftConfig
	HashUIDs   bool
	ScriptBody string // only used when Scheme == SchemeScript
}

// Broker produces deterministic pseudonyms for a single configured broker
// name, backed by a shared crosswalk Store.
type Broker struct {
	cfg   Config
	store *crosswalk.Store
	rng   *rand.Rand
}

// New constructs a Broker bound to store. rngSeed fixes the date-shift
// allocator's randomness source so tests are reproducible; production
// callers pass a value derived from a real entropy source.
func New(cfg Config, store *crosswalk.Store, rngSeed int64) *Broker {
	return &Broker{cfg: cfg, store: store, rng: rand.New(rand.NewSource(rngSeed))}
}

// Pseudonymize resolves (idIn, idType) to a stable idOut: a cache hit
// returns the existing mapping, a miss computes a new one per the
// configured scheme and persists it.
func (b *Broker) Pseudonymize(ctx context.Context, idIn, idType string) (string, error) {
	if existing, ok, err := b.store.Lookup(ctx, b.cfg.Name, idIn, idType); err != nil {
		return "", err
	} else if ok {
		_ = b.store.Log(ctx, crosswalk.LogEntry{
			Action: crosswalk.ActionLookup, IDIn: idIn, IDOut: existing, IDType: idType,
		})
		return existing, nil
	}

	candidate, err := b.generate(ctx, idIn, idType)
	if err != nil {
		return "", err
	}

	idOut, err := b.store.Store(ctx, b.cfg.Name, idIn, candidate, idType)
	if err != nil {
		return "", err
	}
	_ = b.store.Log(ctx, crosswalk.LogEntry{
		Action: crosswalk.ActionCreate, IDIn: idIn, IDOut: idOut, IDType: idType,
	})
	return idOut, nil
}

// generate computes a fresh candidate idOut per the broker's scheme,
// retrying with a numeric suffix until it is unique within the broker. A
// successful script-scheme result is returned as is, without that check.
func (b *Broker) generate(ctx context.Context, idIn, idType string) (string, error) {
	switch b.cfg.Scheme {
	case SchemeSequential:
		count, err := b.store.MappingCount(ctx, b.cfg.Name)
		if err != nil {
			return "", err
		}
		return b.uniqueBy(ctx, idType, func(suffix int) string {
			return fmt.Sprintf("%s-%05d", b.cfg.Prefix, count+1+suffix)
		})

	case SchemeHash:
		return b.uniqueBy(ctx, idType, func(suffix int) string {
			sum := sha256.Sum256([]byte(idIn))
			base := hex.EncodeToString(sum[:3])
			if suffix == 0 {
				return fmt.Sprintf("%s-%s", b.cfg.Prefix, upperHex(base))
			}
			return fmt.Sprintf("%s-%s-%d", b.cfg.Prefix, upperHex(base), suffix)
		})

	case SchemeAdjectiveAnimal:
		return b.uniqueBy(ctx, idType, func(suffix int) string {
			return dictionaryName(idIn, adjectives, animals, suffix)
		})

	case SchemeColorAnimal:
		return b.uniqueBy(ctx, idType, func(suffix int) string {
			return dictionaryName(idIn, colors, animals, suffix)
		})

	case SchemeNATOPhonetic:
		return b.uniqueBy(ctx, idType, func(suffix int) string {
			return natoName(idIn, suffix)
		})

	case SchemeScript:
		count, countErr := b.store.MappingCount(ctx, b.cfg.Name)
		if countErr != nil {
			count = 0
		}
		result, err := runScriptScheme(b.cfg.ScriptBody, idIn, idType, b.cfg.Prefix, b.cfg.Name, count)
		if err != nil {
			// Errors fall back to adjective_animal per §4.C.
			return b.uniqueBy(ctx, idType, func(suffix int) string {
				return dictionaryName(idIn, adjectives, animals, suffix)
			})
		}
		return result, nil

	default:
		return "", entity.NewGatewayError(entity.KindBrokerFailure, fmt.Sprintf("unknown scheme %q", b.cfg.Scheme), nil)
	}
}

// uniqueBy calls gen with an increasing suffix until the crosswalk store
// reports no collision for the candidate within this broker's namespace.
func (b *Broker) uniqueBy(ctx context.Context, idType string, gen func(suffix int) string) (string, error) {
	for suffix := 0; suffix < 10000; suffix++ {
		candidate := gen(suffix)
		exists, err := b.store.IDOutExists(ctx, b.cfg.Name, candidate, idType)
		if err != nil {
			return "", err
		}
		if !exists {
			return candidate, nil
		}
	}
	return "", entity.NewGatewayError(entity.KindBrokerFailure, "exhausted suffix space without finding a unique pseudonym", nil)
}

// DateShift returns the persisted date shift in days for a patient,
// allocating a new random value in [MinDays, MaxDays] on first request, or
// 0 if date shifting is disabled for this broker.
func (b *Broker) DateShift(ctx context.Context, patientID string) (int, error) {
	if !b.cfg.DateShift.Enabled {
		return 0, nil
	}
	return b.store.DateShift(ctx, b.cfg.Name, patientID, func() int {
		span := b.cfg.DateShift.MaxDays - b.cfg.DateShift.MinDays
		if span <= 0 {
			return b.cfg.DateShift.MinDays
		}
		return b.cfg.DateShift.MinDays + b.rng.Intn(span+1)
	})
}

// HashUID maps a UID through the broker's pseudonymization scheme, recording
// the mapping in the crosswalk for later reversal. It does not read
// Config.HashUIDs.
func (b *Broker) HashUID(ctx context.Context, original, uidType string) (string, error) {
	hashed, err := b.Pseudonymize(ctx, original, uidType)
	if err != nil {
		return "", err
	}
	return hashed, nil
}

func upperHex(s string) string {
	out := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'a' && c <= 'f' {
			c -= 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}
