package script

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/dicomgw/gateway/internal/entity"
	"github.com/dicomgw/gateway/internal/tagmodel"
)

// UIDHasher produces a deterministic UID-like string for x, scoped by salt.
// Passing the broker name as salt gives each broker its own hash space; a
// hasher only computes the value and records nothing in the crosswalk.
type UIDHasher func(salt, x string) string

// DefaultUIDHasher hashes salt+x with SHA-256 and renders the digest as a
// "2.25."-prefixed, all-digit UID-shaped string.
func DefaultUIDHasher(salt, x string) string {
	sum := sha256.Sum256([]byte(salt + "|" + x))
	hexDigest := hex.EncodeToString(sum[:])
	// Map each hex digit to one decimal digit (a-f become 0-5) so the value
	// is all digits like a UID component; the mapping is many-to-one.
	return "2.25." + hexDigitsToDecimalish(hexDigest)
}

func hexDigitsToDecimalish(h string) string {
	out := make([]byte, 0, len(h))
	for _, c := range h {
		switch {
		case c >= '0' && c <= '9':
			out = append(out, byte(c))
		default:
			out = append(out, byte('0'+(c-'a')))
		}
	}
	return string(out)
}

const dateLayout = "20060102"

// Execute applies sc to set in source order, mutating it in place. salt
// scopes hashUID calls (typically the broker name, or a process-wide
// constant when no broker is in play); hasher defaults to DefaultUIDHasher
// when nil.
func Execute(sc *Script, set *tagmodel.AttributeSet, salt string, hasher UIDHasher) error {
	if hasher == nil {
		hasher = DefaultUIDHasher
	}

	for _, stmt := range sc.Statements {
		switch stmt.Op {
		case OpAssignLiteral:
			vr := existingVR(set, stmt.Target)
			set.Set(stmt.Target, vr, stmt.Literal)

		case OpClear:
			vr := existingVR(set, stmt.Target)
			set.Set(stmt.Target, vr, "")

		case OpHashUID:
			src, _ := set.Get(stmt.Source)
			input := ""
			if src != nil {
				input = src.Value
			}
			hashed := hasher(salt, input)
			set.Set(stmt.Target, "UI", hashed)

		case OpShiftDate:
			src, ok := set.Get(stmt.Source)
			if !ok || src.Value == "" {
				continue
			}
			shifted, err := shiftDate(src.Value, stmt.Amount)
			if err != nil {
				return entity.NewGatewayError(entity.KindInvalidDateValue, err.Error(), err).
					WithDiagnostics(fmt.Sprintf("line %d", stmt.Line))
			}
			vr := existingVR(set, stmt.Target)
			set.Set(stmt.Target, vr, shifted)

		case OpKeep:
			// assertion only: nothing mutates. The verifier (§4.E) checks
			// that keep-declared tags are unchanged post-execution.
		}
	}
	return nil
}

func existingVR(set *tagmodel.AttributeSet, t tagmodel.Tag) tagmodel.VR {
	if a, ok := set.Get(t); ok {
		return a.VR
	}
	return ""
}

func shiftDate(value string, days int) (string, error) {
	if len(value) < 8 {
		return "", fmt.Errorf("shiftDateTimeByIncrement: value %q is shorter than yyyymmdd", value)
	}
	t, err := time.Parse(dateLayout, value[:8])
	if err != nil {
		return "", fmt.Errorf("shiftDateTimeByIncrement: value %q is not parseable as yyyymmdd", value)
	}
	shifted := t.AddDate(0, 0, days)
	return shifted.Format(dateLayout), nil
}
