package routing

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/dicomgw/gateway/internal/entity"
	"github.com/dicomgw/gateway/internal/tagmodel"
	"github.com/dicomgw/gateway/internal/validation"
)

// Decision is the routing engine's output for one study: either a
// destination-edge list or a terminal rejection/filtered outcome.
type Decision struct {
	Destinations []entity.DestinationEdge
	Filtered     bool
	Validation   *validation.Result
}

// Validate runs every ValidationRule against set, applying each rule's
// OnFailure disposition. A reject match returns ValidationFailed
// immediately; warn/log dispositions accumulate into the returned Result
// and evaluation continues.
func Validate(rules []entity.ValidationRule, set *tagmodel.AttributeSet) (*validation.Result, error) {
	result := validation.NewResult()

	for _, rule := range rules {
		ok, detail := evalValidationRule(rule, set)
		if ok {
			continue
		}

		switch rule.OnFailure {
		case entity.OnFailureReject:
			result.AddError(codeForRule(rule.Type), detail)
			return result, entity.NewGatewayError(entity.KindValidationFailed, detail, nil).WithDiagnostics(rule.Name)
		case entity.OnFailureWarn:
			result.AddWarning(codeForRule(rule.Type), detail)
		default: // log
			result.AddInfo(codeForRule(rule.Type), detail)
		}
	}

	return result, nil
}

func codeForRule(t entity.ValidationRuleType) string {
	switch t {
	case entity.ValidationRequiredTag:
		return validation.CodeRequiredTagMissing
	case entity.ValidationTagLength:
		return validation.CodeTagLengthViolation
	default:
		return validation.CodeTagValueMismatch
	}
}

func evalValidationRule(rule entity.ValidationRule, set *tagmodel.AttributeSet) (bool, string) {
	switch rule.Type {
	case entity.ValidationRequiredTag:
		tag, ok := tagmodel.ParseRef(rule.Tag)
		if !ok || !set.Has(tag) {
			return false, fmt.Sprintf("rule %q: required tag %s missing", rule.Name, rule.Tag)
		}
		return true, ""
	case entity.ValidationTagValue:
		actual, present := resolveTag(set, rule.Tag)
		if !present {
			return false, fmt.Sprintf("rule %q: tag %s missing", rule.Name, rule.Tag)
		}
		if !matchOperator(rule.Operator, actual, rule.Value, rule.Values) {
			return false, fmt.Sprintf("rule %q: tag %s value %q did not satisfy %s", rule.Name, rule.Tag, actual, rule.Operator)
		}
		return true, ""
	case entity.ValidationTagLength:
		actual, _ := resolveTag(set, rule.Tag)
		if rule.MinLength > 0 && len(actual) < rule.MinLength {
			return false, fmt.Sprintf("rule %q: tag %s shorter than %d", rule.Name, rule.Tag, rule.MinLength)
		}
		if rule.MaxLength > 0 && len(actual) > rule.MaxLength {
			return false, fmt.Sprintf("rule %q: tag %s longer than %d", rule.Name, rule.Tag, rule.MaxLength)
		}
		return true, ""
	default:
		return true, ""
	}
}

// Filter reports whether set passes every FilterRule: all exclude rules
// must not match, and all include rules must match.
func Filter(rules []entity.FilterRule, set *tagmodel.AttributeSet) bool {
	for _, rule := range rules {
		actual, _ := resolveTag(set, rule.Tag)
		matched := matchOperator(rule.Operator, actual, rule.Value, rule.Values)

		switch rule.Action {
		case entity.FilterExclude:
			if matched {
				return false
			}
		case entity.FilterInclude:
			if !matched {
				return false
			}
		}
	}
	return true
}

// SelectDestinations evaluates RoutingRules in declared order; the first
// match contributes exactly its named destinations. No match falls back to
// every enabled route destination, sorted by ascending Priority.
func SelectDestinations(rules []entity.RoutingRule, allDestinations []entity.DestinationEdge, set *tagmodel.AttributeSet) []entity.DestinationEdge {
	for _, rule := range rules {
		actual, _ := resolveTag(set, rule.Tag)
		if matchOperator(rule.Operator, actual, rule.Value, rule.Values) {
			return destinationsByName(allDestinations, rule.Destinations)
		}
	}

	sorted := append([]entity.DestinationEdge(nil), allDestinations...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })
	return sorted
}

func destinationsByName(all []entity.DestinationEdge, names []string) []entity.DestinationEdge {
	byName := make(map[string]entity.DestinationEdge, len(all))
	for _, d := range all {
		byName[d.DestinationName] = d
	}
	out := make([]entity.DestinationEdge, 0, len(names))
	for _, n := range names {
		if d, ok := byName[n]; ok {
			out = append(out, d)
		}
	}
	return out
}

// Rewrite applies a route's TagModification list sequentially, in place.
func Rewrite(mods []entity.TagModification, set *tagmodel.AttributeSet) error {
	for _, mod := range mods {
		tag, ok := tagmodel.ParseRef(mod.Tag)
		if !ok {
			return fmt.Errorf("rewrite: unresolvable tag reference %q", mod.Tag)
		}

		switch mod.Action {
		case entity.TagModSet:
			set.Set(tag, existingVR(set, tag), mod.Value)
		case entity.TagModRemove:
			set.Remove(tag)
		case entity.TagModCopyFrom:
			src, ok := tagmodel.ParseRef(mod.SourceTag)
			if !ok {
				return fmt.Errorf("rewrite: unresolvable source tag reference %q", mod.SourceTag)
			}
			set.Set(tag, existingVR(set, tag), set.Value(src))
		case entity.TagModPrefix:
			set.Set(tag, existingVR(set, tag), mod.Value+set.Value(tag))
		case entity.TagModSuffix:
			set.Set(tag, existingVR(set, tag), set.Value(tag)+mod.Value)
		case entity.TagModHash:
			set.Set(tag, existingVR(set, tag), hashTagValue(set.Value(tag)))
		default:
			return fmt.Errorf("rewrite: unknown action %q", mod.Action)
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

// hashTagValue implements the documented deterministic hash action: SHA-256,
// first 8 hex chars, upper case.
func hashTagValue(value string) string {
	sum := sha256.Sum256([]byte(value))
	digest := hex.EncodeToString(sum[:])
	return upperHex(digest[:8])
}

func upperHex(s string) string {
	out := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}
