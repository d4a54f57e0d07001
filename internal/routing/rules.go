// Package routing implements the routing engine (§4.H): validate, filter,
// select destinations, and rewrite tags against a study's representative
// attribute set.
package routing

import (
	"regexp"
	"strings"

	"github.com/dicomgw/gateway/internal/entity"
	"github.com/dicomgw/gateway/internal/tagmodel"
)

// resolveTag resolves a rule's tag reference (hex pair or well-known name)
// and reads its string value from set, "" if unresolved or absent.
func resolveTag(set *tagmodel.AttributeSet, ref string) (string, bool) {
	tag, ok := tagmodel.ParseRef(ref)
	if !ok {
		return "", false
	}
	return set.Value(tag), set.Has(tag)
}

// matchOperator evaluates one operator/value/values predicate against an
// attribute's actual string value.
func matchOperator(op entity.Operator, actual, value string, values []string) bool {
	switch op {
	case entity.OpEquals:
		return actual == value
	case entity.OpContains:
		return strings.Contains(actual, value)
	case entity.OpStartsWith:
		return strings.HasPrefix(actual, value)
	case entity.OpEndsWith:
		return strings.HasSuffix(actual, value)
	case entity.OpMatches:
		re, err := regexp.Compile(value)
		if err != nil {
			return false
		}
		return re.MatchString(actual)
	case entity.OpIn:
		for _, v := range values {
			if actual == v {
				return true
			}
		}
		return false
	default:
		return false
	}
}
