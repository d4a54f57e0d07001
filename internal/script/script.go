// Package script implements the anonymization-script grammar parser and
// executor used by the de-identification executor (§4.E) and referenced by
// the audit diff's conformance check (§4.F).
//
// Grammar, one statement per line, `//` starts a trailing comment:
//
//	(gggg,eeee) := "literal"
//	(gggg,eeee) := hashUID[(gggg,eeee)]
//	(gggg,eeee) := shiftDateTimeByIncrement[(gggg,eeee), "N", "days"]
//	(gggg,eeee) keep
package script

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/dicomgw/gateway/internal/entity"
	"github.com/dicomgw/gateway/internal/tagmodel"
)

// OpKind names the operator of one parsed statement.
type OpKind int

const (
	OpAssignLiteral OpKind = iota
	OpClear
	OpHashUID
	OpShiftDate
	OpKeep
)

// Statement is one parsed line of script.
type Statement struct {
	Target  tagmodel.Tag
	Op      OpKind
	Literal string
	Source  tagmodel.Tag // hashUID / shiftDateTimeByIncrement source tag
	Amount  int          // shiftDateTimeByIncrement N
	Line    int
}

// Script is a parsed, ready-to-execute anonymization script.
type Script struct {
	Name       string
	Statements []Statement
}

var (
	lineRe      = regexp.MustCompile(`^\(\s*([0-9A-Fa-f]{4})\s*,\s*([0-9A-Fa-f]{4})\s*\)\s*(.*)$`)
	literalRe   = regexp.MustCompile(`^:=\s*"([^"]*)"\s*$`)
	hashUIDRe   = regexp.MustCompile(`^:=\s*hashUID\s*\[\s*\(\s*([0-9A-Fa-f]{4})\s*,\s*([0-9A-Fa-f]{4})\s*\)\s*\]\s*$`)
	shiftDateRe = regexp.MustCompile(`^:=\s*shiftDateTimeByIncrement\s*\[\s*\(\s*([0-9A-Fa-f]{4})\s*,\s*([0-9A-Fa-f]{4})\s*\)\s*,\s*"(-?\d+)"\s*,\s*"days"\s*\]\s*$`)
	keepRe      = regexp.MustCompile(`^keep\s*$`)
)

// Parse parses script text into a Script, rejecting the whole script on the
// first unrecognized line: an anonymization script is either fully valid or
// not executed at all.
func Parse(name, content string) (*Script, error) {
	sc := &Script{Name: name}

	lines := strings.Split(content, "\n")
	for i, raw := range lines {
		line := stripComment(raw)
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		m := lineRe.FindStringSubmatch(line)
		if m == nil {
			return nil, syntaxErr(i+1, line, "expected a (gggg,eeee) tag reference")
		}
		target := parseHex(m[1], m[2])
		rest := strings.TrimSpace(m[3])

		stmt := Statement{Target: target, Line: i + 1}

		switch {
		case literalRe.MatchString(rest):
			lit := literalRe.FindStringSubmatch(rest)[1]
			if lit == "" {
				stmt.Op = OpClear
			} else {
				stmt.Op = OpAssignLiteral
				stmt.Literal = lit
			}
		case hashUIDRe.MatchString(rest):
			hm := hashUIDRe.FindStringSubmatch(rest)
			stmt.Op = OpHashUID
			stmt.Source = parseHex(hm[1], hm[2])
		case shiftDateRe.MatchString(rest):
			sm := shiftDateRe.FindStringSubmatch(rest)
			stmt.Op = OpShiftDate
			stmt.Source = parseHex(sm[1], sm[2])
			n, err := strconv.Atoi(sm[3])
			if err != nil {
				return nil, syntaxErr(i+1, line, "invalid shift amount")
			}
			stmt.Amount = n
		case keepRe.MatchString(rest):
			stmt.Op = OpKeep
		default:
			return nil, syntaxErr(i+1, line, "unknown operator")
		}

		sc.Statements = append(sc.Statements, stmt)
	}

	return sc, nil
}

// Validate parses content and discards the result, so a script can be checked
// without adding it to a Library (the Library itself validates through Parse).
func Validate(content string) error {
	_, err := Parse("", content)
	return err
}

func syntaxErr(line int, text, reason string) error {
	return entity.NewGatewayError(
		entity.KindScriptSyntaxError,
		fmt.Sprintf("line %d: %s", line, reason),
		nil,
	).WithDiagnostics(text)
}

func stripComment(line string) string {
	if idx := strings.Index(line, "//"); idx >= 0 {
		return line[:idx]
	}
	return line
}

func parseHex(groupHex, elementHex string) tagmodel.Tag {
	group, _ := strconv.ParseUint(groupHex, 16, 16)
	element, _ := strconv.ParseUint(elementHex, 16, 16)
	return tagmodel.NewTag(uint16(group), uint16(element))
}

// Expectations summarizes, per target tag, what this script declares it will
// do — used by the audit diff's conformance check (§4.F) without re-running
// the script against a concrete attribute set.
type Expectations struct {
	Kept      map[tagmodel.Tag]bool
	Removed   map[tagmodel.Tag]bool
	Replaced  map[tagmodel.Tag]string
	Hashed    map[tagmodel.Tag]bool
	DateShift map[tagmodel.Tag]int
}

// Expect derives the Expectations for conformance checking.
func (sc *Script) Expect() *Expectations {
	exp := &Expectations{
		Kept:      make(map[tagmodel.Tag]bool),
		Removed:   make(map[tagmodel.Tag]bool),
		Replaced:  make(map[tagmodel.Tag]string),
		Hashed:    make(map[tagmodel.Tag]bool),
		DateShift: make(map[tagmodel.Tag]int),
	}
	for _, stmt := range sc.Statements {
		switch stmt.Op {
		case OpKeep:
			exp.Kept[stmt.Target] = true
		case OpClear:
			exp.Removed[stmt.Target] = true
		case OpAssignLiteral:
			exp.Replaced[stmt.Target] = stmt.Literal
		case OpHashUID:
			exp.Hashed[stmt.Target] = true
		case OpShiftDate:
			exp.DateShift[stmt.Target] = stmt.Amount
		}
	}
	return exp
}
