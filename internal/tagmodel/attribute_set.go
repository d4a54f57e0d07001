package tagmodel

import "sort"

// VR is a value representation code, e.g. "PN", "UI", "DA". The set operates
// on decoded strings; raw byte payloads (pixel data in particular) are
// handled out-of-band by the de-id executor's streaming path.
type VR string

// Attribute is a single decoded element: a tag, its value representation,
// and its value rendered as a string plus the original raw bytes when the
// caller needs them (e.g. to re-emit unmodified binary VRs).
type Attribute struct {
	Tag   Tag
	VR    VR
	Value string
	Raw   []byte
}

// AttributeSet is an ordered-by-tag collection of Attributes representing
// one Instance's decoded header. It is the unit of work the script runtime
// and the de-id executor operate on.
type AttributeSet struct {
	byTag map[Tag]*Attribute
}

// NewAttributeSet returns an empty set.
func NewAttributeSet() *AttributeSet {
	return &AttributeSet{byTag: make(map[Tag]*Attribute)}
}

// Clone performs a deep copy, used to keep the pre-anonymization snapshot
// used for verification unambiguously distinct from the anonymized output.
func (s *AttributeSet) Clone() *AttributeSet {
	out := NewAttributeSet()
	for tag, attr := range s.byTag {
		cp := *attr
		if attr.Raw != nil {
			cp.Raw = append([]byte(nil), attr.Raw...)
		}
		out.byTag[tag] = &cp
	}
	return out
}

// Get looks up an attribute by tag.
func (s *AttributeSet) Get(t Tag) (*Attribute, bool) {
	a, ok := s.byTag[t]
	return a, ok
}

// Value is a convenience accessor returning the string value or "" if the
// tag is absent.
func (s *AttributeSet) Value(t Tag) string {
	if a, ok := s.byTag[t]; ok {
		return a.Value
	}
	return ""
}

// Has reports whether the tag is present (regardless of value emptiness).
func (s *AttributeSet) Has(t Tag) bool {
	_, ok := s.byTag[t]
	return ok
}

// Set inserts or replaces an attribute's value, preserving VR if the tag
// already exists and none is supplied.
func (s *AttributeSet) Set(t Tag, vr VR, value string) {
	if existing, ok := s.byTag[t]; ok && vr == "" {
		existing.Value = value
		existing.Raw = nil
		return
	}
	s.byTag[t] = &Attribute{Tag: t, VR: vr, Value: value}
}

// Insert adds a brand-new attribute with an explicit representation,
// overwriting any existing attribute at that tag.
func (s *AttributeSet) Insert(attr Attribute) {
	cp := attr
	s.byTag[attr.Tag] = &cp
}

// Remove deletes an attribute if present.
func (s *AttributeSet) Remove(t Tag) {
	delete(s.byTag, t)
}

// Len returns the number of attributes in the set.
func (s *AttributeSet) Len() int {
	return len(s.byTag)
}

// Tags returns all tags in ascending order.
func (s *AttributeSet) Tags() []Tag {
	tags := make([]Tag, 0, len(s.byTag))
	for t := range s.byTag {
		tags = append(tags, t)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })
	return tags
}

// Each iterates attributes in ascending tag order, stopping early if fn
// returns false.
func (s *AttributeSet) Each(fn func(*Attribute) bool) {
	for _, t := range s.Tags() {
		if !fn(s.byTag[t]) {
			return
		}
	}
}

// Diff describes one tag's value change between two attribute sets, used by
// the audit diff (§4.F) and by verification diagnostics.
type Diff struct {
	Tag         Tag
	Before      string
	After       string
	BeforeExist bool
	AfterExist  bool
}

// Changed returns true if the before/after presence or value differ.
func (d Diff) Changed() bool {
	return d.BeforeExist != d.AfterExist || d.Before != d.After
}

// Compare walks every tag present in either set and reports a Diff for each,
// in ascending tag order.
func Compare(before, after *AttributeSet) []Diff {
	seen := make(map[Tag]bool)
	var tags []Tag
	for _, t := range before.Tags() {
		if !seen[t] {
			seen[t] = true
			tags = append(tags, t)
		}
	}
	for _, t := range after.Tags() {
		if !seen[t] {
			seen[t] = true
			tags = append(tags, t)
		}
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })

	diffs := make([]Diff, 0, len(tags))
	for _, t := range tags {
		b, bok := before.Get(t)
		a, aok := after.Get(t)
		d := Diff{Tag: t, BeforeExist: bok, AfterExist: aok}
		if bok {
			d.Before = b.Value
		}
		if aok {
			d.After = a.Value
		}
		diffs = append(diffs, d)
	}
	return diffs
}
