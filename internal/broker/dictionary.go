package broker

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

// adjectives, colors, and animals are fixed dictionaries indexed by a
// deterministic hash of idIn. They are intentionally small and stable:
// changing them would change every existing pseudonym's derivation, which
// the crosswalk store's immutable-idOut contract assumes never happens.
var adjectives = []string{
	"swift", "quiet", "amber", "brave", "calm", "eager", "gentle", "hidden",
	"icy", "jolly", "keen", "lively", "misty", "noble", "placid", "rapid",
	"silent", "tranquil", "vivid", "wry",
}

var colors = []string{
	"crimson", "azure", "emerald", "amber", "violet", "ivory", "slate",
	"coral", "indigo", "saffron", "teal", "maroon", "olive", "cobalt",
	"magenta", "charcoal", "sienna", "turquoise", "lilac", "umber",
}

var animals = []string{
	"falcon", "otter", "lynx", "heron", "badger", "wren", "marten", "osprey",
	"vole", "ibex", "puffin", "stoat", "tern", "civet", "caracal", "loon",
	"serval", "kestrel", "mink", "curlew",
}

var natoAlphabet = []string{
	"alpha", "bravo", "charlie", "delta", "echo", "foxtrot", "golf", "hotel",
	"india", "juliett", "kilo", "lima", "mike", "november", "oscar", "papa",
	"quebec", "romeo", "sierra", "tango", "uniform", "victor", "whiskey",
	"xray", "yankee", "zulu",
}

// hashIndex derives a deterministic, evenly-distributed index into a
// dictionary of size n from an arbitrary input string.
func hashIndex(input string, n int) int {
	sum := sha256.Sum256([]byte(input))
	v := binary.BigEndian.Uint32(sum[:4])
	return int(v % uint32(n))
}

// dictionaryName builds "{first}_{second}[_{suffix}]" from two dictionaries
// indexed by idIn, appending suffix only when non-zero (i.e. on collision).
func dictionaryName(idIn string, first, second []string, suffix int) string {
	a := first[hashIndex("a:"+idIn, len(first))]
	b := second[hashIndex("b:"+idIn, len(second))]
	if suffix == 0 {
		return fmt.Sprintf("%s_%s", a, b)
	}
	return fmt.Sprintf("%s_%s_%d", a, b, suffix)
}

// natoName builds a three-word NATO-phonetic pseudonym from idIn.
func natoName(idIn string, suffix int) string {
	a := natoAlphabet[hashIndex("x:"+idIn, len(natoAlphabet))]
	b := natoAlphabet[hashIndex("y:"+idIn, len(natoAlphabet))]
	c := natoAlphabet[hashIndex("z:"+idIn, len(natoAlphabet))]
	if suffix == 0 {
		return fmt.Sprintf("%s-%s-%s", a, b, c)
	}
	return fmt.Sprintf("%s-%s-%s-%d", a, b, c, suffix)
}
