package script

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dicomgw/gateway/internal/entity"
)

// Entry is one script library manifest record: the script's identity and
// provenance, separate from its parsed content.
type Entry struct {
	Name        string    `json:"name"`
	DisplayName string    `json:"displayName"`
	Description string    `json:"description"`
	Category    string    `json:"category"`
	Path        string    `json:"path"`
	Builtin     bool      `json:"builtin"`
	SourceURL   string    `json:"sourceUrl,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
	Content     string    `json:"-"`
}

// Library is an owned store of named anonymization scripts: a snapshot of
// entries plus their parsed form, with explicit add/update/delete operations.
// Reads return copies so callers never observe a half-written manifest.
type Library struct {
	mu      sync.RWMutex
	entries map[string]Entry
	parsed  map[string]*Script
}

// NewLibrary returns a library holding only the built-in scripts.
func NewLibrary() *Library {
	l := &Library{
		entries: make(map[string]Entry),
		parsed:  make(map[string]*Script),
	}
	for name, content := range builtinScripts {
		entry := Entry{
			Name:        name,
			DisplayName: builtinDisplayNames[name],
			Description: builtinDescriptions[name],
			Category:    "builtin",
			Builtin:     true,
			CreatedAt:   entity.Now(),
			UpdatedAt:   entity.Now(),
			Content:     content,
		}
		if err := l.unsafeAdd(entry); err != nil {
			panic(fmt.Sprintf("built-in script %q failed to parse: %v", name, err))
		}
	}
	return l
}

// Add validates and inserts a new named script, rejecting duplicates and
// syntactically invalid content without touching prior entries.
func (l *Library) Add(entry Entry) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.entries[entry.Name]; exists {
		return Entry{}, fmt.Errorf("script %q already exists", entry.Name)
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = entity.Now()
	}
	entry.UpdatedAt = entry.CreatedAt
	if err := l.unsafeAdd(entry); err != nil {
		return Entry{}, err
	}
	return l.entries[entry.Name], nil
}

// Update replaces an existing script's content, re-validating before commit.
func (l *Library) Update(name, content string) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	existing, ok := l.entries[name]
	if !ok {
		return Entry{}, fmt.Errorf("script %q does not exist", name)
	}
	if existing.Builtin {
		return Entry{}, fmt.Errorf("script %q is builtin and cannot be modified", name)
	}

	parsed, err := Parse(name, content)
	if err != nil {
		return Entry{}, err
	}

	existing.Content = content
	existing.UpdatedAt = entity.Now()
	l.entries[name] = existing
	l.parsed[name] = parsed
	return existing, nil
}

// Delete removes a non-builtin script.
func (l *Library) Delete(name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	existing, ok := l.entries[name]
	if !ok {
		return fmt.Errorf("script %q does not exist", name)
	}
	if existing.Builtin {
		return fmt.Errorf("script %q is builtin and cannot be deleted", name)
	}
	delete(l.entries, name)
	delete(l.parsed, name)
	return nil
}

// Get returns a snapshot of the entry and its parsed script.
func (l *Library) Get(name string) (Entry, *Script, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	entry, ok := l.entries[name]
	if !ok {
		return Entry{}, nil, false
	}
	return entry, l.parsed[name], true
}

// List returns a snapshot of every entry, suitable for serializing as the
// JSON manifest described in §6.
func (l *Library) List() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry, 0, len(l.entries))
	for _, e := range l.entries {
		out = append(out, e)
	}
	return out
}

// ManifestJSON renders the current entry list as the JSON manifest.
func (l *Library) ManifestJSON() ([]byte, error) {
	return json.MarshalIndent(l.List(), "", "  ")
}

func (l *Library) unsafeAdd(entry Entry) error {
	parsed, err := Parse(entry.Name, entry.Content)
	if err != nil {
		return err
	}
	l.entries[entry.Name] = entry
	l.parsed[entry.Name] = parsed
	return nil
}

// Built-in scripts ship with the gateway and cannot be edited or removed,
// only referenced by name from route/destination configuration.
var builtinScripts = map[string]string{
	"basic-deidentify": `
// Minimal profile: strip direct identifiers, keep study dates unshifted.
(0010,0010) := "Anonymous"
(0010,0020) := ""
(0010,0030) := ""
(0010,0040) := ""
(0010,1000) := ""
(0010,1001) := ""
(0010,4000) := ""
(0008,0090) := ""
(0020,000d) := hashUID[(0020,000d)]
(0020,000e) := hashUID[(0020,000e)]
(0008,0018) := hashUID[(0008,0018)]
`,
	"research-deidentify": `
// Research profile: direct identifiers removed, study/series dates passed
// through a 0-day shift, so their values are unchanged.
(0010,0010) := "Anonymous"
(0010,0020) := ""
(0010,0030) := ""
(0010,0040) := ""
(0010,1000) := ""
(0010,1001) := ""
(0010,4000) := ""
(0008,0090) := ""
(0008,0080) := ""
(0008,1010) := ""
(0018,1000) := ""
(0020,000d) := hashUID[(0020,000d)]
(0020,000e) := hashUID[(0020,000e)]
(0008,0018) := hashUID[(0008,0018)]
(0008,0020) := shiftDateTimeByIncrement[(0008,0020), "0", "days"]
(0008,0021) := shiftDateTimeByIncrement[(0008,0021), "0", "days"]
(0008,0060) keep
`,
}

var builtinDisplayNames = map[string]string{
	"basic-deidentify":    "Basic De-identification",
	"research-deidentify": "Research De-identification",
}

var builtinDescriptions = map[string]string{
	"basic-deidentify":    "Removes direct patient identifiers and hashes UIDs; dates unmodified.",
	"research-deidentify": "Removes direct identifiers and hashes UIDs; study/series dates go through a 0-day shift and keep their values.",
}
