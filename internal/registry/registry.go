// ABOUTME: Tool registry types: entries loaded from the external registry and their projections.
// ABOUTME: Snapshots are immutable; the cache swaps whole snapshots on reload.

package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ErrRegistryUnavailable indicates the registry could not be loaded, either
// because the service is unreachable or because no credential is configured.
var ErrRegistryUnavailable = errors.New("tool registry unavailable")

// ErrInvalidInput indicates a tool input did not satisfy the tool's schema.
var ErrInvalidInput = errors.New("invalid tool input")

// Source fetches the complete tool list from an external registry.
type Source interface {
	// Fetch returns every tool currently published by the registry.
	Fetch(ctx context.Context) ([]*Entry, error)
	// Name identifies the source in logs.
	Name() string
}

// Entry is one discoverable tool. Entries are never mutated after a snapshot
// is built from them.
type Entry struct {
	Name        string
	Category    string
	Description string
	InputSchema json.RawMessage
	HandlerRef  string

	schema *jsonschema.Schema
}

// ValidateInput checks input against the entry's compiled input schema.
// Entries without a usable schema accept any JSON value.
func (e *Entry) ValidateInput(input json.RawMessage) error {
	if e.schema == nil {
		return nil
	}
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}
	var inst any
	if err := json.Unmarshal(input, &inst); err != nil {
		return fmt.Errorf("%w: not valid JSON: %v", ErrInvalidInput, err)
	}
	if err := e.schema.Validate(inst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}

// HasSchema reports whether the entry carries a compiled input schema.
func (e *Entry) HasSchema() bool {
	return e.schema != nil
}

// Metadata is the display-only projection of an Entry.
type Metadata struct {
	Name        string
	Category    string
	Description string
}

// Snapshot is one consistent generation of the registry. Both projections
// are derived from the same entry set when the snapshot is built.
type Snapshot struct {
	Generation uint64
	LoadedAt   time.Time

	entries  []*Entry
	byName   map[string]*Entry
	metadata []Metadata
}

// newSnapshot builds a snapshot from entries. Later duplicates of a name are
// dropped and reported back to the caller.
func newSnapshot(generation uint64, entries []*Entry) (*Snapshot, []string) {
	s := &Snapshot{
		Generation: generation,
		LoadedAt:   time.Now(),
		byName:     make(map[string]*Entry, len(entries)),
	}

	var duplicates []string
	for _, e := range entries {
		if e == nil || e.Name == "" {
			continue
		}
		if _, exists := s.byName[e.Name]; exists {
			duplicates = append(duplicates, e.Name)
			continue
		}
		s.byName[e.Name] = e
		s.entries = append(s.entries, e)
	}

	sort.Slice(s.entries, func(i, j int) bool {
		return s.entries[i].Name < s.entries[j].Name
	})

	s.metadata = make([]Metadata, len(s.entries))
	for i, e := range s.entries {
		s.metadata[i] = Metadata{
			Name:        e.Name,
			Category:    e.Category,
			Description: e.Description,
		}
	}
	return s, duplicates
}

// NewSnapshot builds a standalone snapshot outside any cache, as used by
// one-shot listings and tests.
func NewSnapshot(entries []*Entry) *Snapshot {
	s, _ := newSnapshot(0, entries)
	return s
}

// Entries returns the snapshot's entries sorted by name. The slice is a copy;
// the entries themselves are shared and must not be modified.
func (s *Snapshot) Entries() []*Entry {
	out := make([]*Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Metadata returns the client-facing projection sorted by name.
func (s *Snapshot) Metadata() []Metadata {
	out := make([]Metadata, len(s.metadata))
	copy(out, s.metadata)
	return out
}

// Lookup finds an entry by name.
func (s *Snapshot) Lookup(name string) (*Entry, bool) {
	e, ok := s.byName[name]
	return e, ok
}

// Len returns the number of tools in the snapshot.
func (s *Snapshot) Len() int {
	return len(s.entries)
}
