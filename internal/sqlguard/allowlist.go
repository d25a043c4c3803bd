package sqlguard

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const DefaultSchema = "public"

// Identity names one table. Schema and Name are compared as separate parts,
// so a dot inside a quoted identifier never shifts the boundary between them.
type Identity struct {
	Schema string
	Name   string
}

// String renders schema.name for display. It is not used as a lookup key.
func (i Identity) String() string {
	return i.Schema + "." + i.Name
}

// ParseIdentities reads unquoted schema.name strings, as typed on a command
// line. The first dot separates schema from name; bare names keep an empty
// Schema.
func ParseIdentities(raw []string) []Identity {
	identities := make([]Identity, 0, len(raw))
	for _, value := range raw {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		schema, name, ok := strings.Cut(value, ".")
		if !ok {
			schema, name = "", value
		}
		identities = append(identities, Identity{Schema: schema, Name: name})
	}
	return identities
}

// Snapshot is an immutable set of table identities. Origin carries whatever
// the publisher built it from, so readers get both from one load.
type Snapshot struct {
	Version       uint64
	LoadedAt      time.Time
	DefaultSchema string
	Origin        any

	tables map[Identity]struct{}
	sorted []string
}

func (s *Snapshot) Contains(schema, name string) bool {
	_, ok := s.tables[Identity{Schema: schema, Name: name}]
	return ok
}

// Tables returns the sorted display names. The slice is shared; do not modify it.
func (s *Snapshot) Tables() []string {
	return s.sorted
}

func (s *Snapshot) Len() int {
	return len(s.tables)
}

// Allowlist publishes snapshots to concurrent readers. Publish swaps the
// whole set; readers keep whichever snapshot they already hold.
type Allowlist struct {
	defaultSchema string
	current       atomic.Pointer[Snapshot]

	mu      sync.Mutex
	version uint64
}

func NewAllowlist(defaultSchema string) *Allowlist {
	if strings.TrimSpace(defaultSchema) == "" {
		defaultSchema = DefaultSchema
	}
	a := &Allowlist{defaultSchema: strings.TrimSpace(defaultSchema)}
	a.current.Store(&Snapshot{DefaultSchema: a.defaultSchema, tables: map[Identity]struct{}{}})
	return a
}

func (a *Allowlist) DefaultSchema() string {
	return a.defaultSchema
}

func (a *Allowlist) Snapshot() *Snapshot {
	return a.current.Load()
}

// Loaded reports whether a snapshot has been published at least once.
func (a *Allowlist) Loaded() bool {
	return a.current.Load().Version > 0
}

// Replace publishes the identities parsed from unquoted schema.name strings.
func (a *Allowlist) Replace(identities []string) *Snapshot {
	return a.Publish(ParseIdentities(identities), nil)
}

// Publish installs a new snapshot. Identities without a schema get the
// default schema; blank names and duplicates are dropped.
func (a *Allowlist) Publish(identities []Identity, origin any) *Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	tables := make(map[Identity]struct{}, len(identities))
	for _, identity := range identities {
		if strings.TrimSpace(identity.Name) == "" {
			continue
		}
		if identity.Schema == "" {
			identity.Schema = a.defaultSchema
		}
		tables[identity] = struct{}{}
	}
	sorted := make([]string, 0, len(tables))
	for identity := range tables {
		sorted = append(sorted, identity.String())
	}
	sort.Strings(sorted)

	a.version++
	snapshot := &Snapshot{
		Version:       a.version,
		LoadedAt:      time.Now().UTC(),
		DefaultSchema: a.defaultSchema,
		Origin:        origin,
		tables:        tables,
		sorted:        sorted,
	}
	a.current.Store(snapshot)
	return snapshot
}
