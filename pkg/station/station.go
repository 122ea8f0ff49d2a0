// Package station holds the registry of configured radio stations and the
// fuzzy search index built over it. The registry is an immutable snapshot
// swapped atomically on configuration reload, so readers never observe a
// half-updated station set.
package station

import (
	"errors"
	"sort"
	"sync/atomic"
)

// ErrNotFound is returned when no station matches a lookup or query.
var ErrNotFound = errors.New("station not found")

// Definition describes a single configured radio station. Definitions are
// immutable within a registry generation.
type Definition struct {
	Name        string
	Aliases     []string
	URL         string
	Bitrate     int
	Format      string
	Description string
}

// Registry is the set of configured stations for the current configuration
// generation. All read methods operate on a consistent snapshot.
type Registry struct {
	snap atomic.Pointer[snapshot]
}

type snapshot struct {
	generation uint64
	byName     map[string]*Definition // normalized canonical name -> definition
	ordered    []*Definition          // sorted by canonical name
	index      *searchIndex
}

// NewRegistry creates an empty registry. Call Swap to install a station set.
func NewRegistry() *Registry {
	r := &Registry{}
	r.snap.Store(buildSnapshot(nil, 0))
	return r
}

// Swap atomically replaces the full station set and rebuilds the search
// index, bumping the registry generation.
func (r *Registry) Swap(defs []Definition) {
	old := r.snap.Load()
	r.snap.Store(buildSnapshot(defs, old.generation+1))
}

func buildSnapshot(defs []Definition, generation uint64) *snapshot {
	byName := make(map[string]*Definition, len(defs))
	ordered := make([]*Definition, 0, len(defs))
	for i := range defs {
		def := defs[i]
		byName[normalize(def.Name)] = &def
		ordered = append(ordered, &def)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Name < ordered[j].Name })
	return &snapshot{
		generation: generation,
		byName:     byName,
		ordered:    ordered,
		index:      buildIndex(ordered),
	}
}

// Generation reports the current configuration generation. It changes on
// every Swap.
func (r *Registry) Generation() uint64 {
	return r.snap.Load().generation
}

// Len reports the number of configured stations.
func (r *Registry) Len() int {
	return len(r.snap.Load().ordered)
}

// All returns every station in the current snapshot, sorted by canonical
// name. The returned slice must not be modified.
func (r *Registry) All() []*Definition {
	return r.snap.Load().ordered
}

// LookupExact finds a station by canonical name, case-insensitively.
func (r *Registry) LookupExact(name string) (*Definition, error) {
	def, ok := r.snap.Load().byName[normalize(name)]
	if !ok {
		return nil, ErrNotFound
	}
	return def, nil
}

// ResolveQuery answers a fuzzy station query against the current snapshot.
// Results are ranked best-first; an empty result means no station matched.
func (r *Registry) ResolveQuery(text string) []Match {
	return r.snap.Load().index.query(text)
}
