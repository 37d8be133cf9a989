package upstream

import "sort"

// Registry resolves provider names to providers. It is built once at startup
// and read concurrently afterwards.
type Registry struct {
	providers map[string]*Provider
}

func NewRegistry(providers ...*Provider) *Registry {
	r := &Registry{providers: make(map[string]*Provider, len(providers))}
	for _, p := range providers {
		r.providers[p.Name()] = p
	}
	return r
}

func (r *Registry) Get(name string) (*Provider, bool) {
	p, ok := r.providers[name]
	return p, ok
}

// Snapshots returns every provider's view ordered by name.
func (r *Registry) Snapshots() []Snapshot {
	snaps := make([]Snapshot, 0, len(r.providers))
	for _, p := range r.providers {
		snaps = append(snaps, p.Snapshot())
	}
	sort.Slice(snaps, func(i, j int) bool {
		return snaps[i].Name < snaps[j].Name
	})
	return snaps
}
