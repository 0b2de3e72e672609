package correlation

import (
	"sort"

	"github.com/gyaneshwarpardhi/telcorr/internal/config"
)

// Registry answers declared dependency questions between entities.
type Registry interface {
	// DependsOn reports a declared edge: entity depends directly on upstream.
	DependsOn(entity, upstream string) bool
	// Upstreams lists the direct dependencies of entity.
	Upstreams(entity string) []string
}

// StaticRegistry is an immutable Registry built from configuration.
// Cycles are allowed; callers traverse with a visited set.
type StaticRegistry struct {
	up map[string][]string
}

// NewStaticRegistry builds a registry from dependency declarations. Repeated
// declarations for one entity are merged.
func NewStaticRegistry(deps []config.Dependency) *StaticRegistry {
	sets := make(map[string]map[string]struct{})
	for _, d := range deps {
		if d.Entity == "" {
			continue
		}
		s, ok := sets[d.Entity]
		if !ok {
			s = make(map[string]struct{})
			sets[d.Entity] = s
		}
		for _, u := range d.DependsOn {
			if u != "" && u != d.Entity {
				s[u] = struct{}{}
			}
		}
	}
	r := &StaticRegistry{up: make(map[string][]string, len(sets))}
	for entity, s := range sets {
		list := make([]string, 0, len(s))
		for u := range s {
			list = append(list, u)
		}
		sort.Strings(list)
		r.up[entity] = list
	}
	return r
}

func (r *StaticRegistry) DependsOn(entity, upstream string) bool {
	for _, u := range r.up[entity] {
		if u == upstream {
			return true
		}
	}
	return false
}

func (r *StaticRegistry) Upstreams(entity string) []string {
	return r.up[entity]
}

// Len is the number of entities with declared dependencies.
func (r *StaticRegistry) Len() int { return len(r.up) }

// Reaches reports whether entity depends on upstream through a chain of at
// most maxDepth declared edges (maxDepth <= 0 means unbounded). The walk is
// breadth first with a visited set, so cyclic registries terminate.
func Reaches(reg Registry, entity, upstream string, maxDepth int) (depth int, ok bool) {
	if entity == upstream {
		return 0, false
	}
	visited := map[string]bool{entity: true}
	frontier := []string{entity}
	for depth = 1; len(frontier) > 0; depth++ {
		if maxDepth > 0 && depth > maxDepth {
			return 0, false
		}
		var next []string
		for _, e := range frontier {
			for _, u := range reg.Upstreams(e) {
				if u == upstream {
					return depth, true
				}
				if !visited[u] {
					visited[u] = true
					next = append(next, u)
				}
			}
		}
		frontier = next
	}
	return 0, false
}
