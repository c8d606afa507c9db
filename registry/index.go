package registry

import "github.com/agentmesh/orchestrator-core/core"

// Index is the Capability Index (C1): two mappings, capability-tag → set
// of AgentId and kind → set of AgentId, mutated only by the Registry on
// register/update/retire. Index has no lock of its own: the Registry's
// lock guards it, and Candidates returns a copy of the matching set.
type Index struct {
	byCapability map[string]map[core.AgentId]struct{}
	byKind       map[string]map[core.AgentId]struct{}
}

// NewIndex returns an empty index.
func NewIndex() *Index {
	return &Index{
		byCapability: make(map[string]map[core.AgentId]struct{}),
		byKind:       make(map[string]map[core.AgentId]struct{}),
	}
}

// Add indexes def under its kind and every capability tag it carries.
// Callers must hold the registry's index lock.
func (x *Index) Add(def core.AgentDefinition) {
	x.addTo(x.byKind, def.Kind, def.ID)
	for _, c := range def.Capabilities {
		x.addTo(x.byCapability, c.Tag(), def.ID)
	}
}

// Remove drops def from every index bucket it appears in.
func (x *Index) Remove(def core.AgentDefinition) {
	x.removeFrom(x.byKind, def.Kind, def.ID)
	for _, c := range def.Capabilities {
		x.removeFrom(x.byCapability, c.Tag(), def.ID)
	}
}

func (x *Index) addTo(m map[string]map[core.AgentId]struct{}, key string, id core.AgentId) {
	set, ok := m[key]
	if !ok {
		set = make(map[core.AgentId]struct{})
		m[key] = set
	}
	set[id] = struct{}{}
}

func (x *Index) removeFrom(m map[string]map[core.AgentId]struct{}, key string, id core.AgentId) {
	if set, ok := m[key]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(m, key)
		}
	}
}

// Candidates returns the intersection of the indexed sets for kind and
// capabilities, or nil (meaning "no filter applied") if both are empty.
// Intersection of an empty filter set with a non-empty one is never taken:
// absent filters simply don't narrow the result.
func (x *Index) Candidates(kind string, capabilities []string) []core.AgentId {
	var sets []map[core.AgentId]struct{}
	if kind != "" {
		sets = append(sets, x.byKind[kind])
	}
	for _, tag := range capabilities {
		sets = append(sets, x.byCapability[tag])
	}
	if len(sets) == 0 {
		return nil
	}

	result := make(map[core.AgentId]struct{})
	for id := range sets[0] {
		result[id] = struct{}{}
	}
	for _, set := range sets[1:] {
		for id := range result {
			if _, ok := set[id]; !ok {
				delete(result, id)
			}
		}
	}

	ids := make([]core.AgentId, 0, len(result))
	for id := range result {
		ids = append(ids, id)
	}
	return ids
}
