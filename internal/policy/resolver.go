package policy

import (
	"fmt"
	"sort"
)

// View is the read interface the resolver walks. Implementations must present
// a consistent snapshot; the store's transaction type satisfies this so a
// mutation and the resolve it returns see the same data.
type View interface {
	// FilterByID returns the filter or an error if it does not exist.
	FilterByID(id string) (*Filter, error)
	// RulesOf returns the rules owned directly by the filter.
	RulesOf(filterID string) ([]Rule, error)
	// ReferencesFrom returns the outgoing inheritance edges of the filter.
	ReferencesFrom(filterID string) ([]FilterReference, error)
}

// Resolve walks the reference graph from filterID and returns the effective
// rule set: the union of rules of every reachable filter, each filter
// contributing exactly once, sorted ascending by priority with stable
// discovery order among equal priorities.
//
// The walk is iterative over an explicit visited set. A filter reached by
// multiple paths (diamond) contributes its rules once; a cycle terminates the
// walk silently rather than failing, so a graph corrupted by a race still
// resolves to something enforceable.
func Resolve(v View, filterID string) ([]Rule, error) {
	if _, err := v.FilterByID(filterID); err != nil {
		return nil, fmt.Errorf("resolve %s: %w", filterID, err)
	}

	visited := map[string]bool{filterID: true}
	worklist := []string{filterID}
	var rules []Rule

	for len(worklist) > 0 {
		current := worklist[0]
		worklist = worklist[1:]

		own, err := v.RulesOf(current)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: rules of %s: %w", filterID, current, err)
		}
		rules = append(rules, own...)

		refs, err := v.ReferencesFrom(current)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: references of %s: %w", filterID, current, err)
		}
		for _, ref := range refs {
			if visited[ref.TargetFilterID] {
				continue
			}
			visited[ref.TargetFilterID] = true
			worklist = append(worklist, ref.TargetFilterID)
		}
	}

	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].Priority < rules[j].Priority
	})
	return rules, nil
}

// Reachable returns the set of filter ids reachable from startID, including
// startID itself. It shares the resolver's visited-set walk and is what the
// template service uses for its pre-commit cycle check.
func Reachable(v View, startID string) (map[string]bool, error) {
	visited := map[string]bool{startID: true}
	worklist := []string{startID}

	for len(worklist) > 0 {
		current := worklist[0]
		worklist = worklist[1:]

		refs, err := v.ReferencesFrom(current)
		if err != nil {
			return nil, fmt.Errorf("reachable from %s: references of %s: %w", startID, current, err)
		}
		for _, ref := range refs {
			if visited[ref.TargetFilterID] {
				continue
			}
			visited[ref.TargetFilterID] = true
			worklist = append(worklist, ref.TargetFilterID)
		}
	}
	return visited, nil
}
