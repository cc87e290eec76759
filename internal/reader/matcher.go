package reader

import "fmt"

// Matcher decides whether an entity's __typename satisfies a fragment type
// condition. Exact matches always pass. Abstract conditions (interfaces,
// unions) are decided by the possible-types map. A condition that is
// neither an exact match, a registered abstract type, nor a known concrete
// type cannot be decided: the strict default fails loudly, the loose mode
// includes the fragment anyway. The loose policy trades correctness for
// usability and callers opt into it explicitly.
type Matcher struct {
	possible map[string][]string
	concrete map[string]struct{}
	loose    bool
}

func NewMatcher(possibleTypes map[string][]string, loose bool) *Matcher {
	m := &Matcher{possible: possibleTypes, concrete: map[string]struct{}{}, loose: loose}
	for _, types := range possibleTypes {
		for _, t := range types {
			m.concrete[t] = struct{}{}
		}
	}
	return m
}

func (m *Matcher) Match(condition, typename string) (bool, error) {
	if condition == "" || condition == typename {
		return true, nil
	}
	if types, ok := m.possible[condition]; ok {
		for _, t := range types {
			if t == typename {
				return true, nil
			}
		}
		return false, nil
	}
	if _, ok := m.concrete[condition]; ok {
		// Known concrete type that simply doesn't match this entity.
		return false, nil
	}
	if m.loose {
		return true, nil
	}
	return false, fmt.Errorf("cannot match fragment condition %q against %q: add a possible-types entry for interface/union types or enable loose matching", condition, typename)
}
