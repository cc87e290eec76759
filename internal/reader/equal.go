package reader

// resultEqual compares a freshly built result map against a previous one.
// Children are reference-reused bottom-up, so unchanged subtrees were
// already swapped for their previous objects before the parent compares;
// the walk only has to descend through containers.
func resultEqual(built, prev map[string]any) bool {
	if len(built) != len(prev) {
		return false
	}
	for k, bv := range built {
		pv, ok := prev[k]
		if !ok || !valueEqual(bv, pv) {
			return false
		}
	}
	return true
}

func listEqual(built, prev []any) bool {
	if len(built) != len(prev) {
		return false
	}
	for i := range built {
		if !valueEqual(built[i], prev[i]) {
			return false
		}
	}
	return true
}

func valueEqual(a, b any) bool {
	switch av := a.(type) {
	case []any:
		bv, ok := b.([]any)
		return ok && listEqual(av, bv)
	case map[string]any:
		bv, ok := b.(map[string]any)
		return ok && resultEqual(av, bv)
	default:
		return a == b
	}
}
