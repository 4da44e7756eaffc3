package memstore

import "sort"

// sortedTables gives batch calls a deterministic processing order.
func sortedTables[V any](m map[string][]V) []string {
	out := make([]string, 0, len(m))
	for name := range m {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
