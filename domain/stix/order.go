package stix

import (
	"sort"
)

// SortForImport orders a batch of incoming objects so that every type a
// later type's create hook resolves against is persisted first. The sort
// is stable: objects of the same type keep their bundle order.
func SortForImport(objects []*Object) []*Object {
	sorted := make([]*Object, len(objects))
	copy(sorted, objects)
	sort.SliceStable(sorted, func(i, j int) bool {
		return ImportRank(sorted[i].Stix.Type) < ImportRank(sorted[j].Stix.Type)
	})
	return sorted
}
