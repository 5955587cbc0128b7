package audit

import (
	"bytes"
	"encoding/json"
	"sort"
)

// ChangedFields lists the top-level keys whose serialised value differs between
// before and after. A key present on only one side counts as changed. The result
// is sorted.
func ChangedFields(before, after Snapshot) []string {
	keys := make(map[string]struct{}, len(before)+len(after))
	for k := range before {
		keys[k] = struct{}{}
	}
	for k := range after {
		keys[k] = struct{}{}
	}

	changed := make([]string, 0)
	for k := range keys {
		b, inBefore := before[k]
		a, inAfter := after[k]
		if inBefore != inAfter || !sameValue(b, a) {
			changed = append(changed, k)
		}
	}
	sort.Strings(changed)
	return changed
}

// sameValue compares two values by their JSON encoding. encoding/json sorts map
// keys, so nested maps compare structurally.
func sameValue(a, b interface{}) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ja, jb)
}
