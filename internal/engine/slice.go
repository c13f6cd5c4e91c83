package engine

import (
	"sort"
)

// Slice keys with fixed meaning.
const (
	ResidualKey = "residual"
	FullKey     = "full"
)

// Slice is a portion of the product value attributed to one content.
type Slice struct {
	Key        string `json:"key"`
	ValueCents int64  `json:"value_cents"`
	Residual   bool   `json:"residual,omitempty"`
	// Fallback marks a full-value slice used because a required content
	// value was not declared.
	Fallback bool `json:"fallback,omitempty"`
}

// SlicePlan is the decomposition of the product value.
type SlicePlan struct {
	Slices      []Slice  `json:"slices"`
	Fallback    bool     `json:"fallback"`
	MissingKeys []string `json:"missing_keys,omitempty"`
}

// Total sums all slice values.
func (p SlicePlan) Total() int64 {
	var t int64
	for _, s := range p.Slices {
		t += s.ValueCents
	}
	return t
}

// Slice returns the slice for key.
func (p SlicePlan) Slice(key string) (Slice, bool) {
	for _, s := range p.Slices {
		if s.Key == key {
			return s, true
		}
	}
	return Slice{}, false
}

// PlanSlices splits the product value into one slice per required content
// key with a positive declared value, plus a residual slice. Slice values
// always sum to q.ValueCents. When any required key is undeclared, a single
// full-value fallback slice is returned instead of guessing a split.
func PlanSlices(q Query, required []string) (SlicePlan, error) {
	keys := dedupSorted(required)

	var missing []string
	for _, k := range keys {
		if _, ok := q.Composition[k]; !ok {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return SlicePlan{
			Slices:      []Slice{{Key: FullKey, ValueCents: q.ValueCents, Fallback: true}},
			Fallback:    true,
			MissingKeys: missing,
		}, nil
	}

	plan := SlicePlan{}
	var used int64
	for _, k := range keys {
		v, _ := q.ContentValue(k)
		if v <= 0 {
			continue
		}
		plan.Slices = append(plan.Slices, Slice{Key: k, ValueCents: v})
		used += v
	}
	if used > q.ValueCents {
		return SlicePlan{}, invalid("composition", "content slices %d exceed product value %d", used, q.ValueCents)
	}
	plan.Slices = append(plan.Slices, Slice{Key: ResidualKey, ValueCents: q.ValueCents - used, Residual: true})
	return plan, nil
}

func dedupSorted(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
