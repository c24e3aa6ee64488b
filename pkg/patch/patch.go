package patch

import (
	"reflect"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

type FormState = map[string]any

// Patch is a set of dotted-key assignments and removals against a FormState.
type Patch struct {
	Set   map[string]any `json:"set,omitempty"`
	Unset []string       `json:"unset,omitempty"`
}

func FromPartial(partial map[string]any) Patch {
	p := Patch{Set: make(map[string]any, len(partial))}
	for k, v := range partial {
		p.Set[k] = v
	}
	return p
}

func (p Patch) IsEmpty() bool {
	return len(p.Set) == 0 && len(p.Unset) == 0
}

// Keys returns the touched keys in sorted order.
func (p Patch) Keys() []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(p.Set)+len(p.Unset))
	for k := range p.Set {
		seen[k] = struct{}{}
		out = append(out, k)
	}
	for _, k := range p.Unset {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Apply mutates state in place and returns it.
func Apply(state FormState, p Patch) (FormState, error) {
	if state == nil {
		state = FormState{}
	}
	for _, key := range p.Unset {
		if err := unsetDotted(state, key); err != nil {
			return nil, err
		}
	}
	keys := make([]string, 0, len(p.Set))
	for k := range p.Set {
		keys = append(keys, k)
	}
	// parents before children so "a" then "a.b" is deterministic
	sort.Strings(keys)
	for _, key := range keys {
		if err := setDotted(state, key, Clone(p.Set[key])); err != nil {
			return nil, err
		}
	}
	return state, nil
}

// ApplyCopy applies p to a deep copy of state.
func ApplyCopy(state FormState, p Patch) (FormState, error) {
	return Apply(CloneState(state), p)
}

// Changes reports whether applying p would modify state.
func Changes(state FormState, p Patch) (bool, error) {
	if p.IsEmpty() {
		return false, nil
	}
	next, err := ApplyCopy(state, p)
	if err != nil {
		return false, err
	}
	return !Equal(state, next), nil
}

// Merge combines a and b with b winning on overlapping keys. A key set in b
// cancels an earlier unset in a and vice versa. Writing or removing a key in
// b also drops every earlier entry nested under it, so the merged patch
// applies cleanly even when b turns an object into a scalar.
func Merge(a, b Patch) Patch {
	out := Patch{
		Set:   map[string]any{},
		Unset: []string{},
	}
	for k, v := range a.Set {
		out.Set[k] = v
	}
	unset := map[string]struct{}{}
	for _, k := range a.Unset {
		if _, ok := unset[k]; ok {
			continue
		}
		unset[k] = struct{}{}
		out.Unset = append(out.Unset, k)
	}
	dropNested := func(root string) {
		for k := range out.Set {
			if nestedUnder(k, root) {
				delete(out.Set, k)
			}
		}
		for k := range unset {
			if nestedUnder(k, root) {
				delete(unset, k)
				out.Unset = removeString(out.Unset, k)
			}
		}
	}
	// drop before adding b's own entries so keys nested inside b survive
	for k := range b.Set {
		dropNested(k)
	}
	for _, k := range b.Unset {
		dropNested(k)
		delete(out.Set, k)
		foldUnsetIntoAncestor(out.Set, k)
		if _, ok := unset[k]; ok {
			continue
		}
		unset[k] = struct{}{}
		out.Unset = append(out.Unset, k)
	}
	for k, v := range b.Set {
		out.Set[k] = v
		if _, ok := unset[k]; ok {
			delete(unset, k)
			out.Unset = removeString(out.Unset, k)
		}
	}
	return out
}

// nestedUnder reports whether key lies strictly below root.
func nestedUnder(key, root string) bool {
	kp, rp := splitDotted(key), splitDotted(root)
	if len(kp) <= len(rp) {
		return false
	}
	for i := range rp {
		if kp[i] != rp[i] {
			return false
		}
	}
	return true
}

// foldUnsetIntoAncestor removes key from the value of any set ancestor.
// Apply runs unsets before sets, so without this an ancestor object would
// bring the removed key back.
func foldUnsetIntoAncestor(set map[string]any, key string) {
	for anc, v := range set {
		if !nestedUnder(key, anc) {
			continue
		}
		obj, ok := v.(map[string]any)
		if !ok {
			continue
		}
		cp := Clone(obj).(map[string]any)
		rel := strings.Join(splitDotted(key)[len(splitDotted(anc)):], ".")
		if err := unsetDotted(cp, rel); err == nil {
			set[anc] = cp
		}
	}
}

// Equal reports whether two form states hold the same JSON values.
func Equal(a, b FormState) bool {
	if a == nil {
		a = FormState{}
	}
	if b == nil {
		b = FormState{}
	}
	return reflect.DeepEqual(normalize(a), normalize(b))
}

func CloneState(state FormState) FormState {
	if state == nil {
		return FormState{}
	}
	return Clone(state).(map[string]any)
}

// Clone deep-copies the JSON-shaped value v.
func Clone(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = Clone(vv)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = Clone(vv)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}

func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = normalize(vv)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = normalize(vv)
		}
		return out
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case float32:
		return float64(t)
	default:
		return v
	}
}

func setDotted(state FormState, dotted string, value any) error {
	parts := splitDotted(dotted)
	if len(parts) == 0 {
		return errors.Errorf("empty dotted key")
	}

	current := state
	for i := 0; i < len(parts)-1; i++ {
		part := parts[i]
		next, ok := current[part]
		if !ok || next == nil {
			child := map[string]any{}
			current[part] = child
			current = child
			continue
		}
		asMap, ok := next.(map[string]any)
		if !ok {
			return errors.Errorf("cannot set %q: path segment %q is not an object", dotted, part)
		}
		current = asMap
	}

	current[parts[len(parts)-1]] = value
	return nil
}

func unsetDotted(state FormState, dotted string) error {
	parts := splitDotted(dotted)
	if len(parts) == 0 {
		return errors.Errorf("empty dotted key")
	}

	current := state
	for i := 0; i < len(parts)-1; i++ {
		part := parts[i]
		next, ok := current[part]
		if !ok {
			return nil
		}
		asMap, ok := next.(map[string]any)
		if !ok {
			return errors.Errorf("cannot unset %q: path segment %q is not an object", dotted, part)
		}
		current = asMap
	}
	delete(current, parts[len(parts)-1])
	return nil
}

func splitDotted(dotted string) []string {
	raw := strings.Split(dotted, ".")
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

func removeString(list []string, v string) []string {
	out := list[:0]
	for _, s := range list {
		if s != v {
			out = append(out, s)
		}
	}
	return out
}
