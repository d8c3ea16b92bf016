package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// normalize converts an arbitrary Go value into its generic JSON form and
// prunes empty objects, so that "absent" and "empty" are the same thing.
// Arrays are kept whole and treated as leaves.
func normalize(v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case string, bool, float64:
		return t, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode value: %w", err)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("encode value: %w", err)
	}
	return prune(out)
}

// prune drops empty objects and rejects keys that would not survive being
// stored as a single path segment.
func prune(v any) (any, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return v, nil
	}
	for k, c := range m {
		if err := ValidateSegment(k); err != nil {
			return nil, err
		}
		p, err := prune(c)
		if err != nil {
			return nil, err
		}
		if p == nil {
			delete(m, k)
		} else {
			m[k] = p
		}
	}
	if len(m) == 0 {
		return nil, nil
	}
	return m, nil
}

func getIn(v any, segs []string) any {
	for _, s := range segs {
		m, ok := v.(map[string]any)
		if !ok {
			return nil
		}
		v = m[s]
	}
	return v
}

// setIn returns a copy of node with v placed at segs. Maps along the path
// are copied; everything else is shared, so snapshots handed out earlier
// never change underneath their holders.
func setIn(node any, segs []string, v any) any {
	if len(segs) == 0 {
		return v
	}
	old, _ := node.(map[string]any)
	cp := make(map[string]any, len(old)+1)
	for k, c := range old {
		cp[k] = c
	}
	child := setIn(old[segs[0]], segs[1:], v)
	if child == nil {
		delete(cp, segs[0])
	} else {
		cp[segs[0]] = child
	}
	if len(cp) == 0 {
		return nil
	}
	return cp
}

// sortedWrites validates a set of absolute writes and returns its paths in
// order. Overlapping paths are rejected because their outcome would depend
// on application order.
func sortedWrites(writes map[string]any) ([]string, error) {
	paths := make([]string, 0, len(writes))
	for p := range writes {
		if err := Validate(p); err != nil {
			return nil, err
		}
		paths = append(paths, Clean(p))
	}
	sort.Strings(paths)
	for i := 1; i < len(paths); i++ {
		if Overlaps(paths[i-1], paths[i]) {
			return nil, fmt.Errorf("%w: overlapping writes %q and %q", ErrInvalidPath, paths[i-1], paths[i])
		}
	}
	return paths, nil
}

// absoluteWrites turns an Update call into absolute paths.
func absoluteWrites(base string, values map[string]any) map[string]any {
	out := make(map[string]any, len(values))
	for rel, v := range values {
		out[Join(base, rel)] = v
	}
	return out
}

// leaf is one stored scalar (or array) of the SQL backends. Value is its
// JSON encoding.
type leaf struct {
	Path  string
	Value string
}

// flatten lists the leaves of an already normalized value rooted at p.
func flatten(p string, v any) ([]leaf, error) {
	var out []leaf
	var walk func(string, any) error
	walk = func(at string, node any) error {
		if m, ok := node.(map[string]any); ok {
			for k, c := range m {
				if err := walk(Join(at, k), c); err != nil {
					return err
				}
			}
			return nil
		}
		if node == nil {
			return nil
		}
		data, err := json.Marshal(node)
		if err != nil {
			return fmt.Errorf("encode leaf %q: %w", at, err)
		}
		out = append(out, leaf{Path: at, Value: string(data)})
		return nil
	}
	if err := walk(Clean(p), v); err != nil {
		return nil, err
	}
	return out, nil
}

// assemble rebuilds the value at base from the leaves stored at or below it.
func assemble(base string, leaves []leaf) (any, error) {
	base = Clean(base)
	var root any
	for _, l := range leaves {
		var val any
		if err := json.Unmarshal([]byte(l.Value), &val); err != nil {
			return nil, fmt.Errorf("decode leaf %q: %w", l.Path, err)
		}
		rel := strings.TrimPrefix(Clean(l.Path), base)
		segs := Split(rel)
		if len(segs) == 0 {
			root = val
			continue
		}
		m, ok := root.(map[string]any)
		if !ok {
			m = make(map[string]any)
			root = m
		}
		for _, s := range segs[:len(segs)-1] {
			next, ok := m[s].(map[string]any)
			if !ok {
				next = make(map[string]any)
				m[s] = next
			}
			m = next
		}
		m[segs[len(segs)-1]] = val
	}
	return root, nil
}

// likePrefix returns a LIKE pattern matching every strict descendant of p.
// Backslash is the escape character.
func likePrefix(p string) string {
	p = Clean(p)
	if p == "" {
		return "%"
	}
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(p) + "/%"
}
