// Package jsonpath resolves the references of a mapping definition against a
// decoded JSON line.
//
// A string value of a mapping is a reference when it starts with "$":
//
//	$                 the whole line
//	$.a.b[2].c        a field or array element of the line
//	$number, $line    a named variable
//	$$text            the literal "$text"
//
// Every other value is a literal. Maps and lists are resolved element-wise.
package jsonpath

import (
	"fmt"
	"strconv"
	"strings"
)

// Env is what references are resolved against.
type Env struct {
	Root interface{}
	Vars map[string]interface{}
}

// Map resolves every value of mapping.
func (e Env) Map(mapping map[string]interface{}) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(mapping))
	for key, value := range mapping {
		v, err := e.Value(value)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", key, err)
		}
		out[key] = v
	}
	return out, nil
}

// Value resolves a single mapping value.
func (e Env) Value(value interface{}) (interface{}, error) {
	switch v := value.(type) {
	case string:
		return e.ref(v)
	case map[string]interface{}:
		return e.Map(v)
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			r, err := e.Value(item)
			if err != nil {
				return nil, fmt.Errorf("index %d: %w", i, err)
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

func (e Env) ref(s string) (interface{}, error) {
	switch {
	case !strings.HasPrefix(s, "$"):
		return s, nil
	case strings.HasPrefix(s, "$$"):
		return s[1:], nil
	case s == "$":
		return e.Root, nil
	case strings.HasPrefix(s, "$."), strings.HasPrefix(s, "$["):
		return Get(e.Root, strings.TrimPrefix(s[1:], "."))
	}
	name := s[1:]
	v, ok := e.Vars[name]
	if !ok {
		return nil, fmt.Errorf("unknown variable $%s", name)
	}
	return v, nil
}

// Get walks path, e.g. "user.emails[0]", from root.
func Get(root interface{}, path string) (interface{}, error) {
	steps, err := parse(path)
	if err != nil {
		return nil, err
	}
	cur := root
	for _, st := range steps {
		if st.field != "" {
			obj, ok := cur.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("path %q: %q is not an object", path, st.field)
			}
			if cur, ok = obj[st.field]; !ok {
				return nil, fmt.Errorf("path %q: field %q not found", path, st.field)
			}
			continue
		}
		arr, ok := cur.([]interface{})
		if !ok {
			return nil, fmt.Errorf("path %q: [%d] applied to a non-array", path, st.index)
		}
		if st.index >= len(arr) {
			return nil, fmt.Errorf("path %q: index %d out of range (len %d)", path, st.index, len(arr))
		}
		cur = arr[st.index]
	}
	return cur, nil
}

type step struct {
	field string
	index int
}

func parse(path string) ([]step, error) {
	if path == "" {
		return nil, fmt.Errorf("empty path")
	}
	var steps []step
	for _, seg := range strings.Split(path, ".") {
		name, rest, _ := strings.Cut(seg, "[")
		if name == "" && rest == "" {
			return nil, fmt.Errorf("path %q: empty segment", path)
		}
		if name != "" {
			steps = append(steps, step{field: name})
		}
		for rest != "" {
			idx, tail, ok := strings.Cut(rest, "]")
			if !ok {
				return nil, fmt.Errorf("path %q: unclosed [", path)
			}
			n, err := strconv.Atoi(idx)
			if err != nil || n < 0 {
				return nil, fmt.Errorf("path %q: bad index %q", path, idx)
			}
			steps = append(steps, step{index: n})
			if tail == "" {
				break
			}
			if !strings.HasPrefix(tail, "[") {
				return nil, fmt.Errorf("path %q: unexpected %q after index", path, tail)
			}
			rest = tail[1:]
		}
	}
	return steps, nil
}
