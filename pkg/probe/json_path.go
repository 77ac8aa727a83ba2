package probe

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// JSONPath is a compiled dotted lookup such as "$.results.tests" or
// "runs[0].id". Keys select object members and [n] selects array elements.
type JSONPath []any

// CompileJSONPath parses expr. A leading "$" is optional.
func CompileJSONPath(expr string) (JSONPath, error) {
	expr = strings.TrimPrefix(strings.TrimSpace(expr), "$")
	expr = strings.TrimPrefix(expr, ".")
	if expr == "" {
		return nil, fmt.Errorf("probe: empty json path")
	}

	var path JSONPath
	for _, part := range strings.Split(expr, ".") {
		key, rest, _ := strings.Cut(part, "[")
		if key != "" {
			path = append(path, key)
		} else if rest == "" {
			return nil, fmt.Errorf("probe: empty segment in %q", expr)
		}
		for rest != "" {
			idx, tail, ok := strings.Cut(rest, "]")
			if !ok {
				return nil, fmt.Errorf("probe: unterminated index in %q", expr)
			}
			n, err := strconv.Atoi(idx)
			if err != nil || n < 0 {
				return nil, fmt.Errorf("probe: bad index %q in %q", idx, expr)
			}
			path = append(path, n)
			if tail == "" {
				break
			}
			if !strings.HasPrefix(tail, "[") {
				return nil, fmt.Errorf("probe: unexpected %q in %q", tail, expr)
			}
			rest = tail[1:]
		}
	}
	return path, nil
}

// MustCompileJSONPath is CompileJSONPath for package-level literals.
func MustCompileJSONPath(expr string) JSONPath {
	p, err := CompileJSONPath(expr)
	if err != nil {
		panic(err)
	}
	return p
}

// Eval walks v, a value produced by encoding/json, along p.
func (p JSONPath) Eval(v any) (any, bool) {
	for _, step := range p {
		switch s := step.(type) {
		case string:
			obj, ok := v.(map[string]any)
			if !ok {
				return nil, false
			}
			if v, ok = obj[s]; !ok {
				return nil, false
			}
		case int:
			arr, ok := v.([]any)
			if !ok || s >= len(arr) {
				return nil, false
			}
			v = arr[s]
		}
	}
	return v, true
}

// EvalBytes decodes data and evaluates p against it. Invalid JSON is a miss.
func (p JSONPath) EvalBytes(data []byte) (any, bool) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, false
	}
	return p.Eval(v)
}
