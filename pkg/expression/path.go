package expression

import (
	"sort"
	"strconv"
	"strings"
)

type segmentKind int

const (
	segField segmentKind = iota
	segIndex
	segWildcard
	segFilter
)

type segment struct {
	kind  segmentKind
	field string
	index int
	match map[string]interface{}
}

// parsePath splits a bare path like "$input.users[0].*.{role: \"admin\"}.name"
// into its root token and segments. It reports false when the string is not
// a well-formed path, so callers can fall back to literal text.
func parsePath(expr string) (string, []segment, bool) {
	if len(expr) < 2 || expr[0] != '$' {
		return "", nil, false
	}
	i := 1
	start := i
	for i < len(expr) && isIdentChar(expr[i], i > start) {
		i++
	}
	root := expr[start:i]
	if root == "" || !isIdentifier(root) {
		return "", nil, false
	}
	var segs []segment
	for i < len(expr) {
		switch expr[i] {
		case '.':
			i++
			seg, next, ok := parseSegment(expr, i)
			if !ok {
				return "", nil, false
			}
			segs = append(segs, seg...)
			i = next
		case '[':
			idx, next, ok := parseBracketIndex(expr, i)
			if !ok {
				return "", nil, false
			}
			segs = append(segs, segment{kind: segIndex, index: idx})
			i = next
		default:
			return "", nil, false
		}
	}
	return root, segs, true
}

// parseSegment consumes one dot-separated segment starting at i: a field
// name (with optional trailing [n] indices), a numeric index, a wildcard,
// or a {key: value} filter.
func parseSegment(expr string, i int) ([]segment, int, bool) {
	if i >= len(expr) {
		return nil, 0, false
	}
	switch expr[i] {
	case '*':
		return []segment{{kind: segWildcard}}, i + 1, true
	case '{':
		end := scanBalanced(expr, i, '{', '}')
		if end < 0 {
			return nil, 0, false
		}
		match, ok := parseMatchBody(expr[i+1 : end-1])
		if !ok {
			return nil, 0, false
		}
		return []segment{{kind: segFilter, match: match}}, end, true
	}
	start := i
	for i < len(expr) && isIdentChar(expr[i], i > start) {
		i++
	}
	token := expr[start:i]
	if token == "" {
		return nil, 0, false
	}
	segs := make([]segment, 0, 2)
	if isAllDigits(token) {
		n, err := strconv.Atoi(token)
		if err != nil {
			return nil, 0, false
		}
		segs = append(segs, segment{kind: segIndex, index: n})
	} else {
		segs = append(segs, segment{kind: segField, field: token})
	}
	for i < len(expr) && expr[i] == '[' {
		idx, next, ok := parseBracketIndex(expr, i)
		if !ok {
			return nil, 0, false
		}
		segs = append(segs, segment{kind: segIndex, index: idx})
		i = next
	}
	return segs, i, true
}

func parseBracketIndex(expr string, i int) (int, int, bool) {
	end := strings.IndexByte(expr[i:], ']')
	if end < 0 {
		return 0, 0, false
	}
	body := strings.TrimSpace(expr[i+1 : i+end])
	n, err := strconv.Atoi(body)
	if err != nil {
		return 0, 0, false
	}
	return n, i + end + 1, true
}

// scanBalanced returns the index just past the closing delimiter matching
// the opener at i, honoring quoted strings. Returns -1 when unbalanced.
func scanBalanced(expr string, i int, open, close byte) int {
	depth := 0
	var quote byte
	for ; i < len(expr); i++ {
		c := expr[i]
		if quote != 0 {
			if c == '\\' {
				i++
				continue
			}
			if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '"', '\'':
			quote = c
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return i + 1
			}
		}
	}
	return -1
}

// parseMatchBody parses `role: "admin", age: 30` into a literal match map.
func parseMatchBody(body string) (map[string]interface{}, bool) {
	match := map[string]interface{}{}
	if strings.TrimSpace(body) == "" {
		return match, true
	}
	for _, pair := range splitTopLevel(body, ',') {
		colon := indexTopLevel(pair, ':')
		if colon < 0 {
			return nil, false
		}
		key := strings.TrimSpace(pair[:colon])
		if len(key) >= 2 && (key[0] == '"' || key[0] == '\'') && key[len(key)-1] == key[0] {
			key = key[1 : len(key)-1]
		}
		if key == "" {
			return nil, false
		}
		value, ok := parseLiteral(strings.TrimSpace(pair[colon+1:]))
		if !ok {
			return nil, false
		}
		match[key] = value
	}
	return match, true
}

func indexTopLevel(s string, sep byte) int {
	depth := 0
	var quote byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		if quote != 0 {
			if c == '\\' {
				i++
				continue
			}
			if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '"', '\'':
			quote = c
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
		case sep:
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func isIdentChar(c byte, notFirst bool) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c == '_':
		return true
	case c >= '0' && c <= '9':
		return notFirst
	}
	return false
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// resolveSegments walks the parsed segments over a value. Missing fields
// and out-of-range indices yield nil. A wildcard projects the remaining
// segments over each element and always returns an ordered sequence.
func resolveSegments(current interface{}, segs []segment) interface{} {
	for i, seg := range segs {
		if current == nil {
			return nil
		}
		switch seg.kind {
		case segField:
			current = fieldOf(current, seg.field)
		case segIndex:
			current = indexOf(current, seg.index)
		case segWildcard:
			elems := elementsOf(current)
			rest := segs[i+1:]
			out := make([]interface{}, 0, len(elems))
			for _, el := range elems {
				out = append(out, resolveSegments(el, rest))
			}
			return out
		case segFilter:
			current = filterElements(current, seg.match)
		}
	}
	return current
}

func fieldOf(v interface{}, field string) interface{} {
	if m, ok := v.(map[string]interface{}); ok {
		return m[field]
	}
	return nil
}

func indexOf(v interface{}, idx int) interface{} {
	switch tv := v.(type) {
	case []interface{}:
		if idx < 0 || idx >= len(tv) {
			return nil
		}
		return tv[idx]
	case map[string]interface{}:
		return tv[strconv.Itoa(idx)]
	}
	return nil
}

// elementsOf returns the ordered elements of a collection: slices as-is,
// maps by sorted key. Scalars have no elements.
func elementsOf(v interface{}) []interface{} {
	switch tv := v.(type) {
	case []interface{}:
		return tv
	case map[string]interface{}:
		keys := make([]string, 0, len(tv))
		for k := range tv {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]interface{}, 0, len(keys))
		for _, k := range keys {
			out = append(out, tv[k])
		}
		return out
	}
	return nil
}

// filterElements keeps the elements whose fields equal every key in match.
func filterElements(v interface{}, match map[string]interface{}) interface{} {
	items, ok := v.([]interface{})
	if !ok {
		return []interface{}{}
	}
	out := make([]interface{}, 0, len(items))
	for _, item := range items {
		keep := true
		for k, want := range match {
			if !looseEquals(fieldOf(item, k), want) {
				keep = false
				break
			}
		}
		if keep {
			out = append(out, item)
		}
	}
	return out
}
