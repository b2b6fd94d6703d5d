// Package expression renders template strings and bare path expressions
// against workflow execution data.
//
// Two syntaxes share one path resolver:
//
//	$input.users[0].name                 bare path, native value
//	Hello {{ $input.name | upper_case }} template, string result
//
// A template that consists of exactly one {{ ... }} region yields the
// region's native value (number, bool, map, slice). Mixed content yields
// a string with each region coerced through default string conversion.
// Unknown filters leave the region text untouched; filter errors abort
// rendering of the current template. Missing paths resolve to nil.
package expression

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Context carries the values visible to expressions. All maps hold plain
// JSON-shaped data. Nodes maps node key to {"output": ..., "context": ...}.
// Input is whatever the engine routed to the node, usually a map.
type Context struct {
	Input     interface{}
	Nodes     map[string]interface{}
	Env       map[string]interface{}
	Vars      map[string]interface{}
	Workflow  map[string]interface{}
	Execution map[string]interface{}
	Now       time.Time
}

func (c *Context) root(name string) (interface{}, bool) {
	switch name {
	case "input":
		return c.Input, true
	case "nodes":
		return nilableMap(c.Nodes), true
	case "env":
		return nilableMap(c.Env), true
	case "vars":
		return nilableMap(c.Vars), true
	case "workflow":
		return nilableMap(c.Workflow), true
	case "execution":
		return nilableMap(c.Execution), true
	case "now":
		return c.Now, true
	}
	return nil, false
}

func nilableMap(m map[string]interface{}) interface{} {
	if m == nil {
		return nil
	}
	return m
}

// FilterFunc transforms a piped value. Arguments are the literal values
// written in the template.
type FilterFunc func(value interface{}, args []interface{}) (interface{}, error)

// Parser evaluates expressions and renders templates.
type Parser struct {
	filters map[string]FilterFunc
}

// NewParser returns a Parser with the built-in filter set registered.
func NewParser() *Parser {
	return &Parser{filters: builtinFilters()}
}

// RegisterFilter adds or replaces a named filter.
func (p *Parser) RegisterFilter(name string, fn FilterFunc) {
	p.filters[name] = fn
}

// Evaluate resolves a single expression: a bare path or literal, optionally
// piped through filters. The surrounding {{ }} braces must already be
// stripped. Unknown filters surface as *UnknownFilterError.
func (p *Parser) Evaluate(expr string, ctx *Context) (interface{}, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, nil
	}
	stages := splitTopLevel(expr, '|')
	value, err := p.evaluateHead(strings.TrimSpace(stages[0]), ctx)
	if err != nil {
		return nil, err
	}
	for _, stage := range stages[1:] {
		name, args, err := parseFilterCall(strings.TrimSpace(stage))
		if err != nil {
			return nil, err
		}
		fn, ok := p.filters[name]
		if !ok {
			return nil, &UnknownFilterError{Name: name}
		}
		// Missing values pass through every filter except default, which
		// exists to replace them.
		if value == nil && name != "default" {
			continue
		}
		value, err = fn(value, args)
		if err != nil {
			return nil, err
		}
	}
	return value, nil
}

// Render renders a template string. A string that is exactly one bare path
// or exactly one {{ ... }} region yields the native value; anything else
// yields a string. Plain strings without expressions pass through as-is.
func (p *Parser) Render(text string, ctx *Context) (interface{}, error) {
	trimmed := strings.TrimSpace(text)
	if root, segs, ok := parsePath(trimmed); ok {
		if _, known := ctx.root(root); known {
			return p.resolve(root, segs, ctx), nil
		}
		return text, nil
	}
	regions := findRegions(text)
	if len(regions) == 0 {
		return text, nil
	}
	if len(regions) == 1 && text[regions[0].start:regions[0].end] == trimmed {
		value, err := p.Evaluate(innerExpr(text, regions[0]), ctx)
		if err != nil {
			if isUnknownFilter(err) {
				return trimmed, nil
			}
			return nil, err
		}
		return value, nil
	}
	var b strings.Builder
	last := 0
	for _, r := range regions {
		b.WriteString(text[last:r.start])
		value, err := p.Evaluate(innerExpr(text, r), ctx)
		if err != nil {
			if isUnknownFilter(err) {
				b.WriteString(text[r.start:r.end])
				last = r.end
				continue
			}
			return nil, err
		}
		b.WriteString(toString(value))
		last = r.end
	}
	b.WriteString(text[last:])
	return b.String(), nil
}

// RenderParams renders every string value in params, recursing into nested
// maps and slices. Non-string leaves pass through untouched.
func (p *Parser) RenderParams(params map[string]interface{}, ctx *Context) (map[string]interface{}, error) {
	if params == nil {
		return map[string]interface{}{}, nil
	}
	out := make(map[string]interface{}, len(params))
	for k, v := range params {
		rendered, err := p.renderValue(v, ctx)
		if err != nil {
			return nil, fmt.Errorf("param %q: %w", k, err)
		}
		out[k] = rendered
	}
	return out, nil
}

func (p *Parser) renderValue(v interface{}, ctx *Context) (interface{}, error) {
	switch tv := v.(type) {
	case string:
		return p.Render(tv, ctx)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(tv))
		for k, item := range tv {
			rendered, err := p.renderValue(item, ctx)
			if err != nil {
				return nil, err
			}
			out[k] = rendered
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(tv))
		for i, item := range tv {
			rendered, err := p.renderValue(item, ctx)
			if err != nil {
				return nil, err
			}
			out[i] = rendered
		}
		return out, nil
	default:
		return v, nil
	}
}

func (p *Parser) evaluateHead(head string, ctx *Context) (interface{}, error) {
	if head == "" {
		return nil, nil
	}
	if strings.HasPrefix(head, "$") {
		root, segs, ok := parsePath(head)
		if !ok {
			return nil, fmt.Errorf("invalid path expression %q", head)
		}
		if _, known := ctx.root(root); !known {
			return nil, fmt.Errorf("unknown context root $%s", root)
		}
		return p.resolve(root, segs, ctx), nil
	}
	value, ok := parseLiteral(head)
	if !ok {
		return nil, fmt.Errorf("invalid expression %q", head)
	}
	return value, nil
}

func (p *Parser) resolve(root string, segs []segment, ctx *Context) interface{} {
	value, _ := ctx.root(root)
	return resolveSegments(value, segs)
}

type region struct{ start, end int }

func innerExpr(text string, r region) string {
	return text[r.start+2 : r.end-2]
}

// findRegions locates {{ ... }} regions, honoring quoted strings and nested
// braces so path filters like {role: "admin"} survive inside templates.
func findRegions(text string) []region {
	var regions []region
	for i := 0; i+1 < len(text); {
		if text[i] == '{' && text[i+1] == '{' {
			if end := scanRegionEnd(text, i+2); end > 0 {
				regions = append(regions, region{start: i, end: end})
				i = end
				continue
			}
		}
		i++
	}
	return regions
}

func scanRegionEnd(text string, from int) int {
	depth := 0
	var quote byte
	for i := from; i < len(text); i++ {
		c := text[i]
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
		case '{':
			depth++
		case '}':
			if depth > 0 {
				depth--
				continue
			}
			if i+1 < len(text) && text[i+1] == '}' {
				return i + 2
			}
		}
	}
	return -1
}

// splitTopLevel splits s on sep occurrences outside quotes, parentheses,
// brackets and braces.
func splitTopLevel(s string, sep byte) []string {
	var parts []string
	depth := 0
	var quote byte
	start := 0
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
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	parts = append(parts, s[start:])
	return parts
}

// parseFilterCall splits a stage like `truncate(10, "..")` into its name
// and literal arguments.
func parseFilterCall(stage string) (string, []interface{}, error) {
	open := strings.IndexByte(stage, '(')
	if open < 0 {
		if !isIdentifier(stage) {
			return "", nil, fmt.Errorf("invalid filter %q", stage)
		}
		return stage, nil, nil
	}
	name := strings.TrimSpace(stage[:open])
	if !isIdentifier(name) {
		return "", nil, fmt.Errorf("invalid filter %q", name)
	}
	if !strings.HasSuffix(stage, ")") {
		return "", nil, fmt.Errorf("unterminated arguments in filter %q", name)
	}
	body := stage[open+1 : len(stage)-1]
	if strings.TrimSpace(body) == "" {
		return name, nil, nil
	}
	var args []interface{}
	for _, raw := range splitTopLevel(body, ',') {
		value, ok := parseLiteral(strings.TrimSpace(raw))
		if !ok {
			return "", nil, argErrorf(name, "%s filter received a non-literal argument %q", name, strings.TrimSpace(raw))
		}
		args = append(args, value)
	}
	return name, args, nil
}

// parseLiteral parses quoted strings, numbers, booleans and null.
func parseLiteral(token string) (interface{}, bool) {
	if token == "" {
		return nil, false
	}
	if len(token) >= 2 {
		if (token[0] == '"' && token[len(token)-1] == '"') || (token[0] == '\'' && token[len(token)-1] == '\'') {
			return unescapeString(token[1 : len(token)-1]), true
		}
	}
	switch token {
	case "true":
		return true, true
	case "false":
		return false, true
	case "null", "nil":
		return nil, true
	}
	if i, err := strconv.ParseInt(token, 10, 64); err == nil {
		return int(i), true
	}
	if f, err := strconv.ParseFloat(token, 64); err == nil {
		return f, true
	}
	return nil, false
}

func unescapeString(s string) string {
	if !strings.ContainsRune(s, '\\') {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
			switch s[i] {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			default:
				b.WriteByte(s[i])
			}
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// toString is the default string conversion used for mixed templates.
func toString(v interface{}) string {
	switch tv := v.(type) {
	case nil:
		return ""
	case string:
		return tv
	case bool:
		return strconv.FormatBool(tv)
	case int:
		return strconv.Itoa(tv)
	case int8:
		return strconv.FormatInt(int64(tv), 10)
	case int16:
		return strconv.FormatInt(int64(tv), 10)
	case int32:
		return strconv.FormatInt(int64(tv), 10)
	case int64:
		return strconv.FormatInt(tv, 10)
	case uint:
		return strconv.FormatUint(uint64(tv), 10)
	case uint32:
		return strconv.FormatUint(uint64(tv), 10)
	case uint64:
		return strconv.FormatUint(tv, 10)
	case float32:
		return strconv.FormatFloat(float64(tv), 'f', -1, 64)
	case float64:
		return strconv.FormatFloat(tv, 'f', -1, 64)
	case json.Number:
		return tv.String()
	case time.Time:
		return tv.UTC().Format(time.RFC3339)
	default:
		data, err := json.Marshal(tv)
		if err != nil {
			return fmt.Sprintf("%v", tv)
		}
		return string(data)
	}
}
