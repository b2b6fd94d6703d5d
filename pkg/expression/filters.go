package expression

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"
)

func builtinFilters() map[string]FilterFunc {
	return map[string]FilterFunc{
		// string
		"upper_case": filterUpperCase,
		"lower_case": filterLowerCase,
		"capitalize": filterCapitalize,
		"truncate":   filterTruncate,
		"default":    filterDefault,

		// number
		"round":           filterRound,
		"format_currency": filterFormatCurrency,

		// math
		"abs":   filterAbs,
		"ceil":  filterCeil,
		"floor": filterFloor,
		"max":   filterMax,
		"min":   filterMin,
		"power": filterPower,
		"sqrt":  filterSqrt,
		"mod":   filterMod,
		"clamp": filterClamp,

		// collection
		"length":   filterLength,
		"first":    filterFirst,
		"last":     filterLast,
		"join":     filterJoin,
		"keys":     filterKeys,
		"values":   filterValues,
		"sort":     filterSort,
		"reverse":  filterReverse,
		"uniq":     filterUniq,
		"slice":    filterSlice,
		"contains": filterContains,
		"compact":  filterCompact,
		"flatten":  filterFlatten,
		"sum":      filterSum,
		"group_by": filterGroupBy,
		"map":      filterMap,
		"filter":   filterFilter,
		"reject":   filterReject,
		"dump":     filterDump,
	}
}

// String filters

func filterUpperCase(value interface{}, args []interface{}) (interface{}, error) {
	s, ok := value.(string)
	if !ok {
		return nil, argErrorf("upper_case", "upper_case filter requires a string")
	}
	return strings.ToUpper(s), nil
}

func filterLowerCase(value interface{}, args []interface{}) (interface{}, error) {
	s, ok := value.(string)
	if !ok {
		return nil, argErrorf("lower_case", "lower_case filter requires a string")
	}
	return strings.ToLower(s), nil
}

func filterCapitalize(value interface{}, args []interface{}) (interface{}, error) {
	s, ok := value.(string)
	if !ok {
		return nil, argErrorf("capitalize", "capitalize filter requires a string")
	}
	if s == "" {
		return s, nil
	}
	r, size := utf8.DecodeRuneInString(s)
	return string(unicode.ToUpper(r)) + strings.ToLower(s[size:]), nil
}

func filterTruncate(value interface{}, args []interface{}) (interface{}, error) {
	s, ok := value.(string)
	if !ok {
		return nil, argErrorf("truncate", "truncate filter requires a string")
	}
	if len(args) < 1 || len(args) > 2 {
		return nil, argErrorf("truncate", "truncate filter expects a length and an optional suffix")
	}
	length, ok := toInt(args[0])
	if !ok || length < 0 {
		return nil, argErrorf("truncate", "truncate filter requires a non-negative integer length")
	}
	suffix := "..."
	if len(args) == 2 {
		suffix, ok = args[1].(string)
		if !ok {
			return nil, argErrorf("truncate", "truncate filter requires a string suffix")
		}
	}
	runes := []rune(s)
	if len(runes) <= length {
		return s, nil
	}
	sfx := []rune(suffix)
	if length < len(sfx) {
		return string(sfx[:length]), nil
	}
	return string(runes[:length-len(sfx)]) + suffix, nil
}

func filterDefault(value interface{}, args []interface{}) (interface{}, error) {
	if len(args) != 1 {
		return nil, argErrorf("default", "default filter expects exactly one fallback argument")
	}
	if value == nil {
		return args[0], nil
	}
	return value, nil
}

// Number filters

func filterRound(value interface{}, args []interface{}) (interface{}, error) {
	f, ok := toFloat(value)
	if !ok {
		return nil, argErrorf("round", "round filter requires a number")
	}
	precision := 0
	if len(args) > 1 {
		return nil, argErrorf("round", "round filter expects at most one precision argument")
	}
	if len(args) == 1 {
		precision, ok = toInt(args[0])
		if !ok || precision < 0 {
			return nil, argErrorf("round", "round filter requires a non-negative integer precision")
		}
	}
	factor := math.Pow(10, float64(precision))
	return math.Round(f*factor) / factor, nil
}

var currencySymbols = map[string]string{
	"USD": "$",
	"EUR": "€",
	"GBP": "£",
}

func filterFormatCurrency(value interface{}, args []interface{}) (interface{}, error) {
	f, ok := toFloat(value)
	if !ok {
		return nil, argErrorf("format_currency", "format_currency filter requires a number")
	}
	code := "USD"
	if len(args) > 1 {
		return nil, argErrorf("format_currency", "format_currency filter expects at most one currency code")
	}
	if len(args) == 1 {
		code, ok = args[0].(string)
		if !ok {
			return nil, argErrorf("format_currency", "format_currency filter requires a string currency code")
		}
	}
	symbol, ok := currencySymbols[code]
	if !ok {
		return nil, argErrorf("format_currency", "format_currency filter does not support currency %q", code)
	}
	return fmt.Sprintf("%s%.2f", symbol, f), nil
}

// Math filters

func filterAbs(value interface{}, args []interface{}) (interface{}, error) {
	f, ok := toFloat(value)
	if !ok {
		return nil, argErrorf("abs", "abs filter requires a number")
	}
	return math.Abs(f), nil
}

func filterCeil(value interface{}, args []interface{}) (interface{}, error) {
	f, ok := toFloat(value)
	if !ok {
		return nil, argErrorf("ceil", "ceil filter requires a number")
	}
	return math.Ceil(f), nil
}

func filterFloor(value interface{}, args []interface{}) (interface{}, error) {
	f, ok := toFloat(value)
	if !ok {
		return nil, argErrorf("floor", "floor filter requires a number")
	}
	return math.Floor(f), nil
}

func filterMax(value interface{}, args []interface{}) (interface{}, error) {
	f, arg, err := numericPair("max", value, args)
	if err != nil {
		return nil, err
	}
	return math.Max(f, arg), nil
}

func filterMin(value interface{}, args []interface{}) (interface{}, error) {
	f, arg, err := numericPair("min", value, args)
	if err != nil {
		return nil, err
	}
	return math.Min(f, arg), nil
}

func filterPower(value interface{}, args []interface{}) (interface{}, error) {
	f, arg, err := numericPair("power", value, args)
	if err != nil {
		return nil, err
	}
	return math.Pow(f, arg), nil
}

func filterSqrt(value interface{}, args []interface{}) (interface{}, error) {
	f, ok := toFloat(value)
	if !ok {
		return nil, argErrorf("sqrt", "sqrt filter requires a number")
	}
	if f < 0 {
		return nil, domainErrorf("sqrt", "sqrt filter requires a non-negative number")
	}
	return math.Sqrt(f), nil
}

func filterMod(value interface{}, args []interface{}) (interface{}, error) {
	f, arg, err := numericPair("mod", value, args)
	if err != nil {
		return nil, err
	}
	if arg == 0 {
		return nil, domainErrorf("mod", "mod filter requires a non-zero divisor")
	}
	return math.Mod(f, arg), nil
}

func filterClamp(value interface{}, args []interface{}) (interface{}, error) {
	f, ok := toFloat(value)
	if !ok {
		return nil, argErrorf("clamp", "clamp filter requires a number")
	}
	if len(args) != 2 {
		return nil, argErrorf("clamp", "clamp filter expects min and max arguments")
	}
	lo, okLo := toFloat(args[0])
	hi, okHi := toFloat(args[1])
	if !okLo || !okHi {
		return nil, argErrorf("clamp", "clamp filter requires numeric min and max")
	}
	if lo > hi {
		return nil, argErrorf("clamp", "clamp filter requires min <= max")
	}
	return math.Max(lo, math.Min(hi, f)), nil
}

func numericPair(name string, value interface{}, args []interface{}) (float64, float64, error) {
	f, ok := toFloat(value)
	if !ok {
		return 0, 0, argErrorf(name, "%s filter requires a number", name)
	}
	if len(args) != 1 {
		return 0, 0, argErrorf(name, "%s filter expects exactly one numeric argument", name)
	}
	arg, ok := toFloat(args[0])
	if !ok {
		return 0, 0, argErrorf(name, "%s filter requires a numeric argument", name)
	}
	return f, arg, nil
}

// Collection filters

func filterLength(value interface{}, args []interface{}) (interface{}, error) {
	switch tv := value.(type) {
	case string:
		return utf8.RuneCountInString(tv), nil
	case []interface{}:
		return len(tv), nil
	case map[string]interface{}:
		return len(tv), nil
	}
	return nil, argErrorf("length", "length filter requires a string, list or map")
}

func filterFirst(value interface{}, args []interface{}) (interface{}, error) {
	items, ok := value.([]interface{})
	if !ok {
		return nil, argErrorf("first", "first filter requires a list")
	}
	if len(items) == 0 {
		return nil, nil
	}
	return items[0], nil
}

func filterLast(value interface{}, args []interface{}) (interface{}, error) {
	items, ok := value.([]interface{})
	if !ok {
		return nil, argErrorf("last", "last filter requires a list")
	}
	if len(items) == 0 {
		return nil, nil
	}
	return items[len(items)-1], nil
}

func filterJoin(value interface{}, args []interface{}) (interface{}, error) {
	items, ok := value.([]interface{})
	if !ok {
		return nil, argErrorf("join", "join filter requires a list")
	}
	sep := ", "
	if len(args) > 1 {
		return nil, argErrorf("join", "join filter expects at most one separator argument")
	}
	if len(args) == 1 {
		sep, ok = args[0].(string)
		if !ok {
			return nil, argErrorf("join", "join filter requires a string separator")
		}
	}
	parts := make([]string, len(items))
	for i, item := range items {
		parts[i] = toString(item)
	}
	return strings.Join(parts, sep), nil
}

func filterKeys(value interface{}, args []interface{}) (interface{}, error) {
	m, ok := value.(map[string]interface{})
	if !ok {
		return nil, argErrorf("keys", "keys filter requires a map")
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]interface{}, len(keys))
	for i, k := range keys {
		out[i] = k
	}
	return out, nil
}

func filterValues(value interface{}, args []interface{}) (interface{}, error) {
	m, ok := value.(map[string]interface{})
	if !ok {
		return nil, argErrorf("values", "values filter requires a map")
	}
	return elementsOf(m), nil
}

func filterSort(value interface{}, args []interface{}) (interface{}, error) {
	items, ok := value.([]interface{})
	if !ok {
		return nil, argErrorf("sort", "sort filter requires a list")
	}
	out := make([]interface{}, len(items))
	copy(out, items)
	if len(out) < 2 {
		return out, nil
	}
	if _, numeric := toFloat(out[0]); numeric {
		for _, item := range out {
			if _, ok := toFloat(item); !ok {
				return nil, argErrorf("sort", "sort filter requires all elements to be of the same type")
			}
		}
		sort.SliceStable(out, func(i, j int) bool {
			a, _ := toFloat(out[i])
			b, _ := toFloat(out[j])
			return a < b
		})
		return out, nil
	}
	if _, isString := out[0].(string); isString {
		for _, item := range out {
			if _, ok := item.(string); !ok {
				return nil, argErrorf("sort", "sort filter requires all elements to be of the same type")
			}
		}
		sort.SliceStable(out, func(i, j int) bool {
			return out[i].(string) < out[j].(string)
		})
		return out, nil
	}
	return nil, argErrorf("sort", "sort filter requires numbers or strings")
}

func filterReverse(value interface{}, args []interface{}) (interface{}, error) {
	switch tv := value.(type) {
	case []interface{}:
		out := make([]interface{}, len(tv))
		for i, item := range tv {
			out[len(tv)-1-i] = item
		}
		return out, nil
	case string:
		runes := []rune(tv)
		for i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {
			runes[i], runes[j] = runes[j], runes[i]
		}
		return string(runes), nil
	}
	return nil, argErrorf("reverse", "reverse filter requires a list or string")
}

func filterUniq(value interface{}, args []interface{}) (interface{}, error) {
	items, ok := value.([]interface{})
	if !ok {
		return nil, argErrorf("uniq", "uniq filter requires a list")
	}
	seen := make(map[string]bool, len(items))
	out := make([]interface{}, 0, len(items))
	for _, item := range items {
		key := canonicalKey(item)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, item)
	}
	return out, nil
}

func filterSlice(value interface{}, args []interface{}) (interface{}, error) {
	items, ok := value.([]interface{})
	if !ok {
		return nil, argErrorf("slice", "slice filter requires a list")
	}
	if len(args) != 2 {
		return nil, argErrorf("slice", "slice filter expects start and count arguments")
	}
	start, okStart := toInt(args[0])
	count, okCount := toInt(args[1])
	if !okStart || !okCount {
		return nil, argErrorf("slice", "slice filter requires integer start and count")
	}
	if start < 0 || count < 0 || start >= len(items) {
		return []interface{}{}, nil
	}
	end := start + count
	if end > len(items) {
		end = len(items)
	}
	out := make([]interface{}, end-start)
	copy(out, items[start:end])
	return out, nil
}

func filterContains(value interface{}, args []interface{}) (interface{}, error) {
	if len(args) != 1 {
		return nil, argErrorf("contains", "contains filter expects exactly one argument")
	}
	switch tv := value.(type) {
	case string:
		needle, ok := args[0].(string)
		if !ok {
			return nil, argErrorf("contains", "contains filter requires a string argument for strings")
		}
		return strings.Contains(tv, needle), nil
	case []interface{}:
		for _, item := range tv {
			if looseEquals(item, args[0]) {
				return true, nil
			}
		}
		return false, nil
	}
	return nil, argErrorf("contains", "contains filter requires a list or string")
}

func filterCompact(value interface{}, args []interface{}) (interface{}, error) {
	items, ok := value.([]interface{})
	if !ok {
		return nil, argErrorf("compact", "compact filter requires a list")
	}
	out := make([]interface{}, 0, len(items))
	for _, item := range items {
		if item != nil {
			out = append(out, item)
		}
	}
	return out, nil
}

func filterFlatten(value interface{}, args []interface{}) (interface{}, error) {
	items, ok := value.([]interface{})
	if !ok {
		return nil, argErrorf("flatten", "flatten filter requires a list")
	}
	var out []interface{}
	var walk func([]interface{})
	walk = func(list []interface{}) {
		for _, item := range list {
			if nested, ok := item.([]interface{}); ok {
				walk(nested)
				continue
			}
			out = append(out, item)
		}
	}
	walk(items)
	if out == nil {
		out = []interface{}{}
	}
	return out, nil
}

func filterSum(value interface{}, args []interface{}) (interface{}, error) {
	items, ok := value.([]interface{})
	if !ok {
		return nil, argErrorf("sum", "sum filter requires a list")
	}
	total := 0.0
	for _, item := range items {
		f, ok := toFloat(item)
		if !ok {
			return nil, argErrorf("sum", "sum filter requires all elements to be numeric")
		}
		total += f
	}
	return total, nil
}

func filterGroupBy(value interface{}, args []interface{}) (interface{}, error) {
	items, field, err := listAndField("group_by", value, args)
	if err != nil {
		return nil, err
	}
	groups := map[string]interface{}{}
	for _, item := range items {
		key := toString(fieldOf(item, field))
		bucket, _ := groups[key].([]interface{})
		groups[key] = append(bucket, item)
	}
	return groups, nil
}

func filterMap(value interface{}, args []interface{}) (interface{}, error) {
	items, field, err := listAndField("map", value, args)
	if err != nil {
		return nil, err
	}
	out := make([]interface{}, len(items))
	for i, item := range items {
		out[i] = fieldOf(item, field)
	}
	return out, nil
}

func filterFilter(value interface{}, args []interface{}) (interface{}, error) {
	items, field, want, err := listFieldValue("filter", value, args)
	if err != nil {
		return nil, err
	}
	out := make([]interface{}, 0, len(items))
	for _, item := range items {
		if looseEquals(fieldOf(item, field), want) {
			out = append(out, item)
		}
	}
	return out, nil
}

func filterReject(value interface{}, args []interface{}) (interface{}, error) {
	items, field, want, err := listFieldValue("reject", value, args)
	if err != nil {
		return nil, err
	}
	out := make([]interface{}, 0, len(items))
	for _, item := range items {
		if !looseEquals(fieldOf(item, field), want) {
			out = append(out, item)
		}
	}
	return out, nil
}

func filterDump(value interface{}, args []interface{}) (interface{}, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, argErrorf("dump", "dump filter could not encode value: %v", err)
	}
	return string(data), nil
}

func listAndField(name string, value interface{}, args []interface{}) ([]interface{}, string, error) {
	items, ok := value.([]interface{})
	if !ok {
		return nil, "", argErrorf(name, "%s filter requires a list", name)
	}
	if len(args) != 1 {
		return nil, "", argErrorf(name, "%s filter expects exactly one field argument", name)
	}
	field, ok := args[0].(string)
	if !ok {
		return nil, "", argErrorf(name, "%s filter requires a string field name", name)
	}
	return items, field, nil
}

func listFieldValue(name string, value interface{}, args []interface{}) ([]interface{}, string, interface{}, error) {
	items, ok := value.([]interface{})
	if !ok {
		return nil, "", nil, argErrorf(name, "%s filter requires a list", name)
	}
	if len(args) != 2 {
		return nil, "", nil, argErrorf(name, "%s filter expects field and value arguments", name)
	}
	field, ok := args[0].(string)
	if !ok {
		return nil, "", nil, argErrorf(name, "%s filter requires a string field name", name)
	}
	return items, field, args[1], nil
}

// Numeric coercion helpers

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func toInt(v interface{}) (int, bool) {
	f, ok := toFloat(v)
	if !ok {
		return 0, false
	}
	if f != math.Trunc(f) {
		return 0, false
	}
	return int(f), true
}

// looseEquals compares values with numeric coercion so that int 25 and
// float64 25.0 from decoded JSON compare equal.
func looseEquals(a, b interface{}) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func canonicalKey(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%#v", v)
	}
	return string(data)
}
