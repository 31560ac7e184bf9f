package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/roach88/covenant/internal/canon"
)

// Schema is a compiled schema document.
type Schema struct {
	Name    string
	Version string

	root *node
	defs map[string]*node
}

// node is one compiled subschema. Pointer fields are nil when the keyword
// is absent.
type node struct {
	types []string

	properties map[string]*node
	required   []string
	// additional is consulted for properties not listed in properties.
	// closed means additionalProperties: false.
	additional *node
	closed     bool

	items *node

	enum     []any
	constVal any
	hasConst bool

	pattern   *regexp.Regexp
	minLength *int
	maxLength *int

	minimum          *float64
	maximum          *float64
	exclusiveMinimum *float64
	exclusiveMaximum *float64

	minItems    *int
	maxItems    *int
	uniqueItems bool

	format string
	ref    string
}

var annotationKeywords = map[string]bool{
	"$schema":     true,
	"$id":         true,
	"$comment":    true,
	"title":       true,
	"description": true,
	"default":     true,
	"examples":    true,
}

var knownTypes = []string{"object", "array", "string", "number", "integer", "boolean", "null"}

var knownFormats = []string{"date-time", "uri", "uri-reference"}

// Compile builds a Schema from a decoded schema document in the generic JSON
// model. The document must carry x-schema-name and x-schema-version. Pattern
// values are unescaped one layer before compilation (see NormalizePatterns).
func Compile(doc any) (*Schema, error) {
	root, ok := doc.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("schema document must be an object, got %T", doc)
	}
	name, _ := root["x-schema-name"].(string)
	version, _ := root["x-schema-version"].(string)
	if name == "" || version == "" {
		return nil, fmt.Errorf("schema document must declare x-schema-name and x-schema-version")
	}

	normalized := NormalizePatterns(root).(map[string]any)
	c := &compiler{defs: map[string]*node{}}

	if rawDefs, ok := normalized["$defs"]; ok {
		defs, ok := rawDefs.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%s@%s: $defs must be an object", name, version)
		}
		for _, k := range canon.SortedKeys(defs) {
			n, err := c.compile(defs[k], "/$defs/"+k)
			if err != nil {
				return nil, fmt.Errorf("%s@%s: %w", name, version, err)
			}
			c.defs[k] = n
		}
	}

	n, err := c.compile(normalized, "")
	if err != nil {
		return nil, fmt.Errorf("%s@%s: %w", name, version, err)
	}
	for _, ref := range c.refs {
		if _, ok := c.defs[ref]; !ok {
			return nil, fmt.Errorf("%s@%s: unresolved $ref #/$defs/%s", name, version, ref)
		}
	}
	return &Schema{Name: name, Version: version, root: n, defs: c.defs}, nil
}

// NormalizePatterns returns a copy of a schema document in which every string
// value of a "pattern" key has one layer of backslash escaping removed
// ("\\d" becomes "\d"). Schemas are authored with doubled backslashes by
// their storage format. The input is never modified.
func NormalizePatterns(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			if s, ok := child.(string); ok && k == "pattern" {
				out[k] = strings.ReplaceAll(s, `\\`, `\`)
				continue
			}
			out[k] = NormalizePatterns(child)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			out[i] = NormalizePatterns(child)
		}
		return out
	default:
		return v
	}
}

type compiler struct {
	defs map[string]*node
	refs []string
}

func (c *compiler) compile(raw any, at string) (*node, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%s: subschema must be an object", pointerOrRoot(at))
	}
	n := &node{}
	for _, key := range canon.SortedKeys(m) {
		val := m[key]
		where := at + "/" + key
		if annotationKeywords[key] || strings.HasPrefix(key, "x-") || key == "$defs" {
			continue
		}
		var err error
		switch key {
		case "type":
			n.types, err = compileTypes(val)
		case "properties":
			props, ok := val.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%s: must be an object", where)
			}
			n.properties = make(map[string]*node, len(props))
			for _, p := range canon.SortedKeys(props) {
				child, cerr := c.compile(props[p], where+"/"+p)
				if cerr != nil {
					return nil, cerr
				}
				n.properties[p] = child
			}
		case "required":
			n.required, err = stringList(val)
		case "additionalProperties":
			switch ap := val.(type) {
			case bool:
				n.closed = !ap
			default:
				n.additional, err = c.compile(ap, where)
			}
		case "items":
			n.items, err = c.compile(val, where)
		case "enum":
			list, ok := val.([]any)
			if !ok || len(list) == 0 {
				return nil, fmt.Errorf("%s: must be a non-empty array", where)
			}
			n.enum = list
		case "const":
			n.constVal, n.hasConst = val, true
		case "pattern":
			s, ok := val.(string)
			if !ok {
				return nil, fmt.Errorf("%s: must be a string", where)
			}
			n.pattern, err = regexp.Compile(s)
		case "minLength":
			n.minLength, err = intValue(val)
		case "maxLength":
			n.maxLength, err = intValue(val)
		case "minItems":
			n.minItems, err = intValue(val)
		case "maxItems":
			n.maxItems, err = intValue(val)
		case "minimum":
			n.minimum, err = floatValue(val)
		case "maximum":
			n.maximum, err = floatValue(val)
		case "exclusiveMinimum":
			n.exclusiveMinimum, err = floatValue(val)
		case "exclusiveMaximum":
			n.exclusiveMaximum, err = floatValue(val)
		case "uniqueItems":
			b, ok := val.(bool)
			if !ok {
				return nil, fmt.Errorf("%s: must be a boolean", where)
			}
			n.uniqueItems = b
		case "format":
			s, _ := val.(string)
			if !slices.Contains(knownFormats, s) {
				return nil, fmt.Errorf("%s: unsupported format %v", where, val)
			}
			n.format = s
		case "$ref":
			s, _ := val.(string)
			name, ok := strings.CutPrefix(s, "#/$defs/")
			if !ok || name == "" {
				return nil, fmt.Errorf("%s: unsupported reference %v", where, val)
			}
			n.ref = name
			c.refs = append(c.refs, name)
		default:
			return nil, fmt.Errorf("%s: unsupported keyword", where)
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", where, err)
		}
	}
	return n, nil
}

func compileTypes(v any) ([]string, error) {
	var list []string
	switch t := v.(type) {
	case string:
		list = []string{t}
	case []any:
		var err error
		if list, err = stringList(t); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("must be a string or array of strings")
	}
	for _, t := range list {
		if !slices.Contains(knownTypes, t) {
			return nil, fmt.Errorf("unknown type %q", t)
		}
	}
	return list, nil
}

func stringList(v any) ([]string, error) {
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("must be an array of strings")
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("must be an array of strings")
		}
		out = append(out, s)
	}
	return out, nil
}

func intValue(v any) (*int, error) {
	f, err := floatValue(v)
	if err != nil {
		return nil, err
	}
	i := int(*f)
	if float64(i) != *f || i < 0 {
		return nil, fmt.Errorf("must be a non-negative integer")
	}
	return &i, nil
}

func floatValue(v any) (*float64, error) {
	f, ok := number(v)
	if !ok {
		return nil, fmt.Errorf("must be a number")
	}
	return &f, nil
}

// number converts the numeric forms of the generic model to float64.
func number(v any) (float64, bool) {
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// integer accepts only values that decode into an int64 field: a json.Number
// must be a plain integer literal, so 5.0, 1e3 and out-of-range literals are
// numbers but not integers.
func integer(v any) (int64, bool) {
	switch n := v.(type) {
	case json.Number:
		i, err := strconv.ParseInt(string(n), 10, 64)
		return i, err == nil
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		if n == math.Trunc(n) && math.Abs(n) <= maxExactFloatInt {
			return int64(n), true
		}
	}
	return 0, false
}

// maxExactFloatInt is the largest float64 below which every integer is exact.
const maxExactFloatInt = 1 << 53

func pointerOrRoot(p string) string {
	if p == "" {
		return "/"
	}
	return p
}
