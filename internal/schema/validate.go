package schema

import (
	"bytes"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/roach88/covenant/internal/canon"
	"github.com/roach88/covenant/internal/faults"
)

// check collects violations for doc against s. It never stops at the first
// failure.
func (s *Schema) check(doc any) []faults.Violation {
	w := &walker{schema: s}
	w.visit(s.root, doc, "", 0)
	slices.SortStableFunc(w.out, func(a, b faults.Violation) int {
		if c := strings.Compare(a.Path, b.Path); c != 0 {
			return c
		}
		return strings.Compare(a.Keyword, b.Keyword)
	})
	return w.out
}

// maxRefDepth bounds $ref expansion for self-referencing schemas.
const maxRefDepth = 64

type walker struct {
	schema *Schema
	out    []faults.Violation
}

func (w *walker) add(path, keyword, expected, actual, message string) {
	w.out = append(w.out, faults.Violation{
		Path:     pointerOrRoot(path),
		Keyword:  keyword,
		Expected: expected,
		Actual:   actual,
		Message:  message,
	})
}

func (w *walker) visit(n *node, v any, path string, depth int) {
	if n.ref != "" {
		if depth >= maxRefDepth {
			w.add(path, "$ref", "", "", "reference depth exceeded")
			return
		}
		w.visit(w.schema.defs[n.ref], v, path, depth+1)
	}

	if len(n.types) > 0 && !matchesAnyType(n.types, v) {
		w.add(path, "type", strings.Join(n.types, "|"), typeName(v),
			fmt.Sprintf("expected %s, got %s", strings.Join(n.types, " or "), typeName(v)))
		return
	}

	if n.hasConst && !equalValues(n.constVal, v) {
		w.add(path, "const", render(n.constVal), render(v), fmt.Sprintf("must equal %s", render(n.constVal)))
	}
	if n.enum != nil && !slices.ContainsFunc(n.enum, func(e any) bool { return equalValues(e, v) }) {
		allowed := make([]string, len(n.enum))
		for i, e := range n.enum {
			allowed[i] = render(e)
		}
		w.add(path, "enum", strings.Join(allowed, "|"), render(v),
			fmt.Sprintf("must be one of %s", strings.Join(allowed, ", ")))
	}

	switch val := v.(type) {
	case map[string]any:
		w.visitObject(n, val, path, depth)
	case []any:
		w.visitArray(n, val, path, depth)
	case string:
		w.visitString(n, val, path)
	default:
		if f, ok := number(v); ok {
			w.visitNumber(n, f, path)
		}
	}
}

func (w *walker) visitObject(n *node, obj map[string]any, path string, depth int) {
	for _, req := range n.required {
		if _, ok := obj[req]; !ok {
			w.add(path+"/"+escapeToken(req), "required", "present", "missing", "required property missing")
		}
	}
	for _, k := range canon.SortedKeys(obj) {
		childPath := path + "/" + escapeToken(k)
		if child, ok := n.properties[k]; ok {
			w.visit(child, obj[k], childPath, depth)
			continue
		}
		switch {
		case n.closed:
			w.add(childPath, "additionalProperties", "absent", "present", "property not allowed")
		case n.additional != nil:
			w.visit(n.additional, obj[k], childPath, depth)
		}
	}
}

func (w *walker) visitArray(n *node, arr []any, path string, depth int) {
	if n.minItems != nil && len(arr) < *n.minItems {
		w.add(path, "minItems", fmt.Sprintf(">= %d items", *n.minItems), fmt.Sprintf("%d items", len(arr)),
			fmt.Sprintf("must contain at least %d item(s)", *n.minItems))
	}
	if n.maxItems != nil && len(arr) > *n.maxItems {
		w.add(path, "maxItems", fmt.Sprintf("<= %d items", *n.maxItems), fmt.Sprintf("%d items", len(arr)),
			fmt.Sprintf("must contain at most %d item(s)", *n.maxItems))
	}
	if n.uniqueItems {
		seen := make(map[string]int, len(arr))
		for i, item := range arr {
			key := render(item)
			if first, dup := seen[key]; dup {
				w.add(fmt.Sprintf("%s/%d", path, i), "uniqueItems", "unique", key,
					fmt.Sprintf("duplicates item %d", first))
				continue
			}
			seen[key] = i
		}
	}
	if n.items != nil {
		for i, item := range arr {
			w.visit(n.items, item, fmt.Sprintf("%s/%d", path, i), depth)
		}
	}
}

func (w *walker) visitString(n *node, s string, path string) {
	length := utf8.RuneCountInString(s)
	if n.minLength != nil && length < *n.minLength {
		w.add(path, "minLength", fmt.Sprintf(">= %d chars", *n.minLength), fmt.Sprintf("%d chars", length),
			fmt.Sprintf("must be at least %d character(s)", *n.minLength))
	}
	if n.maxLength != nil && length > *n.maxLength {
		w.add(path, "maxLength", fmt.Sprintf("<= %d chars", *n.maxLength), fmt.Sprintf("%d chars", length),
			fmt.Sprintf("must be at most %d character(s)", *n.maxLength))
	}
	if n.pattern != nil && !n.pattern.MatchString(s) {
		w.add(path, "pattern", n.pattern.String(), s, fmt.Sprintf("does not match pattern %s", n.pattern.String()))
	}
	if n.format != "" {
		if msg := checkFormat(n.format, s); msg != "" {
			w.add(path, "format", n.format, s, msg)
		}
	}
}

func (w *walker) visitNumber(n *node, f float64, path string) {
	actual := formatFloat(f)
	if n.minimum != nil && f < *n.minimum {
		w.add(path, "minimum", ">= "+formatFloat(*n.minimum), actual, "must be >= "+formatFloat(*n.minimum))
	}
	if n.maximum != nil && f > *n.maximum {
		w.add(path, "maximum", "<= "+formatFloat(*n.maximum), actual, "must be <= "+formatFloat(*n.maximum))
	}
	if n.exclusiveMinimum != nil && f <= *n.exclusiveMinimum {
		w.add(path, "exclusiveMinimum", "> "+formatFloat(*n.exclusiveMinimum), actual,
			"must be > "+formatFloat(*n.exclusiveMinimum))
	}
	if n.exclusiveMaximum != nil && f >= *n.exclusiveMaximum {
		w.add(path, "exclusiveMaximum", "< "+formatFloat(*n.exclusiveMaximum), actual,
			"must be < "+formatFloat(*n.exclusiveMaximum))
	}
}

func checkFormat(format, s string) string {
	switch format {
	case "date-time":
		if _, err := time.Parse(time.RFC3339, s); err != nil {
			return "must be an RFC 3339 date-time"
		}
	case "uri":
		u, err := url.Parse(s)
		if err != nil || u.Scheme == "" {
			return "must be an absolute URI"
		}
	case "uri-reference":
		if _, err := url.Parse(s); err != nil {
			return "must be a URI reference"
		}
	}
	return ""
}

func matchesAnyType(types []string, v any) bool {
	for _, t := range types {
		if matchesType(t, v) {
			return true
		}
	}
	return false
}

func matchesType(t string, v any) bool {
	switch t {
	case "object":
		_, ok := v.(map[string]any)
		return ok
	case "array":
		_, ok := v.([]any)
		return ok
	case "string":
		_, ok := v.(string)
		return ok
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "null":
		return v == nil
	case "number":
		_, ok := number(v)
		return ok
	case "integer":
		_, ok := integer(v)
		return ok
	}
	return false
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	case string:
		return "string"
	case bool:
		return "boolean"
	}
	if _, ok := integer(v); ok {
		return "integer"
	}
	if _, ok := number(v); ok {
		return "number"
	}
	return fmt.Sprintf("%T", v)
}

// equalValues is JSON equality: numbers compare by value (1 equals 1.0),
// objects ignore key order and strings compare in canonical (NFC) form.
func equalValues(a, b any) bool {
	switch x := a.(type) {
	case map[string]any:
		y, ok := b.(map[string]any)
		if !ok || len(x) != len(y) {
			return false
		}
		for k, xv := range x {
			yv, ok := y[k]
			if !ok || !equalValues(xv, yv) {
				return false
			}
		}
		return true
	case []any:
		y, ok := b.([]any)
		if !ok || len(x) != len(y) {
			return false
		}
		for i := range x {
			if !equalValues(x[i], y[i]) {
				return false
			}
		}
		return true
	}
	fa, okA := number(a)
	fb, okB := number(b)
	if okA || okB {
		if !okA || !okB || fa != fb {
			return false
		}
		// float64 rounds integers beyond 2^53; compare those exactly.
		ia, intA := integer(a)
		ib, intB := integer(b)
		return !intA || !intB || ia == ib
	}
	ca, errA := canon.MarshalCanonical(a)
	cb, errB := canon.MarshalCanonical(b)
	return errA == nil && errB == nil && bytes.Equal(ca, cb)
}

func render(v any) string {
	data, err := canon.MarshalCanonical(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

func formatFloat(f float64) string {
	return render(f)
}

// escapeToken escapes a JSON pointer reference token (RFC 6901).
func escapeToken(s string) string {
	return strings.NewReplacer("~", "~0", "/", "~1").Replace(s)
}
