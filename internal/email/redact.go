package email

import (
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"
)

// Diagnostic snapshot bounds.
const (
	RedactedMarker  = "[redacted]"
	maxStringRunes  = 200
	maxMapKeys      = 10
	maxListItems    = 5
	maxRedactDepth  = 4
	truncatedSuffix = "…"
	depthMarker     = "[depth-limit]"
	omittedKey      = "_omitted"
)

var sensitiveKey = regexp.MustCompile(`(?i)(e-?mail|token|secret|passw(or)?d|api[-_]?key|session|auth)`)

// IsSensitiveKey reports whether values stored under key must never reach a
// diagnostic snapshot.
func IsSensitiveKey(key string) bool { return sensitiveKey.MatchString(key) }

// RedactForDiagnostics returns a bounded copy of params safe to persist on an
// EmailSend record. Sensitive keys and email-like strings are replaced with
// RedactedMarker; long strings are truncated; nested maps keep at most 10
// keys (in key order) and lists at most 5 items; nesting is cut at depth 4.
// Numbers and booleans under non-sensitive keys are kept unchanged.
func RedactForDiagnostics(params map[string]any) map[string]any {
	out := redactMap(reflect.ValueOf(params), 0, len(params))
	if out == nil {
		return map[string]any{}
	}
	return out
}

func redactMap(rv reflect.Value, depth, size int) map[string]any {
	if !rv.IsValid() || rv.IsNil() {
		return nil
	}
	keys := make([]string, 0, size)
	byName := make(map[string]reflect.Value, size)
	iter := rv.MapRange()
	for iter.Next() {
		name := fmt.Sprint(iter.Key().Interface())
		keys = append(keys, name)
		byName[name] = iter.Value()
	}
	sort.Strings(keys)

	limit := len(keys)
	if depth > 0 && limit > maxMapKeys {
		limit = maxMapKeys
	}
	out := make(map[string]any, limit+1)
	for _, k := range keys[:limit] {
		if IsSensitiveKey(k) {
			out[k] = RedactedMarker
			continue
		}
		out[k] = redactValue(byName[k], depth+1)
	}
	if omitted := len(keys) - limit; omitted > 0 {
		out[omittedKey] = omitted
	}
	return out
}

func redactValue(rv reflect.Value, depth int) any {
	if !rv.IsValid() {
		return nil
	}
	for rv.Kind() == reflect.Interface || rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.String:
		return redactString(rv.String())
	case reflect.Bool:
		return rv.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return rv.Interface()
	case reflect.Slice, reflect.Array:
		if depth >= maxRedactDepth {
			return depthMarker
		}
		n := rv.Len()
		if n > maxListItems {
			n = maxListItems
		}
		items := make([]any, 0, n)
		for i := 0; i < n; i++ {
			items = append(items, redactValue(rv.Index(i), depth+1))
		}
		return items
	case reflect.Map:
		if depth >= maxRedactDepth {
			return depthMarker
		}
		return redactMap(rv, depth, rv.Len())
	}
	// structs, times and other values are flattened to their string form
	if s, ok := rv.Interface().(fmt.Stringer); ok {
		return redactString(s.String())
	}
	return redactString(fmt.Sprint(rv.Interface()))
}

func redactString(s string) string {
	if strings.Contains(s, "@") {
		return RedactedMarker
	}
	if utf8.RuneCountInString(s) > maxStringRunes {
		runes := []rune(s)
		return string(runes[:maxStringRunes]) + truncatedSuffix
	}
	return s
}
