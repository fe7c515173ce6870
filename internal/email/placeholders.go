package email

import (
	"reflect"
	"strings"

	"donationcore/pkg/domain"
)

// MissingPlaceholders lists the declared placeholder keys of tpl whose value
// in params is absent, nil, or a blank string. Zero numbers and false are
// present. A nil template declares nothing.
func MissingPlaceholders(tpl *domain.EmailTemplate, params map[string]any) []string {
	missing := []string{}
	if tpl == nil {
		return missing
	}
	seen := make(map[string]struct{}, len(tpl.Placeholders))
	for _, ph := range tpl.Placeholders {
		key := strings.TrimSpace(ph.Key)
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		if isMissing(params[key]) {
			missing = append(missing, key)
		}
	}
	return missing
}

func isMissing(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(val) == ""
	case *string:
		return val == nil || strings.TrimSpace(*val) == ""
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice:
		return rv.IsNil()
	}
	return false
}
