package email

import (
	"errors"
	"fmt"
	"html"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"donationcore/pkg/domain"

	"golang.org/x/text/language"
)

// ErrRender marks a template that resolved but could not be rendered.
var ErrRender = errors.New("render template")

// Rendered is a fully substituted message body.
type Rendered struct {
	Locale  string
	Subject string
	HTML    string
	Text    string
}

var (
	placeholderToken = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.-]+)\s*\}\}`)
	htmlTag          = regexp.MustCompile(`(?s)<[^>]*>`)
	blockBreak       = regexp.MustCompile(`(?i)<\s*(br\s*/?|/p|/div|/li|/h[1-6]|/tr)\s*>`)
	blankRuns        = regexp.MustCompile(`\n{3,}`)
)

// Renderer substitutes {{key}} placeholders into a template's localized
// subject and body.
type Renderer struct {
	defaultLocale language.Tag
}

// NewRenderer returns a renderer falling back to defaultLocale (English when
// empty or unparsable).
func NewRenderer(defaultLocale string) *Renderer {
	tag, err := language.Parse(defaultLocale)
	if err != nil || defaultLocale == "" {
		tag = language.English
	}
	return &Renderer{defaultLocale: tag}
}

// Render picks the best locale of tpl for the requested locale and
// substitutes params. Values are HTML-escaped in the body; a plain-text
// alternative is derived from the rendered HTML. References to keys absent
// from params, malformed placeholders and empty localized text yield ErrRender.
func (r *Renderer) Render(tpl domain.EmailTemplate, locale string, params map[string]any) (Rendered, error) {
	chosen, err := r.pickLocale(tpl, locale)
	if err != nil {
		return Rendered{}, err
	}
	subject, err := substitute(tpl.Subject[chosen], params, false)
	if err != nil {
		return Rendered{}, fmt.Errorf("%w: subject: %w", ErrRender, err)
	}
	body, err := substitute(tpl.Body[chosen], params, true)
	if err != nil {
		return Rendered{}, fmt.Errorf("%w: body: %w", ErrRender, err)
	}
	if strings.TrimSpace(subject) == "" || strings.TrimSpace(body) == "" {
		return Rendered{}, fmt.Errorf("%w: empty %s content", ErrRender, chosen)
	}
	return Rendered{Locale: chosen, Subject: subject, HTML: body, Text: PlainText(body)}, nil
}

// pickLocale returns the key of tpl.Subject best matching locale. Only
// locales with both subject and body are candidates.
func (r *Renderer) pickLocale(tpl domain.EmailTemplate, locale string) (string, error) {
	var keys []string
	for k := range tpl.Subject {
		if _, ok := tpl.Body[k]; ok {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return "", fmt.Errorf("%w: template %s has no localized content", ErrRender, tpl.Slug)
	}
	sort.Strings(keys)

	// the default locale goes first so the matcher falls back to it
	tags := make([]language.Tag, 0, len(keys))
	index := make([]string, 0, len(keys))
	for _, k := range keys {
		tag, err := language.Parse(k)
		if err != nil {
			continue
		}
		if tag == r.defaultLocale {
			tags = append([]language.Tag{tag}, tags...)
			index = append([]string{k}, index...)
			continue
		}
		tags = append(tags, tag)
		index = append(index, k)
	}
	if len(tags) == 0 {
		return keys[0], nil
	}
	want, _, err := language.ParseAcceptLanguage(locale)
	if err != nil || len(want) == 0 {
		want = []language.Tag{r.defaultLocale}
	}
	_, i, _ := language.NewMatcher(tags).Match(want...)
	return index[i], nil
}

func substitute(text string, params map[string]any, escape bool) (string, error) {
	if rest := placeholderToken.ReplaceAllString(text, ""); strings.Contains(rest, "{{") || strings.Contains(rest, "}}") {
		return "", errors.New("malformed placeholder")
	}
	var missing []string
	out := placeholderToken.ReplaceAllStringFunc(text, func(tok string) string {
		key := placeholderToken.FindStringSubmatch(tok)[1]
		v, ok := params[key]
		if !ok || v == nil {
			missing = append(missing, key)
			return tok
		}
		s := formatValue(v)
		if escape {
			s = html.EscapeString(s)
		}
		return s
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("unresolved placeholders %s", strings.Join(missing, ", "))
	}
	return out, nil
}

// substituteLenient replaces known placeholders and blanks unknown ones. It
// backs the inline fallback path, which must always produce output.
func substituteLenient(text string, params map[string]any) string {
	return placeholderToken.ReplaceAllStringFunc(text, func(tok string) string {
		key := placeholderToken.FindStringSubmatch(tok)[1]
		v, ok := params[key]
		if !ok || v == nil {
			return ""
		}
		return formatValue(v)
	})
}

func formatValue(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case *string:
		if val == nil {
			return ""
		}
		return *val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	case fmt.Stringer:
		return val.String()
	}
	return fmt.Sprint(v)
}

// PlainText derives a text/plain alternative from an HTML body.
func PlainText(body string) string {
	text := blockBreak.ReplaceAllString(body, "\n")
	text = htmlTag.ReplaceAllString(text, "")
	text = html.UnescapeString(text)
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	text = blankRuns.ReplaceAllString(strings.Join(lines, "\n"), "\n\n")
	return strings.TrimSpace(text)
}

func htmlEscape(s string) string { return html.EscapeString(s) }
