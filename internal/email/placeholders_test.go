package email

import (
	"testing"

	"donationcore/pkg/domain"

	"github.com/stretchr/testify/assert"
)

func templateWith(keys ...string) *domain.EmailTemplate {
	tpl := &domain.EmailTemplate{Slug: "t"}
	for _, k := range keys {
		tpl.Placeholders = append(tpl.Placeholders, domain.Placeholder{Key: k})
	}
	return tpl
}

func TestMissingPlaceholders(t *testing.T) {
	blank := "  "
	name := "Ada"
	var nilMap map[string]any
	tpl := templateWith("name", "amount", "active", "note", "ptr", "blankPtr", "nested", "absent", "name")

	missing := MissingPlaceholders(tpl, map[string]any{
		"name":     "Ada",
		"amount":   0,
		"active":   false,
		"note":     "",
		"ptr":      &name,
		"blankPtr": &blank,
		"nested":   nilMap,
	})
	assert.Equal(t, []string{"note", "blankPtr", "nested", "absent"}, missing)
}

func TestMissingPlaceholdersWithoutTemplate(t *testing.T) {
	missing := MissingPlaceholders(nil, map[string]any{"name": "x"})
	assert.NotNil(t, missing)
	assert.Empty(t, missing)

	assert.Equal(t, []string{"name"}, MissingPlaceholders(templateWith("name", " "), nil))
}
