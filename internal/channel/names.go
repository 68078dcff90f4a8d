package channel

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"switchboard/internal/store"
)

const tablePrefix = "msgs_"

// FoldAccents strips combining marks so "São Paulo" and "Sao Paulo" compare equal.
func FoldAccents(value string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, value)
	if err != nil {
		return value
	}
	return folded
}

// normalizeName produces the lookup key for human channel names.
func normalizeName(name string) string {
	folded := strings.ToLower(FoldAccents(name))
	fields := strings.FieldsFunc(folded, func(r rune) bool {
		return unicode.IsSpace(r) || r == '_' || r == '-' || r == '.'
	})
	return strings.Join(fields, " ")
}

// Slugify turns a channel name into lower-case ASCII joined by underscores.
func Slugify(name string) string {
	folded := strings.ToLower(FoldAccents(name))
	var b strings.Builder
	pendingSep := false
	for _, r := range folded {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingSep = false
			b.WriteRune(r)
		default:
			pendingSep = true
		}
	}
	slug := b.String()
	if slug != "" && slug[0] >= '0' && slug[0] <= '9' {
		slug = "c_" + slug
	}
	if limit := 63 - len(tablePrefix); len(slug) > limit {
		slug = strings.TrimRight(slug[:limit], "_")
	}
	return slug
}

// TableName derives the message table for a slug.
func TableName(slug string) string {
	return tablePrefix + slug
}

func ValidateTable(name string) error {
	if !store.ValidTableName(name) {
		return ErrInvalidTable
	}
	return nil
}
