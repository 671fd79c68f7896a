// Package identifiers sanitizes user-supplied names into valid table and
// column ids, and disambiguates them against ids already in use.
package identifiers

import (
	"fmt"
	"strings"
	"unicode"
)

// Sanitize converts an arbitrary string into a valid identifier: ASCII
// letters, digits and underscores, not starting with a digit. Runs of
// invalid characters collapse into a single underscore. Returns "" when
// nothing salvageable remains.
func Sanitize(name string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range name {
		ok := r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
		if !ok || r > unicode.MaxASCII {
			if b.Len() > 0 && !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
			continue
		}
		b.WriteRune(r)
		lastUnderscore = r == '_'
	}
	out := strings.Trim(b.String(), "_")
	if out == "" {
		return ""
	}
	if unicode.IsDigit(rune(out[0])) {
		out = "c" + out
	}
	return out
}

// PickTableIdent returns a valid, unused table id based on desired. Table
// ids conventionally start with an upper-case letter. An empty or
// unsalvageable desired name yields "Table1", "Table2", ...
func PickTableIdent(desired string, avoid map[string]bool) string {
	ident := Sanitize(desired)
	if ident != "" {
		ident = strings.ToUpper(ident[:1]) + ident[1:]
	}
	if ident == "" {
		return numbered("Table", 1, avoid)
	}
	return disambiguate(ident, avoid)
}

// PickColIdent returns a valid, unused column id based on desired. An empty
// desired name yields single letters A, B, C, ... then doubled forms.
func PickColIdent(desired string, avoid map[string]bool) string {
	ident := Sanitize(desired)
	if ident == "" {
		return letterIdent(avoid)
	}
	return disambiguate(ident, avoid)
}

// PickColIdentList sanitizes and disambiguates a whole list at once; later
// entries avoid the ids picked for earlier ones.
func PickColIdentList(desired []string, avoid map[string]bool) []string {
	taken := make(map[string]bool, len(avoid)+len(desired))
	for k, v := range avoid {
		taken[k] = v
	}
	out := make([]string, len(desired))
	for i, d := range desired {
		id := PickColIdent(d, taken)
		taken[id] = true
		out[i] = id
	}
	return out
}

func disambiguate(ident string, avoid map[string]bool) string {
	if !avoid[ident] {
		return ident
	}
	for n := 2; ; n++ {
		candidate := fmt.Sprintf("%s%d", ident, n)
		if !avoid[candidate] {
			return candidate
		}
	}
}

func numbered(prefix string, start int, avoid map[string]bool) string {
	for n := start; ; n++ {
		candidate := fmt.Sprintf("%s%d", prefix, n)
		if !avoid[candidate] {
			return candidate
		}
	}
}

func letterIdent(avoid map[string]bool) string {
	for reps := 1; ; reps++ {
		for c := 'A'; c <= 'Z'; c++ {
			candidate := strings.Repeat(string(c), reps)
			if !avoid[candidate] {
				return candidate
			}
		}
	}
}
