package messages

import (
	"fmt"
	"strconv"
	"strings"
)

// PostProcessor is applied once to every retrieved message string, e.g. to
// translate a color/markup mini-language into the host's native format.
type PostProcessor func(string) string

// Format substitutes named `{name}` and positional `{0}`, `{1}`, ... tokens
// in template from placeholders, plus the plural mini-syntax
// `{plural:{count}|one:...|other:...}`, which selects the "one" branch when
// placeholders["count"] is an integer equal to 1 and "other" otherwise.
// Unknown placeholders are left intact (P8): format never fails.
func Format(template string, placeholders map[string]interface{}) string {
	out := expandPlurals(template, placeholders)
	return substitutePlaceholders(out, placeholders)
}

func substitutePlaceholders(template string, placeholders map[string]interface{}) string {
	var b strings.Builder
	i := 0
	for i < len(template) {
		start := strings.IndexByte(template[i:], '{')
		if start < 0 {
			b.WriteString(template[i:])
			break
		}
		start += i
		end := strings.IndexByte(template[start:], '}')
		if end < 0 {
			b.WriteString(template[i:])
			break
		}
		end += start

		b.WriteString(template[i:start])
		name := template[start+1 : end]
		if val, ok := placeholders[name]; ok {
			b.WriteString(toDisplayString(val))
		} else {
			b.WriteString(template[start : end+1])
		}
		i = end + 1
	}
	return b.String()
}

// expandPlurals resolves every `{plural:{count}|one:X|other:Y}` group in
// template before ordinary placeholder substitution runs, so X/Y may
// themselves contain `{count}` and other named placeholders.
func expandPlurals(template string, placeholders map[string]interface{}) string {
	const prefix = "{plural:"
	var b strings.Builder
	rest := template
	for {
		idx := strings.Index(rest, prefix)
		if idx < 0 {
			b.WriteString(rest)
			break
		}
		b.WriteString(rest[:idx])

		groupEnd := findGroupEnd(rest, idx)
		if groupEnd < 0 {
			// Unterminated group: emit verbatim and stop trying to parse.
			b.WriteString(rest[idx:])
			break
		}
		group := rest[idx+len(prefix) : groupEnd]
		b.WriteString(resolvePluralGroup(group, placeholders))
		rest = rest[groupEnd+1:]
	}
	return b.String()
}

// findGroupEnd returns the index of the closing '}' that matches the
// '{plural:' opening at rest[start:], accounting for the nested `{count}`
// placeholder braces within the group.
func findGroupEnd(rest string, start int) int {
	depth := 0
	for i := start; i < len(rest); i++ {
		switch rest[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// resolvePluralGroup parses "{count}|one:...|other:..." and returns the
// branch selected by the count placeholder's value.
func resolvePluralGroup(group string, placeholders map[string]interface{}) string {
	parts := strings.SplitN(group, "|", 3)
	if len(parts) != 3 {
		return "{plural:" + group + "}"
	}
	countExpr, onePart, otherPart := parts[0], parts[1], parts[2]

	countName := strings.TrimSuffix(strings.TrimPrefix(countExpr, "{"), "}")
	one := strings.TrimPrefix(onePart, "one:")
	other := strings.TrimPrefix(otherPart, "other:")

	if isExactlyOne(placeholders[countName]) {
		return one
	}
	return other
}

func isExactlyOne(v interface{}) bool {
	switch n := v.(type) {
	case int:
		return n == 1
	case int32:
		return n == 1
	case int64:
		return n == 1
	case float64:
		return n == 1
	case string:
		parsed, err := strconv.Atoi(n)
		return err == nil && parsed == 1
	default:
		return false
	}
}

func toDisplayString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(v)
	}
}
