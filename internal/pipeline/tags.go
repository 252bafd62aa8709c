package pipeline

import (
	"strings"
	"unicode/utf8"
)

const maxTags = 5
const maxTagLength = 24

// Generic filler tags the provider tends to emit regardless of topic.
var genericTags = map[string]struct{}{
	"technology":  {},
	"ai":          {},
	"science":     {},
	"innovation":  {},
	"research":    {},
	"general":     {},
	"business":    {},
	"education":   {},
	"information": {},
	"knowledge":   {},
	"development": {},
	"analysis":    {},
	"study":       {},
	"topic":       {},
	"subject":     {},
}

// parseTags turns the provider's comma-separated tag reply into a clean
// list: trimmed, quotes stripped, empty / overlong / generic entries
// dropped, capped at maxTags. Returns nil when nothing survives.
func parseTags(raw string) []string {
	var tags []string
	for _, part := range strings.Split(raw, ",") {
		tag := strings.TrimSpace(part)
		tag = strings.NewReplacer(`'`, "", `"`, "").Replace(tag)
		if tag == "" || utf8.RuneCountInString(tag) > maxTagLength {
			continue
		}
		if _, generic := genericTags[strings.ToLower(tag)]; generic {
			continue
		}
		tags = append(tags, tag)
		if len(tags) == maxTags {
			break
		}
	}
	return tags
}

// cleanTitle strips quotes and surrounding whitespace; falls back to
// the original query when the provider returned nothing usable.
func cleanTitle(raw, query string) string {
	title := strings.NewReplacer(`'`, "", `"`, "").Replace(raw)
	title = strings.TrimSpace(title)
	if title == "" {
		return query
	}
	return title
}
