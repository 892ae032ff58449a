package extraction

import (
	"sort"
	"strings"
	"unicode"
)

// DefaultTagRules maps topical tags to keywords that indicate them.
var DefaultTagRules = map[string][]string{
	"music":      {"music", "jazz", "rock", "song", "band", "concert", "guitar", "piano", "album"},
	"food":       {"food", "eat", "cook", "restaurant", "pizza", "sushi", "vegan", "vegetarian", "coffee", "tea"},
	"sports":     {"football", "soccer", "basketball", "tennis", "running", "gym", "yoga", "swim", "cycling"},
	"travel":     {"travel", "trip", "flight", "vacation", "holiday", "visit"},
	"health":     {"health", "doctor", "sleep", "allergic", "allergy", "medication", "diet"},
	"work":       {"job", "work", "office", "boss", "colleague", "meeting", "career", "project"},
	"family":     {"wife", "husband", "son", "daughter", "mother", "father", "mom", "dad", "sister", "brother", "kids"},
	"pets":       {"dog", "cat", "pet", "puppy", "kitten"},
	"reading":    {"book", "novel", "reading", "author"},
	"movies":     {"movie", "film", "series", "netflix", "cinema"},
	"technology": {"computer", "phone", "programming", "software", "laptop"},
}

// TagMatcher assigns topical tags by keyword.
type TagMatcher struct {
	rules map[string][]string
}

// NewTagMatcher creates a matcher over rules, or DefaultTagRules when empty.
func NewTagMatcher(rules map[string][]string) *TagMatcher {
	if len(rules) == 0 {
		rules = DefaultTagRules
	}
	return &TagMatcher{rules: rules}
}

// Match returns the sorted tags whose keywords appear as whole words in content.
func (m *TagMatcher) Match(content string) []string {
	words := wordSet(content)
	var tags []string
	for tag, keywords := range m.rules {
		for _, kw := range keywords {
			if _, ok := words[strings.ToLower(kw)]; ok {
				tags = append(tags, tag)
				break
			}
		}
	}
	sort.Strings(tags)
	return tags
}

// ResolveTag picks the tag to file a memory under. A known tag mentioned by
// topic wins over the proposed tag; otherwise the proposed tag is returned in
// the owner's existing spelling when one matches case-insensitively.
func (m *TagMatcher) ResolveTag(proposed, content string, knownTags []string) string {
	known := make(map[string]string, len(knownTags))
	for _, t := range knownTags {
		if t = strings.TrimSpace(t); t != "" {
			known[strings.ToLower(t)] = t
		}
	}
	for _, topic := range m.Match(content) {
		if existing, ok := known[strings.ToLower(topic)]; ok {
			return existing
		}
	}
	if existing, ok := known[strings.ToLower(proposed)]; ok {
		return existing
	}
	return NormalizeTag(proposed)
}

// NormalizeTag lowercases a tag and collapses separators to underscores.
func NormalizeTag(tag string) string {
	var b strings.Builder
	lastSep := false
	for _, r := range strings.ToLower(strings.TrimSpace(tag)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			lastSep = false
			continue
		}
		if !lastSep && b.Len() > 0 {
			b.WriteByte('_')
			lastSep = true
		}
	}
	return strings.TrimSuffix(b.String(), "_")
}

func wordSet(content string) map[string]struct{} {
	fields := strings.FieldsFunc(strings.ToLower(content), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}
