package extraction

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/fyrsmithlabs/memoryd/internal/memory"
)

// Rule is a first-person statement pattern that yields a memory.
type Rule struct {
	Name string
	Tag  string
	// Regex is matched case-insensitively against user turns.
	Regex string
	// Template is expanded with regexp.Expand syntax ($1, ${name}).
	Template   string
	Importance float64
	// EntityGroup is the capture group recorded as an entity; 0 records none.
	EntityGroup int
}

// heuristicConfidence is lower than a model would report for the same facts.
const heuristicConfidence = 0.6

const phrase = `([^.!?,;\n]+)`

// DefaultRules covers common self-disclosures.
func DefaultRules() []Rule {
	return []Rule{
		{Name: "likes", Tag: "preferences", Regex: `\bI (?:really |also )?(?:like|love|enjoy|adore)\s+` + phrase, Template: "User likes $1", Importance: 0.5, EntityGroup: 1},
		{Name: "dislikes", Tag: "preferences", Regex: `\bI (?:really )?(?:dislike|hate|don't like|do not like|can't stand)\s+` + phrase, Template: "User dislikes $1", Importance: 0.5, EntityGroup: 1},
		{Name: "works-at", Tag: "work", Regex: `\bI work (?:at|for)\s+` + phrase, Template: "User works at $1", Importance: 0.7, EntityGroup: 1},
		{Name: "works-as", Tag: "work", Regex: `\bI work as\s+(?:an?\s+)?` + phrase, Template: "User works as $1", Importance: 0.7, EntityGroup: 1},
		{Name: "name", Tag: "identity", Regex: `\bmy name is\s+([A-Za-z][\w'-]*)`, Template: "User's name is $1", Importance: 0.9, EntityGroup: 1},
		{Name: "lives-in", Tag: "location", Regex: `\bI live in\s+` + phrase, Template: "User lives in $1", Importance: 0.7, EntityGroup: 1},
		{Name: "relation", Tag: "relationships", Regex: `\bmy (wife|husband|partner|son|daughter|mother|father|mom|dad|sister|brother|best friend) is (?:called |named )?([A-Za-z][\w'-]*)`, Template: "User's $1 is $2", Importance: 0.8, EntityGroup: 2},
		{Name: "habit", Tag: "habits", Regex: `\bI (usually|always|often|never)\s+` + phrase, Template: "User $1 $2", Importance: 0.4},
		{Name: "remember", Tag: "notes", Regex: `\bremember that\s+([^.!?\n]+)`, Template: "User asked to remember: $1", Importance: 0.6},
	}
}

type compiledRule struct {
	Rule
	re *regexp.Regexp
}

// HeuristicExtractor finds memories in user turns with regular expressions.
// It needs no network access and serves as the offline provider.
type HeuristicExtractor struct {
	rules   []compiledRule
	matcher *TagMatcher
}

// NewHeuristicExtractor compiles rules, or DefaultRules when none are given.
func NewHeuristicExtractor(rules []Rule) (*HeuristicExtractor, error) {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	compiled := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		re, err := regexp.Compile("(?i)" + r.Regex)
		if err != nil {
			return nil, fmt.Errorf("%w: rule %q: %v", ErrInvalidConfig, r.Name, err)
		}
		if r.EntityGroup > re.NumSubexp() {
			return nil, fmt.Errorf("%w: rule %q: entity group %d out of range", ErrInvalidConfig, r.Name, r.EntityGroup)
		}
		compiled = append(compiled, compiledRule{Rule: r, re: re})
	}
	return &HeuristicExtractor{rules: compiled, matcher: NewTagMatcher(nil)}, nil
}

// Extract implements Extractor.
func (h *HeuristicExtractor) Extract(ctx context.Context, _ string, messages []memory.Message, knownTags []string) (Tagged, error) {
	if err := ctx.Err(); err != nil {
		return Tagged{}, err
	}

	out := Tagged{}
	seen := make(map[string]struct{})
	for _, msg := range messages {
		if msg.Role != memory.RoleUser {
			continue
		}
		for _, rule := range h.rules {
			for _, loc := range rule.re.FindAllStringSubmatchIndex(msg.Content, -1) {
				summary := strings.TrimSpace(string(rule.re.ExpandString(nil, rule.Template, msg.Content, loc)))
				if summary == "" {
					continue
				}
				matched := msg.Content[loc[0]:loc[1]]
				tag := h.matcher.ResolveTag(rule.Tag, matched, knownTags)

				key := tag + "\x00" + strings.ToLower(summary)
				if _, dup := seen[key]; dup {
					continue
				}
				seen[key] = struct{}{}

				c := memory.Candidate{
					Summary:    summary,
					Importance: memory.Score(rule.Importance),
					Confidence: memory.Score(heuristicConfidence),
					Tag:        tag,
				}
				if g := rule.EntityGroup; g > 0 && loc[2*g] >= 0 {
					c.Entities = []string{strings.TrimSpace(msg.Content[loc[2*g]:loc[2*g+1]])}
				}
				out[tag] = append(out[tag], c)
			}
		}
	}
	return out, nil
}

var _ Extractor = (*HeuristicExtractor)(nil)
