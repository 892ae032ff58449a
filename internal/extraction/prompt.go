package extraction

import (
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/memoryd/internal/memory"
)

const systemPromptTemplate = `You are a memory agent observing a conversation between a user and an assistant.

Identify durable facts about the user: preferences, habits, relationships, work,
routines and emotional tendencies. Ignore small talk and anything that only
matters for the current exchange. Write each memory as one short, neutral
sentence about the user. Do not quote the conversation.

Return a JSON object whose keys are tags and whose values are arrays of memory
objects, for example:

{
  "preferences": [
    {"summary": "User enjoys jazz", "importance": 0.6, "confidence": 0.9, "entities": ["jazz"]}
  ]
}

Each memory object has:
- summary: one sentence (string)
- importance: how central the memory is to the user (number 0.0-1.0)
- confidence: how well the conversation supports it (number 0.0-1.0)
- entities: key people, places or concepts (array of strings)

Prefer these known tags for user %s when one fits: %s

Return only JSON.`

const userPromptTemplate = `Analyze this conversation and extract memories grouped by tags.
Return only valid JSON.

CONVERSATION:
%s

Extract memories now:`

// SystemPrompt renders the extraction instructions for owner.
func SystemPrompt(owner string, knownTags []string) string {
	tags := "None yet"
	if cleaned := cleanKnownTags(knownTags); len(cleaned) > 0 {
		tags = strings.Join(cleaned, ", ")
	}
	return fmt.Sprintf(systemPromptTemplate, owner, tags)
}

// UserPrompt wraps the transcript of messages.
func UserPrompt(messages []memory.Message) string {
	return fmt.Sprintf(userPromptTemplate, FormatConversation(messages))
}

// FormatConversation renders messages as "role: content" lines, skipping
// turns with no content.
func FormatConversation(messages []memory.Message) string {
	lines := make([]string, 0, len(messages))
	for _, m := range messages {
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		role := string(m.Role)
		if role == "" {
			role = string(memory.RoleUser)
		}
		lines = append(lines, role+": "+content)
	}
	return strings.Join(lines, "\n")
}

func cleanKnownTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

func hasContent(messages []memory.Message) bool {
	for _, m := range messages {
		if strings.TrimSpace(m.Content) != "" {
			return true
		}
	}
	return false
}
