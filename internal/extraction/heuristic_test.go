package extraction

import (
	"context"
	"errors"
	"reflect"
	"sort"
	"testing"

	"github.com/fyrsmithlabs/memoryd/internal/memory"
)

func userSays(content ...string) []memory.Message {
	msgs := make([]memory.Message, len(content))
	for i, c := range content {
		msgs[i] = memory.Message{Role: memory.RoleUser, Content: c}
	}
	return msgs
}

// summariesByTag flattens tagged output for comparison.
func summariesByTag(t Tagged) map[string][]string {
	out := make(map[string][]string, len(t))
	for tag, cs := range t {
		for _, c := range cs {
			out[tag] = append(out[tag], c.Summary)
		}
		sort.Strings(out[tag])
	}
	return out
}

func TestHeuristicExtractor_Extract(t *testing.T) {
	extractor, err := NewHeuristicExtractor(nil)
	if err != nil {
		t.Fatalf("NewHeuristicExtractor() error = %v", err)
	}

	tests := []struct {
		name      string
		messages  []memory.Message
		knownTags []string
		want      map[string][]string
	}{
		{
			name:     "preference",
			messages: userSays("I really like jazz music."),
			want:     map[string][]string{"preferences": {"User likes jazz music"}},
		},
		{
			name:      "preference reuses known topical tag",
			messages:  userSays("I really like jazz music."),
			knownTags: []string{"Music", "work"},
			want:      map[string][]string{"Music": {"User likes jazz music"}},
		},
		{
			name:     "dislike is case insensitive",
			messages: userSays("i HATE mushrooms!"),
			want:     map[string][]string{"preferences": {"User dislikes mushrooms"}},
		},
		{
			name:     "several facts in one turn",
			messages: userSays("My name is Dana and I live in Lisbon."),
			want: map[string][]string{
				"identity": {"User's name is Dana"},
				"location": {"User lives in Lisbon"},
			},
		},
		{
			name:     "work",
			messages: userSays("I work at Acme Corp, mostly on billing."),
			want:     map[string][]string{"work": {"User works at Acme Corp"}},
		},
		{
			name:     "relationship",
			messages: userSays("My wife is called Maria"),
			want:     map[string][]string{"relationships": {"User's wife is Maria"}},
		},
		{
			name:     "habit",
			messages: userSays("I usually go running on Sundays"),
			want:     map[string][]string{"habits": {"User usually go running on Sundays"}},
		},
		{
			name:     "duplicates collapse",
			messages: userSays("I like tea. I like tea.", "I like TEA"),
			want:     map[string][]string{"preferences": {"User likes tea"}},
		},
		{
			name: "assistant turns are ignored",
			messages: []memory.Message{
				{Role: memory.RoleAssistant, Content: "I love helping with that."},
			},
			want: map[string][]string{},
		},
		{
			name:     "nothing to remember",
			messages: userSays("What's the weather like?"),
			want:     map[string][]string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := extractor.Extract(context.Background(), "alice", tt.messages, tt.knownTags)
			if err != nil {
				t.Fatalf("Extract() error = %v", err)
			}
			if s := summariesByTag(got); !reflect.DeepEqual(s, tt.want) {
				t.Errorf("Extract() = %v, want %v", s, tt.want)
			}
		})
	}
}

func TestHeuristicExtractor_CandidateFields(t *testing.T) {
	extractor, err := NewHeuristicExtractor(nil)
	if err != nil {
		t.Fatalf("NewHeuristicExtractor() error = %v", err)
	}

	got, err := extractor.Extract(context.Background(), "alice", userSays("My brother is Tom"), nil)
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	cs := got["relationships"]
	if len(cs) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(cs))
	}
	c := cs[0]
	if c.Tag != "relationships" {
		t.Errorf("Tag = %q, want relationships", c.Tag)
	}
	if !reflect.DeepEqual(c.Entities, []string{"Tom"}) {
		t.Errorf("Entities = %v, want [Tom]", c.Entities)
	}
	if c.Importance == nil || *c.Importance != 0.8 {
		t.Errorf("Importance = %v, want 0.8", c.Importance)
	}
	if c.Confidence == nil || *c.Confidence != heuristicConfidence {
		t.Errorf("Confidence = %v, want %v", c.Confidence, heuristicConfidence)
	}
}

func TestHeuristicExtractor_CustomRules(t *testing.T) {
	_, err := NewHeuristicExtractor([]Rule{{Name: "broken", Regex: "(unclosed"}})
	if !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig for bad regex, got %v", err)
	}

	_, err = NewHeuristicExtractor([]Rule{{Name: "group", Regex: "x", EntityGroup: 1}})
	if !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig for missing group, got %v", err)
	}

	extractor, err := NewHeuristicExtractor([]Rule{
		{Name: "birthday", Tag: "Important Dates", Regex: `my birthday is (\w+ \d+)`, Template: "User's birthday is $1", Importance: 0.9, EntityGroup: 1},
	})
	if err != nil {
		t.Fatalf("NewHeuristicExtractor() error = %v", err)
	}
	got, _ := extractor.Extract(context.Background(), "alice", userSays("By the way my birthday is March 3"), nil)
	want := map[string][]string{"important_dates": {"User's birthday is March 3"}}
	if s := summariesByTag(got); !reflect.DeepEqual(s, want) {
		t.Errorf("Extract() = %v, want %v", s, want)
	}
}

func TestHeuristicExtractor_CancelledContext(t *testing.T) {
	extractor, _ := NewHeuristicExtractor(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := extractor.Extract(ctx, "alice", userSays("I like tea"), nil); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
