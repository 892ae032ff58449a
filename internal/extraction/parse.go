package extraction

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/fyrsmithlabs/memoryd/internal/memory"
)

// ParseTagged decodes a model reply into tagged candidates.
//
// The reply may carry prose around the JSON; everything between the first
// "{" and the last "}" is decoded. Both a bare tag map and a map nested under
// "memories" are accepted. Values that are not lists and list items that are
// not objects are skipped. Malformed input yields an empty map, never an error.
func ParseTagged(raw string) Tagged {
	out := Tagged{}

	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return out
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw[start:end+1]), &top); err != nil {
		return out
	}

	if nested, ok := top["memories"]; ok {
		top = nil
		if err := json.Unmarshal(nested, &top); err != nil || top == nil {
			return out
		}
	}

	for tag, value := range top {
		var items []json.RawMessage
		if err := json.Unmarshal(value, &items); err != nil || items == nil {
			continue
		}
		candidates := make([]memory.Candidate, 0, len(items))
		for _, item := range items {
			c, ok := decodeCandidate(item)
			if !ok {
				continue
			}
			c.Tag = tag
			candidates = append(candidates, c)
		}
		out[tag] = candidates
	}
	return out
}

// decodeCandidate reads one memory object field by field so that a single
// badly typed field does not discard the rest.
func decodeCandidate(item json.RawMessage) (memory.Candidate, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(item, &fields); err != nil || fields == nil {
		return memory.Candidate{}, false
	}

	var c memory.Candidate
	if v, ok := fields["summary"]; ok {
		var s string
		if json.Unmarshal(v, &s) == nil {
			c.Summary = s
		}
	}
	c.Importance = decodeScore(fields["importance"])
	c.Confidence = decodeScore(fields["confidence"])

	if v, ok := fields["entities"]; ok {
		var list []any
		if json.Unmarshal(v, &list) == nil {
			for _, e := range list {
				switch e := e.(type) {
				case string:
					c.Entities = append(c.Entities, e)
				case float64:
					c.Entities = append(c.Entities, strconv.FormatFloat(e, 'f', -1, 64))
				}
			}
		}
	}
	return c, true
}

func decodeScore(v json.RawMessage) *float64 {
	if len(v) == 0 {
		return nil
	}
	var f float64
	if json.Unmarshal(v, &f) == nil {
		return memory.Score(f)
	}
	var s string
	if json.Unmarshal(v, &s) == nil {
		if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return memory.Score(f)
		}
	}
	return nil
}
