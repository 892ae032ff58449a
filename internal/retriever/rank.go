package retriever

import (
	"sort"

	"github.com/fyrsmithlabs/memoryd/internal/memory"
)

// neutralSimilarity weights records found only through the graph, so their
// score is their importance.
const neutralSimilarity = 1.0

// Score is the ranking weight of a record.
func Score(r memory.ScoredRecord) float64 {
	sim := r.Similarity
	if !r.HasSimilarity {
		sim = neutralSimilarity
	}
	return sim * r.Importance
}

// Rank sorts items by Score descending, ties by id ascending, and sets Rank
// to each item's position.
func Rank(items []memory.ScoredRecord) {
	sort.SliceStable(items, func(i, j int) bool {
		si, sj := Score(items[i]), Score(items[j])
		if si != sj {
			return si > sj
		}
		return items[i].ID < items[j].ID
	})
	for i := range items {
		items[i].Rank = i
	}
}
