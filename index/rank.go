package index

import "sort"

type scored struct {
	text  string
	score float64
}

// topK ranks entries by cosine similarity to query. Equal scores keep
// insertion order.
func topK(entries []chunkEntry, query []float32, k int) []string {
	ranked := make([]scored, len(entries))
	for i, entry := range entries {
		ranked[i] = scored{text: entry.Text, score: cosineSimilarity(query, entry.Embedding)}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].score > ranked[j].score
	})

	if k > len(ranked) {
		k = len(ranked)
	}
	results := make([]string, k)
	for i := 0; i < k; i++ {
		results[i] = ranked[i].text
	}
	return results
}
