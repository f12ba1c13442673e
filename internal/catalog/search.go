package catalog

import (
	"sort"

	"github.com/lithammer/fuzzysearch/fuzzy"
	ranked "github.com/sahilm/fuzzy"
)

// Match is one search hit. Matches holds the positions of the characters
// that matched, for highlighting; accent-insensitive hits carry none.
type Match struct {
	Path    string `json:"path"`
	Score   int    `json:"score"`
	Matches []int  `json:"matches"`
}

// Search ranks files against query. Subsequence matches are scored and
// ordered best first; paths that only match once case and diacritics are
// folded follow with a zero score. limit <= 0 returns every hit.
func Search(files []string, query string, limit int) []Match {
	if query == "" || len(files) == 0 {
		return []Match{}
	}

	hits := ranked.Find(query, files)
	results := make([]Match, 0, len(hits))
	seen := make(map[int]struct{}, len(hits))
	for _, hit := range hits {
		seen[hit.Index] = struct{}{}
		results = append(results, Match{Path: hit.Str, Score: hit.Score, Matches: hit.MatchedIndexes})
	}

	var folded []Match
	for i, file := range files {
		if _, ok := seen[i]; ok {
			continue
		}
		if fuzzy.MatchNormalizedFold(query, file) {
			folded = append(folded, Match{Path: file, Matches: []int{}})
		}
	}
	sort.SliceStable(folded, func(i, j int) bool { return folded[i].Path < folded[j].Path })
	results = append(results, folded...)

	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results
}
