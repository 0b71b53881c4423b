package catalog

import (
	"math"
	"sort"
	"strings"
	"unicode"
)

// Okapi BM25 parameters.
const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

// Field boosts applied at indexing time.
const (
	boostName        = 3.0
	boostDescription = 1.0
	boostServerID    = 0.5
)

// defaultSearchLimit caps result sets.
const defaultSearchLimit = 20

// suffixes stripped by the minimal stemmer, longest first.
var stemSuffixes = []string{"tion", "ness", "ing", "est", "es", "ed", "er", "ly", "s"}

// tokenize lowercases, splits on non-alphanumeric runes, and drops tokens
// shorter than two characters.
func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) >= 2 {
			out = append(out, stem(f))
		}
	}
	return out
}

// stem strips at most one known suffix, keeping a stem of at least two
// characters.
func stem(token string) string {
	for _, suf := range stemSuffixes {
		if strings.HasSuffix(token, suf) && len(token)-len(suf) >= 2 {
			return token[:len(token)-len(suf)]
		}
	}
	return token
}

// searchDoc is one indexed tool.
type searchDoc struct {
	exposed string
	tf      map[string]float64 // term -> boosted frequency
	length  float64
}

// searchIndex is a small in-memory BM25 index rebuilt on every catalog
// refresh.
type searchIndex struct {
	docs  []searchDoc
	df    map[string]int
	avgdl float64
}

func buildIndex(tools []*Tool) *searchIndex {
	idx := &searchIndex{df: make(map[string]int)}

	var total float64
	for _, t := range tools {
		doc := searchDoc{
			exposed: t.ExposedName,
			tf:      make(map[string]float64),
		}
		addField := func(text string, boost float64) {
			for _, term := range tokenize(text) {
				doc.tf[term] += boost
				doc.length += boost
			}
		}
		addField(t.RawName, boostName)
		addField(t.Description, boostDescription)
		addField(t.ServerID, boostServerID)

		for term := range doc.tf {
			idx.df[term]++
		}
		total += doc.length
		idx.docs = append(idx.docs, doc)
	}
	if len(idx.docs) > 0 {
		idx.avgdl = total / float64(len(idx.docs))
	}
	return idx
}

func (idx *searchIndex) idf(term string) float64 {
	n := float64(len(idx.docs))
	df := float64(idx.df[term])
	return math.Log(1 + (n-df+0.5)/(df+0.5))
}

func (idx *searchIndex) bm25(tf, docLen float64, idf float64) float64 {
	norm := 1 - bm25B + bm25B*docLen/idx.avgdl
	return idf * (tf * (bm25K1 + 1)) / (tf + bm25K1*norm)
}

// SearchResult pairs an exposed tool name with its relevance score.
type SearchResult struct {
	ExposedName string  `json:"exposedName"`
	Score       float64 `json:"score"`
}

// search scores every document against the query. Query terms with no exact
// index hit fall back to a single prefix match at half score.
func (idx *searchIndex) search(query string, limit int) []SearchResult {
	if len(idx.docs) == 0 {
		return nil
	}
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	terms := tokenize(query)
	scores := make(map[string]float64)

	for _, term := range terms {
		if idx.df[term] > 0 {
			idf := idx.idf(term)
			for _, doc := range idx.docs {
				if tf, ok := doc.tf[term]; ok {
					scores[doc.exposed] += idx.bm25(tf, doc.length, idf)
				}
			}
			continue
		}

		// Prefix fallback: for each doc, the best term that extends the
		// query term or that the query term extends, scored at half value.
		for _, doc := range idx.docs {
			var best float64
			for docTerm, tf := range doc.tf {
				if !strings.HasPrefix(docTerm, term) && !strings.HasPrefix(term, docTerm) {
					continue
				}
				s := idx.bm25(tf, doc.length, idx.idf(docTerm)) / 2
				if s > best {
					best = s
				}
			}
			scores[doc.exposed] += best
		}
	}

	out := make([]SearchResult, 0, len(scores))
	for exposed, score := range scores {
		if score > 0 {
			out = append(out, SearchResult{ExposedName: exposed, Score: score})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ExposedName < out[j].ExposedName
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}
