package registry

import (
	"context"
	"math"
	"sort"
	"strings"
)

// tokenize lowercases and splits on anything that isn't an ASCII letter or
// digit.
func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
}

func agentDocument(a Agent) []string {
	doc := make([]string, 0, 8)
	doc = append(doc, tokenize(a.DisplayName)...)
	doc = append(doc, tokenize(a.Description)...)
	for _, c := range a.Capabilities {
		doc = append(doc, tokenize(c)...)
	}
	for _, k := range a.Keywords {
		doc = append(doc, tokenize(k)...)
	}
	return doc
}

// SearchAgents ranks agents by a term-frequency score over their display
// name, description, capabilities, and keywords. There is no full-text
// search engine in play — every call scans all agents and counts term
// frequencies per agent in process, adequate at the registry's expected scale
// (hundreds to low thousands of agents).
func (s *Store) SearchAgents(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	terms := tokenize(query)
	if len(terms) == 0 {
		return nil, nil
	}

	agents, err := s.ListAll(ctx)
	if err != nil {
		return nil, err
	}

	var results []SearchResult
	for _, a := range agents {
		doc := agentDocument(a)
		if len(doc) == 0 {
			continue
		}
		freq := make(map[string]int, len(doc))
		for _, tok := range doc {
			freq[tok]++
		}

		var score float64
		for _, term := range terms {
			if c, ok := freq[term]; ok {
				score += float64(c) / float64(len(doc))
			}
		}
		if score > 0 {
			results = append(results, SearchResult{Agent: a, Score: score})
		}
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func cosineSimilarity(a, b []float64) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// SimilaritySearch ranks agents by cosine similarity between embedding
// and each stored embedding, filtering out scores below threshold. There
// is no vector database in play — this is a brute-force scan, which
// comfortably meets the ≤~100ms-at-10^3-entries target at this scale.
func (s *Store) SimilaritySearch(ctx context.Context, embedding []float64, limit int, threshold float64) ([]SearchResult, error) {
	if len(embedding) != EmbeddingDim {
		return nil, &ValidationError{Field: "embedding", Reason: "query embedding must be 384-dimensional"}
	}

	agents, err := s.ListAll(ctx)
	if err != nil {
		return nil, err
	}

	var results []SearchResult
	for _, a := range agents {
		if len(a.Embedding) != EmbeddingDim {
			continue
		}
		score := cosineSimilarity(embedding, a.Embedding)
		if score < threshold {
			continue
		}
		results = append(results, SearchResult{Agent: a, Score: score})
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}
