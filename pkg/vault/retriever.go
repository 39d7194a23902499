package vault

import (
	"sort"
	"strings"

	"github.com/nexoraai/orchestrator/pkg/domain"
)

// DefaultTopK is the number of notes VaultRetriever.Fetch returns by
// default.
const DefaultTopK = 6

// TypeWeights are the default per-NoteType multipliers applied to the
// lexical relevance signal.
var TypeWeights = map[domain.NoteType]float64{
	domain.NoteBlocker:    3.0,
	domain.NoteNextAction: 2.0,
	domain.NoteConclusion: 1.0,
	domain.NoteProgress:   0.8,
	domain.NoteReference:  0.5,
}

// relevance components
const (
	substringWeight = 0.5
	tagWeight       = 0.3
	perTermWeight   = 0.1
)

// Retriever scores and ranks vault notes against a query.
type Retriever struct {
	vault *Vault
}

// NewRetriever builds a Retriever bound to v.
func NewRetriever(v *Vault) *Retriever {
	return &Retriever{vault: v}
}

// scored pairs a note with its computed score, for sorting.
type scored struct {
	note  domain.KnowledgeNote
	score float64
}

// Fetch scores every eligible note against query and returns the top K
// (DefaultTopK when topK <= 0, at most len(candidates)) by descending
// score. Only approved
// notes are eligible unless includeUnapproved is true.
func (r *Retriever) Fetch(query string, tags []string, topK int, includeUnapproved bool) []domain.KnowledgeNote {
	if topK <= 0 {
		topK = DefaultTopK
	}
	notes := r.vault.List()
	candidates := make([]scored, 0, len(notes))
	for _, n := range notes {
		if !includeUnapproved && n.Status != domain.NoteApproved {
			continue
		}
		rel := relevance(n, query, tags)
		if rel == 0 {
			continue
		}
		weight := TypeWeights[n.Type]
		if weight == 0 {
			weight = 1.0
		}
		score := rel * weight
		candidates = append(candidates, scored{note: n, score: score})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})

	normalize(candidates)

	if topK > len(candidates) {
		topK = len(candidates)
	}
	out := make([]domain.KnowledgeNote, topK)
	for i := 0; i < topK; i++ {
		out[i] = candidates[i].note
	}
	return out
}

// normalize rescales scores into [0,1] in place, relative to the maximum
// score in the candidate set (a no-op on an empty or single-max set).
func normalize(candidates []scored) {
	if len(candidates) == 0 {
		return
	}
	max := candidates[0].score
	if max <= 0 {
		return
	}
	for i := range candidates {
		candidates[i].score = candidates[i].score / max
	}
}

// relevance computes the lexical similarity signal: exact content
// substring = 0.5, tag match = 0.3, per-term match = 0.1 each.
func relevance(n domain.KnowledgeNote, query string, tags []string) float64 {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return 0
	}
	content := strings.ToLower(n.Content)

	var score float64
	if strings.Contains(content, q) {
		score += substringWeight
	}

	noteTags := make(map[string]bool, len(n.Tags))
	for _, t := range n.Tags {
		noteTags[strings.ToLower(t)] = true
	}
	for _, t := range tags {
		if noteTags[strings.ToLower(t)] {
			score += tagWeight
			break
		}
	}

	for _, term := range strings.Fields(q) {
		if strings.Contains(content, term) {
			score += perTermWeight
		}
	}

	return score
}
