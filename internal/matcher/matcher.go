// Package matcher finds the patterns that best fit an inbound message by
// combining keyword overlap with embedding similarity.
package matcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/clubhousegolfcanada/ClubOSV2-sub000/internal/embeddings"
	"github.com/clubhousegolfcanada/ClubOSV2-sub000/internal/pattern"
)

const (
	// DefaultMinTokensForSemantic is the content-token count below which the
	// semantic stage is skipped.
	DefaultMinTokensForSemantic = 3

	// DefaultSemanticFloor drops weaker cosine matches.
	DefaultSemanticFloor = 0.70
)

// Signal names the stage whose score won the merge.
type Signal string

const (
	SignalKeyword  Signal = "keyword"
	SignalSemantic Signal = "semantic"
)

// PatternSource is the read side of the pattern store.
type PatternSource interface {
	ListActive(ctx context.Context) ([]*pattern.Pattern, error)
	FindByKeywords(ctx context.Context, keywords []string) ([]*pattern.Pattern, error)
}

// Candidate is a scored pattern.
type Candidate struct {
	Pattern       *pattern.Pattern `json:"pattern"`
	Score         float64          `json:"score"`
	KeywordScore  float64          `json:"keyword_score"`
	SemanticScore float64          `json:"semantic_score"`
	Signal        Signal           `json:"signal"`
}

// Result is the ordered candidate list for one message.
type Result struct {
	Candidates []Candidate
	Tokens     []string

	// Degraded is set when the semantic stage was wanted but the embedding
	// could not be produced.
	Degraded bool
}

// Best returns the top candidate or nil.
func (r *Result) Best() *Candidate {
	if r == nil || len(r.Candidates) == 0 {
		return nil
	}
	return &r.Candidates[0]
}

// Config tunes the matcher.
type Config struct {
	MinTokensForSemantic int
	SemanticFloor        float64
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if c.MinTokensForSemantic < 0 {
		return pattern.NewValidationError("min_tokens_for_semantic", "cannot be negative")
	}
	if c.SemanticFloor < 0 || c.SemanticFloor > 1 {
		return pattern.NewValidationError("semantic_floor", "must be in [0,1]")
	}
	return nil
}

// DefaultConfig returns the default matcher configuration.
func DefaultConfig() Config {
	return Config{
		MinTokensForSemantic: DefaultMinTokensForSemantic,
		SemanticFloor:        DefaultSemanticFloor,
	}
}

// Matcher scores messages against the active pattern set.
type Matcher struct {
	source   PatternSource
	embedder embeddings.Embedder
	config   Config
	logger   *zap.Logger
}

// New creates a Matcher. embedder may be nil for keyword-only matching.
func New(source PatternSource, embedder embeddings.Embedder, config Config, logger *zap.Logger) (*Matcher, error) {
	if source == nil {
		return nil, errors.New("pattern source cannot be nil")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Matcher{source: source, embedder: embedder, config: config, logger: logger}, nil
}

// Match returns candidates for text ordered by score, then execution count,
// then recency, then id. Store errors are returned; embedding errors
// degrade to keyword-only matching.
func (m *Matcher) Match(ctx context.Context, text string) (*Result, error) {
	tokens := pattern.Tokenize(text)
	res := &Result{Candidates: []Candidate{}, Tokens: tokens}
	if len(tokens) == 0 {
		return res, nil
	}

	var (
		mu     sync.Mutex
		merged = make(map[string]*Candidate)
	)
	upsert := func(p *pattern.Pattern) *Candidate {
		c, ok := merged[p.ID]
		if !ok {
			c = &Candidate{Pattern: p}
			merged[p.ID] = c
		}
		return c
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		found, err := m.source.FindByKeywords(gctx, tokens)
		if err != nil {
			return fmt.Errorf("keyword stage: %w", err)
		}
		input := tokenSet(tokens)
		mu.Lock()
		defer mu.Unlock()
		for _, p := range found {
			if score := KeywordScore(input, p.TriggerKeywords); score > 0 {
				upsert(p).KeywordScore = score
			}
		}
		return nil
	})

	if m.embedder != nil && len(tokens) >= m.config.MinTokensForSemantic {
		g.Go(func() error {
			active, err := m.source.ListActive(gctx)
			if err != nil {
				return fmt.Errorf("semantic stage: %w", err)
			}
			if !hasEmbeddings(active) {
				return nil
			}
			vector, err := m.embedder.EmbedQuery(gctx, text)
			if err != nil {
				if gctx.Err() != nil && ctx.Err() != nil {
					return gctx.Err()
				}
				m.logger.Warn("semantic stage degraded to keyword-only",
					zap.String("message_hash", pattern.MessageHash(text)),
					zap.Error(err))
				mu.Lock()
				res.Degraded = true
				mu.Unlock()
				return nil
			}
			mu.Lock()
			defer mu.Unlock()
			for _, p := range active {
				if len(p.Embedding) == 0 {
					continue
				}
				if sim := embeddings.Cosine(vector, p.Embedding); sim >= m.config.SemanticFloor {
					upsert(p).SemanticScore = sim
				}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, c := range merged {
		c.Score, c.Signal = c.KeywordScore, SignalKeyword
		if c.SemanticScore > c.KeywordScore {
			c.Score, c.Signal = c.SemanticScore, SignalSemantic
		}
		res.Candidates = append(res.Candidates, *c)
	}
	Sort(res.Candidates)
	return res, nil
}

// SimilarTo returns the active pattern closest to text if its similarity is
// at least floor. Similarity is cosine over embeddings, or keyword-set
// Jaccard when no embedding can be produced.
func (m *Matcher) SimilarTo(ctx context.Context, text string, keywords []string, floor float64) (*Candidate, error) {
	active, err := m.source.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing active patterns: %w", err)
	}
	if len(active) == 0 {
		return nil, nil
	}

	var vector []float32
	if m.embedder != nil && hasEmbeddings(active) {
		vector, err = m.embedder.EmbedQuery(ctx, text)
		if err != nil {
			m.logger.Warn("near-duplicate check degraded to keywords",
				zap.String("message_hash", pattern.MessageHash(text)),
				zap.Error(err))
			vector = nil
		}
	}

	kw := tokenSet(pattern.NormalizeKeywords(keywords))
	var candidates []Candidate
	for _, p := range active {
		c := Candidate{Pattern: p, KeywordScore: Jaccard(kw, p.TriggerKeywords)}
		if vector != nil && len(p.Embedding) > 0 {
			c.SemanticScore = embeddings.Cosine(vector, p.Embedding)
		}
		c.Score, c.Signal = c.KeywordScore, SignalKeyword
		if c.SemanticScore > c.KeywordScore {
			c.Score, c.Signal = c.SemanticScore, SignalSemantic
		}
		if c.Score >= floor {
			candidates = append(candidates, c)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	Sort(candidates)
	return &candidates[0], nil
}

// KeywordScore is |input ∩ keywords| / |keywords|.
func KeywordScore(input map[string]bool, keywords []string) float64 {
	if len(keywords) == 0 {
		return 0
	}
	hits := 0
	for _, kw := range keywords {
		if input[kw] {
			hits++
		}
	}
	return float64(hits) / float64(len(keywords))
}

// Jaccard is |a ∩ b| / |a ∪ b| for a keyword set and a keyword list.
func Jaccard(a map[string]bool, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	union := len(a)
	inter := 0
	seen := make(map[string]bool, len(b))
	for _, kw := range b {
		if seen[kw] {
			continue
		}
		seen[kw] = true
		if a[kw] {
			inter++
		} else {
			union++
		}
	}
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// Sort orders candidates by score desc, execution count desc, last use desc
// (never-used last) and id asc.
func Sort(cs []Candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		a, b := cs[i], cs[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Pattern.ExecutionCount != b.Pattern.ExecutionCount {
			return a.Pattern.ExecutionCount > b.Pattern.ExecutionCount
		}
		la, lb := a.Pattern.LastUsedAt, b.Pattern.LastUsedAt
		switch {
		case la != nil && lb == nil:
			return true
		case la == nil && lb != nil:
			return false
		case la != nil && lb != nil && !la.Equal(*lb):
			return la.After(*lb)
		}
		return a.Pattern.ID < b.Pattern.ID
	})
}

func tokenSet(tokens []string) map[string]bool {
	set := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		set[t] = true
	}
	return set
}

func hasEmbeddings(ps []*pattern.Pattern) bool {
	for _, p := range ps {
		if len(p.Embedding) > 0 {
			return true
		}
	}
	return false
}
