// Package scorer computes keyword relevance for link candidates. The
// combined score blends three signals: a verbatim keyword match, embedding
// similarity over the whole context, and embedding similarity over a
// narrow token window around the matched keyword.
package scorer

import (
	"context"
	"math"
	"strings"

	"go.uber.org/zap"

	"github.com/linkscout/linkscout/internal/embedding"
	"github.com/linkscout/linkscout/internal/scout"
)

// Config holds the algorithm's tunables. Weights must sum to 1.
type Config struct {
	ExactWeight    float64
	SemanticWeight float64
	ContextWeight  float64
	SigmoidScale   float64
	SigmoidShift   float64
	// ContextWindow is the number of tokens kept on each side of the first
	// keyword occurrence when computing the context score.
	ContextWindow int
}

// DefaultConfig returns the shipped scoring constants.
func DefaultConfig() Config {
	return Config{
		ExactWeight:    0.5,
		SemanticWeight: 0.3,
		ContextWeight:  0.2,
		SigmoidScale:   8.0,
		SigmoidShift:   -4.0,
		ContextWindow:  8,
	}
}

// Scorer computes ScoredLink values. It holds no mutable state beyond the
// injected embedding handle, so one instance is safely shared by all
// workers, and scoring the same candidate twice yields the same result.
type Scorer struct {
	cfg      Config
	embedder embedding.Provider
	logger   *zap.Logger
}

// New constructs a Scorer.
func New(cfg Config, embedder embedding.Provider, logger *zap.Logger) *Scorer {
	if cfg.ContextWindow <= 0 {
		cfg.ContextWindow = DefaultConfig().ContextWindow
	}
	if cfg.SigmoidScale == 0 {
		def := DefaultConfig()
		cfg.SigmoidScale = def.SigmoidScale
		cfg.SigmoidShift = def.SigmoidShift
	}
	return &Scorer{cfg: cfg, embedder: embedder, logger: logger}
}

// Score computes all component scores for a candidate. Embedding failures
// are classified KindScoreRetryable so the queue layer redelivers;
// structurally invalid candidates are KindScoreFatal and go straight to
// the dead-letter channel.
func (s *Scorer) Score(ctx context.Context, c scout.LinkCandidate) (scout.ScoredLink, error) {
	if c.ContextText == "" && c.Keyword == "" {
		return scout.ScoredLink{}, scout.Ef(scout.KindScoreFatal, "scorer.Score",
			"candidate %s has neither context nor keyword", c.HrefURL)
	}

	exact := 0.0
	if c.Keyword != "" && containsFold(c.ContextText, c.Keyword) {
		exact = 1.0
	}

	semantic, keywordVec, err := s.semanticScore(ctx, c)
	if err != nil {
		return scout.ScoredLink{}, err
	}

	contextScore := 0.0
	if exact == 1.0 {
		contextScore, err = s.contextScore(ctx, c, keywordVec)
		if err != nil {
			return scout.ScoredLink{}, err
		}
	}

	raw := s.cfg.ExactWeight*exact + s.cfg.SemanticWeight*semantic + s.cfg.ContextWeight*contextScore
	relevance := sigmoid(s.cfg.SigmoidScale*raw + s.cfg.SigmoidShift)

	return scout.ScoredLink{
		LinkCandidate:   c,
		ExactMatchScore: exact,
		SemanticScore:   semantic,
		ContextScore:    contextScore,
		RelevanceScore:  relevance,
	}, nil
}

// semanticScore compares the embeddings of the full context and the
// keyword, rescaled from cosine's [-1,1] to [0,1]. A candidate with no
// context text scores 0 without calling the provider.
func (s *Scorer) semanticScore(ctx context.Context, c scout.LinkCandidate) (float64, []float32, error) {
	if c.ContextText == "" || c.Keyword == "" {
		return 0, nil, nil
	}
	keywordVec, err := s.embedder.Embed(ctx, c.Keyword)
	if err != nil {
		return 0, nil, scout.E(scout.KindScoreRetryable, "scorer.semanticScore", err)
	}
	contextVec, err := s.embedder.Embed(ctx, c.ContextText)
	if err != nil {
		return 0, nil, scout.E(scout.KindScoreRetryable, "scorer.semanticScore", err)
	}
	return rescale(cosine(contextVec, keywordVec)), keywordVec, nil
}

// contextScore reuses the semantic comparison over the token window
// surrounding the first keyword occurrence. Only called on exact matches.
func (s *Scorer) contextScore(ctx context.Context, c scout.LinkCandidate, keywordVec []float32) (float64, error) {
	window := keywordWindow(c.ContextText, c.Keyword, s.cfg.ContextWindow)
	if window == "" {
		return 0, nil
	}
	windowVec, err := s.embedder.Embed(ctx, window)
	if err != nil {
		return 0, scout.E(scout.KindScoreRetryable, "scorer.contextScore", err)
	}
	return rescale(cosine(windowVec, keywordVec)), nil
}

// keywordWindow returns up to n tokens on each side of the first token
// containing the keyword, including the token itself.
func keywordWindow(text, keyword string, n int) string {
	tokens := strings.Fields(text)
	hit := -1
	for i, tok := range tokens {
		if containsFold(tok, keyword) {
			hit = i
			break
		}
	}
	if hit == -1 {
		// The verbatim match spans token boundaries; fall back to the
		// whole context.
		return text
	}
	lo := max(0, hit-n)
	hi := min(len(tokens), hit+n+1)
	return strings.Join(tokens[lo:hi], " ")
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}

// cosine computes the cosine similarity of two vectors in [-1,1].
// Mismatched or zero-magnitude vectors score 0.
func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// rescale maps cosine's [-1,1] onto [0,1], clamping float drift.
func rescale(sim float64) float64 {
	scaled := (sim + 1) / 2
	return math.Min(1, math.Max(0, scaled))
}

// sigmoid is the standard logistic function, bounded in (0,1) and
// monotonically increasing.
func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}
