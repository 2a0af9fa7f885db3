// Package extractor turns one page into link candidates and feeds them to
// the task queue. Robots policy is consulted before the fetch; a denial is
// a distinct error kind so the boundary can render a specific message.
package extractor

import (
	"bytes"
	"context"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/linkscout/linkscout/internal/jobs"
	"github.com/linkscout/linkscout/internal/metrics"
	"github.com/linkscout/linkscout/internal/queue"
	"github.com/linkscout/linkscout/internal/scout"
)

// Config controls extraction behavior.
type Config struct {
	// ContextChars bounds the surrounding text captured on each side of an
	// anchor.
	ContextChars int
}

// Extractor discovers link candidates on a single page.
type Extractor struct {
	fetcher scout.Fetcher
	robots  RobotsPolicy
	tasks   queue.Queue
	tracker *jobs.Tracker
	idGen   scout.IDGenerator
	cfg     Config
	logger  *zap.Logger
}

// New constructs an Extractor.
func New(
	fetcher scout.Fetcher,
	robots RobotsPolicy,
	tasks queue.Queue,
	tracker *jobs.Tracker,
	idGen scout.IDGenerator,
	cfg Config,
	logger *zap.Logger,
) *Extractor {
	if cfg.ContextChars <= 0 {
		cfg.ContextChars = 240
	}
	return &Extractor{
		fetcher: fetcher,
		robots:  robots,
		tasks:   tasks,
		tracker: tracker,
		idGen:   idGen,
		cfg:     cfg,
		logger:  logger,
	}
}

// Extract fetches sourceURL, parses its anchors into candidates, registers
// the job, and enqueues one task message per candidate. A robots denial
// returns KindRobotsDisallowed before any job is created. Zero candidates
// is not an error: the job is registered and immediately done.
func (e *Extractor) Extract(ctx context.Context, sourceURL, keyword string) (string, []scout.LinkCandidate, error) {
	if !e.robots.Allowed(ctx, sourceURL) {
		metrics.RobotsDenied.Inc()
		return "", nil, scout.Ef(scout.KindRobotsDisallowed, "extractor.Extract",
			"robots.txt disallows %s", sourceURL)
	}

	page, err := e.fetcher.Fetch(ctx, sourceURL)
	if err != nil {
		if scout.KindOf(err) != scout.KindUnknown {
			return "", nil, err
		}
		return "", nil, scout.E(scout.KindFetchFailed, "extractor.Extract", err)
	}

	jobID, err := e.idGen.NewID()
	if err != nil {
		return "", nil, scout.E(scout.KindFetchFailed, "extractor.Extract", err)
	}

	candidates, err := e.parse(page, jobID, sourceURL, keyword)
	if err != nil {
		return "", nil, err
	}

	e.tracker.Create(scout.ScrapeJob{
		ID:        jobID,
		SourceURL: sourceURL,
		Keyword:   keyword,
	})
	// Expected count is registered before the first enqueue so completions
	// can never race the job past done prematurely.
	if err := e.tracker.MarkEnqueued(jobID, len(candidates)); err != nil {
		return "", nil, err
	}

	var enqueueErr error
	for _, c := range candidates {
		if err := e.tasks.Enqueue(ctx, queue.FromCandidate(c)); err != nil {
			if scout.IsKind(err, scout.KindQueueFull) {
				metrics.QueueFullRejections.Inc()
			}
			// A candidate that never reached the queue is a failed unit;
			// counting it keeps the job's completion tracking unblocked.
			e.logger.Error("enqueue candidate failed",
				zap.String("job_id", jobID),
				zap.String("href", c.HrefURL),
				zap.Error(err),
			)
			if _, markErr := e.tracker.MarkFailed(jobID, c.IdempotencyKey()); markErr != nil {
				e.logger.Error("mark failed unit", zap.String("job_id", jobID), zap.Error(markErr))
			}
			if enqueueErr == nil {
				enqueueErr = err
			}
			continue
		}
		metrics.CandidatesExtracted.Inc()
	}
	if enqueueErr != nil {
		return jobID, candidates, enqueueErr
	}

	e.logger.Info("candidates enqueued",
		zap.String("job_id", jobID),
		zap.String("source_url", sourceURL),
		zap.String("keyword", keyword),
		zap.Int("count", len(candidates)),
	)
	return jobID, candidates, nil
}

// parse walks every anchor element, resolving absolute hrefs and capturing
// a bounded window of surrounding text. Malformed, empty, and non-HTTP
// hrefs are skipped; duplicate hrefs collapse to one candidate since they
// share a natural key.
func (e *Extractor) parse(page scout.Page, jobID, sourceURL, keyword string) ([]scout.LinkCandidate, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		return nil, scout.E(scout.KindFetchFailed, "extractor.parse", err)
	}
	base, err := url.Parse(sourceURL)
	if err != nil {
		return nil, scout.E(scout.KindFetchFailed, "extractor.parse", err)
	}

	var candidates []scout.LinkCandidate
	seen := make(map[string]struct{})
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		abs := resolveHref(base, href)
		if abs == "" {
			return
		}
		if _, dup := seen[abs]; dup {
			return
		}
		seen[abs] = struct{}{}
		candidates = append(candidates, scout.LinkCandidate{
			JobID:       jobID,
			SourceURL:   sourceURL,
			HrefURL:     abs,
			ContextText: e.anchorContext(sel),
			Keyword:     keyword,
		})
	})
	return candidates, nil
}

// anchorContext gathers the anchor's own text, its title/aria-label, and
// the text of the nearest enclosing block, bounded to ContextChars.
func (e *Extractor) anchorContext(sel *goquery.Selection) string {
	parts := make([]string, 0, 4)
	if text := squeeze(sel.Text()); text != "" {
		parts = append(parts, text)
	}
	if title, ok := sel.Attr("title"); ok {
		if title = squeeze(title); title != "" {
			parts = append(parts, title)
		}
	}
	if label, ok := sel.Attr("aria-label"); ok {
		if label = squeeze(label); label != "" {
			parts = append(parts, label)
		}
	}
	if block := squeeze(sel.Closest("p, li, td, h1, h2, h3, div").Text()); block != "" {
		parts = append(parts, truncate(block, e.cfg.ContextChars))
	}
	return strings.Join(dedupe(parts), " ")
}

func resolveHref(base *url.URL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	abs := base.ResolveReference(ref)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return ""
	}
	abs.Fragment = ""
	return abs.String()
}

// squeeze collapses runs of whitespace into single spaces.
func squeeze(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n]
}

// dedupe drops parts fully contained in another part, so the enclosing
// block text does not repeat the anchor text.
func dedupe(parts []string) []string {
	out := parts[:0]
	for i, p := range parts {
		contained := false
		for j, other := range parts {
			if i != j && len(p) < len(other) && strings.Contains(other, p) {
				contained = true
				break
			}
		}
		if !contained {
			out = append(out, p)
		}
	}
	return out
}
