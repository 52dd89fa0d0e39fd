// Package fetcher combines the static and headless fetch paths into the
// hybrid document fetcher the workers consume.
package fetcher

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/satthucaosu/lacentrale-scraper/internal/pipeline"
)

// Hybrid fetches a listing page statically first and escalates to the
// headless fetcher when the static document is blocked or lacks the listing
// payload. Every attempt, static or headless, passes through the shared
// pacer.
type Hybrid struct {
	static   pipeline.Fetcher
	headless pipeline.Fetcher
	detector *RenderDetector
	pacer    *Pacer
	log      *zap.Logger
}

// NewHybrid creates a Hybrid fetcher. headless may be nil, in which case
// unusable static documents fail the fetch instead of escalating.
func NewHybrid(static, headless pipeline.Fetcher, detector *RenderDetector, pacer *Pacer, logger *zap.Logger) *Hybrid {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hybrid{
		static:   static,
		headless: headless,
		detector: detector,
		pacer:    pacer,
		log:      logger.Named("fetcher"),
	}
}

// Fetch retrieves one listing page.
func (h *Hybrid) Fetch(ctx context.Context, page int) (*pipeline.Document, error) {
	if err := h.pacer.Wait(ctx); err != nil {
		return nil, &pipeline.FetchError{Page: page, Err: err}
	}

	doc, err := h.static.Fetch(ctx, page)
	if err != nil {
		if pipeline.IsPermanentFetch(err) || h.headless == nil {
			return nil, err
		}
		var fe *pipeline.FetchError
		if !errors.As(err, &fe) || !blockedStatus(fe.Status) {
			return nil, err
		}
		h.log.Debug("static fetch blocked, escalating to headless",
			zap.Int("page", page), zap.Int("status", fe.Status))
		return h.fetchHeadless(ctx, page)
	}

	if h.headless != nil && h.detector.NeedsRender(doc) {
		h.log.Debug("static document lacks listing payload, escalating to headless",
			zap.Int("page", page), zap.Int("status", doc.StatusCode))
		return h.fetchHeadless(ctx, page)
	}
	return doc, nil
}

func (h *Hybrid) fetchHeadless(ctx context.Context, page int) (*pipeline.Document, error) {
	if err := h.pacer.Wait(ctx); err != nil {
		return nil, &pipeline.FetchError{Page: page, Err: err}
	}
	return h.headless.Fetch(ctx, page)
}

// blockedStatus reports whether the status looks like an anti-bot block the
// headless path may get around.
func blockedStatus(status int) bool {
	return status == 403 || status == 429 || status >= 500
}
