package fetcher

import (
	"bytes"
	"net/http"

	"github.com/satthucaosu/lacentrale-scraper/internal/pipeline"
)

// payloadMarker is the script variable the upstream site renders the listing
// data into. Pages served to suspected bots omit it.
var payloadMarker = []byte("__PRELOADED_STATE_LISTING__")

// RenderDetector decides whether a statically fetched document needs the
// headless rendering path.
type RenderDetector struct{}

// NewRenderDetector creates a RenderDetector.
func NewRenderDetector() *RenderDetector {
	return &RenderDetector{}
}

// NeedsRender reports whether the document is unusable as fetched: an empty
// or blocked response, or a body without the listing payload.
func (d *RenderDetector) NeedsRender(doc *pipeline.Document) bool {
	if doc == nil || len(doc.Body) == 0 {
		return true
	}
	switch doc.StatusCode {
	case http.StatusForbidden, http.StatusTooManyRequests:
		return true
	}
	return !bytes.Contains(doc.Body, payloadMarker)
}
