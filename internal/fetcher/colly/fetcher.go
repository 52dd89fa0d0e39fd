// Package collyfetcher implements the static listing-page fetcher using
// gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/satthucaosu/lacentrale-scraper/internal/pipeline"
)

// Config controls collector behavior.
type Config struct {
	// URLTemplate is the listing URL with a %d placeholder for the page
	// number.
	URLTemplate string
	UserAgent   string
	Timeout     time.Duration
}

// Fetcher fetches listing pages over plain HTTP using a Colly collector.
// The collector is cloned per fetch so concurrent workers never share
// callback state.
type Fetcher struct {
	cfg           Config
	transport     http.RoundTripper
	baseCollector *colly.Collector
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	c := colly.NewCollector(colly.Async(false))
	c.IgnoreRobotsTxt = true

	transport := newHTTPTransport()
	c.WithTransport(transport)

	return &Fetcher{
		cfg:           cfg,
		transport:     transport,
		baseCollector: c,
	}
}

// Fetch executes a single HTTP GET for the given listing page.
func (f *Fetcher) Fetch(ctx context.Context, page int) (*pipeline.Document, error) {
	url := fmt.Sprintf(f.cfg.URLTemplate, page)

	var (
		doc       *pipeline.Document
		errStatus int
		fetchErr  error
	)
	start := time.Now()

	collector := f.baseCollector.Clone()
	collector.WithTransport(f.transport)
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	timeout := f.cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	collector.SetRequestTimeout(timeout)

	collector.OnResponse(func(r *colly.Response) {
		doc = &pipeline.Document{
			Page:       page,
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil {
			errStatus = r.StatusCode
		}
		fetchErr = err
	})

	if err := f.runCollector(ctx, collector, url); err != nil {
		// OnError carries the response status; prefer it over the bare
		// Visit error so the caller can classify the failure.
		if fetchErr != nil {
			return nil, classify(page, errStatus, fetchErr)
		}
		return nil, &pipeline.FetchError{Page: page, Err: err}
	}
	if doc == nil {
		return nil, &pipeline.FetchError{Page: page, Err: fmt.Errorf("no response for %s", url)}
	}
	return doc, nil
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		return nil
	}
}

// classify maps an HTTP failure to the pipeline error taxonomy. A page that
// does not exist is permanent; bot blocks and server errors are worth a
// retry, possibly through the headless path.
func classify(page, status int, err error) error {
	switch {
	case status == http.StatusNotFound, status == http.StatusGone:
		return &pipeline.FetchError{Page: page, Status: status, Permanent: true, Err: err}
	default:
		return &pipeline.FetchError{Page: page, Status: status, Err: err}
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
