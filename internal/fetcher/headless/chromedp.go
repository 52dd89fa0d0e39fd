// Package headless contains the browser-rendered fallback fetcher.
package headless

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/satthucaosu/lacentrale-scraper/internal/pipeline"
)

// Config controls the behavior of the headless fetcher.
type Config struct {
	// URLTemplate is the listing URL with a %d placeholder for the page
	// number.
	URLTemplate       string
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
}

// Fetcher renders listing pages with headless Chrome via chromedp. It is the
// escalation path for pages whose static response lacks the listing payload.
type Fetcher struct {
	cfg         Config
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
}

// NewChromedp creates a headless fetcher backed by chromedp.
func NewChromedp(cfg Config) (*Fetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Fetcher{
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close cancels the allocator context.
func (f *Fetcher) Close() {
	f.allocCancel()
}

// Fetch navigates to the listing page with a headless browser and returns
// the fully rendered DOM.
func (f *Fetcher) Fetch(ctx context.Context, page int) (*pipeline.Document, error) {
	if err := f.acquire(ctx); err != nil {
		return nil, &pipeline.FetchError{Page: page, Err: err}
	}
	defer f.release()

	taskCtx, taskCancel := chromedp.NewContext(f.allocator)
	defer taskCancel()

	taskCtx, cancel := context.WithTimeout(taskCtx, f.cfg.NavigationTimeout)
	defer cancel()

	// Honor the caller's deadline too; chromedp contexts do not inherit it.
	stopWatch := propagateCancel(ctx, taskCancel)
	defer stopWatch()

	url := fmt.Sprintf(f.cfg.URLTemplate, page)
	meta := newResponseMeta()
	chromedp.ListenTarget(taskCtx, meta.captureEvent)

	start := time.Now()
	html, err := f.runHeadless(taskCtx, url)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &pipeline.FetchError{Page: page, Err: fmt.Errorf("headless fetch canceled: %w", ctx.Err())}
		}
		return nil, &pipeline.FetchError{Page: page, Err: err}
	}

	status := meta.status()
	if status == 0 {
		status = http.StatusOK
	}
	if status == http.StatusNotFound || status == http.StatusGone {
		return nil, &pipeline.FetchError{Page: page, Status: status, Permanent: true,
			Err: fmt.Errorf("page not found")}
	}

	return &pipeline.Document{
		Page:         page,
		URL:          url,
		StatusCode:   status,
		Body:         []byte(html),
		Duration:     time.Since(start),
		UsedHeadless: true,
	}, nil
}

func (f *Fetcher) runHeadless(ctx context.Context, url string) (string, error) {
	var html string
	actions := []chromedp.Action{
		f.networkSetupAction(),
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(500 * time.Millisecond),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(ctx, actions...); err != nil {
		return "", fmt.Errorf("chromedp run: %w", err)
	}
	return html, nil
}

func (f *Fetcher) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if f.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

func (f *Fetcher) acquire(ctx context.Context) error {
	if f.limiter == nil {
		return nil
	}
	select {
	case f.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("headless slot wait canceled: %w", ctx.Err())
	}
}

func (f *Fetcher) release() {
	if f.limiter == nil {
		return
	}
	select {
	case <-f.limiter:
	default:
	}
}

// propagateCancel cancels the chromedp task when the caller's context ends.
// The returned stop function releases the watcher goroutine.
func propagateCancel(ctx context.Context, cancel context.CancelFunc) func() {
	stopCh := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-stopCh:
		}
	}()
	return func() { close(stopCh) }
}

// responseMeta captures the main document's HTTP status from CDP network
// events; headless navigation has no direct response object.
type responseMeta struct {
	mu         sync.RWMutex
	statusCode int
}

func newResponseMeta() *responseMeta {
	return &responseMeta{}
}

func (m *responseMeta) captureEvent(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	m.mu.Lock()
	m.statusCode = int(resp.Response.Status)
	m.mu.Unlock()
}

func (m *responseMeta) status() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.statusCode
}
