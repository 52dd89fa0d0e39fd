// Package memory is an in-process Publisher used when no Pub/Sub topic is
// configured, and as a capture point in tests.
package memory

import (
	"context"
	"sync"

	"github.com/satthucaosu/lacentrale-scraper/internal/pipeline"
)

// Publisher records everything published to it.
type Publisher struct {
	mu        sync.Mutex
	summaries []pipeline.RunSummary
	notices   []pipeline.BackupNotice
	closed    bool
}

// New returns an empty in-memory publisher.
func New() *Publisher {
	return &Publisher{}
}

// PublishSummary implements pipeline.Publisher.
func (p *Publisher) PublishSummary(_ context.Context, summary pipeline.RunSummary) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return pipeline.ErrPublisherClosed
	}
	p.summaries = append(p.summaries, summary)
	return nil
}

// PublishBackup implements pipeline.Publisher.
func (p *Publisher) PublishBackup(_ context.Context, notice pipeline.BackupNotice) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return pipeline.ErrPublisherClosed
	}
	p.notices = append(p.notices, notice)
	return nil
}

// Summaries returns a copy of the published run summaries.
func (p *Publisher) Summaries() []pipeline.RunSummary {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]pipeline.RunSummary, len(p.summaries))
	copy(out, p.summaries)
	return out
}

// Notices returns a copy of the published backup notices.
func (p *Publisher) Notices() []pipeline.BackupNotice {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]pipeline.BackupNotice, len(p.notices))
	copy(out, p.notices)
	return out
}

// Close marks the publisher closed; further publishes fail.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}
