// Package pubsub publishes run summaries and backup notices to Google Cloud
// Pub/Sub so downstream consumers can react without polling the ops API.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/satthucaosu/lacentrale-scraper/internal/pipeline"
)

// Message attribute keys.
const (
	attrKind  = "kind"
	attrRunID = "run_id"

	kindSummary = "run_summary"
	kindBackup  = "backup_notice"
)

// Publisher sends JSON-encoded pipeline notifications to one topic.
type Publisher struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	log    *zap.Logger
}

// New creates a Pub/Sub client with Application Default Credentials and
// verifies the topic exists before returning.
func New(ctx context.Context, projectID, topicID string, logger *zap.Logger) (*Publisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}

	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		if closeErr := client.Close(); closeErr != nil {
			logger.Warn("pubsub client close failed", zap.Error(closeErr))
		}
		return nil, fmt.Errorf("check pubsub topic %q: %w", topicID, err)
	}
	if !exists {
		if closeErr := client.Close(); closeErr != nil {
			logger.Warn("pubsub client close failed", zap.Error(closeErr))
		}
		return nil, fmt.Errorf("pubsub topic %q does not exist in project %q", topicID, projectID)
	}

	return &Publisher{
		client: client,
		topic:  topic,
		log:    logger.Named("pubsub"),
	}, nil
}

// PublishSummary publishes the terminal run summary and waits for the server
// acknowledgement.
func (p *Publisher) PublishSummary(ctx context.Context, summary pipeline.RunSummary) error {
	return p.publish(ctx, kindSummary, summary.RunID, summary)
}

// PublishBackup publishes a backup-artifact notice so operators learn about
// batches needing manual replay as they happen, not only at run end.
func (p *Publisher) PublishBackup(ctx context.Context, notice pipeline.BackupNotice) error {
	return p.publish(ctx, kindBackup, notice.RunID, notice)
}

func (p *Publisher) publish(ctx context.Context, kind, runID string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", kind, err)
	}

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			attrKind:  kind,
			attrRunID: runID,
		},
	})
	id, err := result.Get(ctx)
	if err != nil {
		return fmt.Errorf("publish %s: %w", kind, err)
	}
	p.log.Debug("message published",
		zap.String("kind", kind),
		zap.String("message_id", id))
	return nil
}

// Close stops the topic's background publisher and closes the client.
func (p *Publisher) Close() error {
	p.topic.Stop()
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}
