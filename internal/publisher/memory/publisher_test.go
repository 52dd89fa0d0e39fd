package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/satthucaosu/lacentrale-scraper/internal/pipeline"
)

func TestPublisherRecordsMessages(t *testing.T) {
	t.Parallel()

	p := New()
	require.NoError(t, p.PublishSummary(context.Background(), pipeline.RunSummary{RunID: "r1"}))
	require.NoError(t, p.PublishBackup(context.Background(), pipeline.BackupNotice{RunID: "r1", Reason: "retries exhausted"}))

	summaries := p.Summaries()
	require.Len(t, summaries, 1)
	require.Equal(t, "r1", summaries[0].RunID)

	notices := p.Notices()
	require.Len(t, notices, 1)
	require.Equal(t, "retries exhausted", notices[0].Reason)
}

func TestPublisherRejectsAfterClose(t *testing.T) {
	t.Parallel()

	p := New()
	require.NoError(t, p.Close())

	err := p.PublishSummary(context.Background(), pipeline.RunSummary{RunID: "r1"})
	require.ErrorIs(t, err, pipeline.ErrPublisherClosed)
	require.ErrorIs(t, p.PublishBackup(context.Background(), pipeline.BackupNotice{}), pipeline.ErrPublisherClosed)
	require.Empty(t, p.Summaries())
}
