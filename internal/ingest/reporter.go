package ingest

import (
	"context"
	"fmt"

	pkgredis "github.com/ronanzhan/servicecomb-saga/pkg/redis"
	"github.com/ronanzhan/servicecomb-saga/pkg/saga"
)

// StreamReporter publishes participant events to the coordinator's stream.
type StreamReporter struct {
	client *pkgredis.StreamClient
	stream string
}

func NewStreamReporter(client *pkgredis.StreamClient, stream string) *StreamReporter {
	return &StreamReporter{client: client, stream: stream}
}

func (r *StreamReporter) Report(ctx context.Context, e saga.Event) error {
	if _, err := r.client.Publish(ctx, r.stream, e); err != nil {
		return fmt.Errorf("publish %s: %w", e.Type, err)
	}
	return nil
}
