package tasks

import (
	"context"
	"log/slog"
	"time"

	"adsb_pings/internal/models"
	"adsb_pings/internal/sink"
)

// PingCollector drains accepted pings from a channel and writes them to a
// sink in batches, preserving the order they were sent in.
type PingCollector struct {
	writer        sink.Writer
	pingChan      <-chan *models.Ping
	batchSize     int           // maximum number of pings in a batch before writing
	flushInterval time.Duration // time to flush batch even if not full
	written       int64
}

// Default batch size is 500 pings and flush interval is 1 second
func NewPingCollector(writer sink.Writer, pingChan <-chan *models.Ping) *PingCollector {
	return &PingCollector{
		writer:        writer,
		pingChan:      pingChan,
		batchSize:     500,
		flushInterval: 1 * time.Second,
	}
}

// NewPingCollectorWithConfig creates a collector with custom batch settings
func NewPingCollectorWithConfig(writer sink.Writer, pingChan <-chan *models.Ping, batchSize int, flushInterval time.Duration) *PingCollector {
	if batchSize < 1 {
		batchSize = 1
	}
	return &PingCollector{
		writer:        writer,
		pingChan:      pingChan,
		batchSize:     batchSize,
		flushInterval: flushInterval,
	}
}

// Start collects pings until the channel is closed or ctx is cancelled,
// flushing whatever is batched before it returns. A failed write is logged
// and the collector keeps draining the channel so the producer never
// blocks; the first write error is returned at the end.
func (c *PingCollector) Start(ctx context.Context) error {
	batch := make([]*models.Ping, 0, c.batchSize)
	var firstErr error

	flushBatch := func() {
		if len(batch) == 0 {
			return
		}
		if firstErr == nil {
			if err := c.writer.WriteBatch(batch); err != nil {
				slog.Error("Error writing batch of pings", "batch_size", len(batch), "error", err)
				firstErr = err
			} else {
				c.written += int64(len(batch))
				slog.Debug("Wrote batch of pings", "batch_size", len(batch), "total", c.written)
			}
		}
		batch = batch[:0]
	}

	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushBatch()
			if firstErr != nil {
				return firstErr
			}
			return ctx.Err()

		case <-ticker.C:
			flushBatch()

		case p, ok := <-c.pingChan:
			if !ok {
				flushBatch()
				return firstErr
			}
			if p == nil {
				continue
			}
			batch = append(batch, p)
			if len(batch) >= c.batchSize {
				flushBatch()
			}
		}
	}
}

// Written returns the number of pings written. Only valid after Start returns.
func (c *PingCollector) Written() int64 {
	return c.written
}
