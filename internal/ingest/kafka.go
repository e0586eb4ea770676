package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"authguard/internal/config"
	"authguard/internal/model"
)

const sourceKafka = "kafka"

// StartKafka consumes auth events from a topic. Offsets are committed after
// a message is handed to the engine; messages without an id get one derived
// from their partition and offset so redelivery is de-duplicated.
func StartKafka(ctx context.Context, cfg *config.Manager, parser *Parser, out chan<- model.Report, logger *slog.Logger) {
	current := cfg.Get().Ingest.Kafka
	if !current.Enabled {
		if logger != nil {
			logger.Info("kafka ingest disabled")
		}
		return
	}
	if logger != nil {
		logger.Info("kafka ingest enabled", "brokers", current.Brokers, "topic", current.Topic, "group_id", current.GroupID)
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  current.Brokers,
		Topic:    current.Topic,
		GroupID:  current.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  time.Second,
	})
	go func() {
		defer reader.Close()
		backoff := 200 * time.Millisecond
		for {
			m, err := reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if logger != nil {
					logger.Warn("kafka fetch error", "err", err)
				}
				if !BackoffSleep(ctx, backoff) {
					return
				}
				backoff = min(backoff*2, 10*time.Second)
				continue
			}
			backoff = 200 * time.Millisecond

			if r, ok := toReport(cfg, parser, logger, sourceKafka, string(m.Value)); ok {
				if r.ID == "" {
					r.ID = messageID(m)
				}
				SendNonBlocking(ctx, out, r, logger)
			}
			if err := reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil && logger != nil {
				logger.Warn("kafka commit error", "partition", m.Partition, "offset", m.Offset, "err", err)
			}
		}
	}()
}

func messageID(m kafka.Message) string {
	return fmt.Sprintf("%s/%d/%d", m.Topic, m.Partition, m.Offset)
}
