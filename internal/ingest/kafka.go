package ingest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"gatewatch/internal/config"
	"gatewatch/internal/engine"
	"gatewatch/internal/model"
)

// StartKafka consumes detection payloads and feeds them through the
// engine. Validation and duplicate drops are logged and committed;
// anything else leaves the message uncommitted so the group redelivers
// it.
func StartKafka(ctx context.Context, cfg *config.Manager, eng *engine.Engine, logger *slog.Logger) {
	current := cfg.Get().Ingest.Kafka
	if !current.Enabled {
		logger.Info("kafka ingest disabled")
		return
	}
	logger.Info("kafka ingest enabled", "brokers", current.Brokers, "topic", current.Topic, "group_id", current.GroupID)
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  current.Brokers,
		Topic:    current.Topic,
		GroupID:  current.GroupID,
		MinBytes: 1e3,
		MaxBytes: 10e6,
	})
	go func() {
		defer reader.Close()
		for {
			m, err := reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Warn("kafka read error", "err", err)
				if !BackoffSleep(ctx, time.Second) {
					return
				}
				continue
			}

			det, err := ParseDetection(m.Value)
			if err != nil {
				logger.Warn("kafka payload rejected", "err", err)
				_ = reader.CommitMessages(ctx, m)
				continue
			}

			_, err = eng.IngestDetection(ctx, det)
			switch {
			case err == nil:
			case errors.Is(err, model.ErrValidation), errors.Is(err, model.ErrDuplicate):
				logger.Debug("detection dropped", "err", err)
			default:
				logger.Error("kafka detection failed, leaving uncommitted", "err", err)
				if !BackoffSleep(ctx, time.Second) {
					return
				}
				continue
			}
			if err := reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
				logger.Warn("kafka commit error", "err", err)
			}
		}
	}()
}
