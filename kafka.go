package main

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// Ingester accepts classified records from an upstream source.
type Ingester interface {
	Ingest(ctx context.Context, rec TransactionRecord) (bool, error)
}

// messageFetcher is the subset of *kafka.Reader the consumer uses.
type messageFetcher interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

const ingestRetryDelay = 500 * time.Millisecond

// KafkaIngest consumes classified records published by the upstream
// classifier and hands them to the feed server.
type KafkaIngest struct {
	reader messageFetcher
	closer func() error
	sink   Ingester
	logger zerolog.Logger
}

func NewKafkaIngest(cfg KafkaConfig, sink Ingester, logger zerolog.Logger) *KafkaIngest {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		GroupID:  cfg.GroupID,
		Topic:    cfg.Topic,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	return &KafkaIngest{
		reader: reader,
		closer: reader.Close,
		sink:   sink,
		logger: logger.With().Str("component", "kafka").Str("topic", cfg.Topic).Logger(),
	}
}

// Run consumes until ctx is cancelled. Undecodable messages are committed
// and skipped; storage failures are retried without committing.
func (k *KafkaIngest) Run(ctx context.Context) error {
	k.logger.Info().Msg("kafka ingest started")
	defer func() {
		if k.closer != nil {
			k.closer()
		}
	}()

	var consumed, stored uint64
	for {
		message, err := k.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			k.logger.Warn().Err(err).Msg("kafka fetch error")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(ingestRetryDelay):
			}
			continue
		}

		var rec TransactionRecord
		if err := json.Unmarshal(message.Value, &rec); err != nil {
			k.logger.Warn().Err(err).Int64("offset", message.Offset).Msg("message decode error")
			if err := k.reader.CommitMessages(ctx, message); err != nil && ctx.Err() == nil {
				k.logger.Warn().Err(err).Int64("offset", message.Offset).Msg("commit failed")
			}
			continue
		}

		fresh, err := k.ingest(ctx, rec, message.Offset)
		if err != nil {
			var malformed *MalformedMessageError
			if !errors.As(err, &malformed) {
				return nil
			}
			k.logger.Warn().Err(err).Int64("offset", message.Offset).Msg("invalid record skipped")
		}

		if err := k.reader.CommitMessages(ctx, message); err != nil && ctx.Err() == nil {
			k.logger.Warn().Err(err).Int64("offset", message.Offset).Msg("commit failed")
		}
		consumed++
		if fresh {
			stored++
		}
		if consumed%statsEvery == 0 {
			k.logger.Info().Uint64("consumed", consumed).Uint64("stored", stored).Msg("kafka ingest progress")
		}
	}
}

// ingest retries storage failures for the same message until it succeeds,
// the record is rejected as malformed, or ctx is cancelled.
func (k *KafkaIngest) ingest(ctx context.Context, rec TransactionRecord, offset int64) (bool, error) {
	for {
		fresh, err := k.sink.Ingest(ctx, rec)
		if err == nil {
			return fresh, nil
		}
		var malformed *MalformedMessageError
		if errors.As(err, &malformed) {
			return false, err
		}
		k.logger.Error().Err(err).Int64("offset", offset).Msg("ingest error, retrying")
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(ingestRetryDelay):
		}
	}
}
