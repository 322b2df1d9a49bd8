// Package main provides the consumer that follows email lifecycle events on Redis Streams.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/rueidis"

	"github.com/jnst/email-event-service/internal/config"
	"github.com/jnst/email-event-service/internal/logger"
	"github.com/jnst/email-event-service/internal/model"
)

const (
	redisBlockTimeout = 1000 // milliseconds
	readBatchSize     = 10
	errorRetryDelay   = 1 * time.Second
	exitCode          = 1
)

// MessageHandler processes messages from Redis Streams.
type MessageHandler struct {
	redisClient rueidis.Client
	logger      *slog.Logger
}

// NewMessageHandler creates a new message handler instance.
func NewMessageHandler(redisClient rueidis.Client, logger *slog.Logger) *MessageHandler {
	return &MessageHandler{
		redisClient: redisClient,
		logger:      logger,
	}
}

// HandleEvent records one lifecycle transition of an email.
func (h *MessageHandler) HandleEvent(ctx context.Context, version string, event model.Event) {
	log := h.logger.With(
		logger.EmailID(event.StreamID()),
		slog.String("event_type", string(event.EventType())),
		slog.String("version", version),
		slog.Time("occurred_at", event.OccurredAt()),
	)

	switch ev := event.(type) {
	case model.EmailSubmitted:
		log.InfoContext(ctx, "email submitted",
			slog.String("sender", ev.Sender),
			slog.String("recipient", ev.Recipient),
			slog.String("subject", ev.Subject),
		)
	case model.EmailSendAttemptFailed:
		log.WarnContext(ctx, "email send attempt failed")
	case model.EmailSent:
		log.InfoContext(ctx, "email delivered")
	}
}

func setupRedisClient(cfg *config.Config) (rueidis.Client, error) {
	redisClient, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress: []string{cfg.RedisAddr},
	})
	if err != nil {
		return nil, err
	}

	return redisClient, nil
}

func (h *MessageHandler) createConsumerGroup(ctx context.Context, streamKey, groupName string) {
	createGroupCmd := h.redisClient.B().XgroupCreate().Key(streamKey).Group(groupName).Id("0").Mkstream().Build()
	if err := h.redisClient.Do(ctx, createGroupCmd).Error(); err != nil {
		h.logger.Info("consumer group creation result (may already exist)", logger.Error(err))
	}
}

func (h *MessageHandler) runConsumerLoop(ctx context.Context, streamKey, groupName, consumerName string) {
	for {
		select {
		case <-ctx.Done():
			h.logger.Info("consumer stopped")
			return
		default:
			if err := h.consumeMessages(ctx, streamKey, groupName, consumerName); err != nil && ctx.Err() == nil {
				h.logger.Error("error consuming messages", logger.Error(err))
				time.Sleep(errorRetryDelay)
			}
		}
	}
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("failed to load config", logger.Error(err))
		os.Exit(exitCode)
	}

	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(log)

	redisClient, err := setupRedisClient(cfg)
	if err != nil {
		log.Error("failed to connect to Redis", logger.Error(err))
		os.Exit(exitCode)
	}
	defer redisClient.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	handler := NewMessageHandler(redisClient, log)
	handler.createConsumerGroup(ctx, cfg.EventsStream, cfg.ConsumerGroup)

	log.Info("starting message consumer",
		slog.String("service", "consumer"),
		slog.String("stream", cfg.EventsStream),
		slog.String("group", cfg.ConsumerGroup),
		slog.String("consumer", cfg.ConsumerName),
	)

	handler.runConsumerLoop(ctx, cfg.EventsStream, cfg.ConsumerGroup, cfg.ConsumerName)
}

func (h *MessageHandler) readMessages(
	ctx context.Context,
	streamKey, groupName, consumerName string,
) (map[string][]rueidis.XRangeEntry, error) {
	readCmd := h.redisClient.B().Xreadgroup().Group(groupName, consumerName).
		Count(readBatchSize).
		Block(redisBlockTimeout).
		Streams().
		Key(streamKey).
		Id(">").
		Build()

	result := h.redisClient.Do(ctx, readCmd)
	if err := result.Error(); err != nil {
		if rueidis.IsRedisNil(err) {
			return nil, nil // block timeout
		}

		return nil, err
	}

	return result.AsXRead()
}

func (h *MessageHandler) acknowledgeMessage(ctx context.Context, streamKey, groupName, messageID string) {
	ackCmd := h.redisClient.B().Xack().Key(streamKey).Group(groupName).Id(messageID).Build()
	if err := h.redisClient.Do(ctx, ackCmd).Error(); err != nil {
		h.logger.Error("failed to ACK message",
			slog.String("message_id", messageID),
			logger.Error(err),
		)
	} else {
		h.logger.Debug("ACKed message", slog.String("message_id", messageID))
	}
}

func (h *MessageHandler) consumeMessages(ctx context.Context, streamKey, groupName, consumerName string) error {
	streams, err := h.readMessages(ctx, streamKey, groupName, consumerName)
	if err != nil {
		return err
	}

	for streamName, messages := range streams {
		h.logger.Debug("processing stream",
			slog.String("stream", streamName),
			slog.Int("message_count", len(messages)),
		)

		for _, message := range messages {
			if err := h.processMessage(ctx, message); err != nil {
				// Left pending for inspection with XPENDING.
				h.logger.Error("failed to process message",
					slog.String("message_id", message.ID),
					logger.Error(err),
				)

				continue
			}

			h.acknowledgeMessage(ctx, streamKey, groupName, message.ID)
		}
	}

	return nil
}

func (h *MessageHandler) processMessage(ctx context.Context, message rueidis.XRangeEntry) error {
	h.logger.Debug("received message",
		slog.String("message_id", message.ID),
		slog.Any("fields", message.FieldValues),
	)

	eventType, ok := message.FieldValues["event_type"]
	if !ok {
		return errors.New("missing event_type in message")
	}

	payload, ok := message.FieldValues["payload"]
	if !ok {
		return errors.New("missing payload in message")
	}

	event, err := model.DecodeEvent(model.EventType(eventType), []byte(payload))
	if err != nil {
		if errors.Is(err, model.ErrInvalidStream) {
			h.logger.Warn("unknown event type", slog.String("event_type", eventType))
			return nil
		}

		return fmt.Errorf("failed to decode message %s: %w", message.ID, err)
	}

	h.HandleEvent(ctx, message.FieldValues["version"], event)

	return nil
}
