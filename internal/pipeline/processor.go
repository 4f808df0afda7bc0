package pipeline

import (
	"context"
	"errors"
	"log/slog"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"

	"github.com/tinywideclouds/go-webpush-service/internal/push"
)

// Sender is the part of push.Engine the pipeline drives.
type Sender interface {
	Broadcast(ctx context.Context, msg push.Message) (*push.Response, error)
	SendToUser(ctx context.Context, userID string, msg push.Message) (*push.Response, error)
}

// NewProcessor routes each event to a broadcast or a targeted send. Returning
// an error nacks the message for redelivery, so only storage failures do.
func NewProcessor(sender Sender, logger *slog.Logger) messagepipeline.StreamProcessor[PushEvent] {
	return func(ctx context.Context, original messagepipeline.Message, event *PushEvent) error {
		procLogger := logger.With(
			"pubsub_msg_id", original.ID,
			"content_id", event.ContentID,
		)

		msg := push.Message{
			Title:     event.Title,
			Body:      event.Body,
			Icon:      event.Icon,
			URL:       event.URL,
			ContentID: event.ContentID,
		}

		var (
			resp *push.Response
			err  error
		)
		if event.UserID != "" {
			procLogger = procLogger.With("recipient_id", event.UserID)
			resp, err = sender.SendToUser(ctx, event.UserID, msg)
		} else {
			resp, err = sender.Broadcast(ctx, msg)
		}

		if err != nil {
			if errors.Is(err, push.ErrInvalidNotification) {
				procLogger.Warn("Dropping invalid push event", "err", err)
				return nil
			}
			procLogger.Error("Push dispatch failed", "err", err)
			return err
		}
		if !resp.Success {
			procLogger.Info("Push event reached no device", "message", resp.Message)
			return nil
		}
		procLogger.Info("Push event dispatched", "delivered", resp.Result.Delivered)
		return nil
	}
}
