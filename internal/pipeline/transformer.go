// Package pipeline turns content-published events from Pub/Sub into sends.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
)

// PushEvent is published when a content item goes live or an operator
// targets a single user.
type PushEvent struct {
	ContentID string `json:"content_id,omitempty"`
	Title     string `json:"title"`
	Body      string `json:"body"`
	Icon      string `json:"icon,omitempty"`
	URL       string `json:"url,omitempty"`
	// UserID routes the event to one user instead of every subscriber.
	UserID string `json:"user_id,omitempty"`
}

// PushEventTransformer unmarshals and validates a raw message payload. A
// malformed event can never succeed, so it is skipped rather than retried.
func PushEventTransformer(
	_ context.Context,
	msg *messagepipeline.Message,
) (*PushEvent, bool, error) {
	var event PushEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		return nil, true, fmt.Errorf("failed to unmarshal push event from message %s: %w", msg.ID, err)
	}
	if strings.TrimSpace(event.Title) == "" || strings.TrimSpace(event.Body) == "" {
		return nil, true, fmt.Errorf("push event %s has no title or body", msg.ID)
	}
	return &event, false, nil
}
