package push

import (
	"encoding/json"
	"fmt"

	"github.com/tinywideclouds/go-webpush-service/pkg/notification"
)

// TagFor derives the grouping key for notifications about one content item.
func TagFor(contentID string) string {
	if contentID == "" {
		return ""
	}
	return "news-" + contentID
}

// buildPayload encodes the payload once for every subscriber of a send.
func (d *Dispatcher) buildPayload(msg Message) ([]byte, string, error) {
	tag := msg.Tag
	if tag == "" {
		tag = TagFor(msg.ContentID)
	}
	p := notification.Payload{
		Title: msg.Title,
		Body:  msg.Body,
		Icon:  msg.Icon,
		URL:   msg.URL,
		Tag:   tag,
	}
	if p.Icon == "" {
		p.Icon = d.cfg.DefaultIcon
	}
	if p.URL == "" {
		p.URL = d.cfg.SiteURL
	}
	if msg.ContentID != "" {
		p.Data = map[string]string{"content_id": msg.ContentID}
	}

	b, err := json.Marshal(p)
	if err != nil {
		return nil, "", fmt.Errorf("failed to marshal payload: %w", err)
	}
	return b, tag, nil
}
