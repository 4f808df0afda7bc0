// Package notification contains the domain models shared by the push
// subscription stores, the delivery transport and the dispatcher.
package notification

import (
	"fmt"
	"time"
)

// Keys is the key material a browser hands out with its push subscription.
// Both values are kept in the base64url form the browser produced.
type Keys struct {
	P256dh string `json:"p256dh"`
	Auth   string `json:"auth"`
}

// Subscription identifies one registered browser endpoint for one user.
type Subscription struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Endpoint  string    `json:"endpoint"`
	Keys      Keys      `json:"keys"`
	CreatedAt time.Time `json:"created_at"`
	IsActive  bool      `json:"is_active"`
}

// NewNotification holds the caller supplied content of a notification record.
type NewNotification struct {
	Title     string
	Body      string
	Icon      string
	URL       string
	Tag       string
	ContentID string
}

// Notification is one historized broadcast.
// SentAt is nil until the send completes, and IsSent mirrors it.
type Notification struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Body      string     `json:"body"`
	Icon      string     `json:"icon,omitempty"`
	URL       string     `json:"url,omitempty"`
	Tag       string     `json:"tag,omitempty"`
	ContentID string     `json:"content_id,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	SentAt    *time.Time `json:"sent_at,omitempty"`
	IsSent    bool       `json:"is_sent"`
}

// Outcome classifies one delivery attempt against one endpoint.
type Outcome int

const (
	// Delivered means the push relay accepted the message.
	Delivered Outcome = iota + 1
	// PermanentlyInvalid means the relay reported the endpoint as gone.
	PermanentlyInvalid
	// TransientFailure covers timeouts, network errors and any other non-2xx.
	// The subscription stays active.
	TransientFailure
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case PermanentlyInvalid:
		return "permanently_invalid"
	case TransientFailure:
		return "transient_failure"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Delivery is the transient result of one attempt. It is never persisted.
type Delivery struct {
	SubscriptionID string
	Outcome        Outcome
	StatusCode     int
	Err            error
}

// Payload is the JSON document the service worker receives.
type Payload struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Icon  string            `json:"icon,omitempty"`
	URL   string            `json:"url"`
	Tag   string            `json:"tag,omitempty"`
	Data  map[string]string `json:"data,omitempty"`
}

// VapidCredentials identify this application server to push relays.
type VapidCredentials struct {
	PublicKey  string
	PrivateKey string
	Subscriber string
}
