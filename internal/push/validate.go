package push

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/tinywideclouds/go-webpush-service/pkg/notification"
)

var (
	// ErrInvalidSubscription rejects a malformed endpoint or key set.
	ErrInvalidSubscription = errors.New("invalid subscription")
	// ErrInvalidNotification rejects a notification without title or body.
	ErrInvalidNotification = errors.New("invalid notification")
)

const (
	maxEndpointLength = 2048
	p256dhLength      = 65 // uncompressed P-256 point
	authSecretLength  = 16
)

// NormalizeSubscription checks the browser supplied subscription and returns
// the keys re-encoded as unpadded base64url.
func NormalizeSubscription(userID, endpoint string, keys notification.Keys) (notification.Keys, error) {
	if strings.TrimSpace(userID) == "" {
		return notification.Keys{}, fmt.Errorf("%w: missing user id", ErrInvalidSubscription)
	}
	if len(endpoint) > maxEndpointLength {
		return notification.Keys{}, fmt.Errorf("%w: endpoint too long", ErrInvalidSubscription)
	}
	u, err := url.Parse(endpoint)
	if err != nil || !u.IsAbs() || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
		return notification.Keys{}, fmt.Errorf("%w: endpoint must be an absolute http(s) URL", ErrInvalidSubscription)
	}

	p256dh, err := decodeKey(keys.P256dh)
	if err != nil || len(p256dh) != p256dhLength || p256dh[0] != 0x04 {
		return notification.Keys{}, fmt.Errorf("%w: p256dh must be an uncompressed P-256 public key", ErrInvalidSubscription)
	}
	auth, err := decodeKey(keys.Auth)
	if err != nil || len(auth) != authSecretLength {
		return notification.Keys{}, fmt.Errorf("%w: auth secret must be %d bytes", ErrInvalidSubscription, authSecretLength)
	}

	return notification.Keys{
		P256dh: base64.RawURLEncoding.EncodeToString(p256dh),
		Auth:   base64.RawURLEncoding.EncodeToString(auth),
	}, nil
}

// decodeKey accepts base64url or standard base64, padded or not.
func decodeKey(s string) ([]byte, error) {
	s = strings.TrimRight(strings.TrimSpace(s), "=")
	if s == "" {
		return nil, errors.New("empty key")
	}
	if b, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawStdEncoding.DecodeString(s)
}

func validateMessage(msg Message) error {
	if strings.TrimSpace(msg.Title) == "" {
		return fmt.Errorf("%w: missing title", ErrInvalidNotification)
	}
	if strings.TrimSpace(msg.Body) == "" {
		return fmt.Errorf("%w: missing body", ErrInvalidNotification)
	}
	return nil
}
