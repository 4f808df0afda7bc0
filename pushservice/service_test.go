package pushservice_test

import (
	"bytes"
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"

	"github.com/tinywideclouds/go-webpush-service/internal/push"
	"github.com/tinywideclouds/go-webpush-service/internal/storage/memory"
	"github.com/tinywideclouds/go-webpush-service/pkg/dispatch"
	"github.com/tinywideclouds/go-webpush-service/pkg/notification"
	"github.com/tinywideclouds/go-webpush-service/pushservice"
	"github.com/tinywideclouds/go-webpush-service/pushservice/config"
)

// recordingTransport accepts every send and remembers the endpoints.
type recordingTransport struct {
	mu        sync.Mutex
	endpoints []string
}

func (r *recordingTransport) Send(_ context.Context, sub notification.Subscription, _ []byte, _ notification.VapidCredentials) notification.Delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endpoints = append(r.endpoints, sub.Endpoint)
	return notification.Delivery{SubscriptionID: sub.ID, Outcome: notification.Delivered, StatusCode: http.StatusCreated}
}

func (r *recordingTransport) Endpoints() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.endpoints...)
}

func newEngine(store *memory.Store, transport dispatch.Transport) *push.Engine {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	d := push.NewDispatcher(store, store, transport, push.DispatcherConfig{
		Credentials: notification.VapidCredentials{PublicKey: "BTestKey"},
	}, logger)
	return push.NewEngine(store, store, d, logger)
}

func browserKeys(t *testing.T) notification.Keys {
	t.Helper()
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)
	auth := make([]byte, 16)
	_, err = rand.Read(auth)
	require.NoError(t, err)
	return notification.Keys{
		P256dh: base64.RawURLEncoding.EncodeToString(priv.PublicKey().Bytes()),
		Auth:   base64.RawURLEncoding.EncodeToString(auth),
	}
}

// fakeAuth trusts the X-Test-User header in place of a JWT.
func fakeAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := r.Header.Get("X-Test-User")
		if user == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(middleware.ContextWithUserID(r.Context(), user)))
	})
}

func TestService_Routes(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.New()
	transport := &recordingTransport{}

	svc, err := pushservice.New(&config.Config{ListenAddr: ":0"}, nil, newEngine(store, transport), fakeAuth, logger)
	require.NoError(t, err)
	mux := svc.Mux()

	do := func(method, path, user string, body []byte) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, bytes.NewReader(body))
		if user != "" {
			req.Header.Set("X-Test-User", user)
		}
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, req)
		return w
	}

	t.Run("VAPID key is public", func(t *testing.T) {
		w := do(http.MethodGet, "/api/v1/vapid-public-key", "", nil)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "BTestKey")
	})

	t.Run("Registration requires auth", func(t *testing.T) {
		w := do(http.MethodPost, "/api/v1/register/web", "", []byte(`{}`))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("Subscribe then broadcast", func(t *testing.T) {
		keys := browserKeys(t)
		body, _ := json.Marshal(map[string]any{
			"endpoint": "https://push.example/device-1",
			"keys":     keys,
		})
		w := do(http.MethodPost, "/api/v1/register/web", "u1", body)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		w = do(http.MethodPost, "/api/v1/notifications/broadcast", "admin", []byte(`{"title":"Title A","body":"Body A"}`))
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		var resp push.Response
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.True(t, resp.Success)
		assert.Equal(t, []string{"https://push.example/device-1"}, transport.Endpoints())

		w = do(http.MethodGet, "/api/v1/notifications?page=1", "admin", nil)
		require.Equal(t, http.StatusOK, w.Code)
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		require.Len(t, resp.History.Notifications, 1)
		assert.True(t, resp.History.Notifications[0].IsSent)
	})

	t.Run("Metrics are exposed", func(t *testing.T) {
		w := do(http.MethodGet, "/metrics", "", nil)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "push_deliveries_total")
	})
}
