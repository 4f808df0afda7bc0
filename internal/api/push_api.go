package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
	"github.com/tinywideclouds/go-microservice-base/pkg/response"

	"github.com/tinywideclouds/go-webpush-service/internal/push"
	"github.com/tinywideclouds/go-webpush-service/pkg/notification"
)

// Engine is the part of push.Engine the handlers need.
type Engine interface {
	Subscribe(ctx context.Context, userID, endpoint string, keys notification.Keys) (*push.Response, error)
	Unsubscribe(ctx context.Context, userID, endpoint string) (*push.Response, error)
	Broadcast(ctx context.Context, msg push.Message) (*push.Response, error)
	SendToUser(ctx context.Context, userID string, msg push.Message) (*push.Response, error)
	GetHistory(ctx context.Context, page, pageSize int) (*push.Response, error)
	VapidPublicKey() string
}

type PushAPI struct {
	Engine Engine
	Logger *slog.Logger
}

func NewPushAPI(engine Engine, logger *slog.Logger) *PushAPI {
	return &PushAPI{
		Engine: engine,
		Logger: logger,
	}
}

// SubscribeRequest is the browser's PushSubscription.toJSON() shape.
type SubscribeRequest struct {
	Endpoint string            `json:"endpoint"`
	Keys     notification.Keys `json:"keys"`
}

type UnsubscribeRequest struct {
	Endpoint string `json:"endpoint"`
}

type NotificationRequest struct {
	Title     string `json:"title"`
	Body      string `json:"body"`
	Icon      string `json:"icon,omitempty"`
	URL       string `json:"url,omitempty"`
	Tag       string `json:"tag,omitempty"`
	ContentID string `json:"content_id,omitempty"`
	// UserID is only read by SendToUser.
	UserID string `json:"user_id,omitempty"`
}

func (r NotificationRequest) message() push.Message {
	return push.Message{
		Title:     r.Title,
		Body:      r.Body,
		Icon:      r.Icon,
		URL:       r.URL,
		Tag:       r.Tag,
		ContentID: r.ContentID,
	}
}

type VapidKeyResponse struct {
	PublicKey string `json:"public_key"`
}

func (api *PushAPI) VapidPublicKey(w http.ResponseWriter, _ *http.Request) {
	key := api.Engine.VapidPublicKey()
	if key == "" {
		response.WriteJSONError(w, http.StatusServiceUnavailable, "push is not configured")
		return
	}
	writeJSON(w, http.StatusOK, VapidKeyResponse{PublicKey: key})
}

func (api *PushAPI) Subscribe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := middleware.GetUserHandleFromContext(ctx)
	if !ok {
		response.WriteJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req SubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.Logger.Warn("Subscribe: JSON Decode failed", "err", err)
		response.WriteJSONError(w, http.StatusBadRequest, "invalid subscription json")
		return
	}

	resp, err := api.Engine.Subscribe(ctx, userID, req.Endpoint, req.Keys)
	if err != nil {
		api.writeError(w, "Subscribe", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (api *PushAPI) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := middleware.GetUserHandleFromContext(ctx)
	if !ok {
		response.WriteJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req UnsubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.Logger.Warn("Unsubscribe: JSON Decode failed", "err", err)
		response.WriteJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}

	resp, err := api.Engine.Unsubscribe(ctx, userID, req.Endpoint)
	if err != nil {
		api.writeError(w, "Unsubscribe", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (api *PushAPI) Broadcast(w http.ResponseWriter, r *http.Request) {
	var req NotificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}

	resp, err := api.Engine.Broadcast(r.Context(), req.message())
	if err != nil {
		api.writeError(w, "Broadcast", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (api *PushAPI) SendToUser(w http.ResponseWriter, r *http.Request) {
	var req NotificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}

	resp, err := api.Engine.SendToUser(r.Context(), req.UserID, req.message())
	if err != nil {
		api.writeError(w, "SendToUser", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (api *PushAPI) History(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, err := optionalInt(q.Get("page"))
	if err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "page must be an integer")
		return
	}
	pageSize, err := optionalInt(q.Get("page_size"))
	if err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "page_size must be an integer")
		return
	}

	resp, err := api.Engine.GetHistory(r.Context(), page, pageSize)
	if err != nil {
		api.writeError(w, "History", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (api *PushAPI) writeError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, push.ErrInvalidSubscription), errors.Is(err, push.ErrInvalidNotification):
		api.Logger.Warn(op+": Validation failed", "err", err)
		response.WriteJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		api.Logger.Warn(op+": Request abandoned", "err", err)
		response.WriteJSONError(w, http.StatusServiceUnavailable, "request cancelled")
	default:
		api.Logger.Error(op+": failed", "err", err)
		response.WriteJSONError(w, http.StatusInternalServerError, "storage failed")
	}
}

func optionalInt(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
