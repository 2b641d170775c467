package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/TechSquidTV/Hermes/events"
	"github.com/TechSquidTV/Hermes/models"
	"github.com/TechSquidTV/Hermes/tokens"
	"github.com/TechSquidTV/Hermes/web/auth"
)

// CreateToken handles POST /api/v1/events/token.
func (h *EventHandlers) CreateToken(w http.ResponseWriter, r *http.Request) {
	userID, err := auth.GetUserID(r.Context())
	if err != nil {
		renderError(w, http.StatusUnauthorized, "User not authenticated")
		return
	}

	var req models.CreateTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		renderError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	ttl := time.Duration(req.TTL) * time.Second
	if req.TTL == 0 {
		ttl = tokens.DefaultTTL
	}

	tok, err := h.Deps.Tokens.Issue(r.Context(), userID, req.Scope, ttl)
	if err != nil {
		switch {
		case tokens.IsMalformed(err):
			renderError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, tokens.ErrJobNotFound):
			renderError(w, http.StatusNotFound, err.Error())
		default:
			h.Deps.Logger.Error("failed to issue stream token", zap.String("user_id", userID), zap.Error(err))
			renderError(w, http.StatusInternalServerError, "Failed to create stream token")
		}

		return
	}

	renderJSON(w, http.StatusCreated, models.TokenResponse{
		Token:       tok.Token,
		ExpiresAt:   tok.ExpiresAt,
		Scope:       tok.Scope,
		Permissions: tok.Permissions,
		TTL:         int(ttl.Seconds()),
	})
}

// RevokeTokens handles DELETE /api/v1/events/token.
func (h *EventHandlers) RevokeTokens(w http.ResponseWriter, r *http.Request) {
	userID, err := auth.GetUserID(r.Context())
	if err != nil {
		renderError(w, http.StatusUnauthorized, "User not authenticated")
		return
	}

	n, err := h.Deps.Tokens.Revoke(r.Context(), userID, r.URL.Query().Get("scope_prefix"))
	if err != nil {
		h.Deps.Logger.Error("failed to revoke stream tokens", zap.String("user_id", userID), zap.Error(err))
		renderError(w, http.StatusInternalServerError, "Failed to revoke stream tokens")

		return
	}

	renderJSON(w, http.StatusOK, models.RevokeTokensResponse{Revoked: n})
}

// Stream handles GET /api/v1/events/stream. The token's scope narrows the
// requested channels.
func (h *EventHandlers) Stream(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	tok, ok := h.authenticate(w, r, "")
	if !ok {
		return
	}

	channels, err := parseChannels(q.Get("channels"))
	if err != nil {
		renderError(w, http.StatusBadRequest, err.Error())
		return
	}

	var filter events.Filter
	if id := q.Get("download_id"); id != "" {
		filter = events.Filter{"download_id": id}
	}

	scope, err := tokens.ParseScope(tok.Scope)
	if err != nil {
		renderError(w, http.StatusForbidden, err.Error())
		return
	}

	switch scope.Kind {
	case tokens.ScopeDownload:
		channels = []string{models.ChannelDownloadUpdates}
		filter = events.Filter{"download_id": scope.DownloadID}
	case tokens.ScopeQueue:
		channels = []string{models.ChannelQueueUpdates}
	case tokens.ScopeSystem:
		channels = []string{models.ChannelSystemNotifications}
	}

	h.Deps.Logger.Info("event stream opened",
		zap.String("user_id", tok.PrincipalID),
		zap.String("scope", tok.Scope),
		zap.Strings("channels", channels),
	)

	serveStream(w, r, h.Deps.Streams, h.Deps.Logger, channels, filter)
}

// DownloadStream handles GET /api/v1/events/downloads/{id}.
func (h *EventHandlers) DownloadStream(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if _, ok := h.authenticate(w, r, tokens.DownloadScope(id)); !ok {
		return
	}

	serveStream(w, r, h.Deps.Streams, h.Deps.Logger,
		[]string{models.ChannelDownloadUpdates}, events.Filter{"download_id": id})
}

// QueueStream handles GET /api/v1/events/queue.
func (h *EventHandlers) QueueStream(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authenticate(w, r, tokens.ScopeQueue); !ok {
		return
	}

	serveStream(w, r, h.Deps.Streams, h.Deps.Logger, []string{models.ChannelQueueUpdates}, nil)
}

// Health handles GET /api/v1/events/health.
func (h *EventHandlers) Health(w http.ResponseWriter, _ *http.Request) {
	renderJSON(w, http.StatusOK, models.StreamHealthResponse{
		ActiveConnections: h.Deps.Streams.ActiveConnections(),
		MaxConnections:    h.Deps.Streams.MaxConnections(),
		HeartbeatInterval: h.Deps.Streams.HeartbeatInterval().Seconds(),
	})
}

// authenticate validates the token query parameter. An empty required scope
// accepts any scope. On failure the response has been written.
func (h *EventHandlers) authenticate(w http.ResponseWriter, r *http.Request, required string) (models.Token, bool) {
	token := r.URL.Query().Get("token")
	if token == "" {
		renderError(w, http.StatusUnauthorized, "Stream token required")
		return models.Token{}, false
	}

	var (
		tok models.Token
		err error
	)

	if required == "" {
		tok, err = h.Deps.Tokens.Authenticate(r.Context(), token)
	} else {
		tok, err = h.Deps.Tokens.Validate(r.Context(), token, required)
	}

	switch {
	case err == nil:
		return tok, true
	case tokens.IsAuthentication(err):
		renderError(w, http.StatusUnauthorized, "Invalid or expired stream token")
	case errors.Is(err, tokens.ErrInsufficientScope):
		renderError(w, http.StatusForbidden, err.Error())
	default:
		h.Deps.Logger.Error("failed to validate stream token", zap.Error(err))
		renderError(w, http.StatusInternalServerError, "Failed to validate stream token")
	}

	return models.Token{}, false
}

func parseChannels(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return append([]string(nil), models.AllChannels...), nil
	}

	known := make(map[string]bool, len(models.AllChannels))
	for _, c := range models.AllChannels {
		known[c] = true
	}

	var channels []string

	for _, c := range strings.Split(raw, ",") {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}

		if !known[c] {
			return nil, fmt.Errorf("unknown channel %q", c)
		}

		channels = append(channels, c)
	}

	if len(channels) == 0 {
		return append([]string(nil), models.AllChannels...), nil
	}

	return channels, nil
}
