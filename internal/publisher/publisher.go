// Package publisher implements spec.md §4.5's publish-handler state
// machine: authorization, method dispatch, body coalescing and
// channel-info responses. Channel ID resolution (§4.5 step 1) is the
// dispatcher's concern (spec.md §4.6); Handle receives an already
// resolved chanid.ID.
package publisher

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/odin-ws/broker/internal/brokererr"
	"github.com/odin-ws/broker/internal/chanid"
	"github.com/odin-ws/broker/internal/channelinfo"
	"github.com/odin-ws/broker/internal/config"
	"github.com/odin-ws/broker/internal/event"
	"github.com/odin-ws/broker/internal/message"
	"github.com/odin-ws/broker/internal/ratelimit"
	"github.com/odin-ws/broker/internal/store"
)

// Handler implements the publisher state machine against a storage
// engine, emitting meta events for publish/delete through events.
type Handler struct {
	engine        store.Engine
	events        *event.Broadcaster
	authClient    *http.Client
	bufferTimeout time.Duration
	publishRate   *ratelimit.PerChannel
	logger        zerolog.Logger
}

// New builds a Handler. bufferTimeout sets the buffer_timeout applied to
// every published message (spec.md §3's Message entry). publishRate, if
// non-nil, caps publish requests per channel id; a nil limiter means
// unlimited, matching a location with no configured rate.
func New(engine store.Engine, events *event.Broadcaster, bufferTimeout time.Duration, publishRate *ratelimit.PerChannel, logger zerolog.Logger) *Handler {
	return &Handler{
		engine:        engine,
		events:        events,
		authClient:    &http.Client{Timeout: 5 * time.Second},
		bufferTimeout: bufferTimeout,
		publishRate:   publishRate,
		logger:        logger,
	}
}

// Handle dispatches r against id per loc's configuration, implementing
// spec.md §4.5 steps 2-4 (auth, method dispatch, body handling).
func (h *Handler) Handle(w http.ResponseWriter, r *http.Request, id chanid.ID, loc *config.LocationConfig) {
	ctx := r.Context()

	if r.Method == http.MethodOptions {
		h.preflight(w, loc)
		return
	}

	if loc.AuthRequestURL != "" {
		if err := h.authorize(ctx, loc); err != nil {
			h.writeError(w, err)
			return
		}
	}

	switch r.Method {
	case http.MethodGet:
		h.handleGet(w, r, id)
	case http.MethodPost, http.MethodPut:
		h.handlePublish(w, r, id)
	case http.MethodDelete:
		h.handleDelete(w, r, id)
	default:
		h.writeError(w, brokererr.New(brokererr.MethodForbidden, "method %s not permitted on this location", r.Method))
	}
}

// authorize issues the configured auth sub-request, returning nil on a
// 2xx response. 3xx/4xx/5xx map to AuthDenied; a request failure (DNS,
// connect, timeout) maps to StorageError's 500-class sibling via a
// generic wrap, since it is not the caller's fault.
func (h *Handler) authorize(ctx context.Context, loc *config.LocationConfig) error {
	client := h.authClient
	if !loc.FollowAuthRedirects {
		noRedirect := *h.authClient
		noRedirect.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
		client = &noRedirect
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, loc.AuthRequestURL, nil)
	if err != nil {
		return brokererr.Wrap(brokererr.AllocFailure, err, "build auth sub-request")
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("auth sub-request to %s failed: %w", loc.AuthRequestURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return brokererr.New(brokererr.AuthDenied, "auth sub-request returned %d", resp.StatusCode)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request, id chanid.ID) {
	stats, ok, err := h.engine.FindChannel(r.Context(), id)
	if err != nil {
		h.writeError(w, brokererr.Wrap(brokererr.StorageError, err, "find channel"))
		return
	}
	if !ok {
		h.writeError(w, brokererr.New(brokererr.NoChannelID, "channel does not exist"))
		return
	}
	h.writeChannelInfo(w, r, stats, http.StatusOK)
}

func (h *Handler) handlePublish(w http.ResponseWriter, r *http.Request, id chanid.ID) {
	if h.publishRate != nil && !h.publishRate.Allow(id.String()) {
		http.Error(w, "publish rate limit exceeded for this channel", http.StatusTooManyRequests)
		return
	}

	payload, err := message.CoalesceBody(r.Body, r.ContentLength)
	if err != nil {
		h.writeError(w, brokererr.Wrap(brokererr.BodyIOError, err, "read publish body"))
		return
	}

	contentType := r.Header.Get("Content-Type")
	msg := message.New(contentType, payload, time.Now(), h.bufferTimeout)

	result, err := h.engine.Publish(r.Context(), id, msg)
	if err != nil {
		h.writeError(w, brokererr.Wrap(brokererr.StorageError, err, "publish"))
		return
	}

	status := http.StatusAccepted
	if result.Status == store.StatusReceived {
		status = http.StatusCreated
	}
	h.events.Emit(r.Context(), event.ChannelPublish, id.String(), msg.Prior, msg.ID)
	h.writeChannelInfo(w, r, result.Stats, status)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request, id chanid.ID) {
	stats, ok, err := h.engine.DeleteChannel(r.Context(), id)
	if err != nil {
		h.writeError(w, brokererr.Wrap(brokererr.StorageError, err, "delete channel"))
		return
	}
	if !ok {
		h.writeError(w, brokererr.New(brokererr.NoChannelID, "channel does not exist"))
		return
	}
	h.events.Emit(r.Context(), event.ChannelDelete, id.String(), stats.LastMsgID, stats.LastMsgID)
	h.writeChannelInfo(w, r, stats, http.StatusOK)
}

// preflight implements spec.md §6's CORS OPTIONS response for the
// publisher surface.
func (h *Handler) preflight(w http.ResponseWriter, loc *config.LocationConfig) {
	w.Header().Set("Access-Control-Allow-Origin", loc.AllowOrigin)
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	if len(loc.CORSAllowHeaders) > 0 {
		w.Header().Set("Access-Control-Allow-Headers", strings.Join(loc.CORSAllowHeaders, ", "))
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) writeChannelInfo(w http.ResponseWriter, r *http.Request, stats channelinfo.Stats, status int) {
	format := channelinfo.Negotiate(r.Header.Get("Accept"))
	body, err := channelinfo.Render(format, stats, time.Now())
	if err != nil {
		h.writeError(w, brokererr.Wrap(brokererr.StorageError, err, "render channel info"))
		return
	}
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := brokererr.HTTPStatus(err)
	h.logger.Error().Err(err).Int("status", status).Msg("publisher request failed")
	http.Error(w, err.Error(), status)
}
