// Package dispatcher implements spec.md §4.6's pub/sub entry point:
// request-context allocation, Origin validation, channel ID resolution,
// and transport branching across the subscriber and publisher handlers.
package dispatcher

import (
	"net/http"
	"net/url"

	"github.com/rs/zerolog"

	"github.com/odin-ws/broker/internal/admission"
	"github.com/odin-ws/broker/internal/brokererr"
	"github.com/odin-ws/broker/internal/chanid"
	"github.com/odin-ws/broker/internal/config"
	"github.com/odin-ws/broker/internal/event"
	"github.com/odin-ws/broker/internal/msgid"
	"github.com/odin-ws/broker/internal/publisher"
	"github.com/odin-ws/broker/internal/ratelimit"
	"github.com/odin-ws/broker/internal/reqctx"
	"github.com/odin-ws/broker/internal/store"
	"github.com/odin-ws/broker/internal/subscriber"
)

// WebsocketSendBuffer bounds a websocket subscriber's outbound queue
// before it is treated as a slow consumer and disconnected.
const WebsocketSendBuffer = 64

// Dispatcher routes requests for one location to the subscriber or
// publisher handler, per spec.md §4.6's fixed branching order.
type Dispatcher struct {
	engine    store.Engine
	events    *event.Broadcaster
	publisher *publisher.Handler
	admission *admission.Guard
	connRate  *ratelimit.PerChannel
	logger    zerolog.Logger
}

// New builds a Dispatcher. connRate, if non-nil, caps new subscriber/
// websocket connections per remote address.
func New(engine store.Engine, events *event.Broadcaster, pub *publisher.Handler, guard *admission.Guard, connRate *ratelimit.PerChannel, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{engine: engine, events: events, publisher: pub, admission: guard, connRate: connRate, logger: logger}
}

// ServeHTTP implements spec.md §4.6 for a single location.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request, loc *config.LocationConfig) {
	rc := reqctx.New()
	rc.RequestOrigin = r.Header.Get("Origin")
	rc.Role = reqctxRoleFor(r.Method)

	if !originAllowed(rc.RequestOrigin, loc.AllowOrigin) {
		d.writeError(w, rc, brokererr.New(brokererr.OriginForbidden, "origin %q not allowed", rc.RequestOrigin))
		return
	}

	if d.connRate != nil && !d.connRate.Allow(r.RemoteAddr) {
		http.Error(w, "connection rate limit exceeded for this address", http.StatusTooManyRequests)
		return
	}

	id, err := chanid.Resolve(loc.ChannelID, chanidRoleFor(r.Method), queryResolver(r))
	if err != nil {
		d.writeError(w, rc, err)
		return
	}
	rc.ChannelID = id

	if subscriber.IsWebsocketUpgrade(r) && loc.WebsocketEnabled {
		d.serveWebsocket(w, r, loc, rc)
		return
	}

	if r.Method == http.MethodGet {
		if kind := subscriber.Detect(r, loc, true); kind != subscriber.TransportNone && kind != subscriber.TransportHTTPPublisherFallback {
			d.serveSubscriber(w, r, loc, rc, kind)
			return
		}
	}

	// CORS preflight (spec.md §6, §8 scenario 5) advertises different
	// method/header lists for a subscriber location than a publisher one;
	// route it before the publisher fallback below so a subscriber-only
	// location never answers with the publisher's CRUD method list.
	if r.Method == http.MethodOptions && loc.HasSubscriberTransport() {
		subscriber.Preflight(w, loc)
		return
	}

	switch r.Method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions:
		d.publisher.Handle(w, r, id, loc)
	default:
		d.writeError(w, rc, brokererr.New(brokererr.MethodForbidden, "method %s not permitted", r.Method))
	}
}

func (d *Dispatcher) serveSubscriber(w http.ResponseWriter, r *http.Request, loc *config.LocationConfig, rc *reqctx.Context, kind subscriber.Transport) {
	if d.admission != nil {
		if ok, reason := d.admission.ShouldAcceptConnection(); !ok {
			http.Error(w, "server overloaded: "+reason, http.StatusServiceUnavailable)
			return
		}
	}

	rc.PreviousMsgID = subscriber.ResumePoint(r, loc.MsgInEtagOnly, resolveTemplateIDs(r, loc.LastMsgIDTemplates), loc.SubscriberStartAtOldest)
	id := rc.ChannelID

	err := subscriber.Serve(r.Context(), d.engine, id, kind, w, rc.PreviousMsgID, loc.MsgInEtagOnly, subscriber.WantsGzip(r), subscriber.Hooks{
		OnEnqueue: func() {
			d.events.Emit(r.Context(), event.SubscriberEnqueue, id.String(), rc.PreviousMsgID, rc.PreviousMsgID)
		},
		OnDequeue: func() {
			d.events.Emit(r.Context(), event.SubscriberDequeue, id.String(), rc.PreviousMsgID, rc.PreviousMsgID)
		},
		OnReceiveMsg: func(prev, current msgid.ID) {
			d.events.Emit(r.Context(), event.SubscriberReceiveMsg, id.String(), prev, current)
		},
		OnReceiveStatus: func(code int) {
			d.events.Emit(r.Context(), event.SubscriberReceiveStatus, id.String(), rc.PreviousMsgID, rc.PreviousMsgID)
		},
	})
	if err != nil {
		d.logger.Error().Err(err).Str("correlation_id", rc.CorrelationID.String()).
			Str("channel", id.String()).Msg("subscriber stream ended with error")
	}
}

func (d *Dispatcher) serveWebsocket(w http.ResponseWriter, r *http.Request, loc *config.LocationConfig, rc *reqctx.Context) {
	if d.admission != nil {
		if ok, reason := d.admission.ShouldAcceptConnection(); !ok {
			http.Error(w, "server overloaded: "+reason, http.StatusServiceUnavailable)
			return
		}
	}

	id := rc.ChannelID
	rc.PreviousMsgID = subscriber.ResumePoint(r, loc.MsgInEtagOnly, resolveTemplateIDs(r, loc.LastMsgIDTemplates), loc.SubscriberStartAtOldest)
	sub, err := subscriber.UpgradeWebsocket(w, r, rc.PreviousMsgID, WebsocketSendBuffer, d.logger)
	if err != nil {
		d.logger.Error().Err(err).Str("correlation_id", rc.CorrelationID.String()).Msg("websocket upgrade failed")
		return
	}
	sub.SetDequeueHook(func() {
		d.events.Emit(r.Context(), event.SubscriberDequeue, id.String(), rc.PreviousMsgID, rc.PreviousMsgID)
	})
	sub.SetReceiveHooks(
		func(prev, current msgid.ID) {
			d.events.Emit(r.Context(), event.SubscriberReceiveMsg, id.String(), prev, current)
		},
		func(code int) {
			d.events.Emit(r.Context(), event.SubscriberReceiveStatus, id.String(), rc.PreviousMsgID, rc.PreviousMsgID)
		},
	)
	d.events.Emit(r.Context(), event.SubscriberEnqueue, id.String(), rc.PreviousMsgID, rc.PreviousMsgID)

	go sub.ReadLoop(r.Context())
	if err := d.engine.Subscribe(r.Context(), id, sub); err != nil && r.Context().Err() == nil {
		d.logger.Error().Err(err).Str("correlation_id", rc.CorrelationID.String()).
			Str("channel", id.String()).Msg("websocket subscribe ended with error")
	}
}

func chanidRoleFor(method string) chanid.Role {
	if method == http.MethodGet {
		return chanid.RoleSubscriber
	}
	return chanid.RolePublisher
}

func reqctxRoleFor(method string) reqctx.PublisherType {
	if method == http.MethodGet {
		return reqctx.RoleSubscriber
	}
	return reqctx.RolePublisher
}

// queryResolver evaluates a channel-id template name against the
// request's query parameters. Real nginx-style "complex value"
// interpolation is out of scope (spec.md §1); this is the minimal
// concrete Resolver needed to drive chanid.Resolve from an HTTP request.
func queryResolver(r *http.Request) chanid.Resolver {
	return func(name string) (string, bool) {
		v := r.URL.Query().Get(name)
		return v, v != ""
	}
}

// resolveTemplateIDs evaluates loc's configured last-message-id
// templates (spec.md §4.4 step 3) against r's query parameters, in the
// same complex-value style as channel-id template resolution: each name
// is looked up directly as a query parameter, skipped if absent.
func resolveTemplateIDs(r *http.Request, templates []string) []string {
	if len(templates) == 0 {
		return nil
	}
	resolve := queryResolver(r)
	ids := make([]string, 0, len(templates))
	for _, name := range templates {
		if v, ok := resolve(name); ok {
			ids = append(ids, v)
		}
	}
	return ids
}

func originAllowed(origin, allowed string) bool {
	if allowed == "" || allowed == "*" {
		return true
	}
	if origin == "" {
		return true // no Origin header: not a cross-origin request
	}
	u, err := url.Parse(origin)
	if err != nil {
		return origin == allowed
	}
	return origin == allowed || u.Host == allowed
}

func (d *Dispatcher) writeError(w http.ResponseWriter, rc *reqctx.Context, err error) {
	status := brokererr.HTTPStatus(err)
	d.logger.Error().Err(err).Int("status", status).
		Str("correlation_id", rc.CorrelationID.String()).Msg("dispatch failed")
	http.Error(w, err.Error(), status)
}
