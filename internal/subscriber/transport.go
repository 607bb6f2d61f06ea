// Package subscriber implements spec.md §4.4's subscriber variants: the
// long-poll, interval-poll, eventsource, http-chunked, http-multipart and
// websocket transports a GET request can be served by, plus the resume-
// point selection shared by all of them.
package subscriber

import (
	"net/http"
	"strings"

	"github.com/odin-ws/broker/internal/config"
)

// Transport is one of the subscriber wire formats, ordered by detection
// priority (spec.md §4.4: "eventsource > chunked > multipart >
// interval-poll > long-poll").
type Transport int

const (
	TransportNone Transport = iota
	TransportWebsocket
	TransportEventsource
	TransportChunked
	TransportMultipart
	TransportIntervalPoll
	TransportLongPoll
	TransportHTTPPublisherFallback
)

// IsWebsocketUpgrade reports whether r carries WebSocket upgrade headers.
func IsWebsocketUpgrade(r *http.Request) bool {
	return headerContainsToken(r.Header, "Connection", "upgrade") &&
		strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

// Detect picks the subscriber transport for r under loc's enabled
// transports, per spec.md §4.4/§4.6's fixed priority order. It returns
// TransportNone if no enabled transport matches and
// TransportHTTPPublisherFallback if nothing else applies but the
// location allows GET-as-publisher fallback.
func Detect(r *http.Request, loc *config.LocationConfig, allowHTTPPublisherFallback bool) Transport {
	if IsWebsocketUpgrade(r) && loc.WebsocketEnabled {
		return TransportWebsocket
	}
	if loc.EventsourceEnabled && acceptsMediaType(r, "text/event-stream") {
		return TransportEventsource
	}
	if loc.ChunkedEnabled && wantsChunked(r) {
		return TransportChunked
	}
	if loc.MultipartEnabled && acceptsMediaType(r, "multipart/") {
		return TransportMultipart
	}
	if loc.IntervalPollEnabled && r.URL.Query().Get("interval") != "" {
		return TransportIntervalPoll
	}
	if loc.LongPollEnabled {
		return TransportLongPoll
	}
	if allowHTTPPublisherFallback {
		return TransportHTTPPublisherFallback
	}
	return TransportNone
}

// wantsChunked recognizes the explicit client indication spec.md §4.4
// calls for: an X-Accel-Buffering: no header, or an explicit
// Transfer-Encoding request for chunked responses via query parameter
// (nginx itself negotiates this via a special header rather than
// Accept, since chunked is a transport framing, not a media type).
func wantsChunked(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("X-Accel-Buffering"), "no") ||
		r.URL.Query().Get("chunked") == "1"
}

func acceptsMediaType(r *http.Request, mediaType string) bool {
	return strings.Contains(r.Header.Get("Accept"), mediaType)
}

// WantsGzip reports whether r's client accepts a gzip-encoded response
// body, used to decide whether a streaming transport's frames should be
// compressed.
func WantsGzip(r *http.Request) bool {
	return headerContainsToken(r.Header, "Accept-Encoding", "gzip")
}

// Preflight implements spec.md §6's CORS OPTIONS response for the
// subscriber surface, distinct from the publisher's method/header lists
// (§8 scenario 5: "GET, OPTIONS" at 200, not the publisher's 204 with
// the full CRUD set).
func Preflight(w http.ResponseWriter, loc *config.LocationConfig) {
	w.Header().Set("Access-Control-Allow-Origin", loc.AllowOrigin)
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	if len(loc.CORSAllowHeaders) > 0 {
		w.Header().Set("Access-Control-Allow-Headers", strings.Join(loc.CORSAllowHeaders, ", "))
	}
	w.WriteHeader(http.StatusOK)
}

func headerContainsToken(h http.Header, name, token string) bool {
	for _, v := range h.Values(name) {
		for _, tok := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(tok), token) {
				return true
			}
		}
	}
	return false
}
