package subscriber

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/odin-ws/broker/internal/message"
	"github.com/odin-ws/broker/internal/msgid"
)

// HTTP is a store.Subscriber backed by an http.ResponseWriter, used for
// every non-websocket transport. Long-poll and interval-poll are
// one-shot: the first delivered message (or status) ends the request,
// so Serve cancels the subscription after it.
type HTTP struct {
	w         http.ResponseWriter
	flusher   http.Flusher
	last      msgid.ID
	kind      Transport
	oneShot   bool
	etagOnly  bool
	cancel    context.CancelFunc
	onDequeue func()

	onReceiveMsg    func(prev, current msgid.ID)
	onReceiveStatus func(code int)

	gzw *gzip.Writer

	headersSent bool
}

// NewHTTP prepares an HTTP subscriber for kind; the transport's framing
// headers are written with the first response. cancel is called once a one-shot transport has
// delivered its single response, to unblock the storage engine's
// Subscribe call. etagOnly mirrors the location's msg_in_etag_only
// setting (spec.md §4.4 step 1/2) and controls whether a delivered
// message's Etag carries its full compound id or just the active tag.
// gzipEnabled compresses the chunked/eventsource body when the request
// sent Accept-Encoding: gzip; the other transports frame single replies
// or boundary-delimited parts too small to be worth it.
func NewHTTP(w http.ResponseWriter, kind Transport, last msgid.ID, etagOnly, gzipEnabled bool, cancel context.CancelFunc) *HTTP {
	flusher, _ := w.(http.Flusher)
	h := &HTTP{
		w:        w,
		flusher:  flusher,
		last:     last,
		kind:     kind,
		oneShot:  kind == TransportLongPoll || kind == TransportIntervalPoll,
		etagOnly: etagOnly,
		cancel:   cancel,
	}
	if gzipEnabled && (kind == TransportChunked || kind == TransportEventsource) {
		h.gzw = gzip.NewWriter(w)
	}
	return h
}

func (h *HTTP) LastMsgID() msgid.ID { return h.last }

func (h *HTTP) Dequeued() {
	if h.gzw != nil {
		_ = h.gzw.Close()
	}
	if h.onDequeue != nil {
		h.onDequeue()
	}
}

// SetDequeueHook registers a callback invoked once when the engine drops
// this subscriber (used by the dispatcher to emit subscriber_dequeue).
func (h *HTTP) SetDequeueHook(fn func()) { h.onDequeue = fn }

// SetReceiveHooks registers the callbacks backing the
// subscriber_receive_message/subscriber_receive_status meta-events
// (spec.md §4.8). onMsg fires from Respond, onStatus from RespondStatus;
// either may be nil.
func (h *HTTP) SetReceiveHooks(onMsg func(prev, current msgid.ID), onStatus func(code int)) {
	h.onReceiveMsg = onMsg
	h.onReceiveStatus = onStatus
}

// Respond implements store.Subscriber: write msg in the wire format the
// transport expects, then (for one-shot transports) end the subscription.
func (h *HTTP) Respond(msg message.Message) error {
	h.sendHeadersOnce(http.StatusOK, &msg)
	out := h.writer()

	var err error
	switch h.kind {
	case TransportEventsource:
		err = writeEventsource(out, msg)
	case TransportChunked:
		err = writeChunked(out, msg)
	case TransportMultipart:
		err = writeMultipart(out, msg)
	default: // long-poll, interval-poll
		err = writePlain(out, msg)
	}
	if err != nil {
		return err
	}
	if err := h.flush(); err != nil {
		return err
	}
	if h.onReceiveMsg != nil {
		h.onReceiveMsg(msg.Prior, msg.ID)
	}
	if h.oneShot && h.cancel != nil {
		h.cancel()
	}
	return nil
}

// RespondStatus implements store.Subscriber: a status-only response
// (e.g. 304 when a one-shot poll has nothing new to replay).
func (h *HTTP) RespondStatus(code int, text string) error {
	h.sendHeadersOnce(code, nil)
	if text != "" {
		_, _ = fmt.Fprint(h.writer(), text)
	}
	if err := h.flush(); err != nil {
		return err
	}
	if h.onReceiveStatus != nil {
		h.onReceiveStatus(code)
	}
	if h.oneShot && h.cancel != nil {
		h.cancel()
	}
	return nil
}

// writer returns the destination for framed payload bytes: the gzip
// writer when compression is active, the response writer otherwise.
func (h *HTTP) writer() io.Writer {
	if h.gzw != nil {
		return h.gzw
	}
	return h.w
}

// flush drains the gzip writer's internal buffer (a sync flush, not a
// stream close) and then flushes the underlying http.Flusher, so a
// streaming transport delivers each message immediately instead of
// buffering it until the next one arrives.
func (h *HTTP) flush() error {
	if h.gzw != nil {
		if err := h.gzw.Flush(); err != nil {
			return err
		}
	}
	if h.flusher != nil {
		h.flusher.Flush()
	}
	return nil
}

// sendHeadersOnce writes the transport's framing headers plus, when msg
// is a delivered message (not a status-only response), the
// Last-Modified/Etag pair spec.md scenario 1 requires: Last-Modified is
// the message's id time as an HTTP date, Etag is the active tag alone
// under the default resume mode or the full compound id under
// msg_in_etag_only, matching what ResumePoint expects back on request.
func (h *HTTP) sendHeadersOnce(code int, msg *message.Message) {
	if h.headersSent {
		return
	}
	h.headersSent = true
	switch h.kind {
	case TransportEventsource:
		h.w.Header().Set("Content-Type", "text/event-stream")
		h.w.Header().Set("Cache-Control", "no-cache")
	case TransportChunked:
		h.w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	case TransportMultipart:
		h.w.Header().Set("Content-Type", "multipart/mixed; boundary="+multipartBoundary)
	}
	if h.gzw != nil {
		h.w.Header().Set("Content-Encoding", "gzip")
		h.w.Header().Set("Vary", "Accept-Encoding")
	}
	if msg != nil {
		h.w.Header().Set("Last-Modified", time.Unix(msg.ID.Time, 0).UTC().Format(http.TimeFormat))
		h.w.Header().Set("Etag", etagFor(msg.ID, h.etagOnly))
	}
	h.w.WriteHeader(code)
}

// etagFor renders msg's Etag per spec.md §4.4's resume-point chain: the
// default mode pairs Last-Modified with a bare active tag in
// If-None-Match, while msg_in_etag_only expects the full compound id.
func etagFor(id msgid.ID, etagOnly bool) string {
	if etagOnly {
		return `"` + id.Format() + `"`
	}
	tag := id.Tag(id.TagActive)
	return `"` + strconv.FormatInt(int64(tag), 10) + `"`
}

const multipartBoundary = "nchan-boundary"

func writePlain(w io.Writer, msg message.Message) error {
	_, err := w.Write(msg.Payload)
	return err
}

func writeEventsource(w io.Writer, msg message.Message) error {
	_, err := fmt.Fprintf(w, "id: %s\ndata: %s\n\n", msg.ID.Format(), msg.Payload)
	return err
}

func writeChunked(w io.Writer, msg message.Message) error {
	_, err := fmt.Fprintf(w, "%s\n", msg.Payload)
	return err
}

func writeMultipart(w io.Writer, msg message.Message) error {
	_, err := fmt.Fprintf(w, "--%s\r\nContent-Type: %s\r\n\r\n%s\r\n", multipartBoundary, msg.ContentType, msg.Payload)
	return err
}
