// Package reqctx defines the per-request scratch state the dispatcher
// attaches to every inbound request, grounded on nchan_request_ctx_t
// (original_source/nchan_module.c): resolved channel id, CORS origin
// echo, and a benchmark start timestamp (guarded by NCHAN_BENCHMARK in
// the original; always populated here since the cost is negligible and
// metrics wiring wants it unconditionally).
package reqctx

import (
	"time"

	"github.com/google/uuid"

	"github.com/odin-ws/broker/internal/chanid"
	"github.com/odin-ws/broker/internal/msgid"
)

// PublisherType tags which handler resolved the channel id, matching
// the original's SUB/PUB role distinction at resolution time.
type PublisherType int

const (
	RolePublisher PublisherType = iota
	RoleSubscriber
)

// Context is the per-request state threaded through dispatcher,
// publisher and subscriber handling.
type Context struct {
	// CorrelationID identifies this request in logs and in any
	// meta-channel events it triggers.
	CorrelationID uuid.UUID

	// RequestOrigin is the raw Origin header value, echoed back on
	// responses per the CORS handling in spec.md §4.6.
	RequestOrigin string

	ChannelID chanid.ID
	Role      PublisherType

	// PreviousMsgID holds the subscriber's resume point as chosen by
	// ResumePoint. CurrentMsgID is not set by the dispatcher.
	PreviousMsgID msgid.ID
	CurrentMsgID  msgid.ID

	// Started is stamped at context creation, for request-latency
	// metrics (spec.md's AMBIENT STACK logging/metrics wiring).
	Started time.Time
}

// New constructs a Context with a fresh correlation id and start time.
func New() *Context {
	return &Context{
		CorrelationID: uuid.New(),
		Started:       time.Now(),
	}
}

// Elapsed returns the duration since the context was created.
func (c *Context) Elapsed() time.Duration {
	return time.Since(c.Started)
}
