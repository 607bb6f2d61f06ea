// Package event implements spec.md §4.8: the meta-channel broadcaster.
// When a meta-channel is configured, each lifecycle event is serialized
// and published under "meta/<configured-id>" with a fixed, small
// retention policy — event history is not meant to be replayed at
// length, just observed live.
//
// Grounded on the original's own event-name vocabulary
// (nchan_pubsub_handler / nchan_stub_status_handler use the same
// subscriber_enqueue/dequeue/receive_message/receive_status and
// channel_publish/channel_delete names); there is no single function in
// nchan_module.c that does this broadcast — it is threaded through
// nchan_store.h callbacks — so this package collects that behavior into
// one place as spec.md §4.8 describes it.
package event

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/odin-ws/broker/internal/chanid"
	"github.com/odin-ws/broker/internal/message"
	"github.com/odin-ws/broker/internal/msgid"
	"github.com/odin-ws/broker/internal/store"
)

// Name is one of spec.md §4.8's six event kinds.
type Name string

const (
	SubscriberEnqueue       Name = "subscriber_enqueue"
	SubscriberDequeue       Name = "subscriber_dequeue"
	SubscriberReceiveMsg    Name = "subscriber_receive_message"
	SubscriberReceiveStatus Name = "subscriber_receive_status"
	ChannelPublish          Name = "channel_publish"
	ChannelDelete           Name = "channel_delete"
)

// MetaBufferTimeout and MetaChannelTimeout are the meta-channel
// retention values: 10s buffer and 30s channel idle timeout. Emit sets
// MetaBufferTimeout as the expiry of every event message it publishes;
// MetaChannelTimeout is not applied by Broadcaster, so meta-channels
// share the idle sweep of the engine they are published to.
const (
	MetaBufferTimeout  = 10 * time.Second
	MetaChannelTimeout = 30 * time.Second
)

// Templater evaluates a configured payload template for a given event,
// with access to the channel id(s) and message ids involved. Template
// evaluation itself is the embedding server's concern (complex-value
// interpolation, same as chanid.Resolver); Broadcaster only defines
// when and where the result gets published.
type Templater func(ev Name, channelID string, prev, current msgid.ID) []byte

// Broadcaster publishes lifecycle events to a configured meta-channel.
type Broadcaster struct {
	engine   store.Engine
	metaID   string // e.g. "meta/room1"
	template Templater
	logger   zerolog.Logger
}

// New builds a Broadcaster. metaID is the fully-resolved meta-channel id
// ("meta/<configured-id>"). For locations with no meta-channel
// configured, use NewDisabled, whose Broadcaster drops every event.
func New(engine store.Engine, metaID string, tpl Templater, logger zerolog.Logger) *Broadcaster {
	return &Broadcaster{engine: engine, metaID: metaID, template: tpl, logger: logger}
}

// NewDisabled returns a Broadcaster whose Emit is a no-op, for locations
// with no meta-channel configured.
func NewDisabled() *Broadcaster {
	return &Broadcaster{}
}

// Emit publishes ev to the meta-channel. Failures are logged, never
// propagated: spec.md §4.8 requires that event-publication failures
// never affect the triggering operation.
func (b *Broadcaster) Emit(ctx context.Context, ev Name, channelID string, prev, current msgid.ID) {
	if b == nil || b.engine == nil || b.metaID == "" {
		return
	}

	var payload []byte
	if b.template != nil {
		payload = b.template(ev, channelID, prev, current)
	}

	msg := message.New("application/json", payload, time.Now(), MetaBufferTimeout)
	id := chanid.Build([]string{b.metaID})
	if _, err := b.engine.Publish(ctx, id, msg); err != nil {
		b.logger.Error().Err(err).
			Str("event", string(ev)).
			Str("channel", channelID).
			Msg("meta-channel event publish failed; triggering operation unaffected")
	}
}
