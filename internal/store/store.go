// Package store defines the storage engine contract: spec.md §4.3's
// four capabilities a core-agnostic backend must provide. Two reference
// implementations live alongside this package: store/memory (in
// process) and store/nats (cross-worker, over NATS).
package store

import (
	"context"

	"github.com/odin-ws/broker/internal/chanid"
	"github.com/odin-ws/broker/internal/channelinfo"
	"github.com/odin-ws/broker/internal/message"
	"github.com/odin-ws/broker/internal/msgid"
)

// PublishStatus reports whether a publish reached any live subscriber.
type PublishStatus int

const (
	StatusQueued   PublishStatus = iota // stored, no subscribers notified
	StatusReceived                      // at least one subscriber notified
)

// PublishResult is a publish's post-state, used to build the channel-info
// response (spec.md §4.5 step 3).
type PublishResult struct {
	Status PublishStatus
	Stats  channelinfo.Stats
}

// Subscriber is what a storage engine drives as messages arrive:
// spec.md §4.4's create/subscribe/respond/destroy contract, reduced to
// the three calls the engine itself needs to make.
type Subscriber interface {
	// LastMsgID is the resume point: the engine replays history
	// starting after this id, then streams subsequent publishes.
	LastMsgID() msgid.ID

	// Respond delivers msg to the subscriber. A non-nil error means the
	// subscriber is gone (slow-consumer disconnect, closed connection);
	// the engine drops its registration.
	Respond(msg message.Message) error

	// RespondStatus delivers a status-only response (used for e.g. 304
	// Not Modified when there is nothing new to replay).
	RespondStatus(code int, text string) error

	// Dequeued is called once by the engine when it drops this
	// subscriber's registration, for event-broadcaster bookkeeping
	// (spec.md §4.8).
	Dequeued()
}

// Engine is the storage-engine contract (spec.md §4.3): publish,
// find/delete channel, and subscribe. Multi-channel composite ids
// (chanid.ID with more than one component) are demultiplexed by the
// engine itself — callers always pass the ids that chanid.Resolve
// returned.
type Engine interface {
	// Publish stores msg under id, returning QUEUED or RECEIVED plus
	// the channel's post-publish stats.
	Publish(ctx context.Context, id chanid.ID, msg message.Message) (PublishResult, error)

	// FindChannel returns the channel's stats, or ok=false if the
	// channel does not exist (never created, or evicted).
	FindChannel(ctx context.Context, id chanid.ID) (channelinfo.Stats, bool, error)

	// DeleteChannel removes the channel and its history, returning its
	// pre-deletion stats (ok=false if it did not exist).
	DeleteChannel(ctx context.Context, id chanid.ID) (channelinfo.Stats, bool, error)

	// Subscribe registers sub against id. The engine replays history
	// from sub.LastMsgID() onward, then keeps sub registered for
	// future publishes until Respond returns an error or the caller
	// cancels ctx.
	Subscribe(ctx context.Context, id chanid.ID, sub Subscriber) error
}
