package memory

import (
	"sync"

	"github.com/odin-ws/broker/internal/message"
	"github.com/odin-ws/broker/internal/msgid"
	"github.com/odin-ws/broker/internal/store"
)

// fanSubscriber wraps a single store.Subscriber so it can be registered
// against more than one component channel of a multi-channel
// subscription (spec.md §4.3's demultiplex requirement). Publish already
// fans each component out independently; fanSubscriber's job is purely
// to collapse a delivery that reaches the same logical subscriber twice
// under the same message id (a multi-channel publish that touches more
// than one of this subscriber's components) into a single Respond call.
//
// Dequeued is intentionally a no-op here: the engine unregisters a
// fanSubscriber from each component separately and the caller invokes
// the wrapped subscriber's real Dequeued once after all of them are
// gone, so it never fires once per component.
type fanSubscriber struct {
	mu       sync.Mutex
	inner    store.Subscriber
	lastID   msgid.ID
	haveLast bool
}

func newFanSubscriber(inner store.Subscriber) *fanSubscriber {
	return &fanSubscriber{inner: inner}
}

func (f *fanSubscriber) LastMsgID() msgid.ID { return f.inner.LastMsgID() }

func (f *fanSubscriber) Respond(msg message.Message) error {
	f.mu.Lock()
	if f.haveLast && msg.Shared && msgid.Compare(msg.ID, f.lastID) == 0 {
		f.mu.Unlock()
		return nil
	}
	f.lastID = msg.ID
	f.haveLast = true
	f.mu.Unlock()
	return f.inner.Respond(msg)
}

func (f *fanSubscriber) RespondStatus(code int, text string) error {
	return f.inner.RespondStatus(code, text)
}

func (f *fanSubscriber) Dequeued() {}

var _ store.Subscriber = (*fanSubscriber)(nil)
