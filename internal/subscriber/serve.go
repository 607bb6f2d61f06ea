package subscriber

import (
	"context"
	"net/http"

	"github.com/odin-ws/broker/internal/chanid"
	"github.com/odin-ws/broker/internal/msgid"
	"github.com/odin-ws/broker/internal/store"
)

// Hooks bundles the callbacks backing the event broadcaster's four
// subscriber-side meta-events (spec.md §4.8): enqueue/dequeue fire once
// per subscription, ReceiveMsg/ReceiveStatus fire once per delivery. Any
// field may be nil.
type Hooks struct {
	OnEnqueue       func()
	OnDequeue       func()
	OnReceiveMsg    func(prev, current msgid.ID)
	OnReceiveStatus func(code int)
}

// Serve runs kind's subscription against engine for id until the client
// disconnects (streaming transports) or the first message/status is
// delivered (long-poll, interval-poll). hooks back the event
// broadcaster's subscriber_enqueue/dequeue/receive_message/receive_status
// events (spec.md §4.8). gzipEnabled compresses chunked/eventsource
// bodies when the request sent Accept-Encoding: gzip (see WantsGzip).
func Serve(ctx context.Context, engine store.Engine, id chanid.ID, kind Transport, w http.ResponseWriter, last msgid.ID, etagOnly, gzipEnabled bool, hooks Hooks) error {
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sub := NewHTTP(w, kind, last, etagOnly, gzipEnabled, cancel)
	sub.SetDequeueHook(func() {
		if hooks.OnDequeue != nil {
			hooks.OnDequeue()
		}
	})
	sub.SetReceiveHooks(hooks.OnReceiveMsg, hooks.OnReceiveStatus)

	if hooks.OnEnqueue != nil {
		hooks.OnEnqueue()
	}
	err := engine.Subscribe(subCtx, id, sub)
	if err == context.Canceled {
		// Normal termination: either the one-shot transport delivered its
		// single response, or the client disconnected.
		return nil
	}
	return err
}
