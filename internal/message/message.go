// Package message defines the broker's Message type: spec.md §3's
// "Message" entry, grounded on the payload handling in
// nchan_request_body_to_single_buffer (original_source/nchan_module.c)
// for body coalescing.
package message

import (
	"io"
	"time"

	"github.com/odin-ws/broker/internal/msgid"
)

// Message is an immutable published payload plus the bookkeeping a
// storage engine needs for ordering, miss detection and eviction.
//
// Shared is set when more than one component channel of a multi-channel
// publish reference the same Message value (refcount semantics are the
// storage engine's concern: Message itself carries no counter, just the
// flag a storage engine checks before mutating in place).
type Message struct {
	ContentType string
	Payload     []byte

	ID    msgid.ID
	Prior msgid.ID // immediately previous message id on the same channel, for miss detection

	Expires time.Time
	Shared  bool
}

// New constructs a Message for a fresh publish: spec.md §4.5 step 3
// ("POST/PUT"), id.time=now, tags=[0], tagactive=0, tagcount=1.
func New(contentType string, payload []byte, now time.Time, bufferTimeout time.Duration) Message {
	m := Message{
		ContentType: contentType,
		Payload:     payload,
		ID:          msgid.New(now.Unix(), 0),
	}
	if bufferTimeout > 0 {
		m.Expires = now.Add(bufferTimeout)
	}
	return m
}

// Expired reports whether m's buffer_timeout has elapsed as of now.
func (m Message) Expired(now time.Time) bool {
	return !m.Expires.IsZero() && now.After(m.Expires)
}

// Size returns the payload length in bytes, used for max_messages /
// memory-pressure accounting in the storage layer.
func (m Message) Size() int { return len(m.Payload) }

// CoalesceBody reads r (a possibly chunked/spooled request body) into a
// single contiguous buffer sized to contentLength when known, matching
// nchan_request_body_to_single_buffer's "one contiguous buffer" behavior
// without the original's spooled-file special case: net/http already
// hands handlers a single io.ReadCloser regardless of how the body
// arrived over the wire.
func CoalesceBody(r io.Reader, contentLength int64) ([]byte, error) {
	if contentLength > 0 {
		buf := make([]byte, 0, contentLength)
		w := &growBuffer{buf: buf}
		if _, err := io.Copy(w, r); err != nil {
			return nil, err
		}
		return w.buf, nil
	}
	return io.ReadAll(r)
}

type growBuffer struct{ buf []byte }

func (g *growBuffer) Write(p []byte) (int, error) {
	g.buf = append(g.buf, p...)
	return len(p), nil
}
