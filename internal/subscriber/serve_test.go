package subscriber

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odin-ws/broker/internal/chanid"
	"github.com/odin-ws/broker/internal/message"
	"github.com/odin-ws/broker/internal/msgid"
	"github.com/odin-ws/broker/internal/store/memory"
)

func newEngine(t *testing.T) (*memory.Engine, context.Context) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	e := memory.New(ctx, memory.Config{MaxMessages: 10}, zerolog.Nop())
	t.Cleanup(func() {
		cancel()
		e.Close()
	})
	return e, ctx
}

func TestServeLongPollReturnsAfterFirstMessage(t *testing.T) {
	eng, ctx := newEngine(t)
	id := chanid.Build([]string{"g/a"})
	rec := httptest.NewRecorder()

	done := make(chan error, 1)
	var enqueued, dequeued bool
	go func() {
		done <- Serve(ctx, eng, id, TransportLongPoll, rec, msgid.ID{}, false, false, Hooks{
			OnEnqueue: func() { enqueued = true },
			OnDequeue: func() { dequeued = true },
		})
	}()
	time.Sleep(20 * time.Millisecond)

	msg := message.New("text/plain", []byte("hi"), time.Now(), 0)
	_, err := eng.Publish(ctx, id, msg)
	require.NoError(t, err)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after delivering one message")
	}
	assert.True(t, enqueued)
	assert.True(t, dequeued)
	assert.Equal(t, "hi", rec.Body.String())
}

func TestServeStreamingEndsOnContextCancel(t *testing.T) {
	eng, _ := newEngine(t)
	id := chanid.Build([]string{"g/b"})
	rec := httptest.NewRecorder()

	streamCtx, streamCancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Serve(streamCtx, eng, id, TransportChunked, rec, msgid.ID{}, false, false, Hooks{})
	}()
	time.Sleep(20 * time.Millisecond)
	streamCancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after context cancellation")
	}
}
