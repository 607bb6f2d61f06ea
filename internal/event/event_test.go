package event

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odin-ws/broker/internal/chanid"
	"github.com/odin-ws/broker/internal/channelinfo"
	"github.com/odin-ws/broker/internal/message"
	"github.com/odin-ws/broker/internal/msgid"
	"github.com/odin-ws/broker/internal/store"
	"github.com/odin-ws/broker/internal/store/memory"
)

// failingEngine is a store.Engine whose Publish always errors, to verify
// Emit swallows publish failures rather than propagating them.
type failingEngine struct{}

func (failingEngine) Publish(context.Context, chanid.ID, message.Message) (store.PublishResult, error) {
	return store.PublishResult{}, assertErr
}
func (failingEngine) FindChannel(context.Context, chanid.ID) (channelinfo.Stats, bool, error) {
	return channelinfo.Stats{}, false, nil
}
func (failingEngine) DeleteChannel(context.Context, chanid.ID) (channelinfo.Stats, bool, error) {
	return channelinfo.Stats{}, false, nil
}
func (failingEngine) Subscribe(context.Context, chanid.ID, store.Subscriber) error {
	return nil
}

type testErr struct{ s string }

func (e *testErr) Error() string { return e.s }

var assertErr = &testErr{"publish failed"}

func newTestBroadcaster(t *testing.T, tpl Templater) (*Broadcaster, *memory.Engine) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	eng := memory.New(ctx, memory.Config{MaxMessages: 10}, zerolog.Nop())
	t.Cleanup(eng.Close)
	return New(eng, "meta/room1", tpl, zerolog.Nop()), eng
}

func TestEmitPublishesUnderMetaChannel(t *testing.T) {
	b, eng := newTestBroadcaster(t, func(ev Name, channelID string, prev, current msgid.ID) []byte {
		return []byte(string(ev) + ":" + channelID)
	})

	b.Emit(context.Background(), ChannelPublish, "g/a", msgid.ID{}, msgid.New(100, 0))

	stats, ok, err := eng.FindChannel(context.Background(), chanid.Build([]string{"meta/room1"}))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, stats.Messages)
}

func TestEmitWithNilTemplatePublishesEmptyPayload(t *testing.T) {
	b, eng := newTestBroadcaster(t, nil)

	b.Emit(context.Background(), SubscriberEnqueue, "g/a", msgid.ID{}, msgid.ID{})

	stats, ok, err := eng.FindChannel(context.Background(), chanid.Build([]string{"meta/room1"}))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, stats.Messages)
}

func TestDisabledBroadcasterIsNoop(t *testing.T) {
	b := NewDisabled()
	// Must not panic, must not touch any engine.
	b.Emit(context.Background(), ChannelDelete, "g/a", msgid.ID{}, msgid.ID{})
}

func TestNilBroadcasterIsNoop(t *testing.T) {
	var b *Broadcaster
	b.Emit(context.Background(), ChannelDelete, "g/a", msgid.ID{}, msgid.ID{})
}

func TestEmitSwallowsPublishFailureWithoutPanicking(t *testing.T) {
	b := New(failingEngine{}, "meta/room1", nil, zerolog.Nop())
	b.Emit(context.Background(), ChannelPublish, "g/a", msgid.ID{}, msgid.ID{})
}

func TestMetaRetentionConstants(t *testing.T) {
	assert.Equal(t, 10*time.Second, MetaBufferTimeout)
	assert.Equal(t, 30*time.Second, MetaChannelTimeout)
}
