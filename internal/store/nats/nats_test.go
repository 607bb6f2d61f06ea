package nats

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	natsgo "github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odin-ws/broker/internal/chanid"
	"github.com/odin-ws/broker/internal/store/memory"
)

// handleRemote and Publish's local half only touch e.local and e.cfg,
// so they're exercisable without a live NATS server; the conn-dependent
// half (actually publishing/subscribing over the wire) needs one and is
// left to integration testing.
func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	cfg := Config{SubjectPrefix: "broker.channel."}.withDefaults()
	return &Engine{
		cfg:    cfg,
		local:  memory.New(ctx, memory.Config{MaxMessages: 10}, zerolog.Nop()),
		logger: zerolog.Nop(),
	}
}

func TestHandleRemoteAppliesToLocalEngine(t *testing.T) {
	e := newTestEngine(t)
	t.Cleanup(e.local.Close)

	wm := wireMessage{ContentType: "text/plain", Payload: []byte("hi"), Time: 100, Tag: 0}
	data, err := json.Marshal(wm)
	require.NoError(t, err)

	e.handleRemote(&natsgo.Msg{Subject: "broker.channel.g/a", Data: data})

	stats, ok, err := e.local.FindChannel(context.Background(), chanid.Build([]string{"g/a"}))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, stats.Messages)
}

func TestHandleRemoteDiscardsMalformedPayload(t *testing.T) {
	e := newTestEngine(t)
	t.Cleanup(e.local.Close)

	e.handleRemote(&natsgo.Msg{Subject: "broker.channel.g/a", Data: []byte("not json")})

	_, ok, err := e.local.FindChannel(context.Background(), chanid.Build([]string{"g/a"}))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, "broker.channel.", cfg.SubjectPrefix)
	assert.Equal(t, -1, cfg.MaxReconnects)
	assert.Equal(t, 2*time.Second, cfg.ReconnectWait)
}
