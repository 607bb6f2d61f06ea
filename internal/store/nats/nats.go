// Package nats implements spec.md §4.3a's cross-worker storage engine:
// publishes are marshaled onto a NATS subject derived from the channel
// id; every worker process runs a subscription that feeds received
// messages into its own local store/memory instance, giving each
// worker an eventually-consistent replica of channel history without a
// shared process.
//
// Adapted from go-server/pkg/nats/client.go's connection-handling and
// subscribe/publish wrapper style; JSON wire encoding (not NATS
// JetStream — no persistence past a restart, consistent with spec.md's
// Non-goals).
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/odin-ws/broker/internal/chanid"
	"github.com/odin-ws/broker/internal/channelinfo"
	"github.com/odin-ws/broker/internal/message"
	"github.com/odin-ws/broker/internal/msgid"
	"github.com/odin-ws/broker/internal/store"
	"github.com/odin-ws/broker/internal/store/memory"
)

// Config configures the NATS connection and subject namespace.
type Config struct {
	URL           string
	SubjectPrefix string // default "broker.channel."
	MaxReconnects int
	ReconnectWait time.Duration
	MemoryEngine  memory.Config
}

func (c Config) withDefaults() Config {
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = "broker.channel."
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = -1 // unlimited, matches nats.go's own default semantics for "keep trying"
	}
	if c.ReconnectWait == 0 {
		c.ReconnectWait = 2 * time.Second
	}
	return c
}

// wireMessage is the JSON envelope published onto a channel's subject.
type wireMessage struct {
	ContentType string `json:"content_type"`
	Payload     []byte `json:"payload"`
	Time        int64  `json:"time"`
	Tag         int16  `json:"tag"`
	PriorTime   int64  `json:"prior_time"`
	PriorTag    int16  `json:"prior_tag"`
}

// Engine distributes publishes across worker processes over NATS,
// backed locally by a store/memory.Engine for history/subscriber
// bookkeeping.
type Engine struct {
	cfg    Config
	conn   *nats.Conn
	local  *memory.Engine
	logger zerolog.Logger
}

// New connects to NATS and subscribes to its channel-subject wildcard,
// feeding received publishes into a local memory engine. Publish calls
// on the returned Engine both forward to NATS and apply locally, so a
// single-worker deployment works without any peer ever publishing.
func New(ctx context.Context, cfg Config, logger zerolog.Logger) (*Engine, error) {
	cfg = cfg.withDefaults()

	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
	}
	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats at %s: %w", cfg.URL, err)
	}

	e := &Engine{
		cfg:    cfg,
		conn:   conn,
		local:  memory.New(ctx, cfg.MemoryEngine, logger),
		logger: logger,
	}

	if _, err := conn.Subscribe(cfg.SubjectPrefix+">", e.handleRemote); err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribe to %s>: %w", cfg.SubjectPrefix, err)
	}

	go func() {
		<-ctx.Done()
		e.Close()
	}()

	return e, nil
}

// Close closes the NATS connection (without draining it) and stops the
// local engine.
func (e *Engine) Close() {
	e.conn.Close()
	e.local.Close()
}

func (e *Engine) subject(channelKey string) string {
	return e.cfg.SubjectPrefix + channelKey
}

func (e *Engine) handleRemote(msg *nats.Msg) {
	var wm wireMessage
	if err := json.Unmarshal(msg.Data, &wm); err != nil {
		e.logger.Error().Err(err).Msg("discarding malformed nats channel message")
		return
	}
	key := msg.Subject[len(e.cfg.SubjectPrefix):]
	m := message.Message{
		ContentType: wm.ContentType,
		Payload:     wm.Payload,
		ID:          msgid.New(wm.Time, wm.Tag),
		Prior:       msgid.New(wm.PriorTime, wm.PriorTag),
	}
	id := chanid.Build([]string{key})
	if _, err := e.local.Publish(context.Background(), id, m); err != nil {
		e.logger.Error().Err(err).Str("channel", key).Msg("failed to apply remote publish locally")
	}
}

// Publish implements store.Engine: apply locally (so same-worker
// subscribers see it immediately) and forward to NATS so other workers'
// subscriptions pick it up too.
func (e *Engine) Publish(ctx context.Context, id chanid.ID, msg message.Message) (store.PublishResult, error) {
	result, err := e.local.Publish(ctx, id, msg)
	if err != nil {
		return result, err
	}

	wm := wireMessage{
		ContentType: msg.ContentType,
		Payload:     msg.Payload,
		Time:        msg.ID.Time,
		Tag:         msg.ID.Tag(0),
		PriorTime:   msg.Prior.Time,
		PriorTag:    msg.Prior.Tag(0),
	}
	data, err := json.Marshal(wm)
	if err != nil {
		return result, fmt.Errorf("marshal message for nats: %w", err)
	}
	for _, key := range id.Components() {
		if err := e.conn.Publish(e.subject(key), data); err != nil {
			e.logger.Error().Err(err).Str("channel", key).Msg("failed to publish to nats")
		}
	}
	return result, nil
}

// FindChannel implements store.Engine against the local replica.
func (e *Engine) FindChannel(ctx context.Context, id chanid.ID) (channelinfo.Stats, bool, error) {
	return e.local.FindChannel(ctx, id)
}

// DeleteChannel implements store.Engine against the local replica only:
// deletion is not distributed (spec.md's Non-goals exclude distributed
// coordination beyond best-effort message fan-out).
func (e *Engine) DeleteChannel(ctx context.Context, id chanid.ID) (channelinfo.Stats, bool, error) {
	return e.local.DeleteChannel(ctx, id)
}

// Subscribe implements store.Engine against the local replica: a
// subscriber only ever needs to see messages as they arrive locally,
// regardless of which worker originally received the publish.
func (e *Engine) Subscribe(ctx context.Context, id chanid.ID, sub store.Subscriber) error {
	return e.local.Subscribe(ctx, id, sub)
}

var _ store.Engine = (*Engine)(nil)
