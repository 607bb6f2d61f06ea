// Package memory implements spec.md §4.3a's reference single-process
// storage engine: a sharded map of channels, each with a bounded
// history ring and a live subscriber set, fanning out new publishes
// through a bounded worker pool (adapted from worker_pool.go in the
// teacher repo) so one slow subscriber never blocks another's delivery
// or a publisher's request.
package memory

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/odin-ws/broker/internal/chanid"
	"github.com/odin-ws/broker/internal/channelinfo"
	"github.com/odin-ws/broker/internal/message"
	"github.com/odin-ws/broker/internal/msgid"
	"github.com/odin-ws/broker/internal/store"
)

const shardCount = 32

// Config controls eviction and fan-out sizing.
type Config struct {
	MaxMessages     int           // history retained per channel; 0 = no history kept
	BufferTimeout   time.Duration // channel idle timeout; 0 = never evict
	SweepInterval   time.Duration // how often the idle-channel sweep runs
	DispatchWorkers int
	DispatchQueue   int
}

func (c Config) withDefaults() Config {
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.DispatchWorkers <= 0 {
		c.DispatchWorkers = 8
	}
	if c.DispatchQueue <= 0 {
		c.DispatchQueue = c.DispatchWorkers * 100
	}
	return c
}

type subscriberEntry struct {
	id  uint64
	sub store.Subscriber
}

type channelState struct {
	mu sync.Mutex

	history   []message.Message
	lastMsgID msgid.ID
	lastSeen  time.Time

	subscribers map[uint64]store.Subscriber
	nextSubID   uint64
}

type shard struct {
	mu       sync.Mutex
	channels map[string]*channelState
}

// Engine is the in-process storage engine (spec.md §4.3, §4.3a).
type Engine struct {
	cfg    Config
	shards [shardCount]*shard
	pool   *dispatchPool
	logger zerolog.Logger

	stopSweep context.CancelFunc
	sweepDone chan struct{}
}

// New builds an Engine and starts its fan-out worker pool and idle-
// channel sweep under ctx; both stop when ctx is cancelled or Close is
// called.
func New(ctx context.Context, cfg Config, logger zerolog.Logger) *Engine {
	cfg = cfg.withDefaults()
	poolCtx, cancel := context.WithCancel(ctx)

	e := &Engine{
		cfg:       cfg,
		pool:      newDispatchPool(cfg.DispatchQueue, logger),
		logger:    logger,
		stopSweep: cancel,
		sweepDone: make(chan struct{}),
	}
	for i := range e.shards {
		e.shards[i] = &shard{channels: make(map[string]*channelState)}
	}
	e.pool.start(poolCtx, cfg.DispatchWorkers)
	go e.sweepLoop(poolCtx)
	return e
}

// Close stops the fan-out pool and sweep goroutine, blocking until both
// have exited.
func (e *Engine) Close() {
	e.stopSweep()
	<-e.sweepDone
	e.pool.stop()
}

func (e *Engine) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return e.shards[h.Sum32()%shardCount]
}

func (e *Engine) getOrCreate(key string) *channelState {
	sh := e.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	cs, ok := sh.channels[key]
	if !ok {
		cs = &channelState{subscribers: make(map[uint64]store.Subscriber)}
		sh.channels[key] = cs
	}
	return cs
}

func (e *Engine) get(key string) (*channelState, bool) {
	sh := e.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	cs, ok := sh.channels[key]
	return cs, ok
}

// Publish implements store.Engine. A multi-channel id is demultiplexed:
// the same Message is published to every component channel, sharing
// its payload (message.Message.Shared documents this aliasing).
func (e *Engine) Publish(ctx context.Context, id chanid.ID, msg message.Message) (store.PublishResult, error) {
	components := id.Components()
	if len(components) > 1 {
		msg.Shared = true
	}

	var result store.PublishResult
	for _, key := range components {
		cs := e.getOrCreate(key)
		r := e.publishToChannel(cs, msg)
		result = r // spec.md §4.5 responds based on the (single) publish outcome; for a multi-channel publish the last component's outcome wins, matching single-request/single-response semantics.
	}
	return result, nil
}

func (e *Engine) publishToChannel(cs *channelState, msg message.Message) store.PublishResult {
	cs.mu.Lock()

	msg.Prior = cs.lastMsgID
	cs.lastMsgID = msg.ID
	cs.lastSeen = time.Now()

	if e.cfg.MaxMessages > 0 {
		cs.history = append(cs.history, msg)
		if len(cs.history) > e.cfg.MaxMessages {
			cs.history = cs.history[len(cs.history)-e.cfg.MaxMessages:]
		}
	}

	subs := make([]store.Subscriber, 0, len(cs.subscribers))
	for _, s := range cs.subscribers {
		subs = append(subs, s)
	}
	stats := cs.statsLocked()
	cs.mu.Unlock()

	status := store.StatusQueued
	if len(subs) > 0 {
		status = store.StatusReceived
	}
	for _, s := range subs {
		sub := s
		e.pool.submit(func() { e.deliver(cs, sub, msg) })
	}

	return store.PublishResult{Status: status, Stats: stats}
}

func (e *Engine) deliver(cs *channelState, sub store.Subscriber, msg message.Message) {
	if err := sub.Respond(msg); err != nil {
		e.removeSubscriber(cs, sub)
	}
}

func (cs *channelState) statsLocked() channelinfo.Stats {
	return channelinfo.Stats{
		Messages:    len(cs.history),
		Subscribers: len(cs.subscribers),
		LastSeen:    cs.lastSeen,
		LastMsgID:   cs.lastMsgID,
	}
}

// FindChannel implements store.Engine.
func (e *Engine) FindChannel(ctx context.Context, id chanid.ID) (channelinfo.Stats, bool, error) {
	cs, ok := e.get(soleComponent(id))
	if !ok {
		return channelinfo.Stats{}, false, nil
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.statsLocked(), true, nil
}

// DeleteChannel implements store.Engine.
func (e *Engine) DeleteChannel(ctx context.Context, id chanid.ID) (channelinfo.Stats, bool, error) {
	key := soleComponent(id)
	sh := e.shardFor(key)

	sh.mu.Lock()
	cs, ok := sh.channels[key]
	if ok {
		delete(sh.channels, key)
	}
	sh.mu.Unlock()

	if !ok {
		return channelinfo.Stats{}, false, nil
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.statsLocked(), true, nil
}

// Subscribe implements store.Engine: replay history since sub's resume
// point, register sub for future publishes, and block until ctx is
// cancelled or sub is dropped for a failed delivery. A multi-channel id
// (spec.md §4.3's demultiplex requirement) registers sub against every
// component channel and merges their histories into one replay ordered
// by msgid.Compare, so "GET /sub?id=A,B" observes publishes to either A
// or B.
func (e *Engine) Subscribe(ctx context.Context, id chanid.ID, sub store.Subscriber) error {
	components := id.Components()
	if len(components) <= 1 {
		return e.subscribeOne(ctx, soleComponent(id), sub)
	}
	return e.subscribeMulti(ctx, components, sub)
}

func (e *Engine) subscribeOne(ctx context.Context, key string, sub store.Subscriber) error {
	cs := e.getOrCreate(key)

	cs.mu.Lock()
	cursor := sub.LastMsgID()
	for _, m := range cs.history {
		if msgid.Compare(m.ID, cursor) > 0 {
			cs.mu.Unlock()
			if err := sub.Respond(m); err != nil {
				return nil
			}
			cs.mu.Lock()
		}
	}
	subID := cs.nextSubID
	cs.nextSubID++
	cs.subscribers[subID] = sub
	cs.mu.Unlock()

	<-ctx.Done()

	e.removeSubscriberByID(cs, subID)
	return ctx.Err()
}

// subscribeMulti implements the multi-channel side of Subscribe: each
// component channel keeps delivering independently (Publish already
// fans out per component), so the live side needs no extra merging.
// Only the initial replay needs an explicit merge, since each
// component's history is independently ordered but the two interleave.
// The registered fanSubscriber collapses a message that reaches sub via
// more than one component with the same id into a single delivery.
func (e *Engine) subscribeMulti(ctx context.Context, components []string, sub store.Subscriber) error {
	css := make([]*channelState, len(components))
	for i, key := range components {
		css[i] = e.getOrCreate(key)
	}

	cursor := sub.LastMsgID()
	var merged []message.Message
	for _, cs := range css {
		cs.mu.Lock()
		for _, m := range cs.history {
			if msgid.Compare(m.ID, cursor) > 0 {
				merged = append(merged, m)
			}
		}
		cs.mu.Unlock()
	}
	sort.Slice(merged, func(i, j int) bool { return msgid.Compare(merged[i].ID, merged[j].ID) < 0 })

	fan := newFanSubscriber(sub)
	for _, m := range merged {
		if err := fan.Respond(m); err != nil {
			return nil
		}
	}

	subIDs := make([]uint64, len(css))
	for i, cs := range css {
		cs.mu.Lock()
		subIDs[i] = cs.nextSubID
		cs.nextSubID++
		cs.subscribers[subIDs[i]] = fan
		cs.mu.Unlock()
	}

	<-ctx.Done()

	for i, cs := range css {
		e.removeSubscriberByIDSilent(cs, subIDs[i])
	}
	sub.Dequeued()
	return ctx.Err()
}

func (e *Engine) removeSubscriber(cs *channelState, sub store.Subscriber) {
	cs.mu.Lock()
	var found uint64
	ok := false
	for id, s := range cs.subscribers {
		if s == sub {
			found, ok = id, true
			break
		}
	}
	if ok {
		delete(cs.subscribers, found)
	}
	cs.mu.Unlock()
	if ok {
		sub.Dequeued()
	}
}

func (e *Engine) removeSubscriberByID(cs *channelState, id uint64) {
	cs.mu.Lock()
	sub, ok := cs.subscribers[id]
	if ok {
		delete(cs.subscribers, id)
	}
	cs.mu.Unlock()
	if ok {
		sub.Dequeued()
	}
}

// removeSubscriberByIDSilent unregisters without calling Dequeued: used
// when a single logical subscriber is registered under several ids (one
// per multi-channel component) and Dequeued must fire exactly once,
// after every component has been unregistered.
func (e *Engine) removeSubscriberByIDSilent(cs *channelState, id uint64) {
	cs.mu.Lock()
	if _, ok := cs.subscribers[id]; ok {
		delete(cs.subscribers, id)
	}
	cs.mu.Unlock()
}

// soleComponent returns id's single component. Subscribe/Find/Delete
// operate per-component-channel; a caller resolving a multi-channel id
// for these operations is a configuration error in the embedding layer,
// not something this engine can recover from, so only the first
// component is used.
func soleComponent(id chanid.ID) string {
	c := id.Components()
	if len(c) == 0 {
		return id.String()
	}
	return c[0]
}

func (e *Engine) sweepLoop(ctx context.Context) {
	defer close(e.sweepDone)
	if e.cfg.BufferTimeout <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.sweepIdleChannels()
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) sweepIdleChannels() {
	now := time.Now()
	for _, sh := range e.shards {
		sh.mu.Lock()
		for key, cs := range sh.channels {
			cs.mu.Lock()
			idle := len(cs.subscribers) == 0 && now.Sub(cs.lastSeen) > e.cfg.BufferTimeout
			cs.mu.Unlock()
			if idle {
				delete(sh.channels, key)
			}
		}
		sh.mu.Unlock()
	}
}

// DroppedDeliveries reports how many fan-out deliveries were dropped
// because the dispatch queue was full, for metrics wiring.
func (e *Engine) DroppedDeliveries() int64 {
	return e.pool.droppedCount()
}

var _ store.Engine = (*Engine)(nil)
