package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odin-ws/broker/internal/chanid"
	"github.com/odin-ws/broker/internal/message"
	"github.com/odin-ws/broker/internal/msgid"
	"github.com/odin-ws/broker/internal/store"
)

type fakeSubscriber struct {
	mu       sync.Mutex
	last     msgid.ID
	received []message.Message
	dequeued bool
	fail     bool
}

func (f *fakeSubscriber) LastMsgID() msgid.ID { return f.last }
func (f *fakeSubscriber) Respond(m message.Message) error {
	if f.fail {
		return assertErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received = append(f.received, m)
	return nil
}
func (f *fakeSubscriber) RespondStatus(int, string) error { return nil }
func (f *fakeSubscriber) Dequeued()                       { f.dequeued = true }

func (f *fakeSubscriber) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.received)
}

var assertErr = &testError{"subscriber gone"}

type testError struct{ s string }

func (e *testError) Error() string { return e.s }

func newEngine(t *testing.T) (*Engine, context.Context) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	e := New(ctx, Config{MaxMessages: 10, DispatchWorkers: 2}, zerolog.Nop())
	t.Cleanup(func() {
		cancel()
		e.Close()
	})
	return e, ctx
}

func TestPublishWithNoSubscribersIsQueued(t *testing.T) {
	e, ctx := newEngine(t)
	id := chanid.Build([]string{"g/a"})
	msg := message.New("text/plain", []byte("hi"), time.Now(), 0)

	result, err := e.Publish(ctx, id, msg)
	require.NoError(t, err)
	assert.Equal(t, store.StatusQueued, result.Status)
	assert.Equal(t, 1, result.Stats.Messages)
}

func TestSubscribeReceivesFuturePublish(t *testing.T) {
	e, _ := newEngine(t)
	id := chanid.Build([]string{"g/a"})

	subCtx, subCancel := context.WithCancel(context.Background())
	sub := &fakeSubscriber{}
	go e.Subscribe(subCtx, id, sub)
	time.Sleep(20 * time.Millisecond) // let Subscribe register

	msg := message.New("text/plain", []byte("hi"), time.Now(), 0)
	result, err := e.Publish(context.Background(), id, msg)
	require.NoError(t, err)
	assert.Equal(t, store.StatusReceived, result.Status)

	require.Eventually(t, func() bool { return sub.count() == 1 }, time.Second, 5*time.Millisecond)
	subCancel()
}

func TestSubscribeReplaysHistoryAfterResumePoint(t *testing.T) {
	e, ctx := newEngine(t)
	id := chanid.Build([]string{"g/a"})

	for i := 0; i < 3; i++ {
		msg := message.New("text/plain", []byte("x"), time.Unix(int64(100+i), 0), 0)
		_, err := e.Publish(ctx, id, msg)
		require.NoError(t, err)
	}

	subCtx, subCancel := context.WithCancel(context.Background())
	defer subCancel()
	sub := &fakeSubscriber{last: msgid.New(100, 0)}
	go e.Subscribe(subCtx, id, sub)

	require.Eventually(t, func() bool { return sub.count() == 2 }, time.Second, 5*time.Millisecond)
}

func TestFindChannelReturnsStats(t *testing.T) {
	e, ctx := newEngine(t)
	id := chanid.Build([]string{"g/a"})

	_, ok, err := e.FindChannel(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)

	msg := message.New("text/plain", []byte("hi"), time.Now(), 0)
	_, err = e.Publish(ctx, id, msg)
	require.NoError(t, err)

	stats, ok, err := e.FindChannel(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, stats.Messages)
}

func TestDeleteChannelRemovesHistory(t *testing.T) {
	e, ctx := newEngine(t)
	id := chanid.Build([]string{"g/a"})

	msg := message.New("text/plain", []byte("hi"), time.Now(), 0)
	_, err := e.Publish(ctx, id, msg)
	require.NoError(t, err)

	stats, ok, err := e.DeleteChannel(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, stats.Messages)

	_, ok, err = e.FindChannel(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHistoryBoundedByMaxMessages(t *testing.T) {
	e, ctx := newEngine(t)
	id := chanid.Build([]string{"g/a"})

	for i := 0; i < 15; i++ {
		msg := message.New("text/plain", []byte("x"), time.Now(), 0)
		_, err := e.Publish(ctx, id, msg)
		require.NoError(t, err)
	}

	stats, ok, err := e.FindChannel(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 10, stats.Messages)
}

func TestFailingSubscriberIsDroppedAndDequeued(t *testing.T) {
	e, _ := newEngine(t)
	id := chanid.Build([]string{"g/a"})

	subCtx, subCancel := context.WithCancel(context.Background())
	defer subCancel()
	sub := &fakeSubscriber{fail: true}
	go e.Subscribe(subCtx, id, sub)
	time.Sleep(20 * time.Millisecond)

	msg := message.New("text/plain", []byte("hi"), time.Now(), 0)
	_, err := e.Publish(context.Background(), id, msg)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return sub.dequeued }, time.Second, 5*time.Millisecond)
}

func TestMultiChannelSubscribeReceivesEitherComponent(t *testing.T) {
	e, _ := newEngine(t)
	id := chanid.Build([]string{"g/a", "g/b"})

	subCtx, subCancel := context.WithCancel(context.Background())
	defer subCancel()
	sub := &fakeSubscriber{}
	go e.Subscribe(subCtx, id, sub)
	time.Sleep(20 * time.Millisecond)

	msgA := message.New("text/plain", []byte("from-a"), time.Now(), 0)
	_, err := e.Publish(context.Background(), chanid.Build([]string{"g/a"}), msgA)
	require.NoError(t, err)

	msgB := message.New("text/plain", []byte("from-b"), time.Unix(time.Now().Unix()+1, 0), 0)
	_, err = e.Publish(context.Background(), chanid.Build([]string{"g/b"}), msgB)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return sub.count() == 2 }, time.Second, 5*time.Millisecond)
}

func TestMultiChannelSubscribeReplaysMergedHistory(t *testing.T) {
	e, ctx := newEngine(t)

	for i := 0; i < 2; i++ {
		msg := message.New("text/plain", []byte("a"), time.Unix(int64(100+2*i), 0), 0)
		_, err := e.Publish(ctx, chanid.Build([]string{"g/a"}), msg)
		require.NoError(t, err)
	}
	for i := 0; i < 2; i++ {
		msg := message.New("text/plain", []byte("b"), time.Unix(int64(101+2*i), 0), 0)
		_, err := e.Publish(ctx, chanid.Build([]string{"g/b"}), msg)
		require.NoError(t, err)
	}

	subCtx, subCancel := context.WithCancel(context.Background())
	defer subCancel()
	sub := &fakeSubscriber{last: msgid.New(msgid.TimeOldest, 0)}
	go e.Subscribe(subCtx, chanid.Build([]string{"g/a", "g/b"}), sub)

	require.Eventually(t, func() bool { return sub.count() == 4 }, time.Second, 5*time.Millisecond)
}

func TestMultiChannelSubscribeDequeuedOnceOnCancel(t *testing.T) {
	e, _ := newEngine(t)
	id := chanid.Build([]string{"g/a", "g/b"})

	subCtx, subCancel := context.WithCancel(context.Background())
	sub := &fakeSubscriber{}
	done := make(chan struct{})
	go func() {
		e.Subscribe(subCtx, id, sub)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	subCancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Subscribe did not return after cancel")
	}
	assert.True(t, sub.dequeued)
}

func TestMultiChannelPublishFansOutToEachComponent(t *testing.T) {
	e, ctx := newEngine(t)
	id := chanid.Build([]string{"g/a", "g/b"})

	msg := message.New("text/plain", []byte("hi"), time.Now(), 0)
	_, err := e.Publish(ctx, id, msg)
	require.NoError(t, err)

	statsA, ok, err := e.FindChannel(ctx, chanid.Build([]string{"g/a"}))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, statsA.Messages)

	statsB, ok, err := e.FindChannel(ctx, chanid.Build([]string{"g/b"}))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, statsB.Messages)
}
