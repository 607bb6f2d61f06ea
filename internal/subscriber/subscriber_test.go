package subscriber

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odin-ws/broker/internal/message"
	"github.com/odin-ws/broker/internal/msgid"
)

func TestHTTPRespondEventsourceFormatsFrame(t *testing.T) {
	rec := httptest.NewRecorder()
	_, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := NewHTTP(rec, TransportEventsource, msgid.ID{}, false, false, cancel)
	msg := message.New("text/plain", []byte("hi"), time.Unix(100, 0), 0)

	require.NoError(t, h.Respond(msg))
	assert.Contains(t, rec.Body.String(), "data: hi\n\n")
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
}

func TestHTTPRespondMultipartFormatsBoundary(t *testing.T) {
	rec := httptest.NewRecorder()
	_, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := NewHTTP(rec, TransportMultipart, msgid.ID{}, false, false, cancel)
	msg := message.New("application/json", []byte(`{"a":1}`), time.Now(), 0)

	require.NoError(t, h.Respond(msg))
	assert.Contains(t, rec.Body.String(), "--"+multipartBoundary)
	assert.Contains(t, rec.Body.String(), `{"a":1}`)
}

func TestHTTPRespondOneShotCancelsAfterFirstMessage(t *testing.T) {
	rec := httptest.NewRecorder()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := NewHTTP(rec, TransportLongPoll, msgid.ID{}, false, false, cancel)
	msg := message.New("text/plain", []byte("hi"), time.Now(), 0)

	require.NoError(t, h.Respond(msg))
	select {
	case <-ctx.Done():
	default:
		t.Fatal("expected one-shot subscriber to cancel its context after responding")
	}
}

func TestHTTPRespondStreamingDoesNotCancel(t *testing.T) {
	rec := httptest.NewRecorder()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := NewHTTP(rec, TransportChunked, msgid.ID{}, false, false, cancel)
	msg := message.New("text/plain", []byte("hi"), time.Now(), 0)

	require.NoError(t, h.Respond(msg))
	select {
	case <-ctx.Done():
		t.Fatal("streaming subscriber must not cancel after a single message")
	default:
	}
}

func TestHTTPDequeuedInvokesHook(t *testing.T) {
	rec := httptest.NewRecorder()
	_, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := NewHTTP(rec, TransportLongPoll, msgid.ID{}, false, false, cancel)
	called := false
	h.SetDequeueHook(func() { called = true })
	h.Dequeued()
	assert.True(t, called)
}

func TestHTTPRespondSetsLastModifiedAndEtag(t *testing.T) {
	rec := httptest.NewRecorder()
	_, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := NewHTTP(rec, TransportChunked, msgid.ID{}, false, false, cancel)
	msg := message.New("text/plain", []byte("hi"), time.Unix(1690000000, 0), 0)

	require.NoError(t, h.Respond(msg))
	assert.Equal(t, time.Unix(1690000000, 0).UTC().Format(http.TimeFormat), rec.Header().Get("Last-Modified"))
	assert.Equal(t, `"0"`, rec.Header().Get("Etag"))
}

func TestHTTPRespondEtagOnlyUsesCompoundID(t *testing.T) {
	rec := httptest.NewRecorder()
	_, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := NewHTTP(rec, TransportChunked, msgid.ID{}, true, false, cancel)
	msg := message.New("text/plain", []byte("hi"), time.Unix(1690000000, 0), 0)

	require.NoError(t, h.Respond(msg))
	assert.Equal(t, `"`+msg.ID.Format()+`"`, rec.Header().Get("Etag"))
}

func TestHTTPRespondGzipCompressesChunkedBody(t *testing.T) {
	rec := httptest.NewRecorder()
	_, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := NewHTTP(rec, TransportChunked, msgid.ID{}, false, true, cancel)
	msg := message.New("text/plain", []byte("hello gzip"), time.Now(), 0)

	require.NoError(t, h.Respond(msg))
	h.Dequeued()

	assert.Equal(t, "gzip", rec.Header().Get("Content-Encoding"))
	zr, err := gzip.NewReader(rec.Body)
	require.NoError(t, err)
	defer zr.Close()
	body, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Contains(t, string(body), "hello gzip")
}

func TestHTTPRespondStatusWritesCodeAndCancelsOneShot(t *testing.T) {
	rec := httptest.NewRecorder()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := NewHTTP(rec, TransportIntervalPoll, msgid.ID{}, false, false, cancel)
	require.NoError(t, h.RespondStatus(304, ""))
	assert.Equal(t, 304, rec.Code)
	select {
	case <-ctx.Done():
	default:
		t.Fatal("expected cancel after one-shot status response")
	}
}
