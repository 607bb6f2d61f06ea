package subscriber

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/odin-ws/broker/internal/config"
)

func allEnabled() *config.LocationConfig {
	return &config.LocationConfig{
		WebsocketEnabled:    true,
		EventsourceEnabled:  true,
		ChunkedEnabled:      true,
		MultipartEnabled:    true,
		IntervalPollEnabled: true,
		LongPollEnabled:     true,
	}
}

func TestDetectWebsocketTakesPriority(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/?interval=1", nil)
	r.Header.Set("Connection", "upgrade")
	r.Header.Set("Upgrade", "websocket")
	r.Header.Set("Accept", "text/event-stream")

	assert.Equal(t, TransportWebsocket, Detect(r, allEnabled(), false))
}

func TestDetectEventsourceBeforeChunkedAndMultipart(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Accept", "text/event-stream")
	r.Header.Set("X-Accel-Buffering", "no")

	assert.Equal(t, TransportEventsource, Detect(r, allEnabled(), false))
}

func TestDetectChunkedBeforeMultipartAndPoll(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/?interval=1", nil)
	r.Header.Set("X-Accel-Buffering", "no")

	assert.Equal(t, TransportChunked, Detect(r, allEnabled(), false))
}

func TestDetectIntervalPollBeforeLongPoll(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/?interval=5", nil)

	assert.Equal(t, TransportIntervalPoll, Detect(r, allEnabled(), false))
}

func TestDetectFallsBackToLongPoll(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)

	assert.Equal(t, TransportLongPoll, Detect(r, allEnabled(), false))
}

func TestDetectNoneWhenNothingEnabled(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)

	assert.Equal(t, TransportNone, Detect(r, &config.LocationConfig{}, false))
}

func TestDetectHTTPPublisherFallback(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)

	assert.Equal(t, TransportHTTPPublisherFallback, Detect(r, &config.LocationConfig{}, true))
}

func TestIsWebsocketUpgradeRequiresBothHeaders(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Upgrade", "websocket")
	assert.False(t, IsWebsocketUpgrade(r))

	r.Header.Set("Connection", "Upgrade")
	assert.True(t, IsWebsocketUpgrade(r))
}
