package message

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSetsSingleTagID(t *testing.T) {
	now := time.Unix(1690000000, 0)
	m := New("text/plain", []byte("hello"), now, 0)
	assert.Equal(t, int64(1690000000), m.ID.Time)
	assert.Equal(t, 1, m.ID.TagCount())
	assert.Equal(t, int16(0), m.ID.Tag(0))
	assert.True(t, m.Expires.IsZero())
}

func TestNewWithBufferTimeoutSetsExpiry(t *testing.T) {
	now := time.Unix(1000, 0)
	m := New("text/plain", []byte("x"), now, 30*time.Second)
	assert.Equal(t, now.Add(30*time.Second), m.Expires)
}

func TestExpired(t *testing.T) {
	now := time.Unix(1000, 0)
	m := New("text/plain", []byte("x"), now, time.Second)
	assert.False(t, m.Expired(now))
	assert.True(t, m.Expired(now.Add(2*time.Second)))
}

func TestExpiredNeverSetWhenNoTimeout(t *testing.T) {
	now := time.Unix(1000, 0)
	m := New("text/plain", []byte("x"), now, 0)
	assert.False(t, m.Expired(now.Add(time.Hour)))
}

func TestCoalesceBodyWithKnownLength(t *testing.T) {
	body := strings.NewReader("abcdef")
	buf, err := CoalesceBody(body, 6)
	require.NoError(t, err)
	assert.Equal(t, []byte("abcdef"), buf)
}

func TestCoalesceBodyWithUnknownLength(t *testing.T) {
	body := bytes.NewBufferString("streamed")
	buf, err := CoalesceBody(body, -1)
	require.NoError(t, err)
	assert.Equal(t, []byte("streamed"), buf)
}

func TestSize(t *testing.T) {
	m := Message{Payload: []byte("12345")}
	assert.Equal(t, 5, m.Size())
}
