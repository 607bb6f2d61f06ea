package brokererr

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFormatsMessage(t *testing.T) {
	err := New(BadChannelID, "channel %q is invalid", "g/a")
	assert.Equal(t, `bad_channel_id: channel "g/a" is invalid`, err.Error())
}

func TestWrapUnwraps(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(StorageError, cause, "publish failed")
	assert.True(t, errors.Is(err, cause))
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := map[Kind]int{
		BadChannelID:    http.StatusForbidden,
		NoChannelID:     http.StatusNotFound,
		OriginForbidden: http.StatusForbidden,
		MethodForbidden: http.StatusForbidden,
		AuthDenied:      http.StatusForbidden,
		AllocFailure:    http.StatusInternalServerError,
		StorageError:    http.StatusInternalServerError,
		BodyIOError:     http.StatusInternalServerError,
	}
	for kind, status := range cases {
		assert.Equal(t, status, HTTPStatus(New(kind, "x")), "kind %s", kind)
	}
}

func TestHTTPStatusNonBrokerErrDefaultsTo500(t *testing.T) {
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(errors.New("plain")))
}

func TestKindOf(t *testing.T) {
	kind, ok := KindOf(New(AuthDenied, "denied"))
	require.True(t, ok)
	assert.Equal(t, AuthDenied, kind)

	_, ok = KindOf(errors.New("plain"))
	assert.False(t, ok)
}
