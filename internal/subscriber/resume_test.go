package subscriber

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/odin-ws/broker/internal/msgid"
)

func TestResumePointFromModifiedSinceAndETag(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("If-Modified-Since", "Tue, 27 Jul 2026 10:00:00 GMT")
	r.Header.Set("If-None-Match", `"3"`)

	id := ResumePoint(r, false, nil, false)
	assert.Equal(t, int16(3), id.Tag(0))
}

func TestResumePointFromModifiedSinceNoETagDefaultsTagZero(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("If-Modified-Since", "Tue, 27 Jul 2026 10:00:00 GMT")

	id := ResumePoint(r, false, nil, false)
	assert.Equal(t, int16(0), id.Tag(0))
}

func TestResumePointETagOnlyModeParsesCompound(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("If-None-Match", `"100:3"`)

	id := ResumePoint(r, true, nil, false)
	assert.Equal(t, int64(100), id.Time)
	assert.Equal(t, int16(3), id.Tag(0))
}

func TestResumePointFallsBackToTemplates(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)

	id := ResumePoint(r, false, []string{"", "not-a-compound-id", "200:1"}, false)
	assert.Equal(t, int64(200), id.Time)
	assert.Equal(t, int16(1), id.Tag(0))
}

func TestResumePointDefaultsOldest(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	id := ResumePoint(r, false, nil, true)
	assert.Equal(t, msgid.TimeOldest, id.Time)
}

func TestResumePointDefaultsNewest(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	id := ResumePoint(r, false, nil, false)
	assert.Equal(t, msgid.TimeNewest, id.Time)
}
