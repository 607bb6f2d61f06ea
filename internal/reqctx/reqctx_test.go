package reqctx

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewAssignsCorrelationID(t *testing.T) {
	c := New()
	assert.NotEqual(t, [16]byte{}, c.CorrelationID)
}

func TestNewDistinctIDsPerContext(t *testing.T) {
	a, b := New(), New()
	assert.NotEqual(t, a.CorrelationID, b.CorrelationID)
}

func TestElapsedGrows(t *testing.T) {
	c := New()
	time.Sleep(time.Millisecond)
	assert.Greater(t, c.Elapsed(), time.Duration(0))
}
