package logging

import (
	"bytes"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultsServiceName(t *testing.T) {
	logger := New(Config{})
	var buf bytes.Buffer
	logger = logger.Output(&buf)
	logger.Info().Msg("hello")
	assert.Contains(t, buf.String(), `"service":"broker"`)
}

func TestNewHonorsServiceOverride(t *testing.T) {
	logger := New(Config{Service: "custom"})
	var buf bytes.Buffer
	logger = logger.Output(&buf)
	logger.Info().Msg("hi")
	assert.Contains(t, buf.String(), `"service":"custom"`)
}

func TestNewRespectsLevel(t *testing.T) {
	logger := New(Config{Level: LevelError})
	var buf bytes.Buffer
	logger = logger.Output(&buf).Level(zerolog.ErrorLevel)
	logger.Info().Msg("should be suppressed")
	assert.Empty(t, buf.String())
}

func TestErrorIncludesFieldsAndCause(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	Error(logger, errors.New("boom"), "failed", map[string]any{"attempt": 3})

	require.Contains(t, buf.String(), "boom")
	require.Contains(t, buf.String(), "failed")
	require.Contains(t, buf.String(), `"attempt":3`)
}

func TestErrorWithStackIncludesStackTrace(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	ErrorWithStack(logger, errors.New("boom"), "failed", nil)
	assert.Contains(t, buf.String(), "stack_trace")
}
