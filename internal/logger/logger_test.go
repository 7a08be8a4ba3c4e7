package logger

import (
	"bytes"
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	root := zerolog.New(&buf)

	ctx := WithContext(context.Background(), root)
	log := FromContext(ctx)
	log.Error().Str("component", "test").Msg("boom")

	out := buf.String()
	require.NotEmpty(t, out)
	assert.Contains(t, out, `"component":"test"`)
	assert.Contains(t, out, `"message":"boom"`)
}

func TestFromContextWithoutLoggerIsNop(t *testing.T) {
	log := FromContext(context.Background())
	// Writing through the no-op logger must not panic.
	log.Warn().Msg("dropped")

	log = FromContext(nil)
	log.Info().Msg("dropped")
}

func TestRequestID(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-123")
	assert.Equal(t, "req-123", GetRequestID(ctx))
	assert.Equal(t, "", GetRequestID(context.Background()))
	assert.Equal(t, "", GetRequestID(nil))
}

func TestMaskUserID(t *testing.T) {
	assert.Equal(t, "***", MaskUserID(42))
	assert.Equal(t, "***456", MaskUserID(123456))
}

func TestRedactEmail(t *testing.T) {
	assert.Equal(t, "", RedactEmail(""))
	assert.Equal(t, "[redacted]", RedactEmail("not-an-email"))
	assert.Equal(t, "st***@example.com", RedactEmail("student@example.com"))
	assert.Equal(t, "***@example.com", RedactEmail("ab@example.com"))
}
