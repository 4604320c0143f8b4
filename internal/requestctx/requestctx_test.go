package requestctx

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
)

func TestRequestValues(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, RequestID(ctx))
	assert.True(t, RequestTime(ctx).IsZero())

	now := time.Now()
	ctx = WithRequestTime(WithRequestID(ctx, "req-1"), now)
	assert.Equal(t, "req-1", RequestID(ctx))
	assert.Equal(t, now, RequestTime(ctx))
}

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf)
	t.Cleanup(func() { log.Logger = prev })

	logger := Logger(WithRequestID(context.Background(), "req-7"))
	logger.Info().Msg("hello")
	assert.Contains(t, buf.String(), `"request_id":"req-7"`)

	buf.Reset()
	logger = Logger(context.Background())
	logger.Info().Msg("hello")
	assert.NotContains(t, buf.String(), "request_id")
}
