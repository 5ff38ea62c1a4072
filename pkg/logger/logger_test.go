package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestWithContextAddsRunFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	prev := globalLogger
	globalLogger = zap.New(core)
	defer func() { globalLogger = prev }()

	ctx := context.WithValue(context.Background(), RunIDKey, "tx-1")
	ctx = context.WithValue(ctx, PassKey, "fetch")
	WithContext(ctx).Info("fetching")

	require.Len(t, logs.All(), 1)
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "tx-1", fields["run_id"])
	assert.Equal(t, "fetch", fields["pass"])
}

func TestWithContextBareContext(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	prev := globalLogger
	globalLogger = zap.New(core)
	defer func() { globalLogger = prev }()

	WithContext(context.Background()).Info("message")

	require.Len(t, logs.All(), 1)
	assert.Empty(t, logs.All()[0].ContextMap())
}
