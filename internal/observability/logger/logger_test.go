package logger

import (
	"context"
	"testing"

	obscontext "github.com/smallbiznis/quota/internal/observability/context"
	"github.com/smallbiznis/quota/pkg/telemetry/correlation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestWithContextAddsScopedFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	base := zap.New(core)

	ctx := obscontext.WithRequestID(context.Background(), "req-1")
	ctx = obscontext.WithTenantID(ctx, "42")
	ctx = obscontext.WithJob(ctx, "daily_snapshot")
	ctx = correlation.ContextWithCorrelationID(ctx, "cid-9")

	WithContext(ctx, base).Info("hello")

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "req-1", fields["request_id"])
	assert.Equal(t, "42", fields["tenant_id"])
	assert.Equal(t, "daily_snapshot", fields["job"])
	assert.Equal(t, "cid-9", fields["correlation_id"])
	assert.NotContains(t, fields, "trace_id")
}

func TestWithContextWithoutFieldsKeepsBase(t *testing.T) {
	base := zap.NewNop()
	assert.Same(t, base, WithContext(context.Background(), base))
}

func TestBuildZapConfig(t *testing.T) {
	cfg, err := buildZapConfig(Config{Level: "warn", Format: "console"}.withDefaults())
	require.NoError(t, err)
	assert.Equal(t, "console", cfg.Encoding)
	assert.Equal(t, zapcore.WarnLevel, cfg.Level.Level())

	cfg, err = buildZapConfig(Config{Format: "yaml"}.withDefaults())
	require.NoError(t, err)
	assert.Equal(t, "json", cfg.Encoding)
	assert.Equal(t, zapcore.InfoLevel, cfg.Level.Level())

	_, err = buildZapConfig(Config{Level: "loud"})
	assert.Error(t, err)
}
