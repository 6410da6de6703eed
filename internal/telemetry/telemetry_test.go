package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/directord/internal/config"
)

func TestNew_Disabled(t *testing.T) {
	tel, err := New(context.Background(), config.TelemetryConfig{Enabled: false}, "test")
	require.NoError(t, err)
	require.NotNil(t, tel)

	assert.True(t, tel.Health().Healthy)
	assert.False(t, tel.Health().Degraded)
	assert.False(t, tel.IsEnabled())

	// Disabled instance hands out usable no-op tracers and meters.
	tracer := tel.Tracer("test")
	_, span := tracer.Start(context.Background(), "op")
	span.End()

	assert.NotNil(t, tel.Meter("test"))
	assert.Nil(t, tel.LoggerProvider())
}

func TestNew_EnabledRequiresServiceName(t *testing.T) {
	_, err := New(context.Background(), config.TelemetryConfig{
		Enabled:  true,
		Endpoint: "localhost:4317",
	}, "test")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "service name")
}

func TestNew_EnabledRequiresEndpoint(t *testing.T) {
	_, err := New(context.Background(), config.TelemetryConfig{
		Enabled:     true,
		ServiceName: "directord",
	}, "test")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "endpoint")
}

func TestShutdown_NilSafe(t *testing.T) {
	var tel *Telemetry
	assert.NoError(t, tel.Shutdown(context.Background()))
	assert.NoError(t, tel.ForceFlush(context.Background()))
	assert.True(t, tel.Health().Degraded)
	assert.False(t, tel.IsEnabled())
}

func TestShutdown_MarksUnhealthy(t *testing.T) {
	tel, err := New(context.Background(), config.TelemetryConfig{Enabled: false}, "test")
	require.NoError(t, err)

	require.NoError(t, tel.Shutdown(context.Background()))
	assert.False(t, tel.Health().Healthy)
}

func TestStripScheme(t *testing.T) {
	assert.Equal(t, "collector:4318", stripScheme("https://collector:4318"))
	assert.Equal(t, "collector:4318", stripScheme("http://collector:4318"))
	assert.Equal(t, "collector:4318", stripScheme("collector:4318"))
}

func TestAuthHeaders(t *testing.T) {
	assert.Nil(t, authHeaders(config.TelemetryConfig{}))

	h := authHeaders(config.TelemetryConfig{AuthToken: config.Secret("tok-123")})
	require.NotNil(t, h)
	assert.Equal(t, "Bearer tok-123", h["Authorization"])
}
