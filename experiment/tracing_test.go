package experiment

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitTracerWithoutEndpoint(t *testing.T) {
	t.Setenv(EndpointEnv, "")

	shutdown, err := InitTracer(context.Background(), DefaultTracingConfig())
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))
}

func TestDefaultTracingConfig(t *testing.T) {
	cfg := DefaultTracingConfig()
	assert.Equal(t, "conformal", cfg.ServiceName)
	assert.NotEmpty(t, cfg.ServiceVersion)
	assert.Equal(t, 1.0, cfg.SamplingRate)
}

func TestSpanAttributesShareLogKeys(t *testing.T) {
	kv := AttrMethod.String("standard")
	assert.Equal(t, "run.method", string(kv.Key))
	assert.Equal(t, "standard", kv.Value.AsString())
}
