package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledProviderIsInert(t *testing.T) {
	ctx := context.Background()
	p, err := New(ctx, &Config{Enabled: false})
	require.NoError(t, err)

	// Every helper must be safe without pipelines.
	release := p.TrackCase(ctx, "c-1")
	release()

	_, done := p.TrackStage(ctx, "c-1", "materiality")
	done(errors.New("boom"))

	p.RecordError(ctx, errors.New("boom"))
	require.NoError(t, p.Shutdown(ctx))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "docket", cfg.ServiceName)
	assert.Equal(t, "localhost:4317", cfg.OTLPEndpoint)
	assert.Equal(t, 1.0, cfg.SampleRate)
	assert.True(t, cfg.Enabled)
}

func TestTracerFallsBackToGlobal(t *testing.T) {
	p := &Provider{}
	assert.NotNil(t, p.Tracer())
}
