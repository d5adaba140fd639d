package ledger

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExportBundleRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.mustAppend(t, "c1", "note", map[string]interface{}{"n": 1})
	s.mustAppend(t, "c1", "note", map[string]interface{}{"n": 2})
	_, err := s.Close(ctx, "c1")
	require.NoError(t, err)

	b, err := s.ExportBundle(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, BundleFormatVersion, b.FormatVersion)
	assert.Equal(t, 2, b.EventCount)
	assert.NotEmpty(t, b.SealHash)

	require.NoError(t, VerifyBundle(b))

	// Bundles survive serialization.
	raw, err := json.Marshal(b)
	require.NoError(t, err)
	var decoded Bundle
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.NoError(t, VerifyBundle(&decoded))
}

func TestVerifyBundleDetectsTampering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.mustAppend(t, "c1", "note", map[string]interface{}{"amount": 50})
	s.mustAppend(t, "c1", "note", map[string]interface{}{"amount": 60})

	b, err := s.ExportBundle(ctx, "c1")
	require.NoError(t, err)

	b.Events[0].Payload = json.RawMessage(`{"amount":5000}`)
	assert.ErrorIs(t, VerifyBundle(b), ErrChainBroken)
}

func TestExportBundleUnknownCase(t *testing.T) {
	s := newTestStore(t)
	_, err := s.ExportBundle(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrCaseNotFound)
}
