package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookNotifierPostsJSON(t *testing.T) {
	var got Message
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, time.Second)
	err := n.Notify(context.Background(), Message{
		To:      "controller",
		Subject: "Case c-1 awaits stage materiality",
		CaseID:  "c-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "controller", got.To)
	assert.Equal(t, "c-1", got.CaseID)
}

func TestWebhookNotifierRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, time.Second)
	err := n.Notify(context.Background(), Message{To: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestLogNotifierNeverFails(t *testing.T) {
	n := NewLogNotifier(nil)
	require.NoError(t, n.Notify(context.Background(), Message{To: "partner"}))
}
