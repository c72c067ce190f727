package events_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/safetrip/idanchor/internal/events"
)

func TestWebhookPublisher_signsBody(t *testing.T) {
	var got events.Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if !events.VerifySignature(body, "s3cret", r.Header.Get(events.SignatureHeader)) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	p := events.NewWebhookPublisher(srv.URL, "s3cret", zap.NewNop())
	ev := events.New(events.TypeDiscrepancy, "tourist-1", map[string]string{"entry_id": "e1"})

	require.NoError(t, p.Publish(context.Background(), ev))
	assert.Equal(t, ev.ID, got.ID)
	assert.Equal(t, events.TypeDiscrepancy, got.Type)
	assert.Equal(t, "e1", got.Payload["entry_id"])
}

func TestWebhookPublisher_retries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := events.NewWebhookPublisher(srv.URL, "s3cret", zap.NewNop(),
		events.WithRetryDelays(time.Millisecond, time.Millisecond))

	require.NoError(t, p.Publish(context.Background(), events.New(events.TypeAnchorConfirmed, "tourist-1", nil)))
	assert.EqualValues(t, 3, calls.Load())
}

func TestWebhookPublisher_givesUp(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := events.NewWebhookPublisher(srv.URL, "s3cret", zap.NewNop(), events.WithRetryDelays(time.Millisecond))

	err := p.Publish(context.Background(), events.New(events.TypeAnchorFailed, "tourist-1", nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 500")
	assert.EqualValues(t, 2, calls.Load())
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"a":1}`)
	sig := events.Sign(body, "k")
	assert.True(t, events.VerifySignature(body, "k", sig))
	assert.False(t, events.VerifySignature(body, "other", sig))
	assert.False(t, events.VerifySignature([]byte(`{"a":2}`), "k", sig))
}
