package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dlflow/internal/domain"
)

func TestWebhook_Post(t *testing.T) {
	var got domain.ErrorEvent
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "secret", r.Header.Get("X-Token"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	w := NewWebhook(srv.URL, time.Second)
	w.Headers = map[string]string{"X-Token": "secret"}
	ev := domain.ErrorEvent{TaskID: "7", Class: domain.ClassRuntime, Message: "exited with code 1", Fatal: true}
	require.NoError(t, w.Post(context.Background(), ev))

	assert.Equal(t, "7", got.TaskID)
	assert.Equal(t, domain.ClassRuntime, got.Class)
	assert.True(t, got.Fatal)
}

func TestWebhook_PostErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhook(srv.URL, time.Second).Post(context.Background(), domain.ErrorEvent{TaskID: "1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestWebhook_RunDeliversQueued(t *testing.T) {
	received := make(chan string, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev domain.ErrorEvent
		_ = json.NewDecoder(r.Body).Decode(&ev)
		received <- ev.TaskID
	}))
	defer srv.Close()

	w := NewWebhook(srv.URL, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	w.HandleError(domain.ErrorEvent{TaskID: "a"})
	w.HandleError(domain.ErrorEvent{TaskID: "b"})

	for _, want := range []string{"a", "b"} {
		select {
		case id := <-received:
			assert.Equal(t, want, id)
		case <-time.After(2 * time.Second):
			t.Fatalf("webhook for %s not delivered", want)
		}
	}
}
