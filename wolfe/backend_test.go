package wolfe

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBackend(t *testing.T, handler http.Handler) *Backend {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := DefaultConfig()
	cfg.Backend.BaseURL = srv.URL
	cfg.Backend.Token = "test-token"
	return newBackend(cfg.Backend, srv.Client())
}

func writeSSE(t *testing.T, w http.ResponseWriter, event string, data string) {
	t.Helper()
	w.Header().Set("Content-Type", "text/event-stream")
	if event != "" {
		fmt.Fprintf(w, "event: %s\n", event)
	}
	if data != "" {
		fmt.Fprintf(w, "data: %s\n", data)
	}
	fmt.Fprint(w, "\n")
}

func TestChatStreamAssemblesReply(t *testing.T) {
	var gotReq ChatRequest
	b := newTestBackend(t, http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, chatEndpoint, r.URL.Path)
			assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
			assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
			require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))

			writeSSE(t, w, "thinking", "")
			writeSSE(t, w, "content", `"Hello, "`)
			writeSSE(t, w, "content", `{"delta":"world"}`)
			writeSSE(t, w, "done", `{"usage":{"total_tokens":12}}`)
		},
	))

	reply, err := b.ChatStream(context.Background(), ChatRequest{
		Messages:    []ChatMessage{{Role: RoleUser, Content: "hi"}},
		SessionID:   "s1",
		MessageType: MessageTypeInbox,
	})
	require.NoError(t, err)

	assert.True(t, gotReq.Stream)
	assert.Equal(t, "s1", gotReq.SessionID)
	assert.True(t, reply.Completed)
	assert.Equal(t, "Hello, world", reply.Text)
	require.NotNil(t, reply.Usage)
	assert.Equal(t, 12, reply.Usage.Total)
}

func TestChatStreamSkipsMalformedEvents(t *testing.T) {
	b := newTestBackend(t, http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			writeSSE(t, w, "content", `"keep "`)
			writeSSE(t, w, "tool_call", `{not json`)
			writeSSE(t, w, "mystery_event", `{}`)
			writeSSE(t, w, "content", `"going"`)
			writeSSE(t, w, "done", "")
		},
	))

	reply, err := b.ChatStream(context.Background(), ChatRequest{})
	require.NoError(t, err)
	assert.True(t, reply.Completed)
	assert.Equal(t, "keep going", reply.Text)
}

func TestChatStreamPartialOnTruncatedStream(t *testing.T) {
	// body ends without a done event: partial text comes back without
	// a transport error
	b := newTestBackend(t, http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			writeSSE(t, w, "content", `"partial answer"`)
		},
	))

	reply, err := b.ChatStream(context.Background(), ChatRequest{})
	require.NoError(t, err)
	assert.False(t, reply.Completed)
	assert.Equal(t, "partial answer", reply.Text)
}

func TestChatStreamNon200(t *testing.T) {
	b := newTestBackend(t, http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "backend busy", http.StatusServiceUnavailable)
		},
	))

	_, err := b.ChatStream(context.Background(), ChatRequest{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestChatBuffered(t *testing.T) {
	var gotReq ChatRequest
	b := newTestBackend(t, http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
			fmt.Fprint(w, `{
				"message": {"role": "assistant", "content": "buffered reply"},
				"tokens": {"total_tokens": 7},
				"message_target": "channel"
			}`)
		},
	))

	reply, err := b.Chat(context.Background(), ChatRequest{
		Messages: []ChatMessage{{Role: RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)

	assert.False(t, gotReq.Stream)
	assert.True(t, reply.Completed)
	assert.Equal(t, "buffered reply", reply.Text)
	assert.Equal(t, "channel", reply.Target)
	require.NotNil(t, reply.Usage)
	assert.Equal(t, 7, reply.Usage.Total)
}

func TestPing(t *testing.T) {
	b := newTestBackend(t, http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, healthEndpoint, r.URL.Path)
			fmt.Fprint(w, `{"status":"ok"}`)
		},
	))

	latency, err := b.Ping(context.Background())
	require.NoError(t, err)
	assert.Greater(t, latency, time.Duration(0))
}

func TestPingUnhealthy(t *testing.T) {
	b := newTestBackend(t, http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		},
	))

	_, err := b.Ping(context.Background())
	require.Error(t, err)
}

func TestExtractContent(t *testing.T) {
	assert.Equal(t, "hi", extractContent(`"hi"`))
	assert.Equal(t, "hi", extractContent(`{"content":"hi"}`))
	assert.Equal(t, "hi", extractContent(`{"text":"hi"}`))
	assert.Equal(t, "hi", extractContent(`{"delta":"hi"}`))
	assert.Equal(t, "raw text", extractContent("raw text"))
	assert.Empty(t, extractContent(""))
	assert.Empty(t, extractContent(`{"other":"hi"}`))
}
