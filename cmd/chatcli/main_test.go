package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, srv *httptest.Server, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append([]string{"--server", srv.URL}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCharactersCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/characters", r.URL.Path)
		_, _ = w.Write([]byte(`{"characters":[{"id":1,"name":"gojo","displayName":"Satoru Gojo","description":"The strongest"}]}`))
	}))
	defer srv.Close()

	out, err := run(t, srv, "", "characters")
	require.NoError(t, err)
	assert.Contains(t, out, "gojo")
	assert.Contains(t, out, "Satoru Gojo")
}

func TestChatCommand_OneShot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/history", "/api/conversations/c1":
			_, _ = w.Write([]byte(`{"conversationId":"c1","character":{"name":"gojo","displayName":"Gojo"},"history":[]}`))
		case "/api/chat":
			_, _ = w.Write([]byte(`{"conversationId":"c1","assistantText":"Yo.","messageId":3}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	out, err := run(t, srv, "", "--user", "u1", "chat", "gojo", "-m", "Hi")
	require.NoError(t, err)
	assert.Contains(t, out, "Gojo: Yo.")
}

func TestChatCommand_RequiresUser(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := run(t, srv, "", "chat", "gojo")
	assert.ErrorContains(t, err, "--user")
}

func TestChatCommand_RetryInREPL(t *testing.T) {
	var retried atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/history", "/api/conversations/c1":
			if retried.Load() {
				_, _ = w.Write([]byte(`{"conversationId":"c1","character":{"name":"gojo","displayName":"Gojo"},"history":[{"id":2,"role":"user","text":"Hi"},{"id":3,"role":"model","text":"Yo."}]}`))
				return
			}
			_, _ = w.Write([]byte(`{"conversationId":"c1","character":{"name":"gojo","displayName":"Gojo"},"history":[{"id":2,"role":"user","text":"Hi"}]}`))
		case "/api/chat/retry":
			retried.Store(true)
			_, _ = w.Write([]byte(`{"conversationId":"c1","assistantText":"Yo.","messageId":3}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	out, err := run(t, srv, "/retry\n/quit\n", "--user", "u1", "chat", "gojo")
	require.NoError(t, err)
	assert.True(t, retried.Load())
	assert.Contains(t, out, "you: Hi")
	assert.Contains(t, out, "Gojo: Yo.")
}
