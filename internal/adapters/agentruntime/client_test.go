package agentruntime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartSendsSignedRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/voice-call/", r.URL.Path)

		raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		claims := &jwt.RegisteredClaims{}
		_, err := jwt.ParseWithClaims(raw, claims, func(tok *jwt.Token) (interface{}, error) {
			return []byte("shh"), nil
		}, jwt.WithValidMethods([]string{"HS256"}))
		require.NoError(t, err)
		assert.Equal(t, "s1", claims.Subject)
		assert.Equal(t, tokenIssuer, claims.Issuer)

		var req StartRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "s1", req.SessionID)
		assert.Equal(t, "agent-s1", req.AgentIdentity)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "shh", time.Second)
	err := c.Start(context.Background(), StartRequest{SessionID: "s1", AgentIdentity: "agent-s1"})
	require.NoError(t, err)
}

func TestStopTreatsUnknownSessionAsStopped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", time.Second)
	assert.NoError(t, c.Stop(context.Background(), "s1"))
}

func TestErrorsCarryStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("busy"))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", time.Second)
	err := c.Start(context.Background(), StartRequest{SessionID: "s1"})
	rtErr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, 503, rtErr.StatusCode)
	assert.Equal(t, "busy", rtErr.Body)
}

func TestActiveCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"active_calls":[{"session_id":"s1","status":"running"}]}`))
	}))
	defer srv.Close()

	calls, err := NewClient(srv.URL, "", time.Second).ActiveCalls(context.Background())
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, "s1", calls[0].SessionID)
}
