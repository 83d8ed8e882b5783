package authclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStubServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("/auth/login", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req["password"] != "password123" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"invalid_credentials"}`))
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "refreshToken", Value: "r1", Path: "/auth", Expires: time.Now().Add(time.Hour)})
		_, _ = w.Write([]byte(`{"access_token":"a1","token_type":"Bearer","access_expires_at":"2030-01-01T00:00:00Z"}`))
	})

	mux.HandleFunc("/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		switch req["refresh_token"] {
		case "r1":
			_, _ = w.Write([]byte(`{"access_token":"a2","refresh_token":"r2","access_expires_at":"2030-01-01T00:00:00Z","refresh_expires_at":"2030-01-08T00:00:00Z"}`))
		case "stale":
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"token_reuse"}`))
		case "old":
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"expired_token"}`))
		default:
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error":"internal_error"}`))
		}
	})

	mux.HandleFunc("/auth/logout", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer a1" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"invalid_token"}`))
			return
		}
		_, _ = w.Write([]byte(`{"message":"logged out"}`))
	})

	mux.HandleFunc("/auth/revoke", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"message":"revoked"}`))
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestClient_LoginRefreshLogout(t *testing.T) {
	t.Parallel()
	srv := newStubServer(t)
	c := NewClient(srv.URL + "/")
	ctx := context.Background()

	tok, err := c.Login(ctx, "a@example.com", "password123")
	require.NoError(t, err)
	assert.Equal(t, "a1", tok.AccessToken)
	assert.Equal(t, "r1", tok.RefreshToken)
	assert.False(t, tok.RefreshExpiresAt.IsZero())

	next, err := c.Refresh(ctx, tok.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, "a2", next.AccessToken)
	assert.Equal(t, "r2", next.RefreshToken)

	require.NoError(t, c.Logout(ctx, "a1"))
	require.NoError(t, c.Revoke(ctx, "r2"))
}

func TestClient_ErrorMapping(t *testing.T) {
	t.Parallel()
	srv := newStubServer(t)
	c := NewClient(srv.URL)
	ctx := context.Background()

	_, err := c.Login(ctx, "a@example.com", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = c.Refresh(ctx, "stale")
	assert.ErrorIs(t, err, ErrTokenReuse)

	_, err = c.Refresh(ctx, "old")
	assert.ErrorIs(t, err, ErrExpiredToken)

	assert.ErrorIs(t, c.Logout(ctx, "bad"), ErrInvalidToken)

	_, err = c.Refresh(ctx, "boom")
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusInternalServerError, se.StatusCode)
	assert.Equal(t, "internal_error", se.Code)
}
