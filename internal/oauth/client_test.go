package oauth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weiawesome/wes-sync-relay/internal/config"
)

func newTestClient(url string) *Client {
	return NewClient(config.OAuthConfig{
		TokenURL:     url,
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		RedirectURI:  "http://localhost:5173/callback",
		Timeout:      time.Second,
	})
}

func TestExchange_Success(t *testing.T) {
	body := `{"access_token":"at","token_type":"Bearer","scope":"streaming","expires_in":3600,"refresh_token":"rt"}`

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/x-www-form-urlencoded", r.Header.Get("Content-Type"))
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "authorization_code", r.PostForm.Get("grant_type"))
		assert.Equal(t, "abc123", r.PostForm.Get("code"))
		assert.Equal(t, "http://localhost:5173/callback", r.PostForm.Get("redirect_uri"))
		assert.Equal(t, "client-id", r.PostForm.Get("client_id"))
		assert.Equal(t, "client-secret", r.PostForm.Get("client_secret"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	tokens, err := newTestClient(srv.URL).Exchange(context.Background(), "abc123")
	require.NoError(t, err)

	assert.Equal(t, "at", tokens.AccessToken)
	assert.Equal(t, "Bearer", tokens.TokenType)
	assert.Equal(t, "streaming", tokens.Scope)
	assert.Equal(t, 3600, tokens.ExpiresIn)
	assert.Equal(t, "rt", tokens.RefreshToken)
	assert.Equal(t, body, string(tokens.Raw))
}

func TestExchange_Failures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{name: "invalid grant", status: http.StatusBadRequest, body: `{"error":"invalid_grant"}`},
		{name: "provider error", status: http.StatusInternalServerError, body: `oops`},
		{name: "not json", status: http.StatusOK, body: `<html>`},
		{name: "no access token", status: http.StatusOK, body: `{"token_type":"Bearer"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := newTestClient(srv.URL).Exchange(context.Background(), "abc123")
			assert.ErrorIs(t, err, ErrAuthFailed)
			assert.Equal(t, int32(1), calls.Load(), "no retry")
		})
	}
}

func TestExchange_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := newTestClient(url).Exchange(context.Background(), "abc123")
	assert.ErrorIs(t, err, ErrAuthFailed)
}

func TestExchange_MissingCode(t *testing.T) {
	_, err := newTestClient("http://unused.invalid").Exchange(context.Background(), "")
	assert.ErrorIs(t, err, ErrMissingCode)
}
