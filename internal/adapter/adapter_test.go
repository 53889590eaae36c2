package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/prperemyshlev/social-connections/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func testOptions(srv *httptest.Server) Options {
	return Options{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		Endpoints: Endpoints{
			AuthURL:    srv.URL + "/authorize",
			TokenURL:   srv.URL + "/token",
			RevokeURL:  srv.URL + "/revoke",
			ProfileURL: srv.URL + "/me",
		},
		Timeout:    time.Second,
		HTTPClient: srv.Client(),
	}
}

func requireKind(t *testing.T, err error, kind Kind) *Error {
	t.Helper()
	var ae *Error
	require.True(t, errors.As(err, &ae), "expected *adapter.Error, got %T: %v", err, err)
	assert.Equal(t, kind, ae.Kind)
	return ae
}

func TestTwitterAuthorizeURLUsesPKCE(t *testing.T) {
	tw := NewTwitter(Options{ClientID: "client-id"})
	verifier := oauth2.GenerateVerifier()

	raw := tw.BuildAuthorizeURL("state-123", verifier, nil, "https://app.example.com/callback/twitter")
	u, err := url.Parse(raw)
	require.NoError(t, err)
	q := u.Query()

	assert.True(t, tw.UsesPKCE())
	assert.Equal(t, "client-id", q.Get("client_id"))
	assert.Equal(t, "state-123", q.Get("state"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.Equal(t, oauth2.S256ChallengeFromVerifier(verifier), q.Get("code_challenge"))
	assert.Contains(t, q.Get("scope"), "offline.access")
}

func TestYouTubeAuthorizeURLRequestsOfflineAccess(t *testing.T) {
	yt := NewYouTube(Options{ClientID: "client-id"})

	u, err := url.Parse(yt.BuildAuthorizeURL("s", "", nil, "https://app.example.com/cb"))
	require.NoError(t, err)

	assert.False(t, yt.UsesPKCE())
	assert.Equal(t, "offline", u.Query().Get("access_type"))
	assert.Equal(t, "consent", u.Query().Get("prompt"))
	assert.Empty(t, u.Query().Get("code_challenge"))
}

func TestTikTokAuthorizeURLUsesClientKey(t *testing.T) {
	tt := NewTikTok(Options{ClientID: "tt-key"})

	u, err := url.Parse(tt.BuildAuthorizeURL("s", "", []string{"user.info.basic", "video.list"}, "https://app.example.com/cb"))
	require.NoError(t, err)

	assert.Equal(t, "tt-key", u.Query().Get("client_key"))
	assert.Empty(t, u.Query().Get("client_id"))
	assert.Equal(t, "user.info.basic,video.list", u.Query().Get("scope"))
}

func TestTwitterExchangeCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/token", r.URL.Path)
		assert.NoError(t, r.ParseForm())

		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "client-id", user)
		assert.Equal(t, "client-secret", pass)
		assert.Equal(t, "authorization_code", r.PostForm.Get("grant_type"))
		assert.Equal(t, "the-code", r.PostForm.Get("code"))
		assert.Equal(t, "the-verifier", r.PostForm.Get("code_verifier"))

		writeJSON(w, http.StatusOK, map[string]any{
			"access_token":  "at-1",
			"refresh_token": "rt-1",
			"token_type":    "bearer",
			"expires_in":    7200,
			"scope":         "tweet.read users.read offline.access",
		})
	}))
	defer srv.Close()

	grant, err := NewTwitter(testOptions(srv)).ExchangeCode(context.Background(), "the-code", "https://app/cb", "the-verifier")
	require.NoError(t, err)

	assert.Equal(t, "at-1", grant.AccessToken)
	assert.Equal(t, "rt-1", grant.RefreshToken)
	assert.InDelta(t, (2 * time.Hour).Seconds(), grant.ExpiresIn.Seconds(), 2)
	assert.Equal(t, []string{"tweet.read", "users.read", "offline.access"}, grant.Scopes)
}

func TestTokenErrorsAreClassified(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   map[string]any
		kind   Kind
	}{
		{"invalid grant", http.StatusBadRequest, map[string]any{"error": "invalid_grant"}, Permanent},
		{"unauthorized client", http.StatusUnauthorized, map[string]any{"error": "invalid_client"}, Permanent},
		{"server error", http.StatusBadGateway, map[string]any{"error": "temporarily_unavailable"}, Transient},
		{"throttled", http.StatusTooManyRequests, map[string]any{"error": "rate_limited"}, Transient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tt.status, tt.body)
			}))
			defer srv.Close()

			_, err := NewLinkedIn(testOptions(srv)).RefreshToken(context.Background(), "rt")
			ae := requireKind(t, err, tt.kind)
			assert.Equal(t, tt.status, ae.Status)
			assert.Equal(t, tt.body["error"], ae.Code)
			assert.Equal(t, tt.kind == Transient, IsTransient(err))
		})
	}
}

func TestTimeoutIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	opts := testOptions(srv)
	opts.Timeout = 50 * time.Millisecond

	_, err := NewLinkedIn(opts).FetchProfile(context.Background(), "at")
	requireKind(t, err, Transient)
}

func TestProfileRateLimitedIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusTooManyRequests, map[string]any{"title": "Too Many Requests"})
	}))
	defer srv.Close()

	_, err := NewTwitter(testOptions(srv)).FetchProfile(context.Background(), "at")
	requireKind(t, err, Transient)
}

func TestTwitterProfileAndRevoke(t *testing.T) {
	var revoked string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/me":
			assert.Equal(t, "Bearer at-1", r.Header.Get("Authorization"))
			writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"id": "42", "username": "jack"}})
		case "/revoke":
			assert.NoError(t, r.ParseForm())
			_, _, ok := r.BasicAuth()
			assert.True(t, ok)
			revoked = r.PostForm.Get("token")
			writeJSON(w, http.StatusOK, map[string]any{"revoked": true})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	tw := NewTwitter(testOptions(srv))

	p, err := tw.FetchProfile(context.Background(), "at-1")
	require.NoError(t, err)
	assert.Equal(t, "42", p.ExternalAccountID)
	assert.Equal(t, "@jack", p.Handle)

	require.NoError(t, tw.Revoke(context.Background(), "rt-1"))
	assert.Equal(t, "rt-1", revoked)
}

func TestFacebookExchangeUpgradesToLongLivedToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/token" && r.Method == http.MethodPost:
			writeJSON(w, http.StatusOK, map[string]any{"access_token": "short", "token_type": "bearer", "expires_in": 3600})
		case r.URL.Path == "/token" && r.Method == http.MethodGet:
			assert.Equal(t, "fb_exchange_token", r.URL.Query().Get("grant_type"))
			assert.Equal(t, "short", r.URL.Query().Get("fb_exchange_token"))
			writeJSON(w, http.StatusOK, map[string]any{"access_token": "long", "token_type": "bearer", "expires_in": 5184000})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	grant, err := NewFacebook(testOptions(srv)).ExchangeCode(context.Background(), "code", "https://app/cb", "")
	require.NoError(t, err)

	assert.Equal(t, "long", grant.AccessToken)
	assert.Equal(t, "long", grant.RefreshToken)
	assert.Equal(t, 60*24*time.Hour, grant.ExpiresIn)
}

func TestFacebookRevokeDeletesPermissions(t *testing.T) {
	var method, token string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		token = r.URL.Query().Get("access_token")
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	}))
	defer srv.Close()

	require.NoError(t, NewFacebook(testOptions(srv)).Revoke(context.Background(), "long"))
	assert.Equal(t, http.MethodDelete, method)
	assert.Equal(t, "long", token)
}

func TestInstagramRefreshUsesGraphHost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/refresh_access_token", r.URL.Path)
		assert.Equal(t, "ig_refresh_token", r.URL.Query().Get("grant_type"))
		writeJSON(w, http.StatusOK, map[string]any{"access_token": "ig-new", "expires_in": 5184000})
	}))
	defer srv.Close()

	ig := NewInstagram(testOptions(srv))

	grant, err := ig.RefreshToken(context.Background(), "ig-old")
	require.NoError(t, err)
	assert.Equal(t, "ig-new", grant.AccessToken)
	assert.Equal(t, "ig-new", grant.RefreshToken)

	assert.NoError(t, ig.Revoke(context.Background(), "ig-new"))
}

func TestTikTokErrorInSuccessBodyIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "client-id", r.PostForm.Get("client_key"))
		writeJSON(w, http.StatusOK, map[string]any{"error": "invalid_grant", "error_description": "Authorization code is expired."})
	}))
	defer srv.Close()

	_, err := NewTikTok(testOptions(srv)).ExchangeCode(context.Background(), "code", "https://app/cb", "")
	ae := requireKind(t, err, Permanent)
	assert.Equal(t, "invalid_grant", ae.Code)
}

func TestYouTubeProfileWithoutChannel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"items": []any{}})
	}))
	defer srv.Close()

	_, err := NewYouTube(testOptions(srv)).FetchProfile(context.Background(), "at")
	requireKind(t, err, Permanent)
}

func TestErrorMessageOmitsResponseBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_grant", "echo": "secret-refresh-token"})
	}))
	defer srv.Close()

	_, err := NewLinkedIn(testOptions(srv)).RefreshToken(context.Background(), "secret-refresh-token")
	require.Error(t, err)
	assert.False(t, strings.Contains(err.Error(), "secret-refresh-token"))
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(NewTwitter(Options{ClientID: "a"}), NewYouTube(Options{ClientID: "b"}))

	a, err := r.Get(domain.PlatformTwitter)
	require.NoError(t, err)
	assert.Equal(t, domain.PlatformTwitter, a.Platform())

	_, err = r.Get(domain.PlatformTikTok)
	assert.ErrorIs(t, err, domain.ErrUnsupportedPlatform)

	assert.Equal(t, []domain.Platform{domain.PlatformTwitter, domain.PlatformYouTube}, r.Platforms())
}
