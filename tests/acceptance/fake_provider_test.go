package acceptance

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
)

const (
	providerAccountID = "li-123"
	providerHandle    = "Ada Lovelace"
)

// fakeProvider is a LinkedIn-compatible OAuth provider. Code "bad" and any
// refresh while failRefresh is set are rejected with invalid_grant.
type fakeProvider struct {
	server      *httptest.Server
	issued      atomic.Int64
	exchanges   atomic.Int64
	refreshes   atomic.Int64
	revocations atomic.Int64
	failRefresh atomic.Bool
}

func newFakeProvider() *fakeProvider {
	p := &fakeProvider{}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /token", p.token)
	mux.HandleFunc("GET /userinfo", p.userinfo)
	mux.HandleFunc("POST /revoke", func(w http.ResponseWriter, r *http.Request) {
		p.revocations.Add(1)
		w.WriteHeader(http.StatusOK)
	})
	p.server = httptest.NewServer(mux)
	return p
}

func (p *fakeProvider) URL(path string) string {
	return p.server.URL + path
}

func (p *fakeProvider) Close() {
	p.server.Close()
}

func (p *fakeProvider) reset() {
	p.exchanges.Store(0)
	p.refreshes.Store(0)
	p.revocations.Store(0)
	p.failRefresh.Store(false)
}

func (p *fakeProvider) token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		p.exchanges.Add(1)
		if r.PostForm.Get("code") == "bad" {
			p.oauthError(w, "invalid_grant")
			return
		}
	case "refresh_token":
		p.refreshes.Add(1)
		if p.failRefresh.Load() {
			p.oauthError(w, "invalid_grant")
			return
		}
	default:
		p.oauthError(w, "unsupported_grant_type")
		return
	}

	n := p.issued.Add(1)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"access_token":  fmt.Sprintf("provider-access-%d", n),
		"refresh_token": fmt.Sprintf("provider-refresh-%d", n),
		"token_type":    "Bearer",
		"expires_in":    3600,
		"scope":         "openid profile",
	})
}

func (p *fakeProvider) userinfo(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer provider-access-") {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"sub":  providerAccountID,
		"name": providerHandle,
	})
}

func (p *fakeProvider) oauthError(w http.ResponseWriter, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             code,
		"error_description": "rejected by fake provider",
	})
}
